package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"

	"github.com/yukia3e/userop-relayer/internal/config"
	"github.com/yukia3e/userop-relayer/internal/domain/model"
	"github.com/yukia3e/userop-relayer/internal/domain/repository"
	"github.com/yukia3e/userop-relayer/internal/infrastructure/metrics"
	"github.com/yukia3e/userop-relayer/internal/util"
)

const (
	packageName = "relay"

	reasonExecutionReverted = "execution reverted"
)

var errMissingParams = fmt.Errorf("%w: missing params", model.ErrInvalidInput)

type Handler struct {
	signer              repository.SignerRepository
	chain               repository.ChainRepository
	entryPoint          repository.EntryPointRepository
	metrics             *metrics.Recorder
	confirmationTimeout time.Duration
	submitTimeout       time.Duration
	newQueue            func() Queue
}

type Options struct {
	// ConfirmationTimeout bounds the receipt wait; past it the caller gets a
	// pending answer while the transaction stays in flight.
	ConfirmationTimeout time.Duration
	// SubmitTimeout bounds signing, broadcast and reconciliation. It keeps
	// running after the client goes away.
	SubmitTimeout time.Duration
	Metrics       *metrics.Recorder
	// NewQueue defaults to NewSingleQueue.
	NewQueue func() Queue
}

func New(signer repository.SignerRepository, chain repository.ChainRepository, entryPoint repository.EntryPointRepository, opts Options) *Handler {
	timeout := opts.ConfirmationTimeout
	if timeout <= 0 {
		timeout = config.DefaultConfirmationTimeout
	}
	submitTimeout := opts.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = config.DefaultSubmitTimeout
	}
	newQueue := opts.NewQueue
	if newQueue == nil {
		newQueue = NewSingleQueue
	}
	return &Handler{
		signer:              signer,
		chain:               chain,
		entryPoint:          entryPoint,
		metrics:             opts.Metrics,
		confirmationTimeout: timeout,
		submitTimeout:       submitTimeout,
		newQueue:            newQueue,
	}
}

// Handle relays one user operation and returns the HTTP status with the
// JSON-RPC response. It blocks until the transaction is mined or the
// confirmation timeout passes.
func (h *Handler) Handle(ctx context.Context, req *model.RelayRequest) (int, *model.RelayResponse) {
	funcName := util.FuncName()
	start := time.Now()

	op, entryPoint, err := parseParams(req)
	if err != nil {
		h.metrics.Relay(outcomeOf(err), time.Since(start))
		if errors.Is(err, errMissingParams) {
			return http.StatusBadRequest, model.NewErrorResponse(req.ID, model.CodeInvalidParams, model.MessageMissingParams, nil)
		}
		return http.StatusBadRequest, model.NewErrorResponse(req.ID, model.CodeInvalidParams, model.MessageInvalidParams, err.Error())
	}

	queue := h.newQueue()
	if err := queue.Add(op); err != nil {
		h.metrics.Relay(metrics.OutcomeFailed, time.Since(start))
		return http.StatusInternalServerError, model.NewErrorResponse(req.ID, model.CodeInternalError, model.MessageInternalError, err.Error())
	}
	call, err := h.entryPoint.EncodeHandleOps(entryPoint, queue.Drain(), h.signer.Address())
	if err != nil {
		err = fmt.Errorf("%w: %w", model.ErrInvalidInput, err)
		log.Info().Err(err).Msg(util.WrapLogMessage(packageName, funcName, "failed to encode handleOps"))
		h.metrics.Relay(metrics.OutcomeInvalid, time.Since(start))
		return http.StatusBadRequest, model.NewErrorResponse(req.ID, model.CodeInvalidParams, model.MessageInvalidParams, err.Error())
	}

	// Once a nonce is reserved the slot must be settled whatever the client
	// does, so the submission phase ignores request cancellation. It is still
	// bounded: a broadcast that outlives the deadline fails as a transport
	// failure and goes through Reconcile.
	submitCtx, cancelSubmit := context.WithTimeout(context.WithoutCancel(ctx), h.submitTimeout)
	defer cancelSubmit()

	signed, err := h.signer.AcquireAndSign(submitCtx, call)
	if err != nil {
		log.Warn().Err(err).Str("entryPoint", entryPoint.Hex()).Msg(util.WrapLogMessage(packageName, funcName, "failed to prepare transaction"))
		return h.internalError(req.ID, outcomeOf(err), start, h.diagnostic(err))
	}

	pending, err := h.chain.Submit(submitCtx, signed)
	if err != nil {
		var chainErr *model.ChainError
		if errors.As(err, &chainErr) && chainErr.Kind == model.ErrSubmissionRejected && !chainErr.NonceConflict {
			h.signer.Release(signed)
		} else {
			reconcileCtx, cancelReconcile := context.WithTimeout(context.WithoutCancel(ctx), h.submitTimeout)
			h.signer.Reconcile(reconcileCtx, signed)
			cancelReconcile()
		}
		log.Warn().Err(err).Uint64("nonce", signed.Nonce).Msg(util.WrapLogMessage(packageName, funcName, "failed to submit transaction"))
		return h.internalError(req.ID, outcomeOf(err), start, h.diagnostic(err))
	}
	h.signer.Commit(signed)

	awaitCtx, cancel := context.WithTimeout(ctx, h.confirmationTimeout)
	defer cancel()

	receipt, err := h.chain.Await(awaitCtx, pending)
	if err != nil {
		if errors.Is(err, model.ErrConfirmationTimeout) {
			log.Info().Str("txHash", pending.Hash.Hex()).Msg(util.WrapLogMessage(packageName, funcName, "transaction pending"))
			h.metrics.Relay(metrics.OutcomePending, time.Since(start))
			return http.StatusAccepted, model.NewErrorResponse(req.ID, model.CodePending, model.MessagePending, pending.Hash.Hex())
		}
		return h.internalError(req.ID, metrics.OutcomeFailed, start, h.diagnostic(err))
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		revertErr := h.revertError(submitCtx, pending, receipt)
		log.Warn().
			Err(revertErr).
			Str("txHash", pending.Hash.Hex()).
			Msg(util.WrapLogMessage(packageName, funcName, "transaction reverted"))
		return h.internalError(req.ID, outcomeOf(revertErr), start, revertErr.Diagnostic())
	}

	log.Info().
		Str("txHash", receipt.TxHash.Hex()).
		Uint64("nonce", signed.Nonce).
		Uint64("gasUsed", receipt.GasUsed).
		Dur("elapsed", time.Since(start)).
		Msg(util.WrapLogMessage(packageName, funcName, "relayed"))
	h.metrics.Relay(metrics.OutcomeMined, time.Since(start))

	return http.StatusOK, model.NewResultResponse(req.ID, receipt.TxHash.Hex())
}

func (h *Handler) internalError(id json.RawMessage, outcome string, start time.Time, data string) (int, *model.RelayResponse) {
	h.metrics.Relay(outcome, time.Since(start))
	return http.StatusInternalServerError, model.NewErrorResponse(id, model.CodeInternalError, model.MessageInternalError, data)
}

// revertError replays a mined-but-failed transaction to recover why it
// failed. The nonce is spent either way.
func (h *Handler) revertError(ctx context.Context, pending *model.PendingTx, receipt *types.Receipt) *model.ChainError {
	reason := reasonExecutionReverted
	data, err := h.chain.RevertData(ctx, pending, receipt.BlockNumber)
	if err != nil {
		log.Warn().Err(err).Str("txHash", pending.Hash.Hex()).Msg(util.WrapLogMessage(packageName, util.FuncName(), "failed to replay transaction"))
	} else if decoded := h.entryPoint.DecodeRevert(data); decoded != "" {
		reason = decoded
	}
	return &model.ChainError{
		Kind:       model.ErrExecutionReverted,
		Op:         "replay transaction",
		Err:        errors.New(reason),
		RevertData: data,
	}
}

func (h *Handler) diagnostic(err error) string {
	var chainErr *model.ChainError
	if !errors.As(err, &chainErr) {
		return err.Error()
	}
	if reason := h.entryPoint.DecodeRevert(chainErr.RevertData); reason != "" {
		return reason
	}
	return chainErr.Diagnostic()
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		return metrics.OutcomeInvalid
	case errors.Is(err, model.ErrExecutionReverted):
		return metrics.OutcomeReverted
	case errors.Is(err, model.ErrSubmissionRejected):
		return metrics.OutcomeRejected
	}
	return metrics.OutcomeFailed
}

func parseParams(req *model.RelayRequest) (*model.UserOperation, common.Address, error) {
	if isFalsy(req.UserOp) || isFalsy(req.EntryPointAddress) {
		return nil, common.Address{}, errMissingParams
	}

	if !strings.HasPrefix(strings.TrimSpace(string(req.UserOp)), "{") {
		return nil, common.Address{}, fmt.Errorf("%w: userOp: must be an object", model.ErrInvalidInput)
	}
	var op model.UserOperation
	if err := json.Unmarshal(req.UserOp, &op); err != nil {
		return nil, common.Address{}, fmt.Errorf("%w: userOp: %w", model.ErrInvalidInput, err)
	}

	var entryPoint string
	if err := json.Unmarshal(req.EntryPointAddress, &entryPoint); err != nil {
		return nil, common.Address{}, fmt.Errorf("%w: entryPointAddress: must be a string", model.ErrInvalidInput)
	}
	if !common.IsHexAddress(entryPoint) {
		return nil, common.Address{}, fmt.Errorf("%w: entryPointAddress: %q is not a hex address", model.ErrInvalidInput, entryPoint)
	}

	return &op, common.HexToAddress(entryPoint), nil
}

// isFalsy treats absent, null, false, zero and the empty string as missing,
// matching what existing clients expect.
func isFalsy(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	switch s {
	case "", "null", "false", `""`:
		return true
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil && f == 0 {
		return true
	}
	return false
}
