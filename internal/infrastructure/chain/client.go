package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog/log"

	"github.com/yukia3e/userop-relayer/internal/domain/model"
	"github.com/yukia3e/userop-relayer/internal/domain/repository"
	"github.com/yukia3e/userop-relayer/internal/util"
)

const packageName = "chain"

// Node error fragments that mean the nonce itself was refused.
var nonceConflictMessages = []string{
	"nonce too low",
	"already known",
	"replacement transaction underpriced",
	"nonce has already been used",
}

type client struct {
	ethClient    *ethclient.Client
	pollInterval time.Duration
}

func New(ethClient *ethclient.Client, pollInterval time.Duration) repository.ChainRepository {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &client{
		ethClient:    ethClient,
		pollInterval: pollInterval,
	}
}

func (c *client) ChainID(ctx context.Context) (*big.Int, error) {
	chainID, err := c.ethClient.ChainID(ctx)
	if err != nil {
		return nil, classify("get chain id", err)
	}
	return chainID, nil
}

func (c *client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	nonce, err := c.ethClient.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, classify("get pending nonce", err)
	}
	return nonce, nil
}

func (c *client) EstimateGas(ctx context.Context, from common.Address, call model.CallPayload) (uint64, error) {
	gas, err := c.ethClient.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    util.Pointer(call.To),
		Value: call.Value,
		Data:  call.Data,
	})
	if err != nil {
		return 0, classify("estimate gas", err)
	}
	return gas, nil
}

// SuggestFees returns EIP-1559 caps of tip + 2*baseFee, or a legacy gas
// price when the latest block has no base fee.
func (c *client) SuggestFees(ctx context.Context) (*model.Fees, error) {
	head, err := c.ethClient.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, classify("get latest header", err)
	}

	if head.BaseFee == nil {
		gasPrice, err := c.ethClient.SuggestGasPrice(ctx)
		if err != nil {
			return nil, classify("suggest gas price", err)
		}
		return &model.Fees{GasPrice: gasPrice}, nil
	}

	gasTipCap, err := c.ethClient.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, classify("suggest gas tip cap", err)
	}
	gasFeeCap := new(big.Int).Add(gasTipCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	return &model.Fees{
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
	}, nil
}

func (c *client) Submit(ctx context.Context, signed *model.SignedTx) (*model.PendingTx, error) {
	funcName := util.FuncName()

	tx := signed.Tx
	if err := c.ethClient.SendTransaction(ctx, tx); err != nil {
		return nil, classify("send transaction", err)
	}

	log.Info().
		Str("txHash", tx.Hash().Hex()).
		Uint64("nonce", tx.Nonce()).
		Msg(util.WrapLogMessage(packageName, funcName, "transaction sent"))

	var to common.Address
	if tx.To() != nil {
		to = *tx.To()
	}
	return &model.PendingTx{
		Hash:        tx.Hash(),
		From:        signed.From,
		To:          to,
		Nonce:       tx.Nonce(),
		Gas:         tx.Gas(),
		Data:        tx.Data(),
		Value:       tx.Value(),
		SubmittedAt: time.Now(),
	}, nil
}

// Await polls for the receipt until it exists or ctx is done. Lookup
// errors are retried; the node may be lagging behind the broadcast.
func (c *client) Await(ctx context.Context, pending *model.PendingTx) (*types.Receipt, error) {
	funcName := util.FuncName()

	queryTicker := time.NewTicker(c.pollInterval)
	defer queryTicker.Stop()

	for {
		receipt, err := c.ethClient.TransactionReceipt(ctx, pending.Hash)
		if err == nil {
			log.Info().
				Str("txHash", pending.Hash.Hex()).
				Uint64("status", receipt.Status).
				Dur("elapsed", time.Since(pending.SubmittedAt)).
				Msg(util.WrapLogMessage(packageName, funcName, "transaction mined"))
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil {
			log.Debug().Err(err).Str("txHash", pending.Hash.Hex()).Msg(util.WrapLogMessage(packageName, funcName, "failed to get receipt, retrying"))
		}

		select {
		case <-ctx.Done():
			return nil, &model.ChainError{Kind: model.ErrConfirmationTimeout, Op: "await receipt", Err: ctx.Err()}
		case <-queryTicker.C:
		}
	}
}

func (c *client) TransactionKnown(ctx context.Context, hash common.Hash) (bool, error) {
	_, _, err := c.ethClient.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, classify("get transaction", err)
	}
	return true, nil
}

// RevertData re-executes the call at blockNumber. A nil result with nil
// error means the replay did not revert.
func (c *client) RevertData(ctx context.Context, pending *model.PendingTx, blockNumber *big.Int) ([]byte, error) {
	_, err := c.ethClient.CallContract(ctx, ethereum.CallMsg{
		From:  pending.From,
		To:    util.Pointer(pending.To),
		Gas:   pending.Gas,
		Value: pending.Value,
		Data:  pending.Data,
	}, blockNumber)
	if err == nil {
		return nil, nil
	}

	chainErr := classify("replay call", err)
	if chainErr.Kind == model.ErrTransportFailure {
		return nil, chainErr
	}
	return chainErr.RevertData, nil
}

// classify maps node errors onto the relay taxonomy. An error carrying a
// JSON-RPC code came from the node; anything else never got an answer.
func classify(op string, err error) *model.ChainError {
	chainErr := &model.ChainError{Op: op, Err: err}

	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		chainErr.Kind = model.ErrTransportFailure
		return chainErr
	}

	chainErr.Kind = model.ErrSubmissionRejected
	chainErr.RevertData = revertData(err)

	msg := strings.ToLower(rpcErr.Error())
	for _, fragment := range nonceConflictMessages {
		if strings.Contains(msg, fragment) {
			chainErr.NonceConflict = true
			break
		}
	}
	return chainErr
}

func revertData(err error) []byte {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return nil
	}
	s, ok := dataErr.ErrorData().(string)
	if !ok {
		return nil
	}
	data, decodeErr := hexutil.Decode(s)
	if decodeErr != nil {
		return nil
	}
	return data
}
