package wallet

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"

	"github.com/yukia3e/userop-relayer/internal/domain/model"
	"github.com/yukia3e/userop-relayer/internal/domain/repository"
	"github.com/yukia3e/userop-relayer/internal/util"
)

const packageName = "wallet"

// NonceObserver receives nonce lifecycle events; the metrics recorder
// implements it.
type NonceObserver interface {
	NonceEvent(event string)
}

type signer struct {
	key      Key
	chain    repository.ChainRepository
	chainID  *big.Int
	gasLimit uint64
	nonces   *nonceManager
	observer NonceObserver
}

type Options struct {
	// ChainID overrides the node's chain id when non-nil.
	ChainID *big.Int
	// GasLimit is used for every transaction when non-zero; otherwise gas is estimated.
	GasLimit uint64
	Observer NonceObserver
}

// New binds key to chain. It resolves the chain id and seeds the nonce
// counter from the node's pending nonce; any failure here is fatal.
func New(ctx context.Context, key Key, chain repository.ChainRepository, opts Options) (repository.SignerRepository, error) {
	funcName := util.FuncName()

	chainID := opts.ChainID
	if chainID == nil {
		id, err := chain.ChainID(ctx)
		if err != nil {
			return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to get chain id: %w", err))
		}
		chainID = id
	}

	nonce, err := chain.PendingNonceAt(ctx, key.Address())
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to get nonce: %w", err))
	}

	log.Info().
		Str("address", key.Address().Hex()).
		Str("chainID", chainID.String()).
		Uint64("nonce", nonce).
		Msg(util.WrapLogMessage(packageName, funcName, "signer ready"))

	return &signer{
		key:      key,
		chain:    chain,
		chainID:  chainID,
		gasLimit: opts.GasLimit,
		nonces:   newNonceManager(nonce),
		observer: opts.Observer,
	}, nil
}

func (s *signer) Address() common.Address {
	return s.key.Address()
}

func (s *signer) AcquireAndSign(ctx context.Context, call model.CallPayload) (*model.SignedTx, error) {
	funcName := util.FuncName()

	s.resyncIfDirty(ctx)

	// GasLimit
	gasLimit := s.gasLimit
	if gasLimit == 0 {
		estimated, err := s.chain.EstimateGas(ctx, s.Address(), call)
		if err != nil {
			return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to estimate gas: %w", err))
		}
		gasLimit = estimated
	}

	// GasTipCap, GasFeeCap
	fees, err := s.chain.SuggestFees(ctx)
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to get fees: %w", err))
	}

	// Nonce
	nonce := s.nonces.reserve()
	s.observe("reserved")

	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	var txData types.TxData
	if fees.Legacy() {
		txData = &types.LegacyTx{
			Nonce:    nonce,
			GasPrice: fees.GasPrice,
			Gas:      gasLimit,
			To:       util.Pointer(call.To),
			Value:    value,
			Data:     call.Data,
		}
	} else {
		txData = &types.DynamicFeeTx{
			ChainID:   s.chainID,
			Nonce:     nonce,
			GasTipCap: fees.GasTipCap,
			GasFeeCap: fees.GasFeeCap,
			Gas:       gasLimit,
			To:        util.Pointer(call.To),
			Value:     value,
			Data:      call.Data,
		}
	}

	signedTx, err := s.key.SignTx(ctx, types.NewTx(txData), s.chainID)
	if err != nil {
		s.nonces.release(nonce)
		s.observe("released")
		return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to sign transaction: %w", err))
	}

	log.Debug().
		Uint64("nonce", nonce).
		Str("txHash", signedTx.Hash().Hex()).
		Msg(util.WrapLogMessage(packageName, funcName, "signed"))

	return &model.SignedTx{
		Tx:    signedTx,
		From:  s.Address(),
		Nonce: nonce,
	}, nil
}

func (s *signer) Commit(signed *model.SignedTx) {
	s.nonces.commit(signed.Nonce)
	s.observe("committed")
}

func (s *signer) Release(signed *model.SignedTx) {
	s.nonces.release(signed.Nonce)
	s.observe("released")
}

// Reconcile settles a slot after an ambiguous broadcast. If the node knows
// the transaction, or has moved past the nonce, the slot is consumed;
// otherwise it is released. When the node cannot be asked, the slot stays
// consumed and the counter is resynced before the next reservation.
func (s *signer) Reconcile(ctx context.Context, signed *model.SignedTx) {
	funcName := util.FuncName()

	known, err := s.chain.TransactionKnown(ctx, signed.Hash())
	if err != nil {
		log.Warn().Err(err).Uint64("nonce", signed.Nonce).Msg(util.WrapLogMessage(packageName, funcName, "failed to look up transaction, deferring resync"))
		s.nonces.commit(signed.Nonce)
		s.nonces.markDirty()
		s.observe("deferred")
		return
	}
	if known {
		s.Commit(signed)
		return
	}

	pending, err := s.chain.PendingNonceAt(ctx, s.Address())
	if err != nil {
		log.Warn().Err(err).Uint64("nonce", signed.Nonce).Msg(util.WrapLogMessage(packageName, funcName, "failed to get nonce, deferring resync"))
		s.nonces.commit(signed.Nonce)
		s.nonces.markDirty()
		s.observe("deferred")
		return
	}
	if pending > signed.Nonce {
		// The slot was taken outside this process.
		s.Commit(signed)
		s.nonces.raise(pending)
		log.Warn().Uint64("nonce", signed.Nonce).Uint64("pending", pending).Msg(util.WrapLogMessage(packageName, funcName, "nonce already used on chain"))
		return
	}
	s.Release(signed)
}

func (s *signer) resyncIfDirty(ctx context.Context) {
	generation, dirty := s.nonces.snapshot()
	if !dirty {
		return
	}
	funcName := util.FuncName()

	pending, err := s.chain.PendingNonceAt(ctx, s.Address())
	if err != nil {
		log.Warn().Err(err).Msg(util.WrapLogMessage(packageName, funcName, "failed to get nonce"))
		return
	}
	if s.nonces.resync(pending, generation) {
		log.Info().Uint64("nonce", pending).Msg(util.WrapLogMessage(packageName, funcName, "nonce resynced"))
		s.observe("resynced")
	}
}

func (s *signer) observe(event string) {
	if s.observer != nil {
		s.observer.NonceEvent(event)
	}
}
