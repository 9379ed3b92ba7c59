// Package chaintest provides an in-memory ChainRepository for tests.
package chaintest

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/yukia3e/userop-relayer/internal/domain/model"
	"github.com/yukia3e/userop-relayer/internal/domain/repository"
)

var _ repository.ChainRepository = (*Chain)(nil)

// Chain accepts every transaction unless a hook says otherwise, mines it
// on the first Await and records what was broadcast.
type Chain struct {
	mu sync.Mutex

	ID          *big.Int
	StartNonce  uint64
	GasEstimate uint64
	Fees        *model.Fees

	// EstimateErr fails EstimateGas.
	EstimateErr error
	// SubmitHook may fail a broadcast. Returning accepted=true with an error
	// models a node that took the transaction but whose answer was lost.
	SubmitHook func(tx *types.Transaction) (accepted bool, err error)
	// RevertHook returns revert data for transactions that should mine with
	// a failed status.
	RevertHook func(tx *types.Transaction) []byte
	// AwaitBlock, when set, holds Await until it is closed or ctx ends.
	AwaitBlock chan struct{}
	// SubmitBlock, when set, holds Submit until it is closed or ctx ends.
	// An ended ctx fails the broadcast as a transport failure.
	SubmitBlock chan struct{}
	// PendingNonceHook runs after PendingNonceAt has read the nonce and
	// before it is returned.
	PendingNonceHook func(nonce uint64)
	// KnownErr fails TransactionKnown.
	KnownErr error

	accepted  map[uint64]bool
	byHash    map[common.Hash]*types.Transaction
	broadcast []*types.Transaction
	block     int64
}

func New(startNonce uint64) *Chain {
	return &Chain{
		ID:          big.NewInt(1337),
		StartNonce:  startNonce,
		GasEstimate: 250000,
		Fees: &model.Fees{
			GasTipCap: big.NewInt(1_000_000_000),
			GasFeeCap: big.NewInt(3_000_000_000),
		},
		accepted: make(map[uint64]bool),
		byHash:   make(map[common.Hash]*types.Transaction),
	}
}

func (c *Chain) ChainID(context.Context) (*big.Int, error) {
	return c.ID, nil
}

func (c *Chain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	c.mu.Lock()
	n := c.pendingNonce()
	c.mu.Unlock()

	if c.PendingNonceHook != nil {
		c.PendingNonceHook(n)
	}
	return n, nil
}

func (c *Chain) pendingNonce() uint64 {
	n := c.StartNonce
	for c.accepted[n] {
		n++
	}
	return n
}

func (c *Chain) EstimateGas(context.Context, common.Address, model.CallPayload) (uint64, error) {
	if c.EstimateErr != nil {
		return 0, c.EstimateErr
	}
	return c.GasEstimate, nil
}

func (c *Chain) SuggestFees(context.Context) (*model.Fees, error) {
	return c.Fees, nil
}

func (c *Chain) Submit(ctx context.Context, signed *model.SignedTx) (*model.PendingTx, error) {
	tx := signed.Tx

	if c.SubmitBlock != nil {
		select {
		case <-c.SubmitBlock:
		case <-ctx.Done():
			return nil, &model.ChainError{Kind: model.ErrTransportFailure, Op: "send transaction", Err: ctx.Err()}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accepted[tx.Nonce()] || tx.Nonce() < c.StartNonce {
		return nil, &model.ChainError{Kind: model.ErrSubmissionRejected, Op: "send transaction", Err: errNonceTooLow, NonceConflict: true}
	}
	if c.SubmitHook != nil {
		accepted, err := c.SubmitHook(tx)
		if accepted {
			c.accept(tx)
		}
		if err != nil {
			return nil, err
		}
	}
	if _, ok := c.byHash[tx.Hash()]; !ok {
		c.accept(tx)
	}

	return &model.PendingTx{
		Hash:        tx.Hash(),
		From:        signed.From,
		To:          *tx.To(),
		Nonce:       tx.Nonce(),
		Gas:         tx.Gas(),
		Data:        tx.Data(),
		Value:       tx.Value(),
		SubmittedAt: time.Now(),
	}, nil
}

func (c *Chain) accept(tx *types.Transaction) {
	c.accepted[tx.Nonce()] = true
	c.byHash[tx.Hash()] = tx
	c.broadcast = append(c.broadcast, tx)
}

func (c *Chain) Await(ctx context.Context, pending *model.PendingTx) (*types.Receipt, error) {
	if c.AwaitBlock != nil {
		select {
		case <-c.AwaitBlock:
		case <-ctx.Done():
			return nil, &model.ChainError{Kind: model.ErrConfirmationTimeout, Op: "await receipt", Err: ctx.Err()}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tx := c.byHash[pending.Hash]
	c.block++
	status := types.ReceiptStatusSuccessful
	if c.RevertHook != nil && tx != nil && c.RevertHook(tx) != nil {
		status = types.ReceiptStatusFailed
	}
	return &types.Receipt{
		Status:      status,
		TxHash:      pending.Hash,
		BlockNumber: big.NewInt(c.block),
		GasUsed:     pending.Gas / 2,
		Logs:        []*types.Log{},
	}, nil
}

func (c *Chain) TransactionKnown(_ context.Context, hash common.Hash) (bool, error) {
	if c.KnownErr != nil {
		return false, c.KnownErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.byHash[hash]
	return ok, nil
}

func (c *Chain) RevertData(_ context.Context, pending *model.PendingTx, _ *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx := c.byHash[pending.Hash]
	if c.RevertHook == nil || tx == nil {
		return nil, nil
	}
	return c.RevertHook(tx), nil
}

// Broadcast returns the accepted transactions in arrival order.
func (c *Chain) Broadcast() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]*types.Transaction(nil), c.broadcast...)
}

// Nonces returns the nonces of the accepted transactions in arrival order.
func (c *Chain) Nonces() []uint64 {
	txs := c.Broadcast()
	nonces := make([]uint64, 0, len(txs))
	for _, tx := range txs {
		nonces = append(nonces, tx.Nonce())
	}
	return nonces
}

type chainError string

func (e chainError) Error() string { return string(e) }

const errNonceTooLow = chainError("nonce too low")
