package repository

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/yukia3e/userop-relayer/internal/domain/model"
)

// ChainRepository is the connection to the blockchain node.
type ChainRepository interface {
	ChainID(ctx context.Context) (*big.Int, error)
	// PendingNonceAt returns the next nonce the node expects from account.
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, from common.Address, call model.CallPayload) (uint64, error)
	SuggestFees(ctx context.Context) (*model.Fees, error)
	// Submit broadcasts a signed transaction.
	Submit(ctx context.Context, signed *model.SignedTx) (*model.PendingTx, error)
	// Await blocks until the transaction has a receipt or ctx is done.
	Await(ctx context.Context, pending *model.PendingTx) (*types.Receipt, error)
	// TransactionKnown reports whether the node holds the transaction, pooled or mined.
	TransactionKnown(ctx context.Context, hash common.Hash) (bool, error)
	// RevertData replays a failed transaction at blockNumber and returns the revert payload.
	RevertData(ctx context.Context, pending *model.PendingTx, blockNumber *big.Int) ([]byte, error)
}

// SignerRepository owns the custodial key and the account nonce.
type SignerRepository interface {
	Address() common.Address
	// AcquireAndSign reserves the next nonce and signs call with it.
	AcquireAndSign(ctx context.Context, call model.CallPayload) (*model.SignedTx, error)
	// Commit marks the nonce slot as consumed by a broadcast.
	Commit(signed *model.SignedTx)
	// Release returns a slot the node never accepted.
	Release(signed *model.SignedTx)
	// Reconcile settles a slot whose broadcast outcome is unknown.
	Reconcile(ctx context.Context, signed *model.SignedTx)
}

// EntryPointRepository encodes calls against the entry-point contract.
type EntryPointRepository interface {
	EncodeHandleOps(entryPoint common.Address, ops []*model.UserOperation, beneficiary common.Address) (model.CallPayload, error)
	DecodeRevert(data []byte) string
}
