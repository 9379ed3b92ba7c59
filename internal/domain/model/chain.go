package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// CallPayload is a fully encoded contract call the Signer wraps into a
// transaction without interpreting it.
type CallPayload struct {
	To    common.Address
	Data  []byte
	Value *big.Int
}

// Fees holds EIP-1559 caps, or GasPrice alone on chains without a base fee.
type Fees struct {
	GasTipCap *big.Int
	GasFeeCap *big.Int
	GasPrice  *big.Int
}

func (f *Fees) Legacy() bool {
	return f.GasPrice != nil
}

// SignedTx is a signed transaction together with the nonce slot it holds.
type SignedTx struct {
	Tx    *types.Transaction
	From  common.Address
	Nonce uint64
}

func (s *SignedTx) Hash() common.Hash {
	return s.Tx.Hash()
}

// PendingTx is the handle of a broadcast transaction.
type PendingTx struct {
	Hash        common.Hash
	From        common.Address
	To          common.Address
	Nonce       uint64
	Gas         uint64
	Data        []byte
	Value       *big.Int
	SubmittedAt time.Time
}
