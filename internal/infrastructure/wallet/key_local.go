package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/yukia3e/userop-relayer/internal/util"
)

// Key signs transactions for a single custodial address.
type Key interface {
	Address() common.Address
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

type localKey struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewLocalKey loads a hex-encoded secp256k1 private key without 0x prefix.
func NewLocalKey(hexKey string) (Key, error) {
	funcName := util.FuncName()

	privateKey, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to parse private key: %w", err))
	}

	return &localKey{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

func (k *localKey) Address() common.Address {
	return k.address
}

func (k *localKey) SignTx(_ context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), k.privateKey)
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, util.FuncName(), fmt.Errorf("failed to sign transaction: %w", err))
	}
	return signedTx, nil
}
