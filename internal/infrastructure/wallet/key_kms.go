package wallet

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"hash/crc32"
	"math/big"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/yukia3e/userop-relayer/internal/util"
)

var (
	secp256k1N, _  = new(big.Int).SetString("fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141", 16)
	secp256k1halfN = new(big.Int).Div(secp256k1N, big.NewInt(2))

	crc32cTable = crc32.MakeTable(crc32.Castagnoli)
)

// KMSClient is the subset of *kms.KeyManagementClient used for signing.
type KMSClient interface {
	GetPublicKey(ctx context.Context, req *kmspb.GetPublicKeyRequest, opts ...gax.CallOption) (*kmspb.PublicKey, error)
	AsymmetricSign(ctx context.Context, req *kmspb.AsymmetricSignRequest, opts ...gax.CallOption) (*kmspb.AsymmetricSignResponse, error)
}

type kmsKey struct {
	kmsClient  KMSClient
	keyVersion string
	publicKey  *ecdsa.PublicKey
	address    common.Address
}

// NewKMSKey fetches and verifies the public key of an
// EC_SIGN_SECP256K1_SHA256 key version and derives its address.
func NewKMSKey(ctx context.Context, kmsClient KMSClient, keyVersion string) (Key, error) {
	if keyVersion == "" {
		return nil, util.WrapErrorForLog(packageName, util.FuncName(), fmt.Errorf("keyVersion is empty"))
	}

	k := &kmsKey{
		kmsClient:  kmsClient,
		keyVersion: keyVersion,
	}
	pubKey, err := k.getPublicKey(ctx)
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, util.FuncName(), fmt.Errorf("failed to get public key: %w", err))
	}
	k.publicKey = pubKey
	k.address = crypto.PubkeyToAddress(*pubKey)

	return k, nil
}

func (k *kmsKey) Address() common.Address {
	return k.address
}

func (k *kmsKey) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	funcName := util.FuncName()

	signer := types.LatestSignerForChainID(chainID)
	txHash := signer.Hash(tx)

	signature, err := k.sign(ctx, txHash[:])
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to sign: %w", err))
	}

	signedTx, err := tx.WithSignature(signer, signature)
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to sign transaction: %w", err))
	}
	return signedTx, nil
}

func (k *kmsKey) getPublicKey(ctx context.Context) (*ecdsa.PublicKey, error) {
	funcName := util.FuncName()

	publicKeyResponse, err := k.kmsClient.GetPublicKey(ctx, &kmspb.GetPublicKeyRequest{
		Name: k.keyVersion,
	})
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to get public key: %w", err))
	}
	if publicKeyResponse.Name != k.keyVersion {
		return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to get public key: invalid key name"))
	}
	publicKeyPEM := publicKeyResponse.Pem
	if publicKeyPEM == "" {
		return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to get public key: empty PEM"))
	}
	if int64(crc32c([]byte(publicKeyPEM))) != publicKeyResponse.GetPemCrc32C().GetValue() {
		return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to get public key: invalid CRC32"))
	}

	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to decode public key"))
	}
	pubKey, err := getPublicKeyFromDecodedPEM(block)
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to get public key: %w", err))
	}

	return &pubKey, nil
}

func (k *kmsKey) sign(ctx context.Context, hash []byte) ([]byte, error) {
	funcName := util.FuncName()

	signResponse, err := k.kmsClient.AsymmetricSign(ctx, &kmspb.AsymmetricSignRequest{
		Name: k.keyVersion,
		Digest: &kmspb.Digest{
			Digest: &kmspb.Digest_Sha256{
				Sha256: hash,
			},
		},
		DigestCrc32C: wrapperspb.Int64(int64(crc32c(hash))),
	})
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to sign digest: %w", err))
	}

	if len(signResponse.Signature) == 0 {
		return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to sign digest: empty signature"))
	}

	if int64(crc32c(signResponse.Signature)) != signResponse.GetSignatureCrc32C().GetValue() {
		return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("AsymmetricSign: response corrupted in-transit"))
	}

	r, s, err := parseSignature(signResponse.Signature)
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to parse signature: %w", err))
	}

	// KMS returns no recovery id; find the one that yields our key.
	for _, v := range []byte{0, 1} {
		candidateSignature := make([]byte, crypto.SignatureLength)
		r.FillBytes(candidateSignature[:32])
		s.FillBytes(candidateSignature[32:64])
		candidateSignature[64] = v

		candidateRawPublicKey, err := crypto.Ecrecover(hash, candidateSignature)
		if err != nil {
			continue
		}

		candidatePublicKey, err := crypto.UnmarshalPubkey(candidateRawPublicKey)
		if err != nil {
			return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to parse public key: %w", err))
		}

		if candidatePublicKey.Equal(k.publicKey) {
			return candidateSignature, nil
		}
	}

	return nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to sign digest: invalid signature"))
}

func crc32c(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

func getPublicKeyFromDecodedPEM(block *pem.Block) (ecdsa.PublicKey, error) {
	funcName := util.FuncName()

	var pki struct {
		Raw       asn1.RawContent
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}

	_, err := asn1.Unmarshal(block.Bytes, &pki)
	if err != nil {
		return ecdsa.PublicKey{}, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to unmarshal public key: %w", err))
	}
	asn1Data := pki.PublicKey.RightAlign()
	if len(asn1Data) != 65 || asn1Data[0] != 0x04 {
		return ecdsa.PublicKey{}, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("unexpected public key encoding"))
	}
	x, y := asn1Data[1:33], asn1Data[33:]
	pubKey := ecdsa.PublicKey{
		Curve: crypto.S256(),
		X:     new(big.Int).SetBytes(x),
		Y:     new(big.Int).SetBytes(y),
	}

	return pubKey, nil
}

func parseSignature(signature []byte) (r *big.Int, s *big.Int, err error) {
	funcName := util.FuncName()

	sig := new(struct {
		R *big.Int
		S *big.Int
	})

	_, err = asn1.Unmarshal(signature, sig)
	if err != nil {
		return nil, nil, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to unmarshal signature: %w", err))
	}

	// Ethereum only accepts low-s signatures.
	if sig.S.Cmp(secp256k1halfN) > 0 {
		sig.S = new(big.Int).Sub(secp256k1N, sig.S)
	}

	return sig.R, sig.S, nil
}
