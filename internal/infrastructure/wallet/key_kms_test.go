package wallet

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"math/big"
	"testing"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/go-cmp/cmp"
	"github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/testing/protocmp"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const testKeyVersion = "projects/p/locations/global/keyRings/relayer/cryptoKeys/bundler/cryptoKeyVersions/1"

var (
	oidPublicKeyECDSA = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	oidSecp256k1      = asn1.ObjectIdentifier{1, 3, 132, 0, 10}
)

// fakeKMS signs with a local secp256k1 key and answers the way Cloud KMS
// does: PEM public keys, DER signatures and CRC32C checksums.
type fakeKMS struct {
	key *ecdsa.PrivateKey

	// highS returns the non-canonical twin of each signature.
	highS bool

	// The corrupt flags make the returned checksum disagree with the payload.
	corruptPEM       bool
	corruptSignature bool
	nameOverride     string
	signErr          error

	signRequests []*kmspb.AsymmetricSignRequest
}

func newFakeKMS(t *testing.T) *fakeKMS {
	t.Helper()
	key, err := crypto.HexToECDSA(testPrivateKey)
	require.NoError(t, err)
	return &fakeKMS{key: key}
}

func (f *fakeKMS) GetPublicKey(_ context.Context, req *kmspb.GetPublicKeyRequest, _ ...gax.CallOption) (*kmspb.PublicKey, error) {
	params, err := asn1.Marshal(oidSecp256k1)
	if err != nil {
		return nil, err
	}
	der, err := asn1.Marshal(struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}{
		Algorithm: pkix.AlgorithmIdentifier{
			Algorithm:  oidPublicKeyECDSA,
			Parameters: asn1.RawValue{FullBytes: params},
		},
		PublicKey: asn1.BitString{
			Bytes:     crypto.FromECDSAPub(&f.key.PublicKey),
			BitLength: 8 * 65,
		},
	})
	if err != nil {
		return nil, err
	}
	pemStr := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	checksum := int64(crc32c([]byte(pemStr)))
	if f.corruptPEM {
		checksum++
	}

	name := req.Name
	if f.nameOverride != "" {
		name = f.nameOverride
	}
	return &kmspb.PublicKey{
		Name:            name,
		Pem:             pemStr,
		PemCrc32C:       wrapperspb.Int64(checksum),
		Algorithm:       kmspb.CryptoKeyVersion_EC_SIGN_SECP256K1_SHA256,
		ProtectionLevel: kmspb.ProtectionLevel_HSM,
	}, nil
}

func (f *fakeKMS) AsymmetricSign(_ context.Context, req *kmspb.AsymmetricSignRequest, _ ...gax.CallOption) (*kmspb.AsymmetricSignResponse, error) {
	f.signRequests = append(f.signRequests, req)
	if f.signErr != nil {
		return nil, f.signErr
	}

	sig, err := crypto.Sign(req.GetDigest().GetSha256(), f.key)
	if err != nil {
		return nil, err
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if f.highS {
		s = new(big.Int).Sub(secp256k1N, s)
	}
	der, err := asn1.Marshal(struct {
		R *big.Int
		S *big.Int
	}{r, s})
	if err != nil {
		return nil, err
	}
	checksum := int64(crc32c(der))
	if f.corruptSignature {
		checksum++
	}

	return &kmspb.AsymmetricSignResponse{
		Name:                 req.Name,
		Signature:            der,
		SignatureCrc32C:      wrapperspb.Int64(checksum),
		VerifiedDigestCrc32C: true,
	}, nil
}

func TestNewKMSKey(t *testing.T) {
	tests := []struct {
		name           string
		keyVersion     string
		setup          func(f *fakeKMS)
		wantErrMessage string
	}{
		{
			name:       "success",
			keyVersion: testKeyVersion,
		},
		{
			name:           "error - empty key version",
			keyVersion:     "",
			wantErrMessage: "wallet.NewKMSKey: keyVersion is empty",
		},
		{
			name:       "error - name mismatch",
			keyVersion: testKeyVersion,
			setup: func(f *fakeKMS) {
				f.nameOverride = "projects/p/locations/global/keyRings/relayer/cryptoKeys/other/cryptoKeyVersions/1"
			},
			wantErrMessage: "wallet.NewKMSKey: failed to get public key: wallet.getPublicKey: failed to get public key: invalid key name",
		},
		{
			name:           "error - corrupted pem",
			keyVersion:     testKeyVersion,
			setup:          func(f *fakeKMS) { f.corruptPEM = true },
			wantErrMessage: "wallet.NewKMSKey: failed to get public key: wallet.getPublicKey: failed to get public key: invalid CRC32",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFakeKMS(t)
			if tt.setup != nil {
				tt.setup(f)
			}

			key, err := NewKMSKey(context.Background(), f, tt.keyVersion)
			if tt.wantErrMessage != "" {
				assert.EqualError(t, err, tt.wantErrMessage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"), key.Address())
		})
	}
}

func TestKMSKey_SignTx(t *testing.T) {
	tests := []struct {
		name           string
		setup          func(f *fakeKMS)
		wantErrMessage string
	}{
		{
			name: "success",
		},
		{
			name:  "success - high s is normalized",
			setup: func(f *fakeKMS) { f.highS = true },
		},
		{
			name:           "error - corrupted signature",
			setup:          func(f *fakeKMS) { f.corruptSignature = true },
			wantErrMessage: "wallet.SignTx: failed to sign: wallet.sign: AsymmetricSign: response corrupted in-transit",
		},
		{
			name:           "error - kms unavailable",
			setup:          func(f *fakeKMS) { f.signErr = errors.New("unavailable") },
			wantErrMessage: "wallet.SignTx: failed to sign: wallet.sign: failed to sign digest: unavailable",
		},
	}

	chainID := big.NewInt(1337)
	to := common.HexToAddress("0xEEeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFakeKMS(t)
			key, err := NewKMSKey(context.Background(), f, testKeyVersion)
			require.NoError(t, err)
			if tt.setup != nil {
				tt.setup(f)
			}

			tx := types.NewTx(&types.DynamicFeeTx{
				ChainID:   chainID,
				Nonce:     3,
				GasTipCap: big.NewInt(1),
				GasFeeCap: big.NewInt(2),
				Gas:       21000,
				To:        &to,
				Value:     big.NewInt(0),
			})
			signed, err := key.SignTx(context.Background(), tx, chainID)
			if tt.wantErrMessage != "" {
				assert.EqualError(t, err, tt.wantErrMessage)
				return
			}
			require.NoError(t, err)

			sender, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
			require.NoError(t, err)
			assert.Equal(t, key.Address(), sender)

			digest := types.LatestSignerForChainID(chainID).Hash(tx)
			want := []*kmspb.AsymmetricSignRequest{{
				Name: testKeyVersion,
				Digest: &kmspb.Digest{
					Digest: &kmspb.Digest_Sha256{Sha256: digest[:]},
				},
				DigestCrc32C: wrapperspb.Int64(int64(crc32c(digest[:]))),
			}}
			if diff := cmp.Diff(want, f.signRequests, protocmp.Transform()); diff != "" {
				t.Errorf("AsymmetricSign() request mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseSignature(t *testing.T) {
	der, err := asn1.Marshal(struct {
		R *big.Int
		S *big.Int
	}{big.NewInt(5), new(big.Int).Sub(secp256k1N, big.NewInt(7))})
	require.NoError(t, err)

	r, s, err := parseSignature(der)
	require.NoError(t, err)
	assert.Equal(t, int64(5), r.Int64())
	assert.Equal(t, int64(7), s.Int64())

	_, _, err = parseSignature([]byte{0x01, 0x02})
	assert.Error(t, err)
}
