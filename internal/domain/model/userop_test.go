package model

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuantity_UnmarshalJSON(t *testing.T) {
	maxUint256 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	tests := []struct {
		name    string
		input   string
		want    *big.Int
		wantErr bool
	}{
		{name: "number", input: `5`, want: big.NewInt(5)},
		{name: "decimal string", input: `"100000"`, want: big.NewInt(100000)},
		{name: "hex string", input: `"0x0f"`, want: big.NewInt(15)},
		{name: "upper hex prefix", input: `"0X10"`, want: big.NewInt(16)},
		{name: "max uint256", input: `"` + "0x" + maxUint256.Text(16) + `"`, want: maxUint256},
		{name: "empty hex", input: `"0x"`, wantErr: true},
		{name: "empty string", input: `""`, wantErr: true},
		{name: "negative", input: `-1`, wantErr: true},
		{name: "negative decimal string", input: `"-1"`, wantErr: true},
		{name: "signed decimal string", input: `"+1"`, wantErr: true},
		{name: "signed hex", input: `"0x+1"`, wantErr: true},
		{name: "negative hex", input: `"0x-1"`, wantErr: true},
		{name: "negative zero hex", input: `"0X-0"`, wantErr: true},
		{name: "fraction", input: `1.5`, wantErr: true},
		{name: "garbage", input: `"abc"`, wantErr: true},
		{name: "overflow", input: `"0x1` + "0000000000000000000000000000000000000000000000000000000000000000" + `"`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var q Quantity
			err := json.Unmarshal([]byte(tt.input), &q)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Zero(t, tt.want.Cmp(q.ToInt()), "got %s", q.String())
		})
	}
}

func TestQuantity_NilIsZero(t *testing.T) {
	var q *Quantity
	assert.Equal(t, "0", q.String())

	out, err := json.Marshal(NewQuantity(255))
	require.NoError(t, err)
	assert.JSONEq(t, `"0xff"`, string(out))
}

func TestUserOperation_Decode(t *testing.T) {
	t.Run("unpacked with defaults", func(t *testing.T) {
		var op UserOperation
		err := json.Unmarshal([]byte(`{"sender":"0xAAAaaAaAaaaaaaAAaaaaAaAAaaAaAaAaaaAAaAaA","nonce":5,"callData":"0x","signature":"0x1234"}`), &op)
		require.NoError(t, err)

		assert.Equal(t, common.HexToAddress("0xAAAaaAaAaaaaaaAAaaaaAaAAaaAaAaAaaaAAaAaA"), op.Sender)
		assert.Equal(t, int64(5), op.Nonce.ToInt().Int64())
		assert.Empty(t, op.CallData)
		assert.Equal(t, []byte{0x12, 0x34}, []byte(op.Signature))
		assert.Zero(t, op.CallGasLimit.ToInt().Sign())
		assert.False(t, op.Packed())
	})

	t.Run("packed", func(t *testing.T) {
		var op UserOperation
		err := json.Unmarshal([]byte(`{"sender":"0x0000000000000000000000000000000000000001","nonce":"0x1","accountGasLimits":"0x`+
			"0000000000000000000000000000ffff0000000000000000000000000000eeee"+`"}`), &op)
		require.NoError(t, err)
		assert.True(t, op.Packed())
	})

	t.Run("malformed sender", func(t *testing.T) {
		var op UserOperation
		assert.Error(t, json.Unmarshal([]byte(`{"sender":"0x1234"}`), &op))
	})

	t.Run("malformed bytes", func(t *testing.T) {
		var op UserOperation
		assert.Error(t, json.Unmarshal([]byte(`{"callData":"1234"}`), &op))
	})
}

func TestChainError(t *testing.T) {
	cause := errors.New("nonce too low")
	err := error(&ChainError{Kind: ErrSubmissionRejected, Op: "send transaction", Err: cause, NonceConflict: true})

	assert.ErrorIs(t, err, ErrSubmissionRejected)
	assert.ErrorIs(t, err, ErrNonceConflict)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrTransportFailure)
	assert.EqualError(t, err, "send transaction: submission rejected: nonce too low")

	var chainErr *ChainError
	require.ErrorAs(t, err, &chainErr)
	assert.Equal(t, "nonce too low", chainErr.Diagnostic())
}
