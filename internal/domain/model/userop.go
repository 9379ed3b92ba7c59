package model

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// UserOperation is the client-authorized unit of work forwarded to an
// entry point. Both the unpacked (v0.6) and the packed (v0.7) layouts
// decode into it; Packed reports which one the client sent.
type UserOperation struct {
	Sender               common.Address `json:"sender"`
	Nonce                *Quantity      `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         *Quantity      `json:"callGasLimit,omitempty"`
	VerificationGasLimit *Quantity      `json:"verificationGasLimit,omitempty"`
	PreVerificationGas   *Quantity      `json:"preVerificationGas"`
	MaxFeePerGas         *Quantity      `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *Quantity      `json:"maxPriorityFeePerGas,omitempty"`
	AccountGasLimits     *common.Hash   `json:"accountGasLimits,omitempty"`
	GasFees              *common.Hash   `json:"gasFees,omitempty"`
	PaymasterAndData     hexutil.Bytes  `json:"paymasterAndData"`
	Signature            hexutil.Bytes  `json:"signature"`
}

func (op *UserOperation) Packed() bool {
	return op.AccountGasLimits != nil || op.GasFees != nil
}

// Quantity is an unsigned 256-bit integer decoded from a JSON number, a
// decimal string or a 0x-prefixed hex string.
type Quantity big.Int

func NewQuantity(v int64) *Quantity {
	return (*Quantity)(big.NewInt(v))
}

// ToInt returns zero for a nil quantity.
func (q *Quantity) ToInt() *big.Int {
	if q == nil {
		return new(big.Int)
	}
	return (*big.Int)(q)
}

func (q *Quantity) String() string {
	return q.ToInt().String()
}

func (q *Quantity) MarshalJSON() ([]byte, error) {
	return json.Marshal(hexutil.EncodeBig(q.ToInt()))
}

func (q *Quantity) UnmarshalJSON(input []byte) error {
	s := strings.TrimSpace(string(input))
	if s == "null" {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		if err := json.Unmarshal(input, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
	}

	v, err := parseQuantity(s)
	if err != nil {
		return err
	}
	*q = Quantity(*v)
	return nil
}

func parseQuantity(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty quantity")
	}

	v := new(big.Int)
	var ok bool
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		if len(s) == 2 || s[2] == '+' || s[2] == '-' {
			return nil, fmt.Errorf("invalid quantity %q", s)
		}
		_, ok = v.SetString(s[2:], 16)
	} else if s[0] != '+' {
		_, ok = v.SetString(s, 10)
	}
	if !ok {
		return nil, fmt.Errorf("invalid quantity %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative quantity %q", s)
	}
	if v.BitLen() > 256 {
		return nil, fmt.Errorf("quantity %q exceeds 256 bits", s)
	}
	return v, nil
}
