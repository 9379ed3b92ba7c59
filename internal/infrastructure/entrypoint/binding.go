package entrypoint

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/yukia3e/userop-relayer/internal/domain/model"
	"github.com/yukia3e/userop-relayer/internal/domain/repository"
	"github.com/yukia3e/userop-relayer/internal/util"
)

const (
	packageName = "entrypoint"

	methodHandleOps = "handleOps"
)

const entryPointV06JSON = `[
{"type":"function","name":"handleOps","stateMutability":"nonpayable","inputs":[{"name":"ops","type":"tuple[]","components":[{"name":"sender","type":"address"},{"name":"nonce","type":"uint256"},{"name":"initCode","type":"bytes"},{"name":"callData","type":"bytes"},{"name":"callGasLimit","type":"uint256"},{"name":"verificationGasLimit","type":"uint256"},{"name":"preVerificationGas","type":"uint256"},{"name":"maxFeePerGas","type":"uint256"},{"name":"maxPriorityFeePerGas","type":"uint256"},{"name":"paymasterAndData","type":"bytes"},{"name":"signature","type":"bytes"}]},{"name":"beneficiary","type":"address"}],"outputs":[]},
{"type":"error","name":"FailedOp","inputs":[{"name":"opIndex","type":"uint256"},{"name":"reason","type":"string"}]},
{"type":"error","name":"SignatureValidationFailed","inputs":[{"name":"aggregator","type":"address"}]}
]`

const entryPointV07JSON = `[
{"type":"function","name":"handleOps","stateMutability":"nonpayable","inputs":[{"name":"ops","type":"tuple[]","components":[{"name":"sender","type":"address"},{"name":"nonce","type":"uint256"},{"name":"initCode","type":"bytes"},{"name":"callData","type":"bytes"},{"name":"accountGasLimits","type":"bytes32"},{"name":"preVerificationGas","type":"uint256"},{"name":"gasFees","type":"bytes32"},{"name":"paymasterAndData","type":"bytes"},{"name":"signature","type":"bytes"}]},{"name":"beneficiary","type":"address"}],"outputs":[]},
{"type":"error","name":"FailedOp","inputs":[{"name":"opIndex","type":"uint256"},{"name":"reason","type":"string"}]},
{"type":"error","name":"FailedOpWithRevert","inputs":[{"name":"opIndex","type":"uint256"},{"name":"reason","type":"string"},{"name":"inner","type":"bytes"}]},
{"type":"error","name":"PostOpReverted","inputs":[{"name":"returnData","type":"bytes"}]},
{"type":"error","name":"SignatureValidationFailed","inputs":[{"name":"aggregator","type":"address"}]}
]`

var (
	v06ABI, v07ABI *abi.ABI
	loadOnce       sync.Once
	loadErr        error
)

func load() error {
	loadOnce.Do(func() {
		v06, err := abi.JSON(strings.NewReader(entryPointV06JSON))
		if err != nil {
			loadErr = fmt.Errorf("failed to parse v0.6 ABI: %w", err)
			return
		}
		v06ABI = &v06

		v07, err := abi.JSON(strings.NewReader(entryPointV07JSON))
		if err != nil {
			loadErr = fmt.Errorf("failed to parse v0.7 ABI: %w", err)
			return
		}
		v07ABI = &v07
	})
	return loadErr
}

// userOpV06 mirrors the v0.6 UserOperation tuple; field names match the
// ABI components in camel case.
type userOpV06 struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

type packedUserOp struct {
	Sender             common.Address
	Nonce              *big.Int
	InitCode           []byte
	CallData           []byte
	AccountGasLimits   [32]byte
	PreVerificationGas *big.Int
	GasFees            [32]byte
	PaymasterAndData   []byte
	Signature          []byte
}

type binding struct{}

// New parses the entry-point ABIs once. A parse failure is a programming
// error and is reported at startup.
func New() (repository.EntryPointRepository, error) {
	if err := load(); err != nil {
		return nil, util.WrapErrorForLog(packageName, util.FuncName(), err)
	}
	return &binding{}, nil
}

// EncodeHandleOps packs handleOps(ops, beneficiary) for the layout the
// operations use. All operations of one call must share a layout.
func (b *binding) EncodeHandleOps(entryPoint common.Address, ops []*model.UserOperation, beneficiary common.Address) (model.CallPayload, error) {
	funcName := util.FuncName()

	if len(ops) == 0 {
		return model.CallPayload{}, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("no operations"))
	}

	packed := ops[0].Packed()
	for _, op := range ops[1:] {
		if op.Packed() != packed {
			return model.CallPayload{}, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("operations mix packed and unpacked layouts"))
		}
	}

	var (
		data []byte
		err  error
	)
	if packed {
		tuples := make([]packedUserOp, 0, len(ops))
		for _, op := range ops {
			tuples = append(tuples, toPacked(op))
		}
		data, err = v07ABI.Pack(methodHandleOps, tuples, beneficiary)
	} else {
		tuples := make([]userOpV06, 0, len(ops))
		for _, op := range ops {
			tuples = append(tuples, toV06(op))
		}
		data, err = v06ABI.Pack(methodHandleOps, tuples, beneficiary)
	}
	if err != nil {
		return model.CallPayload{}, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to pack handleOps: %w", err))
	}

	return model.CallPayload{
		To:    entryPoint,
		Data:  data,
		Value: new(big.Int),
	}, nil
}

// DecodeRevert renders revert data as a readable reason. Unknown payloads
// are returned as hex.
func (b *binding) DecodeRevert(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	if len(data) < 4 {
		return hexutil.Encode(data)
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason
	}

	for _, parsed := range []*abi.ABI{v07ABI, v06ABI} {
		if parsed == nil {
			continue
		}
		for _, e := range parsed.Errors {
			if !bytes.Equal(e.ID[:4], data[:4]) {
				continue
			}
			values, err := e.Inputs.Unpack(data[4:])
			if err != nil {
				continue
			}
			return formatError(e.Name, values)
		}
	}

	return hexutil.Encode(data)
}

func formatError(name string, values []interface{}) string {
	args := make([]string, 0, len(values))
	for _, v := range values {
		switch v := v.(type) {
		case []byte:
			args = append(args, hexutil.Encode(v))
		case common.Address:
			args = append(args, v.Hex())
		default:
			args = append(args, fmt.Sprint(v))
		}
	}
	return fmt.Sprintf("%s(%s)", name, strings.Join(args, ", "))
}

func toV06(op *model.UserOperation) userOpV06 {
	return userOpV06{
		Sender:               op.Sender,
		Nonce:                op.Nonce.ToInt(),
		InitCode:             nonNil(op.InitCode),
		CallData:             nonNil(op.CallData),
		CallGasLimit:         op.CallGasLimit.ToInt(),
		VerificationGasLimit: op.VerificationGasLimit.ToInt(),
		PreVerificationGas:   op.PreVerificationGas.ToInt(),
		MaxFeePerGas:         op.MaxFeePerGas.ToInt(),
		MaxPriorityFeePerGas: op.MaxPriorityFeePerGas.ToInt(),
		PaymasterAndData:     nonNil(op.PaymasterAndData),
		Signature:            nonNil(op.Signature),
	}
}

func toPacked(op *model.UserOperation) packedUserOp {
	tuple := packedUserOp{
		Sender:             op.Sender,
		Nonce:              op.Nonce.ToInt(),
		InitCode:           nonNil(op.InitCode),
		CallData:           nonNil(op.CallData),
		PreVerificationGas: op.PreVerificationGas.ToInt(),
		PaymasterAndData:   nonNil(op.PaymasterAndData),
		Signature:          nonNil(op.Signature),
	}
	if op.AccountGasLimits != nil {
		tuple.AccountGasLimits = *op.AccountGasLimits
	}
	if op.GasFees != nil {
		tuple.GasFees = *op.GasFees
	}
	return tuple
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
