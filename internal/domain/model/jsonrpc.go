package model

import "encoding/json"

const JSONRPCVersion = "2.0"

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeInvalidParams  = -32602
	// CodeInternalError keeps the value existing clients already receive for
	// downstream failures. JSON-RPC reserves -32603 for internal errors.
	CodeInternalError = -32602
	CodePending       = -32000
	CodeLimitExceeded = -32005
)

const (
	MessageMissingParams  = "Invalid params: userOp and entryPointAddress are required."
	MessageInvalidParams  = "Invalid params"
	MessageInternalError  = "Internal error"
	MessagePending        = "Transaction pending"
	MessageParseError     = "Parse error"
	MessageInvalidRequest = "Invalid request"
	MessageLimitExceeded  = "Limit exceeded"
)

// RelayRequest is the POST body. Fields stay raw so that presence can be
// told apart from malformed content, and so that id is echoed verbatim.
type RelayRequest struct {
	ID                json.RawMessage `json:"id,omitempty"`
	UserOp            json.RawMessage `json:"userOp,omitempty"`
	EntryPointAddress json.RawMessage `json:"entryPointAddress,omitempty"`
}

type RelayResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  string          `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func NewResultResponse(id json.RawMessage, result string) *RelayResponse {
	return &RelayResponse{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  result,
	}
}

func NewErrorResponse(id json.RawMessage, code int, message string, data any) *RelayResponse {
	return &RelayResponse{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error: &RPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}
