package model

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrSubmissionRejected  = errors.New("submission rejected")
	ErrExecutionReverted   = errors.New("execution reverted")
	ErrTransportFailure    = errors.New("transport failure")
	ErrConfirmationTimeout = errors.New("confirmation timeout")
	ErrNonceConflict       = errors.New("nonce conflict")
)

// ChainError is a failure reported by, or on the way to, the chain node.
type ChainError struct {
	// Kind is one of ErrSubmissionRejected, ErrExecutionReverted,
	// ErrTransportFailure or ErrConfirmationTimeout.
	Kind error
	Op   string
	Err  error

	// NonceConflict is set when the node refused the nonce itself
	// (too low, already known, replacement).
	NonceConflict bool

	// RevertData holds the raw revert payload when the node returned one.
	RevertData []byte
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *ChainError) Unwrap() []error {
	errs := []error{e.Kind, e.Err}
	if e.NonceConflict {
		errs = append(errs, ErrNonceConflict)
	}
	return errs
}

// Diagnostic is the node-facing message without the operation prefix.
func (e *ChainError) Diagnostic() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return e.Err.Error()
}
