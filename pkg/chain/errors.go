// Copyright 2025 OTC Protocol
//
// Error taxonomy for chain operations. Each kind maps to one dispatcher /
// recovery policy; see the ChainError helpers for classification.

package chain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a chain operation failure
type ErrorKind string

const (
	// KindUnauthorized: the chain rejected our operator signature.
	// Fatal to the item.
	KindUnauthorized ErrorKind = "unauthorized_operator"

	// KindAlreadyExecuted: the contract already processed this deal id.
	// Treated as success.
	KindAlreadyExecuted ErrorKind = "already_executed"

	// KindInvalidState: the contract state machine refused the call
	// because it already advanced. Treated as success.
	KindInvalidState ErrorKind = "invalid_state"

	// KindInsufficientBalance: the deposit is not yet visible to the
	// contract. Retried at the next recovery cycle.
	KindInsufficientBalance ErrorKind = "insufficient_balance"

	// KindTransferFailed: the payee rejected the transfer. Retried with
	// gas bumps, then failed.
	KindTransferFailed ErrorKind = "transfer_failed"

	// KindCircuitBreaker: the gas price exceeds the chain ceiling.
	// Pauses submission for the chain until the price falls.
	KindCircuitBreaker ErrorKind = "circuit_breaker_tripped"

	// KindReorg: the transaction's block was reorged away
	KindReorg ErrorKind = "reorg_detected"

	// KindDeadline: a plugin call timed out. Transient.
	KindDeadline ErrorKind = "deadline_exceeded"

	// KindNoPriceOracle: the price oracle is unavailable
	KindNoPriceOracle ErrorKind = "no_price_oracle"
)

// ChainError wraps a chain failure with its policy classification
type ChainError struct {
	Kind  ErrorKind
	Chain string
	Err   error
}

// Error implements the error interface
func (e *ChainError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Chain, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Chain, e.Kind, e.Err)
}

// Unwrap returns the wrapped error
func (e *ChainError) Unwrap() error {
	return e.Err
}

// NewError builds a classified chain error
func NewError(kind ErrorKind, chainName string, err error) *ChainError {
	return &ChainError{Kind: kind, Chain: chainName, Err: err}
}

// KindOf extracts the error kind, or "" for unclassified errors
func KindOf(err error) ErrorKind {
	var ce *ChainError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// TreatAsSuccess reports whether the failure means the operation already
// happened on-chain (InvalidState / AlreadyExecuted)
func TreatAsSuccess(err error) bool {
	switch KindOf(err) {
	case KindAlreadyExecuted, KindInvalidState:
		return true
	default:
		return false
	}
}

// Fatal reports whether the failure is terminal for the queue item
func Fatal(err error) bool {
	return KindOf(err) == KindUnauthorized
}

var (
	// ErrNotSupported is returned for capabilities a chain does not have
	// (e.g. broker approvals on non-EVM chains)
	ErrNotSupported = errors.New("operation not supported on this chain")

	// ErrUnknownChain is returned by the registry for an unknown name
	ErrUnknownChain = errors.New("unknown chain")
)
