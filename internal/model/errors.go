package model

import (
	"errors"
	"fmt"
)

var (
	// ErrInvariantViolation marks ledger corruption or a programming error.
	// It aborts the enclosing transaction and halts the method/symbol pair.
	ErrInvariantViolation = errors.New("ledger: invariant violation")

	// ErrOutOfOrder is returned for a trade older than the latest applied
	// trade of its symbol, or one whose trading day is already finalized.
	// The caller re-sequences and retries.
	ErrOutOfOrder = errors.New("ledger: trade out of order")

	// ErrRollOutOfSequence is returned when a day-boundary roll skips an
	// unfinalized earlier day or goes backwards.
	ErrRollOutOfSequence = errors.New("ledger: day roll out of sequence")

	// ErrNoReferencePrice is returned when no price can mark a position.
	ErrNoReferencePrice = errors.New("ledger: no reference price")

	// ErrHalted is returned for a method/symbol pair stopped by an earlier
	// invariant violation.
	ErrHalted = errors.New("ledger: processing halted")

	// ErrInvalidInput is returned for malformed records.
	ErrInvalidInput = errors.New("ledger: invalid input")
)

// InvariantError carries the pair an invariant violation was detected on.
type InvariantError struct {
	Method Method
	Symbol string
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: %s/%s: %s", ErrInvariantViolation, e.Method, e.Symbol, e.Detail)
}

func (e *InvariantError) Is(target error) bool {
	return target == ErrInvariantViolation
}

// Invariantf builds an InvariantError.
func Invariantf(method Method, symbol, format string, args ...any) error {
	return &InvariantError{Method: method, Symbol: symbol, Detail: fmt.Sprintf(format, args...)}
}
