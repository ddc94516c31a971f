// Package errors provides common, reusable error values and helpers.
package errors

import (
	"errors"
	"fmt"
)

// Common errors
var (
	// Ledger traversal errors
	ErrMalformedLedger = errors.New("malformed ledger")
	ErrBlockNotFound   = errors.New("block not found")

	// Decoding errors. These are recovered locally by skipping the
	// transaction and never abort a scan.
	ErrDecodeFailure = errors.New("transaction payload could not be decoded")

	// Submission errors
	ErrStaleCycle = errors.New("netting path is stale")
	ErrInvalidIOU = errors.New("invalid iou")
)

// MalformedLedgerError reports a backward traversal that could not reach
// genesis. It matches ErrMalformedLedger under errors.Is.
type MalformedLedgerError struct {
	Block  string
	Hops   int
	Reason string
}

func (e *MalformedLedgerError) Error() string {
	return fmt.Sprintf("malformed ledger at block %s after %d hops: %s", e.Block, e.Hops, e.Reason)
}

func (e *MalformedLedgerError) Unwrap() error {
	return ErrMalformedLedger
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
