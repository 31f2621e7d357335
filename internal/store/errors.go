package store

import (
	"errors"
	"fmt"

	"github.com/prodline/blocktrack/internal/schema"
)

// TxError reports a storage engine failure. The transaction it happened in
// was rolled back.
type TxError struct {
	Op  string
	Err error
}

func (e *TxError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error {
	return e.Err
}

// Wrap turns an engine error into a *TxError. Validation and not-found
// errors pass through unchanged so callers can still match them.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if schema.IsValidation(err) || errors.Is(err, schema.ErrNotFound) {
		return err
	}
	var txErr *TxError
	if errors.As(err, &txErr) {
		return err
	}
	return &TxError{Op: op, Err: err}
}

// IsTxError reports whether err is or wraps a *TxError.
func IsTxError(err error) bool {
	var txErr *TxError
	return errors.As(err, &txErr)
}

// DuplicateBlockNumber is the error returned when a write would give two
// blocks the same number.
func DuplicateBlockNumber(blockNumber, holder string) error {
	ve := &schema.ValidationError{}
	ve.Add("blockNumber", "block number %s is already used by block %s", blockNumber, holder)
	return ve
}

// DuplicateID is the error returned when an insert reuses an existing id.
func DuplicateID(id string) error {
	ve := &schema.ValidationError{}
	ve.Add("id", "block %s already exists", id)
	return ve
}
