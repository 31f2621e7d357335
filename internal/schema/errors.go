package schema

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is matched by every NotFoundError.
var ErrNotFound = errors.New("not found")

// NotFoundError reports a referenced id that does not exist.
type NotFoundError struct {
	Kind string // "block" or "operation"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// Is lets errors.Is(err, ErrNotFound) match.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// FieldError is a single violated rule.
type FieldError struct {
	// Record is the zero-based index of the offending record in a batch,
	// or -1 for single-record writes.
	Record  int    `json:"record"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (f FieldError) Error() string {
	if f.Record >= 0 {
		return fmt.Sprintf("record %d: %s: %s", f.Record+1, f.Field, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Field, f.Message)
}

// ValidationError lists every rule a write violated. It is returned before
// anything reaches the store.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Error())
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add records a violation for a single-record write.
func (e *ValidationError) Add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Record: -1, Field: field, Message: fmt.Sprintf(format, args...)})
}

// HasField reports whether field was flagged, on any record.
func (e *ValidationError) HasField(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

// Records returns the distinct record indexes that failed, in order of
// first appearance.
func (e *ValidationError) Records() []int {
	seen := make(map[int]bool)
	var out []int
	for _, f := range e.Fields {
		if f.Record < 0 || seen[f.Record] {
			continue
		}
		seen[f.Record] = true
		out = append(out, f.Record)
	}
	return out
}

// OrNil returns e when it holds violations and nil otherwise.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
