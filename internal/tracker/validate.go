package tracker

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/prodline/blocktrack/internal/schema"
)

var (
	blockNumberPattern = regexp.MustCompile(`^\d+$`)
	macPattern         = regexp.MustCompile(`^([0-9A-Fa-f]{2}[:-]){5}([0-9A-Fa-f]{2})$`)
)

// CanonicalMAC returns mac in uppercase colon-separated form. Input may use
// '-' separators.
func CanonicalMAC(mac string) string {
	return strings.ToUpper(strings.ReplaceAll(mac, "-", ":"))
}

// violations collects field errors for one record.
type violations struct {
	ve     *schema.ValidationError
	record int
}

func (v violations) add(field, format string, args ...any) {
	v.ve.Fields = append(v.ve.Fields, schema.FieldError{
		Record:  v.record,
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	})
}

// normalizeBlock trims and canonicalizes b in place and records every rule
// it violates. operator fills in a missing block operator and executors.
func (t *Tracker) normalizeBlock(v violations, b *schema.Block, operator string, now time.Time) {
	b.BlockNumber = strings.TrimSpace(b.BlockNumber)
	b.ModelType = strings.TrimSpace(b.ModelType)
	b.ModemType = strings.TrimSpace(b.ModemType)
	b.ExecutionType = strings.TrimSpace(b.ExecutionType)
	b.BlockType = strings.TrimSpace(b.BlockType)
	b.MACAddress = strings.TrimSpace(b.MACAddress)
	b.Operator = strings.TrimSpace(b.Operator)

	switch {
	case b.BlockNumber == "":
		v.add("blockNumber", "is required")
	case !blockNumberPattern.MatchString(b.BlockNumber):
		v.add("blockNumber", "must contain only digits, got %q", b.BlockNumber)
	}

	switch {
	case b.ModelType == "":
		v.add("modelType", "is required")
	case !t.catalog.HasModelType(b.ModelType):
		v.add("modelType", "unknown model type %q", b.ModelType)
	}
	if b.ModemType != "" && !t.catalog.HasModemType(b.ModemType) {
		v.add("modemType", "unknown modem type %q", b.ModemType)
	}
	if b.ExecutionType != "" && !t.catalog.HasExecutionType(b.ExecutionType) {
		v.add("executionType", "unknown execution type %q", b.ExecutionType)
	}
	if b.BlockType != "" && !t.catalog.HasBlockType(b.BlockType) {
		v.add("blockType", "unknown block type %q", b.BlockType)
	}

	if b.MACAddress != "" {
		if macPattern.MatchString(b.MACAddress) {
			b.MACAddress = CanonicalMAC(b.MACAddress)
		} else {
			v.add("macAddress", "must be six hex byte pairs like AA:BB:CC:DD:EE:FF, got %q", b.MACAddress)
		}
	}

	if b.Operator == "" {
		b.Operator = operator
	}
	if b.Date.IsZero() {
		b.Date = now
	}
	b.Date = b.Date.UTC()

	for i := range b.Operations {
		t.normalizeOperation(v, fmt.Sprintf("operations[%d]", i), &b.Operations[i], operator)
	}
}

func (t *Tracker) normalizeOperation(v violations, prefix string, op *schema.Operation, operator string) {
	op.Name = strings.TrimSpace(op.Name)
	op.Executor = strings.TrimSpace(op.Executor)

	switch {
	case op.Name == "":
		v.add(prefix+".name", "is required")
	case !t.catalog.HasOperation(op.Name):
		v.add(prefix+".name", "unknown operation %q", op.Name)
	}
	if op.Timestamp.IsZero() {
		v.add(prefix+".timestamp", "is required")
	}
	op.Timestamp = op.Timestamp.UTC()

	if op.DurationMs < 0 {
		v.add(prefix+".duration", "must not be negative")
	}
	if op.Success {
		op.ErrorCode = ""
		op.ErrorDescription = ""
	}
	if op.Executor == "" {
		op.Executor = operator
	}
}

func checkOperator(operator string) error {
	if strings.TrimSpace(operator) == "" {
		ve := &schema.ValidationError{}
		ve.Add("operator", "acting operator is required")
		return ve
	}
	return nil
}

func missingBlock() error {
	ve := &schema.ValidationError{}
	ve.Add("block", "is required")
	return ve
}
