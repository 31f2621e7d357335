package schema

import (
	"time"
)

// SyncStatus tracks whether a row has been reconciled with the remote peer.
type SyncStatus string

const (
	// SyncPending marks a row changed locally and not yet exchanged.
	SyncPending SyncStatus = "pending"
	// SyncSynced marks a row settled with the remote peer.
	SyncSynced SyncStatus = "synced"
	// SyncDeleted marks a deletion that still has to be exchanged.
	SyncDeleted SyncStatus = "deleted"
)

// Valid reports whether s is one of the known statuses.
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncPending, SyncSynced, SyncDeleted:
		return true
	}
	return false
}

// Block is one manufactured unit under test.
type Block struct {
	// ===== Identity =====
	ID          string `json:"id" yaml:"id"`
	BlockNumber string `json:"blockNumber" yaml:"blockNumber"` // digits only, unique

	// ===== Classification (validated against the catalog) =====
	ModelType     string `json:"modelType" yaml:"modelType"`
	ModemType     string `json:"modemType,omitempty" yaml:"modemType,omitempty"`
	ExecutionType string `json:"executionType,omitempty" yaml:"executionType,omitempty"`
	BlockType     string `json:"blockType,omitempty" yaml:"blockType,omitempty"`
	MACAddress    string `json:"macAddress,omitempty" yaml:"macAddress,omitempty"`

	// ===== Audit =====
	Operator  string    `json:"operator" yaml:"operator"`
	Date      time.Time `json:"date" yaml:"date"`
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updatedAt"`

	// ===== Replication =====
	SyncStatus    SyncStatus `json:"syncStatus" yaml:"syncStatus"`
	ServerVersion int64      `json:"serverVersion" yaml:"serverVersion"`

	// Operations is materialized from the operations collection on read.
	// It is nil on rows exchanged through the sync protocol.
	Operations []Operation `json:"operations,omitempty" yaml:"operations,omitempty"`
}

// Clone returns a deep copy of b, including its operations.
func (b *Block) Clone() *Block {
	if b == nil {
		return nil
	}
	c := *b
	if b.Operations != nil {
		c.Operations = make([]Operation, len(b.Operations))
		copy(c.Operations, b.Operations)
	}
	return &c
}

// Row returns a copy of b without its operations, the shape stored in and
// exchanged for the blocks collection.
func (b *Block) Row() *Block {
	c := *b
	c.Operations = nil
	return &c
}

// EffectiveDate is the date used for reporting windows. Blocks imported
// without a date fall back to their creation time.
func (b *Block) EffectiveDate() time.Time {
	if !b.Date.IsZero() {
		return b.Date
	}
	return b.CreatedAt
}

// Operation is one production step performed against a block.
type Operation struct {
	ID        string    `json:"id" yaml:"id"` // globally unique, generated client-side
	BlockID   string    `json:"blockId" yaml:"blockId"`
	Name      string    `json:"name" yaml:"name"`
	Success   bool      `json:"success" yaml:"success"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Executor  string    `json:"executor,omitempty" yaml:"executor,omitempty"`

	// Diagnostics. ErrorCode and ErrorDescription only apply to failures.
	Comment          string `json:"comment,omitempty" yaml:"comment,omitempty"`
	ErrorCode        string `json:"errorCode,omitempty" yaml:"errorCode,omitempty"`
	ErrorDescription string `json:"errorDescription,omitempty" yaml:"errorDescription,omitempty"`
	DurationMs       int64  `json:"duration,omitempty" yaml:"duration,omitempty"`

	UpdatedAt     time.Time  `json:"updatedAt" yaml:"updatedAt"`
	SyncStatus    SyncStatus `json:"syncStatus" yaml:"syncStatus"`
	ServerVersion int64      `json:"serverVersion" yaml:"serverVersion"`
}

// Duration returns the recorded duration of the step.
func (o *Operation) Duration() time.Duration {
	return time.Duration(o.DurationMs) * time.Millisecond
}

// Supersedes reports whether a row at version incoming replaces a row at
// version local. Equal versions never replace.
func Supersedes(incoming, local int64) bool {
	return incoming > local
}
