// Package store defines the Record Store contract shared by the embedded
// SQLite store and the relational store used by the remote peer.
//
// A Store holds two collections, blocks and operations, plus tombstones for
// deletions that still have to be exchanged. Every write runs in a single
// transaction: readers never observe a block halfway through an operations
// replace.
//
// Versioning rules shared by all implementations live in this package
// (see PrepareNew and PlanReplace) so that both peers bump serverVersion the
// same way.
package store

import (
	"context"
	"time"

	"github.com/prodline/blocktrack/internal/schema"
)

// Store is the Record Store.
//
// Reads return blocks with their Operations populated in insertion order.
// Writes return stored rows without operations; callers re-fetch when they
// need them.
type Store interface {
	// GetAllBlocks returns every block with its operations.
	GetAllBlocks(ctx context.Context) ([]*schema.Block, error)

	// GetBlockByID returns one block with its operations, or a
	// *schema.NotFoundError.
	GetBlockByID(ctx context.Context, id string) (*schema.Block, error)

	// GetBlocksByOperator returns the blocks whose operator matches.
	GetBlocksByOperator(ctx context.Context, operator string) ([]*schema.Block, error)

	// FindBlockByNumber returns the block holding blockNumber, or a
	// *schema.NotFoundError.
	FindBlockByNumber(ctx context.Context, blockNumber string) (*schema.Block, error)

	// AddBlock inserts a block and its operations in one transaction.
	AddBlock(ctx context.Context, b *schema.Block) (*schema.Block, error)

	// AddBlocks inserts a batch in one transaction. Either every block is
	// stored or none is.
	AddBlocks(ctx context.Context, bs []*schema.Block) ([]*schema.Block, error)

	// UpdateBlock replaces the mutable fields of block id with those of
	// fields. A nil fields.Operations leaves the operations untouched; any
	// non-nil slice, including an empty one, replaces them.
	UpdateBlock(ctx context.Context, id string, fields *schema.Block) (*schema.Block, error)

	// DeleteBlock removes the block and its operations. Deleting a missing
	// block is not an error.
	DeleteBlock(ctx context.Context, id string) error

	// GetPendingChanges returns every row not yet synced, deletions
	// included, optionally restricted to rows updated after since.
	GetPendingChanges(ctx context.Context, since *time.Time) (*schema.ChangeSet, error)

	// ApplyServerChanges merges rows from the other peer. A row is applied
	// only when its serverVersion is strictly greater than the local one.
	ApplyServerChanges(ctx context.Context, changes *schema.ChangeSet) (schema.ApplyResult, error)

	// MarkAsSynced settles the rows of an exchanged change set. Rows changed
	// since the set was collected stay pending. It never creates rows.
	MarkAsSynced(ctx context.Context, changes *schema.ChangeSet) error

	// CheckConsistency scans for referential integrity violations.
	CheckConsistency(ctx context.Context) (*ConsistencyReport, error)

	Close() error
}

// CursorStore persists the sync cursor next to the data it describes.
type CursorStore interface {
	LoadCursor(ctx context.Context) (time.Time, bool, error)
	SaveCursor(ctx context.Context, cursor time.Time) error
}

// Tombstone kinds.
const (
	KindBlock     = "block"
	KindOperation = "operation"
)

// Tombstone records a deletion that has not been exchanged yet.
type Tombstone struct {
	Kind          string
	ID            string
	BlockID       string // owning block for operation tombstones
	ServerVersion int64
	UpdatedAt     time.Time
}

// AsBlock renders a block tombstone as a deleted row for the wire.
func (t Tombstone) AsBlock() *schema.Block {
	return &schema.Block{
		ID:            t.ID,
		UpdatedAt:     t.UpdatedAt,
		SyncStatus:    schema.SyncDeleted,
		ServerVersion: t.ServerVersion,
	}
}

// AsOperation renders an operation tombstone as a deleted row for the wire.
func (t Tombstone) AsOperation() *schema.Operation {
	return &schema.Operation{
		ID:            t.ID,
		BlockID:       t.BlockID,
		UpdatedAt:     t.UpdatedAt,
		SyncStatus:    schema.SyncDeleted,
		ServerVersion: t.ServerVersion,
	}
}

// ConsistencyReport lists referential integrity violations. A healthy store
// reports nothing.
type ConsistencyReport struct {
	Blocks     int `json:"blocks"`
	Operations int `json:"operations"`
	Tombstones int `json:"tombstones"`

	OrphanOperations      []string `json:"orphanOperations"`      // operation ids whose block is gone
	ShadowedRows          []string `json:"shadowedRows"`          // live rows that also have a tombstone
	DuplicateBlockNumbers []string `json:"duplicateBlockNumbers"` // block numbers held by more than one block
}

// OK reports whether no violation was found.
func (r *ConsistencyReport) OK() bool {
	return len(r.OrphanOperations) == 0 && len(r.ShadowedRows) == 0 && len(r.DuplicateBlockNumbers) == 0
}
