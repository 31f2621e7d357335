package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/prodline/blocktrack/internal/schema"
)

// NewID returns a globally unique row id.
func NewID() string {
	return uuid.NewString()
}

// PrepareNew stamps a block and its operations for insertion as a local
// change. Missing ids are generated, supplied versions are kept when
// positive, and every row becomes pending.
func PrepareNew(b *schema.Block, now time.Time) (*schema.Block, []schema.Operation) {
	row := b.Row()
	if row.ID == "" {
		row.ID = NewID()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	row.SyncStatus = schema.SyncPending
	row.ServerVersion = max(1, row.ServerVersion)

	seen := make(map[string]bool, len(b.Operations))
	ops := make([]schema.Operation, 0, len(b.Operations))
	for _, op := range b.Operations {
		if op.ID == "" || seen[op.ID] {
			op.ID = NewID()
		}
		seen[op.ID] = true
		ops = append(ops, stampOperation(op, row.ID, now, max(1, op.ServerVersion)))
	}
	return row, ops
}

// ApplyFields returns existing with the mutable fields taken from fields,
// re-versioned as a pending local change. ID and CreatedAt never change.
func ApplyFields(existing, fields *schema.Block, now time.Time) *schema.Block {
	row := existing.Row()
	row.BlockNumber = fields.BlockNumber
	row.ModelType = fields.ModelType
	row.ModemType = fields.ModemType
	row.ExecutionType = fields.ExecutionType
	row.BlockType = fields.BlockType
	row.MACAddress = fields.MACAddress
	row.Operator = fields.Operator
	row.Date = fields.Date
	row.UpdatedAt = now
	row.SyncStatus = schema.SyncPending
	row.ServerVersion = existing.ServerVersion + 1
	return row
}

// ReplacePlan is the outcome of a full operations replace.
type ReplacePlan struct {
	// Operations is the new operation list in insertion order. The block's
	// existing operation rows are deleted and these inserted in their place.
	Operations []schema.Operation

	// Tombstones covers existing operations absent from the new list.
	Tombstones []Tombstone
}

// PlanReplace computes the rows for replacing the operations of blockID.
//
// An incoming operation whose id matches an existing one keeps that id. It
// keeps its version too when its content is unchanged, otherwise it is
// re-versioned. Operations without an id get a fresh one. Existing
// operations missing from incoming are tombstoned.
func PlanReplace(blockID string, existing, incoming []schema.Operation, now time.Time) ReplacePlan {
	current := make(map[string]schema.Operation, len(existing))
	for _, op := range existing {
		current[op.ID] = op
	}

	var plan ReplacePlan
	kept := make(map[string]bool, len(incoming))
	for _, op := range incoming {
		if op.ID == "" || kept[op.ID] {
			op.ID = NewID()
		}
		kept[op.ID] = true

		prev, ok := current[op.ID]
		switch {
		case ok && sameContent(prev, op, blockID):
			plan.Operations = append(plan.Operations, prev)
		case ok:
			plan.Operations = append(plan.Operations, stampOperation(op, blockID, now, max(prev.ServerVersion+1, op.ServerVersion)))
		default:
			plan.Operations = append(plan.Operations, stampOperation(op, blockID, now, max(1, op.ServerVersion)))
		}
	}

	for _, op := range existing {
		if kept[op.ID] {
			continue
		}
		plan.Tombstones = append(plan.Tombstones, Tombstone{
			Kind:          KindOperation,
			ID:            op.ID,
			BlockID:       blockID,
			ServerVersion: op.ServerVersion + 1,
			UpdatedAt:     now,
		})
	}
	return plan
}

// BlockTombstone returns the tombstone left by deleting b.
func BlockTombstone(b *schema.Block, now time.Time) Tombstone {
	return Tombstone{
		Kind:          KindBlock,
		ID:            b.ID,
		ServerVersion: b.ServerVersion + 1,
		UpdatedAt:     now,
	}
}

// Admit reports whether an incoming live row at version v replaces local
// state. local and tomb are the versions of the local row and of a local
// tombstone for the same id, nil when absent. A tombstone wins ties.
func Admit(v int64, local, tomb *int64) bool {
	if tomb != nil && *tomb >= v {
		return false
	}
	if local != nil && !schema.Supersedes(v, *local) {
		return false
	}
	return true
}

// ApplyOrder returns blocks with deletions ahead of live rows, keeping the
// relative order within each group. A block number freed by a deletion is
// then available to a live block in the same change set.
func ApplyOrder(blocks []*schema.Block) []*schema.Block {
	out := make([]*schema.Block, 0, len(blocks))
	for _, b := range blocks {
		if b != nil && b.SyncStatus == schema.SyncDeleted {
			out = append(out, b)
		}
	}
	for _, b := range blocks {
		if b == nil || b.SyncStatus != schema.SyncDeleted {
			out = append(out, b)
		}
	}
	return out
}

// Synced returns a copy of an incoming row as it is stored after a merge.
func Synced(b *schema.Block) *schema.Block {
	row := b.Row()
	row.SyncStatus = schema.SyncSynced
	if row.CreatedAt.IsZero() {
		row.CreatedAt = row.UpdatedAt
	}
	return row
}

// SyncedOperation is Synced for operations.
func SyncedOperation(op *schema.Operation) schema.Operation {
	c := *op
	c.SyncStatus = schema.SyncSynced
	return c
}

func stampOperation(op schema.Operation, blockID string, now time.Time, version int64) schema.Operation {
	op.BlockID = blockID
	op.UpdatedAt = now
	op.SyncStatus = schema.SyncPending
	op.ServerVersion = version
	return op
}

func sameContent(a, b schema.Operation, blockID string) bool {
	return a.BlockID == blockID &&
		a.Name == b.Name &&
		a.Success == b.Success &&
		a.Timestamp.Equal(b.Timestamp) &&
		a.Executor == b.Executor &&
		a.Comment == b.Comment &&
		a.ErrorCode == b.ErrorCode &&
		a.ErrorDescription == b.ErrorDescription &&
		a.DurationMs == b.DurationMs
}
