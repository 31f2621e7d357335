// Package storetest is the behavioural contract every store.Store
// implementation must pass. Backends run it from their own tests:
//
//	func TestContract(t *testing.T) {
//	    storetest.Run(t, func(t *testing.T) store.Store { return openTestStore(t) })
//	}
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/suite"

	"github.com/prodline/blocktrack/internal/schema"
	"github.com/prodline/blocktrack/internal/store"
)

// Factory returns a fresh, empty store. It should register its own cleanup.
type Factory func(t *testing.T) store.Store

// Run executes the contract suite against the stores produced by open.
func Run(t *testing.T, open Factory) {
	suite.Run(t, &Suite{open: open})
}

// Suite is the contract suite.
type Suite struct {
	suite.Suite
	open Factory

	ctx   context.Context
	store store.Store
}

func (s *Suite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.open(s.T())
}

// Base is the reference instant used by fixtures. Whole seconds keep the
// fixtures exact on backends with coarse timestamp columns.
var Base = time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)

// NewBlock returns a valid block fixture.
func NewBlock(number string, ops ...schema.Operation) *schema.Block {
	return &schema.Block{
		BlockNumber: number,
		ModelType:   "Model1",
		Operator:    "Ivanova",
		Date:        Base,
		Operations:  ops,
	}
}

// NewOperation returns an operation fixture at Base plus offset.
func NewOperation(name string, success bool, offset time.Duration) schema.Operation {
	return schema.Operation{
		Name:      name,
		Success:   success,
		Timestamp: Base.Add(offset),
		Executor:  "Ivanova",
	}
}

type opView struct {
	Name      string
	Success   bool
	Timestamp time.Time
	Executor  string
	ErrorCode string
}

func views(ops []schema.Operation) []opView {
	out := make([]opView, 0, len(ops))
	for _, op := range ops {
		out = append(out, opView{op.Name, op.Success, op.Timestamp, op.Executor, op.ErrorCode})
	}
	return out
}

func (s *Suite) add(b *schema.Block) *schema.Block {
	stored, err := s.store.AddBlock(s.ctx, b)
	s.Require().NoError(err)
	return stored
}

func (s *Suite) get(id string) *schema.Block {
	b, err := s.store.GetBlockByID(s.ctx, id)
	s.Require().NoError(err)
	return b
}

func (s *Suite) pending() *schema.ChangeSet {
	cs, err := s.store.GetPendingChanges(s.ctx, nil)
	s.Require().NoError(err)
	return cs
}

func (s *Suite) TestRoundTripPreservesOperations() {
	ops := []schema.Operation{
		NewOperation("Flashing", true, 0),
		NewOperation("Calibration", false, 10*time.Minute),
		NewOperation("Flashing", true, 20*time.Minute),
	}
	ops[1].ErrorCode = "E17"

	stored := s.add(NewBlock("1001", ops...))
	s.Nil(stored.Operations, "writes return the row without operations")
	s.NotEmpty(stored.ID)
	s.Equal(schema.SyncPending, stored.SyncStatus)
	s.Equal(int64(1), stored.ServerVersion)

	got := s.get(stored.ID)
	s.Equal("1001", got.BlockNumber)
	if diff := cmp.Diff(views(ops), views(got.Operations)); diff != "" {
		s.Failf("operations differ", "(-want +got):\n%s", diff)
	}
	for _, op := range got.Operations {
		s.NotEmpty(op.ID)
		s.Equal(stored.ID, op.BlockID)
	}
}

func (s *Suite) TestGetBlockByIDNotFound() {
	_, err := s.store.GetBlockByID(s.ctx, "missing")
	s.Require().Error(err)
	s.True(errors.Is(err, schema.ErrNotFound))
}

func (s *Suite) TestReplaceWithEmptyOperations() {
	stored := s.add(NewBlock("1002", NewOperation("Flashing", true, 0), NewOperation("Calibration", true, time.Minute)))

	fields := s.get(stored.ID)
	fields.Operations = []schema.Operation{}
	updated, err := s.store.UpdateBlock(s.ctx, stored.ID, fields)
	s.Require().NoError(err)
	s.Equal(int64(2), updated.ServerVersion)

	s.Empty(s.get(stored.ID).Operations)

	deleted := 0
	for _, op := range s.pending().Operations {
		if op.SyncStatus == schema.SyncDeleted {
			deleted++
			s.Equal(stored.ID, op.BlockID)
		}
	}
	s.Equal(2, deleted, "dropped operations are exchanged as deletions")
}

func (s *Suite) TestUpdateWithoutOperationsKeepsThem() {
	stored := s.add(NewBlock("1003", NewOperation("Flashing", true, 0)))

	fields := s.get(stored.ID).Row()
	fields.ModelType = "Model2"
	_, err := s.store.UpdateBlock(s.ctx, stored.ID, fields)
	s.Require().NoError(err)

	got := s.get(stored.ID)
	s.Equal("Model2", got.ModelType)
	s.Len(got.Operations, 1)
	s.True(got.CreatedAt.Equal(stored.CreatedAt), "createdAt is immutable")
}

func (s *Suite) TestReplaceKeepsKnownOperationIDs() {
	stored := s.add(NewBlock("1004", NewOperation("Flashing", true, 0)))
	before := s.get(stored.ID)
	first := before.Operations[0]

	fields := before.Clone()
	fields.Operations = append(fields.Operations, NewOperation("Calibration", true, time.Minute))
	_, err := s.store.UpdateBlock(s.ctx, stored.ID, fields)
	s.Require().NoError(err)

	after := s.get(stored.ID)
	s.Require().Len(after.Operations, 2)
	s.Equal(first.ID, after.Operations[0].ID)
	s.Equal(first.ServerVersion, after.Operations[0].ServerVersion, "unchanged operations keep their version")
	s.Equal("Calibration", after.Operations[1].Name)
}

func (s *Suite) TestUpdateMissingBlock() {
	_, err := s.store.UpdateBlock(s.ctx, "missing", NewBlock("1"))
	s.Require().Error(err)
	s.True(errors.Is(err, schema.ErrNotFound))
}

func (s *Suite) TestDuplicateBlockNumberRejected() {
	first := s.add(NewBlock("2001"))

	_, err := s.store.AddBlock(s.ctx, NewBlock("2001"))
	s.Require().Error(err)
	s.True(schema.IsValidation(err))

	other := s.add(NewBlock("2002"))
	fields := other.Row()
	fields.BlockNumber = "2001"
	_, err = s.store.UpdateBlock(s.ctx, other.ID, fields)
	s.Require().Error(err)
	s.True(schema.IsValidation(err))

	s.Equal("2001", s.get(first.ID).BlockNumber)
	s.Equal("2002", s.get(other.ID).BlockNumber)
}

func (s *Suite) TestAddBlocksIsAtomic() {
	_, err := s.store.AddBlocks(s.ctx, []*schema.Block{
		NewBlock("3001", NewOperation("Flashing", true, 0)),
		NewBlock("3002"),
		NewBlock("3001"),
	})
	s.Require().Error(err)

	all, err := s.store.GetAllBlocks(s.ctx)
	s.Require().NoError(err)
	s.Empty(all)

	report, err := s.store.CheckConsistency(s.ctx)
	s.Require().NoError(err)
	s.Zero(report.Operations)
}

func (s *Suite) TestDeleteCascades() {
	stored := s.add(NewBlock("4001", NewOperation("Flashing", true, 0), NewOperation("Budget", true, time.Minute)))

	s.Require().NoError(s.store.DeleteBlock(s.ctx, stored.ID))

	_, err := s.store.GetBlockByID(s.ctx, stored.ID)
	s.True(errors.Is(err, schema.ErrNotFound))

	report, err := s.store.CheckConsistency(s.ctx)
	s.Require().NoError(err)
	s.Zero(report.Operations)
	s.True(report.OK(), "%+v", report)

	cs := s.pending()
	s.Require().Len(cs.Blocks, 1)
	s.Equal(schema.SyncDeleted, cs.Blocks[0].SyncStatus)
	s.Equal(int64(2), cs.Blocks[0].ServerVersion)
	s.Empty(cs.Operations, "the block deletion covers its operations")

	s.NoError(s.store.DeleteBlock(s.ctx, stored.ID), "deleting twice is not an error")
	s.NoError(s.store.DeleteBlock(s.ctx, "never-existed"))
}

func (s *Suite) TestGetBlocksByOperatorAndNumber() {
	a := NewBlock("5001")
	b := NewBlock("5002")
	b.Operator = "Petrov"
	s.add(a)
	storedB := s.add(b)

	got, err := s.store.GetBlocksByOperator(s.ctx, "Petrov")
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal(storedB.ID, got[0].ID)
	s.NotNil(got[0].Operations)

	found, err := s.store.FindBlockByNumber(s.ctx, "5002")
	s.Require().NoError(err)
	s.Equal(storedB.ID, found.ID)

	_, err = s.store.FindBlockByNumber(s.ctx, "9999")
	s.True(errors.Is(err, schema.ErrNotFound))
}

func (s *Suite) TestMarkAsSyncedSettlesPending() {
	stored := s.add(NewBlock("6001", NewOperation("Flashing", true, 0)))

	cs := s.pending()
	s.Len(cs.Blocks, 1)
	s.Len(cs.Operations, 1)

	s.Require().NoError(s.store.MarkAsSynced(s.ctx, cs))
	s.True(s.pending().Empty())
	s.Equal(schema.SyncSynced, s.get(stored.ID).SyncStatus)

	// A later local write makes the row pending again.
	fields := s.get(stored.ID).Row()
	fields.Operator = "Petrov"
	_, err := s.store.UpdateBlock(s.ctx, stored.ID, fields)
	s.Require().NoError(err)
	s.Len(s.pending().Blocks, 1)
}

func (s *Suite) TestMarkAsSyncedIgnoresWritesAfterSnapshot() {
	stored := s.add(NewBlock("6002"))
	snapshot := s.pending()

	fields := s.get(stored.ID).Row()
	fields.Operator = "Petrov"
	_, err := s.store.UpdateBlock(s.ctx, stored.ID, fields)
	s.Require().NoError(err)

	s.Require().NoError(s.store.MarkAsSynced(s.ctx, snapshot))

	got := s.get(stored.ID)
	s.Equal(schema.SyncPending, got.SyncStatus)
	s.Equal(int64(2), got.ServerVersion)
}

func (s *Suite) TestMarkAsSyncedNeverCreatesRows() {
	ghost := &schema.ChangeSet{
		Blocks:     []*schema.Block{{ID: "ghost", ServerVersion: 1, SyncStatus: schema.SyncPending}},
		Operations: []*schema.Operation{{ID: "ghost-op", BlockID: "ghost", ServerVersion: 1}},
	}
	s.Require().NoError(s.store.MarkAsSynced(s.ctx, ghost))

	all, err := s.store.GetAllBlocks(s.ctx)
	s.Require().NoError(err)
	s.Empty(all)
}

func (s *Suite) TestMarkAsSyncedRemovesTombstones() {
	stored := s.add(NewBlock("6003"))
	s.Require().NoError(s.store.DeleteBlock(s.ctx, stored.ID))

	cs := s.pending()
	s.Require().Len(cs.Blocks, 1)
	s.Require().NoError(s.store.MarkAsSynced(s.ctx, cs))
	s.True(s.pending().Empty())
}

func (s *Suite) remoteBlock(id, number string, version int64) *schema.Block {
	return &schema.Block{
		ID:            id,
		BlockNumber:   number,
		ModelType:     "Model3",
		Operator:      "Remote",
		Date:          Base,
		CreatedAt:     Base,
		UpdatedAt:     Base.Add(time.Hour),
		SyncStatus:    schema.SyncPending,
		ServerVersion: version,
	}
}

func (s *Suite) TestApplyVersionMonotonicity() {
	stored := s.add(NewBlock("7001"))
	fields := s.get(stored.ID).Row()
	fields.Operator = "Local"
	_, err := s.store.UpdateBlock(s.ctx, stored.ID, fields)
	s.Require().NoError(err)
	// local version is now 2

	for _, v := range []int64{1, 2} {
		res, err := s.store.ApplyServerChanges(s.ctx, &schema.ChangeSet{
			Blocks: []*schema.Block{s.remoteBlock(stored.ID, "7001", v)},
		})
		s.Require().NoError(err)
		s.Equal(1, res.Skipped)
		got := s.get(stored.ID)
		s.Equal("Local", got.Operator)
		s.Equal(int64(2), got.ServerVersion)
	}

	res, err := s.store.ApplyServerChanges(s.ctx, &schema.ChangeSet{
		Blocks: []*schema.Block{s.remoteBlock(stored.ID, "7001", 3)},
	})
	s.Require().NoError(err)
	s.Equal(1, res.Applied)

	got := s.get(stored.ID)
	s.Equal("Remote", got.Operator)
	s.Equal("Model3", got.ModelType)
	s.Equal(int64(3), got.ServerVersion)
	s.Equal(schema.SyncSynced, got.SyncStatus)
}

func (s *Suite) TestApplyInsertsNewRowsAndIsIdempotent() {
	changes := &schema.ChangeSet{
		Blocks: []*schema.Block{s.remoteBlock("remote-1", "7101", 1)},
		Operations: []*schema.Operation{
			{ID: "remote-op-1", BlockID: "remote-1", Name: "Flashing", Success: true, Timestamp: Base, UpdatedAt: Base, ServerVersion: 1},
			{ID: "remote-op-2", BlockID: "remote-1", Name: "Budget", Success: true, Timestamp: Base.Add(time.Minute), UpdatedAt: Base, ServerVersion: 1},
		},
	}

	res, err := s.store.ApplyServerChanges(s.ctx, changes)
	s.Require().NoError(err)
	s.Equal(schema.ApplyResult{Applied: 3}, res)

	res, err = s.store.ApplyServerChanges(s.ctx, changes)
	s.Require().NoError(err)
	s.Equal(schema.ApplyResult{Skipped: 3}, res)

	got := s.get("remote-1")
	s.Require().Len(got.Operations, 2)
	s.Equal("remote-op-1", got.Operations[0].ID)
	s.Equal(schema.SyncSynced, got.Operations[0].SyncStatus)
	s.True(s.pending().Empty(), "merged rows are not pending")
}

func (s *Suite) TestApplyCountsOrphans() {
	res, err := s.store.ApplyServerChanges(s.ctx, &schema.ChangeSet{
		Operations: []*schema.Operation{
			{ID: "lost-op", BlockID: "nowhere", Name: "Flashing", Timestamp: Base, ServerVersion: 1},
		},
	})
	s.Require().NoError(err)
	s.Equal(1, res.Orphaned)

	report, err := s.store.CheckConsistency(s.ctx)
	s.Require().NoError(err)
	s.True(report.OK())
	s.Zero(report.Operations)
}

func (s *Suite) TestApplySkipsBlockNumberCollision() {
	s.add(NewBlock("7201"))

	res, err := s.store.ApplyServerChanges(s.ctx, &schema.ChangeSet{
		Blocks: []*schema.Block{s.remoteBlock("remote-collide", "7201", 5)},
	})
	s.Require().NoError(err)
	s.Equal(1, res.Skipped)
	s.Equal([]string{"remote-collide"}, res.Conflicts)

	_, err = s.store.GetBlockByID(s.ctx, "remote-collide")
	s.True(errors.Is(err, schema.ErrNotFound))
}

func (s *Suite) TestApplyDeletionFreesBlockNumber() {
	old := s.add(NewBlock("7401"))

	// The replacement is listed before the deletion that frees its number.
	reused := s.remoteBlock("remote-reuse", "7401", 1)
	gone := &schema.Block{ID: old.ID, SyncStatus: schema.SyncDeleted, ServerVersion: 2}
	op := &schema.Operation{
		ID:            "remote-reuse-op",
		BlockID:       "remote-reuse",
		Name:          "Flashing",
		Success:       true,
		Timestamp:     Base,
		Executor:      "Remote",
		UpdatedAt:     Base.Add(time.Hour),
		SyncStatus:    schema.SyncPending,
		ServerVersion: 1,
	}

	res, err := s.store.ApplyServerChanges(s.ctx, &schema.ChangeSet{
		Blocks:     []*schema.Block{reused, gone},
		Operations: []*schema.Operation{op},
	})
	s.Require().NoError(err)
	s.Equal(schema.ApplyResult{Applied: 2, Deleted: 1}, res)

	_, err = s.store.GetBlockByID(s.ctx, old.ID)
	s.True(errors.Is(err, schema.ErrNotFound))

	got, err := s.store.FindBlockByNumber(s.ctx, "7401")
	s.Require().NoError(err)
	s.Equal("remote-reuse", got.ID)
	s.Require().Len(got.Operations, 1)
	s.Equal("remote-reuse-op", got.Operations[0].ID)
}

func (s *Suite) TestApplyDeletion() {
	stored := s.add(NewBlock("7301", NewOperation("Flashing", true, 0)))

	stale := &schema.Block{ID: stored.ID, SyncStatus: schema.SyncDeleted, ServerVersion: 1}
	res, err := s.store.ApplyServerChanges(s.ctx, &schema.ChangeSet{Blocks: []*schema.Block{stale}})
	s.Require().NoError(err)
	s.Equal(1, res.Skipped)
	s.get(stored.ID)

	fresh := &schema.Block{ID: stored.ID, SyncStatus: schema.SyncDeleted, ServerVersion: 2}
	res, err = s.store.ApplyServerChanges(s.ctx, &schema.ChangeSet{Blocks: []*schema.Block{fresh}})
	s.Require().NoError(err)
	s.Equal(1, res.Deleted)

	_, err = s.store.GetBlockByID(s.ctx, stored.ID)
	s.True(errors.Is(err, schema.ErrNotFound))

	report, err := s.store.CheckConsistency(s.ctx)
	s.Require().NoError(err)
	s.Zero(report.Operations)
	s.Zero(report.Tombstones, "a merged deletion leaves nothing to exchange")
}

func (s *Suite) TestApplyOperationDeletion() {
	stored := s.add(NewBlock("7302", NewOperation("Flashing", true, 0), NewOperation("Budget", true, time.Minute)))
	op := s.get(stored.ID).Operations[0]

	res, err := s.store.ApplyServerChanges(s.ctx, &schema.ChangeSet{
		Operations: []*schema.Operation{{ID: op.ID, BlockID: stored.ID, SyncStatus: schema.SyncDeleted, ServerVersion: op.ServerVersion + 1}},
	})
	s.Require().NoError(err)
	s.Equal(1, res.Deleted)

	got := s.get(stored.ID)
	s.Require().Len(got.Operations, 1)
	s.Equal("Budget", got.Operations[0].Name)
}

func (s *Suite) TestLocalDeletionBeatsStaleRemoteRow() {
	stored := s.add(NewBlock("7401"))
	s.Require().NoError(s.store.DeleteBlock(s.ctx, stored.ID))
	// tombstone version is 2

	res, err := s.store.ApplyServerChanges(s.ctx, &schema.ChangeSet{
		Blocks: []*schema.Block{s.remoteBlock(stored.ID, "7401", 2)},
	})
	s.Require().NoError(err)
	s.Equal(1, res.Skipped)

	_, err = s.store.GetBlockByID(s.ctx, stored.ID)
	s.True(errors.Is(err, schema.ErrNotFound))
}

func (s *Suite) TestConsistencyOnHealthyStore() {
	s.add(NewBlock("8001", NewOperation("Flashing", true, 0)))
	s.add(NewBlock("8002"))

	report, err := s.store.CheckConsistency(s.ctx)
	s.Require().NoError(err)
	s.True(report.OK(), "%+v", report)
	s.Equal(2, report.Blocks)
	s.Equal(1, report.Operations)
}
