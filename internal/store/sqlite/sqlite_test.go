package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodline/blocktrack/internal/schema"
	"github.com/prodline/blocktrack/internal/store"
	"github.com/prodline/blocktrack/internal/store/storetest"
)

// testStore opens a store in a temporary directory.
func testStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// fakeClock returns increasing instants one second apart.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return testStore(t) })
}

func TestInitSchema_Idempotent(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	require.NoError(t, st.InitSchemaContext(ctx))
	require.NoError(t, st.InitSchemaContext(ctx))

	for _, table := range []string{"blocks", "operations", "tombstones", "sync_state"} {
		var count int
		err := st.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s", table)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
	ctx := context.Background()

	st, err := Open(path)
	require.NoError(t, err)
	stored, err := st.AddBlock(ctx, storetest.NewBlock("1001", storetest.NewOperation("Flashing", true, 0)))
	require.NoError(t, err)
	require.NoError(t, st.Close())
	require.NoError(t, st.Close(), "closing twice is harmless")

	st, err = Open(path)
	require.NoError(t, err)
	defer st.Close()

	got, err := st.GetBlockByID(ctx, stored.ID)
	require.NoError(t, err)
	assert.Len(t, got.Operations, 1)
	assert.Equal(t, path, st.Path())
}

func TestPendingSince(t *testing.T) {
	clock := &fakeClock{now: storetest.Base}
	st := testStore(t, WithClock(clock.Now))
	ctx := context.Background()

	first, err := st.AddBlock(ctx, storetest.NewBlock("1001"))
	require.NoError(t, err)
	cut := clock.Now()
	second, err := st.AddBlock(ctx, storetest.NewBlock("1002"))
	require.NoError(t, err)
	require.NoError(t, st.DeleteBlock(ctx, first.ID))

	all, err := st.GetPendingChanges(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all.Blocks, 2, "one live row and one deletion")

	recent, err := st.GetPendingChanges(ctx, &cut)
	require.NoError(t, err)
	require.Len(t, recent.Blocks, 2)
	assert.Equal(t, second.ID, recent.Blocks[0].ID)
	assert.Equal(t, schema.SyncDeleted, recent.Blocks[1].SyncStatus)

	later := clock.Now()
	none, err := st.GetPendingChanges(ctx, &later)
	require.NoError(t, err)
	assert.True(t, none.Empty())
}

func TestTimestampsAreUTCAndExact(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	loc := time.FixedZone("UTC+3", 3*60*60)
	ts := time.Date(2025, 5, 1, 12, 30, 15, 123456789, loc)
	b := storetest.NewBlock("1001", schema.Operation{Name: "Flashing", Success: true, Timestamp: ts})
	b.Date = ts

	stored, err := st.AddBlock(ctx, b)
	require.NoError(t, err)

	got, err := st.GetBlockByID(ctx, stored.ID)
	require.NoError(t, err)
	assert.True(t, got.Date.Equal(ts))
	assert.Equal(t, time.UTC, got.Date.Location())
	assert.True(t, got.Operations[0].Timestamp.Equal(ts))
}

func TestCursor(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	_, ok, err := st.LoadCursor(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	cursor := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, st.SaveCursor(ctx, cursor))
	require.NoError(t, st.SaveCursor(ctx, cursor.Add(time.Minute)))

	got, ok, err := st.LoadCursor(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, got.Equal(cursor.Add(time.Minute)))
}

func TestCheckConsistencyFindsViolations(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	stored, err := st.AddBlock(ctx, storetest.NewBlock("1001"))
	require.NoError(t, err)

	// Corrupt the store behind its back.
	_, err = st.conn.Exec(`INSERT INTO operations (id, block_id, name, timestamp, updated_at)
		VALUES ('orphan-op', 'gone', 'Flashing', '', '')`)
	require.NoError(t, err)
	_, err = st.conn.Exec(`INSERT INTO tombstones (kind, id, server_version, updated_at)
		VALUES ('block', ?, 9, '')`, stored.ID)
	require.NoError(t, err)

	report, err := st.CheckConsistency(ctx)
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.Equal(t, []string{"orphan-op"}, report.OrphanOperations)
	assert.Equal(t, []string{stored.ID}, report.ShadowedRows)
	assert.Empty(t, report.DuplicateBlockNumbers)
}

func TestConcurrentWritesAndReads(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	stored, err := st.AddBlock(ctx, storetest.NewBlock("1000", storetest.NewOperation("Flashing", true, 0)))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 64)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if _, err := st.AddBlock(ctx, storetest.NewBlock(fmt.Sprintf("%d%02d", i+2, j))); err != nil {
					errs <- err
					return
				}
			}
		}(i)
	}

	// Replacing the operations must never be observed half done.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 20; j++ {
			fields, err := st.GetBlockByID(ctx, stored.ID)
			if err != nil {
				errs <- err
				return
			}
			if len(fields.Operations) == 0 {
				errs <- fmt.Errorf("observed block without operations")
				return
			}
			fields.Operations = append(fields.Operations, storetest.NewOperation("Budget", true, time.Duration(j)*time.Minute))
			if _, err := st.UpdateBlock(ctx, stored.ID, fields); err != nil {
				errs <- err
				return
			}
		}
	}()

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	all, err := st.GetAllBlocks(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 41)

	got, err := st.GetBlockByID(ctx, stored.ID)
	require.NoError(t, err)
	assert.Len(t, got.Operations, 21)
}

func TestStoreErrorsAreTxErrors(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	_, err := st.AddBlock(ctx, storetest.NewBlock("1001", schema.Operation{ID: "dup", Name: "Flashing", Timestamp: storetest.Base}))
	require.NoError(t, err)

	// Operation ids are unique across blocks; the engine rejects the reuse.
	_, err = st.AddBlock(ctx, storetest.NewBlock("1002", schema.Operation{ID: "dup", Name: "Flashing", Timestamp: storetest.Base}))
	require.Error(t, err)
	assert.True(t, store.IsTxError(err))

	_, err = st.FindBlockByNumber(ctx, "1002")
	assert.ErrorIs(t, err, schema.ErrNotFound, "the failed insert was rolled back")
}
