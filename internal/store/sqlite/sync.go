package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/prodline/blocktrack/internal/schema"
	"github.com/prodline/blocktrack/internal/store"
)

const cursorKey = "sync_cursor"

// GetPendingChanges returns every row not yet synced plus the deletions
// waiting to be exchanged. All three tables are read in one snapshot.
func (s *Store) GetPendingChanges(ctx context.Context, since *time.Time) (*schema.ChangeSet, error) {
	changes := schema.NewChangeSet()

	where := "WHERE sync_status != 'synced'"
	tombWhere := ""
	var args []any
	if since != nil {
		where += " AND updated_at > ?"
		tombWhere = "WHERE updated_at > ?"
		args = append(args, formatTime(*since))
	}

	err := s.readTx(ctx, "get pending changes", func(tx *sql.Tx) error {
		blocks, err := queryBlocks(ctx, tx, where+" ORDER BY updated_at ASC, id ASC", args...)
		if err != nil {
			return err
		}
		ops, err := queryOperations(ctx, tx, where+" ORDER BY seq ASC", args...)
		if err != nil {
			return err
		}
		tombs, err := queryTombstones(ctx, tx, tombWhere+" ORDER BY updated_at ASC, id ASC", args...)
		if err != nil {
			return err
		}

		changes.Blocks = append(changes.Blocks, blocks...)
		for i := range ops {
			changes.Operations = append(changes.Operations, &ops[i])
		}
		for _, t := range tombs {
			switch t.Kind {
			case store.KindBlock:
				changes.Blocks = append(changes.Blocks, t.AsBlock())
			case store.KindOperation:
				changes.Operations = append(changes.Operations, t.AsOperation())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// ApplyServerChanges merges rows from the other peer in one transaction.
// Block deletions are applied first, then live blocks, then operations, so
// that a reused block number and the operations of a new block both find
// their place.
func (s *Store) ApplyServerChanges(ctx context.Context, changes *schema.ChangeSet) (schema.ApplyResult, error) {
	var result schema.ApplyResult
	if changes.Empty() {
		return result, nil
	}

	err := s.writeTx(ctx, "apply server changes", func(tx *sql.Tx) error {
		result = schema.ApplyResult{}
		for _, b := range store.ApplyOrder(changes.Blocks) {
			r, err := applyBlock(ctx, tx, b)
			if err != nil {
				return err
			}
			result.Add(r)
		}
		for _, op := range changes.Operations {
			r, err := applyOperation(ctx, tx, op)
			if err != nil {
				return err
			}
			result.Add(r)
		}
		return nil
	})
	if err != nil {
		return schema.ApplyResult{}, err
	}

	s.log.Debug("applied server changes",
		zap.Int("applied", result.Applied),
		zap.Int("deleted", result.Deleted),
		zap.Int("skipped", result.Skipped),
		zap.Int("orphaned", result.Orphaned),
		zap.Strings("conflicts", result.Conflicts),
	)
	return result, nil
}

func applyBlock(ctx context.Context, tx *sql.Tx, b *schema.Block) (schema.ApplyResult, error) {
	if b == nil || b.ID == "" {
		return schema.ApplyResult{Skipped: 1}, nil
	}

	local, err := blockVersion(ctx, tx, b.ID)
	if err != nil {
		return schema.ApplyResult{}, fmt.Errorf("failed to read block %s: %w", b.ID, err)
	}

	if b.SyncStatus == schema.SyncDeleted {
		if local == nil || !schema.Supersedes(b.ServerVersion, *local) {
			return schema.ApplyResult{Skipped: 1}, nil
		}
		if err := purgeBlock(ctx, tx, b.ID); err != nil {
			return schema.ApplyResult{}, err
		}
		return schema.ApplyResult{Deleted: 1}, nil
	}

	tomb, err := tombstoneVersion(ctx, tx, store.KindBlock, b.ID)
	if err != nil {
		return schema.ApplyResult{}, fmt.Errorf("failed to read deletion of block %s: %w", b.ID, err)
	}
	if !store.Admit(b.ServerVersion, local, tomb) {
		return schema.ApplyResult{Skipped: 1}, nil
	}

	holder, err := numberHolder(ctx, tx, b.BlockNumber, b.ID)
	if err != nil {
		return schema.ApplyResult{}, err
	}
	if holder != "" {
		return schema.ApplyResult{Skipped: 1, Conflicts: []string{b.ID}}, nil
	}

	if tomb != nil {
		if err := deleteTombstone(ctx, tx, store.KindBlock, b.ID); err != nil {
			return schema.ApplyResult{}, err
		}
	}
	if err := upsertBlock(ctx, tx, store.Synced(b)); err != nil {
		return schema.ApplyResult{}, err
	}
	return schema.ApplyResult{Applied: 1}, nil
}

func applyOperation(ctx context.Context, tx *sql.Tx, op *schema.Operation) (schema.ApplyResult, error) {
	if op == nil || op.ID == "" {
		return schema.ApplyResult{Skipped: 1}, nil
	}

	local, err := operationVersion(ctx, tx, op.ID)
	if err != nil {
		return schema.ApplyResult{}, fmt.Errorf("failed to read operation %s: %w", op.ID, err)
	}

	if op.SyncStatus == schema.SyncDeleted {
		if local == nil || !schema.Supersedes(op.ServerVersion, *local) {
			return schema.ApplyResult{Skipped: 1}, nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM operations WHERE id = ?`, op.ID); err != nil {
			return schema.ApplyResult{}, fmt.Errorf("failed to delete operation %s: %w", op.ID, err)
		}
		return schema.ApplyResult{Deleted: 1}, nil
	}

	parent, err := blockVersion(ctx, tx, op.BlockID)
	if err != nil {
		return schema.ApplyResult{}, fmt.Errorf("failed to read block %s: %w", op.BlockID, err)
	}
	if parent == nil {
		return schema.ApplyResult{Orphaned: 1}, nil
	}

	tomb, err := tombstoneVersion(ctx, tx, store.KindOperation, op.ID)
	if err != nil {
		return schema.ApplyResult{}, fmt.Errorf("failed to read deletion of operation %s: %w", op.ID, err)
	}
	if !store.Admit(op.ServerVersion, local, tomb) {
		return schema.ApplyResult{Skipped: 1}, nil
	}

	if tomb != nil {
		if err := deleteTombstone(ctx, tx, store.KindOperation, op.ID); err != nil {
			return schema.ApplyResult{}, err
		}
	}
	row := store.SyncedOperation(op)
	if err := upsertOperation(ctx, tx, &row); err != nil {
		return schema.ApplyResult{}, err
	}
	return schema.ApplyResult{Applied: 1}, nil
}

// MarkAsSynced settles the rows of an exchanged change set. A row is only
// settled while its version still matches the exchanged one; a tombstone is
// removed once a deletion at least as new has been exchanged.
func (s *Store) MarkAsSynced(ctx context.Context, changes *schema.ChangeSet) error {
	if changes.Empty() {
		return nil
	}

	return s.writeTx(ctx, "mark as synced", func(tx *sql.Tx) error {
		for _, b := range changes.Blocks {
			if err := markRow(ctx, tx, "blocks", store.KindBlock, b.ID, b.SyncStatus, b.ServerVersion); err != nil {
				return err
			}
		}
		for _, op := range changes.Operations {
			if err := markRow(ctx, tx, "operations", store.KindOperation, op.ID, op.SyncStatus, op.ServerVersion); err != nil {
				return err
			}
		}
		return nil
	})
}

func markRow(ctx context.Context, tx *sql.Tx, table, kind, id string, status schema.SyncStatus, v int64) error {
	if status == schema.SyncDeleted {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM tombstones WHERE kind = ? AND id = ? AND server_version <= ?`, kind, id, v)
		if err != nil {
			return fmt.Errorf("failed to settle deletion of %s %s: %w", kind, id, err)
		}
		return nil
	}

	_, err := tx.ExecContext(ctx,
		`UPDATE `+table+` SET sync_status = 'synced'
		 WHERE id = ? AND server_version = ? AND sync_status = 'pending'`, id, v)
	if err != nil {
		return fmt.Errorf("failed to mark %s %s synced: %w", kind, id, err)
	}
	return nil
}

// CheckConsistency reports orphan operations, rows shadowed by their own
// tombstone and duplicate block numbers.
func (s *Store) CheckConsistency(ctx context.Context) (*store.ConsistencyReport, error) {
	report := &store.ConsistencyReport{}

	err := s.readTx(ctx, "check consistency", func(tx *sql.Tx) error {
		counts := []struct {
			query string
			dest  *int
		}{
			{`SELECT COUNT(*) FROM blocks`, &report.Blocks},
			{`SELECT COUNT(*) FROM operations`, &report.Operations},
			{`SELECT COUNT(*) FROM tombstones`, &report.Tombstones},
		}
		for _, c := range counts {
			if err := tx.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
				return fmt.Errorf("failed to count rows: %w", err)
			}
		}

		var err error
		report.OrphanOperations, err = queryStrings(ctx, tx, `
			SELECT id FROM operations
			WHERE block_id NOT IN (SELECT id FROM blocks)
			ORDER BY seq`)
		if err != nil {
			return err
		}

		report.ShadowedRows, err = queryStrings(ctx, tx, `
			SELECT t.id FROM tombstones t JOIN blocks b ON t.kind = 'block' AND b.id = t.id
			UNION
			SELECT t.id FROM tombstones t JOIN operations o ON t.kind = 'operation' AND o.id = t.id
			ORDER BY 1`)
		if err != nil {
			return err
		}

		report.DuplicateBlockNumbers, err = queryStrings(ctx, tx, `
			SELECT block_number FROM blocks
			GROUP BY block_number HAVING COUNT(*) > 1
			ORDER BY block_number`)
		return err
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

func queryStrings(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to run consistency query: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan consistency row: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating consistency rows: %w", err)
	}
	return out, nil
}

// LoadCursor returns the saved sync cursor, if any.
func (s *Store) LoadCursor(ctx context.Context) (time.Time, bool, error) {
	var value string
	err := s.conn.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, cursorKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, store.Wrap("load cursor", fmt.Errorf("failed to read sync cursor: %w", err))
	}

	cursor, err := parseTime(value)
	if err != nil {
		return time.Time{}, false, store.Wrap("load cursor", err)
	}
	return cursor, true, nil
}

// SaveCursor stores the sync cursor.
func (s *Store) SaveCursor(ctx context.Context, cursor time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO sync_state (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		cursorKey, formatTime(cursor),
	)
	if err != nil {
		return store.Wrap("save cursor", fmt.Errorf("failed to save sync cursor: %w", err))
	}
	return nil
}
