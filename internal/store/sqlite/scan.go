package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prodline/blocktrack/internal/schema"
	"github.com/prodline/blocktrack/internal/store"
)

// timeLayout is fixed-width so that stored timestamps compare correctly as
// strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const blockColumns = `id, block_number, model_type, modem_type, execution_type, block_type,
	mac_address, operator, date, created_at, updated_at, sync_status, server_version`

const operationColumns = `id, block_id, name, success, timestamp, executor, comment,
	error_code, error_description, duration_ms, updated_at, sync_status, server_version`

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func scanBlock(sc scanner) (*schema.Block, error) {
	var b schema.Block
	var date, createdAt, updatedAt, status string

	err := sc.Scan(
		&b.ID,
		&b.BlockNumber,
		&b.ModelType,
		&b.ModemType,
		&b.ExecutionType,
		&b.BlockType,
		&b.MACAddress,
		&b.Operator,
		&date,
		&createdAt,
		&updatedAt,
		&status,
		&b.ServerVersion,
	)
	if err != nil {
		return nil, err
	}

	if b.Date, err = parseTime(date); err != nil {
		return nil, err
	}
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	b.SyncStatus = schema.SyncStatus(status)
	return &b, nil
}

func scanOperation(sc scanner) (schema.Operation, error) {
	var op schema.Operation
	var timestamp, updatedAt, status string

	err := sc.Scan(
		&op.ID,
		&op.BlockID,
		&op.Name,
		&op.Success,
		&timestamp,
		&op.Executor,
		&op.Comment,
		&op.ErrorCode,
		&op.ErrorDescription,
		&op.DurationMs,
		&updatedAt,
		&status,
		&op.ServerVersion,
	)
	if err != nil {
		return op, err
	}

	if op.Timestamp, err = parseTime(timestamp); err != nil {
		return op, err
	}
	if op.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return op, err
	}
	op.SyncStatus = schema.SyncStatus(status)
	return op, nil
}

// queryBlocks returns block rows without operations.
func queryBlocks(ctx context.Context, q querier, where string, args ...any) ([]*schema.Block, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+blockColumns+` FROM blocks `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	defer rows.Close()

	var blocks []*schema.Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blocks: %w", err)
	}
	return blocks, nil
}

func queryOperations(ctx context.Context, q querier, where string, args ...any) ([]schema.Operation, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+operationColumns+` FROM operations `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	var ops []schema.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operations: %w", err)
	}
	return ops, nil
}

// getBlockRow loads one block row without operations.
func getBlockRow(ctx context.Context, q querier, id string) (*schema.Block, error) {
	row := q.QueryRowContext(ctx, `SELECT `+blockColumns+` FROM blocks WHERE id = ?`, id)
	b, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &schema.NotFoundError{Kind: "block", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get block %s: %w", id, err)
	}
	return b, nil
}

// numberHolder returns the id of another block holding blockNumber, or "".
func numberHolder(ctx context.Context, q querier, blockNumber, id string) (string, error) {
	var holder string
	err := q.QueryRowContext(ctx,
		`SELECT id FROM blocks WHERE block_number = ? AND id != ? LIMIT 1`,
		blockNumber, id,
	).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to check block number %s: %w", blockNumber, err)
	}
	return holder, nil
}

// version returns the server_version of the row matching query, nil when
// there is none.
func version(ctx context.Context, q querier, query string, args ...any) (*int64, error) {
	var v int64
	err := q.QueryRowContext(ctx, query, args...).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func blockVersion(ctx context.Context, q querier, id string) (*int64, error) {
	return version(ctx, q, `SELECT server_version FROM blocks WHERE id = ?`, id)
}

func operationVersion(ctx context.Context, q querier, id string) (*int64, error) {
	return version(ctx, q, `SELECT server_version FROM operations WHERE id = ?`, id)
}

func tombstoneVersion(ctx context.Context, q querier, kind, id string) (*int64, error) {
	return version(ctx, q, `SELECT server_version FROM tombstones WHERE kind = ? AND id = ?`, kind, id)
}

func insertBlock(ctx context.Context, q querier, b *schema.Block) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO blocks (`+blockColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		blockArgs(b)...,
	)
	if err != nil {
		return fmt.Errorf("failed to insert block %s: %w", b.ID, err)
	}
	return nil
}

// upsertBlock writes b over any existing row with the same id.
func upsertBlock(ctx context.Context, q querier, b *schema.Block) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO blocks (`+blockColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		block_number = excluded.block_number,
		model_type = excluded.model_type,
		modem_type = excluded.modem_type,
		execution_type = excluded.execution_type,
		block_type = excluded.block_type,
		mac_address = excluded.mac_address,
		operator = excluded.operator,
		date = excluded.date,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		sync_status = excluded.sync_status,
		server_version = excluded.server_version`,
		blockArgs(b)...,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert block %s: %w", b.ID, err)
	}
	return nil
}

func blockArgs(b *schema.Block) []any {
	return []any{
		b.ID,
		b.BlockNumber,
		b.ModelType,
		b.ModemType,
		b.ExecutionType,
		b.BlockType,
		b.MACAddress,
		b.Operator,
		formatTime(b.Date),
		formatTime(b.CreatedAt),
		formatTime(b.UpdatedAt),
		string(b.SyncStatus),
		b.ServerVersion,
	}
}

func insertOperation(ctx context.Context, q querier, op *schema.Operation) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO operations (`+operationColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		operationArgs(op)...,
	)
	if err != nil {
		return fmt.Errorf("failed to insert operation %s: %w", op.ID, err)
	}
	return nil
}

// upsertOperation keeps the seq of an existing row so the operation keeps
// its place in the block's history.
func upsertOperation(ctx context.Context, q querier, op *schema.Operation) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO operations (`+operationColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		block_id = excluded.block_id,
		name = excluded.name,
		success = excluded.success,
		timestamp = excluded.timestamp,
		executor = excluded.executor,
		comment = excluded.comment,
		error_code = excluded.error_code,
		error_description = excluded.error_description,
		duration_ms = excluded.duration_ms,
		updated_at = excluded.updated_at,
		sync_status = excluded.sync_status,
		server_version = excluded.server_version`,
		operationArgs(op)...,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert operation %s: %w", op.ID, err)
	}
	return nil
}

func operationArgs(op *schema.Operation) []any {
	return []any{
		op.ID,
		op.BlockID,
		op.Name,
		op.Success,
		formatTime(op.Timestamp),
		op.Executor,
		op.Comment,
		op.ErrorCode,
		op.ErrorDescription,
		op.DurationMs,
		formatTime(op.UpdatedAt),
		string(op.SyncStatus),
		op.ServerVersion,
	}
}

func upsertTombstone(ctx context.Context, q querier, t store.Tombstone) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO tombstones (kind, id, block_id, server_version, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(kind, id) DO UPDATE SET
		block_id = excluded.block_id,
		server_version = MAX(tombstones.server_version, excluded.server_version),
		updated_at = excluded.updated_at`,
		t.Kind, t.ID, t.BlockID, t.ServerVersion, formatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record deletion of %s %s: %w", t.Kind, t.ID, err)
	}
	return nil
}

func deleteTombstone(ctx context.Context, q querier, kind, id string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM tombstones WHERE kind = ? AND id = ?`, kind, id); err != nil {
		return fmt.Errorf("failed to clear deletion of %s %s: %w", kind, id, err)
	}
	return nil
}

func queryTombstones(ctx context.Context, q querier, where string, args ...any) ([]store.Tombstone, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT kind, id, block_id, server_version, updated_at FROM tombstones `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tombstones: %w", err)
	}
	defer rows.Close()

	var out []store.Tombstone
	for rows.Next() {
		var t store.Tombstone
		var updatedAt string
		if err := rows.Scan(&t.Kind, &t.ID, &t.BlockID, &t.ServerVersion, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tombstone: %w", err)
		}
		if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tombstones: %w", err)
	}
	return out, nil
}
