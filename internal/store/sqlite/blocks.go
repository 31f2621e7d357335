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

// GetAllBlocks returns every block with its operations.
func (s *Store) GetAllBlocks(ctx context.Context) ([]*schema.Block, error) {
	return s.readBlocks(ctx, "get all blocks", "")
}

// GetBlocksByOperator returns the blocks whose operator matches.
func (s *Store) GetBlocksByOperator(ctx context.Context, operator string) ([]*schema.Block, error) {
	return s.readBlocks(ctx, "get blocks by operator", "WHERE operator = ?", operator)
}

// GetBlockByID returns one block with its operations.
func (s *Store) GetBlockByID(ctx context.Context, id string) (*schema.Block, error) {
	blocks, err := s.readBlocks(ctx, "get block", "WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		return nil, &schema.NotFoundError{Kind: "block", ID: id}
	}
	return blocks[0], nil
}

// FindBlockByNumber returns the block holding blockNumber.
func (s *Store) FindBlockByNumber(ctx context.Context, blockNumber string) (*schema.Block, error) {
	blocks, err := s.readBlocks(ctx, "find block by number", "WHERE block_number = ?", blockNumber)
	if err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		return nil, &schema.NotFoundError{Kind: "block", ID: "number " + blockNumber}
	}
	return blocks[0], nil
}

// readBlocks loads the blocks matching where and joins their operations in
// the same transaction. A failure on either side fails the whole read.
func (s *Store) readBlocks(ctx context.Context, op, where string, args ...any) ([]*schema.Block, error) {
	var blocks []*schema.Block
	err := s.readTx(ctx, op, func(tx *sql.Tx) error {
		var err error
		blocks, err = queryBlocks(ctx, tx, where+" ORDER BY created_at ASC, id ASC", args...)
		if err != nil {
			return err
		}
		if len(blocks) == 0 {
			return nil
		}

		ops, err := queryOperations(ctx, tx,
			"WHERE block_id IN (SELECT id FROM blocks "+where+") ORDER BY seq ASC", args...)
		if err != nil {
			return err
		}

		byBlock := make(map[string]*schema.Block, len(blocks))
		for _, b := range blocks {
			b.Operations = []schema.Operation{}
			byBlock[b.ID] = b
		}
		for _, o := range ops {
			if b, ok := byBlock[o.BlockID]; ok {
				b.Operations = append(b.Operations, o)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blocks, nil
}

// AddBlock inserts a block and its operations.
func (s *Store) AddBlock(ctx context.Context, b *schema.Block) (*schema.Block, error) {
	stored, err := s.AddBlocks(ctx, []*schema.Block{b})
	if err != nil {
		return nil, err
	}
	return stored[0], nil
}

// AddBlocks inserts a batch of blocks in one transaction.
func (s *Store) AddBlocks(ctx context.Context, bs []*schema.Block) ([]*schema.Block, error) {
	now := s.clock()
	var stored []*schema.Block

	err := s.writeTx(ctx, "add blocks", func(tx *sql.Tx) error {
		stored = make([]*schema.Block, 0, len(bs))
		for _, b := range bs {
			row, ops := store.PrepareNew(b, now)
			if err := addBlock(ctx, tx, row, ops); err != nil {
				return err
			}
			stored = append(stored, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug("added blocks", zap.Int("count", len(stored)))
	return stored, nil
}

func addBlock(ctx context.Context, tx *sql.Tx, row *schema.Block, ops []schema.Operation) error {
	if existing, err := blockVersion(ctx, tx, row.ID); err != nil {
		return fmt.Errorf("failed to check block %s: %w", row.ID, err)
	} else if existing != nil {
		return store.DuplicateID(row.ID)
	}

	holder, err := numberHolder(ctx, tx, row.BlockNumber, row.ID)
	if err != nil {
		return err
	}
	if holder != "" {
		return store.DuplicateBlockNumber(row.BlockNumber, holder)
	}

	if err := deleteTombstone(ctx, tx, store.KindBlock, row.ID); err != nil {
		return err
	}
	if err := insertBlock(ctx, tx, row); err != nil {
		return err
	}
	for i := range ops {
		if err := deleteTombstone(ctx, tx, store.KindOperation, ops[i].ID); err != nil {
			return err
		}
		if err := insertOperation(ctx, tx, &ops[i]); err != nil {
			return err
		}
	}
	return nil
}

// UpdateBlock replaces the mutable fields of a block and, when
// fields.Operations is non-nil, its whole operation list.
func (s *Store) UpdateBlock(ctx context.Context, id string, fields *schema.Block) (*schema.Block, error) {
	now := s.clock()
	var stored *schema.Block

	err := s.writeTx(ctx, "update block", func(tx *sql.Tx) error {
		existing, err := getBlockRow(ctx, tx, id)
		if err != nil {
			return err
		}

		holder, err := numberHolder(ctx, tx, fields.BlockNumber, id)
		if err != nil {
			return err
		}
		if holder != "" {
			return store.DuplicateBlockNumber(fields.BlockNumber, holder)
		}

		row := store.ApplyFields(existing, fields, now)
		if err := upsertBlock(ctx, tx, row); err != nil {
			return err
		}

		if fields.Operations != nil {
			if err := replaceOperations(ctx, tx, id, fields.Operations, now); err != nil {
				return err
			}
		}

		stored = row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func replaceOperations(ctx context.Context, tx *sql.Tx, blockID string, incoming []schema.Operation, now time.Time) error {
	current, err := queryOperations(ctx, tx, "WHERE block_id = ? ORDER BY seq ASC", blockID)
	if err != nil {
		return err
	}

	plan := store.PlanReplace(blockID, current, incoming, now)

	if _, err := tx.ExecContext(ctx, `DELETE FROM operations WHERE block_id = ?`, blockID); err != nil {
		return fmt.Errorf("failed to clear operations of block %s: %w", blockID, err)
	}
	for i := range plan.Operations {
		if err := deleteTombstone(ctx, tx, store.KindOperation, plan.Operations[i].ID); err != nil {
			return err
		}
		if err := insertOperation(ctx, tx, &plan.Operations[i]); err != nil {
			return err
		}
	}
	for _, t := range plan.Tombstones {
		if err := upsertTombstone(ctx, tx, t); err != nil {
			return err
		}
	}
	return nil
}

// DeleteBlock removes a block and its operations and records the deletion
// for the next exchange.
func (s *Store) DeleteBlock(ctx context.Context, id string) error {
	now := s.clock()

	return s.writeTx(ctx, "delete block", func(tx *sql.Tx) error {
		existing, err := getBlockRow(ctx, tx, id)
		if errors.Is(err, schema.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if err := purgeBlock(ctx, tx, id); err != nil {
			return err
		}
		return upsertTombstone(ctx, tx, store.BlockTombstone(existing, now))
	})
}

// purgeBlock removes a block, its operations and any pending operation
// deletions under it.
func purgeBlock(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM operations WHERE block_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete operations of block %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM tombstones WHERE kind = ? AND block_id = ?`, store.KindOperation, id); err != nil {
		return fmt.Errorf("failed to clear operation deletions of block %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM blocks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete block %s: %w", id, err)
	}
	return nil
}
