package relational

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/prodline/blocktrack/internal/schema"
	"github.com/prodline/blocktrack/internal/store"
)

var blockUpdateColumns = []string{
	"block_number", "model_type", "modem_type", "execution_type", "block_type",
	"mac_address", "operator", "date", "created_at", "updated_at", "sync_status", "server_version",
}

var operationUpdateColumns = []string{
	"block_id", "name", "success", "timestamp", "executor", "comment", "error_code",
	"error_description", "duration_ms", "updated_at", "sync_status", "server_version",
}

// GetAllBlocks returns every block with its operations.
func (s *Store) GetAllBlocks(ctx context.Context) ([]*schema.Block, error) {
	return s.readBlocks(ctx, "get all blocks", nil)
}

// GetBlocksByOperator returns the blocks whose operator matches.
func (s *Store) GetBlocksByOperator(ctx context.Context, operator string) ([]*schema.Block, error) {
	return s.readBlocks(ctx, "get blocks by operator", func(tx *gorm.DB) *gorm.DB {
		return tx.Where("operator = ?", operator)
	})
}

// GetBlockByID returns one block with its operations.
func (s *Store) GetBlockByID(ctx context.Context, id string) (*schema.Block, error) {
	blocks, err := s.readBlocks(ctx, "get block", func(tx *gorm.DB) *gorm.DB {
		return tx.Where("id = ?", id)
	})
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
	blocks, err := s.readBlocks(ctx, "find block by number", func(tx *gorm.DB) *gorm.DB {
		return tx.Where("block_number = ?", blockNumber)
	})
	if err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		return nil, &schema.NotFoundError{Kind: "block", ID: "number " + blockNumber}
	}
	return blocks[0], nil
}

// readBlocks loads the blocks selected by filter (all when nil) and their
// operations in one read transaction.
func (s *Store) readBlocks(ctx context.Context, op string, filter func(*gorm.DB) *gorm.DB) ([]*schema.Block, error) {
	var blocks []*schema.Block
	err := s.readTx(ctx, op, func(tx *gorm.DB) error {
		scope := func() *gorm.DB {
			q := tx.Model(&blockModel{})
			if filter != nil {
				q = filter(q)
			}
			return q
		}

		var models []blockModel
		if err := scope().Order("created_at ASC, id ASC").Find(&models).Error; err != nil {
			return fmt.Errorf("failed to query blocks: %w", err)
		}
		if len(models) == 0 {
			blocks = nil
			return nil
		}

		var ops []operationModel
		err := tx.Where("block_id IN (?)", scope().Select("id")).Order("seq ASC").Find(&ops).Error
		if err != nil {
			return fmt.Errorf("failed to query operations: %w", err)
		}

		blocks = make([]*schema.Block, 0, len(models))
		byBlock := make(map[string]*schema.Block, len(models))
		for i := range models {
			b := models[i].toBlock()
			b.Operations = []schema.Operation{}
			blocks = append(blocks, b)
			byBlock[b.ID] = b
		}
		for i := range ops {
			if b, ok := byBlock[ops[i].BlockID]; ok {
				b.Operations = append(b.Operations, ops[i].toOperation())
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

	err := s.writeTx(ctx, "add blocks", func(tx *gorm.DB) error {
		stored = make([]*schema.Block, 0, len(bs))
		for _, b := range bs {
			row, ops := store.PrepareNew(b, now)

			local, err := blockVersion(tx, row.ID)
			if err != nil {
				return err
			}
			if local != nil {
				return store.DuplicateID(row.ID)
			}
			if err := checkNumber(tx, row.BlockNumber, row.ID); err != nil {
				return err
			}

			if err := deleteTombstone(tx, store.KindBlock, row.ID); err != nil {
				return err
			}
			if err := tx.Create(toBlockModel(row)).Error; err != nil {
				return fmt.Errorf("failed to insert block %s: %w", row.ID, err)
			}
			if err := insertOperations(tx, ops); err != nil {
				return err
			}
			stored = append(stored, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// UpdateBlock replaces the mutable fields of a block and, when
// fields.Operations is non-nil, its whole operation list.
func (s *Store) UpdateBlock(ctx context.Context, id string, fields *schema.Block) (*schema.Block, error) {
	now := s.clock()
	var stored *schema.Block

	err := s.writeTx(ctx, "update block", func(tx *gorm.DB) error {
		existing, err := getBlockRow(tx, id)
		if err != nil {
			return err
		}
		if err := checkNumber(tx, fields.BlockNumber, id); err != nil {
			return err
		}

		row := store.ApplyFields(existing, fields, now)
		if err := upsertBlock(tx, row); err != nil {
			return err
		}

		if fields.Operations != nil {
			if err := replaceOperations(tx, id, fields.Operations, now); err != nil {
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

func replaceOperations(tx *gorm.DB, blockID string, incoming []schema.Operation, now time.Time) error {
	var models []operationModel
	if err := tx.Where("block_id = ?", blockID).Order("seq ASC").Find(&models).Error; err != nil {
		return fmt.Errorf("failed to query operations of block %s: %w", blockID, err)
	}
	current := make([]schema.Operation, 0, len(models))
	for i := range models {
		current = append(current, models[i].toOperation())
	}

	plan := store.PlanReplace(blockID, current, incoming, now)

	if err := tx.Where("block_id = ?", blockID).Delete(&operationModel{}).Error; err != nil {
		return fmt.Errorf("failed to clear operations of block %s: %w", blockID, err)
	}
	if err := insertOperations(tx, plan.Operations); err != nil {
		return err
	}
	for _, t := range plan.Tombstones {
		if err := upsertTombstone(tx, t); err != nil {
			return err
		}
	}
	return nil
}

// DeleteBlock removes a block and its operations and records the deletion.
func (s *Store) DeleteBlock(ctx context.Context, id string) error {
	now := s.clock()

	return s.writeTx(ctx, "delete block", func(tx *gorm.DB) error {
		existing, err := getBlockRow(tx, id)
		if errors.Is(err, schema.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := purgeBlock(tx, id); err != nil {
			return err
		}
		return upsertTombstone(tx, store.BlockTombstone(existing, now))
	})
}

func purgeBlock(tx *gorm.DB, id string) error {
	if err := tx.Where("block_id = ?", id).Delete(&operationModel{}).Error; err != nil {
		return fmt.Errorf("failed to delete operations of block %s: %w", id, err)
	}
	if err := tx.Where("kind = ? AND block_id = ?", store.KindOperation, id).Delete(&tombstoneModel{}).Error; err != nil {
		return fmt.Errorf("failed to clear operation deletions of block %s: %w", id, err)
	}
	if err := tx.Where("id = ?", id).Delete(&blockModel{}).Error; err != nil {
		return fmt.Errorf("failed to delete block %s: %w", id, err)
	}
	return nil
}

func getBlockRow(tx *gorm.DB, id string) (*schema.Block, error) {
	var m blockModel
	err := tx.Where("id = ?", id).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &schema.NotFoundError{Kind: "block", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get block %s: %w", id, err)
	}
	return m.toBlock(), nil
}

// checkNumber fails when another block already holds blockNumber.
func checkNumber(tx *gorm.DB, blockNumber, id string) error {
	holder, err := numberHolder(tx, blockNumber, id)
	if err != nil {
		return err
	}
	if holder != "" {
		return store.DuplicateBlockNumber(blockNumber, holder)
	}
	return nil
}

func numberHolder(tx *gorm.DB, blockNumber, id string) (string, error) {
	var ids []string
	err := tx.Model(&blockModel{}).
		Where("block_number = ? AND id <> ?", blockNumber, id).
		Limit(1).
		Pluck("id", &ids).Error
	if err != nil {
		return "", fmt.Errorf("failed to check block number %s: %w", blockNumber, err)
	}
	if len(ids) == 0 {
		return "", nil
	}
	return ids[0], nil
}

func upsertBlock(tx *gorm.DB, b *schema.Block) error {
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(blockUpdateColumns),
	}).Create(toBlockModel(b)).Error
	if err != nil {
		return fmt.Errorf("failed to upsert block %s: %w", b.ID, err)
	}
	return nil
}

func insertOperations(tx *gorm.DB, ops []schema.Operation) error {
	for i := range ops {
		if err := deleteTombstone(tx, store.KindOperation, ops[i].ID); err != nil {
			return err
		}
		if err := tx.Create(toOperationModel(&ops[i])).Error; err != nil {
			return fmt.Errorf("failed to insert operation %s: %w", ops[i].ID, err)
		}
	}
	return nil
}

// upsertOperation keeps seq of an existing row.
func upsertOperation(tx *gorm.DB, op *schema.Operation) error {
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(operationUpdateColumns),
	}).Create(toOperationModel(op)).Error
	if err != nil {
		return fmt.Errorf("failed to upsert operation %s: %w", op.ID, err)
	}
	return nil
}

func upsertTombstone(tx *gorm.DB, t store.Tombstone) error {
	var existing tombstoneModel
	err := tx.Where("kind = ? AND id = ?", t.Kind, t.ID).Take(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return fmt.Errorf("failed to read deletion of %s %s: %w", t.Kind, t.ID, err)
	default:
		t.ServerVersion = max(t.ServerVersion, existing.ServerVersion)
	}

	err = tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kind"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"block_id", "server_version", "updated_at"}),
	}).Create(&tombstoneModel{
		Kind:          t.Kind,
		ID:            t.ID,
		BlockID:       t.BlockID,
		ServerVersion: t.ServerVersion,
		UpdatedAt:     t.UpdatedAt.UTC(),
	}).Error
	if err != nil {
		return fmt.Errorf("failed to record deletion of %s %s: %w", t.Kind, t.ID, err)
	}
	return nil
}

func deleteTombstone(tx *gorm.DB, kind, id string) error {
	if err := tx.Where("kind = ? AND id = ?", kind, id).Delete(&tombstoneModel{}).Error; err != nil {
		return fmt.Errorf("failed to clear deletion of %s %s: %w", kind, id, err)
	}
	return nil
}

func versionOf(tx *gorm.DB, model any, where string, args ...any) (*int64, error) {
	var versions []int64
	if err := tx.Model(model).Where(where, args...).Limit(1).Pluck("server_version", &versions).Error; err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, nil
	}
	return &versions[0], nil
}

func blockVersion(tx *gorm.DB, id string) (*int64, error) {
	v, err := versionOf(tx, &blockModel{}, "id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("failed to read block %s: %w", id, err)
	}
	return v, nil
}

func operationVersion(tx *gorm.DB, id string) (*int64, error) {
	v, err := versionOf(tx, &operationModel{}, "id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("failed to read operation %s: %w", id, err)
	}
	return v, nil
}

func tombstoneVersion(tx *gorm.DB, kind, id string) (*int64, error) {
	v, err := versionOf(tx, &tombstoneModel{}, "kind = ? AND id = ?", kind, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read deletion of %s %s: %w", kind, id, err)
	}
	return v, nil
}
