package relational

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/prodline/blocktrack/internal/schema"
	"github.com/prodline/blocktrack/internal/store"
)

// GetPendingChanges returns the rows not yet synced plus pending deletions.
func (s *Store) GetPendingChanges(ctx context.Context, since *time.Time) (*schema.ChangeSet, error) {
	changes := schema.NewChangeSet()

	err := s.readTx(ctx, "get pending changes", func(tx *gorm.DB) error {
		pending := func(model any) *gorm.DB {
			q := tx.Model(model).Where("sync_status <> ?", string(schema.SyncSynced))
			if since != nil {
				q = q.Where("updated_at > ?", since.UTC())
			}
			return q
		}

		var blocks []blockModel
		if err := pending(&blockModel{}).Order("updated_at ASC, id ASC").Find(&blocks).Error; err != nil {
			return fmt.Errorf("failed to query pending blocks: %w", err)
		}
		var ops []operationModel
		if err := pending(&operationModel{}).Order("seq ASC").Find(&ops).Error; err != nil {
			return fmt.Errorf("failed to query pending operations: %w", err)
		}

		tq := tx.Model(&tombstoneModel{})
		if since != nil {
			tq = tq.Where("updated_at > ?", since.UTC())
		}
		var tombs []tombstoneModel
		if err := tq.Order("updated_at ASC, id ASC").Find(&tombs).Error; err != nil {
			return fmt.Errorf("failed to query tombstones: %w", err)
		}

		for i := range blocks {
			changes.Blocks = append(changes.Blocks, blocks[i].toBlock())
		}
		for i := range ops {
			op := ops[i].toOperation()
			changes.Operations = append(changes.Operations, &op)
		}
		for i := range tombs {
			t := toTombstone(&tombs[i])
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

// ApplyServerChanges merges rows from the other peer: block deletions,
// then live blocks, then operations.
func (s *Store) ApplyServerChanges(ctx context.Context, changes *schema.ChangeSet) (schema.ApplyResult, error) {
	var result schema.ApplyResult
	if changes.Empty() {
		return result, nil
	}

	err := s.writeTx(ctx, "apply server changes", func(tx *gorm.DB) error {
		result = schema.ApplyResult{}
		for _, b := range store.ApplyOrder(changes.Blocks) {
			r, err := applyBlock(tx, b)
			if err != nil {
				return err
			}
			result.Add(r)
		}
		for _, op := range changes.Operations {
			r, err := applyOperation(tx, op)
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

	s.log.Debug("applied client changes",
		zap.Int("applied", result.Applied),
		zap.Int("deleted", result.Deleted),
		zap.Int("skipped", result.Skipped),
		zap.Int("orphaned", result.Orphaned),
		zap.Strings("conflicts", result.Conflicts),
	)
	return result, nil
}

func applyBlock(tx *gorm.DB, b *schema.Block) (schema.ApplyResult, error) {
	if b == nil || b.ID == "" {
		return schema.ApplyResult{Skipped: 1}, nil
	}

	local, err := blockVersion(tx, b.ID)
	if err != nil {
		return schema.ApplyResult{}, err
	}

	if b.SyncStatus == schema.SyncDeleted {
		if local == nil || !schema.Supersedes(b.ServerVersion, *local) {
			return schema.ApplyResult{Skipped: 1}, nil
		}
		if err := purgeBlock(tx, b.ID); err != nil {
			return schema.ApplyResult{}, err
		}
		return schema.ApplyResult{Deleted: 1}, nil
	}

	tomb, err := tombstoneVersion(tx, store.KindBlock, b.ID)
	if err != nil {
		return schema.ApplyResult{}, err
	}
	if !store.Admit(b.ServerVersion, local, tomb) {
		return schema.ApplyResult{Skipped: 1}, nil
	}

	holder, err := numberHolder(tx, b.BlockNumber, b.ID)
	if err != nil {
		return schema.ApplyResult{}, err
	}
	if holder != "" {
		return schema.ApplyResult{Skipped: 1, Conflicts: []string{b.ID}}, nil
	}

	if tomb != nil {
		if err := deleteTombstone(tx, store.KindBlock, b.ID); err != nil {
			return schema.ApplyResult{}, err
		}
	}
	if err := upsertBlock(tx, store.Synced(b)); err != nil {
		return schema.ApplyResult{}, err
	}
	return schema.ApplyResult{Applied: 1}, nil
}

func applyOperation(tx *gorm.DB, op *schema.Operation) (schema.ApplyResult, error) {
	if op == nil || op.ID == "" {
		return schema.ApplyResult{Skipped: 1}, nil
	}

	local, err := operationVersion(tx, op.ID)
	if err != nil {
		return schema.ApplyResult{}, err
	}

	if op.SyncStatus == schema.SyncDeleted {
		if local == nil || !schema.Supersedes(op.ServerVersion, *local) {
			return schema.ApplyResult{Skipped: 1}, nil
		}
		if err := tx.Where("id = ?", op.ID).Delete(&operationModel{}).Error; err != nil {
			return schema.ApplyResult{}, fmt.Errorf("failed to delete operation %s: %w", op.ID, err)
		}
		return schema.ApplyResult{Deleted: 1}, nil
	}

	parent, err := blockVersion(tx, op.BlockID)
	if err != nil {
		return schema.ApplyResult{}, err
	}
	if parent == nil {
		return schema.ApplyResult{Orphaned: 1}, nil
	}

	tomb, err := tombstoneVersion(tx, store.KindOperation, op.ID)
	if err != nil {
		return schema.ApplyResult{}, err
	}
	if !store.Admit(op.ServerVersion, local, tomb) {
		return schema.ApplyResult{Skipped: 1}, nil
	}

	if tomb != nil {
		if err := deleteTombstone(tx, store.KindOperation, op.ID); err != nil {
			return schema.ApplyResult{}, err
		}
	}
	row := store.SyncedOperation(op)
	if err := upsertOperation(tx, &row); err != nil {
		return schema.ApplyResult{}, err
	}
	return schema.ApplyResult{Applied: 1}, nil
}

// MarkAsSynced settles the rows of an exchanged change set whose version
// is unchanged, and drops tombstones covered by an exchanged deletion.
func (s *Store) MarkAsSynced(ctx context.Context, changes *schema.ChangeSet) error {
	if changes.Empty() {
		return nil
	}

	return s.writeTx(ctx, "mark as synced", func(tx *gorm.DB) error {
		for _, b := range changes.Blocks {
			if err := markRow(tx, &blockModel{}, store.KindBlock, b.ID, b.SyncStatus, b.ServerVersion); err != nil {
				return err
			}
		}
		for _, op := range changes.Operations {
			if err := markRow(tx, &operationModel{}, store.KindOperation, op.ID, op.SyncStatus, op.ServerVersion); err != nil {
				return err
			}
		}
		return nil
	})
}

func markRow(tx *gorm.DB, model any, kind, id string, status schema.SyncStatus, v int64) error {
	if status == schema.SyncDeleted {
		err := tx.Where("kind = ? AND id = ? AND server_version <= ?", kind, id, v).Delete(&tombstoneModel{}).Error
		if err != nil {
			return fmt.Errorf("failed to settle deletion of %s %s: %w", kind, id, err)
		}
		return nil
	}

	err := tx.Model(model).
		Where("id = ? AND server_version = ? AND sync_status = ?", id, v, string(schema.SyncPending)).
		Update("sync_status", string(schema.SyncSynced)).Error
	if err != nil {
		return fmt.Errorf("failed to mark %s %s synced: %w", kind, id, err)
	}
	return nil
}

// CheckConsistency reports referential integrity violations.
func (s *Store) CheckConsistency(ctx context.Context) (*store.ConsistencyReport, error) {
	report := &store.ConsistencyReport{}

	err := s.readTx(ctx, "check consistency", func(tx *gorm.DB) error {
		var blocks, ops, tombs int64
		if err := tx.Model(&blockModel{}).Count(&blocks).Error; err != nil {
			return fmt.Errorf("failed to count blocks: %w", err)
		}
		if err := tx.Model(&operationModel{}).Count(&ops).Error; err != nil {
			return fmt.Errorf("failed to count operations: %w", err)
		}
		if err := tx.Model(&tombstoneModel{}).Count(&tombs).Error; err != nil {
			return fmt.Errorf("failed to count tombstones: %w", err)
		}
		report.Blocks, report.Operations, report.Tombstones = int(blocks), int(ops), int(tombs)

		err := tx.Model(&operationModel{}).
			Where("block_id NOT IN (?)", tx.Model(&blockModel{}).Select("id")).
			Order("seq ASC").
			Pluck("id", &report.OrphanOperations).Error
		if err != nil {
			return fmt.Errorf("failed to find orphan operations: %w", err)
		}

		var shadowedBlocks, shadowedOps []string
		err = tx.Model(&tombstoneModel{}).
			Where("kind = ? AND id IN (?)", store.KindBlock, tx.Model(&blockModel{}).Select("id")).
			Pluck("id", &shadowedBlocks).Error
		if err != nil {
			return fmt.Errorf("failed to find shadowed blocks: %w", err)
		}
		err = tx.Model(&tombstoneModel{}).
			Where("kind = ? AND id IN (?)", store.KindOperation, tx.Model(&operationModel{}).Select("id")).
			Pluck("id", &shadowedOps).Error
		if err != nil {
			return fmt.Errorf("failed to find shadowed operations: %w", err)
		}
		report.ShadowedRows = append(shadowedBlocks, shadowedOps...)

		err = tx.Model(&blockModel{}).
			Group("block_number").
			Having("COUNT(*) > 1").
			Order("block_number").
			Pluck("block_number", &report.DuplicateBlockNumbers).Error
		if err != nil {
			return fmt.Errorf("failed to find duplicate block numbers: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}
