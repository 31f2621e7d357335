// Package tracker is the local facade in front of the Record Store. Domain
// rules live here and nowhere else: every write is validated before it
// reaches the store, and every write names the operator performing it.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/prodline/blocktrack/internal/schema"
	"github.com/prodline/blocktrack/internal/store"
)

// Tracker validates and orchestrates writes to a store.Store.
type Tracker struct {
	store   store.Store
	catalog *schema.Catalog
	log     *zap.Logger
	now     func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(t *Tracker) {
		if log != nil {
			t.log = log
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New returns a Tracker over st. A nil catalog means the built-in one.
func New(st store.Store, catalog *schema.Catalog, opts ...Option) *Tracker {
	if catalog == nil {
		catalog = schema.DefaultCatalog()
	}
	t := &Tracker{
		store:   st,
		catalog: catalog,
		log:     zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Store returns the underlying store.
func (t *Tracker) Store() store.Store {
	return t.store
}

// Catalog returns the catalog writes are validated against.
func (t *Tracker) Catalog() *schema.Catalog {
	return t.catalog
}

// GetAllBlocks returns every block with its operations.
func (t *Tracker) GetAllBlocks(ctx context.Context) ([]*schema.Block, error) {
	return t.store.GetAllBlocks(ctx)
}

// GetBlockByID returns one block with its operations.
func (t *Tracker) GetBlockByID(ctx context.Context, id string) (*schema.Block, error) {
	return t.store.GetBlockByID(ctx, id)
}

// GetBlocksByOperator returns the blocks last touched by operator.
func (t *Tracker) GetBlocksByOperator(ctx context.Context, operator string) ([]*schema.Block, error) {
	return t.store.GetBlocksByOperator(ctx, operator)
}

// ExportRecords returns every block with its operations, ready for a
// record file.
func (t *Tracker) ExportRecords(ctx context.Context) ([]*schema.Block, error) {
	return t.store.GetAllBlocks(ctx)
}

// AddBlock validates b and stores it on behalf of operator.
func (t *Tracker) AddBlock(ctx context.Context, operator string, b *schema.Block) (*schema.Block, error) {
	if err := checkOperator(operator); err != nil {
		return nil, err
	}

	if b == nil {
		return nil, missingBlock()
	}
	b = b.Clone()
	ve := &schema.ValidationError{}
	t.normalizeBlock(violations{ve: ve, record: -1}, b, operator, t.now())
	if err := t.checkNumberFree(ctx, violations{ve: ve, record: -1}, b.BlockNumber, b.ID); err != nil {
		return nil, err
	}
	if err := ve.OrNil(); err != nil {
		return nil, err
	}

	stored, err := t.store.AddBlock(ctx, b)
	if err != nil {
		return nil, err
	}
	t.log.Info("block added",
		zap.String("id", stored.ID),
		zap.String("block_number", stored.BlockNumber),
		zap.String("operator", operator),
	)
	return stored, nil
}

// UpdateBlock validates fields and replaces the block's mutable fields. A
// non-nil fields.Operations replaces the whole operation list.
func (t *Tracker) UpdateBlock(ctx context.Context, operator, id string, fields *schema.Block) (*schema.Block, error) {
	if err := checkOperator(operator); err != nil {
		return nil, err
	}

	if fields == nil {
		return nil, missingBlock()
	}
	fields = fields.Clone()
	ve := &schema.ValidationError{}
	t.normalizeBlock(violations{ve: ve, record: -1}, fields, operator, t.now())
	if err := t.checkNumberFree(ctx, violations{ve: ve, record: -1}, fields.BlockNumber, id); err != nil {
		return nil, err
	}
	if err := ve.OrNil(); err != nil {
		return nil, err
	}

	stored, err := t.store.UpdateBlock(ctx, id, fields)
	if err != nil {
		return nil, err
	}
	t.log.Info("block updated",
		zap.String("id", id),
		zap.Int64("server_version", stored.ServerVersion),
		zap.String("operator", operator),
	)
	return stored, nil
}

// AppendOperation records one more operation on a block and returns the
// block with its full operation list.
func (t *Tracker) AppendOperation(ctx context.Context, operator, blockID string, op schema.Operation) (*schema.Block, error) {
	if err := checkOperator(operator); err != nil {
		return nil, err
	}

	current, err := t.store.GetBlockByID(ctx, blockID)
	if err != nil {
		return nil, err
	}

	fields := current.Clone()
	fields.Operations = append(fields.Operations, op)
	if _, err := t.UpdateBlock(ctx, operator, blockID, fields); err != nil {
		return nil, err
	}
	return t.store.GetBlockByID(ctx, blockID)
}

// DeleteBlock removes a block and its operations. Deleting a missing block
// is not an error.
func (t *Tracker) DeleteBlock(ctx context.Context, operator, id string) error {
	if err := checkOperator(operator); err != nil {
		return err
	}
	if err := t.store.DeleteBlock(ctx, id); err != nil {
		return err
	}
	t.log.Info("block deleted", zap.String("id", id), zap.String("operator", operator))
	return nil
}

// BlockStatus derives the production status of b from its operations.
// A block is completed once every catalog operation has a successful
// latest attempt.
func (t *Tracker) BlockStatus(b *schema.Block) schema.Status {
	ops := slices.Clone(b.Operations)
	slices.SortStableFunc(ops, func(a, b schema.Operation) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return schema.DeriveStatus(ops, t.catalog.Operations)
}

// checkNumberFree flags blockNumber when another block already holds it.
// Store errors are returned as is.
func (t *Tracker) checkNumberFree(ctx context.Context, v violations, blockNumber, id string) error {
	if blockNumber == "" {
		return nil
	}
	holder, err := t.store.FindBlockByNumber(ctx, blockNumber)
	if errors.Is(err, schema.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check block number %s: %w", blockNumber, err)
	}
	if holder.ID != id {
		v.add("blockNumber", "block number %s already exists", blockNumber)
	}
	return nil
}
