package tracker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/prodline/blocktrack/internal/schema"
)

// ImportRecords stores a batch of records on behalf of operator, all or
// nothing. Every record is validated first and the returned
// *schema.ValidationError lists the problems of every failing record, not
// just the first one. Nothing is written unless the whole batch is valid.
func (t *Tracker) ImportRecords(ctx context.Context, operator string, records []*schema.Block) ([]*schema.Block, error) {
	if err := checkOperator(operator); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	now := t.now()
	batch := make([]*schema.Block, 0, len(records))
	numbers := make(map[string]int, len(records))
	ids := make(map[string]int, len(records))

	var errs error
	for i, r := range records {
		ve := &schema.ValidationError{}
		v := violations{ve: ve, record: i}

		if r == nil {
			v.add("record", "is empty")
			errs = multierr.Append(errs, ve)
			continue
		}

		b := r.Clone()
		t.normalizeBlock(v, b, operator, now)

		if b.BlockNumber != "" {
			if first, dup := numbers[b.BlockNumber]; dup {
				v.add("blockNumber", "block number %s repeats record %d", b.BlockNumber, first+1)
			} else {
				numbers[b.BlockNumber] = i
				if err := t.checkNumberFree(ctx, v, b.BlockNumber, b.ID); err != nil {
					return nil, err
				}
			}
		}
		if b.ID != "" {
			if first, dup := ids[b.ID]; dup {
				v.add("id", "id %s repeats record %d", b.ID, first+1)
			} else {
				ids[b.ID] = i
				if err := t.checkIDFree(ctx, v, b.ID); err != nil {
					return nil, err
				}
			}
		}

		errs = multierr.Append(errs, ve.OrNil())
		batch = append(batch, b)
	}

	if errs != nil {
		combined := &schema.ValidationError{}
		for _, err := range multierr.Errors(errs) {
			var ve *schema.ValidationError
			if errors.As(err, &ve) {
				combined.Fields = append(combined.Fields, ve.Fields...)
			}
		}
		t.log.Warn("import rejected",
			zap.Int("records", len(records)),
			zap.Ints("failing_records", combined.Records()),
		)
		return nil, combined
	}

	stored, err := t.store.AddBlocks(ctx, batch)
	if err != nil {
		return nil, err
	}
	t.log.Info("records imported", zap.Int("count", len(stored)), zap.String("operator", operator))
	return stored, nil
}

func (t *Tracker) checkIDFree(ctx context.Context, v violations, id string) error {
	_, err := t.store.GetBlockByID(ctx, id)
	if errors.Is(err, schema.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check block %s: %w", id, err)
	}
	v.add("id", "block %s already exists", id)
	return nil
}
