package tracker

import (
	"context"
	"time"

	"github.com/prodline/blocktrack/internal/schema"
)

// MaxRepresentativeGap is the longest gap between two consecutive
// operations of a block that still counts toward average durations.
const MaxRepresentativeGap = 4 * time.Hour

// UnknownExecutor attributes operations with neither an executor nor a
// block operator.
const UnknownExecutor = "unknown"

// OperationStats aggregates one operation name.
type OperationStats struct {
	Total           int           `json:"total"`
	Success         int           `json:"success"`
	Failed          int           `json:"failed"`
	AverageDuration time.Duration `json:"averageDuration"`

	durationSum   time.Duration
	durationCount int
}

// Stats summarizes the blocks dated inside a window.
type Stats struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	TotalBlocks          int `json:"totalBlocks"`
	TotalOperations      int `json:"totalOperations"`
	SuccessfulOperations int `json:"successfulOperations"`
	FailedOperations     int `json:"failedOperations"`

	ByOperator  map[string]int             `json:"byOperator"`
	ByOperation map[string]*OperationStats `json:"byOperation"`

	AverageDuration time.Duration `json:"averageDuration"`
}

// InWindow reports whether t lies in [start, end]. A zero bound is open.
func InWindow(t, start, end time.Time) bool {
	if !start.IsZero() && t.Before(start) {
		return false
	}
	if !end.IsZero() && t.After(end) {
		return false
	}
	return true
}

// GetOperationsStats aggregates every block whose date lies in
// [start, end]. Durations are measured between each operation and the one
// recorded before it in the same block; non-positive gaps and gaps of
// MaxRepresentativeGap or more are ignored.
func (t *Tracker) GetOperationsStats(ctx context.Context, start, end time.Time) (*Stats, error) {
	blocks, err := t.store.GetAllBlocks(ctx)
	if err != nil {
		return nil, err
	}
	return ComputeStats(blocks, start, end), nil
}

// ComputeStats is GetOperationsStats over an in-memory list of blocks.
func ComputeStats(blocks []*schema.Block, start, end time.Time) *Stats {
	s := &Stats{
		Start:       start,
		End:         end,
		ByOperator:  make(map[string]int),
		ByOperation: make(map[string]*OperationStats),
	}

	var sum time.Duration
	var count int

	for _, b := range blocks {
		if !InWindow(b.EffectiveDate(), start, end) {
			continue
		}
		s.TotalBlocks++

		ops := b.Operations
		for i, op := range ops {
			s.TotalOperations++
			if op.Success {
				s.SuccessfulOperations++
			} else {
				s.FailedOperations++
			}
			s.ByOperator[attribute(b, op)]++

			agg := s.ByOperation[op.Name]
			if agg == nil {
				agg = &OperationStats{}
				s.ByOperation[op.Name] = agg
			}
			agg.Total++
			if op.Success {
				agg.Success++
			} else {
				agg.Failed++
			}

			if i == 0 {
				continue
			}
			gap := op.Timestamp.Sub(ops[i-1].Timestamp)
			if gap <= 0 || gap >= MaxRepresentativeGap {
				continue
			}
			agg.durationSum += gap
			agg.durationCount++
			sum += gap
			count++
		}
	}

	for _, agg := range s.ByOperation {
		if agg.durationCount > 0 {
			agg.AverageDuration = agg.durationSum / time.Duration(agg.durationCount)
		}
	}
	if count > 0 {
		s.AverageDuration = sum / time.Duration(count)
	}
	return s
}

func attribute(b *schema.Block, op schema.Operation) string {
	switch {
	case op.Executor != "":
		return op.Executor
	case b.Operator != "":
		return b.Operator
	default:
		return UnknownExecutor
	}
}
