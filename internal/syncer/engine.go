package syncer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/prodline/blocktrack/internal/schema"
	"github.com/prodline/blocktrack/internal/store"
)

// State is a step of the sync state machine.
type State int32

const (
	StateIdle State = iota
	StateCollectingLocal
	StateExchanging
	StateMergingRemote
	StateMarkingSynced
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCollectingLocal:
		return "collecting_local"
	case StateExchanging:
		return "exchanging"
	case StateMergingRemote:
		return "merging_remote"
	case StateMarkingSynced:
		return "marking_synced"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Replica is the local side of a cycle.
type Replica interface {
	GetPendingChanges(ctx context.Context, since *time.Time) (*schema.ChangeSet, error)
	ApplyServerChanges(ctx context.Context, changes *schema.ChangeSet) (schema.ApplyResult, error)
	MarkAsSynced(ctx context.Context, changes *schema.ChangeSet) error
}

// DefaultCursorOverlap is subtracted from the peer clock before it is kept
// as the next cursor, so rows committed while the peer was answering are
// fetched again instead of missed. Re-fetched rows are skipped by version.
const DefaultCursorOverlap = time.Minute

// CycleResult summarizes one successful cycle.
type CycleResult struct {
	SentBlocks         int                `json:"sentBlocks"`
	SentOperations     int                `json:"sentOperations"`
	ReceivedBlocks     int                `json:"receivedBlocks"`
	ReceivedOperations int                `json:"receivedOperations"`
	Rejected           int                `json:"rejected"`
	Merge              schema.ApplyResult `json:"merge"`
	ServerTime         time.Time          `json:"serverTime"`
	Duration           time.Duration      `json:"duration"`
}

// Engine runs sync cycles. Only one cycle runs at a time; concurrent
// callers of Synchronize wait for the running one to finish.
type Engine struct {
	replica   Replica
	cursor    store.CursorStore
	transport Transport
	log       *zap.Logger
	overlap   time.Duration
	now       func() time.Time

	mu      sync.Mutex
	state   atomic.Int32
	lastErr atomic.Pointer[error]
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithCursorOverlap overrides DefaultCursorOverlap.
func WithCursorOverlap(d time.Duration) Option {
	return func(e *Engine) { e.overlap = d }
}

// WithCursorStore persists the cursor in cs. By default the replica is used
// when it implements store.CursorStore.
func WithCursorStore(cs store.CursorStore) Option {
	return func(e *Engine) { e.cursor = cs }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New returns an Engine exchanging replica's changes through transport.
func New(replica Replica, transport Transport, opts ...Option) *Engine {
	e := &Engine{
		replica:   replica,
		transport: transport,
		log:       zap.NewNop(),
		overlap:   DefaultCursorOverlap,
		now:       time.Now,
	}
	if cs, ok := replica.(store.CursorStore); ok {
		e.cursor = cs
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the current step.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// LastError returns the error of the last cycle, or nil if it succeeded.
func (e *Engine) LastError() error {
	if p := e.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (e *Engine) enter(s State) {
	e.state.Store(int32(s))
}

// Synchronize runs one cycle: collect local pending rows, exchange them
// with the peer, merge the peer's rows, then settle what was sent.
func (e *Engine) Synchronize(ctx context.Context) (*CycleResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.now()
	res, err := e.cycle(ctx)
	if err != nil {
		e.enter(StateFailed)
		e.lastErr.Store(&err)
		return nil, err
	}
	res.Duration = e.now().Sub(start)

	e.enter(StateIdle)
	e.lastErr.Store(nil)
	e.log.Debug("sync cycle complete",
		zap.Int("sent_blocks", res.SentBlocks),
		zap.Int("sent_operations", res.SentOperations),
		zap.Int("received_blocks", res.ReceivedBlocks),
		zap.Int("received_operations", res.ReceivedOperations),
		zap.Int("applied", res.Merge.Applied),
		zap.Int("deleted", res.Merge.Deleted),
		zap.Int("skipped", res.Merge.Skipped),
		zap.Int("orphaned", res.Merge.Orphaned),
		zap.Int("rejected", res.Rejected),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

func (e *Engine) cycle(ctx context.Context) (*CycleResult, error) {
	e.enter(StateCollectingLocal)
	local, err := e.replica.GetPendingChanges(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to collect local changes: %w", err)
	}
	local = local.Normalize()

	req := &Request{ChangeSet: *local}
	if e.cursor != nil {
		since, ok, err := e.cursor.LoadCursor(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sync cursor: %w", err)
		}
		if ok {
			req.Since = &since
		}
	}

	e.enter(StateExchanging)
	resp, err := e.transport.Exchange(ctx, req)
	if err != nil {
		return nil, err
	}
	remote := resp.Normalize()

	e.enter(StateMergingRemote)
	merge, err := e.replica.ApplyServerChanges(ctx, remote)
	if err != nil {
		return nil, fmt.Errorf("failed to merge remote changes: %w", err)
	}

	e.enter(StateMarkingSynced)
	settle := local
	if len(resp.Rejected) > 0 {
		e.log.Warn("peer rejected blocks whose number is in use there; they stay pending",
			zap.Strings("blocks", resp.Rejected))
		settle = withoutBlocks(local, resp.Rejected)
	}
	if err := e.replica.MarkAsSynced(ctx, settle); err != nil {
		return nil, fmt.Errorf("failed to mark changes synced: %w", err)
	}

	if e.cursor != nil && !resp.ServerTime.IsZero() {
		// The exchange already committed; a stale cursor only means rows are
		// fetched again next time.
		if err := e.cursor.SaveCursor(ctx, resp.ServerTime.Add(-e.overlap)); err != nil {
			e.log.Warn("failed to save sync cursor", zap.Error(err))
		}
	}

	return &CycleResult{
		SentBlocks:         len(local.Blocks),
		SentOperations:     len(local.Operations),
		ReceivedBlocks:     len(remote.Blocks),
		ReceivedOperations: len(remote.Operations),
		Rejected:           len(resp.Rejected),
		Merge:              merge,
		ServerTime:         resp.ServerTime,
	}, nil
}

// withoutBlocks returns cs minus the blocks named in ids and their
// operations.
func withoutBlocks(cs *schema.ChangeSet, ids []string) *schema.ChangeSet {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	out := schema.NewChangeSet()
	for _, b := range cs.Blocks {
		if b != nil && !drop[b.ID] {
			out.Blocks = append(out.Blocks, b)
		}
	}
	for _, op := range cs.Operations {
		if op != nil && !drop[op.BlockID] {
			out.Operations = append(out.Operations, op)
		}
	}
	return out
}
