// Package peer is the remote side of the sync protocol: a durable store
// that clients exchange pending rows with, plus a small read and import
// API over the same data.
package peer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/prodline/blocktrack/internal/schema"
	"github.com/prodline/blocktrack/internal/store"
	"github.com/prodline/blocktrack/internal/syncer"
	"github.com/prodline/blocktrack/internal/tracker"
)

// Service applies client exchanges to the peer store.
type Service struct {
	store   store.Store
	tracker *tracker.Tracker
	hub     *Hub
	log     *zap.Logger
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithHub publishes exchanges on hub.
func WithHub(hub *Hub) Option {
	return func(s *Service) { s.hub = hub }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService returns a Service over st. Imports and reads go through a
// tracker validating against catalog; nil means the built-in catalog.
func NewService(st store.Store, catalog *schema.Catalog, opts ...Option) *Service {
	s := &Service{
		store: st,
		log:   zap.NewNop(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.tracker = tracker.New(st, catalog, tracker.WithLogger(s.log))
	return s
}

// Tracker returns the facade used for reads and imports.
func (s *Service) Tracker() *tracker.Tracker {
	return s.tracker
}

// Sync applies the client's rows with the version-wins rule, settles them,
// then returns the peer's own pending rows updated after req.Since.
func (s *Service) Sync(ctx context.Context, req *syncer.Request) (*syncer.Response, error) {
	in := req.ChangeSet
	in.Normalize()

	merge, err := s.store.ApplyServerChanges(ctx, &in)
	if err != nil {
		return nil, fmt.Errorf("failed to apply client changes: %w", err)
	}
	if err := s.store.MarkAsSynced(ctx, &in); err != nil {
		return nil, fmt.Errorf("failed to mark client changes synced: %w", err)
	}

	serverTime := s.now().UTC()
	out, err := s.store.GetPendingChanges(ctx, req.Since)
	if err != nil {
		return nil, fmt.Errorf("failed to collect pending changes: %w", err)
	}

	if len(merge.Conflicts) > 0 {
		s.log.Warn("rejected client blocks with a block number already in use",
			zap.Strings("blocks", merge.Conflicts))
	}
	s.log.Info("sync exchange",
		zap.Int("received", in.Len()),
		zap.Int("applied", merge.Applied),
		zap.Int("deleted", merge.Deleted),
		zap.Int("skipped", merge.Skipped),
		zap.Int("orphaned", merge.Orphaned),
		zap.Int("returned", out.Len()),
	)
	if s.hub != nil && merge.Applied+merge.Deleted > 0 {
		s.hub.Publish(MessageSyncApplied, SyncAppliedData{
			ReceivedBlocks:     len(in.Blocks),
			ReceivedOperations: len(in.Operations),
			Applied:            merge.Applied,
			Deleted:            merge.Deleted,
			Skipped:            merge.Skipped,
			Orphaned:           merge.Orphaned,
			Returned:           out.Len(),
		})
	}

	return &syncer.Response{ChangeSet: *out, ServerTime: serverTime, Rejected: merge.Conflicts}, nil
}
