// Package daemon keeps the local store in step with the remote peer.
//
// The daemon:
// 1. Runs a sync cycle on a fixed interval
// 2. Backs off exponentially while the peer is unreachable
// 3. Serves manual "sync now" requests with an explicit status
// 4. Optionally imports record files dropped into an inbox directory
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/prodline/blocktrack/internal/syncer"
)

// Syncer runs one sync cycle.
type Syncer interface {
	Synchronize(ctx context.Context) (*syncer.CycleResult, error)
}

// Config holds configuration for the daemon.
type Config struct {
	// Interval between two periodic cycles
	Interval time.Duration

	// BackoffMax caps the delay after consecutive failures
	BackoffMax time.Duration

	// Logger for daemon activity
	Logger *zap.Logger
}

// DefaultConfig returns the stock schedule.
func DefaultConfig() *Config {
	return &Config{
		Interval:   30 * time.Second,
		BackoffMax: 5 * time.Minute,
		Logger:     zap.NewNop(),
	}
}

// SyncState is the outcome of the last cycle.
type SyncState string

const (
	SyncNever SyncState = "never"
	SyncOK    SyncState = "ok"
	SyncError SyncState = "error"
)

// Status describes the last cycle, periodic or manual.
type Status struct {
	State               SyncState           `json:"state"`
	LastAttempt         time.Time           `json:"lastAttempt"`
	LastSuccess         time.Time           `json:"lastSuccess"`
	LastError           string              `json:"lastError,omitempty"`
	ConsecutiveFailures int                 `json:"consecutiveFailures"`
	NextDelay           time.Duration       `json:"nextDelay"`
	LastResult          *syncer.CycleResult `json:"lastResult,omitempty"`
}

// Daemon schedules sync cycles.
type Daemon struct {
	engine Syncer
	config *Config
	log    *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	statusMu sync.Mutex
	status   Status
}

// New creates a daemon around s. A nil config means DefaultConfig.
func New(s Syncer, config *Config) (*Daemon, error) {
	if s == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", config.Interval)
	}
	if config.BackoffMax < config.Interval {
		config.BackoffMax = config.Interval
	}
	log := config.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Daemon{
		engine: s,
		config: config,
		log:    log,
		status: Status{State: SyncNever, NextDelay: config.Interval},
	}, nil
}

// Start launches the periodic loop. Calling Start on a running daemon is a
// no-op; there is never more than one loop.
func (d *Daemon) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running = true

	go d.loop(ctx, d.done)
	d.log.Info("sync scheduler started", zap.Duration("interval", d.config.Interval))
}

// Stop ends the periodic loop and waits for a running cycle to finish.
// Stopping a stopped daemon is a no-op.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	cancel()
	<-done
	d.log.Info("sync scheduler stopped")
}

// IsRunning reports whether the periodic loop is active.
func (d *Daemon) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Status returns a snapshot of the last cycle.
func (d *Daemon) Status() Status {
	d.statusMu.Lock()
	defer d.statusMu.Unlock()
	return d.status
}

// SyncNow runs a cycle immediately and returns its status. Unlike periodic
// cycles, the error is returned to the caller.
func (d *Daemon) SyncNow(ctx context.Context) (Status, error) {
	err := d.runCycle(ctx)
	return d.Status(), err
}

// Run starts the scheduler and, when inbox is not nil, the inbox watcher,
// and blocks until ctx is cancelled or the watcher fails.
func (d *Daemon) Run(ctx context.Context, inbox *Inbox) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d.Start()
		<-ctx.Done()
		d.Stop()
		return nil
	})
	if inbox != nil {
		g.Go(func() error {
			return inbox.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (d *Daemon) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(d.config.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := d.runCycle(ctx); err != nil && ctx.Err() == nil {
				st := d.Status()
				d.log.Warn("periodic sync failed",
					zap.Error(err),
					zap.Int("consecutive_failures", st.ConsecutiveFailures),
					zap.Duration("retry_in", st.NextDelay),
				)
			}
			timer.Reset(d.Status().NextDelay)
		}
	}
}

func (d *Daemon) runCycle(ctx context.Context) error {
	res, err := d.engine.Synchronize(ctx)

	d.statusMu.Lock()
	defer d.statusMu.Unlock()

	now := time.Now()
	d.status.LastAttempt = now
	if err != nil {
		d.status.State = SyncError
		d.status.LastError = err.Error()
		d.status.ConsecutiveFailures++
	} else {
		d.status.State = SyncOK
		d.status.LastError = ""
		d.status.LastSuccess = now
		d.status.ConsecutiveFailures = 0
		d.status.LastResult = res
	}
	d.status.NextDelay = NextDelay(d.config.Interval, d.config.BackoffMax, d.status.ConsecutiveFailures)
	return err
}

// NextDelay returns the wait before the next periodic cycle: interval after
// a success, doubling with each consecutive failure up to ceiling.
func NextDelay(interval, ceiling time.Duration, failures int) time.Duration {
	delay := interval
	for range failures {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	return delay
}
