package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/prodline/blocktrack/internal/schema"
)

// Importer stores a batch of records all or nothing.
type Importer interface {
	ImportRecords(ctx context.Context, operator string, records []*schema.Block) ([]*schema.Block, error)
}

// Inbox subdirectories.
const (
	ProcessedDir = "processed"
	RejectedDir  = "rejected"
)

// InboxConfig holds configuration for the import inbox.
type InboxConfig struct {
	// Dir is watched for *.json, *.yaml and *.yml record files
	Dir string

	// Operator is recorded as the acting operator of every import
	Operator string

	// Debounce is how long a file must stay quiet before it is imported
	Debounce time.Duration

	// Logger for inbox activity
	Logger *zap.Logger
}

// Inbox imports record files dropped into a directory. A file is imported
// as one all-or-nothing batch, then moved to processed/, or to rejected/
// next to a .err note explaining why.
type Inbox struct {
	importer Importer
	config   InboxConfig
	log      *zap.Logger

	queue   map[string]time.Time // path -> last event
	queueMu sync.Mutex
}

// NewInbox creates an inbox. Call Run to start watching.
func NewInbox(importer Importer, config InboxConfig) (*Inbox, error) {
	if importer == nil {
		return nil, fmt.Errorf("importer cannot be nil")
	}
	if config.Dir == "" {
		return nil, fmt.Errorf("inbox dir cannot be empty")
	}
	if config.Operator == "" {
		return nil, fmt.Errorf("inbox operator cannot be empty")
	}
	if config.Debounce <= 0 {
		config.Debounce = 500 * time.Millisecond
	}
	log := config.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Inbox{
		importer: importer,
		config:   config,
		log:      log,
		queue:    make(map[string]time.Time),
	}, nil
}

// Run imports the files already waiting, then watches for new ones until
// ctx is cancelled.
func (in *Inbox) Run(ctx context.Context) error {
	for _, sub := range []string{"", ProcessedDir, RejectedDir} {
		if err := os.MkdirAll(filepath.Join(in.config.Dir, sub), 0o755); err != nil {
			return fmt.Errorf("failed to create inbox directory: %w", err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(in.config.Dir); err != nil {
		return fmt.Errorf("failed to watch inbox %s: %w", in.config.Dir, err)
	}
	in.log.Info("watching inbox", zap.String("dir", in.config.Dir))

	if err := in.ProcessPending(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(in.config.Debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !in.accepts(event.Name) {
				continue
			}
			in.enqueue(event.Name)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			in.log.Warn("inbox watcher error", zap.Error(err))

		case <-ticker.C:
			in.processQueue(ctx)
		}
	}
}

// ProcessPending imports every record file currently in the inbox, in name
// order.
func (in *Inbox) ProcessPending(ctx context.Context) error {
	entries, err := os.ReadDir(in.config.Dir)
	if err != nil {
		return fmt.Errorf("failed to read inbox: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		path := filepath.Join(in.config.Dir, entry.Name())
		if entry.IsDir() || !in.accepts(path) {
			continue
		}
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		_ = in.ProcessFile(ctx, path)
	}
	return nil
}

// ProcessFile imports one record file and moves it out of the inbox. It
// returns the import error, if any, after the file has been rejected.
func (in *Inbox) ProcessFile(ctx context.Context, path string) error {
	name := filepath.Base(path)

	records, err := schema.ReadRecordFile(path)
	if err == nil {
		var stored []*schema.Block
		stored, err = in.importer.ImportRecords(ctx, in.config.Operator, records)
		if err == nil {
			in.log.Info("inbox file imported", zap.String("file", name), zap.Int("blocks", len(stored)))
			if mvErr := in.move(path, ProcessedDir); mvErr != nil {
				in.log.Warn("failed to move imported file", zap.String("file", name), zap.Error(mvErr))
			}
			return nil
		}
	}

	in.log.Warn("inbox file rejected", zap.String("file", name), zap.Error(err))
	if mvErr := in.reject(path, err); mvErr != nil {
		in.log.Warn("failed to move rejected file", zap.String("file", name), zap.Error(mvErr))
	}
	return err
}

func (in *Inbox) accepts(path string) bool {
	return filepath.Dir(path) == filepath.Clean(in.config.Dir) && schema.IsRecordFile(path)
}

func (in *Inbox) enqueue(path string) {
	in.queueMu.Lock()
	defer in.queueMu.Unlock()
	in.queue[path] = time.Now()
}

// processQueue imports files that have been quiet for the debounce interval.
func (in *Inbox) processQueue(ctx context.Context) {
	in.queueMu.Lock()
	now := time.Now()
	var ready []string
	for path, last := range in.queue {
		if now.Sub(last) < in.config.Debounce {
			continue
		}
		ready = append(ready, path)
		delete(in.queue, path)
	}
	in.queueMu.Unlock()

	sort.Strings(ready)
	for _, path := range ready {
		// A file moved away by an earlier pass leaves a stale event behind.
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		_ = in.ProcessFile(ctx, path)
	}
}

func (in *Inbox) reject(path string, cause error) error {
	dest, err := in.destination(path, RejectedDir)
	if err != nil {
		return err
	}
	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("failed to move %s: %w", path, err)
	}
	note := []byte(cause.Error() + "\n")
	if err := os.WriteFile(dest+".err", note, 0o644); err != nil {
		return fmt.Errorf("failed to write rejection note: %w", err)
	}
	return nil
}

func (in *Inbox) move(path, sub string) error {
	dest, err := in.destination(path, sub)
	if err != nil {
		return err
	}
	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("failed to move %s: %w", path, err)
	}
	return nil
}

// destination picks a free name for path inside sub, suffixing a timestamp
// when a file with the same name was handled before.
func (in *Inbox) destination(path, sub string) (string, error) {
	dir := filepath.Join(in.config.Dir, sub)
	name := filepath.Base(path)
	dest := filepath.Join(dir, name)

	if _, err := os.Stat(dest); os.IsNotExist(err) {
		return dest, nil
	} else if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", dest, err)
	}

	ext := filepath.Ext(name)
	stamp := time.Now().UTC().Format("20060102T150405.000000000")
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", name[:len(name)-len(ext)], stamp, ext)), nil
}
