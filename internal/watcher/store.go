package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StoreWatcher watches a vector store base path and its collection
// directories. Lock files and temp files written during a persist are
// ignored.
type StoreWatcher struct {
	fsw       *fsnotify.Watcher
	base      string
	debouncer *Debouncer
	changes   chan []Change
	errors    chan error
	stopCh    chan struct{}
	wg        sync.WaitGroup

	mu             sync.Mutex
	started        bool
	stopped        bool
	droppedBatches atomic.Uint64
}

// NewStoreWatcher creates a watcher for base. Nothing is watched until Start.
func NewStoreWatcher(base string, opts Options) (*StoreWatcher, error) {
	opts = opts.WithDefaults()

	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve absolute path: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &StoreWatcher{
		fsw:       fsw,
		base:      abs,
		debouncer: NewDebouncer(opts.DebounceWindow, opts.BufferSize),
		changes:   make(chan []Change, opts.BufferSize),
		errors:    make(chan error, 10),
		stopCh:    make(chan struct{}),
	}, nil
}

// Start registers watches on the base path and every existing collection
// directory, then processes events in the background until ctx is done or
// Stop is called. It returns once the watches are in place.
func (w *StoreWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return fmt.Errorf("watcher stopped")
	}
	if w.started {
		w.mu.Unlock()
		return fmt.Errorf("watcher already started")
	}
	w.started = true
	w.mu.Unlock()

	if err := os.MkdirAll(w.base, 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	if err := w.fsw.Add(w.base); err != nil {
		return fmt.Errorf("watch %s: %w", w.base, err)
	}
	entries, err := os.ReadDir(w.base)
	if err != nil {
		return fmt.Errorf("read %s: %w", w.base, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			w.addDir(filepath.Join(w.base, e.Name()))
		}
	}

	w.wg.Add(2)
	go w.loop(ctx)
	go w.forward(ctx)

	slog.Debug("store_watch_started",
		slog.String("base", w.base),
		slog.Int("collections", len(entries)))
	return nil
}

func (w *StoreWatcher) addDir(dir string) {
	if err := w.fsw.Add(dir); err != nil {
		slog.Warn("store_watch_add_failed",
			slog.String("dir", dir),
			slog.String("error", err.Error()))
	}
}

func (w *StoreWatcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.emitError(err)
		}
	}
}

// handle maps one fsnotify event to a collection change.
func (w *StoreWatcher) handle(event fsnotify.Event) {
	rel, err := filepath.Rel(w.base, event.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	collection := parts[0]
	if ignoredName(collection) {
		return
	}

	var op Operation
	if len(parts) == 1 {
		// The collection directory itself.
		switch {
		case event.Op&fsnotify.Create != 0:
			info, err := os.Stat(event.Name)
			if err != nil || !info.IsDir() {
				return
			}
			w.addDir(event.Name)
			op = OpCreate
		case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
			op = OpRemove
		default:
			return
		}
	} else {
		if ignoredName(parts[len(parts)-1]) {
			return
		}
		switch {
		case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
			op = OpWrite
		case event.Op&fsnotify.Remove != 0:
			op = OpRemove
		default:
			return
		}
	}

	w.debouncer.Add(Change{
		Collection: collection,
		Operation:  op,
		Timestamp:  time.Now(),
	})
}

// ignoredName reports hidden files (the lock file) and persist temp files.
func ignoredName(name string) bool {
	return strings.HasPrefix(name, ".") || strings.Contains(name, ".tmp-")
}

func (w *StoreWatcher) forward(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case batch, ok := <-w.debouncer.Output():
			if !ok {
				return
			}
			select {
			case w.changes <- batch:
			default:
				count := w.droppedBatches.Add(1)
				slog.Warn("store_watch_buffer_full",
					slog.Int("batch_size", len(batch)),
					slog.Uint64("total_dropped_batches", count))
			}
		}
	}
}

func (w *StoreWatcher) emitError(err error) {
	select {
	case w.errors <- err:
	default:
	}
}

// Changes returns the channel of debounced change batches. It is closed by
// Stop.
func (w *StoreWatcher) Changes() <-chan []Change {
	return w.changes
}

// Errors returns non-fatal watcher errors. It is closed by Stop.
func (w *StoreWatcher) Errors() <-chan error {
	return w.errors
}

// DroppedBatches returns how many batches were dropped because the
// consumer fell behind.
func (w *StoreWatcher) DroppedBatches() uint64 {
	return w.droppedBatches.Load()
}

// Stop releases the fsnotify watcher and closes the output channels. Safe
// to call multiple times.
func (w *StoreWatcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	w.mu.Unlock()

	err := w.fsw.Close()
	w.wg.Wait()
	w.debouncer.Stop()
	close(w.changes)
	close(w.errors)
	return err
}
