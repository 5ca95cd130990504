package watcher

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Debouncer coalesces rapid changes per collection. Changes for the same
// collection within the window are merged according to these rules:
//   - CREATE + WRITE = CREATE (collection is still new)
//   - CREATE + REMOVE = nothing (collection never really existed)
//   - REMOVE + CREATE = WRITE (collection was replaced)
//   - anything else keeps the latest operation
type Debouncer struct {
	window  time.Duration
	pending map[string]*pendingChange
	mu      sync.Mutex
	output  chan []Change
	timer   *time.Timer
	stopped bool
}

type pendingChange struct {
	change  Change
	firstOp Operation
}

// NewDebouncer creates a debouncer that emits batches after window of quiet.
func NewDebouncer(window time.Duration, buffer int) *Debouncer {
	if buffer <= 0 {
		buffer = 1
	}
	return &Debouncer{
		window:  window,
		pending: make(map[string]*pendingChange),
		output:  make(chan []Change, buffer),
	}
}

// Add queues a change and restarts the debounce timer.
func (d *Debouncer) Add(c Change) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	if existing, ok := d.pending[c.Collection]; ok {
		merged, keep := coalesce(existing, c)
		if !keep {
			delete(d.pending, c.Collection)
		} else {
			existing.change = merged
		}
	} else {
		d.pending[c.Collection] = &pendingChange{change: c, firstOp: c.Operation}
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

// coalesce merges next into existing. keep is false when the two cancel.
func coalesce(existing *pendingChange, next Change) (merged Change, keep bool) {
	switch {
	case existing.firstOp == OpCreate && next.Operation == OpWrite:
		merged = existing.change
		merged.Timestamp = next.Timestamp
		return merged, true
	case existing.firstOp == OpCreate && next.Operation == OpRemove:
		return Change{}, false
	case existing.firstOp == OpRemove && next.Operation == OpCreate:
		next.Operation = OpWrite
		return next, true
	default:
		return next, true
	}
}

// flush emits all pending changes sorted by collection name.
func (d *Debouncer) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || len(d.pending) == 0 {
		return
	}

	batch := make([]Change, 0, len(d.pending))
	for _, p := range d.pending {
		batch = append(batch, p.change)
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].Collection < batch[j].Collection })
	d.pending = make(map[string]*pendingChange)

	select {
	case d.output <- batch:
	default:
		slog.Warn("debouncer_output_full",
			slog.Int("batch_size", len(batch)))
	}
}

// Output returns the channel of debounced batches.
func (d *Debouncer) Output() <-chan []Change {
	return d.output
}

// Stop discards pending changes and closes the output channel. Safe to
// call multiple times.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	close(d.output)
}
