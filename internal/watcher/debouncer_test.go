package watcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func change(collection string, op Operation) Change {
	return Change{Collection: collection, Operation: op, Timestamp: time.Now()}
}

func receive(t *testing.T, d *Debouncer, timeout time.Duration) []Change {
	t.Helper()
	select {
	case batch := <-d.Output():
		return batch
	case <-time.After(timeout):
		t.Fatal("timeout waiting for debounced batch")
		return nil
	}
}

// =============================================================================
// Coalescing
// =============================================================================

func TestDebouncer_SingleChange_PassesThrough(t *testing.T) {
	// Given: a debouncer with a short window
	d := NewDebouncer(30*time.Millisecond, 4)
	defer d.Stop()

	// When: one change is added
	d.Add(change("issues", OpWrite))

	// Then: it is emitted after the window
	batch := receive(t, d, time.Second)
	require.Len(t, batch, 1)
	assert.Equal(t, "issues", batch[0].Collection)
	assert.Equal(t, OpWrite, batch[0].Operation)
}

func TestDebouncer_RepeatedWrites_Coalesce(t *testing.T) {
	// Given: a debouncer
	d := NewDebouncer(50*time.Millisecond, 4)
	defer d.Stop()

	// When: a burst of writes hits one collection
	for i := 0; i < 5; i++ {
		d.Add(change("issues", OpWrite))
	}

	// Then: a single change comes out
	batch := receive(t, d, time.Second)
	require.Len(t, batch, 1)
	assert.Equal(t, OpWrite, batch[0].Operation)
}

func TestDebouncer_Rules(t *testing.T) {
	tests := []struct {
		name string
		ops  []Operation
		want Operation
	}{
		{"create then write stays create", []Operation{OpCreate, OpWrite}, OpCreate},
		{"write then remove is remove", []Operation{OpWrite, OpRemove}, OpRemove},
		{"remove then create is write", []Operation{OpRemove, OpCreate}, OpWrite},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given: a debouncer
			d := NewDebouncer(30*time.Millisecond, 4)
			defer d.Stop()

			// When: the operations arrive in one window
			for _, op := range tt.ops {
				d.Add(change("jira_tickets", op))
			}

			// Then: one change with the coalesced operation is emitted
			batch := receive(t, d, time.Second)
			require.Len(t, batch, 1)
			assert.Equal(t, tt.want, batch[0].Operation)
		})
	}
}

func TestDebouncer_CreateThenRemove_Cancels(t *testing.T) {
	// Given: a debouncer
	d := NewDebouncer(30*time.Millisecond, 4)
	defer d.Stop()

	// When: a collection appears and disappears in one window
	d.Add(change("scratch", OpCreate))
	d.Add(change("scratch", OpRemove))

	// Then: nothing is emitted
	select {
	case batch := <-d.Output():
		t.Fatalf("unexpected batch: %v", batch)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestDebouncer_DifferentCollections_SortedBatch(t *testing.T) {
	// Given: a debouncer
	d := NewDebouncer(30*time.Millisecond, 4)
	defer d.Stop()

	// When: changes for several collections arrive together
	d.Add(change("stackoverflow", OpWrite))
	d.Add(change("confluence", OpWrite))
	d.Add(change("issues", OpRemove))

	// Then: one batch holds all of them ordered by name
	batch := receive(t, d, time.Second)
	require.Len(t, batch, 3)
	assert.Equal(t, "confluence", batch[0].Collection)
	assert.Equal(t, "issues", batch[1].Collection)
	assert.Equal(t, "stackoverflow", batch[2].Collection)
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestDebouncer_Stop_ClosesOutput(t *testing.T) {
	// Given: a debouncer with a pending change
	d := NewDebouncer(time.Hour, 4)
	d.Add(change("issues", OpWrite))

	// When: it is stopped twice
	d.Stop()
	d.Stop()

	// Then: the output is closed and later adds are ignored
	_, ok := <-d.Output()
	assert.False(t, ok)
	assert.NotPanics(t, func() { d.Add(change("issues", OpWrite)) })
}
