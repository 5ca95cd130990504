package watcher

import "time"

// Operation is the kind of change observed for a collection.
type Operation int

const (
	// OpCreate indicates a new collection directory appeared.
	OpCreate Operation = iota
	// OpWrite indicates a collection's index or meta file was rewritten.
	OpWrite
	// OpRemove indicates a collection's files or directory were removed.
	OpRemove
)

// String returns a human-readable representation of the operation.
func (op Operation) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpWrite:
		return "WRITE"
	case OpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// Change is one coalesced change to a collection.
type Change struct {
	// Collection is the directory name under the store base path.
	Collection string

	// Operation is the coalesced operation for the debounce window.
	Operation Operation

	// Timestamp is when the last contributing event was seen.
	Timestamp time.Time
}

// Options configures a StoreWatcher.
type Options struct {
	// DebounceWindow is the quiet time before coalesced changes are emitted.
	// Default: 250ms
	DebounceWindow time.Duration

	// BufferSize is the number of change batches buffered for the consumer.
	// Default: 16
	BufferSize int
}

// DefaultOptions returns the default watcher options.
func DefaultOptions() Options {
	return Options{
		DebounceWindow: 250 * time.Millisecond,
		BufferSize:     16,
	}
}

// WithDefaults returns options with defaults applied for zero values.
func (o Options) WithDefaults() Options {
	defaults := DefaultOptions()
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = defaults.DebounceWindow
	}
	if o.BufferSize <= 0 {
		o.BufferSize = defaults.BufferSize
	}
	return o
}
