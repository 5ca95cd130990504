package watcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOperation_String(t *testing.T) {
	tests := []struct {
		name string
		op   Operation
		want string
	}{
		{"create", OpCreate, "CREATE"},
		{"write", OpWrite, "WRITE"},
		{"remove", OpRemove, "REMOVE"},
		{"unknown", Operation(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.op.String())
		})
	}
}

func TestOptions_WithDefaults(t *testing.T) {
	// Given: options with zero and negative values
	opts := Options{DebounceWindow: -1}

	// When: defaults are applied
	got := opts.WithDefaults()

	// Then: both fields take the default
	assert.Equal(t, DefaultOptions(), got)
}

func TestOptions_WithDefaults_KeepsExplicitValues(t *testing.T) {
	// Given: explicit options
	opts := Options{DebounceWindow: time.Second, BufferSize: 3}

	// When: defaults are applied
	got := opts.WithDefaults()

	// Then: nothing changes
	assert.Equal(t, opts, got)
}
