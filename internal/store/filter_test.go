package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileFilter_Empty(t *testing.T) {
	assert.Nil(t, compileFilter("c", "get", nil))
	assert.Nil(t, compileFilter("c", "get", &Filter{}))
	assert.Nil(t, compileFilter("c", "get", &Filter{WhereDocument: &DocumentFilter{}}))
}

func TestCompileFilter_Equality(t *testing.T) {
	// Given: an equality filter on two fields
	m := compileFilter("c", "query", &Filter{Where: map[string]any{"source": "jira", "priority": 2}})
	require.NotNil(t, m)

	// Then: both fields must match; int and float compare numerically
	assert.True(t, m("", Metadata{"source": "jira", "priority": int64(2)}))
	assert.True(t, m("", Metadata{"source": "jira", "priority": 2.0}))
	assert.False(t, m("", Metadata{"source": "jira", "priority": int64(3)}))
	assert.False(t, m("", Metadata{"source": "jira"}))
	assert.False(t, m("", nil))
}

func TestCompileFilter_DocumentContains(t *testing.T) {
	m := compileFilter("c", "get", &Filter{WhereDocument: &DocumentFilter{Contains: "timeout"}})
	require.NotNil(t, m)

	assert.True(t, m("gateway timeout on login", nil))
	assert.False(t, m("Gateway Timeout", nil), "case-sensitive")
}

func TestCompileFilter_UnsupportedClausesWiden(t *testing.T) {
	// Given: only operator-shaped clauses
	f := &Filter{Where: map[string]any{
		"$or":      []any{map[string]any{"a": 1}},
		"priority": map[string]any{"$gt": 2},
		"tags":     []string{"vpn"},
	}}

	// When: compiling
	m := compileFilter("c", "query", f)

	// Then: every clause is dropped and the filter matches everything
	assert.Nil(t, m)
}

func TestCompileFilter_MixedKeepsSupported(t *testing.T) {
	m := compileFilter("c", "get", &Filter{Where: map[string]any{
		"source":   "confluence",
		"priority": map[string]any{"$gt": 2},
	}})
	require.NotNil(t, m)

	assert.True(t, m("", Metadata{"source": "confluence", "priority": int64(1)}))
	assert.False(t, m("", Metadata{"source": "jira"}))
}
