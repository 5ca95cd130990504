package cmd

import (
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// shell
// =============================================================================

func TestShell_SessionCommands(t *testing.T) {
	// Given: an indexed store and a scripted session
	env := newTestEnv(t)
	ingestTickets(t, env)
	env.stdin = "vpn drops\n:stats\n:info\n:explain on\nprinter\n:bogus\n:quit\nnever searched\n"

	// When: running the shell
	out := env.mustRun(t, "shell", "--no-watch")

	// Then: searches, commands and the unknown command are all handled
	assert.Contains(t, out, "supportbuddy shell")
	assert.Contains(t, out, "JIRA-1")
	assert.Contains(t, out, "Session")
	assert.Contains(t, out, "queries")
	assert.Contains(t, out, "Snapshot")
	assert.Contains(t, out, "jira_tickets")
	assert.Contains(t, out, "Diagnostics")
	assert.Contains(t, out, "Unknown command :bogus")

	// And: nothing after :quit runs
	assert.NotContains(t, out, "never searched")
}

func TestShell_InfoBeforeFirstQuestion(t *testing.T) {
	env := newTestEnv(t)
	env.stdin = ":info\n"

	out := env.mustRun(t, "shell", "--no-watch")

	assert.Contains(t, out, "Not built yet")
}

func TestShell_RebuildAndEOF(t *testing.T) {
	// Given: a session that only rebuilds, then hits end of input
	env := newTestEnv(t)
	ingestTickets(t, env)
	env.stdin = ":rebuild\n"

	// When: running the shell
	out := env.mustRun(t, "shell", "--no-watch")

	// Then: the rebuilt snapshot is shown and the shell exits cleanly
	assert.Contains(t, out, "documents")
	assert.Contains(t, out, "sparse backend")
}

func TestShell_Watching(t *testing.T) {
	env := newTestEnv(t)
	ingestTickets(t, env)
	env.stdin = "vpn\nexit\n"

	out := env.mustRun(t, "shell")

	assert.Contains(t, out, "JIRA-1")
	assert.NotContains(t, out, "Not watching")
}

func TestShell_MetricsAddress(t *testing.T) {
	env := newTestEnv(t)
	env.stdin = ":quit\n"

	out := env.mustRun(t, "shell", "--no-watch", "--metrics-addr", "127.0.0.1:0")

	assert.Contains(t, out, "Metrics at http://127.0.0.1:")
}

func TestServeMetrics(t *testing.T) {
	// Given: a metrics server on an ephemeral port
	stop, addr, err := serveMetrics("127.0.0.1:0")
	require.NoError(t, err)
	defer stop()

	// When: scraping health and metrics
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	// Then: both respond
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", strings.TrimSpace(string(body)))

	resp, err = client.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServeMetrics_BadAddress(t *testing.T) {
	_, _, err := serveMetrics("not-an-address")

	assert.Error(t, err)
}

func TestIsInteractive(t *testing.T) {
	assert.False(t, isInteractive(strings.NewReader("x")))
}
