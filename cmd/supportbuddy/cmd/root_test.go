package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsrini7/Smart-Support-Buddy/internal/config"
	"github.com/rsrini7/Smart-Support-Buddy/pkg/version"
)

// testEnv isolates one CLI test: its own HOME, user config dir, project
// config dir and store path.
type testEnv struct {
	dir   string
	store string
	stdin string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	for _, key := range []string{
		"SUPPORTBUDDY_VECTOR_DB_PATH", "SUPPORTBUDDY_INDEX_BACKEND", "SUPPORTBUDDY_SPARSE_BACKEND",
		"SUPPORTBUDDY_COLLECTIONS", "SUPPORTBUDDY_RERANK_K", "SUPPORTBUDDY_EMBEDDINGS_PROVIDER",
		"SUPPORTBUDDY_EMBEDDINGS_MODEL", "SUPPORTBUDDY_OLLAMA_HOST", "SUPPORTBUDDY_RERANKER_ENDPOINT",
		"SUPPORTBUDDY_GENERATION_MODEL", "SUPPORTBUDDY_LOG_LEVEL", "SUPPORTBUDDY_METRICS_ADDR",
	} {
		t.Setenv(key, "")
	}

	dir := t.TempDir()
	env := &testEnv{dir: dir, store: filepath.Join(dir, "vectordb")}
	env.writeConfig(t, "")
	return env
}

// writeConfig writes a project config pointing at the test store, with
// extra YAML appended.
func (e *testEnv) writeConfig(t *testing.T, extra string) {
	t.Helper()
	yaml := "store:\n  base_path: " + e.store + "\nembeddings:\n  provider: static\n  dimensions: 64\n" + extra
	require.NoError(t, os.WriteFile(filepath.Join(e.dir, config.ProjectConfigName), []byte(yaml), 0o644))
}

// run executes supportbuddy with args and returns what it wrote to stdout.
func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(e.stdin))
	cmd.SetArgs(append([]string{"--config-dir", e.dir}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func (e *testEnv) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(t, args...)
	require.NoError(t, err, "output: %s", out)
	return out
}

// =============================================================================
// Root
// =============================================================================

func TestRootCmd_RegistersCommands(t *testing.T) {
	// Given: the root command
	cmd := NewRootCmd()

	// When: listing subcommands
	names := make(map[string]bool)
	for _, sc := range cmd.Commands() {
		names[sc.Name()] = true
	}

	// Then: every command is present
	for _, want := range []string{"collections", "add", "get", "query", "delete", "ingest", "search", "shell", "config", "version"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}

func TestRootCmd_PersistentFlags(t *testing.T) {
	cmd := NewRootCmd()

	debug := cmd.PersistentFlags().Lookup("debug")
	require.NotNil(t, debug)
	assert.Equal(t, "false", debug.DefValue)

	dir := cmd.PersistentFlags().Lookup("config-dir")
	require.NotNil(t, dir)
	assert.Equal(t, ".", dir.DefValue)
}

func TestRootCmd_ShowsHelp(t *testing.T) {
	// Given: an isolated environment
	env := newTestEnv(t)

	// When: asking for help
	out := env.mustRun(t, "--help")

	// Then: usage mentions the main commands
	assert.Contains(t, out, "supportbuddy")
	assert.Contains(t, out, "search")
	assert.Contains(t, out, "ingest")
}

func TestRootCmd_InvalidConfigFailsDataCommands(t *testing.T) {
	// Given: a project config with an unknown index backend
	env := newTestEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(env.dir, config.ProjectConfigName),
		[]byte("store:\n  index_backend: btree\n"), 0o644))

	// When: running a command that needs the store
	_, err := env.run(t, "collections", "list")

	// Then: the configuration error is reported
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index_backend")

	// And: commands that do not need the config still work
	out := env.mustRun(t, "version", "--short")
	assert.Equal(t, version.Version, strings.TrimSpace(out))
}

func TestRootCmd_DebugWritesLogFile(t *testing.T) {
	// Given: an isolated environment
	env := newTestEnv(t)

	// When: running with --debug
	env.mustRun(t, "--debug", "collections", "list")

	// Then: the log file exists under HOME
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(home, ".supportbuddy", "logs", "supportbuddy.log"))
	assert.NoError(t, err)
}

// =============================================================================
// version
// =============================================================================

func TestVersionCmd_DefaultOutput(t *testing.T) {
	env := newTestEnv(t)

	out := env.mustRun(t, "version")

	assert.Contains(t, out, "supportbuddy")
	assert.Contains(t, out, version.Version)
	assert.Contains(t, out, "commit")
}

func TestVersionCmd_JSONOutput(t *testing.T) {
	env := newTestEnv(t)

	out := env.mustRun(t, "version", "--json")

	var info map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, version.Version, info["version"])
	for _, key := range []string{"commit", "date", "go_version", "os", "arch"} {
		assert.Contains(t, info, key)
	}
}

// =============================================================================
// config
// =============================================================================

func TestConfigInit_WritesProjectFile(t *testing.T) {
	// Given: a config dir without a project file
	env := newTestEnv(t)
	path := filepath.Join(env.dir, config.ProjectConfigName)
	require.NoError(t, os.Remove(path))

	// When: running config init
	out := env.mustRun(t, "config", "init")

	// Then: the defaults are written and load back
	assert.Contains(t, out, "Wrote")
	cfg, err := config.Load(env.dir)
	require.NoError(t, err)
	assert.Equal(t, config.NewConfig().Retrieval, cfg.Retrieval)
}

func TestConfigInit_KeepsExistingWithoutForce(t *testing.T) {
	// Given: an existing project file
	env := newTestEnv(t)
	path := filepath.Join(env.dir, config.ProjectConfigName)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	// When: running config init without --force
	out := env.mustRun(t, "config", "init")

	// Then: the file is untouched
	assert.Contains(t, out, "already exists")
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestConfigInit_ForceKeepsBackup(t *testing.T) {
	// Given: an existing project file
	env := newTestEnv(t)
	path := filepath.Join(env.dir, config.ProjectConfigName)

	// When: running config init --force
	out := env.mustRun(t, "config", "init", "--force")

	// Then: a backup of the old file exists
	assert.Contains(t, out, "backup")
	backups, err := config.ListBackups(path)
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestConfigInit_User(t *testing.T) {
	env := newTestEnv(t)

	env.mustRun(t, "config", "init", "--user")

	_, err := os.Stat(config.GetUserConfigPath())
	assert.NoError(t, err)
}

func TestConfigShow_JSON(t *testing.T) {
	// Given: a project config naming the test store
	env := newTestEnv(t)

	// When: showing the merged config as JSON
	out := env.mustRun(t, "config", "show", "--json")

	// Then: the project values are merged over the defaults
	var cfg config.Config
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, env.store, cfg.Store.BasePath)
	assert.Equal(t, 64, cfg.Embeddings.Dimensions)
	assert.Equal(t, "flat", cfg.Store.IndexBackend)
}

func TestConfigShow_YAML(t *testing.T) {
	env := newTestEnv(t)

	out := env.mustRun(t, "config", "show")

	assert.Contains(t, out, "base_path: "+env.store)
	assert.Contains(t, out, "rerank_k: 3")
}

func TestConfigPath(t *testing.T) {
	env := newTestEnv(t)

	out := env.mustRun(t, "config", "path")

	assert.Contains(t, out, config.GetUserConfigPath())
	assert.Contains(t, out, filepath.Join(env.dir, config.ProjectConfigName))
}
