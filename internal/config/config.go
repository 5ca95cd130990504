package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ProjectConfigName is the per-directory configuration file.
const ProjectConfigName = ".supportbuddy.yaml"

// Config is the complete supportbuddy configuration.
type Config struct {
	Version    int              `yaml:"version" json:"version"`
	Store      StoreConfig      `yaml:"store" json:"store"`
	Retrieval  RetrievalConfig  `yaml:"retrieval" json:"retrieval"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" json:"embeddings"`
	Reranker   RerankerConfig   `yaml:"reranker" json:"reranker"`
	Generation GenerationConfig `yaml:"generation" json:"generation"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics" json:"metrics"`
}

// StoreConfig configures the on-disk vector store.
type StoreConfig struct {
	// BasePath is the directory holding one sub-directory per collection.
	BasePath string `yaml:"base_path" json:"base_path"`
	// IndexBackend selects the vector index: "flat" (exact, default) or "hnsw".
	IndexBackend string `yaml:"index_backend" json:"index_backend"`
	// CompressMeta zstd-compresses the metadata blob.
	CompressMeta bool `yaml:"compress_meta" json:"compress_meta"`
	// DefaultDimension is used when the embedder cannot be probed.
	DefaultDimension int `yaml:"default_dimension" json:"default_dimension"`
}

// RetrievalConfig configures the hybrid retrieval pipeline.
type RetrievalConfig struct {
	KDense        int      `yaml:"k_dense" json:"k_dense"`
	KSparse       int      `yaml:"k_sparse" json:"k_sparse"`
	RerankK       int      `yaml:"rerank_k" json:"rerank_k"`
	SparseBackend string   `yaml:"sparse_backend" json:"sparse_backend"` // "okapi" or "sqlite"
	Stemming      bool     `yaml:"stemming" json:"stemming"`
	Collections   []string `yaml:"collections" json:"collections"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	Provider   string `yaml:"provider" json:"provider"` // "static" or "ollama"
	Model      string `yaml:"model" json:"model"`
	OllamaHost string `yaml:"ollama_host" json:"ollama_host"`
	// Dimensions of 0 means probe the embedder.
	Dimensions int    `yaml:"dimensions" json:"dimensions"`
	CacheSize  int    `yaml:"cache_size" json:"cache_size"`
	BatchSize  int    `yaml:"batch_size" json:"batch_size"`
	Timeout    string `yaml:"timeout" json:"timeout"`
}

// RerankerConfig configures the cross-encoder reranker.
type RerankerConfig struct {
	Provider string `yaml:"provider" json:"provider"` // "none" or "http"
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	Model    string `yaml:"model" json:"model"`
	Timeout  string `yaml:"timeout" json:"timeout"`
}

// GenerationConfig configures the optional answer generator.
type GenerationConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	OllamaHost  string `yaml:"ollama_host" json:"ollama_host"`
	Model       string `yaml:"model" json:"model"`
	Timeout     string `yaml:"timeout" json:"timeout"`
	MaxFailures int    `yaml:"max_failures" json:"max_failures"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

// MetricsConfig configures the Prometheus endpoint of long-running commands.
type MetricsConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// DefaultCollections are the collections that feed the unified search corpus.
var DefaultCollections = []string{"issues", "jira_tickets", "msg_files", "confluence", "stackoverflow"}

// NewConfig creates a new Config with defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Store: StoreConfig{
			BasePath:         "./data/vectordb",
			IndexBackend:     "flat",
			CompressMeta:     true,
			DefaultDimension: 768,
		},
		Retrieval: RetrievalConfig{
			KDense:        5,
			KSparse:       5,
			RerankK:       3,
			SparseBackend: "okapi",
			Stemming:      true,
			Collections:   append([]string(nil), DefaultCollections...),
		},
		Embeddings: EmbeddingsConfig{
			Provider:   "static",
			Model:      "all-minilm",
			OllamaHost: "http://localhost:11434",
			CacheSize:  1000,
			BatchSize:  32,
			Timeout:    "60s",
		},
		Reranker: RerankerConfig{
			Provider: "none",
			Endpoint: "http://localhost:9659",
			Model:    "cross-encoder/ms-marco-MiniLM-L-6-v2",
			Timeout:  "30s",
		},
		Generation: GenerationConfig{
			Enabled:     false,
			OllamaHost:  "http://localhost:11434",
			Model:       "llama3.2",
			Timeout:     "60s",
			MaxFailures: 3,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// GetUserConfigPath returns the path to the user configuration file:
// $XDG_CONFIG_HOME/supportbuddy/config.yaml or ~/.config/supportbuddy/config.yaml.
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "supportbuddy", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "supportbuddy", "config.yaml")
	}
	return filepath.Join(home, ".config", "supportbuddy", "config.yaml")
}

// Load loads configuration for the given directory. Later sources win:
//  1. Defaults
//  2. User config (~/.config/supportbuddy/config.yaml)
//  3. Project config (.supportbuddy.yaml or .supportbuddy.yml in dir)
//  4. .env in dir (never overrides variables already set)
//  5. Environment variables (SUPPORTBUDDY_*)
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if userPath := GetUserConfigPath(); fileExists(userPath) {
		if err := cfg.loadYAML(userPath); err != nil {
			return nil, fmt.Errorf("failed to load user config: %w", err)
		}
	}

	for _, name := range []string{ProjectConfigName, ".supportbuddy.yml"} {
		path := filepath.Join(dir, name)
		if fileExists(path) {
			if err := cfg.loadYAML(path); err != nil {
				return nil, err
			}
			break
		}
	}

	if envPath := filepath.Join(dir, ".env"); fileExists(envPath) {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envPath, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadYAML decodes path on top of the current values, so keys missing from
// the file keep their previous value (including booleans).
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies SUPPORTBUDDY_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SUPPORTBUDDY_VECTOR_DB_PATH"); v != "" {
		c.Store.BasePath = v
	}
	if v := os.Getenv("SUPPORTBUDDY_INDEX_BACKEND"); v != "" {
		c.Store.IndexBackend = strings.ToLower(v)
	}
	if v := os.Getenv("SUPPORTBUDDY_SPARSE_BACKEND"); v != "" {
		c.Retrieval.SparseBackend = strings.ToLower(v)
	}
	if v := os.Getenv("SUPPORTBUDDY_COLLECTIONS"); v != "" {
		c.Retrieval.Collections = splitList(v)
	}
	if v := os.Getenv("SUPPORTBUDDY_RERANK_K"); v != "" {
		if k, err := strconv.Atoi(v); err == nil && k > 0 {
			c.Retrieval.RerankK = k
		}
	}
	if v := os.Getenv("SUPPORTBUDDY_EMBEDDINGS_PROVIDER"); v != "" {
		c.Embeddings.Provider = strings.ToLower(v)
	}
	if v := os.Getenv("SUPPORTBUDDY_EMBEDDINGS_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("SUPPORTBUDDY_OLLAMA_HOST"); v != "" {
		c.Embeddings.OllamaHost = v
		c.Generation.OllamaHost = v
	}
	if v := os.Getenv("SUPPORTBUDDY_RERANKER_ENDPOINT"); v != "" {
		c.Reranker.Endpoint = v
		c.Reranker.Provider = "http"
	}
	if v := os.Getenv("SUPPORTBUDDY_GENERATION_MODEL"); v != "" {
		c.Generation.Model = v
		c.Generation.Enabled = true
	}
	if v := os.Getenv("SUPPORTBUDDY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SUPPORTBUDDY_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
}

// Validate checks the configuration for values the rest of the system
// cannot work with.
func (c *Config) Validate() error {
	var errs []error

	if c.Store.BasePath == "" {
		errs = append(errs, errors.New("store.base_path must not be empty"))
	}
	if !oneOf(c.Store.IndexBackend, "flat", "hnsw") {
		errs = append(errs, fmt.Errorf("store.index_backend must be 'flat' or 'hnsw', got %q", c.Store.IndexBackend))
	}
	if c.Store.DefaultDimension <= 0 {
		errs = append(errs, fmt.Errorf("store.default_dimension must be positive, got %d", c.Store.DefaultDimension))
	}

	if c.Retrieval.KDense < 0 || c.Retrieval.KSparse < 0 {
		errs = append(errs, fmt.Errorf("retrieval.k_dense and k_sparse must be non-negative"))
	}
	if c.Retrieval.KDense == 0 && c.Retrieval.KSparse == 0 {
		errs = append(errs, errors.New("retrieval.k_dense and k_sparse cannot both be zero"))
	}
	if c.Retrieval.RerankK <= 0 {
		errs = append(errs, fmt.Errorf("retrieval.rerank_k must be positive, got %d", c.Retrieval.RerankK))
	}
	if !oneOf(c.Retrieval.SparseBackend, "okapi", "sqlite") {
		errs = append(errs, fmt.Errorf("retrieval.sparse_backend must be 'okapi' or 'sqlite', got %q", c.Retrieval.SparseBackend))
	}

	if !oneOf(c.Embeddings.Provider, "static", "ollama") {
		errs = append(errs, fmt.Errorf("embeddings.provider must be 'static' or 'ollama', got %q", c.Embeddings.Provider))
	}
	if c.Embeddings.Dimensions < 0 {
		errs = append(errs, fmt.Errorf("embeddings.dimensions must be non-negative, got %d", c.Embeddings.Dimensions))
	}
	if !oneOf(c.Reranker.Provider, "none", "http") {
		errs = append(errs, fmt.Errorf("reranker.provider must be 'none' or 'http', got %q", c.Reranker.Provider))
	}

	for name, value := range map[string]string{
		"embeddings.timeout": c.Embeddings.Timeout,
		"reranker.timeout":   c.Reranker.Timeout,
		"generation.timeout": c.Generation.Timeout,
	} {
		if value == "" {
			continue
		}
		if d, err := time.ParseDuration(value); err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be a positive duration, got %q", name, value))
		}
	}

	if !oneOf(strings.ToLower(c.Logging.Level), "debug", "info", "warn", "error") {
		errs = append(errs, fmt.Errorf("logging.level must be 'debug', 'info', 'warn', or 'error', got %q", c.Logging.Level))
	}

	return errors.Join(errs...)
}

// Duration parses a duration field, returning fallback when empty or invalid.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// fileExists checks if a file exists and is not a directory.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
