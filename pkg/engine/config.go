package engine

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/engramdb/engram/pkg/embed"
)

// Config is the engine's on-disk configuration, usually loaded from
// engram.yaml. Every field has a workable default; an empty file is a
// valid configuration.
type Config struct {
	// DataDir holds the record database and the vector index files.
	DataDir string `yaml:"data_dir"`

	// SyncWrites forces fsync on every record commit.
	SyncWrites bool `yaml:"sync_writes"`

	Embedding EmbeddingConfig `yaml:"embedding"`
	Index     IndexConfig     `yaml:"index"`
	Maintain  MaintainConfig  `yaml:"maintenance"`

	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"log_level"`
}

// EmbeddingConfig selects and tunes the embedding provider.
type EmbeddingConfig struct {
	// Provider is "openai", "mock", or "none". With "none" the engine
	// stores no vectors and semantic search is unavailable.
	Provider string `yaml:"provider"`

	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	// Dimension is the vector width. Default: 384.
	Dimension int `yaml:"dimension"`
}

// IndexConfig tunes the ANN index.
type IndexConfig struct {
	M              int `yaml:"m"`
	EfConstruction int `yaml:"ef_construction"`
	EfSearch       int `yaml:"ef_search"`
}

// MaintainConfig tunes the background maintenance loop.
type MaintainConfig struct {
	// Disabled turns background maintenance off entirely; work then only
	// happens through explicit Flush calls.
	Disabled bool `yaml:"disabled"`

	Tick            time.Duration `yaml:"tick"`
	QuietWindow     time.Duration `yaml:"quiet_window"`
	ExtractBatch    int           `yaml:"extract_batch"`
	SummaryInterval time.Duration `yaml:"summary_interval"`
	DeepInterval    time.Duration `yaml:"deep_interval"`

	// StaleThreshold and RefreshBatch tune the summary refresh pass.
	StaleThreshold int `yaml:"stale_threshold"`
	RefreshBatch   int `yaml:"refresh_batch"`

	// DecayFactor and DecayFloor tune learning decay.
	DecayFactor float64 `yaml:"decay_factor"`
	DecayFloor  float64 `yaml:"decay_floor"`

	// RebuildMinDead and RebuildRatio gate automatic index compaction.
	RebuildMinDead int     `yaml:"rebuild_min_dead"`
	RebuildRatio   float64 `yaml:"rebuild_ratio"`
}

// DefaultConfig returns the standard configuration rooted at dir.
func DefaultConfig(dir string) *Config {
	return &Config{
		DataDir: dir,
		Embedding: EmbeddingConfig{
			Provider:  "openai",
			Dimension: embed.DefaultDimension,
		},
		LogLevel: "info",
	}
}

// LoadConfig reads a YAML config file. Unset fields keep their defaults.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("engine: read config: %w", err)
	}
	cfg := DefaultConfig("")
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("engine: parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.DataDir == "" {
		c.DataDir = "engram-data"
	}
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "openai"
	}
	if c.Embedding.Dimension <= 0 {
		c.Embedding.Dimension = embed.DefaultDimension
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}
