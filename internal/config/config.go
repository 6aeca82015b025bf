// Package config loads and validates the repository indexer's
// configuration: a project-local YAML file layered with environment
// variable overrides, resolved down to the PipelineConfig the core
// indexing packages accept. The core never reads files or environment
// variables itself; config is purely ambient scaffolding around it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML accepts human-readable values
// like "500ms" or "2s" alongside bare nanosecond integers.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err == nil {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var ns int64
	if err := value.Decode(&ns); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	*d = Duration(ns)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete indexer configuration, mirroring the on-disk
// schema. Field names map to YAML keys and to ZIRI_<SECTION>_<KEY>
// environment overrides.
type Config struct {
	Version    int              `yaml:"version"`
	Paths      PathsConfig      `yaml:"paths"`
	Chunking   ChunkingConfig   `yaml:"chunking"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Memory     MemoryConfig     `yaml:"memory"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Server     ServerConfig     `yaml:"server"`
}

// PathsConfig configures which paths the file walker visits.
type PathsConfig struct {
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
	MaxFileSizeBytes int64 `yaml:"max_file_size_bytes"`
}

// ChunkingConfig configures the content chunker.
type ChunkingConfig struct {
	TargetChars  int     `yaml:"target_chars"`
	MaxChars     int     `yaml:"max_chars"`
	MinChars     int     `yaml:"min_chars"`
	OverlapRatio float64 `yaml:"overlap_ratio"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	Provider   string `yaml:"provider"` // "ollama", "local", "static"
	Model      string `yaml:"model"`
	Endpoint   string `yaml:"endpoint"`
	APIKeyEnv  string `yaml:"api_key_env"` // name of env var holding the API key, never the key itself
	Dimensions int    `yaml:"dimensions"`  // 0 = detect from first response
}

// RateLimitConfig configures the provider rate limiter.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	TokensPerMinute   int `yaml:"tokens_per_minute"`
	MaxConcurrent     int `yaml:"max_concurrent"`
}

// PipelineConfig configures the concurrent embedding pipeline and
// its adaptive batcher.
type PipelineConfig struct {
	Concurrency         int           `yaml:"concurrency"`
	InitialBatchSize    int           `yaml:"initial_batch_size"`
	MinBatchSize        int           `yaml:"min_batch_size"`
	MaxBatchSize        int           `yaml:"max_batch_size"`
	MaxRetries          int           `yaml:"max_retries"`
	RetryDelay          Duration      `yaml:"retry_delay"`
	TargetResponseTime  Duration      `yaml:"target_response_time"`
	SlowThresholdRatio  float64       `yaml:"slow_threshold_ratio"`
	FastThresholdRatio  float64       `yaml:"fast_threshold_ratio"`
	DecrementRatio      float64       `yaml:"decrement_ratio"`
	IncrementRatio      float64       `yaml:"increment_ratio"`
}

// MemoryConfig configures the memory monitor and backpressure.
type MemoryConfig struct {
	CapBytes          int64   `yaml:"cap_bytes"`
	WarningThreshold  float64 `yaml:"warning_threshold"`
	CriticalThreshold float64 `yaml:"critical_threshold"`
	SampleInterval    Duration `yaml:"sample_interval"`
}

// CheckpointConfig configures the checkpoint manager.
type CheckpointConfig struct {
	IntervalItems int `yaml:"interval_items"`
	MaxRetained   int `yaml:"max_retained"`
}

// ServerConfig configures ambient operational concerns (logging level).
type ServerConfig struct {
	LogLevel string `yaml:"log_level"`
}

var defaultExcludePatterns = []string{
	"**/node_modules/**",
	"**/.git/**",
	"**/vendor/**",
	"**/__pycache__/**",
	"**/dist/**",
	"**/build/**",
	"**/*.min.js",
	"**/*.min.css",
}

// Default returns the configuration defaults matching the component
// design's defaults (chunk sizes, batch sizes, concurrency, checkpoint
// cadence, memory cap).
func Default() *Config {
	return &Config{
		Version: 1,
		Paths: PathsConfig{
			Include:          []string{},
			Exclude:          defaultExcludePatterns,
			MaxFileSizeBytes: 5 * 1024 * 1024,
		},
		Chunking: ChunkingConfig{
			TargetChars:  1500,
			MaxChars:     2000,
			MinChars:     200,
			OverlapRatio: 0.15,
		},
		Embeddings: EmbeddingsConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			Endpoint: "http://localhost:11434",
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 3000,
			TokensPerMinute:   1000000,
			MaxConcurrent:     8,
		},
		Pipeline: PipelineConfig{
			Concurrency:        3,
			InitialBatchSize:   50,
			MinBatchSize:       10,
			MaxBatchSize:       200,
			MaxRetries:         3,
			RetryDelay:         Duration(500 * time.Millisecond),
			TargetResponseTime: Duration(2000 * time.Millisecond),
			SlowThresholdRatio: 1.1,
			FastThresholdRatio: 0.9,
			DecrementRatio:     0.8,
			IncrementRatio:     1.2,
		},
		Memory: MemoryConfig{
			CapBytes:          512 * 1024 * 1024,
			WarningThreshold:  0.70,
			CriticalThreshold: 0.85,
			SampleInterval:    Duration(1000 * time.Millisecond),
		},
		Checkpoint: CheckpointConfig{
			IntervalItems: 50,
			MaxRetained:   3,
		},
		Server: ServerConfig{
			LogLevel: "info",
		},
	}
}

// Load resolves configuration for the repository rooted at dir:
// defaults, then the user config (~/.config/ziri/config.yaml), then
// `.ziri.yaml`/`.ziri.yml` in dir, then ZIRI_* environment overrides.
// Unknown YAML keys are rejected (strict decoding) so typos surface
// immediately instead of silently falling back to defaults.
func Load(dir string) (*Config, error) {
	cfg := Default()

	if userPath := userConfigPath(); userPath != "" {
		if err := cfg.decodeFile(userPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.loadFromFile(dir); err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromFile(dir string) error {
	for _, name := range []string{".ziri.yaml", ".ziri.yml"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		return c.decodeFile(path)
	}
	return nil
}

func (c *Config) decodeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// userConfigPath returns the machine-level config location, or "" if
// the home directory can't be resolved.
func userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "ziri", "config.yaml")
}

// applyEnvOverrides applies ZIRI_<SECTION>_<KEY> overrides, highest
// precedence over defaults and the project config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ZIRI_EMBEDDINGS_PROVIDER"); v != "" {
		c.Embeddings.Provider = v
	}
	if v := os.Getenv("ZIRI_EMBEDDINGS_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("ZIRI_EMBEDDINGS_ENDPOINT"); v != "" {
		c.Embeddings.Endpoint = v
	}
	if v := os.Getenv("ZIRI_RATE_LIMIT_REQUESTS_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.RateLimit.RequestsPerMinute = n
		}
	}
	if v := os.Getenv("ZIRI_RATE_LIMIT_TOKENS_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.RateLimit.TokensPerMinute = n
		}
	}
	if v := os.Getenv("ZIRI_PIPELINE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Pipeline.Concurrency = n
		}
	}
	if v := os.Getenv("ZIRI_MEMORY_CAP_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Memory.CapBytes = n
		}
	}
	if v := os.Getenv("ZIRI_SERVER_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
}

// Validate checks invariants the pipeline assumes hold: ranges from the
// pipeline assumes hold: concurrency caps, batch bounds, and memory
// threshold ordering.
func (c *Config) Validate() error {
	if c.Chunking.MinChars <= 0 || c.Chunking.TargetChars < c.Chunking.MinChars ||
		c.Chunking.MaxChars < c.Chunking.TargetChars {
		return fmt.Errorf("chunking sizes must satisfy 0 < min <= target <= max, got min=%d target=%d max=%d",
			c.Chunking.MinChars, c.Chunking.TargetChars, c.Chunking.MaxChars)
	}
	if c.Chunking.OverlapRatio < 0 || c.Chunking.OverlapRatio >= 1 {
		return fmt.Errorf("overlap_ratio must be in [0, 1), got %f", c.Chunking.OverlapRatio)
	}
	if c.Pipeline.Concurrency < 1 || c.Pipeline.Concurrency > 10 {
		return fmt.Errorf("pipeline.concurrency must be in [1, 10], got %d", c.Pipeline.Concurrency)
	}
	if c.Pipeline.MinBatchSize <= 0 || c.Pipeline.MaxBatchSize < c.Pipeline.MinBatchSize ||
		c.Pipeline.InitialBatchSize < c.Pipeline.MinBatchSize || c.Pipeline.InitialBatchSize > c.Pipeline.MaxBatchSize {
		return fmt.Errorf("pipeline batch sizes must satisfy 0 < min <= initial <= max")
	}
	if c.Pipeline.TargetResponseTime <= 0 || c.Pipeline.RetryDelay <= 0 {
		return fmt.Errorf("pipeline.target_response_time and retry_delay must be positive")
	}
	if c.Pipeline.SlowThresholdRatio <= 1 || c.Pipeline.FastThresholdRatio <= 0 || c.Pipeline.FastThresholdRatio >= 1 {
		return fmt.Errorf("pipeline threshold ratios must satisfy fast < 1 < slow")
	}
	if c.Memory.WarningThreshold <= 0 || c.Memory.WarningThreshold >= c.Memory.CriticalThreshold ||
		c.Memory.CriticalThreshold >= 1 {
		return fmt.Errorf("memory thresholds must satisfy 0 < warning < critical < 1")
	}
	if c.Checkpoint.IntervalItems <= 0 || c.Checkpoint.MaxRetained <= 0 {
		return fmt.Errorf("checkpoint interval and retention must be positive")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Server.LogLevel)] {
		return fmt.Errorf("server.log_level must be debug, info, warn, or error, got %s", c.Server.LogLevel)
	}
	return nil
}

// WriteYAML writes the configuration to path as YAML. `ziri init` does
// not use it; it writes the embedded project template instead.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// FindProjectRoot walks up from startDir looking for a `.git` directory
// or a `.ziri.yaml`/`.ziri.yml` file, returning startDir itself if
// neither is found before reaching the filesystem root.
func FindProjectRoot(startDir string) (string, error) {
	absDir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	currentDir := absDir
	for {
		if dirExists(filepath.Join(currentDir, ".git")) {
			return currentDir, nil
		}
		if fileExists(filepath.Join(currentDir, ".ziri.yaml")) || fileExists(filepath.Join(currentDir, ".ziri.yml")) {
			return currentDir, nil
		}
		parent := filepath.Dir(currentDir)
		if parent == currentDir {
			return absDir, nil
		}
		currentDir = parent
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
