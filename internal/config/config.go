// Package config loads the raglined configuration: compiled-in defaults
// overlaid by an optional JSON file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	jsoniter "github.com/json-iterator/go"

	"github.com/voyantai/ragline/internal/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config is the merged daemon configuration.
type Config struct {
	Log       LogConfig       `json:"log"`
	Store     StoreConfig     `json:"store"`
	Vector    VectorConfig    `json:"vector"`
	Batch     BatchConfig     `json:"batch"`
	Tasks     TaskConfig      `json:"tasks"`
	Embedding EmbeddingConfig `json:"embedding"`
}

type LogConfig struct {
	Level      string `json:"level"`
	ShowCaller bool   `json:"show_caller"`
}

type StoreConfig struct {
	KVPath string `json:"kv_path"`
}

// VectorConfig locates the vector store. Collection left empty derives a
// per-tenant name at ingest time.
type VectorConfig struct {
	URI        string `json:"uri"`
	Token      string `json:"token"`
	DBName     string `json:"db_name"`
	Collection string `json:"collection"`
	Metric     string `json:"metric_type"`
}

type BatchConfig struct {
	TokenLimit int `json:"token_limit"`
	ChunkLimit int `json:"chunk_limit"`
}

type TaskConfig struct {
	MaxConcurrent           int    `json:"max_concurrent"`
	CheckpointInterval      int    `json:"checkpoint_interval"`
	ProgressIntervalSeconds int    `json:"progress_interval_seconds"`
	CleanupMaxAgeHours      int    `json:"cleanup_max_age_hours"`
	CleanupSchedule         string `json:"cleanup_schedule"`
}

// EmbeddingConfig is the default provider for jobs that do not carry their
// own embedding settings.
type EmbeddingConfig struct {
	Provider          string `json:"provider"`
	Model             string `json:"model"`
	APIKey            string `json:"api_key"`
	BaseURL           string `json:"base_url"`
	TimeoutSeconds    int    `json:"timeout_seconds"`
	RequestsPerMinute int    `json:"requests_per_minute"`
}

// Defaults returns the compiled-in configuration.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Log: LogConfig{Level: "info"},
		Store: StoreConfig{
			KVPath: filepath.Join(dataDir, "ragline.db"),
		},
		Vector: VectorConfig{
			URI:    filepath.Join(dataDir, "vectors.db"),
			Metric: "IP",
		},
		Batch: BatchConfig{
			TokenLimit: 9500,
			ChunkLimit: 950,
		},
		Tasks: TaskConfig{
			MaxConcurrent:           5,
			CheckpointInterval:      100,
			ProgressIntervalSeconds: 5,
			CleanupMaxAgeHours:      24,
			CleanupSchedule:         "@every 1h",
		},
		Embedding: EmbeddingConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ragline"
	}
	return filepath.Join(home, ".ragline")
}

// Load reads the file at path and overlays it on the defaults. An empty
// path tries the default location and silently falls back to defaults when
// no file exists there.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = filepath.Join(defaultDataDir(), "ragline.json")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			logging.L_debug("config: no file, using defaults")
			return Defaults(), nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := mergo.Merge(cfg, Defaults()); err != nil {
		return nil, fmt.Errorf("merge config defaults: %w", err)
	}

	logging.L_debug("config: loaded", "path", path)
	return cfg, nil
}

// LevelValue maps the configured level name to the logging package level.
func (l LogConfig) LevelValue() int {
	switch l.Level {
	case "trace":
		return logging.LevelTrace
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
