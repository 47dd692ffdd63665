// Package config loads engine configuration from a YAML file and
// supplies the defaults every knob falls back to.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jamesaphoenix/tx/pkg/errdefs"
)

// Config is the root engine configuration
type Config struct {
	// DBPath is the SQLite database file. Parent directories are created
	// on open.
	DBPath string `yaml:"db_path"`

	Log    LogConfig    `yaml:"log"`
	Claim  ClaimConfig  `yaml:"claim"`
	Reaper ReaperConfig `yaml:"reaper"`
	Recall RecallConfig `yaml:"recall"`
	Graph  GraphConfig  `yaml:"graph"`
	Edge   EdgeConfig   `yaml:"edge"`
	Sync   SyncConfig   `yaml:"sync"`
}

// LogConfig controls the global logger
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// ClaimConfig controls the claim coordinator
type ClaimConfig struct {
	// LeaseMinutes is the claim lease duration granted on claim and
	// renew.
	LeaseMinutes int `yaml:"lease_minutes"`
}

// Lease returns the configured lease duration
func (c ClaimConfig) Lease() time.Duration {
	return time.Duration(c.LeaseMinutes) * time.Minute
}

// ReaperConfig controls stall classification defaults
type ReaperConfig struct {
	TranscriptIdleSeconds int `yaml:"transcript_idle_seconds"`
	// HeartbeatLagSeconds of zero disables the heartbeat_stale check.
	HeartbeatLagSeconds int `yaml:"heartbeat_lag_seconds"`
}

// RecallConfig holds the hybrid retrieval weights. The learnings_config
// table overrides these at runtime.
type RecallConfig struct {
	BM25Weight          float64 `yaml:"bm25_weight"`
	VectorWeight        float64 `yaml:"vector_weight"`
	RecencyWeight       float64 `yaml:"recency_weight"`
	RecencyHalfLifeDays float64 `yaml:"recency_half_life_days"`
}

// GraphConfig holds graph expansion defaults
type GraphConfig struct {
	Depth       int     `yaml:"depth"`
	DecayFactor float64 `yaml:"decay_factor"`
	MaxNodes    int     `yaml:"max_nodes"`
}

// EdgeConfig extends the built-in edge vocabulary
type EdgeConfig struct {
	ExtraTypes []string `yaml:"extra_types"`
}

// SyncConfig locates the JSONL replication files
type SyncConfig struct {
	// Dir is the directory holding the JSONL files, default ".tx".
	Dir string `yaml:"dir"`
	// AutoSync enables the fsnotify import watcher.
	AutoSync bool `yaml:"auto_sync"`
}

// TasksPath returns the tasks log path under Dir
func (s SyncConfig) TasksPath() string { return filepath.Join(s.Dir, "tasks.jsonl") }

// LearningsPath returns the learnings log path under Dir
func (s SyncConfig) LearningsPath() string { return filepath.Join(s.Dir, "learnings.jsonl") }

// FileLearningsPath returns the file-learnings log path under Dir
func (s SyncConfig) FileLearningsPath() string { return filepath.Join(s.Dir, "file-learnings.jsonl") }

// AttemptsPath returns the attempts log path under Dir
func (s SyncConfig) AttemptsPath() string { return filepath.Join(s.Dir, "attempts.jsonl") }

// Default returns the configuration used when no file is present
func Default() Config {
	return Config{
		DBPath: filepath.Join(".tx", "tx.db"),
		Log: LogConfig{
			Level: "info",
			JSON:  true,
		},
		Claim: ClaimConfig{
			LeaseMinutes: 30,
		},
		Reaper: ReaperConfig{
			TranscriptIdleSeconds: 300,
			HeartbeatLagSeconds:   0,
		},
		Recall: RecallConfig{
			BM25Weight:          0.4,
			VectorWeight:        0.4,
			RecencyWeight:       0.2,
			RecencyHalfLifeDays: 30,
		},
		Graph: GraphConfig{
			Depth:       2,
			DecayFactor: 0.7,
			MaxNodes:    100,
		},
		Sync: SyncConfig{
			Dir:      ".tx",
			AutoSync: false,
		},
	}
}

// Load reads path and overlays it on Default. A missing file returns
// Default without error; a malformed file or invalid values fail.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	fillDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// fillDefaults restores defaults for fields the file zeroed by omission
func fillDefaults(cfg *Config) {
	def := Default()
	if cfg.DBPath == "" {
		cfg.DBPath = def.DBPath
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Claim.LeaseMinutes == 0 {
		cfg.Claim.LeaseMinutes = def.Claim.LeaseMinutes
	}
	if cfg.Reaper.TranscriptIdleSeconds == 0 {
		cfg.Reaper.TranscriptIdleSeconds = def.Reaper.TranscriptIdleSeconds
	}
	if cfg.Recall.BM25Weight == 0 && cfg.Recall.VectorWeight == 0 && cfg.Recall.RecencyWeight == 0 {
		cfg.Recall = def.Recall
	}
	if cfg.Recall.RecencyHalfLifeDays == 0 {
		cfg.Recall.RecencyHalfLifeDays = def.Recall.RecencyHalfLifeDays
	}
	if cfg.Graph.Depth == 0 {
		cfg.Graph.Depth = def.Graph.Depth
	}
	if cfg.Graph.DecayFactor == 0 {
		cfg.Graph.DecayFactor = def.Graph.DecayFactor
	}
	if cfg.Graph.MaxNodes == 0 {
		cfg.Graph.MaxNodes = def.Graph.MaxNodes
	}
	if cfg.Sync.Dir == "" {
		cfg.Sync.Dir = def.Sync.Dir
	}
}

// Validate rejects configurations no component could run with
func Validate(cfg Config) error {
	if cfg.Claim.LeaseMinutes < 1 {
		return errdefs.NewValidation("claim.lease_minutes", "must be at least 1")
	}
	if cfg.Reaper.TranscriptIdleSeconds < 1 {
		return errdefs.NewValidation("reaper.transcript_idle_seconds", "must be at least 1")
	}
	if cfg.Reaper.HeartbeatLagSeconds < 0 {
		return errdefs.NewValidation("reaper.heartbeat_lag_seconds", "must not be negative")
	}
	if cfg.Recall.BM25Weight < 0 || cfg.Recall.VectorWeight < 0 || cfg.Recall.RecencyWeight < 0 {
		return errdefs.NewValidation("recall", "weights must not be negative")
	}
	if cfg.Recall.BM25Weight+cfg.Recall.VectorWeight+cfg.Recall.RecencyWeight == 0 {
		return errdefs.NewValidation("recall", "at least one weight must be positive")
	}
	if cfg.Graph.Depth < 0 || cfg.Graph.Depth > 10 {
		return errdefs.NewValidation("graph.depth", "must be between 0 and 10")
	}
	if cfg.Graph.DecayFactor <= 0 || cfg.Graph.DecayFactor > 1 {
		return errdefs.NewValidation("graph.decay_factor", "must be in (0, 1]")
	}
	if cfg.Graph.MaxNodes < 1 {
		return errdefs.NewValidation("graph.max_nodes", "must be at least 1")
	}
	return nil
}
