// Package vaultconfig implements the DATA_DIR resolution contract and
// the JSON-plus-environment configuration layering the rest of the
// system loads at startup, using a struct-of-structs shape.
package vaultconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all corevault runtime configuration.
type Config struct {
	DataDir  string         `json:"data_dir"`
	Database DatabaseConfig `json:"database"`
	Logging  LoggingConfig  `json:"logging"`
	Task     TaskConfig     `json:"task"`
	Search   SearchConfig   `json:"search"`
	Status   StatusConfig   `json:"status"`
}

// DatabaseConfig configures the storage gateway's backing Postgres pool.
type DatabaseConfig struct {
	DSN             string `json:"dsn"`
	MaxConns        int32  `json:"max_conns"`
	MigrationsTable string `json:"migrations_table"`
}

// LoggingConfig configures vaultlog.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// TaskConfig configures the task system worker pool.
type TaskConfig struct {
	Workers          int `json:"workers"`
	AbortGraceMillis int `json:"abort_grace_millis"`
}

// SearchConfig configures the bleve index location.
type SearchConfig struct {
	IndexPath string `json:"index_path"`
}

// StatusConfig configures the internal status/debug surface.
type StatusConfig struct {
	ListenAddr string `json:"listen_addr"`
	Enabled    bool   `json:"enabled"`
}

// DefaultConfig returns sane defaults; DataDir is left empty and must
// be resolved via Resolve.
func DefaultConfig() Config {
	return Config{
		Database: DatabaseConfig{MaxConns: 8, MigrationsTable: "schema_migrations"},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Task:     TaskConfig{Workers: 0, AbortGraceMillis: 5000},
		Search:   SearchConfig{IndexPath: "search.bleve"},
		Status:   StatusConfig{ListenAddr: "127.0.0.1:7373"},
	}
}

// Load reads a JSON configuration file, falling back to defaults for
// any field the file omits, then resolves DataDir from the
// environment per the DATA_DIR contract.
func Load(path string, release bool) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				return Config{}, fmt.Errorf("vaultconfig: config file %s not found: %w", path, err)
			}
			return Config{}, err
		}
		defer f.Close()
		if err := json.NewDecoder(f).Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("vaultconfig: parse %s: %w", path, err)
		}
	}

	dataDir, err := ResolveDataDir(release)
	if err != nil {
		return Config{}, err
	}
	cfg.DataDir = dataDir

	if v := os.Getenv("VAULT_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("VAULT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("VAULT_TASK_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Task.Workers = n
		}
	}

	return cfg, nil
}

// ErrDataDirRequired is returned when DATA_DIR is unset in a release build.
var ErrDataDirRequired = fmt.Errorf("vaultconfig: DATA_DIR must be set in release builds")

// ResolveDataDir implements environment contract: DATA_DIR
// identifies the runtime state directory. When absent, the current
// working directory is used in development builds; release builds
// refuse to start.
func ResolveDataDir(release bool) (string, error) {
	if dir := os.Getenv("DATA_DIR"); dir != "" {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	if release {
		return "", ErrDataDirRequired
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return wd, nil
}

// PendingJobsPath returns the path of the pending-jobs file under DataDir.
func (c Config) PendingJobsPath() string {
	return filepath.Join(c.DataDir, "pending_jobs.bin")
}
