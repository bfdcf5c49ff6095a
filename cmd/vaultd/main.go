// Command vaultd is the long-running process entrypoint: it wires
// the storage gateway, sync engine, task system, job runner, search
// index, and status surface together, rehydrates any jobs left
// pending from a previous clean shutdown, and serves until an
// interrupt triggers an orderly drain.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/duskfall-labs/corevault/internal/broadcast"
	"github.com/duskfall-labs/corevault/internal/clock"
	_ "github.com/duskfall-labs/corevault/internal/indexer"
	"github.com/duskfall-labs/corevault/internal/job"
	"github.com/duskfall-labs/corevault/internal/search"
	"github.com/duskfall-labs/corevault/internal/statusd"
	"github.com/duskfall-labs/corevault/internal/storage"
	"github.com/duskfall-labs/corevault/internal/storage/migrations"
	"github.com/duskfall-labs/corevault/internal/syncengine"
	"github.com/duskfall-labs/corevault/internal/task"
	"github.com/duskfall-labs/corevault/internal/vaultconfig"
	"github.com/duskfall-labs/corevault/internal/vaultlog"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to a JSON config file")
	flag.Parse()

	if err := run(configPath); err != nil {
		fmt.Fprintln(os.Stderr, "vaultd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := vaultconfig.Load(configPath, false)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := vaultlog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	format := vaultlog.TextFormat
	if cfg.Logging.Format == "json" {
		format = vaultlog.JSONFormat
	}
	log := vaultlog.New(vaultlog.Config{Level: level, Format: format, Output: os.Stdout})
	log.Info("starting vaultd", vaultlog.Fields{"data_dir": cfg.DataDir})

	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if err := migrations.Up(cfg.Database.DSN); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gateway, err := storage.Open(ctx, storage.Config{DSN: cfg.Database.DSN, MaxConns: cfg.Database.MaxConns}, log)
	if err != nil {
		return fmt.Errorf("open storage gateway: %w", err)
	}
	defer gateway.Close()

	health := storage.NewHealthMonitor(gateway, 30*time.Second, log)
	health.Start(ctx)
	defer health.Stop()

	instanceID, err := loadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("load instance id: %w", err)
	}

	hub := broadcast.NewHub()
	hlc := clock.New(instanceID)
	syncMgr, err := syncengine.New(gateway, hlc, hub)
	if err != nil {
		return fmt.Errorf("init sync engine: %w", err)
	}

	tasks := task.New(cfg.Task.Workers)
	defer tasks.Shutdown()

	runner := job.NewRunner(tasks, hub, log, cfg.PendingJobsPath())

	// One database handle keyed by the instance id: this reference
	// deployment manages a single library per process.
	dbID := instanceID
	runner.RegisterDatabase(dbID, gateway, syncMgr)

	if err := runner.Rehydrate(ctx); err != nil {
		log.Warn("rehydrate pending jobs", vaultlog.Fields{"error": err.Error()})
	}

	var idx *search.Index
	if cfg.Search.IndexPath != "" {
		idx, err = search.Open(cfg.Search.IndexPath, gateway, hub, log)
		if err != nil {
			return fmt.Errorf("open search index: %w", err)
		}
		idx.Start(ctx)
		defer idx.Close()
	}

	var status *statusd.Server
	if cfg.Status.Enabled {
		status = statusd.New(cfg.Status.ListenAddr, runner, syncMgr, log)
		if err := status.Start(); err != nil {
			return fmt.Errorf("start status server: %w", err)
		}
		log.Info("status server listening", vaultlog.Fields{"addr": cfg.Status.ListenAddr})
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = status.Stop(shutdownCtx)
		}()
	}

	log.Info("vaultd ready", nil)

	<-ctx.Done()
	log.Info("shutdown signal received, draining", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := runner.Shutdown(shutdownCtx); err != nil {
		log.Error("job runner shutdown", vaultlog.Fields{"error": err.Error()})
	}
	log.Info("vaultd stopped", nil)
	return nil
}

// loadOrCreateInstanceID loads or creates the per-library instance_id
// (see DESIGN.md): a stable UUID persisted once under DataDir rather
// than tied to any one location, so moving a location across
// removable media never changes which instance authored its
// operations.
func loadOrCreateInstanceID(dataDir string) (uuid.UUID, error) {
	path := filepath.Join(dataDir, "instance_id")
	if b, err := os.ReadFile(path); err == nil {
		return uuid.Parse(string(b))
	} else if !os.IsNotExist(err) {
		return uuid.UUID{}, err
	}

	id := uuid.New()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return uuid.UUID{}, err
	}
	if err := os.WriteFile(path, []byte(id.String()), 0o644); err != nil {
		return uuid.UUID{}, err
	}
	return id, nil
}
