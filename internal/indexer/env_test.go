package indexer_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/duskfall-labs/corevault/internal/broadcast"
	"github.com/duskfall-labs/corevault/internal/clock"
	"github.com/duskfall-labs/corevault/internal/storage"
	"github.com/duskfall-labs/corevault/internal/storage/migrations"
	"github.com/duskfall-labs/corevault/internal/syncengine"
)

// newTestEnv spins up a disposable Postgres instance and wires a
// Gateway/Manager/Hub around it, mirroring the pattern
// internal/syncengine's manager_test.go already establishes.
func newTestEnv(t *testing.T) (*storage.Gateway, *syncengine.Manager, *broadcast.Hub) {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("corevault_test"),
		tcpostgres.WithUsername("test_user"),
		tcpostgres.WithPassword("test_password"),
		tc.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, migrations.Up(dsn))

	gw, err := storage.Open(ctx, storage.Config{DSN: dsn, MaxConns: 4}, nil)
	require.NoError(t, err)
	t.Cleanup(gw.Close)

	hlc := clock.New(uuid.New())
	hub := broadcast.NewHub()
	mgr, err := syncengine.New(gw, hlc, hub)
	require.NoError(t, err)
	return gw, mgr, hub
}

// newTestLocation registers a location row for rootPath so file_path
// rows saved during a test satisfy the location_id foreign key.
func newTestLocation(t *testing.T, gw *storage.Gateway, rootPath string) uuid.UUID {
	t.Helper()
	ctx := context.Background()

	loc := storage.Location{
		PubID:       uuid.New(),
		Name:        "test location",
		RootPath:    rootPath,
		DateCreated: time.Now(),
	}
	err := gw.ExecuteBatch(ctx, func(ctx context.Context, tx storage.BatchTx) error {
		return storage.UpsertLocation(ctx, tx, loc)
	})
	require.NoError(t, err)
	return loc.PubID
}
