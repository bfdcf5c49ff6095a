package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/duskfall-labs/corevault/internal/clock"
	"github.com/duskfall-labs/corevault/internal/crdt"
	"github.com/duskfall-labs/corevault/internal/storage"
	"github.com/duskfall-labs/corevault/internal/storage/migrations"
)

// setupTestContainer spins up a disposable Postgres instance, mirroring
// pkg/compliance/storage/postgres/testutils.go's helper.
func setupTestContainer(t *testing.T, ctx context.Context) string {
	t.Helper()

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

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return connStr
}

func newTestGateway(t *testing.T) *storage.Gateway {
	ctx := context.Background()
	dsn := setupTestContainer(t, ctx)

	require.NoError(t, migrations.Up(dsn))

	gw, err := storage.Open(ctx, storage.Config{DSN: dsn, MaxConns: 4}, nil)
	require.NoError(t, err)
	t.Cleanup(gw.Close)
	return gw
}

func TestExecuteBatchCommitsOnSuccess(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	f := storage.FilePath{
		PubID:            uuid.New(),
		LocationID:       uuid.New(),
		MaterializedPath: "/",
		Name:             "root.txt",
		DateCreated:      time.Now(),
		DateModified:     time.Now(),
	}

	err := gw.ExecuteBatch(ctx, func(ctx context.Context, tx storage.BatchTx) error {
		loc := storage.Location{PubID: f.LocationID, Name: "loc", RootPath: "/", DateCreated: time.Now()}
		if err := storage.UpsertLocation(ctx, tx, loc); err != nil {
			return err
		}
		return storage.UpsertFilePath(ctx, tx, f)
	})
	require.NoError(t, err)

	err = gw.ExecuteBatch(ctx, func(ctx context.Context, tx storage.BatchTx) error {
		got, err := storage.GetFilePath(ctx, tx, f.PubID)
		require.NoError(t, err)
		require.Equal(t, f.Name, got.Name)
		return nil
	})
	require.NoError(t, err)
}

func TestExecuteBatchRollsBackOnError(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	f := storage.FilePath{PubID: uuid.New(), LocationID: uuid.New(), MaterializedPath: "/", Name: "rollback.txt"}

	err := gw.ExecuteBatch(ctx, func(ctx context.Context, tx storage.BatchTx) error {
		if err := storage.UpsertFilePath(ctx, tx, f); err != nil {
			return err
		}
		return assertAbort()
	})
	require.Error(t, err)

	err = gw.ExecuteBatch(ctx, func(ctx context.Context, tx storage.BatchTx) error {
		_, err := storage.GetFilePath(ctx, tx, f.PubID)
		return err
	})
	require.Error(t, err, "row must not have been committed")
}

var errAbort = errors.New("storage_test: intentional abort")

func assertAbort() error {
	return errAbort
}

func TestInsertOperationIsIdempotent(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	instance := uuid.New()
	syncID := uuid.New()
	op := crdt.NewShared(instance, clock.Timestamp(100), crdt.ModelFilePath, crdt.SharedRecordID(syncID), crdt.Create{Fields: map[string]interface{}{"name": "a"}})

	insert := func() error {
		return gw.ExecuteBatch(ctx, func(ctx context.Context, tx storage.BatchTx) error {
			return storage.InsertOperation(ctx, tx, op)
		})
	}
	require.NoError(t, insert())
	require.NoError(t, insert(), "re-delivery of the same operation must be a no-op")

	var ops []crdt.Operation
	err := gw.ExecuteBatch(ctx, func(ctx context.Context, tx storage.BatchTx) error {
		var err error
		ops, err = storage.OperationsForSync(ctx, tx, syncID)
		return err
	})
	require.NoError(t, err)
	require.Len(t, ops, 1)
}
