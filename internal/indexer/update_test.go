package indexer_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/duskfall-labs/corevault/internal/indexer"
	"github.com/duskfall-labs/corevault/internal/storage"
	"github.com/duskfall-labs/corevault/internal/task"
)

func TestUpdateTaskAppliesChangedFields(t *testing.T) {
	gw, mgr, _ := newTestEnv(t)
	ctx := context.Background()
	locID := newTestLocation(t, gw, "/data")

	pubID := uuid.New()
	err := gw.ExecuteBatch(ctx, func(ctx context.Context, tx storage.BatchTx) error {
		return storage.UpsertFilePath(ctx, tx, storage.FilePath{
			PubID: pubID, LocationID: locID, MaterializedPath: "/data/a.txt", Name: "a.txt", SizeInBytes: 1,
		})
	})
	require.NoError(t, err)

	updates := []indexer.PendingUpdate{{PubID: pubID, Fields: map[string]interface{}{"size_in_bytes": int64(99)}}}
	updateTask := indexer.NewUpdateTask(ctx, updates, gw, mgr)

	outcome := updateTask.Execute(newInterrupter())
	require.Equal(t, task.StatusDone, outcome.Kind)
	require.Equal(t, 1, outcome.Output)

	var got storage.FilePath
	err = gw.ExecuteBatch(ctx, func(ctx context.Context, tx storage.BatchTx) error {
		g, err := storage.GetFilePath(ctx, tx, pubID)
		got = g
		return err
	})
	require.NoError(t, err)
	require.Equal(t, int64(99), got.SizeInBytes)
}

func TestUpdateTaskSerializeRoundTrips(t *testing.T) {
	gw, mgr, _ := newTestEnv(t)
	ctx := context.Background()

	updates := []indexer.PendingUpdate{{PubID: uuid.New(), Fields: map[string]interface{}{"name": "renamed"}}}
	original := indexer.NewUpdateTask(ctx, updates, gw, mgr)

	data, err := original.Serialize()
	require.NoError(t, err)

	resumed, err := indexer.DecodeUpdateTask(ctx, data, gw, mgr)
	require.NoError(t, err)
	require.NotNil(t, resumed)
}

func TestUpdateTaskRespondsToCancel(t *testing.T) {
	gw, mgr, _ := newTestEnv(t)
	ctx := context.Background()

	in := task.NewInterrupter()
	in.RequestCancel()

	updateTask := indexer.NewUpdateTask(ctx, []indexer.PendingUpdate{{PubID: uuid.New(), Fields: map[string]interface{}{"name": "x"}}}, gw, mgr)
	outcome := updateTask.Execute(in)
	require.Equal(t, task.StatusCanceled, outcome.Kind)
}
