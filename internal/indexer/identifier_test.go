package indexer_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/duskfall-labs/corevault/internal/indexer"
	"github.com/duskfall-labs/corevault/internal/storage"
)

func TestContentIdentifierTaskHashesAndLinksObject(t *testing.T) {
	gw, mgr, _ := newTestEnv(t)
	ctx := context.Background()
	locID := newTestLocation(t, gw, "/data")

	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	pubID := uuid.New()
	err := gw.ExecuteBatch(ctx, func(ctx context.Context, tx storage.BatchTx) error {
		return storage.UpsertFilePath(ctx, tx, storage.FilePath{
			PubID: pubID, LocationID: locID, MaterializedPath: path, Name: "a.txt", SizeInBytes: 11,
		})
	})
	require.NoError(t, err)

	candidates := []indexer.IdentifierCandidate{{PubID: pubID, Path: path}}
	idTask := indexer.NewContentIdentifierTask(ctx, candidates, gw, mgr)

	outcome := idTask.Execute(newInterrupter())
	result, ok := outcome.Output.(indexer.IdentifierResult)
	require.True(t, ok)
	require.Equal(t, 1, result.Processed)
	require.Empty(t, result.Errors)

	var got storage.FilePath
	err = gw.ExecuteBatch(ctx, func(ctx context.Context, tx storage.BatchTx) error {
		g, err := storage.GetFilePath(ctx, tx, pubID)
		got = g
		return err
	})
	require.NoError(t, err)
	require.NotNil(t, got.ObjectID, "a successfully hashed file must be linked to an object row")
}

func TestContentIdentifierTaskSkipsDirectories(t *testing.T) {
	gw, mgr, _ := newTestEnv(t)
	ctx := context.Background()

	candidates := []indexer.IdentifierCandidate{{PubID: uuid.New(), Path: "/does/not/matter", IsDir: true}}
	idTask := indexer.NewContentIdentifierTask(ctx, candidates, gw, mgr)

	outcome := idTask.Execute(newInterrupter())
	result := outcome.Output.(indexer.IdentifierResult)
	require.Equal(t, 0, result.Processed)
	require.Empty(t, result.Errors)
}

func TestContentIdentifierTaskAccumulatesErrorsForMissingFiles(t *testing.T) {
	gw, mgr, _ := newTestEnv(t)
	ctx := context.Background()

	candidates := []indexer.IdentifierCandidate{{PubID: uuid.New(), Path: "/does/not/exist.txt"}}
	idTask := indexer.NewContentIdentifierTask(ctx, candidates, gw, mgr)

	outcome := idTask.Execute(newInterrupter())
	result := outcome.Output.(indexer.IdentifierResult)
	require.Equal(t, 0, result.Processed)
	require.Len(t, result.Errors, 1)
}
