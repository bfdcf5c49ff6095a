package syncengine_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/duskfall-labs/corevault/internal/broadcast"
	"github.com/duskfall-labs/corevault/internal/crdt"
	"github.com/duskfall-labs/corevault/internal/storage"
	"github.com/duskfall-labs/corevault/internal/syncengine"
	"github.com/duskfall-labs/corevault/internal/vaultlog"
)

func TestIngesterAppliesRemoteOperationAndAdvancesClock(t *testing.T) {
	mgr, hub := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inbox := make(chan crdt.Operation, 1)
	ing := syncengine.NewIngester(mgr, inbox, vaultlog.New(vaultlog.DefaultConfig()))

	sub := hub.Subscribe(broadcast.KeyCreated, 4)

	go ing.Run(ctx)

	locID := newTestLocation(t, mgr)
	remoteInstance := uuid.New()
	syncID := uuid.New()
	remoteOp := crdt.NewShared(remoteInstance, 9999, crdt.ModelFilePath, crdt.SharedRecordID(syncID), crdt.Create{
		Fields: map[string]interface{}{"location_id": locID.String(), "name": "remote.txt", "materialized_path": "/"},
	})
	inbox <- remoteOp

	select {
	case <-sub:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ingested operation to broadcast")
	}

	require.NoError(t, mgr.Gateway().ExecuteBatch(ctx, func(ctx context.Context, tx storage.BatchTx) error {
		exists, err := storage.FilePathExists(ctx, tx, syncID)
		require.NoError(t, err)
		require.True(t, exists)
		return nil
	}))

	require.Greater(t, uint64(mgr.NewTimestamp()), uint64(9999), "local clock must have advanced past the ingested remote timestamp")

	cancel()
	<-ing.Done()
}
