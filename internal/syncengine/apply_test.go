package syncengine_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/duskfall-labs/corevault/internal/crdt"
	"github.com/duskfall-labs/corevault/internal/storage"
	"github.com/duskfall-labs/corevault/internal/syncengine"
)

func TestApplyCreateIsIdempotent(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	gw := mgr.Gateway()

	locID := newTestLocation(t, mgr)
	syncID := uuid.New()
	op := crdt.NewShared(mgr.Instance(), mgr.NewTimestamp(), crdt.ModelFilePath, crdt.SharedRecordID(syncID), crdt.Create{
		Fields: map[string]interface{}{"location_id": locID.String(), "name": "dup.txt", "materialized_path": "/"},
	})

	var firstApplied, secondApplied bool
	require.NoError(t, gw.ExecuteBatch(ctx, func(ctx context.Context, tx storage.BatchTx) error {
		var err error
		firstApplied, err = syncengine.Apply(ctx, tx, mgr.Resolver(), op)
		return err
	}))
	require.True(t, firstApplied)

	require.NoError(t, gw.ExecuteBatch(ctx, func(ctx context.Context, tx storage.BatchTx) error {
		var err error
		secondApplied, err = syncengine.Apply(ctx, tx, mgr.Resolver(), op)
		return err
	}))
	require.False(t, secondApplied, "re-applying the same create must be a no-op")
}

func TestApplyUpdateOnlyWinsWithStrictlyGreaterTimestamp(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	gw := mgr.Gateway()

	locID := newTestLocation(t, mgr)
	syncID := uuid.New()
	create := crdt.NewShared(mgr.Instance(), mgr.NewTimestamp(), crdt.ModelFilePath, crdt.SharedRecordID(syncID), crdt.Create{
		Fields: map[string]interface{}{"location_id": locID.String(), "name": "a.txt", "materialized_path": "/"},
	})
	require.NoError(t, gw.ExecuteBatch(ctx, func(ctx context.Context, tx storage.BatchTx) error {
		_, err := syncengine.Apply(ctx, tx, mgr.Resolver(), create)
		return err
	}))

	laterUpdate := crdt.NewShared(mgr.Instance(), mgr.NewTimestamp(), crdt.ModelFilePath, crdt.SharedRecordID(syncID), crdt.Update{Field: "name", Value: "b.txt"})
	var applied bool
	require.NoError(t, gw.ExecuteBatch(ctx, func(ctx context.Context, tx storage.BatchTx) error {
		var err error
		applied, err = syncengine.Apply(ctx, tx, mgr.Resolver(), laterUpdate)
		return err
	}))
	require.True(t, applied)

	staleUpdate := crdt.Operation{
		InstanceUUID: mgr.Instance(),
		HLCTimestamp: create.HLCTimestamp, // older than laterUpdate
		ModelID:      crdt.ModelFilePath,
		RecordID:     crdt.SharedRecordID(syncID),
		Kind:         crdt.KindShared,
		Tag:          crdt.TagUpdate,
		UpdateField:  "name",
		UpdateValue:  "stale.txt",
	}
	require.NoError(t, gw.ExecuteBatch(ctx, func(ctx context.Context, tx storage.BatchTx) error {
		var err error
		applied, err = syncengine.Apply(ctx, tx, mgr.Resolver(), staleUpdate)
		return err
	}))
	require.False(t, applied, "an update older than the last applied write must be dropped")

	require.NoError(t, gw.ExecuteBatch(ctx, func(ctx context.Context, tx storage.BatchTx) error {
		got, err := storage.GetFilePath(ctx, tx, syncID)
		require.NoError(t, err)
		require.Equal(t, "b.txt", got.Name)
		return nil
	}))
}

func TestApplyDeleteTombstoneThenResurrectByLaterCreate(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	gw := mgr.Gateway()

	locID := newTestLocation(t, mgr)
	syncID := uuid.New()
	create := crdt.NewShared(mgr.Instance(), mgr.NewTimestamp(), crdt.ModelFilePath, crdt.SharedRecordID(syncID), crdt.Create{
		Fields: map[string]interface{}{"location_id": locID.String(), "name": "gone.txt", "materialized_path": "/"},
	})
	require.NoError(t, gw.ExecuteBatch(ctx, func(ctx context.Context, tx storage.BatchTx) error {
		_, err := syncengine.Apply(ctx, tx, mgr.Resolver(), create)
		return err
	}))

	del := crdt.NewShared(mgr.Instance(), mgr.NewTimestamp(), crdt.ModelFilePath, crdt.SharedRecordID(syncID), crdt.Delete{})
	var applied bool
	require.NoError(t, gw.ExecuteBatch(ctx, func(ctx context.Context, tx storage.BatchTx) error {
		var err error
		applied, err = syncengine.Apply(ctx, tx, mgr.Resolver(), del)
		return err
	}))
	require.True(t, applied)

	require.NoError(t, gw.ExecuteBatch(ctx, func(ctx context.Context, tx storage.BatchTx) error {
		exists, err := storage.FilePathExists(ctx, tx, syncID)
		require.NoError(t, err)
		require.False(t, exists)
		return nil
	}))

	resurrect := crdt.NewShared(mgr.Instance(), mgr.NewTimestamp(), crdt.ModelFilePath, crdt.SharedRecordID(syncID), crdt.Create{
		Fields: map[string]interface{}{"location_id": locID.String(), "name": "back.txt", "materialized_path": "/"},
	})
	require.NoError(t, gw.ExecuteBatch(ctx, func(ctx context.Context, tx storage.BatchTx) error {
		var err error
		applied, err = syncengine.Apply(ctx, tx, mgr.Resolver(), resurrect)
		return err
	}))
	require.True(t, applied, "a later create must resurrect a tombstoned record")
}

func TestApplyDeleteTombstoneRejectsStaleCreate(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	gw := mgr.Gateway()

	locID := newTestLocation(t, mgr)
	syncID := uuid.New()
	create := crdt.NewShared(mgr.Instance(), mgr.NewTimestamp(), crdt.ModelFilePath, crdt.SharedRecordID(syncID), crdt.Create{
		Fields: map[string]interface{}{"location_id": locID.String(), "name": "gone.txt", "materialized_path": "/"},
	})
	require.NoError(t, gw.ExecuteBatch(ctx, func(ctx context.Context, tx storage.BatchTx) error {
		_, err := syncengine.Apply(ctx, tx, mgr.Resolver(), create)
		return err
	}))

	del := crdt.NewShared(mgr.Instance(), mgr.NewTimestamp(), crdt.ModelFilePath, crdt.SharedRecordID(syncID), crdt.Delete{})
	require.NoError(t, gw.ExecuteBatch(ctx, func(ctx context.Context, tx storage.BatchTx) error {
		_, err := syncengine.Apply(ctx, tx, mgr.Resolver(), del)
		return err
	}))

	staleCreate := crdt.Operation{
		InstanceUUID: mgr.Instance(),
		HLCTimestamp: create.HLCTimestamp, // older than del, replayed from a slow peer
		ModelID:      crdt.ModelFilePath,
		RecordID:     crdt.SharedRecordID(syncID),
		Kind:         crdt.KindShared,
		Tag:          crdt.TagCreate,
		CreateFields: map[string]interface{}{"location_id": locID.String(), "name": "resurrected.txt", "materialized_path": "/"},
	}
	var applied bool
	require.NoError(t, gw.ExecuteBatch(ctx, func(ctx context.Context, tx storage.BatchTx) error {
		var err error
		applied, err = syncengine.Apply(ctx, tx, mgr.Resolver(), staleCreate)
		return err
	}))
	require.False(t, applied, "a create older than the tombstone must not resurrect the row")

	require.NoError(t, gw.ExecuteBatch(ctx, func(ctx context.Context, tx storage.BatchTx) error {
		exists, err := storage.FilePathExists(ctx, tx, syncID)
		require.NoError(t, err)
		require.False(t, exists, "the row must remain tombstoned")
		return nil
	}))
}
