package syncengine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/duskfall-labs/corevault/internal/clock"
	"github.com/duskfall-labs/corevault/internal/crdt"
	"github.com/duskfall-labs/corevault/internal/storage"
)

func clockTimestampFromUint(u uint64) clock.Timestamp { return clock.Timestamp(u) }

// Apply applies one incoming operation to domain state under the
// resolver's conflict rules, inside an already-open transaction. It
// is used both by the background ingester (remote operations) and can
// be reused by local-apply paths that want the same idempotency
// guarantees. Only ModelFilePath is currently a concrete domain
// target; other registered models are accepted for the operation log
// but have no domain table of their own yet. After the resolver has
// compared op against the log, Apply records op there, so later
// operations are measured against it.
func Apply(ctx context.Context, tx storage.BatchTx, resolver *ConflictResolver, op crdt.Operation) (applied bool, err error) {
	syncID, err := recordSyncID(op)
	if err != nil {
		return false, err
	}

	switch op.Tag {
	case crdt.TagCreate:
		applied, err = applyCreate(ctx, tx, resolver, op, syncID)
	case crdt.TagUpdate:
		applied, err = applyUpdate(ctx, tx, resolver, op, syncID)
	case crdt.TagDelete:
		applied, err = applyDelete(ctx, tx, resolver, op, syncID)
	default:
		return false, fmt.Errorf("syncengine: unknown data tag %q", op.Tag)
	}
	if err != nil {
		return false, err
	}
	if err := storage.InsertOperation(ctx, tx, op); err != nil {
		return false, err
	}
	return applied, nil
}

func recordSyncID(op crdt.Operation) (uuid.UUID, error) {
	if len(op.RecordID.Sync) != 16 {
		return uuid.Nil, fmt.Errorf("syncengine: operation has no shared sync-id")
	}
	return uuid.FromBytes(op.RecordID.Sync)
}

func applyCreate(ctx context.Context, tx storage.BatchTx, resolver *ConflictResolver, op crdt.Operation, syncID uuid.UUID) (bool, error) {
	if op.ModelID != crdt.ModelFilePath {
		return false, nil
	}

	exists, err := storage.FilePathExists(ctx, tx, syncID)
	if err != nil {
		return false, err
	}

	lastTS, lastInstance, ok, err := storage.LastAppliedWrite(ctx, tx, syncID, op.ModelID)
	if err != nil {
		return false, err
	}

	var lastApplied Candidate
	if ok {
		lastApplied = Candidate{Timestamp: clockTimestampFromUint(lastTS), Instance: lastInstance}
	}
	incoming := Candidate{Timestamp: op.HLCTimestamp, Instance: op.InstanceUUID}

	if !resolver.ShouldApplyCreate(lastApplied, incoming, exists) {
		return false, nil
	}

	f := fieldsToFilePath(syncID, op.CreateFields)
	if err := storage.UpsertFilePath(ctx, tx, f); err != nil {
		return false, err
	}
	return true, nil
}

func applyUpdate(ctx context.Context, tx storage.BatchTx, resolver *ConflictResolver, op crdt.Operation, syncID uuid.UUID) (bool, error) {
	if op.ModelID != crdt.ModelFilePath {
		return false, nil
	}

	lastTS, lastInstance, ok, err := storage.LastAppliedUpdate(ctx, tx, syncID, op.ModelID, op.UpdateField)
	if err != nil {
		return false, err
	}

	var lastApplied Candidate
	if ok {
		lastApplied = Candidate{Timestamp: clockTimestampFromUint(lastTS), Instance: lastInstance}
	}
	incoming := Candidate{Timestamp: op.HLCTimestamp, Instance: op.InstanceUUID}

	if !resolver.ShouldApplyUpdate(lastApplied, incoming) {
		return false, nil
	}

	if err := storage.SetFilePathField(ctx, tx, syncID, op.UpdateField, op.UpdateValue); err != nil {
		return false, err
	}
	return true, nil
}

func applyDelete(ctx context.Context, tx storage.BatchTx, resolver *ConflictResolver, op crdt.Operation, syncID uuid.UUID) (bool, error) {
	if op.ModelID != crdt.ModelFilePath {
		return false, nil
	}

	lastTS, lastInstance, ok, err := storage.LastAppliedWrite(ctx, tx, syncID, op.ModelID)
	if err != nil {
		return false, err
	}

	var lastApplied Candidate
	if ok {
		lastApplied = Candidate{Timestamp: clockTimestampFromUint(lastTS), Instance: lastInstance}
	}
	incoming := Candidate{Timestamp: op.HLCTimestamp, Instance: op.InstanceUUID}

	if !resolver.ShouldApplyDelete(lastApplied, incoming) {
		return false, nil
	}

	if err := storage.DeleteFilePath(ctx, tx, syncID); err != nil {
		return false, err
	}
	return true, nil
}

func fieldsToFilePath(pubID uuid.UUID, fields map[string]interface{}) storage.FilePath {
	f := storage.FilePath{PubID: pubID}
	if v, ok := fields["location_id"].(string); ok {
		if id, err := uuid.Parse(v); err == nil {
			f.LocationID = id
		}
	}
	if v, ok := fields["materialized_path"].(string); ok {
		f.MaterializedPath = v
	}
	if v, ok := fields["name"].(string); ok {
		f.Name = v
	}
	if v, ok := fields["is_dir"].(bool); ok {
		f.IsDir = v
	}
	if v, ok := fields["size_in_bytes"].(int64); ok {
		f.SizeInBytes = v
	}
	return f
}
