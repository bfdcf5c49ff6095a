package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/duskfall-labs/corevault/internal/crdt"
	"github.com/google/uuid"
)

// UpsertFilePath inserts or updates a file_path row inside an
// in-progress batch, used by the indexer's SaveTask/UpdateTask.
func UpsertFilePath(ctx context.Context, tx BatchTx, f FilePath) error {
	return tx.Exec(ctx, `
		INSERT INTO file_path (pub_id, location_id, materialized_path, name, is_dir, size_in_bytes, object_id, inode, date_created, date_modified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (pub_id) DO UPDATE SET
			materialized_path = EXCLUDED.materialized_path,
			name = EXCLUDED.name,
			is_dir = EXCLUDED.is_dir,
			size_in_bytes = EXCLUDED.size_in_bytes,
			object_id = EXCLUDED.object_id,
			inode = EXCLUDED.inode,
			date_modified = EXCLUDED.date_modified
	`, f.PubID, f.LocationID, f.MaterializedPath, f.Name, f.IsDir, f.SizeInBytes, f.ObjectID, f.Inode, f.DateCreated, f.DateModified)
}

// GetFilePath fetches a single file_path row by pub_id.
func GetFilePath(ctx context.Context, tx BatchTx, pubID uuid.UUID) (FilePath, error) {
	var f FilePath
	row := tx.QueryRow(ctx, `
		SELECT pub_id, location_id, materialized_path, name, is_dir, size_in_bytes, object_id, inode, date_created, date_modified
		FROM file_path WHERE pub_id = $1
	`, pubID)
	if err := row.Scan(&f.PubID, &f.LocationID, &f.MaterializedPath, &f.Name, &f.IsDir, &f.SizeInBytes, &f.ObjectID, &f.Inode, &f.DateCreated, &f.DateModified); err != nil {
		return FilePath{}, fmt.Errorf("storage: get file_path %s: %w", pubID, err)
	}
	return f, nil
}

// ChildrenOf returns the direct children of a directory's materialized
// path: rows one path segment below parentPath, not the parent itself
// and not deeper descendants.
func ChildrenOf(ctx context.Context, tx BatchTx, locationID uuid.UUID, parentPath string) ([]FilePath, error) {
	rows, err := tx.Query(ctx, `
		SELECT pub_id, location_id, materialized_path, name, is_dir, size_in_bytes, object_id, inode, date_created, date_modified
		FROM file_path WHERE location_id = $1
			AND starts_with(materialized_path, rtrim($2::text, '/') || '/')
			AND strpos(substr(materialized_path, length(rtrim($2::text, '/')) + 2), '/') = 0
	`, locationID, parentPath)
	if err != nil {
		return nil, fmt.Errorf("storage: children of %s: %w", parentPath, err)
	}
	defer rows.Close()

	var out []FilePath
	for rows.Next() {
		var f FilePath
		if err := rows.Scan(&f.PubID, &f.LocationID, &f.MaterializedPath, &f.Name, &f.IsDir, &f.SizeInBytes, &f.ObjectID, &f.Inode, &f.DateCreated, &f.DateModified); err != nil {
			return nil, fmt.Errorf("storage: scan file_path: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// UpsertObject inserts an object row keyed by content hash, or returns
// the existing row's pub_id when the hash already exists (content-hash
// dedup for the supplemented content-identifier feature).
func UpsertObject(ctx context.Context, tx BatchTx, o Object) (uuid.UUID, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO object (pub_id, content_hash, kind, size_in_bytes, date_created)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (content_hash) DO UPDATE SET content_hash = EXCLUDED.content_hash
		RETURNING pub_id
	`, o.PubID, o.ContentHash, o.Kind, o.SizeInBytes, o.DateCreated)
	var id uuid.UUID
	if err := row.Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("storage: upsert object: %w", err)
	}
	return id, nil
}

// InsertOperation appends one CRDT operation to the append-only log.
// ON CONFLICT DO NOTHING makes re-delivery of an already-applied
// operation a no-op, matching the sync engine's idempotent-apply
// invariant.
func InsertOperation(ctx context.Context, tx BatchTx, op crdt.Operation) error {
	payload, err := crdt.Marshal(op)
	if err != nil {
		return fmt.Errorf("storage: marshal operation: %w", err)
	}

	var syncID, relGroup, relItem *uuid.UUID
	if len(op.RecordID.Sync) == 16 {
		id, err := uuid.FromBytes(op.RecordID.Sync)
		if err == nil {
			syncID = &id
		}
	}
	if len(op.RecordID.Group) == 16 {
		id, err := uuid.FromBytes(op.RecordID.Group)
		if err == nil {
			relGroup = &id
		}
	}
	if len(op.RecordID.Item) == 16 {
		id, err := uuid.FromBytes(op.RecordID.Item)
		if err == nil {
			relItem = &id
		}
	}

	var updField *string
	if op.Tag == crdt.TagUpdate {
		f := op.UpdateField
		updField = &f
	}

	return tx.Exec(ctx, `
		INSERT INTO crdt_operations (instance_uuid, hlc_timestamp, model_id, kind, sync_id, relation_group, relation_item, data_tag, upd_field, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (hlc_timestamp, instance_uuid, model_id, sync_id, relation_group, relation_item) DO NOTHING
	`, op.InstanceUUID, uint64(op.HLCTimestamp), uint16(op.ModelID), uint8(op.Kind), syncID, relGroup, relItem, string(op.Tag), updField, payload)
}

// LastAppliedUpdate returns the (timestamp, instance) of the most
// recent update operation already recorded for (syncID, field), used
// by the conflict resolver's ShouldApplyUpdate rule. ok is false when
// no such update exists yet.
func LastAppliedUpdate(ctx context.Context, tx BatchTx, syncID uuid.UUID, modelID crdt.ModelID, field string) (ts uint64, instance uuid.UUID, ok bool, err error) {
	row := tx.QueryRow(ctx, `
		SELECT hlc_timestamp, instance_uuid FROM crdt_operations
		WHERE sync_id = $1 AND model_id = $2 AND data_tag = 'u' AND upd_field = $3
		ORDER BY hlc_timestamp DESC, instance_uuid DESC LIMIT 1
	`, syncID, uint16(modelID), field)
	if scanErr := row.Scan(&ts, &instance); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return 0, uuid.Nil, false, nil
		}
		return 0, uuid.Nil, false, fmt.Errorf("storage: last applied update: %w", scanErr)
	}
	return ts, instance, true, nil
}

// LastAppliedWrite returns the (timestamp, instance) of the most
// recent update-or-delete recorded for syncID, regardless of field,
// used by the Delete/Create tombstone rules.
func LastAppliedWrite(ctx context.Context, tx BatchTx, syncID uuid.UUID, modelID crdt.ModelID) (ts uint64, instance uuid.UUID, ok bool, err error) {
	row := tx.QueryRow(ctx, `
		SELECT hlc_timestamp, instance_uuid FROM crdt_operations
		WHERE sync_id = $1 AND model_id = $2 AND data_tag IN ('u', 'd')
		ORDER BY hlc_timestamp DESC, instance_uuid DESC LIMIT 1
	`, syncID, uint16(modelID))
	if scanErr := row.Scan(&ts, &instance); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return 0, uuid.Nil, false, nil
		}
		return 0, uuid.Nil, false, fmt.Errorf("storage: last applied write: %w", scanErr)
	}
	return ts, instance, true, nil
}

// FilePathExists reports whether a file_path row already exists for
// pubID, used by the Create idempotency rule.
func FilePathExists(ctx context.Context, tx BatchTx, pubID uuid.UUID) (bool, error) {
	var exists bool
	row := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM file_path WHERE pub_id = $1)`, pubID)
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("storage: file_path exists: %w", err)
	}
	return exists, nil
}

// DeleteFilePath removes a file_path row (the domain-level effect of a
// Shared Delete tombstone winning).
func DeleteFilePath(ctx context.Context, tx BatchTx, pubID uuid.UUID) error {
	return tx.Exec(ctx, `DELETE FROM file_path WHERE pub_id = $1`, pubID)
}

// SetFilePathField applies a single-field update to a file_path row by
// column name. field is validated against a fixed allow-list so this
// never becomes a SQL-injection surface despite taking a dynamic
// column name.
func SetFilePathField(ctx context.Context, tx BatchTx, pubID uuid.UUID, field string, value interface{}) error {
	column, ok := filePathUpdatableColumns[field]
	if !ok {
		return fmt.Errorf("storage: field %q is not updatable on file_path", field)
	}
	return tx.Exec(ctx, fmt.Sprintf(`UPDATE file_path SET %s = $1, date_modified = now() WHERE pub_id = $2`, column), value, pubID)
}

var filePathUpdatableColumns = map[string]string{
	"name":          "name",
	"size_in_bytes": "size_in_bytes",
	"object_id":     "object_id",
	"inode":         "inode",
	"is_dir":        "is_dir",
}

// UpsertLocation inserts or updates a location row, used when a user
// registers a new root directory or edits its include/exclude rules.
func UpsertLocation(ctx context.Context, tx BatchTx, l Location) error {
	return tx.Exec(ctx, `
		INSERT INTO location (pub_id, name, root_path, include_rules, exclude_rules, is_archived, date_created)
		VALUES ($1, $2, $3, COALESCE($4::text[], '{}'), COALESCE($5::text[], '{}'), $6, $7)
		ON CONFLICT (pub_id) DO UPDATE SET
			name = EXCLUDED.name,
			root_path = EXCLUDED.root_path,
			include_rules = EXCLUDED.include_rules,
			exclude_rules = EXCLUDED.exclude_rules,
			is_archived = EXCLUDED.is_archived
	`, l.PubID, l.Name, l.RootPath, l.IncludeRules, l.ExcludeRules, l.IsArchived, l.DateCreated)
}

// GetLocation fetches a single location row by pub_id, used to resolve
// a job's root_path before dispatching WalkDirTask.
func GetLocation(ctx context.Context, tx BatchTx, pubID uuid.UUID) (Location, error) {
	var l Location
	row := tx.QueryRow(ctx, `
		SELECT pub_id, name, root_path, include_rules, exclude_rules, is_archived, date_created
		FROM location WHERE pub_id = $1
	`, pubID)
	if err := row.Scan(&l.PubID, &l.Name, &l.RootPath, &l.IncludeRules, &l.ExcludeRules, &l.IsArchived, &l.DateCreated); err != nil {
		return Location{}, fmt.Errorf("storage: get location %s: %w", pubID, err)
	}
	return l, nil
}

// ListLocations returns every non-archived location.
func ListLocations(ctx context.Context, tx BatchTx) ([]Location, error) {
	rows, err := tx.Query(ctx, `
		SELECT pub_id, name, root_path, include_rules, exclude_rules, is_archived, date_created
		FROM location WHERE is_archived = false
	`)
	if err != nil {
		return nil, fmt.Errorf("storage: list locations: %w", err)
	}
	defer rows.Close()

	var out []Location
	for rows.Next() {
		var l Location
		if err := rows.Scan(&l.PubID, &l.Name, &l.RootPath, &l.IncludeRules, &l.ExcludeRules, &l.IsArchived, &l.DateCreated); err != nil {
			return nil, fmt.Errorf("storage: scan location: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// FilePathsUnder returns every file_path row recorded for a location,
// used by WalkDirTask to diff a fresh directory walk against what is
// already on record.
func FilePathsUnder(ctx context.Context, tx BatchTx, locationID uuid.UUID) ([]FilePath, error) {
	rows, err := tx.Query(ctx, `
		SELECT pub_id, location_id, materialized_path, name, is_dir, size_in_bytes, object_id, inode, date_created, date_modified
		FROM file_path WHERE location_id = $1
	`, locationID)
	if err != nil {
		return nil, fmt.Errorf("storage: file paths under %s: %w", locationID, err)
	}
	defer rows.Close()

	var out []FilePath
	for rows.Next() {
		var f FilePath
		if err := rows.Scan(&f.PubID, &f.LocationID, &f.MaterializedPath, &f.Name, &f.IsDir, &f.SizeInBytes, &f.ObjectID, &f.Inode, &f.DateCreated, &f.DateModified); err != nil {
			return nil, fmt.Errorf("storage: scan file_path: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// AllOperationsAfter returns up to limit operations across both the
// shared and relation streams, ordered by the total order (timestamp,
// instance). Used by syncengine.GetOps, which filters the
// result against each caller's per-instance cursor and re-truncates —
// the single crdt_operations table already stores both kinds, so
// "merging shared and relation streams" is just one ordered scan.
func AllOperationsAfter(ctx context.Context, tx BatchTx, limit int) ([]crdt.Operation, error) {
	rows, err := tx.Query(ctx, `
		SELECT payload FROM crdt_operations ORDER BY hlc_timestamp ASC, instance_uuid ASC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: all operations: %w", err)
	}
	defer rows.Close()

	var ops []crdt.Operation
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("storage: scan operation payload: %w", err)
		}
		op, err := crdt.Unmarshal(payload)
		if err != nil {
			return nil, fmt.Errorf("storage: decode operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// OperationsForSync returns every operation recorded against a shared
// record, ordered by the total order (timestamp, instance). get_ops
// reads through AllOperationsAfter instead.
func OperationsForSync(ctx context.Context, tx BatchTx, syncID uuid.UUID) ([]crdt.Operation, error) {
	rows, err := tx.Query(ctx, `
		SELECT payload FROM crdt_operations WHERE sync_id = $1 ORDER BY hlc_timestamp ASC, instance_uuid ASC
	`, syncID)
	if err != nil {
		return nil, fmt.Errorf("storage: operations for sync %s: %w", syncID, err)
	}
	defer rows.Close()

	var ops []crdt.Operation
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("storage: scan operation payload: %w", err)
		}
		op, err := crdt.Unmarshal(payload)
		if err != nil {
			return nil, fmt.Errorf("storage: decode operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}
