package job

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/duskfall-labs/corevault/internal/vaulterr"
)

// readPendingJobsFile loads the pending-jobs file. A missing file is
// not an error — start empty. A malformed file is a CorruptionError;
// the caller logs it, removes the file, and starts empty too.
func readPendingJobsFile(path string) (PendingJobsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return PendingJobsFile{}, nil
		}
		return nil, &vaulterr.CorruptionError{Path: path, Cause: err}
	}

	var file PendingJobsFile
	if err := msgpack.Unmarshal(data, &file); err != nil {
		return nil, &vaulterr.CorruptionError{Path: path, Cause: err}
	}
	return file, nil
}

// writePendingJobsFile writes the bundle atomically: encode to a
// sibling temp file, then rename over the destination, so a crash
// mid-write never leaves a half-written pending-jobs file behind.
func writePendingJobsFile(path string, file PendingJobsFile) error {
	if len(file) == 0 {
		return deletePendingJobsFile(path)
	}

	data, err := msgpack.Marshal(file)
	if err != nil {
		return fmt.Errorf("job: marshal pending jobs file: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("job: create pending jobs dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("job: write pending jobs temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("job: rename pending jobs file: %w", err)
	}
	return nil
}

func deletePendingJobsFile(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("job: remove pending jobs file: %w", err)
	}
	return nil
}

// resumedJob is one fully-decoded entry ready for dispatch.
type resumedJob struct {
	dbID       uuid.UUID
	locationID uuid.UUID
	root       Job
	rootTasks  []byte // reserved: per-job decoders consume task bytes directly during decode, not here
	nextJobs   []Job
}

// decodeEntry implements the per-entry half of the persistence
// contract: decode the root job (with its paired task bytes), then
// decode every next_job and enforce the invariant that none of them
// carry serialized tasks — they have not run yet, so if one does the
// data file is considered corrupt for that entry and the whole chain
// is dropped with an error.
func decodeEntry(entry StoredJobEntry) (*resumedJob, error) {
	rootPayload, err := decodePayload(entry.Root.SerializedJob)
	if err != nil {
		return nil, fmt.Errorf("job: decode root payload for %s: %w", entry.Root.ID, err)
	}
	root, err := decode(entry.Root.Name, rootPayload.JobBytes, rootPayload.TaskBytes)
	if err != nil {
		return nil, fmt.Errorf("job: decode root job %s: %w", entry.Root.ID, err)
	}

	nextJobs := make([]Job, 0, len(entry.Next))
	for _, sj := range entry.Next {
		payload, err := decodePayload(sj.SerializedJob)
		if err != nil {
			return nil, fmt.Errorf("job: decode next-job payload for %s: %w", sj.ID, err)
		}
		if len(payload.TaskBytes) > 0 {
			return nil, fmt.Errorf("job: next_job %s carries serialized tasks, chain for %s is corrupt", sj.ID, entry.Root.ID)
		}
		next, err := decode(sj.Name, payload.JobBytes, nil)
		if err != nil {
			return nil, fmt.Errorf("job: decode next job %s: %w", sj.ID, err)
		}
		nextJobs = append(nextJobs, next)
	}

	return &resumedJob{
		dbID:       uuid.Nil, // filled by caller, which knows the map key
		locationID: entry.LocationID,
		root:       root,
		nextJobs:   nextJobs,
	}, nil
}

func decodePayload(raw []byte) (jobPayload, error) {
	if len(raw) == 0 {
		return jobPayload{}, nil
	}
	var p jobPayload
	if err := msgpack.Unmarshal(raw, &p); err != nil {
		return jobPayload{}, err
	}
	return p, nil
}

func encodePayload(jobBytes []byte, taskBytes [][]byte) ([]byte, error) {
	if jobBytes == nil && len(taskBytes) == 0 {
		return nil, nil
	}
	return msgpack.Marshal(jobPayload{JobBytes: jobBytes, TaskBytes: taskBytes})
}
