package job

import (
	"github.com/google/uuid"
)

// StoredJob is the persisted shape of one job. SerializedJob is the
// msgpack encoding of a jobPayload, not the raw job.Serialize bytes,
// so a suspended job's in-flight task states travel alongside it in
// one artifact.
type StoredJob struct {
	ID            uuid.UUID `msgpack:"id"`
	Name          Name      `msgpack:"name"`
	SerializedJob []byte    `msgpack:"serialized_job"`
}

// jobPayload is what StoredJob.SerializedJob actually encodes: the
// job's own continuation bytes plus zero or more serialized tasks it
// had in flight.
type jobPayload struct {
	JobBytes  []byte   `msgpack:"job_bytes,omitempty"`
	TaskBytes [][]byte `msgpack:"task_bytes,omitempty"`
}

// StoredJobEntry is the persisted shape of one root job plus its
// unstarted continuation chain.
type StoredJobEntry struct {
	LocationID uuid.UUID   `msgpack:"location_id"`
	Root       StoredJob   `msgpack:"root"`
	Next       []StoredJob `msgpack:"next_jobs"`
}

// PendingJobsFile is the on-disk artifact mapping database_uuid to
// its list of StoredJobEntry values.
type PendingJobsFile map[uuid.UUID][]StoredJobEntry
