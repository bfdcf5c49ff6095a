package storage

import (
	"time"

	"github.com/google/uuid"
)

// FilePath mirrors the file_path table row: one entry per indexed
// filesystem path, including the object it resolves to once identified.
type FilePath struct {
	PubID            uuid.UUID
	LocationID       uuid.UUID
	MaterializedPath string
	Name             string
	IsDir            bool
	SizeInBytes      int64
	ObjectID         *uuid.UUID
	Inode            *int64
	DateCreated      time.Time
	DateModified     time.Time
}

// Object mirrors the object table row: a content-addressed entity a
// FilePath can point to once its identifier has been computed.
type Object struct {
	PubID       uuid.UUID
	ContentHash string
	Kind        int16
	SizeInBytes int64
	DateCreated time.Time
}

// Location mirrors the location table row: a user-registered root
// directory under management, the unit WalkDirTask operates over. The
// pending-jobs file is grouped by database id; each of its entries
// records the location_id its job was dispatched for.
type Location struct {
	PubID        uuid.UUID
	Name         string
	RootPath     string
	IncludeRules []string
	ExcludeRules []string
	IsArchived   bool
	DateCreated  time.Time
}

// JobReportRow mirrors the job_report table row, a durable projection
// of a job.Report. No code reads or writes that table: status queries
// read the live runner, and pending jobs survive a restart through the
// pending-jobs file alone.
type JobReportRow struct {
	ID          uuid.UUID
	JobName     string
	Status      int16
	ParentID    *uuid.UUID
	Metadata    []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}
