package syncengine

import (
	"github.com/google/uuid"

	"github.com/duskfall-labs/corevault/internal/clock"
	"github.com/duskfall-labs/corevault/internal/crdt"
)

// Resolution names the strategy used for an op kind/tag combination,
// kept to three fixed CRDT rules rather than pluggable strategies.
type Resolution string

const (
	ResolutionIdempotentCreate Resolution = "idempotent_create"
	ResolutionTimestampUpdate  Resolution = "timestamp_update"
	ResolutionTombstoneDelete  Resolution = "tombstone_delete"
)

// ConflictResolver decides whether an incoming operation should be
// applied, following three rules. It holds no mutable state — "last
// applied" is looked up by the caller (apply.go) from the operations
// log — so a single resolver is safe to share.
type ConflictResolver struct{}

// NewConflictResolver constructs a ConflictResolver. The rules here
// are fixed per DataTag rather than pluggable per strategy.
func NewConflictResolver() *ConflictResolver {
	return &ConflictResolver{}
}

// Candidate is one side of an ordering comparison: a timestamp paired
// with the instance that produced it (ordering key).
type Candidate struct {
	Timestamp clock.Timestamp
	Instance  uuid.UUID
}

func less(a, b Candidate) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.Instance.String() < b.Instance.String()
}

// ShouldApplyCreate implements the idempotent-create rule: a Create
// applies only when no row currently exists for the sync-id AND its
// (timestamp, instance) strictly exceeds the last applied write for
// that record — otherwise a stale Create replayed after a tombstoning
// Delete would resurrect it. lastApplied is the zero Candidate when no
// prior write has been applied.
func (cr *ConflictResolver) ShouldApplyCreate(lastApplied, incoming Candidate, rowExists bool) bool {
	if rowExists {
		return false
	}
	if lastApplied.Timestamp == 0 && lastApplied.Instance == uuid.Nil {
		return true
	}
	return less(lastApplied, incoming)
}

// ShouldApplyUpdate applies the incoming update iff its (timestamp,
// instance) strictly exceeds the last applied update for that
// (record, field). lastApplied is the zero Candidate when no prior
// update has been applied.
func (cr *ConflictResolver) ShouldApplyUpdate(lastApplied, incoming Candidate) bool {
	if lastApplied.Timestamp == 0 && lastApplied.Instance == uuid.Nil {
		return true
	}
	return less(lastApplied, incoming)
}

// ShouldApplyDelete implements the tombstone rule: a delete wins over
// any update with a smaller timestamp, and a later Create with a
// larger timestamp resurrects the record. A tombstone applies over
// the current state whenever its timestamp exceeds the last applied
// write, exactly the update rule — the asymmetry is that once a
// tombstone is the latest write, only a strictly later Create may
// undo it, which ShouldApplyCreate enforces by comparing against the
// same last-applied-write value.
func (cr *ConflictResolver) ShouldApplyDelete(lastApplied, incoming Candidate) bool {
	return cr.ShouldApplyUpdate(lastApplied, incoming)
}

// ResolveKind names the resolution rule that governs an operation's
// data tag.
func ResolveKind(tag crdt.DataTag) Resolution {
	switch tag {
	case crdt.TagCreate:
		return ResolutionIdempotentCreate
	case crdt.TagDelete:
		return ResolutionTombstoneDelete
	default:
		return ResolutionTimestampUpdate
	}
}
