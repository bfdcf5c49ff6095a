// Package crdt defines the operation log record that the sync engine
// attaches to every library mutation. Operations are
// content-agnostic: the model registry maps a stable model_id to the
// record type it describes, and conflict resolution operates purely on
// (timestamp, instance) tuples, never on application semantics.
package crdt

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/duskfall-labs/corevault/internal/clock"
)

// Kind distinguishes object-granular operations from link operations
// between two records.
type Kind uint8

const (
	KindShared Kind = iota
	KindRelation
)

// DataTag is the wire discriminator for an operation's payload.
type DataTag string

const (
	TagCreate DataTag = "c"
	TagUpdate DataTag = "u"
	TagDelete DataTag = "d"
)

// Data is implemented by Create, Update, and Delete.
type Data interface {
	tag() DataTag
}

// Create carries the full field set of a newly observed record.
type Create struct {
	Fields map[string]interface{}
}

func (Create) tag() DataTag { return TagCreate }

// Update carries a single changed field.
type Update struct {
	Field string
	Value interface{}
}

func (Update) tag() DataTag { return TagUpdate }

// Delete tombstones a record; it carries no payload.
type Delete struct{}

func (Delete) tag() DataTag { return TagDelete }

// RecordID identifies the record an operation applies to. For Shared
// operations it is the record's own sync-id; for Relation operations
// it is the composite (group, item) link key.
type RecordID struct {
	Sync  []byte `msgpack:"sync,omitempty"`
	Group []byte `msgpack:"group,omitempty"`
	Item  []byte `msgpack:"item,omitempty"`
}

// SharedRecordID builds a RecordID for an object-granular operation.
func SharedRecordID(syncID uuid.UUID) RecordID {
	b := syncID
	return RecordID{Sync: b[:]}
}

// RelationRecordID builds a RecordID for a link between two sync-ids.
func RelationRecordID(group, item uuid.UUID) RecordID {
	g, i := group, item
	return RecordID{Group: g[:], Item: i[:]}
}

// Operation is one entry in the CRDT operation log.
type Operation struct {
	InstanceUUID  uuid.UUID       `msgpack:"instance"`
	HLCTimestamp  clock.Timestamp `msgpack:"timestamp"`
	ModelID       ModelID         `msgpack:"model_id"`
	RecordID      RecordID        `msgpack:"record_id"`
	Kind          Kind            `msgpack:"kind"`
	Tag           DataTag         `msgpack:"tag"`
	CreateFields  map[string]interface{} `msgpack:"create_fields,omitempty"`
	UpdateField   string                  `msgpack:"update_field,omitempty"`
	UpdateValue   interface{}             `msgpack:"update_value,omitempty"`
}

// NewShared builds a Shared operation of the given data kind.
func NewShared(instance uuid.UUID, ts clock.Timestamp, model ModelID, record RecordID, data Data) Operation {
	op := Operation{
		InstanceUUID: instance,
		HLCTimestamp: ts,
		ModelID:      model,
		RecordID:     record,
		Kind:         KindShared,
		Tag:          data.tag(),
	}
	applyData(&op, data)
	return op
}

// NewRelation builds a Relation operation of the given data kind.
func NewRelation(instance uuid.UUID, ts clock.Timestamp, model ModelID, record RecordID, data Data) Operation {
	op := Operation{
		InstanceUUID: instance,
		HLCTimestamp: ts,
		ModelID:      model,
		RecordID:     record,
		Kind:         KindRelation,
		Tag:          data.tag(),
	}
	applyData(&op, data)
	return op
}

func applyData(op *Operation, data Data) {
	switch d := data.(type) {
	case Create:
		op.CreateFields = d.Fields
	case Update:
		op.UpdateField = d.Field
		op.UpdateValue = d.Value
	case Delete:
		// no payload
	}
}

// Data reconstructs the typed payload from the operation's flattened wire fields.
func (op Operation) Data() Data {
	switch op.Tag {
	case TagCreate:
		return Create{Fields: op.CreateFields}
	case TagUpdate:
		return Update{Field: op.UpdateField, Value: op.UpdateValue}
	case TagDelete:
		return Delete{}
	default:
		panic(fmt.Sprintf("crdt: unknown data tag %q", op.Tag))
	}
}

// Less orders operations by the conflict key: (timestamp, instance).
func Less(a, b Operation) bool {
	if a.HLCTimestamp != b.HLCTimestamp {
		return a.HLCTimestamp < b.HLCTimestamp
	}
	return a.InstanceUUID.String() < b.InstanceUUID.String()
}
