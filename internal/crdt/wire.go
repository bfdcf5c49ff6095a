package crdt

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/duskfall-labs/corevault/internal/clock"
)

func clockTimestamp(u uint64) clock.Timestamp { return clock.Timestamp(u) }

// wireOperation mirrors the on-the-wire msgpack shape: instance (16
// bytes), timestamp (u64 NTP64), model_id (u16), record_id (nested
// value), and a tagged union for the payload with tag "c"|"u"|"d".
type wireOperation struct {
	Instance  [16]byte               `msgpack:"instance"`
	Timestamp uint64                 `msgpack:"timestamp"`
	ModelID   uint16                 `msgpack:"model_id"`
	RecordID  RecordID               `msgpack:"record_id"`
	Kind      uint8                  `msgpack:"kind"`
	Tag       string                 `msgpack:"tag"`
	Create    map[string]interface{} `msgpack:"create,omitempty"`
	UpdField  string                 `msgpack:"upd_field,omitempty"`
	UpdValue  interface{}            `msgpack:"upd_value,omitempty"`
}

// Marshal encodes an Operation as MessagePack per the wire contract.
func Marshal(op Operation) ([]byte, error) {
	w := wireOperation{
		Instance:  [16]byte(op.InstanceUUID),
		Timestamp: uint64(op.HLCTimestamp),
		ModelID:   uint16(op.ModelID),
		RecordID:  op.RecordID,
		Kind:      uint8(op.Kind),
		Tag:       string(op.Tag),
		Create:    op.CreateFields,
		UpdField:  op.UpdateField,
		UpdValue:  op.UpdateValue,
	}
	return msgpack.Marshal(w)
}

// Unmarshal decodes MessagePack bytes produced by Marshal back into an Operation.
func Unmarshal(data []byte) (Operation, error) {
	var w wireOperation
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return Operation{}, fmt.Errorf("crdt: unmarshal operation: %w", err)
	}
	op := Operation{
		InstanceUUID: uuid.UUID(w.Instance),
		HLCTimestamp: clockTimestamp(w.Timestamp),
		ModelID:      ModelID(w.ModelID),
		RecordID:     w.RecordID,
		Kind:         Kind(w.Kind),
		Tag:          DataTag(w.Tag),
		CreateFields: w.Create,
		UpdateField:  w.UpdField,
		UpdateValue:  w.UpdValue,
	}
	return op, nil
}

// MarshalBatch encodes a slice of operations as a MessagePack array,
// used when persisting an operation batch alongside a write_ops call.
func MarshalBatch(ops []Operation) ([]byte, error) {
	wires := make([]wireOperation, len(ops))
	for i, op := range ops {
		wires[i] = wireOperation{
			Instance:  [16]byte(op.InstanceUUID),
			Timestamp: uint64(op.HLCTimestamp),
			ModelID:   uint16(op.ModelID),
			RecordID:  op.RecordID,
			Kind:      uint8(op.Kind),
			Tag:       string(op.Tag),
			Create:    op.CreateFields,
			UpdField:  op.UpdateField,
			UpdValue:  op.UpdateValue,
		}
	}
	return msgpack.Marshal(wires)
}

// UnmarshalBatch decodes a MessagePack array produced by MarshalBatch.
func UnmarshalBatch(data []byte) ([]Operation, error) {
	var wires []wireOperation
	if err := msgpack.Unmarshal(data, &wires); err != nil {
		return nil, fmt.Errorf("crdt: unmarshal operation batch: %w", err)
	}
	ops := make([]Operation, len(wires))
	for i, w := range wires {
		ops[i] = Operation{
			InstanceUUID: uuid.UUID(w.Instance),
			HLCTimestamp: clockTimestamp(w.Timestamp),
			ModelID:      ModelID(w.ModelID),
			RecordID:     w.RecordID,
			Kind:         Kind(w.Kind),
			Tag:          DataTag(w.Tag),
			CreateFields: w.Create,
			UpdateField:  w.UpdField,
			UpdateValue:  w.UpdValue,
		}
	}
	return ops, nil
}
