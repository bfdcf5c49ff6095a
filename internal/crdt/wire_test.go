package crdt

import (
	"testing"

	"github.com/duskfall-labs/corevault/internal/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	instance := uuid.New()
	syncID := uuid.New()
	op := NewShared(instance, clock.Timestamp(42), ModelFilePath, SharedRecordID(syncID), Update{Field: "name", Value: "bar"})

	data, err := Marshal(op)
	require.NoError(t, err)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, op, decoded)
}

func TestMarshalIsByteIdentical(t *testing.T) {
	instance := uuid.New()
	syncID := uuid.New()
	op := NewShared(instance, clock.Timestamp(7), ModelObject, SharedRecordID(syncID), Create{Fields: map[string]interface{}{"size": int64(10)}})

	a, err := Marshal(op)
	require.NoError(t, err)
	b, err := Marshal(op)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestMarshalBatchRoundTrip(t *testing.T) {
	instance := uuid.New()
	ops := []Operation{
		NewShared(instance, clock.Timestamp(1), ModelFilePath, SharedRecordID(uuid.New()), Create{Fields: map[string]interface{}{"path": "/a"}}),
		NewRelation(instance, clock.Timestamp(2), ModelTagOnObject, RelationRecordID(uuid.New(), uuid.New()), Delete{}),
	}

	data, err := MarshalBatch(ops)
	require.NoError(t, err)

	decoded, err := UnmarshalBatch(data)
	require.NoError(t, err)
	require.Equal(t, ops, decoded)
}

func TestLessOrdersByTimestampThenInstance(t *testing.T) {
	a := Operation{HLCTimestamp: 1, InstanceUUID: uuid.MustParse("00000000-0000-0000-0000-000000000001")}
	b := Operation{HLCTimestamp: 1, InstanceUUID: uuid.MustParse("00000000-0000-0000-0000-000000000002")}
	require.True(t, Less(a, b))
	require.False(t, Less(b, a))

	c := Operation{HLCTimestamp: 2, InstanceUUID: uuid.MustParse("00000000-0000-0000-0000-000000000000")}
	require.True(t, Less(a, c))
}
