package vaulterr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAggregatorAggregate(t *testing.T) {
	agg := NewAggregator("walk")
	require.False(t, agg.HasErrors())
	require.Nil(t, agg.Aggregate())

	agg.Add(&NonCriticalError{Item: "a.txt", Cause: errors.New("boom")})
	require.True(t, agg.HasErrors())
	require.Len(t, agg.All(), 1)
	require.ErrorContains(t, agg.Aggregate(), "a.txt")

	agg.Add(&NonCriticalError{Item: "b.txt", Cause: errors.New("boom2")})
	require.ErrorContains(t, agg.Aggregate(), "2 errors")
}

func TestErrorsWrapCauses(t *testing.T) {
	cause := errors.New("conn refused")
	fatal := &FatalJobError{Op: "init", Cause: cause}
	require.ErrorIs(t, fatal, cause)

	corrupt := &CorruptionError{Path: "pending_jobs.bin", Cause: cause}
	require.ErrorIs(t, corrupt, cause)
}
