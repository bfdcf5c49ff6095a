package clock

import "time"

// Timestamp is an NTP64-style fixed-point timestamp: the high 32 bits
// hold whole seconds since the Unix epoch, the low 32 bits hold a
// fractional-second counter used to break ties within the same second
// and as the HLC's logical counter. It orders correctly as a plain
// uint64 comparison, which is what the sync engine's LWW rule relies on.
type Timestamp uint64

const fracBits = 32

// FromTime converts a wall-clock time into a Timestamp with a zero
// logical counter.
func FromTime(t time.Time) Timestamp {
	secs := uint64(t.Unix())
	frac := uint64(t.Nanosecond()) * (1 << fracBits) / 1e9
	return Timestamp(secs<<fracBits | (frac & (1<<fracBits - 1)))
}

// Seconds returns the whole-seconds component.
func (ts Timestamp) Seconds() uint64 { return uint64(ts) >> fracBits }

// Counter returns the fractional/logical-counter component.
func (ts Timestamp) Counter() uint32 { return uint32(ts) }

// Time approximates the wall-clock instant of ts, discarding
// sub-nanosecond precision in the logical counter.
func (ts Timestamp) Time() time.Time {
	nanos := int64(ts.Counter()) * 1e9 / (1 << fracBits)
	return time.Unix(int64(ts.Seconds()), nanos).UTC()
}
