// Package clock implements the Hybrid Logical Clock used to order
// every CRDT operation emitted by the sync engine, built on stdlib
// time/sync (see DESIGN.md for why no third-party HLC package is used
// here).
package clock

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxDrift bounds how far a remote timestamp may exceed local physical
// time before it is rejected as a clock anomaly.
const MaxDrift = 10 * time.Minute

// ErrDriftTooLarge is returned by UpdateWithTimestamp when the remote
// timestamp is implausibly far ahead of local physical time.
var ErrDriftTooLarge = errors.New("clock: remote timestamp exceeds max drift")

// nowFunc is overridable in tests.
var nowFunc = time.Now

// HLC is a single-writer Hybrid Logical Clock, one per process
// instance. It is safe for concurrent use; NewTimestamp and
// UpdateWithTimestamp serialize internally.
type HLC struct {
	mu       sync.Mutex
	instance uuid.UUID
	last     Timestamp
}

// New creates an HLC seeded from the instance's stable UUID.
func New(instance uuid.UUID) *HLC {
	return &HLC{instance: instance, last: FromTime(nowFunc())}
}

// Instance returns the UUID this clock was seeded with.
func (c *HLC) Instance() uuid.UUID { return c.instance }

// NewTimestamp returns a timestamp strictly greater than every
// timestamp this clock has previously produced or observed: every
// emitted operation has a timestamp strictly greater than the
// previous local emission.
func (c *HLC) NewTimestamp() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physical := FromTime(nowFunc())
	if physical > c.last {
		c.last = physical
	} else {
		c.last++
	}
	return c.last
}

// UpdateWithTimestamp folds a remote operation's timestamp into the
// local clock. The instance is accepted for symmetry with the
// classic HLC merge rule (ties are broken by instance id) even though
// this implementation does not persist per-peer state beyond the
// single running maximum.
func (c *HLC) UpdateWithTimestamp(remote Timestamp, _remoteInstance uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	physical := FromTime(nowFunc())
	if remote > physical && remote.Time().Sub(physical.Time()) > MaxDrift {
		return ErrDriftTooLarge
	}

	max := c.last
	if remote > max {
		max = remote
	}
	if physical > max {
		max = physical
	}
	if max == c.last {
		max++
	}
	c.last = max
	return nil
}

// Last returns the most recent timestamp produced or observed, without
// advancing the clock. Intended for diagnostics/tests.
func (c *HLC) Last() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
