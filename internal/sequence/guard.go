// Package sequence tracks update continuity for one (exchange, symbol) book.
//
// A Guard starts Unsynced. Only a snapshot (Reset) makes it Synced. While
// synced, each diff is checked against the exchange's continuity Policy:
// stale and duplicate diffs are dropped silently, a broken chain moves the
// guard to GapDetected until the owner calls Resync.
package sequence

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by Check.
var (
	ErrUnsynced = errors.New("sequence: no snapshot applied")
	ErrStale    = errors.New("sequence: stale or duplicate update")
	ErrGap      = errors.New("sequence: gap detected")
)

// State is the guard's position in its state machine.
type State uint8

const (
	Unsynced State = iota
	Synced
	GapDetected
)

func (s State) String() string {
	switch s {
	case Unsynced:
		return "unsynced"
	case Synced:
		return "synced"
	case GapDetected:
		return "gap_detected"
	default:
		return "unknown"
	}
}

// Policy is the exchange-specific continuity rule.
type Policy uint8

const (
	// PolicyNone accepts every diff while synced. Used by feeds that only
	// ever deliver full snapshots.
	PolicyNone Policy = iota

	// PolicyPreviousID requires each diff to name the last applied id as its
	// previous id. The first diff after a snapshot may instead bridge it
	// (First <= last+1 <= Last).
	PolicyPreviousID

	// PolicyRange requires the first diff after a snapshot to bridge it and
	// every later diff to start exactly at last+1.
	PolicyRange

	// PolicyMonotonic only requires ids to strictly increase.
	PolicyMonotonic

	// PolicyNonDecreasing allows repeated ids. Used when the id is an
	// exchange timestamp.
	PolicyNonDecreasing
)

func (p Policy) String() string {
	switch p {
	case PolicyNone:
		return "none"
	case PolicyPreviousID:
		return "previous_id"
	case PolicyRange:
		return "range"
	case PolicyMonotonic:
		return "monotonic"
	case PolicyNonDecreasing:
		return "non_decreasing"
	default:
		return "unknown"
	}
}

// Span carries the ids an update declares. Exchanges fill different subsets:
// Binance U/u/pu, OKX seqId/prevSeqId, KuCoin sequenceStart/sequenceEnd.
type Span struct {
	First int64 // first update id covered, 0 when unknown
	Last  int64 // final update id, the value the guard advances to
	Prev  int64 // previous update id declared by the exchange, 0 when unknown
	HasID bool  // false when the update carries no usable id at all
}

// Guard is not safe for concurrent use; it belongs to a single pipeline.
type Guard struct {
	policy  Policy
	state   State
	lastID  int64
	hasID   bool
	bridged bool
}

// New returns an Unsynced guard.
func New(policy Policy) *Guard {
	return &Guard{policy: policy}
}

// Policy returns the continuity rule the guard enforces.
func (g *Guard) Policy() Policy { return g.policy }

// State returns the current state.
func (g *Guard) State() State { return g.state }

// LastID returns the last applied id and whether one is known.
func (g *Guard) LastID() (int64, bool) { return g.lastID, g.hasID }

// Reset records a freshly applied snapshot and moves to Synced.
func (g *Guard) Reset(span Span) {
	g.state = Synced
	g.lastID = span.Last
	g.hasID = span.HasID
	g.bridged = false
}

// Invalidate forgets the snapshot, e.g. when the subscription is torn down.
func (g *Guard) Invalidate() {
	g.state = Unsynced
	g.lastID = 0
	g.hasID = false
	g.bridged = false
}

// Resync acknowledges a detected gap. The guard stays Unsynced until the next
// Reset.
func (g *Guard) Resync() {
	if g.state == GapDetected {
		g.Invalidate()
	}
}

// Check validates a diff. A nil return means the diff must be applied and the
// guard has advanced. ErrStale and ErrUnsynced mean drop silently. ErrGap
// means the book can no longer be trusted.
func (g *Guard) Check(span Span) error {
	switch g.state {
	case Unsynced:
		return ErrUnsynced
	case GapDetected:
		return ErrGap
	}

	if g.policy == PolicyNone {
		if span.HasID {
			g.lastID = span.Last
			g.hasID = true
		}
		return nil
	}

	if !span.HasID {
		return g.gap("update carries no id")
	}
	if !g.hasID {
		// Snapshot carried no id; accept the first diff as the new baseline.
		g.advance(span)
		return nil
	}

	switch g.policy {
	case PolicyPreviousID:
		// A matching previous id continues the chain even when the new id is
		// lower: OKX resets seqId that way.
		if span.Prev != 0 && span.Prev == g.lastID {
			g.advance(span)
			return nil
		}
		if span.Last <= g.lastID {
			return ErrStale
		}
		if !g.bridged && span.First > 0 && span.First <= g.lastID+1 {
			g.advance(span)
			return nil
		}
		return g.gap(fmt.Sprintf("previous id %d, last applied %d", span.Prev, g.lastID))

	case PolicyRange:
		if span.Last <= g.lastID {
			return ErrStale
		}
		if !g.bridged {
			if span.First <= g.lastID+1 {
				g.advance(span)
				return nil
			}
		} else if span.First == g.lastID+1 {
			g.advance(span)
			return nil
		}
		return g.gap(fmt.Sprintf("range %d..%d does not continue %d", span.First, span.Last, g.lastID))

	case PolicyMonotonic:
		if span.Last <= g.lastID {
			return ErrStale
		}
		g.advance(span)
		return nil

	case PolicyNonDecreasing:
		if span.Last < g.lastID {
			return ErrStale
		}
		g.advance(span)
		return nil
	}

	return g.gap("unknown policy " + g.policy.String())
}

func (g *Guard) advance(span Span) {
	g.lastID = span.Last
	g.hasID = true
	g.bridged = true
}

func (g *Guard) gap(detail string) error {
	g.state = GapDetected
	return fmt.Errorf("%w: %s", ErrGap, detail)
}
