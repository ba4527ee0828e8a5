package sequence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func synced(policy Policy, last int64) *Guard {
	g := New(policy)
	g.Reset(Span{Last: last, HasID: true})
	return g
}

func TestGuard_RejectsDiffBeforeSnapshot(t *testing.T) {
	g := New(PolicyPreviousID)
	err := g.Check(Span{Last: 11, Prev: 10, HasID: true})
	assert.ErrorIs(t, err, ErrUnsynced)
	assert.Equal(t, Unsynced, g.State())
}

func TestGuard_PreviousIDContinuity(t *testing.T) {
	g := synced(PolicyPreviousID, 100)

	require.NoError(t, g.Check(Span{Last: 101, Prev: 100, HasID: true}))
	last, ok := g.LastID()
	require.True(t, ok)
	assert.Equal(t, int64(101), last)
	assert.Equal(t, Synced, g.State())
}

func TestGuard_PreviousIDGap(t *testing.T) {
	g := synced(PolicyPreviousID, 100)

	err := g.Check(Span{Last: 106, Prev: 105, HasID: true})
	require.ErrorIs(t, err, ErrGap)
	assert.Equal(t, GapDetected, g.State())

	// Further diffs are refused until the owner acknowledges.
	assert.ErrorIs(t, g.Check(Span{Last: 107, Prev: 106, HasID: true}), ErrGap)

	g.Resync()
	assert.Equal(t, Unsynced, g.State())
	assert.ErrorIs(t, g.Check(Span{Last: 107, Prev: 106, HasID: true}), ErrUnsynced)

	g.Reset(Span{Last: 200, HasID: true})
	assert.Equal(t, Synced, g.State())
	assert.NoError(t, g.Check(Span{Last: 201, Prev: 200, HasID: true}))
}

func TestGuard_StaleIsNotAGap(t *testing.T) {
	g := synced(PolicyPreviousID, 10)
	require.NoError(t, g.Check(Span{Last: 11, Prev: 10, HasID: true}))
	require.NoError(t, g.Check(Span{Last: 12, Prev: 11, HasID: true}))

	err := g.Check(Span{Last: 11, Prev: 10, HasID: true})
	assert.ErrorIs(t, err, ErrStale)
	assert.Equal(t, Synced, g.State())
	last, _ := g.LastID()
	assert.Equal(t, int64(12), last)
}

func TestGuard_PreviousIDSequenceReset(t *testing.T) {
	g := synced(PolicyPreviousID, 1000)

	// The exchange restarts numbering; prev still names the last id.
	require.NoError(t, g.Check(Span{Last: 5, Prev: 1000, HasID: true}))
	require.NoError(t, g.Check(Span{Last: 6, Prev: 5, HasID: true}))
	last, _ := g.LastID()
	assert.Equal(t, int64(6), last)
	assert.Equal(t, Synced, g.State())

	// A lower id that does not chain is still a duplicate.
	assert.ErrorIs(t, g.Check(Span{Last: 5, Prev: 1000, HasID: true}), ErrStale)
}

func TestGuard_PreviousIDBridgesFirstEvent(t *testing.T) {
	// Binance futures: first event after the snapshot has U <= id+1 <= u and
	// a pu that predates the snapshot.
	g := synced(PolicyPreviousID, 1000)
	require.NoError(t, g.Check(Span{First: 995, Last: 1005, Prev: 990, HasID: true}))

	// After bridging, pu must match exactly.
	err := g.Check(Span{First: 1010, Last: 1012, Prev: 1009, HasID: true})
	assert.ErrorIs(t, err, ErrGap)
}

func TestGuard_Range(t *testing.T) {
	tests := []struct {
		name  string
		spans []Span
		want  []error
	}{
		{
			name:  "bridge then contiguous",
			spans: []Span{{First: 95, Last: 105, HasID: true}, {First: 106, Last: 110, HasID: true}},
			want:  []error{nil, nil},
		},
		{
			name:  "entirely before snapshot",
			spans: []Span{{First: 90, Last: 100, HasID: true}},
			want:  []error{ErrStale},
		},
		{
			name:  "first event leaves a hole",
			spans: []Span{{First: 102, Last: 105, HasID: true}},
			want:  []error{ErrGap},
		},
		{
			name:  "hole after bridging",
			spans: []Span{{First: 101, Last: 103, HasID: true}, {First: 105, Last: 107, HasID: true}},
			want:  []error{nil, ErrGap},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := synced(PolicyRange, 100)
			for i, span := range tt.spans {
				err := g.Check(span)
				if tt.want[i] == nil {
					assert.NoError(t, err, "step %d", i)
				} else {
					assert.ErrorIs(t, err, tt.want[i], "step %d", i)
				}
			}
		})
	}
}

func TestGuard_MonotonicAndNonDecreasing(t *testing.T) {
	m := synced(PolicyMonotonic, 5)
	assert.NoError(t, m.Check(Span{Last: 9, HasID: true}))
	assert.ErrorIs(t, m.Check(Span{Last: 9, HasID: true}), ErrStale)

	n := synced(PolicyNonDecreasing, 5)
	assert.NoError(t, n.Check(Span{Last: 5, HasID: true}))
	assert.NoError(t, n.Check(Span{Last: 7, HasID: true}))
	assert.ErrorIs(t, n.Check(Span{Last: 6, HasID: true}), ErrStale)
}

func TestGuard_MissingIDIsGap(t *testing.T) {
	g := synced(PolicyMonotonic, 5)
	assert.ErrorIs(t, g.Check(Span{}), ErrGap)

	none := synced(PolicyNone, 0)
	assert.NoError(t, none.Check(Span{}))
}

func TestGuard_SnapshotWithoutID(t *testing.T) {
	g := New(PolicyPreviousID)
	g.Reset(Span{})
	require.NoError(t, g.Check(Span{Last: 50, Prev: 49, HasID: true}))
	require.NoError(t, g.Check(Span{Last: 51, Prev: 50, HasID: true}))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "gap_detected", GapDetected.String())
	assert.Equal(t, "range", PolicyRange.String())
}
