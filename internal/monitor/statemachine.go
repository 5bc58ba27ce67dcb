// Package monitor contains the per-auction state machine, the bidding
// strategy engine, and the coordinator that owns the monitored-auction table.
package monitor

import (
	"time"

	"github.com/calprice/auctiond/internal/domain"
)

// NextState computes the lifecycle state implied by a snapshot observed at
// now. It never leaves a terminal state; the Ended → Terminated step is the
// coordinator's delayed purge, not a snapshot-driven transition.
func NextState(current domain.AuctionState, snap domain.Snapshot, now time.Time) domain.AuctionState {
	if current.Terminal() {
		return current
	}

	remaining := snap.TimeRemaining(now)
	switch {
	case snap.IsClosed || remaining <= 0:
		return domain.StateEnded
	case remaining <= domain.EndingThreshold:
		return domain.StateEnding
	default:
		// Covers both fresh enrollment and the anti-snipe extension that
		// pushes an Ending auction back above the threshold.
		return domain.StateMonitoring
	}
}

// MergeResult describes what Merge did with an incoming snapshot.
type MergeResult struct {
	// Applied is false when the snapshot lost the ordering tie-break or the
	// auction is already terminal.
	Applied bool
	// Transition is non-nil when the merge changed the lifecycle state.
	Transition *domain.StateTransition
}

// Merge applies an incoming snapshot to the auction. Snapshots are the source
// of truth for every observed field; config is never touched. The caller (the
// coordinator) holds exclusive ownership of a.
func Merge(a *domain.Auction, ev domain.SnapshotEvent, now time.Time) MergeResult {
	if a.State.Terminal() {
		return MergeResult{}
	}
	if !domain.ShouldReplace(a.Current, ev.Snapshot) {
		return MergeResult{}
	}

	a.Current = ev.Snapshot
	a.LastUpdatedAt = ev.Snapshot.ObservedAt
	a.Source = ev.Source

	next := NextState(a.State, ev.Snapshot, now)
	if next == a.State {
		return MergeResult{Applied: true}
	}

	from := a.State
	a.State = next
	return MergeResult{
		Applied: true,
		Transition: &domain.StateTransition{
			AuctionID: a.ID,
			From:      from,
			To:        next,
			At:        now,
		},
	}
}
