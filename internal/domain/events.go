package domain

import "time"

// SnapshotEvent is emitted by an update pipeline and forwarded by the router
// with the producing source recorded.
type SnapshotEvent struct {
	AuctionID string
	Snapshot  Snapshot
	Source    UpdateSource
}

// StateTransition is emitted by the state machine whenever an auction changes
// lifecycle state.
type StateTransition struct {
	AuctionID string
	From      AuctionState
	To        AuctionState
	At        time.Time
}

// NotificationKind enumerates the client-facing notification frames.
type NotificationKind string

const (
	NotifyOutbid        NotificationKind = "outbid"
	NotifyEnded         NotificationKind = "ended"
	NotifyMaxBidReached NotificationKind = "maxBidReached"
	NotifyBidError      NotificationKind = "bidError"
)

// Notification is broadcast to all authenticated clients and, filtered by
// event type, forwarded to operator notification senders.
type Notification struct {
	Kind      NotificationKind `json:"kind"`
	AuctionID string           `json:"auctionId"`
	Fields    map[string]any   `json:"fields,omitempty"`
}

// BidResult reports a finished bid attempt back to the coordinator: the
// parsed outcome for bids that reached the site, or Err for attempts that
// never did (circuit open, transport failure).
type BidResult struct {
	AuctionID string
	Amount    int
	Strategy  Strategy
	Manual    bool
	Outcome   BidOutcome
	Err       error
	At        time.Time
}

// PipelineHealth is reported by the event stream per auction and consumed by
// the update router to select the active pipeline.
type PipelineHealth struct {
	AuctionID string
	Healthy   bool
}
