package domain

import (
	"encoding/json"
	"time"
)

// BidOutcomeKind classifies the result of a bid placement.
type BidOutcomeKind string

const (
	// BidAccepted means the bid was recorded and we are now the high bidder.
	BidAccepted BidOutcomeKind = "accepted"
	// BidAcceptedButOutbid means the bid was recorded but another bidder's
	// standing maximum immediately outbid it.
	BidAcceptedButOutbid BidOutcomeKind = "acceptedButOutbid"
	// BidRejected means the site logically refused the bid.
	BidRejected BidOutcomeKind = "rejected"
	// BidTransportError means the request never produced a usable response.
	BidTransportError BidOutcomeKind = "transportError"
)

// RejectReason refines a BidRejected outcome.
type RejectReason string

const (
	RejectUpstreamError    RejectReason = "upstreamError"
	RejectNotAllowed       RejectReason = "notAllowed"
	RejectBidTooLow        RejectReason = "bidTooLow"
	RejectAuctionClosed    RejectReason = "auctionClosed"
	RejectNotAuthenticated RejectReason = "notAuthenticated"
)

// BidOutcome is the parsed result of UpstreamClient.PlaceBid.
type BidOutcome struct {
	Kind BidOutcomeKind `json:"kind"`

	// Populated for acceptedButOutbid.
	NewCurrent        int `json:"newCurrent,omitempty"`
	NewMinimumNextBid int `json:"newMinimumNextBid,omitempty"`
	NewBidCount       int `json:"newBidCount,omitempty"`
	NewBidderCount    int `json:"newBidderCount,omitempty"`

	// Populated for rejected.
	Reason RejectReason `json:"reason,omitempty"`

	// Raw upstream response body, kept for the bid history record.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// Success reports whether the bid was recorded upstream.
func (o BidOutcome) Success() bool {
	return o.Kind == BidAccepted || o.Kind == BidAcceptedButOutbid
}

// BidRecord is one append-only entry in an auction's bid history, capped at
// the 100 most recent per auction by the store.
type BidRecord struct {
	ID               string          `json:"id"`
	AuctionID        string          `json:"auctionId"`
	Amount           int             `json:"amount"`
	Strategy         Strategy        `json:"strategy"`
	Success          bool            `json:"success"`
	Error            string          `json:"error,omitempty"`
	UpstreamResponse json.RawMessage `json:"upstreamResponse,omitempty"`
	Time             time.Time       `json:"time"`
}

// BidHistoryCap is the maximum number of retained bid records per auction.
const BidHistoryCap = 100
