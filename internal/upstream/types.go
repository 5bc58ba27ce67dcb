package upstream

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/calprice/auctiond/internal/domain"
)

// productEnvelope is the upstream product-fetch payload. The site's document
// is far richer than this; only the consumed fields are declared and unknown
// fields are tolerated.
type productEnvelope struct {
	Product *productPayload `json:"product"`
}

type productPayload struct {
	ID              json.Number  `json:"id"`
	Title           string       `json:"title"`
	CurrentPrice    json.Number  `json:"currentPrice"`
	BidCount        int          `json:"bidCount"`
	BidderCount     int          `json:"bidderCount"`
	IsClosed        bool         `json:"isClosed"`
	MarketStatus    string       `json:"marketStatus"`
	CloseTime       *closeTime   `json:"closeTime"`
	ExtensionInt    int          `json:"extensionInterval"`
	RetailPrice     json.Number  `json:"retailPrice"`
	InventoryNumber json.Number  `json:"inventoryNumber"`
	UserState       *userState   `json:"userState"`
	Photos          []photoEntry `json:"photos"`
}

type closeTime struct {
	Value string `json:"value"`
}

type userState struct {
	NextBid    json.Number `json:"nextBid"`
	IsWinning  bool        `json:"isWinning"`
	IsWatching bool        `json:"isWatching"`
}

type photoEntry struct {
	URL string `json:"url"`
}

// bidResponse is the upstream bid-POST payload. The success schema is only
// partly known; an unknown success body is treated as accepted unless
// data.minimumNextBid is present.
type bidResponse struct {
	Data *bidData `json:"data"`
}

type bidData struct {
	CurrentAmount  json.Number `json:"currentAmount"`
	MinimumNextBid json.Number `json:"minimumNextBid"`
	BidCount       int         `json:"bidCount"`
	BidderCount    int         `json:"bidderCount"`
}

// toProduct converts the raw payload into the domain shape, validating the
// required fields. observedAt stamps the snapshot.
func (p *productPayload) toProduct(pageURL string, observedAt time.Time) (domain.Product, error) {
	if p == nil {
		return domain.Product{}, domain.ValidationError("product payload missing")
	}
	id := p.ID.String()
	if id == "" {
		return domain.Product{}, domain.ValidationError("product id missing")
	}

	snap := domain.Snapshot{
		CurrentBid:               numToDollars(p.CurrentPrice),
		BidCount:                 p.BidCount,
		BidderCount:              p.BidderCount,
		IsClosed:                 p.IsClosed || isClosedStatus(p.MarketStatus),
		RetailPrice:              numToDollars(p.RetailPrice),
		ExtensionIntervalSeconds: p.ExtensionInt,
		ObservedAt:               observedAt,
	}

	if p.UserState != nil {
		snap.NextBid = numToDollars(p.UserState.NextBid)
		snap.IsWinning = p.UserState.IsWinning
		snap.IsWatching = p.UserState.IsWatching
	}
	if snap.NextBid < snap.CurrentBid+1 {
		snap.NextBid = snap.CurrentBid + 1
	}

	if p.CloseTime != nil && p.CloseTime.Value != "" {
		t, err := time.Parse(time.RFC3339, p.CloseTime.Value)
		if err != nil {
			return domain.Product{}, domain.ValidationError("bad closeTime %q: %v", p.CloseTime.Value, err)
		}
		snap.CloseAt = t
	} else if !snap.IsClosed {
		return domain.Product{}, domain.ValidationError("closeTime missing on open auction")
	}

	meta := domain.AuctionMeta{
		Title: p.Title,
		URL:   pageURL,
	}
	if len(p.Photos) > 0 {
		meta.ImageURL = p.Photos[0].URL
	}

	return domain.Product{ID: id, Meta: meta, Snapshot: snap}, nil
}

// isClosedStatus maps the site's market status strings onto the closed flag.
func isClosedStatus(status string) bool {
	switch strings.ToLower(status) {
	case "closed", "sold", "ended":
		return true
	}
	return false
}

// numToDollars truncates a JSON number to whole dollars. Unparseable numbers
// read as zero; required-field validation happens on the caller side.
func numToDollars(n json.Number) int {
	if n == "" {
		return 0
	}
	if i, err := n.Int64(); err == nil {
		return int(i)
	}
	if f, err := n.Float64(); err == nil {
		return int(f)
	}
	return 0
}

// String implements fmt.Stringer for log lines.
func (p *productPayload) String() string {
	return fmt.Sprintf("product(id=%s closed=%t bids=%d)", p.ID, p.IsClosed, p.BidCount)
}
