// Package pipeline implements the two update pipelines — the per-auction
// event stream and the shared polling queue — plus the router that selects
// between them.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/calprice/auctiond/internal/domain"
)

const (
	// reconnectBase is the initial reconnect backoff.
	reconnectBase = time.Second
	// reconnectMax caps the exponential backoff.
	reconnectMax = 30 * time.Second
	// reconnectJitter is the ± fraction applied to each backoff step.
	reconnectJitter = 0.10
	// connectTimeout bounds the SSE handshake, separately from the
	// unbounded streaming read.
	connectTimeout = 15 * time.Second
)

// StreamConfig holds the event-stream parameters.
type StreamConfig struct {
	// SSEURL serves GET /live-products?productId={id}.
	SSEURL string
	// FailureThreshold is the consecutive failures before the stream
	// reports unhealthy for an auction.
	FailureThreshold int
	// IdleTimeout reconnects when no event (heartbeats included) arrives
	// within the window.
	IdleTimeout time.Duration
}

// EventStream maintains one long-lived subscription per enrolled auction to
// the upstream live-products channel. The stream carries only deltas, so each
// successful (re)connect triggers one immediate full fetch through the
// upstream client.
type EventStream struct {
	cfg     StreamConfig
	fetcher domain.AuctionFetcher
	emit    func(domain.SnapshotEvent)
	health  func(domain.PipelineHealth)
	logger  *slog.Logger

	// httpClient has no overall timeout: the response body is a stream.
	httpClient *http.Client

	mu   sync.Mutex
	subs map[string]context.CancelFunc
}

// NewEventStream creates an EventStream. emit receives every snapshot the
// stream produces; health receives per-auction healthy/unhealthy reports.
func NewEventStream(cfg StreamConfig, fetcher domain.AuctionFetcher, emit func(domain.SnapshotEvent), health func(domain.PipelineHealth), logger *slog.Logger) *EventStream {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 3
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 45 * time.Second
	}
	return &EventStream{
		cfg:     cfg,
		fetcher: fetcher,
		emit:    emit,
		health:  health,
		logger:  logger.With(slog.String("component", "eventstream")),
		httpClient: &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: connectTimeout},
		},
		subs: make(map[string]context.CancelFunc),
	}
}

// Start enrolls an auction: a background task connects and keeps the
// subscription alive until Stop. Starting an already-enrolled id is a no-op.
func (e *EventStream) Start(ctx context.Context, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.subs[id]; ok {
		return
	}

	subCtx, cancel := context.WithCancel(ctx)
	e.subs[id] = cancel
	go e.run(subCtx, id)
}

// Stop cancels an auction's subscription: the underlying connection is closed
// and any pending reconnect timer is dropped.
func (e *EventStream) Stop(id string) {
	e.mu.Lock()
	cancel, ok := e.subs[id]
	if ok {
		delete(e.subs, id)
	}
	e.mu.Unlock()

	if ok {
		cancel()
	}
}

// Close stops every subscription.
func (e *EventStream) Close() {
	e.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(e.subs))
	for id, cancel := range e.subs {
		cancels = append(cancels, cancel)
		delete(e.subs, id)
	}
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// run is the per-auction subscription loop: connect, consume, reconnect with
// jittered exponential backoff.
func (e *EventStream) run(ctx context.Context, id string) {
	log := e.logger.With(slog.String("auction_id", id))

	backoff := reconnectBase
	failures := 0

	for {
		if ctx.Err() != nil {
			return
		}

		err := e.subscribe(ctx, id, func() {
			// Connected: reset the failure accounting and announce health.
			failures = 0
			backoff = reconnectBase
			e.health(domain.PipelineHealth{AuctionID: id, Healthy: true})
		})
		if ctx.Err() != nil {
			return
		}

		failures++
		log.Warn("stream disconnected",
			slog.Int("consecutive_failures", failures),
			slog.String("error", err.Error()),
		)
		if failures >= e.cfg.FailureThreshold {
			e.health(domain.PipelineHealth{AuctionID: id, Healthy: false})
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(jittered(backoff)):
		}

		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// subscribe opens the SSE connection and consumes events until the stream
// breaks, the idle timer fires, or the context is cancelled. onConnect runs
// once the subscription is established.
func (e *EventStream) subscribe(ctx context.Context, id string, onConnect func()) error {
	// Child context so the reader task is released when this attempt ends,
	// not when the whole subscription is cancelled.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	streamURL := fmt.Sprintf("%s/live-products?productId=%s", e.cfg.SSEURL, url.QueryEscape(id))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return fmt.Errorf("eventstream: create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("eventstream: connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &domain.StatusError{Code: resp.StatusCode, Body: "event stream refused"}
	}

	onConnect()

	// The stream carries deltas only; fetch the full snapshot once per
	// (re)connect so the merge base is fresh.
	base, err := e.initialFetch(ctx, id)
	if err != nil {
		return err
	}

	// Read events on a separate task so the idle timer can interrupt a
	// blocked read by closing the body.
	events := make(chan sseEvent, 8)
	readErr := make(chan error, 1)
	go func() {
		reader := newSSEReader(resp.Body)
		for {
			ev, err := reader.Next()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	idle := time.NewTimer(e.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErr:
			return fmt.Errorf("eventstream: read: %w", err)

		case <-idle.C:
			return fmt.Errorf("eventstream: idle for %s", e.cfg.IdleTimeout)

		case ev := <-events:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(e.cfg.IdleTimeout)

			e.handleEvent(id, ev, &base)
		}
	}
}

// initialFetch obtains the full snapshot that delta events merge into.
func (e *EventStream) initialFetch(ctx context.Context, id string) (domain.Snapshot, error) {
	product, err := e.fetcher.FetchAuction(ctx, id)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("eventstream: initial fetch %s: %w", id, err)
	}
	e.emit(domain.SnapshotEvent{AuctionID: id, Snapshot: product.Snapshot, Source: domain.SourceStream})
	return product.Snapshot, nil
}

// handleEvent routes one SSE event. Unnamed events are heartbeats and only
// feed the idle timer.
func (e *EventStream) handleEvent(id string, ev sseEvent, base *domain.Snapshot) {
	switch ev.Name {
	case "":
		// Heartbeat ("ping").

	case "ch_product_bids:" + id:
		snap, err := mergeBidsDelta(*base, []byte(ev.Data))
		if err != nil {
			e.logger.Warn("dropping malformed bids event",
				slog.String("auction_id", id),
				slog.String("error", err.Error()),
			)
			return
		}
		*base = snap
		e.emit(domain.SnapshotEvent{AuctionID: id, Snapshot: snap, Source: domain.SourceStream})

	case "ch_product_closed:" + id:
		snap := *base
		snap.IsClosed = true
		snap.ObservedAt = time.Now().UTC()
		*base = snap
		e.emit(domain.SnapshotEvent{AuctionID: id, Snapshot: snap, Source: domain.SourceStream})
	}
}

// bidsDelta mirrors the bid-related fields of the product document; absent
// fields leave the merge base untouched.
type bidsDelta struct {
	CurrentPrice *json.Number `json:"currentPrice"`
	BidCount     *int         `json:"bidCount"`
	BidderCount  *int         `json:"bidderCount"`
	IsClosed     *bool        `json:"isClosed"`
	CloseTime    *struct {
		Value string `json:"value"`
	} `json:"closeTime"`
	ExtensionInterval *int `json:"extensionInterval"`
	UserState         *struct {
		NextBid   *json.Number `json:"nextBid"`
		IsWinning *bool        `json:"isWinning"`
	} `json:"userState"`
}

// mergeBidsDelta applies a bids event onto the base snapshot.
func mergeBidsDelta(base domain.Snapshot, data []byte) (domain.Snapshot, error) {
	var delta bidsDelta
	if err := json.Unmarshal(data, &delta); err != nil {
		return domain.Snapshot{}, err
	}

	snap := base
	if delta.CurrentPrice != nil {
		snap.CurrentBid = numToInt(*delta.CurrentPrice)
	}
	if delta.BidCount != nil {
		snap.BidCount = *delta.BidCount
	}
	if delta.BidderCount != nil {
		snap.BidderCount = *delta.BidderCount
	}
	if delta.IsClosed != nil {
		snap.IsClosed = *delta.IsClosed
	}
	if delta.CloseTime != nil && delta.CloseTime.Value != "" {
		if t, err := time.Parse(time.RFC3339, delta.CloseTime.Value); err == nil {
			snap.CloseAt = t
		}
	}
	if delta.ExtensionInterval != nil {
		snap.ExtensionIntervalSeconds = *delta.ExtensionInterval
	}
	if delta.UserState != nil {
		if delta.UserState.NextBid != nil {
			snap.NextBid = numToInt(*delta.UserState.NextBid)
		}
		if delta.UserState.IsWinning != nil {
			snap.IsWinning = *delta.UserState.IsWinning
		}
	}
	if snap.NextBid < snap.CurrentBid+1 {
		snap.NextBid = snap.CurrentBid + 1
	}
	snap.ObservedAt = time.Now().UTC()
	return snap, nil
}

// numToInt truncates a JSON number to whole dollars.
func numToInt(n json.Number) int {
	if i, err := n.Int64(); err == nil {
		return int(i)
	}
	if f, err := n.Float64(); err == nil {
		return int(f)
	}
	return 0
}

// jittered applies ±10% random jitter to d.
func jittered(d time.Duration) time.Duration {
	delta := (rand.Float64()*2 - 1) * reconnectJitter
	return time.Duration(float64(d) * (1 + delta))
}
