package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/calprice/auctiond/internal/domain"
	"github.com/calprice/auctiond/internal/metrics"
)

// Router selects exactly one active pipeline per auction and forwards that
// pipeline's snapshots downstream with the source recorded. Callers never see
// which pipeline is in use except through the source field.
//
// Selection: the stream when it is enabled and reports healthy for the id,
// polling otherwise. A freshly enrolled auction starts on polling until the
// stream's first successful connect.
type Router struct {
	stream  *EventStream  // nil when disabled
	polling *PollingQueue // nil when disabled
	out     func(domain.SnapshotEvent)
	logger  *slog.Logger

	mu     sync.Mutex
	active map[string]domain.UpdateSource
}

// NewRouter creates a Router. Construct the pipelines with the router's
// Deliver and StreamHealth methods as their callbacks, then complete wiring
// with Attach.
func NewRouter(out func(domain.SnapshotEvent), logger *slog.Logger) *Router {
	return &Router{
		out:    out,
		logger: logger.With(slog.String("component", "router")),
		active: make(map[string]domain.UpdateSource),
	}
}

// Attach wires the pipelines. Either may be nil when disabled by
// configuration; at least one must be set.
func (r *Router) Attach(stream *EventStream, polling *PollingQueue) {
	r.stream = stream
	r.polling = polling
}

// Enroll adds an auction to the router. The stream subscription (when
// enabled) starts connecting immediately; polling covers the auction until
// the stream is healthy.
func (r *Router) Enroll(ctx context.Context, id string) {
	r.mu.Lock()
	if _, ok := r.active[id]; ok {
		r.mu.Unlock()
		return
	}
	initial := domain.SourcePolling
	if r.polling == nil {
		initial = domain.SourceStream
	}
	r.active[id] = initial
	r.mu.Unlock()

	if r.stream != nil {
		r.stream.Start(ctx, id)
	}
	if r.polling != nil && initial == domain.SourcePolling {
		r.polling.Start(id)
	}

	r.logger.Info("auction enrolled",
		slog.String("auction_id", id),
		slog.String("source", string(initial)),
	)
}

// Withdraw removes an auction from both pipelines before returning.
func (r *Router) Withdraw(id string) {
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()

	if r.stream != nil {
		r.stream.Stop(id)
	}
	if r.polling != nil {
		r.polling.Stop(id)
	}

	r.logger.Info("auction withdrawn", slog.String("auction_id", id))
}

// Source returns the pipeline currently active for id.
func (r *Router) Source(id string) (domain.UpdateSource, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.active[id]
	return src, ok
}

// Deliver is the emit callback shared by both pipelines. Snapshots from the
// inactive pipeline are dropped here, which is also what discards the results
// of fetches that were in flight during a switch or a withdraw.
func (r *Router) Deliver(ev domain.SnapshotEvent) {
	r.mu.Lock()
	active, ok := r.active[ev.AuctionID]
	r.mu.Unlock()

	if !ok || active != ev.Source {
		return
	}
	r.out(ev)
}

// StreamHealth is the event stream's health callback. Health flips drive the
// pipeline switch: the active source flips under the router lock, so Deliver
// drops the departing pipeline's snapshots from that moment on; the polling
// enrollment is toggled after the lock is released.
func (r *Router) StreamHealth(h domain.PipelineHealth) {
	r.mu.Lock()

	if _, ok := r.active[h.AuctionID]; !ok {
		r.mu.Unlock()
		return
	}

	desired := domain.SourcePolling
	if h.Healthy && r.stream != nil {
		desired = domain.SourceStream
	}
	if r.polling == nil {
		desired = domain.SourceStream
	}

	current := r.active[h.AuctionID]
	if current == desired {
		r.mu.Unlock()
		return
	}
	r.active[h.AuctionID] = desired
	r.mu.Unlock()

	// The stream's subscription loop keeps running while polling is active;
	// its reconnect attempts are what eventually report healthy again. Only
	// the polling enrollment toggles.
	if r.polling != nil {
		if desired == domain.SourceStream {
			r.polling.Stop(h.AuctionID)
		} else {
			r.polling.Start(h.AuctionID)
		}
	}

	metrics.PipelineSwitchesTotal.WithLabelValues(string(desired)).Inc()
	r.logger.Info("pipeline switched",
		slog.String("auction_id", h.AuctionID),
		slog.String("source", string(desired)),
	)
}
