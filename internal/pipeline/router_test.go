package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calprice/auctiond/internal/domain"
)

// newRouterWithPolling wires a router to a real (not running) polling queue
// and a stream pointed at nothing; only enrollment bookkeeping is exercised.
func newRouterWithPolling(t *testing.T, out func(domain.SnapshotEvent)) (*Router, *PollingQueue) {
	t.Helper()

	r := NewRouter(out, testLogger())
	polling := newTestQueue(&scriptedFetcher{}, r.Deliver)
	r.Attach(nil, polling)
	return r, polling
}

func TestRouterEnrollStartsOnPolling(t *testing.T) {
	r, polling := newRouterWithPolling(t, func(domain.SnapshotEvent) {})

	r.Enroll(context.Background(), "a")

	src, ok := r.Source("a")
	require.True(t, ok)
	assert.Equal(t, domain.SourcePolling, src)

	// The polling queue actually has the entry.
	e, _ := polling.next()
	require.NotNil(t, e)
	assert.Equal(t, "a", e.id)
}

func TestRouterDeliverGatesInactiveSource(t *testing.T) {
	var got []domain.SnapshotEvent
	r, _ := newRouterWithPolling(t, func(ev domain.SnapshotEvent) { got = append(got, ev) })

	r.Enroll(context.Background(), "a")

	// Active pipeline's snapshots pass through with the source recorded.
	r.Deliver(domain.SnapshotEvent{AuctionID: "a", Source: domain.SourcePolling})
	require.Len(t, got, 1)
	assert.Equal(t, domain.SourcePolling, got[0].Source)

	// Inactive pipeline's snapshots are dropped.
	r.Deliver(domain.SnapshotEvent{AuctionID: "a", Source: domain.SourceStream})
	assert.Len(t, got, 1)

	// Unknown auctions are dropped.
	r.Deliver(domain.SnapshotEvent{AuctionID: "b", Source: domain.SourcePolling})
	assert.Len(t, got, 1)
}

func TestRouterStreamHealthSwitches(t *testing.T) {
	var got []domain.SnapshotEvent
	r := NewRouter(func(ev domain.SnapshotEvent) { got = append(got, ev) }, testLogger())

	polling := newTestQueue(&scriptedFetcher{}, r.Deliver)
	stream := NewEventStream(StreamConfig{
		SSEURL:           "http://127.0.0.1:0",
		FailureThreshold: 3,
		IdleTimeout:      time.Second,
	}, &scriptedFetcher{}, r.Deliver, r.StreamHealth, testLogger())
	t.Cleanup(stream.Close)
	r.Attach(stream, polling)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Enroll(ctx, "a")

	// Healthy stream takes over: polling entry removed, stream snapshots
	// flow, polling snapshots gated.
	r.StreamHealth(domain.PipelineHealth{AuctionID: "a", Healthy: true})

	src, _ := r.Source("a")
	assert.Equal(t, domain.SourceStream, src)

	e, _ := polling.next()
	assert.Nil(t, e)

	r.Deliver(domain.SnapshotEvent{AuctionID: "a", Source: domain.SourceStream})
	require.Len(t, got, 1)
	assert.Equal(t, domain.SourceStream, got[0].Source)

	r.Deliver(domain.SnapshotEvent{AuctionID: "a", Source: domain.SourcePolling})
	assert.Len(t, got, 1)

	// Unhealthy stream falls back to polling.
	r.StreamHealth(domain.PipelineHealth{AuctionID: "a", Healthy: false})

	src, _ = r.Source("a")
	assert.Equal(t, domain.SourcePolling, src)

	e, _ = polling.next()
	require.NotNil(t, e)
	assert.Equal(t, "a", e.id)
}

func TestRouterHealthForUnknownAuctionIgnored(t *testing.T) {
	r, polling := newRouterWithPolling(t, func(domain.SnapshotEvent) {})

	r.StreamHealth(domain.PipelineHealth{AuctionID: "ghost", Healthy: true})

	_, ok := r.Source("ghost")
	assert.False(t, ok)
	e, _ := polling.next()
	assert.Nil(t, e)
}

func TestRouterWithdrawStopsEverything(t *testing.T) {
	var got []domain.SnapshotEvent
	r, polling := newRouterWithPolling(t, func(ev domain.SnapshotEvent) { got = append(got, ev) })

	r.Enroll(context.Background(), "a")
	r.Withdraw("a")

	_, ok := r.Source("a")
	assert.False(t, ok)

	e, _ := polling.next()
	assert.Nil(t, e)

	// A fetch that was in flight during the withdraw is discarded here.
	r.Deliver(domain.SnapshotEvent{AuctionID: "a", Source: domain.SourcePolling})
	assert.Empty(t, got)
}
