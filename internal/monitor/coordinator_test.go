package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calprice/auctiond/internal/crypto"
	"github.com/calprice/auctiond/internal/domain"
	"github.com/calprice/auctiond/internal/pipeline"
	"github.com/calprice/auctiond/internal/store"
)

// recordingBroadcaster captures coordinator output on channels.
type recordingBroadcaster struct {
	auctions chan domain.Auction
	notes    chan domain.Notification
}

func newRecordingBroadcaster() *recordingBroadcaster {
	return &recordingBroadcaster{
		auctions: make(chan domain.Auction, 32),
		notes:    make(chan domain.Notification, 32),
	}
}

func (b *recordingBroadcaster) BroadcastAuction(a domain.Auction) {
	b.auctions <- a
}

func (b *recordingBroadcaster) BroadcastNotification(n domain.Notification) {
	b.notes <- n
}

func (b *recordingBroadcaster) nextAuction(t *testing.T) domain.Auction {
	t.Helper()
	select {
	case a := <-b.auctions:
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("no auctionState broadcast")
		return domain.Auction{}
	}
}

func (b *recordingBroadcaster) nextNote(t *testing.T) domain.Notification {
	t.Helper()
	select {
	case n := <-b.notes:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("no notification broadcast")
		return domain.Notification{}
	}
}

// scriptedPlacer returns queued bid outcomes, holding the last one.
type scriptedPlacer struct {
	mu      sync.Mutex
	scripts []scriptedBid
	amounts []int
}

type scriptedBid struct {
	out domain.BidOutcome
	err error
}

func (p *scriptedPlacer) PlaceBid(ctx context.Context, id string, amount int) (domain.BidOutcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.amounts = append(p.amounts, amount)
	if len(p.scripts) == 0 {
		return domain.BidOutcome{Kind: domain.BidAccepted}, nil
	}
	s := p.scripts[0]
	if len(p.scripts) > 1 {
		p.scripts = p.scripts[1:]
	}
	return s.out, s.err
}

func (p *scriptedPlacer) bidAmounts() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.amounts...)
}

// sessionRecorder captures SetSession calls.
type sessionRecorder struct {
	mu     sync.Mutex
	cookie string
}

func (s *sessionRecorder) SetSession(cookie string) {
	s.mu.Lock()
	s.cookie = cookie
	s.mu.Unlock()
}

func (s *sessionRecorder) get() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cookie
}

type harness struct {
	store   *store.Fallback
	coord   *Coordinator
	bc      *recordingBroadcaster
	placer  *scriptedPlacer
	session *sessionRecorder
	cancel  context.CancelFunc
	done    chan error
}

func newHarness(t *testing.T, seed map[string]domain.Auction) *harness {
	t.Helper()

	logger := testLogger()
	st := store.NewFallback(nil, logger)

	ctx0 := context.Background()
	for id, a := range seed {
		blob, err := json.Marshal(a)
		require.NoError(t, err)
		require.NoError(t, st.Set(ctx0, store.KeyAuction(id), blob, 0))
	}

	placer := &scriptedPlacer{}
	results := make(chan domain.BidResult, 16)
	engine := NewEngine(placer, results, logger)

	var coord *Coordinator
	router := pipeline.NewRouter(func(ev domain.SnapshotEvent) {
		coord.OfferSnapshot(ev)
	}, logger)
	router.Attach(nil, nil)

	session := &sessionRecorder{}
	coord = New(st, router, engine, crypto.NewVault(""), session, results, Config{
		PurgeDelay: 500 * time.Millisecond,
		RetryDelay: 20 * time.Millisecond,
	}, logger)

	bc := newRecordingBroadcaster()
	coord.SetBroadcaster(bc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- coord.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("coordinator did not stop")
		}
	})

	return &harness{store: st, coord: coord, bc: bc, placer: placer, session: session, cancel: cancel, done: done}
}

func startAuction(t *testing.T, h *harness, id string, cfg domain.AuctionConfig) domain.Auction {
	t.Helper()
	a, err := h.coord.StartMonitoring(context.Background(), id, cfg, domain.AuctionMeta{Title: "Lot " + id})
	require.NoError(t, err)
	// Consume the enrollment broadcast.
	h.bc.nextAuction(t)
	return a
}

func incrementalConfig(maxBid int) domain.AuctionConfig {
	return domain.AuctionConfig{
		MaxBid:       maxBid,
		Strategy:     domain.StrategyIncremental,
		AutoBid:      true,
		BidIncrement: 1,
	}
}

func manualConfig(maxBid int) domain.AuctionConfig {
	return domain.AuctionConfig{
		MaxBid:       maxBid,
		Strategy:     domain.StrategyManual,
		BidIncrement: 1,
	}
}

func offer(h *harness, id string, snap domain.Snapshot) {
	h.coord.OfferSnapshot(domain.SnapshotEvent{AuctionID: id, Snapshot: snap, Source: domain.SourcePolling})
}

func liveSnap(remaining time.Duration, observed time.Time) domain.Snapshot {
	return domain.Snapshot{
		CurrentBid: 50,
		NextBid:    51,
		BidCount:   2,
		CloseAt:    observed.Add(remaining),
		ObservedAt: observed,
	}
}

func TestStartMonitoringValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.coord.StartMonitoring(ctx, "", manualConfig(10), domain.AuctionMeta{})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.coord.StartMonitoring(ctx, "a", domain.AuctionConfig{MaxBid: -5, Strategy: domain.StrategyManual, BidIncrement: 1}, domain.AuctionMeta{})
	assert.ErrorIs(t, err, domain.ErrValidation)

	startAuction(t, h, "a", manualConfig(10))
	_, err = h.coord.StartMonitoring(ctx, "a", manualConfig(10), domain.AuctionMeta{})
	assert.ErrorIs(t, err, domain.ErrAlreadyMonitored)
}

func TestStartThenStopLeavesNothing(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	startAuction(t, h, "a", manualConfig(10))
	require.NoError(t, h.coord.StopMonitoring(ctx, "a"))

	auctions, err := h.coord.ListAuctions(ctx)
	require.NoError(t, err)
	assert.Empty(t, auctions)

	_, err = h.store.Get(ctx, store.KeyAuction("a"))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// No residual broadcasts after the stop.
	select {
	case a := <-h.bc.auctions:
		t.Fatalf("unexpected broadcast for %s", a.ID)
	case <-time.After(100 * time.Millisecond):
	}

	assert.ErrorIs(t, h.coord.StopMonitoring(ctx, "a"), domain.ErrNotMonitored)
}

func TestSnapshotMergePersistsThenBroadcasts(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	startAuction(t, h, "a", manualConfig(100))

	now := time.Now().UTC()
	offer(h, "a", liveSnap(5*time.Minute, now))

	got := h.bc.nextAuction(t)
	assert.Equal(t, "a", got.ID)
	assert.Equal(t, 50, got.Current.CurrentBid)
	assert.Equal(t, domain.StateMonitoring, got.State)
	assert.Equal(t, domain.SourcePolling, got.Source)

	// The durable record matches what was broadcast.
	blob, err := h.store.Get(ctx, store.KeyAuction("a"))
	require.NoError(t, err)
	var persisted domain.Auction
	require.NoError(t, json.Unmarshal(blob, &persisted))
	assert.Equal(t, got.Current.CurrentBid, persisted.Current.CurrentBid)
}

func TestInvalidSnapshotDropped(t *testing.T) {
	h := newHarness(t, nil)

	startAuction(t, h, "a", manualConfig(100))

	bad := domain.Snapshot{CurrentBid: 50, NextBid: 50, ObservedAt: time.Now()}
	offer(h, "a", bad)

	select {
	case a := <-h.bc.auctions:
		t.Fatalf("invalid snapshot broadcast: %+v", a.Current)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAutoBidAcceptedFlow(t *testing.T) {
	h := newHarness(t, nil)

	h.placer.scripts = []scriptedBid{{out: domain.BidOutcome{Kind: domain.BidAccepted}}}
	startAuction(t, h, "a", incrementalConfig(100))

	now := time.Now().UTC()
	offer(h, "a", liveSnap(5*time.Minute, now))

	// Snapshot broadcast, then the post-bid broadcast.
	first := h.bc.nextAuction(t)
	assert.False(t, first.Current.IsWinning)

	second := h.bc.nextAuction(t)
	assert.True(t, second.Current.IsWinning)
	assert.Equal(t, 51, second.Current.CurrentBid)
	require.NotNil(t, second.LastBidPlaced)
	assert.True(t, second.LastBidPlaced.Success)

	assert.Equal(t, []int{51}, h.placer.bidAmounts())

	// Bid history recorded.
	entries, err := h.store.ListSorted(context.Background(), store.KeyBidHistory("a"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestOutbidReRaise(t *testing.T) {
	h := newHarness(t, nil)

	h.placer.scripts = []scriptedBid{
		{out: domain.BidOutcome{Kind: domain.BidAcceptedButOutbid, NewCurrent: 60, NewMinimumNextBid: 61}},
		{out: domain.BidOutcome{Kind: domain.BidAccepted}},
	}
	startAuction(t, h, "a", incrementalConfig(75))

	now := time.Now().UTC()
	offer(h, "a", liveSnap(5*time.Minute, now))

	h.bc.nextAuction(t) // snapshot broadcast

	// First bid outcome: outbid.
	outbidState := h.bc.nextAuction(t)
	assert.False(t, outbidState.Current.IsWinning)
	assert.Equal(t, 60, outbidState.Current.CurrentBid)
	assert.Equal(t, 61, outbidState.Current.NextBid)

	note := h.bc.nextNote(t)
	assert.Equal(t, domain.NotifyOutbid, note.Kind)

	// After the retry delay the engine raises to the reported minimum.
	final := h.bc.nextAuction(t)
	assert.True(t, final.Current.IsWinning)
	assert.Equal(t, []int{51, 61}, h.placer.bidAmounts())
}

func TestMaxBidReachedNotifiedOnce(t *testing.T) {
	h := newHarness(t, nil)

	startAuction(t, h, "a", incrementalConfig(60))

	now := time.Now().UTC()
	snap := liveSnap(5*time.Minute, now)
	snap.NextBid = 65
	snap.CurrentBid = 64
	offer(h, "a", snap)

	got := h.bc.nextAuction(t)
	assert.True(t, got.MaxBidNotified)
	note := h.bc.nextNote(t)
	assert.Equal(t, domain.NotifyMaxBidReached, note.Kind)

	// A later snapshot still over the max does not re-notify.
	snap2 := snap
	snap2.NextBid = 66
	snap2.CurrentBid = 65
	snap2.ObservedAt = now.Add(time.Second)
	offer(h, "a", snap2)

	h.bc.nextAuction(t)
	select {
	case n := <-h.bc.notes:
		t.Fatalf("unexpected second notification: %+v", n)
	case <-time.After(100 * time.Millisecond):
	}

	assert.Empty(t, h.placer.bidAmounts())
}

func TestEndedTransitionNotifiesAndPurges(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	startAuction(t, h, "a", manualConfig(100))

	now := time.Now().UTC()
	offer(h, "a", liveSnap(5*time.Minute, now))
	first := h.bc.nextAuction(t)
	assert.Equal(t, domain.StateMonitoring, first.State)

	closed := liveSnap(5*time.Minute, now.Add(time.Second))
	closed.IsClosed = true
	closed.IsWinning = true
	closed.CurrentBid = 51
	closed.NextBid = 52
	offer(h, "a", closed)

	ended := h.bc.nextAuction(t)
	assert.Equal(t, domain.StateEnded, ended.State)

	note := h.bc.nextNote(t)
	assert.Equal(t, domain.NotifyEnded, note.Kind)
	assert.Equal(t, true, note.Fields["won"])
	assert.Equal(t, 51, note.Fields["finalPrice"])

	// After the purge delay the entry leaves the live table; the store
	// record remains, now terminated.
	require.Eventually(t, func() bool {
		auctions, err := h.coord.ListAuctions(ctx)
		return err == nil && len(auctions) == 0
	}, 2*time.Second, 20*time.Millisecond)

	blob, err := h.store.Get(ctx, store.KeyAuction("a"))
	require.NoError(t, err)
	var persisted domain.Auction
	require.NoError(t, json.Unmarshal(blob, &persisted))
	assert.Equal(t, domain.StateTerminated, persisted.State)
}

func TestNoBidsAfterEnded(t *testing.T) {
	h := newHarness(t, nil)

	startAuction(t, h, "a", incrementalConfig(100))

	now := time.Now().UTC()
	closed := liveSnap(5*time.Minute, now)
	closed.IsClosed = true
	offer(h, "a", closed)

	h.bc.nextAuction(t)
	h.bc.nextNote(t)

	assert.ErrorIs(t, h.coord.PlaceBid(context.Background(), "a", 60), domain.ErrAuctionEnded)
	assert.Empty(t, h.placer.bidAmounts())
}

func TestRestartRecoverySkipsEnded(t *testing.T) {
	seed := map[string]domain.Auction{
		"A": {ID: "A", State: domain.StateMonitoring, Config: manualConfig(10)},
		"B": {ID: "B", State: domain.StateEnded, Config: manualConfig(10)},
	}
	h := newHarness(t, seed)

	auctions, err := h.coord.ListAuctions(context.Background())
	require.NoError(t, err)
	require.Len(t, auctions, 1)
	assert.Equal(t, "A", auctions[0].ID)

	// B stays in the store untouched.
	_, err = h.store.Get(context.Background(), store.KeyAuction("B"))
	assert.NoError(t, err)
}

func TestUpdateConfigEchoesEvenWhenIdentical(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	cfg := manualConfig(10)
	startAuction(t, h, "a", cfg)

	got, err := h.coord.UpdateConfig(ctx, "a", cfg)
	require.NoError(t, err)
	assert.Equal(t, cfg, got.Config)
	h.bc.nextAuction(t)

	_, err = h.coord.UpdateConfig(ctx, "ghost", cfg)
	assert.ErrorIs(t, err, domain.ErrNotMonitored)
}

func TestUpdateConfigRaisingMaxRearmsNotification(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	startAuction(t, h, "a", incrementalConfig(60))

	now := time.Now().UTC()
	snap := liveSnap(5*time.Minute, now)
	snap.CurrentBid = 64
	snap.NextBid = 65
	offer(h, "a", snap)
	h.bc.nextAuction(t)
	h.bc.nextNote(t)

	// Raising the ceiling re-arms the latch and the re-evaluation bids.
	h.placer.scripts = []scriptedBid{{out: domain.BidOutcome{Kind: domain.BidAccepted}}}
	_, err := h.coord.UpdateConfig(ctx, "a", incrementalConfig(70))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(h.placer.bidAmounts()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{65}, h.placer.bidAmounts())
}

func TestManualPlaceBidUnknownAuction(t *testing.T) {
	h := newHarness(t, nil)
	assert.ErrorIs(t, h.coord.PlaceBid(context.Background(), "nope", 10), domain.ErrNotMonitored)
}

func TestSetSessionStoresAndForwards(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.coord.SetSession(ctx, "session=tok"))
	assert.Equal(t, "session=tok", h.session.get())

	blob, err := h.store.Get(ctx, store.KeyCookies)
	require.NoError(t, err)
	assert.Equal(t, "session=tok", string(blob))

	assert.ErrorIs(t, h.coord.SetSession(ctx, ""), domain.ErrValidation)
}

func TestSettingsRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	s := domain.GlobalSettings{
		DefaultMaxBid:   80,
		DefaultStrategy: domain.StrategySniping,
		BidBuffer:       1,
		SnipeTiming:     15,
	}
	require.NoError(t, h.coord.UpdateSettings(ctx, s))

	got, err := h.coord.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, s, got)

	// New auctions inherit the defaults.
	a, err := h.coord.StartMonitoring(ctx, "a", domain.AuctionConfig{}, domain.AuctionMeta{})
	require.NoError(t, err)
	assert.Equal(t, 80, a.Config.MaxBid)
	assert.Equal(t, domain.StrategySniping, a.Config.Strategy)
	assert.Equal(t, 15, a.Config.SnipeSeconds)

	bad := s
	bad.DefaultMaxBid = 0
	assert.ErrorIs(t, h.coord.UpdateSettings(ctx, bad), domain.ErrValidation)
}
