package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calprice/auctiond/internal/crypto"
	"github.com/calprice/auctiond/internal/domain"
	"github.com/calprice/auctiond/internal/metrics"
	"github.com/calprice/auctiond/internal/pipeline"
	"github.com/calprice/auctiond/internal/store"
)

// Broadcaster receives the coordinator's outbound events. The hub implements
// it for client delivery; the app composes in operator notification senders.
// The coordinator never holds a reference back into the hub beyond this.
type Broadcaster interface {
	BroadcastAuction(a domain.Auction)
	BroadcastNotification(n domain.Notification)
}

// SessionSink receives the upstream session cookie when a client replaces it.
type SessionSink interface {
	SetSession(cookie string)
}

// Config holds the coordinator timings.
type Config struct {
	// PurgeDelay is how long an Ended auction stays in the live table.
	PurgeDelay time.Duration
	// RetryDelay is the pause before re-evaluating after an outbid response.
	RetryDelay time.Duration
}

// task is one unit of serialized work executed on the coordinator loop.
type task struct {
	fn   func()
	done chan struct{}
}

// systemState is the process marker persisted under system:state.
type systemState struct {
	StartedAt  time.Time  `json:"startedAt"`
	PID        int        `json:"pid"`
	ShutdownAt *time.Time `json:"shutdownAt,omitempty"`
}

// Coordinator owns the monitored-auction table. Every read and write of an
// auction goes through its single loop, which serializes snapshot merges,
// bid results, and client commands per the ownership rules.
type Coordinator struct {
	store       domain.Store
	router      *pipeline.Router
	engine      *Engine
	vault       *crypto.Vault
	session     SessionSink
	broadcaster Broadcaster
	logger      *slog.Logger
	cfg         Config

	settings domain.GlobalSettings
	auctions map[string]*domain.Auction

	tasks      chan task
	bidResults <-chan domain.BidResult

	// Snapshot intake conflates per auction: an unprocessed older snapshot
	// for the same id is overwritten by a newer one (drop-oldest policy).
	snapMu       sync.Mutex
	pendingSnaps map[string]domain.SnapshotEvent
	pendingOrder []string
	snapSignal   chan struct{}

	purgeTimers map[string]*time.Timer

	runCtx  context.Context
	stopped chan struct{}
	now     func() time.Time
}

// New creates a Coordinator. bidResults must be the channel the strategy
// engine emits on. The broadcaster is attached separately (SetBroadcaster)
// to keep construction order acyclic.
func New(st domain.Store, router *pipeline.Router, engine *Engine, vault *crypto.Vault, session SessionSink, bidResults <-chan domain.BidResult, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.PurgeDelay <= 0 {
		cfg.PurgeDelay = 60 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}

	return &Coordinator{
		store:        st,
		router:       router,
		engine:       engine,
		vault:        vault,
		session:      session,
		logger:       logger.With(slog.String("component", "coordinator")),
		cfg:          cfg,
		settings:     domain.DefaultSettings(),
		auctions:     make(map[string]*domain.Auction),
		tasks:        make(chan task, 64),
		bidResults:   bidResults,
		pendingSnaps: make(map[string]domain.SnapshotEvent),
		snapSignal:   make(chan struct{}, 1),
		purgeTimers:  make(map[string]*time.Timer),
		stopped:      make(chan struct{}),
		now:          time.Now,
	}
}

// SetBroadcaster attaches the outbound event consumer. Must be called before
// Run.
func (c *Coordinator) SetBroadcaster(b Broadcaster) {
	c.broadcaster = b
}

// OfferSnapshot is the router's downstream target. It conflates unprocessed
// snapshots per auction so a lagging loop sees only the newest one.
func (c *Coordinator) OfferSnapshot(ev domain.SnapshotEvent) {
	c.snapMu.Lock()
	if _, ok := c.pendingSnaps[ev.AuctionID]; !ok {
		c.pendingOrder = append(c.pendingOrder, ev.AuctionID)
	}
	c.pendingSnaps[ev.AuctionID] = ev
	c.snapMu.Unlock()

	select {
	case c.snapSignal <- struct{}{}:
	default:
	}
}

// Run recovers persisted state, then serves the coordinator loop until the
// context is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	c.runCtx = ctx
	defer close(c.stopped)

	if err := c.recover(ctx); err != nil {
		return fmt.Errorf("coordinator: recover: %w", err)
	}

	c.logger.Info("coordinator started",
		slog.Int("recovered_auctions", len(c.auctions)),
	)

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()

		case t := <-c.tasks:
			t.fn()
			close(t.done)

		case res := <-c.bidResults:
			c.handleBidResult(res)

		case <-c.snapSignal:
			for _, ev := range c.takePending() {
				c.handleSnapshot(ev)
			}
		}
	}
}

// takePending drains the conflated snapshot buffer in arrival order.
func (c *Coordinator) takePending() []domain.SnapshotEvent {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()

	out := make([]domain.SnapshotEvent, 0, len(c.pendingOrder))
	for _, id := range c.pendingOrder {
		if ev, ok := c.pendingSnaps[id]; ok {
			out = append(out, ev)
			delete(c.pendingSnaps, id)
		}
	}
	c.pendingOrder = c.pendingOrder[:0]
	return out
}

// exec runs fn on the coordinator loop and waits for it.
func (c *Coordinator) exec(ctx context.Context, fn func()) error {
	t := task{fn: fn, done: make(chan struct{})}
	select {
	case c.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return context.Canceled
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue runs fn on the loop without waiting (used by timers).
func (c *Coordinator) enqueue(fn func()) {
	t := task{fn: fn, done: make(chan struct{})}
	select {
	case c.tasks <- t:
	case <-c.stopped:
	}
}

// --------------------------------------------------------------------------
// Startup and shutdown
// --------------------------------------------------------------------------

// recover loads the session cookie, global settings, and every persisted
// auction that is not already ended, re-enrolling each into the router.
func (c *Coordinator) recover(ctx context.Context) error {
	// Session cookie.
	if blob, err := c.store.Get(ctx, store.KeyCookies); err == nil {
		cookie, err := c.vault.Open(blob)
		if err != nil {
			c.logger.Warn("stored session cookie unreadable",
				slog.String("error", err.Error()),
			)
		} else if c.session != nil {
			c.session.SetSession(string(cookie))
		}
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	// Global settings.
	if blob, err := c.store.Get(ctx, store.KeySettings); err == nil {
		var s domain.GlobalSettings
		if err := json.Unmarshal(blob, &s); err == nil && s.Validate() == nil {
			c.settings = s
		}
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	// Auctions.
	records, err := c.store.List(ctx, store.PrefixAuction)
	if err != nil {
		return err
	}
	for key, blob := range records {
		var a domain.Auction
		if err := json.Unmarshal(blob, &a); err != nil {
			c.logger.Warn("skipping unreadable auction record",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
			continue
		}
		if a.ID == "" || a.State.Terminal() {
			// Ended records linger in the store until TTL but never
			// rejoin the live table.
			continue
		}
		c.auctions[a.ID] = &a
		c.router.Enroll(ctx, a.ID)
	}

	// Process marker.
	marker, _ := json.Marshal(systemState{StartedAt: c.now().UTC(), PID: os.Getpid()})
	if err := c.store.Set(ctx, store.KeySystemState, marker, 0); err != nil {
		c.logger.Warn("system state marker write failed",
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// shutdown flushes the live table and stamps the process marker. Pipeline
// teardown belongs to the app's errgroup; clients get their final frame from
// the hub's own shutdown.
func (c *Coordinator) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, t := range c.purgeTimers {
		t.Stop()
	}

	for _, a := range c.auctions {
		if err := c.persist(ctx, a); err != nil {
			c.logger.Warn("flush failed",
				slog.String("auction_id", a.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	now := c.now().UTC()
	state := systemState{StartedAt: now}
	if blob, err := c.store.Get(ctx, store.KeySystemState); err == nil {
		_ = json.Unmarshal(blob, &state)
	}
	state.PID = os.Getpid()
	state.ShutdownAt = &now
	marker, _ := json.Marshal(state)
	_ = c.store.Set(ctx, store.KeySystemState, marker, 0)

	c.logger.Info("coordinator stopped")
}

// --------------------------------------------------------------------------
// Snapshot and bid-result handling (loop only)
// --------------------------------------------------------------------------

// handleSnapshot merges one routed snapshot: validate, merge, let the
// strategy engine look at the new state, then persist and broadcast.
func (c *Coordinator) handleSnapshot(ev domain.SnapshotEvent) {
	a, ok := c.auctions[ev.AuctionID]
	if !ok {
		return
	}

	if err := ev.Snapshot.Validate(); err != nil {
		c.logger.Warn("rejecting snapshot",
			slog.String("auction_id", ev.AuctionID),
			slog.String("source", string(ev.Source)),
			slog.String("error", err.Error()),
		)
		return
	}

	res := Merge(a, ev, c.now())
	if !res.Applied {
		return
	}
	metrics.SnapshotsTotal.WithLabelValues(string(ev.Source)).Inc()

	// Strategy runs on the merged state; the decision is latched before the
	// persist so the maxBidReached flag rides the same durable write.
	var decision Decision
	if !a.State.Terminal() {
		decision = c.engine.Evaluate(c.runCtx, a.Clone(), c.settings)
		if decision.MaxReached {
			if a.MaxBidNotified {
				decision.MaxReached = false
			} else {
				a.MaxBidNotified = true
			}
		}
	}

	if err := c.persist(context.Background(), a); err != nil {
		c.logger.Error("persist failed",
			slog.String("auction_id", a.ID),
			slog.String("error", err.Error()),
		)
	}
	c.broadcaster.BroadcastAuction(a.Clone())

	if decision.MaxReached {
		c.broadcaster.BroadcastNotification(domain.Notification{
			Kind:      domain.NotifyMaxBidReached,
			AuctionID: a.ID,
			Fields: map[string]any{
				"maxBid":  a.Config.MaxBid,
				"nextBid": a.Current.NextBid,
			},
		})
	}

	if res.Transition != nil {
		c.handleTransition(a, *res.Transition)
	}
}

// handleTransition reacts to lifecycle changes produced by a merge.
func (c *Coordinator) handleTransition(a *domain.Auction, tr domain.StateTransition) {
	c.logger.Info("state transition",
		slog.String("auction_id", a.ID),
		slog.String("from", string(tr.From)),
		slog.String("to", string(tr.To)),
	)

	if tr.To != domain.StateEnded {
		return
	}

	c.broadcaster.BroadcastNotification(domain.Notification{
		Kind:      domain.NotifyEnded,
		AuctionID: a.ID,
		Fields: map[string]any{
			"won":        a.Current.IsWinning,
			"finalPrice": a.Current.CurrentBid,
		},
	})

	// No further updates are useful; drop the pipelines now and purge the
	// table entry after the delay.
	c.router.Withdraw(a.ID)
	c.engine.Forget(a.ID)

	id := a.ID
	c.purgeTimers[id] = time.AfterFunc(c.cfg.PurgeDelay, func() {
		c.enqueue(func() { c.terminate(id) })
	})
}

// terminate completes Ended → Terminated: the entry leaves the live table
// while the store record remains until TTL.
func (c *Coordinator) terminate(id string) {
	a, ok := c.auctions[id]
	if !ok {
		return
	}
	delete(c.purgeTimers, id)
	delete(c.auctions, id)
	metrics.MonitoredAuctions.Set(float64(len(c.auctions)))

	a.State = domain.StateTerminated
	if err := c.persist(context.Background(), a); err != nil {
		c.logger.Warn("terminate persist failed",
			slog.String("auction_id", id),
			slog.String("error", err.Error()),
		)
	}

	c.logger.Info("auction terminated", slog.String("auction_id", id))
}

// handleBidResult records a finished bid attempt and applies its effects.
func (c *Coordinator) handleBidResult(res domain.BidResult) {
	a, ok := c.auctions[res.AuctionID]
	if !ok {
		return
	}

	// A refused breaker means no bid was attempted: nothing to record, and
	// clients see no direct signal.
	if errors.Is(res.Err, domain.ErrCircuitOpen) {
		return
	}

	switch {
	case res.Err != nil:
		metrics.BidsTotal.WithLabelValues("error").Inc()
	default:
		metrics.BidsTotal.WithLabelValues(string(res.Outcome.Kind)).Inc()
	}

	rec := &domain.BidRecord{
		ID:               uuid.New().String(),
		AuctionID:        res.AuctionID,
		Amount:           res.Amount,
		Strategy:         res.Strategy,
		Success:          res.Err == nil && res.Outcome.Success(),
		UpstreamResponse: res.Outcome.Raw,
		Time:             res.At,
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	} else if res.Outcome.Kind == domain.BidRejected {
		rec.Error = string(res.Outcome.Reason)
	}
	a.LastBidPlaced = rec
	c.appendHistory(rec)

	switch {
	case res.Err != nil || res.Outcome.Kind == domain.BidRejected || res.Outcome.Kind == domain.BidTransportError:
		c.persistAndBroadcast(a)
		c.broadcaster.BroadcastNotification(domain.Notification{
			Kind:      domain.NotifyBidError,
			AuctionID: a.ID,
			Fields: map[string]any{
				"amount": res.Amount,
				"error":  rec.Error,
			},
		})

	case res.Outcome.Kind == domain.BidAccepted:
		now := c.now().UTC()
		a.Current.CurrentBid = res.Amount
		a.Current.IsWinning = true
		if a.Current.NextBid < res.Amount+1 {
			a.Current.NextBid = res.Amount + 1
		}
		a.Current.ObservedAt = now
		a.LastUpdatedAt = now
		c.persistAndBroadcast(a)

	case res.Outcome.Kind == domain.BidAcceptedButOutbid:
		now := c.now().UTC()
		if res.Outcome.NewCurrent > 0 {
			a.Current.CurrentBid = res.Outcome.NewCurrent
		}
		if res.Outcome.NewMinimumNextBid > 0 {
			a.Current.NextBid = res.Outcome.NewMinimumNextBid
			c.engine.RecordOutbid(a.ID, res.Outcome.NewMinimumNextBid)
		}
		if res.Outcome.NewBidCount > 0 {
			a.Current.BidCount = res.Outcome.NewBidCount
		}
		if res.Outcome.NewBidderCount > 0 {
			a.Current.BidderCount = res.Outcome.NewBidderCount
		}
		a.Current.IsWinning = false
		a.Current.ObservedAt = now
		a.LastUpdatedAt = now
		c.persistAndBroadcast(a)

		c.broadcaster.BroadcastNotification(domain.Notification{
			Kind:      domain.NotifyOutbid,
			AuctionID: a.ID,
			Fields: map[string]any{
				"currentBid": a.Current.CurrentBid,
				"nextBid":    a.Current.NextBid,
			},
		})

		// Auto strategies raise again after the update-cadence pause. The
		// sniping window and the max clamp are re-checked on evaluation.
		if !res.Manual && a.Config.AutoBid && a.Config.Strategy != domain.StrategyManual {
			id := a.ID
			time.AfterFunc(c.cfg.RetryDelay, func() {
				c.enqueue(func() { c.reEvaluate(id) })
			})
		}
	}
}

// reEvaluate reruns the strategy for one auction outside the snapshot path.
func (c *Coordinator) reEvaluate(id string) {
	a, ok := c.auctions[id]
	if !ok || a.State.Terminal() {
		return
	}
	decision := c.engine.Evaluate(c.runCtx, a.Clone(), c.settings)
	if decision.MaxReached && !a.MaxBidNotified {
		a.MaxBidNotified = true
		c.persistAndBroadcast(a)
		c.broadcaster.BroadcastNotification(domain.Notification{
			Kind:      domain.NotifyMaxBidReached,
			AuctionID: a.ID,
			Fields: map[string]any{
				"maxBid":  a.Config.MaxBid,
				"nextBid": a.Current.NextBid,
			},
		})
	}
}

// --------------------------------------------------------------------------
// Persistence helpers (loop only)
// --------------------------------------------------------------------------

func (c *Coordinator) persist(ctx context.Context, a *domain.Auction) error {
	blob, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal auction %s: %w", a.ID, err)
	}
	return c.store.Set(ctx, store.KeyAuction(a.ID), blob, store.TTLAuction)
}

// persistAndBroadcast emits auctionState only after the durable write.
func (c *Coordinator) persistAndBroadcast(a *domain.Auction) {
	if err := c.persist(context.Background(), a); err != nil {
		c.logger.Error("persist failed",
			slog.String("auction_id", a.ID),
			slog.String("error", err.Error()),
		)
	}
	c.broadcaster.BroadcastAuction(a.Clone())
}

func (c *Coordinator) appendHistory(rec *domain.BidRecord) {
	blob, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := c.store.AppendSorted(context.Background(), store.KeyBidHistory(rec.AuctionID), rec.Time.UnixMilli(), blob); err != nil {
		c.logger.Warn("bid history append failed",
			slog.String("auction_id", rec.AuctionID),
			slog.String("error", err.Error()),
		)
	}
}

// --------------------------------------------------------------------------
// Client commands (hub-facing; serialized through the loop)
// --------------------------------------------------------------------------

// StartMonitoring validates and enrolls a new auction.
func (c *Coordinator) StartMonitoring(ctx context.Context, id string, cfg domain.AuctionConfig, meta domain.AuctionMeta) (domain.Auction, error) {
	if id == "" {
		return domain.Auction{}, domain.ValidationError("auctionId must not be empty")
	}

	var (
		out    domain.Auction
		cmdErr error
	)
	err := c.exec(ctx, func() {
		if _, exists := c.auctions[id]; exists {
			cmdErr = domain.ErrAlreadyMonitored
			return
		}

		cfg.ApplyDefaults(c.settings)
		if err := cfg.Validate(); err != nil {
			cmdErr = err
			return
		}

		a := &domain.Auction{
			ID:       id,
			Title:    meta.Title,
			URL:      meta.URL,
			ImageURL: meta.ImageURL,
			Config:   cfg,
			State:    domain.StateMonitoring,
		}
		if err := c.persist(context.Background(), a); err != nil {
			cmdErr = err
			return
		}

		c.auctions[id] = a
		metrics.MonitoredAuctions.Set(float64(len(c.auctions)))
		c.router.Enroll(c.runCtx, id)
		c.broadcaster.BroadcastAuction(a.Clone())
		out = a.Clone()
	})
	if err != nil {
		return domain.Auction{}, err
	}
	return out, cmdErr
}

// StopMonitoring withdraws an auction and removes its record.
func (c *Coordinator) StopMonitoring(ctx context.Context, id string) error {
	var cmdErr error
	err := c.exec(ctx, func() {
		if _, exists := c.auctions[id]; !exists {
			cmdErr = domain.ErrNotMonitored
			return
		}

		c.router.Withdraw(id)
		c.engine.Forget(id)
		if t, ok := c.purgeTimers[id]; ok {
			t.Stop()
			delete(c.purgeTimers, id)
		}
		delete(c.auctions, id)
		metrics.MonitoredAuctions.Set(float64(len(c.auctions)))

		// Drop any snapshot already queued so the stop emits no residual
		// broadcasts.
		c.snapMu.Lock()
		delete(c.pendingSnaps, id)
		c.snapMu.Unlock()

		cmdErr = c.store.Delete(context.Background(), store.KeyAuction(id))
	})
	if err != nil {
		return err
	}
	return cmdErr
}

// UpdateConfig replaces an auction's bidding configuration. An update with
// identical values still echoes the current record for client sync.
func (c *Coordinator) UpdateConfig(ctx context.Context, id string, cfg domain.AuctionConfig) (domain.Auction, error) {
	var (
		out    domain.Auction
		cmdErr error
	)
	err := c.exec(ctx, func() {
		a, exists := c.auctions[id]
		if !exists {
			cmdErr = domain.ErrNotMonitored
			return
		}

		cfg.ApplyDefaults(c.settings)
		if err := cfg.Validate(); err != nil {
			cmdErr = err
			return
		}

		if cfg.MaxBid != a.Config.MaxBid {
			// A changed ceiling re-arms the one-shot notification.
			a.MaxBidNotified = false
		}
		a.Config = cfg

		c.persistAndBroadcast(a)
		out = a.Clone()

		if !a.State.Terminal() {
			c.reEvaluate(id)
		}
	})
	if err != nil {
		return domain.Auction{}, err
	}
	return out, cmdErr
}

// PlaceBid submits a manual bid for a monitored auction.
func (c *Coordinator) PlaceBid(ctx context.Context, id string, amount int) error {
	var cmdErr error
	err := c.exec(ctx, func() {
		a, exists := c.auctions[id]
		if !exists {
			cmdErr = domain.ErrNotMonitored
			return
		}
		cmdErr = c.engine.PlaceManual(c.runCtx, a.Clone(), amount)
	})
	if err != nil {
		return err
	}
	return cmdErr
}

// ListAuctions returns the live table sorted by id.
func (c *Coordinator) ListAuctions(ctx context.Context) ([]domain.Auction, error) {
	var out []domain.Auction
	err := c.exec(ctx, func() {
		out = make([]domain.Auction, 0, len(c.auctions))
		for _, a := range c.auctions {
			out = append(out, a.Clone())
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	})
	return out, err
}

// GetSettings returns the current global settings.
func (c *Coordinator) GetSettings(ctx context.Context) (domain.GlobalSettings, error) {
	var out domain.GlobalSettings
	err := c.exec(ctx, func() { out = c.settings })
	return out, err
}

// UpdateSettings validates and persists new global settings.
func (c *Coordinator) UpdateSettings(ctx context.Context, s domain.GlobalSettings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	var cmdErr error
	err := c.exec(ctx, func() {
		blob, err := json.Marshal(s)
		if err != nil {
			cmdErr = err
			return
		}
		if err := c.store.Set(context.Background(), store.KeySettings, blob, 0); err != nil {
			cmdErr = err
			return
		}
		c.settings = s
	})
	if err != nil {
		return err
	}
	return cmdErr
}

// SetSession stores a replacement upstream session cookie (sealed at rest)
// and hands it to the upstream client.
func (c *Coordinator) SetSession(ctx context.Context, cookie string) error {
	if cookie == "" {
		return domain.ValidationError("cookie must not be empty")
	}

	sealed, err := c.vault.Seal([]byte(cookie))
	if err != nil {
		return fmt.Errorf("coordinator: seal session: %w", err)
	}
	if err := c.store.Set(ctx, store.KeyCookies, sealed, store.TTLCookies); err != nil {
		return err
	}
	if c.session != nil {
		c.session.SetSession(cookie)
	}
	return nil
}

// StoreHealth reports the persistence layer's mode for the health endpoint.
func (c *Coordinator) StoreHealth(ctx context.Context) domain.StoreHealth {
	return c.store.Health(ctx)
}

// OnBreakerChange is wired as the circuit breaker's transition callback. The
// pipelines already treat CircuitOpen as transient; the coordinator only
// logs, so operators can correlate gaps in snapshots.
func (c *Coordinator) OnBreakerChange(from, to string) {
	c.logger.Warn("upstream circuit state changed",
		slog.String("from", from),
		slog.String("to", to),
	)
}
