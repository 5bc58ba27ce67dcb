package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/calprice/auctiond/internal/domain"
)

// Decision is the outcome of evaluating an auction against its strategy.
type Decision struct {
	// Bid is true when a bid of Amount should be attempted.
	Bid    bool
	Amount int
	// MaxReached is true when the strategy wanted to bid but the computed
	// amount exceeds the configured maximum.
	MaxReached bool
}

// Decide applies the strategy decision table to the auction's current state.
// lastMin is the minimum-next-bid most recently reported by an outbid
// response, zero when none. Pure; all side effects live on the Engine.
func Decide(a domain.Auction, settings domain.GlobalSettings, lastMin int, now time.Time) Decision {
	if a.State.Terminal() {
		return Decision{}
	}

	cfg := a.Config
	snap := a.Current

	if cfg.Strategy == domain.StrategyManual || !cfg.AutoBid {
		return Decision{}
	}
	if snap.IsWinning {
		return Decision{}
	}
	if snap.ObservedAt.IsZero() {
		// Nothing observed yet; wait for the first snapshot.
		return Decision{}
	}

	if cfg.Strategy == domain.StrategySniping {
		// snipeSeconds = 0 disables sniping outright.
		if cfg.SnipeSeconds <= 0 {
			return Decision{}
		}
		if snap.TimeRemaining(now) > time.Duration(cfg.SnipeSeconds)*time.Second {
			return Decision{}
		}
	}

	// max(nextBid, last observed minimum) plus the configured buffer; the
	// increment only matters when upstream hasn't told us a usable next bid.
	base := snap.NextBid
	if lastMin > base {
		base = lastMin
	}
	if base <= snap.CurrentBid {
		base = snap.CurrentBid + cfg.BidIncrement
	}
	amount := base + settings.BidBuffer

	if amount > cfg.MaxBid {
		return Decision{MaxReached: true}
	}
	return Decision{Bid: true, Amount: amount}
}

// Engine executes bids decided by the strategy table and by manual client
// commands. It enforces the one-in-flight-bid-per-auction guard and feeds
// finished attempts back to the coordinator on the results channel.
type Engine struct {
	placer  domain.BidPlacer
	results chan<- domain.BidResult
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	inFlight map[string]bool
	lastMin  map[string]int
}

// NewEngine creates an Engine emitting finished attempts on results.
func NewEngine(placer domain.BidPlacer, results chan<- domain.BidResult, logger *slog.Logger) *Engine {
	return &Engine{
		placer:   placer,
		results:  results,
		logger:   logger.With(slog.String("component", "strategy")),
		now:      time.Now,
		inFlight: make(map[string]bool),
		lastMin:  make(map[string]int),
	}
}

// Evaluate runs the decision table for a and launches a bid when it calls for
// one. It returns the decision so the coordinator can latch the one-shot
// maxBidReached notification. Attempts while a bid is in flight are dropped.
func (e *Engine) Evaluate(ctx context.Context, a domain.Auction, settings domain.GlobalSettings) Decision {
	e.mu.Lock()
	lastMin := e.lastMin[a.ID]
	e.mu.Unlock()

	decision := Decide(a, settings, lastMin, e.now())
	if !decision.Bid {
		return decision
	}

	if !e.acquire(a.ID) {
		return Decision{}
	}
	go e.place(ctx, a.ID, decision.Amount, a.Config.Strategy, false)
	return decision
}

// PlaceManual submits a client-commanded bid, bypassing the decision table
// but keeping the max-bid clamp and the in-flight guard.
func (e *Engine) PlaceManual(ctx context.Context, a domain.Auction, amount int) error {
	if a.State.Terminal() {
		return domain.ErrAuctionEnded
	}
	if amount > a.Config.MaxBid {
		amount = a.Config.MaxBid
	}
	if amount < 1 {
		return domain.ValidationError("amount must be >= 1")
	}

	if !e.acquire(a.ID) {
		return domain.ErrBidInFlight
	}
	go e.place(ctx, a.ID, amount, a.Config.Strategy, true)
	return nil
}

// RecordOutbid stores the minimum next bid reported by an outbid response so
// the next evaluation raises past it.
func (e *Engine) RecordOutbid(id string, minimumNextBid int) {
	e.mu.Lock()
	if minimumNextBid > e.lastMin[id] {
		e.lastMin[id] = minimumNextBid
	}
	e.mu.Unlock()
}

// Forget drops per-auction engine state when monitoring stops.
func (e *Engine) Forget(id string) {
	e.mu.Lock()
	delete(e.inFlight, id)
	delete(e.lastMin, id)
	e.mu.Unlock()
}

// acquire takes the per-auction in-flight slot.
func (e *Engine) acquire(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[id] {
		return false
	}
	e.inFlight[id] = true
	return true
}

// place performs the upstream call off the coordinator loop and reports the
// result.
func (e *Engine) place(ctx context.Context, id string, amount int, strategy domain.Strategy, manual bool) {
	log := e.logger.With(
		slog.String("auction_id", id),
		slog.Int("amount", amount),
		slog.Bool("manual", manual),
	)

	outcome, err := e.placer.PlaceBid(ctx, id, amount)

	// Free the slot before the result is reported so a follow-up
	// evaluation triggered by the result isn't spuriously dropped.
	e.mu.Lock()
	delete(e.inFlight, id)
	e.mu.Unlock()

	switch {
	case err == nil:
		log.Info("bid placed", slog.String("outcome", string(outcome.Kind)))
	case errors.Is(err, domain.ErrCircuitOpen):
		log.Warn("bid not attempted, circuit open")
	default:
		log.Error("bid failed", slog.String("error", err.Error()))
	}

	result := domain.BidResult{
		AuctionID: id,
		Amount:    amount,
		Strategy:  strategy,
		Manual:    manual,
		Outcome:   outcome,
		Err:       err,
		At:        e.now().UTC(),
	}

	select {
	case e.results <- result:
	case <-ctx.Done():
	}
}
