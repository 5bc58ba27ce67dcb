// Package breaker implements the circuit breaker that decorates the upstream
// client. Consecutive failures trip the circuit; after a cooldown a single
// half-open probe decides whether to close it again.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/calprice/auctiond/internal/domain"
)

// State is the breaker's operating state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "halfOpen"
)

// Transition is emitted on every state change; the coordinator and the
// metrics layer consume these.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Classifier decides whether an error counts as a breaker failure.
type Classifier func(error) bool

// Breaker is the three-state circuit core. It is safe for concurrent use.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	classify  Classifier
	now       func() time.Time
	logger    *slog.Logger

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probing   bool
	listeners []func(Transition)
}

// New creates a closed Breaker. onChange may be nil.
func New(threshold int, cooldown time.Duration, classify Classifier, onChange func(Transition), logger *slog.Logger) *Breaker {
	if threshold < 1 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	b := &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		classify:  classify,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "breaker")),
		state:     StateClosed,
	}
	if onChange != nil {
		b.listeners = append(b.listeners, onChange)
	}
	return b
}

// Subscribe registers an additional state-change listener. The listener list
// is guarded by the breaker's mutex, so registration is safe at any time.
func (b *Breaker) Subscribe(fn func(Transition)) {
	b.mu.Lock()
	b.listeners = append(b.listeners, fn)
	b.mu.Unlock()
}

// State returns the current state, promoting Open to HalfOpen once the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.promoteLocked()
	return b.state
}

// allow reports whether a call may proceed. In the half-open state only the
// first caller becomes the probe; everyone else is refused until the probe
// resolves.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.promoteLocked()

	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return false
	}
}

// record applies a call result.
func (b *Breaker) record(err error) {
	failure := b.classify != nil && b.classify(err)

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if !failure {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.threshold {
			b.transitionLocked(StateOpen)
		}

	case StateHalfOpen:
		b.probing = false
		if failure {
			b.transitionLocked(StateOpen)
			return
		}
		b.failures = 0
		b.transitionLocked(StateClosed)

	case StateOpen:
		// A call that was already in flight when the circuit opened; its
		// result does not change anything.
	}
}

// promoteLocked moves Open to HalfOpen once the cooldown has elapsed.
func (b *Breaker) promoteLocked() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.transitionLocked(StateHalfOpen)
	}
}

// transitionLocked changes state and fires the change callback.
func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == StateOpen {
		b.openedAt = b.now()
		b.probing = false
	}

	b.logger.Info("circuit state changed",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	tr := Transition{From: from, To: to, At: b.now()}
	for _, fn := range b.listeners {
		fn(tr)
	}
}

// DefaultClassifier implements the documented failure rules: transport
// errors, 5xx statuses, and upstream-error rejections count; local rate
// limiting, logical 4xx responses, and missing records do not.
func DefaultClassifier(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, domain.ErrRateLimited),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrCircuitOpen):
		return false
	}
	var statusErr *domain.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.IsServerError()
	}
	return true
}

// --------------------------------------------------------------------------
// Upstream decorator
// --------------------------------------------------------------------------

// Guard decorates a domain.UpstreamAPI with the breaker. When the circuit is
// open every call fails immediately with domain.ErrCircuitOpen.
type Guard struct {
	inner domain.UpstreamAPI
	br    *Breaker
}

// Wrap decorates api with br.
func Wrap(api domain.UpstreamAPI, br *Breaker) *Guard {
	return &Guard{inner: api, br: br}
}

// Breaker exposes the wrapped breaker for state queries.
func (g *Guard) Breaker() *Breaker { return g.br }

// FetchAuction proxies to the inner client under the breaker.
func (g *Guard) FetchAuction(ctx context.Context, id string) (domain.Product, error) {
	if !g.br.allow() {
		return domain.Product{}, domain.ErrCircuitOpen
	}
	product, err := g.inner.FetchAuction(ctx, id)
	g.br.record(err)
	return product, err
}

// PlaceBid proxies to the inner client under the breaker. A logical
// rejection with reason upstreamError counts as a failure even though the
// client reports it without an error.
func (g *Guard) PlaceBid(ctx context.Context, id string, amount int) (domain.BidOutcome, error) {
	if !g.br.allow() {
		return domain.BidOutcome{}, domain.ErrCircuitOpen
	}
	outcome, err := g.inner.PlaceBid(ctx, id, amount)
	if err == nil && outcome.Kind == domain.BidRejected && outcome.Reason == domain.RejectUpstreamError {
		g.br.record(&domain.StatusError{Code: 500, Body: "upstream rejection"})
	} else {
		g.br.record(err)
	}
	return outcome, err
}

// Compile-time interface check.
var _ domain.UpstreamAPI = (*Guard)(nil)
