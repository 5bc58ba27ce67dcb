package breaker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calprice/auctiond/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var errTransport = errors.New("connection reset")

func newTestBreaker(t *testing.T, threshold int, cooldown time.Duration) (*Breaker, *time.Time, *[]Transition) {
	t.Helper()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var transitions []Transition

	b := New(threshold, cooldown, DefaultClassifier, func(tr Transition) {
		transitions = append(transitions, tr)
	}, testLogger())
	b.now = func() time.Time { return now }

	return b, &now, &transitions
}

func TestBreakerTripsOnConsecutiveFailures(t *testing.T) {
	b, _, transitions := newTestBreaker(t, 3, 30*time.Second)

	for i := 0; i < 2; i++ {
		require.True(t, b.allow())
		b.record(errTransport)
		assert.Equal(t, StateClosed, b.State())
	}

	require.True(t, b.allow())
	b.record(errTransport)
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.allow())

	require.Len(t, *transitions, 1)
	assert.Equal(t, StateClosed, (*transitions)[0].From)
	assert.Equal(t, StateOpen, (*transitions)[0].To)
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	b, _, _ := newTestBreaker(t, 3, 30*time.Second)

	b.record(errTransport)
	b.record(errTransport)
	b.record(nil)
	b.record(errTransport)
	b.record(errTransport)

	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b, now, transitions := newTestBreaker(t, 1, 30*time.Second)

	b.record(errTransport)
	require.Equal(t, StateOpen, b.State())

	// Before cooldown: refused.
	*now = now.Add(29 * time.Second)
	assert.False(t, b.allow())

	// After cooldown: exactly one probe is let through.
	*now = now.Add(2 * time.Second)
	assert.True(t, b.allow())
	assert.Equal(t, StateHalfOpen, b.State())
	assert.False(t, b.allow())

	// Probe success closes the circuit.
	b.record(nil)
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.allow())

	last := (*transitions)[len(*transitions)-1]
	assert.Equal(t, StateClosed, last.To)
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b, now, _ := newTestBreaker(t, 1, 30*time.Second)

	b.record(errTransport)
	*now = now.Add(31 * time.Second)
	require.True(t, b.allow())

	b.record(errTransport)
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.allow())

	// The cooldown timer restarted at the failed probe.
	*now = now.Add(31 * time.Second)
	assert.True(t, b.allow())
}

func TestDefaultClassifier(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		failure bool
	}{
		{"nil", nil, false},
		{"transport", errTransport, true},
		{"wrapped transport", fmt.Errorf("upstream: %w", errTransport), true},
		{"rate limited", domain.ErrRateLimited, false},
		{"wrapped rate limited", fmt.Errorf("upstream: %w", domain.ErrRateLimited), false},
		{"not found", domain.ErrNotFound, false},
		{"validation", domain.ValidationError("bad field"), false},
		{"circuit open", domain.ErrCircuitOpen, false},
		{"status 500", &domain.StatusError{Code: 500}, true},
		{"status 503", fmt.Errorf("upstream: %w", &domain.StatusError{Code: 503}), true},
		{"status 400", &domain.StatusError{Code: 400}, false},
		{"status 403", &domain.StatusError{Code: 403}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.failure, DefaultClassifier(tt.err))
		})
	}
}

// stubAPI lets Guard tests script upstream behavior.
type stubAPI struct {
	fetchErr error
	bidOut   domain.BidOutcome
	bidErr   error
	calls    int
}

func (s *stubAPI) FetchAuction(ctx context.Context, id string) (domain.Product, error) {
	s.calls++
	return domain.Product{ID: id}, s.fetchErr
}

func (s *stubAPI) PlaceBid(ctx context.Context, id string, amount int) (domain.BidOutcome, error) {
	s.calls++
	return s.bidOut, s.bidErr
}

func TestGuardOpenCircuitShortCircuits(t *testing.T) {
	api := &stubAPI{fetchErr: errTransport}
	b, _, _ := newTestBreaker(t, 2, 30*time.Second)
	g := Wrap(api, b)

	ctx := context.Background()
	_, err := g.FetchAuction(ctx, "1")
	require.Error(t, err)
	_, err = g.FetchAuction(ctx, "1")
	require.Error(t, err)

	// Open: the upstream is no longer called.
	before := api.calls
	_, err = g.FetchAuction(ctx, "1")
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.Equal(t, before, api.calls)
}

func TestGuardCountsUpstreamErrorRejection(t *testing.T) {
	api := &stubAPI{bidOut: domain.BidOutcome{Kind: domain.BidRejected, Reason: domain.RejectUpstreamError}}
	b, _, _ := newTestBreaker(t, 1, 30*time.Second)
	g := Wrap(api, b)

	_, err := g.PlaceBid(context.Background(), "1", 10)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, b.State())
}

func TestGuardIgnoresLogicalRejection(t *testing.T) {
	api := &stubAPI{bidOut: domain.BidOutcome{Kind: domain.BidRejected, Reason: domain.RejectNotAllowed}}
	b, _, _ := newTestBreaker(t, 1, 30*time.Second)
	g := Wrap(api, b)

	for i := 0; i < 5; i++ {
		_, err := g.PlaceBid(context.Background(), "1", 10)
		require.NoError(t, err)
	}
	assert.Equal(t, StateClosed, b.State())
}
