// Package app wires the core subsystems together and manages the process
// lifecycle: startup recovery, the supervision group, and ordered shutdown.
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/calprice/auctiond/internal/breaker"
	"github.com/calprice/auctiond/internal/config"
	"github.com/calprice/auctiond/internal/domain"
	"github.com/calprice/auctiond/internal/hub"
	"github.com/calprice/auctiond/internal/metrics"
	"github.com/calprice/auctiond/internal/monitor"
	"github.com/calprice/auctiond/internal/notify"
	"github.com/calprice/auctiond/internal/pipeline"
	"github.com/calprice/auctiond/internal/server"
)

// shutdownGrace is the window in-flight work gets before being abandoned.
const shutdownGrace = 5 * time.Second

// App is the root application object.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates an App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// broadcaster fans coordinator events out to the hub and, off the
// coordinator's loop, to the operator notifier.
type broadcaster struct {
	hub      *hub.Hub
	notifier *notify.Notifier
}

func (b *broadcaster) BroadcastAuction(a domain.Auction) {
	b.hub.BroadcastAuction(a)
}

func (b *broadcaster) BroadcastNotification(n domain.Notification) {
	b.hub.BroadcastNotification(n)

	// Webhook delivery does network I/O; keep it off the caller.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		b.notifier.Notify(ctx, n)
	}()
}

// Run wires everything, starts the supervision group, and blocks until the
// context is cancelled. Shutdown order: the server stops accepting first,
// then pipelines, then the coordinator flushes, then the hub closes
// connections with a final disconnected frame.
func (a *App) Run(ctx context.Context) error {
	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, cleanup)

	// runCtx outlives the signal context by the grace window so ordered
	// shutdown can happen under it.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	// --- Pipelines and router ---
	// The router's downstream target is the coordinator, which is built a
	// few lines down; nothing emits before enrollment, and enrollment only
	// happens once the coordinator runs.
	var coordinator *monitor.Coordinator
	router := pipeline.NewRouter(func(ev domain.SnapshotEvent) {
		coordinator.OfferSnapshot(ev)
	}, a.logger)

	var stream *pipeline.EventStream
	if a.cfg.Stream.Enabled {
		stream = pipeline.NewEventStream(pipeline.StreamConfig{
			SSEURL:           a.cfg.Upstream.SSEURL,
			FailureThreshold: a.cfg.Stream.FailureThreshold,
			IdleTimeout:      a.cfg.Stream.IdleTimeout.Duration,
		}, deps.API, router.Deliver, router.StreamHealth, a.logger)
	}

	var polling *pipeline.PollingQueue
	if a.cfg.Polling.Enabled {
		polling = pipeline.NewPollingQueue(pipeline.PollingConfig{
			Interval:        a.cfg.Polling.Interval.Duration,
			EndGame:         a.cfg.Polling.EndGame.Duration,
			MinSpacing:      a.cfg.Polling.MinSpacing.Duration,
			BreakerCooldown: a.cfg.Breaker.Cooldown.Duration,
		}, deps.API, router.Deliver, a.logger)
	}
	router.Attach(stream, polling)

	// --- Strategy engine and coordinator ---
	bidResults := make(chan domain.BidResult, 64)
	engine := monitor.NewEngine(deps.API, bidResults, a.logger)

	coordinator = monitor.New(
		deps.Store, router, engine, deps.Vault, deps.Upstream,
		bidResults, monitor.Config{}, a.logger,
	)

	// --- Hub and broadcast fan-out ---
	wsHub := hub.New(hub.Config{
		AuthToken:      a.cfg.Server.AuthToken,
		CommandsPerMin: a.cfg.Server.APIRateLimitMax,
		MaxConnsPerIP:  a.cfg.Server.MaxConnsPerIP,
	}, coordinator, a.logger)

	coordinator.SetBroadcaster(&broadcaster{hub: wsHub, notifier: deps.Notifier})

	if deps.Breaker != nil {
		deps.Breaker.Subscribe(func(tr breaker.Transition) {
			coordinator.OnBreakerChange(string(tr.From), string(tr.To))
		})
	}

	// --- HTTP shell ---
	srv := server.New(server.Config{
		Port:              a.cfg.Server.Port,
		CORSOrigins:       a.cfg.Server.CORSOrigins,
		Signer:            deps.Signer,
		SignatureRequired: a.cfg.Signing.Required,
		StreamEnabled:     a.cfg.Stream.Enabled,
		PollingEnabled:    a.cfg.Polling.Enabled,
	}, wsHub, coordinator, a.logger)

	// --- Supervision ---
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error { return coordinator.Run(gctx) })
	g.Go(func() error { return wsHub.Run(gctx) })
	if polling != nil {
		g.Go(func() error { return polling.Run(gctx) })
	}
	g.Go(func() error { return srv.Start() })

	// Store health gauge.
	g.Go(func() error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				if deps.Store.Degraded() {
					metrics.StoreDegraded.Set(1)
				} else {
					metrics.StoreDegraded.Set(0)
				}
			}
		}
	})

	// Ordered shutdown on signal: stop accepting, stop stream
	// subscriptions, then cancel the group with the grace window.
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-gctx.Done():
			return gctx.Err()
		}

		a.logger.Info("shutting down", slog.Duration("grace", shutdownGrace))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("server shutdown", slog.String("error", err.Error()))
		}

		if stream != nil {
			stream.Close()
		}

		cancelRun()
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close tears down wired resources in reverse registration order. Safe to
// call multiple times.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
