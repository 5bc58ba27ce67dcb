package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/calprice/auctiond/internal/breaker"
	"github.com/calprice/auctiond/internal/config"
	"github.com/calprice/auctiond/internal/crypto"
	"github.com/calprice/auctiond/internal/domain"
	"github.com/calprice/auctiond/internal/metrics"
	"github.com/calprice/auctiond/internal/notify"
	"github.com/calprice/auctiond/internal/store"
	"github.com/calprice/auctiond/internal/upstream"
)

// Dependencies bundles the infrastructure the application needs to operate.
// Wire constructs it; the returned cleanup tears it down in reverse order.
type Dependencies struct {
	Store    *store.Fallback
	Upstream *upstream.Client
	// API is the upstream surface handed to pipelines and the strategy
	// engine: breaker-wrapped when the breaker is enabled.
	API      domain.UpstreamAPI
	Breaker  *breaker.Breaker
	Signer   *crypto.Signer
	Vault    *crypto.Vault
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Store (primary + memory fallback) ---
	var primary domain.Store
	if cfg.Store.URL != "" {
		rs, err := store.NewRedis(ctx, cfg.Store.URL)
		if err != nil {
			if !cfg.Store.MemoryFallback {
				cleanup()
				return nil, nil, fmt.Errorf("wire: store unreachable and memory fallback disabled: %w", err)
			}
			logger.Warn("backing store unreachable at startup, running on memory",
				slog.String("error", err.Error()),
			)
		} else {
			primary = rs
			closers = append(closers, func() { _ = rs.Close() })
		}
	}
	deps.Store = store.NewFallback(primary, logger)

	// --- Signing + cookie vault ---
	deps.Signer = crypto.NewSigner(cfg.Signing.Secret)
	deps.Vault = crypto.NewVault(cfg.Signing.EncryptionSecret)

	// --- Upstream client, optionally breaker-wrapped ---
	deps.Upstream = upstream.New(upstream.Config{
		BaseURL:         cfg.Upstream.BaseURL,
		APIURL:          cfg.Upstream.APIURL,
		DataParam:       cfg.Upstream.DataParam,
		Timeout:         cfg.Upstream.RequestTimeout.Duration,
		RateLimitPerMin: cfg.Upstream.RateLimitPerMin,
	}, deps.Signer, logger)

	deps.API = deps.Upstream
	if cfg.Breaker.Enabled {
		deps.Breaker = breaker.New(
			cfg.Breaker.FailureThreshold,
			cfg.Breaker.Cooldown.Duration,
			breaker.DefaultClassifier,
			func(tr breaker.Transition) {
				metrics.BreakerTransitionsTotal.WithLabelValues(string(tr.To)).Inc()
			},
			logger,
		)
		deps.API = breaker.Wrap(deps.Upstream, deps.Breaker)
	}

	// --- Operator notifications ---
	var senders []notify.Sender
	if cfg.Notify.WebhookURL != "" {
		senders = append(senders, notify.NewWebhookSender(cfg.Notify.WebhookURL))
	}
	deps.Notifier = notify.New(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
