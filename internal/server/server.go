// Package server is the thin HTTP shell around the hub: the websocket mount,
// the health endpoint, and the metrics scrape handler.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/calprice/auctiond/internal/crypto"
	"github.com/calprice/auctiond/internal/domain"
	"github.com/calprice/auctiond/internal/hub"
	"github.com/calprice/auctiond/internal/server/middleware"
)

// HealthSource answers the health endpoint's questions about the core.
type HealthSource interface {
	StoreHealth(ctx context.Context) domain.StoreHealth
}

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string

	// Signer verifies inbound signed requests; SignatureRequired rejects
	// unsigned ones.
	Signer            *crypto.Signer
	SignatureRequired bool

	// Pipeline enablement, surfaced on the health endpoint.
	StreamEnabled  bool
	PollingEnabled bool
}

// Server is the client-facing HTTP + WebSocket endpoint.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a Server with all routes registered.
func New(cfg Config, wsHub *hub.Hub, health HealthSource, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", healthHandler(cfg, health))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws", wsHub.HandleWS)

	// Build the middleware chain, innermost first.
	var h http.Handler = mux
	if cfg.Signer != nil {
		h = middleware.Signature(cfg.Signer, cfg.SignatureRequired)(h)
	}
	h = middleware.Logging(logger)(h)
	h = corsMiddleware(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // streaming websocket writes manage their own deadlines
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger.With(slog.String("component", "server")),
	}
}

// Start begins listening. It blocks until the server errors or is shut down.
func (s *Server) Start() error {
	s.logger.Info("listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown stops accepting new connections and waits for in-flight requests
// within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// healthHandler reports process and store health. No bearer token is checked;
// the signature middleware still applies when signatures are required.
func healthHandler(cfg Config, health HealthSource) http.HandlerFunc {
	startedAt := time.Now().UTC()

	return func(w http.ResponseWriter, r *http.Request) {
		storeHealth := health.StoreHealth(r.Context())

		status := "ok"
		if storeHealth == domain.StoreDegraded {
			status = "degraded"
		} else if storeHealth == domain.StoreDown {
			status = "down"
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		json.NewEncoder(w).Encode(map[string]any{
			"status":        status,
			"store":         storeHealth,
			"stream":        cfg.StreamEnabled,
			"polling":       cfg.PollingEnabled,
			"uptimeSeconds": int64(time.Since(startedAt).Seconds()),
		})
	}
}

// corsMiddleware sets CORS headers for the allowed origins; no configured
// origins means allow all.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if origin != "" {
				allowed := len(allowedOrigins) == 0
				for _, o := range allowedOrigins {
					if strings.EqualFold(o, "*") || strings.EqualFold(o, origin) {
						allowed = true
						break
					}
				}
				if allowed {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Signature, X-Timestamp")
					w.Header().Set("Access-Control-Max-Age", "86400")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
