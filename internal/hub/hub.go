// Package hub accepts long-lived bidirectional client connections, correlates
// request/response frames, gates everything behind bearer-token
// authentication, and fans auction state out to every authenticated client.
package hub

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/calprice/auctiond/internal/domain"
	"github.com/calprice/auctiond/internal/metrics"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// keepAliveInterval is the expected client ping cadence; a connection
	// idle for more than twice this is closed.
	keepAliveInterval = 30 * time.Second

	// authDeadline is how long a fresh connection has to authenticate.
	authDeadline = 5 * time.Second

	// commandTimeout bounds one command's round trip through the
	// coordinator before the correlated response reports a timeout.
	commandTimeout = 30 * time.Second

	// maxMessageSize is the maximum size of an incoming frame.
	maxMessageSize = 16384

	// sendBufferSize is the per-client outbound frame buffer.
	sendBufferSize = 256
)

// upgrader configures the WebSocket upgrade parameters. The browser extension
// connects from an extension origin, so all origins are accepted and the
// bearer token is the actual gate.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Commands is the coordinator surface the hub drives. One-way: the
// coordinator never calls back into the hub except through the Broadcaster
// interface it holds.
type Commands interface {
	StartMonitoring(ctx context.Context, id string, cfg domain.AuctionConfig, meta domain.AuctionMeta) (domain.Auction, error)
	StopMonitoring(ctx context.Context, id string) error
	UpdateConfig(ctx context.Context, id string, cfg domain.AuctionConfig) (domain.Auction, error)
	PlaceBid(ctx context.Context, id string, amount int) error
	ListAuctions(ctx context.Context) ([]domain.Auction, error)
	GetSettings(ctx context.Context) (domain.GlobalSettings, error)
	UpdateSettings(ctx context.Context, s domain.GlobalSettings) error
	SetSession(ctx context.Context, cookie string) error
}

// Config holds the hub parameters.
type Config struct {
	AuthToken string
	// CommandsPerMin is the per-connection inbound command cap.
	CommandsPerMin int
	// MaxConnsPerIP caps concurrent connections per source address.
	MaxConnsPerIP int
}

// Hub manages the set of connected clients and broadcasts coordinator events
// to every authenticated one. Ordering per connection is FIFO; across
// connections nothing is promised.
type Hub struct {
	cfg      Config
	commands Commands
	logger   *slog.Logger

	register   chan *client
	unregister chan *client
	broadcast  chan []byte

	mu      sync.RWMutex
	clients map[*client]bool
	ipConns map[string]int
}

// New creates a Hub.
func New(cfg Config, commands Commands, logger *slog.Logger) *Hub {
	if cfg.CommandsPerMin <= 0 {
		cfg.CommandsPerMin = 100
	}
	if cfg.MaxConnsPerIP <= 0 {
		cfg.MaxConnsPerIP = 5
	}
	return &Hub{
		cfg:        cfg,
		commands:   commands,
		logger:     logger.With(slog.String("component", "hub")),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
		clients:    make(map[*client]bool),
		ipConns:    make(map[string]int),
	}
}

// Run starts the hub's main event loop. The loop exits when the context is
// cancelled, closing every connection with a final disconnected frame.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.ipConns[c.ip]++
			metrics.ConnectedClients.Set(float64(len(h.clients)))
			h.mu.Unlock()
			h.logger.Info("client connected",
				slog.String("client_id", c.id),
				slog.Int("total_clients", h.clientCount()),
			)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				if h.ipConns[c.ip] <= 1 {
					delete(h.ipConns, c.ip)
				} else {
					h.ipConns[c.ip]--
				}
				close(c.send)
			}
			metrics.ConnectedClients.Set(float64(len(h.clients)))
			h.mu.Unlock()
			h.logger.Info("client disconnected",
				slog.String("client_id", c.id),
				slog.Int("total_clients", h.clientCount()),
			)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.authed() {
					continue
				}
				select {
				case c.send <- msg:
				default:
					// Send buffer full; drop the frame for this slow
					// client rather than stalling the fan-out.
					h.logger.Warn("dropping frame for slow client",
						slog.String("client_id", c.id),
					)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// closeAll sends a final disconnected frame and tears down every connection.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- disconnectedFrame():
		default:
		}
		close(c.send)
		delete(h.clients, c)
	}
	h.ipConns = make(map[string]int)
}

// BroadcastAuction sends a whole, self-contained auction record to every
// authenticated client. Implements the coordinator's Broadcaster.
func (h *Hub) BroadcastAuction(a domain.Auction) {
	h.offer(auctionStateFrame(a))
}

// BroadcastNotification sends a notification frame to every authenticated
// client. Implements the coordinator's Broadcaster.
func (h *Hub) BroadcastNotification(n domain.Notification) {
	h.offer(notificationFrame(n))
}

// offer enqueues a broadcast, blocking briefly rather than dropping:
// notifications must not be lost under a short burst.
func (h *Hub) offer(msg []byte) {
	select {
	case h.broadcast <- msg:
	case <-time.After(writeWait):
		h.logger.Error("broadcast queue stalled, dropping frame")
	}
}

// HandleWS upgrades an HTTP request to a WebSocket connection and registers
// the client with the hub.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	h.mu.RLock()
	over := h.ipConns[ip] >= h.cfg.MaxConnsPerIP
	h.mu.RUnlock()
	if over {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := newClient(h, conn, ip)
	h.register <- c

	go c.writePump()
	go c.readPump()
}

// clientCount returns the number of currently connected clients.
func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// clientIP determines the source address, honoring standard proxy headers.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
