package hub

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/calprice/auctiond/internal/domain"
)

// client is one WebSocket connection. A single read task and a single write
// task own the connection; commands are processed in arrival order so the
// correlated response always precedes any broadcast that is causally later.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	id   string
	ip   string
	send chan []byte

	authenticated atomic.Bool
	limiter       *rate.Limiter
	authTimer     *time.Timer

	closing   atomic.Bool
	closeOnce sync.Once
}

// closeMarker is an empty frame that tells the write pump to flush, send a
// close frame, and tear the connection down. Queued after a final error
// frame so the client actually sees it before the socket drops.
var closeMarker = []byte{}

func newClient(h *Hub, conn *websocket.Conn, ip string) *client {
	c := &client{
		hub:  h,
		conn: conn,
		id:   uuid.New().String(),
		ip:   ip,
		send: make(chan []byte, sendBufferSize),
		limiter: rate.NewLimiter(
			rate.Limit(float64(h.cfg.CommandsPerMin)/60.0),
			h.cfg.CommandsPerMin,
		),
	}

	// Authentication must complete within the deadline or the connection is
	// closed.
	c.authTimer = time.AfterFunc(authDeadline, func() {
		if !c.authed() {
			h.logger.Warn("authentication deadline exceeded",
				slog.String("client_id", c.id),
			)
			_ = conn.Close()
		}
	})

	return c
}

func (c *client) authed() bool {
	return c.authenticated.Load()
}

// enqueue queues an outbound frame for this connection only.
func (c *client) enqueue(msg []byte) {
	defer func() {
		// The send channel is closed by the hub on unregister; a late
		// response for a closing connection is simply not delivered.
		_ = recover()
	}()
	select {
	case c.send <- msg:
	default:
	}
}

// readPump reads frames from the connection and dispatches them. It enforces
// the keep-alive idle limit and the per-connection command rate.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	idleLimit := 2 * keepAliveInterval

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(idleLimit))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(idleLimit))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close",
					slog.String("client_id", c.id),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(idleLimit))

		if c.closing.Load() {
			continue
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil || frame.Type == "" {
			c.enqueue(errorFrame("", "malformed frame"))
			continue
		}

		if !c.handleFrame(frame) {
			// Queue the teardown behind any final frame so it is
			// delivered; the write pump closes the socket, which ends
			// this read loop.
			c.shutdown()
		}
	}
}

// shutdown closes the connection after the queued frames drain.
func (c *client) shutdown() {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.enqueue(closeMarker)
	})
}

// handleFrame processes one inbound frame. It returns false when the
// connection must close (failed authentication, commands before it).
func (c *client) handleFrame(frame Frame) bool {
	switch frame.Type {
	case TypePing:
		c.enqueue(pongFrame(frame.RequestID))
		return true

	case TypeAuthenticate:
		return c.handleAuthenticate(frame)
	}

	if !c.authed() {
		c.enqueue(errorFrame(frame.RequestID, "authentication required"))
		return false
	}

	if !c.limiter.Allow() {
		// The offending frame is dropped.
		c.enqueue(rateLimitedFrame(frame.RequestID))
		return true
	}

	c.handleCommand(frame)
	return true
}

// handleAuthenticate gates the connection on the shared bearer token.
func (c *client) handleAuthenticate(frame Frame) bool {
	ok := frame.Token != "" &&
		subtle.ConstantTimeCompare([]byte(frame.Token), []byte(c.hub.cfg.AuthToken)) == 1

	c.enqueue(authenticatedFrame(ok, frame.RequestID))
	if !ok {
		c.hub.logger.Warn("authentication failed", slog.String("client_id", c.id))
		return false
	}

	c.authenticated.Store(true)
	c.authTimer.Stop()
	c.enqueue(connectedFrame(c.id))
	return true
}

// handleCommand routes an authenticated command through the coordinator and
// sends the correlated response. Commands run synchronously on the read task,
// so per-connection FIFO ordering holds by construction.
func (c *client) handleCommand(frame Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch frame.Type {
	case TypeStartMonitoring:
		var cfg domain.AuctionConfig
		if frame.Config != nil {
			cfg = *frame.Config
		}
		var meta domain.AuctionMeta
		if frame.Metadata != nil {
			meta = *frame.Metadata
		}
		auction, err := c.hub.commands.StartMonitoring(ctx, frame.AuctionID, cfg, meta)
		c.respond(frame.RequestID, map[string]any{"auction": auction}, err)

	case TypeStopMonitoring:
		err := c.hub.commands.StopMonitoring(ctx, frame.AuctionID)
		c.respond(frame.RequestID, nil, err)

	case TypeUpdateConfig:
		if frame.Config == nil {
			c.respond(frame.RequestID, nil, domain.ValidationError("config is required"))
			return
		}
		auction, err := c.hub.commands.UpdateConfig(ctx, frame.AuctionID, *frame.Config)
		c.respond(frame.RequestID, map[string]any{"auction": auction}, err)

	case TypePlaceBid:
		err := c.hub.commands.PlaceBid(ctx, frame.AuctionID, frame.Amount)
		c.respond(frame.RequestID, nil, err)

	case TypeGetMonitoredAuctions:
		auctions, err := c.hub.commands.ListAuctions(ctx)
		c.respond(frame.RequestID, map[string]any{"auctions": auctions}, err)

	case TypeGetSettings:
		settings, err := c.hub.commands.GetSettings(ctx)
		c.respond(frame.RequestID, map[string]any{"settings": settings}, err)

	case TypeUpdateSettings:
		if frame.Settings == nil {
			c.respond(frame.RequestID, nil, domain.ValidationError("settings is required"))
			return
		}
		err := c.hub.commands.UpdateSettings(ctx, *frame.Settings)
		c.respond(frame.RequestID, nil, err)

	case TypeSetSession:
		err := c.hub.commands.SetSession(ctx, frame.Cookie)
		c.respond(frame.RequestID, nil, err)

	default:
		c.enqueue(errorFrame(frame.RequestID, "unknown frame type "+frame.Type))
	}
}

// respond emits exactly one correlated frame per accepted request.
func (c *client) respond(requestID string, data map[string]any, err error) {
	switch {
	case err == nil:
		c.enqueue(responseFrame(requestID, data))
	case errors.Is(err, context.DeadlineExceeded):
		c.enqueue(errorFrame(requestID, "timeout"))
	default:
		c.enqueue(errorFrame(requestID, err.Error()))
	}
}

// writePump pumps frames from the send channel to the connection and keeps
// the transport alive with protocol-level pings.
func (c *client) writePump() {
	ticker := time.NewTicker(keepAliveInterval * 9 / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if len(message) == 0 {
				// closeMarker: everything queued ahead has flushed.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
