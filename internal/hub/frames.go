package hub

import (
	"encoding/json"

	"github.com/calprice/auctiond/internal/domain"
)

// Inbound frame types.
const (
	TypeAuthenticate         = "authenticate"
	TypePing                 = "ping"
	TypeStartMonitoring      = "startMonitoring"
	TypeStopMonitoring       = "stopMonitoring"
	TypeUpdateConfig         = "updateConfig"
	TypePlaceBid             = "placeBid"
	TypeGetMonitoredAuctions = "getMonitoredAuctions"
	TypeGetSettings          = "getSettings"
	TypeUpdateSettings       = "updateSettings"
	TypeSetSession           = "setSession"
)

// Outbound frame types.
const (
	TypeAuthenticated = "authenticated"
	TypePong          = "pong"
	TypeResponse      = "response"
	TypeError         = "error"
	TypeRateLimited   = "rateLimited"
	TypeAuctionState  = "auctionState"
	TypeNotification  = "notification"
	TypeConnected     = "connected"
	TypeDisconnected  = "disconnected"
)

// Frame is the inbound client message: a single JSON object whose type field
// selects the command. requestId is opaque and echoed verbatim.
type Frame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`

	Token     string                 `json:"token,omitempty"`
	AuctionID string                 `json:"auctionId,omitempty"`
	Config    *domain.AuctionConfig  `json:"config,omitempty"`
	Metadata  *domain.AuctionMeta    `json:"metadata,omitempty"`
	Amount    int                    `json:"amount,omitempty"`
	Settings  *domain.GlobalSettings `json:"settings,omitempty"`
	Cookie    string                 `json:"cookie,omitempty"`
}

// marshalFrame encodes an outbound frame, falling back to an error frame on
// the (never expected) marshal failure.
func marshalFrame(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"type":"error","error":"internal encoding failure"}`)
	}
	return data
}

func authenticatedFrame(success bool, requestID string) []byte {
	return marshalFrame(map[string]any{
		"type":      TypeAuthenticated,
		"success":   success,
		"requestId": requestID,
	})
}

func pongFrame(requestID string) []byte {
	out := map[string]any{"type": TypePong}
	if requestID != "" {
		out["requestId"] = requestID
	}
	return marshalFrame(out)
}

func responseFrame(requestID string, data map[string]any) []byte {
	out := map[string]any{
		"type":      TypeResponse,
		"success":   true,
		"requestId": requestID,
	}
	if data != nil {
		out["data"] = data
	}
	return marshalFrame(out)
}

func errorFrame(requestID, message string) []byte {
	out := map[string]any{
		"type":    TypeError,
		"success": false,
		"error":   message,
	}
	if requestID != "" {
		out["requestId"] = requestID
	}
	return marshalFrame(out)
}

func rateLimitedFrame(requestID string) []byte {
	out := map[string]any{"type": TypeRateLimited}
	if requestID != "" {
		out["requestId"] = requestID
	}
	return marshalFrame(out)
}

func auctionStateFrame(a domain.Auction) []byte {
	return marshalFrame(map[string]any{
		"type":    TypeAuctionState,
		"auction": a,
	})
}

func notificationFrame(n domain.Notification) []byte {
	out := map[string]any{
		"type":      TypeNotification,
		"kind":      n.Kind,
		"auctionId": n.AuctionID,
	}
	for k, v := range n.Fields {
		out[k] = v
	}
	return marshalFrame(out)
}

func connectedFrame(clientID string) []byte {
	return marshalFrame(map[string]any{
		"type":     TypeConnected,
		"clientId": clientID,
	})
}

func disconnectedFrame() []byte {
	return marshalFrame(map[string]any{"type": TypeDisconnected})
}
