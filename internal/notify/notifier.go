// Package notify delivers operator-facing alerts alongside the client
// broadcasts. Notifications are dispatched to all registered senders and can
// be filtered by kind so operators receive only the alerts they care about.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/calprice/auctiond/internal/domain"
)

// Sender is the interface each notification channel implements.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender.
	Name() string
}

// Notifier dispatches notifications to one or more Senders. It maintains a
// set of allowed notification kinds; anything else is silently filtered.
type Notifier struct {
	senders []Sender
	kinds   map[string]bool
	logger  *slog.Logger
}

// New creates a Notifier delivering to the given senders. If kinds is empty,
// every kind is forwarded.
func New(senders []Sender, kinds []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		allowed[strings.TrimSpace(k)] = true
	}
	return &Notifier{
		senders: senders,
		kinds:   allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify formats and dispatches one auction notification. Sender failures are
// logged and never propagate into the coordinator.
func (n *Notifier) Notify(ctx context.Context, event domain.Notification) {
	if len(n.senders) == 0 {
		return
	}
	if len(n.kinds) > 0 && !n.kinds[string(event.Kind)] {
		return
	}

	title, message := format(event)
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.Error("sender failed",
				slog.String("sender", s.Name()),
				slog.String("kind", string(event.Kind)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// format renders a notification for human delivery channels.
func format(event domain.Notification) (title, message string) {
	switch event.Kind {
	case domain.NotifyEnded:
		won, _ := event.Fields["won"].(bool)
		verdict := "lost"
		if won {
			verdict = "won"
		}
		return "Auction ended",
			fmt.Sprintf("Auction %s ended — %s at %v", event.AuctionID, verdict, event.Fields["finalPrice"])
	case domain.NotifyOutbid:
		return "Outbid",
			fmt.Sprintf("Outbid on auction %s — current bid %v, next bid %v", event.AuctionID, event.Fields["currentBid"], event.Fields["nextBid"])
	case domain.NotifyMaxBidReached:
		return "Max bid reached",
			fmt.Sprintf("Auction %s needs more than the configured max of %v", event.AuctionID, event.Fields["maxBid"])
	case domain.NotifyBidError:
		return "Bid failed",
			fmt.Sprintf("Bid of %v on auction %s failed: %v", event.Fields["amount"], event.AuctionID, event.Fields["error"])
	default:
		return string(event.Kind), fmt.Sprintf("Auction %s: %v", event.AuctionID, event.Fields)
	}
}
