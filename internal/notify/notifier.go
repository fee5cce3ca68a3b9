// Package notify forwards selected settlement events to operator chat
// channels (Discord, Telegram).
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/parimutuel/internal/domain"
)

// Sender delivers one notification to a channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans events out to every Sender. Only event types in the allowed
// set are forwarded; an empty set allows all.
type Notifier struct {
	senders []Sender
	events  map[domain.EventType]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier for senders filtered to events.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventType]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.EventType(e)] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// NotifyEvent formats evt and sends it if its type is allowed.
func (n *Notifier) NotifyEvent(ctx context.Context, evt domain.Event) error {
	if len(n.events) > 0 && !n.events[evt.Type] {
		return nil
	}
	title, message := Format(evt)
	return n.dispatch(ctx, title, message)
}

// Format renders evt as a title and a one-line body.
func Format(evt domain.Event) (title, message string) {
	switch evt.Type {
	case domain.EventGameCreated:
		return fmt.Sprintf("Game %d created", evt.GameID), "betting is open"
	case domain.EventGameResolved:
		return fmt.Sprintf("Game %d resolved", evt.GameID), "outcome: " + evt.State
	case domain.EventWithdrawn:
		owner := "unknown"
		if evt.Owner != nil {
			owner = evt.Owner.Hex()
		}
		return fmt.Sprintf("Game %d payout", evt.GameID), fmt.Sprintf("%d paid to %s", evt.Amount, owner)
	case domain.EventGameClosed:
		return fmt.Sprintf("Game %d closed", evt.GameID), "last position settled, vault closed"
	case domain.EventGameArchived:
		return fmt.Sprintf("Game %d archived", evt.GameID), "exported and purged from the primary store"
	default:
		return fmt.Sprintf("Game %d %s", evt.GameID, evt.Type), fmt.Sprintf("side=%s amount=%d", evt.Side, evt.Amount)
	}
}

// dispatch sends to every sender; one failure does not stop the others.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
