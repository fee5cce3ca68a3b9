package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/alanyoungcy/parimutuel/internal/domain"
)

// EventNotifier receives decoded settlement events.
type EventNotifier interface {
	NotifyEvent(ctx context.Context, evt domain.Event) error
}

// EventRelay subscribes to the settlement event channel and forwards each
// event to a notifier.
type EventRelay struct {
	bus      domain.SignalBus
	notifier EventNotifier
	logger   *slog.Logger
}

// NewEventRelay creates an EventRelay.
func NewEventRelay(bus domain.SignalBus, notifier EventNotifier, logger *slog.Logger) *EventRelay {
	return &EventRelay{
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "event_relay")),
	}
}

// Run forwards events until ctx is cancelled or the subscription ends.
func (r *EventRelay) Run(ctx context.Context) error {
	ch, err := r.bus.Subscribe(ctx, domain.EventsChannel)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-ch:
			if !ok {
				return ctx.Err()
			}
			var evt domain.Event
			if err := json.Unmarshal(payload, &evt); err != nil {
				r.logger.WarnContext(ctx, "undecodable event", slog.String("error", err.Error()))
				continue
			}
			if err := r.notifier.NotifyEvent(ctx, evt); err != nil {
				r.logger.WarnContext(ctx, "notify failed",
					slog.String("event", string(evt.Type)),
					slog.Uint64("game_id", evt.GameID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
