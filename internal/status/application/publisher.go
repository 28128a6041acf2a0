package application

import (
	"context"
	"log/slog"

	status "iot-kpi/internal/status/domain"
)

// TransitionPublisher delivers committed transitions to downstream consumers.
type TransitionPublisher interface {
	Publish(ctx context.Context, t status.Transition) error
}

// PublishAll sends transitions after their transaction committed. Failures are
// logged; the committed state stands.
func PublishAll(ctx context.Context, publisher TransitionPublisher, logger *slog.Logger, transitions []status.Transition) {
	if publisher == nil {
		return
	}
	for _, t := range transitions {
		if err := publisher.Publish(ctx, t); err != nil && logger != nil {
			logger.Warn("publish transition failed",
				"device_id", t.ExternalID, "from", t.From, "to", t.To, "err", err)
		}
	}
}
