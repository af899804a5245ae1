package stores

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/rightsize/pkg/telemetry"
)

// eventWriteTimeout bounds a single event insert.
const eventWriteTimeout = 5 * time.Second

// EventSubscriber returns a telemetry subscriber that persists run events.
// Events without a run id are ignored. Write failures are logged and
// dropped so a slow database never blocks event delivery.
func EventSubscriber(store Store, logger zerolog.Logger) telemetry.EventSubscriber {
	logger = logger.With().Str("component", "event-store").Logger()
	return func(event telemetry.Event) {
		if event.RunID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), eventWriteTimeout)
		defer cancel()

		err := store.AppendEvent(ctx, &Event{
			ID:        event.ID,
			RunID:     event.RunID,
			Step:      event.Step,
			Type:      event.Type,
			Level:     event.Level,
			Message:   event.Message,
			Data:      event.Data,
			Timestamp: event.Timestamp,
		})
		if err != nil {
			logger.Warn().Err(err).Str("run_id", event.RunID).Str("type", event.Type).Msg("Failed to store event")
		}
	}
}
