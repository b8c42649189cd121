package api

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/accord-chat/accord-server/internal/bus"
	"github.com/accord-chat/accord-server/internal/snowflake"
)

// publishEvent publishes a domain event after a successful storage write.
// The write is never rolled back when the bus is down: consumers catch up
// through replay or resync, so the failure is only logged.
func publishEvent(ctx context.Context, log zerolog.Logger, pub bus.Publisher, t bus.Type, entityID snowflake.ID, payload any) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, t, entityID, payload); err != nil {
		log.Warn().Err(err).Str("type", string(t)).Stringer("entity_id", entityID).
			Msg("event publish failed")
	}
}
