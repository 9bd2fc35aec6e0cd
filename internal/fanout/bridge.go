// Package fanout bridges the HTTP-side publish call into the broker
// fabric. The bridge does not know whether the recipient token is
// connected anywhere; it emits exactly one frame per stored message.
package fanout

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-push-relay/internal/broker"
	"github.com/tinywideclouds/go-push-relay/pkg/push"
)

// Bridge serializes a stored message and hands it to the broker's send
// side, addressed to the owning token.
type Bridge struct {
	publisher broker.Publisher
	logger    zerolog.Logger
}

// NewBridge creates a bridge over the given publisher.
func NewBridge(publisher broker.Publisher, logger zerolog.Logger) *Bridge {
	return &Bridge{
		publisher: publisher,
		logger:    logger.With().Str("component", "fanout_bridge").Logger(),
	}
}

// Publish is fire-and-forget: durability already happened in storage, and
// a missed live delivery is recovered by the client's next since-query, so
// transport errors are logged and dropped rather than surfaced.
func (b *Bridge) Publish(ctx context.Context, token push.Token, msg push.Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("key", msg.Key).Msg("Failed to serialize message for fan-out")
		return
	}
	if err := b.publisher.Publish(ctx, broker.Frame{Token: token, Payload: payload}); err != nil {
		b.logger.Warn().Err(err).Str("key", msg.Key).Msg("Fan-out publish failed, client will catch up via storage")
	}
}
