// Package events carries session lifecycle snapshots from the session
// manager to push subscribers (the WebSocket status channel).
//
// The bus is an in-process watermill GoChannel. Delivery is best-effort and
// may reorder under load; payloads carry a per-session version so consumers
// can discard stale updates.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"
)

// TopicSessionStatus is the topic every lifecycle snapshot is published on.
const TopicSessionStatus = "session.status"

// metadataIdentity is the message metadata key holding the session identity.
const metadataIdentity = "identity"

// Update is one published snapshot.
type Update struct {
	// Identity names the session the payload belongs to.
	Identity string

	// Payload is the JSON-encoded snapshot.
	Payload json.RawMessage
}

// Bus publishes snapshots and fans them out to subscribers.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger zerolog.Logger
}

// NewBus creates a bus with the given per-subscriber buffer.
func NewBus(buffer int, logger zerolog.Logger) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: int64(buffer),
		}, watermill.NopLogger{}),
		logger: logger,
	}
}

// Publish encodes v as JSON and publishes it for identity.
func (b *Bus) Publish(identity string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metadataIdentity, identity)

	if err := b.pubsub.Publish(TopicSessionStatus, msg); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

// Subscribe streams updates until ctx is cancelled or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Update, error) {
	messages, err := b.pubsub.Subscribe(ctx, TopicSessionStatus)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan Update)
	go func() {
		defer close(out)
		for msg := range messages {
			update := Update{
				Identity: msg.Metadata.Get(metadataIdentity),
				Payload:  json.RawMessage(msg.Payload),
			}
			msg.Ack()

			select {
			case out <- update:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close shuts the bus down and closes every subscription.
func (b *Bus) Close() error {
	b.logger.Debug().Msg("events: closing bus")
	return b.pubsub.Close()
}
