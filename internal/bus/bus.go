package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/devblac/chain-feed/internal/feed"
)

// TopicFeedUpdates carries JSON encoded feed.Update messages.
const TopicFeedUpdates = "chain-feed.updates"

// Bus fans feed updates out to in-process consumers.
type Bus struct {
	pubsub *gochannel.GoChannel
	log    *slog.Logger
}

var _ feed.Notifier = (*Bus)(nil)

// New creates an in-memory bus. Updates published while nobody is subscribed
// are dropped.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 256},
			watermill.NewSlogLogger(log.With("component", "bus")),
		),
		log: log,
	}
}

// Notify implements feed.Notifier.
func (b *Bus) Notify(u feed.Update) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("feed_id", u.FeedID)
	return b.pubsub.Publish(TopicFeedUpdates, msg)
}

// Updates subscribes to feed updates until ctx is done. The subscription is
// live when Updates returns.
func (b *Bus) Updates(ctx context.Context) (<-chan feed.Update, error) {
	msgs, err := b.pubsub.Subscribe(ctx, TopicFeedUpdates)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", TopicFeedUpdates, err)
	}

	out := make(chan feed.Update)
	go func() {
		defer close(out)
		for msg := range msgs {
			var u feed.Update
			if err := json.Unmarshal(msg.Payload, &u); err != nil {
				b.log.Warn("decode feed update", "uuid", msg.UUID, "error", err)
				msg.Ack()
				continue
			}
			select {
			case out <- u:
			case <-ctx.Done():
			}
			msg.Ack()
		}
	}()
	return out, nil
}

// Close stops the bus and closes every subscription.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}
