package tiers

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// DefaultReloadChannel is the pub/sub channel used to fan catalog reloads out to every instance
const DefaultReloadChannel = "tally:tiers:reload"

// Broadcaster propagates catalog reloads across instances over Redis pub/sub
type Broadcaster struct {
	client  *redis.Client
	channel string
	source  string
	log     logrus.FieldLogger
}

// NewBroadcaster creates a broadcaster. instanceID is attached to every
// message so an instance ignores its own notifications.
func NewBroadcaster(client *redis.Client, channel, instanceID string, log logrus.FieldLogger) *Broadcaster {
	if channel == "" {
		channel = DefaultReloadChannel
	}
	if log == nil {
		log = logrus.New()
	}
	return &Broadcaster{
		client:  client,
		channel: channel,
		source:  instanceID,
		log:     log.WithField("component", "tier-broadcast"),
	}
}

// Publish announces that the catalog changed
func (b *Broadcaster) Publish(ctx context.Context) error {
	if err := b.client.Publish(ctx, b.channel, b.source).Err(); err != nil {
		return fmt.Errorf("failed to publish tier reload: %w", err)
	}
	return nil
}

// Subscribe reloads target whenever another instance publishes. It blocks
// until ctx is done.
func (b *Broadcaster) Subscribe(ctx context.Context, target Reloader) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if msg.Payload == b.source {
				continue
			}
			if err := target.Reload(ctx); err != nil {
				b.log.WithError(err).WithField("from", msg.Payload).Error("tier reload from broadcast failed")
				continue
			}
			b.log.WithField("from", msg.Payload).Info("tier catalog reloaded from broadcast")
		}
	}
}
