// Package pubsub implements an EventBroadcaster backed by Google Cloud
// Pub/Sub. Each logical topic maps to one message attribute on a single
// configured Pub/Sub topic, so subscribers can filter server-side.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
)

// Broadcaster publishes mutation events to a Pub/Sub topic.
type Broadcaster struct {
	topic *pubsub.Topic
}

// New creates a Broadcaster for the provided topic handle.
func New(topic *pubsub.Topic) (*Broadcaster, error) {
	if topic == nil {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	return &Broadcaster{topic: topic}, nil
}

// Publish marshals the payload to JSON and publishes it, carrying the
// logical topic as a message attribute. The call blocks until the
// server acknowledges the message or ctx expires.
func (b *Broadcaster) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	result := b.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"topic": topic},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Stop flushes pending publishes; call during shutdown.
func (b *Broadcaster) Stop() {
	b.topic.Stop()
}
