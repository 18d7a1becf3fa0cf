// Package pubsub publishes job lifecycle events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/JakeFAU/book-relay/internal/relay"
)

// Publisher wraps a Pub/Sub topic publisher.
type Publisher struct {
	publisher *pubsub.Publisher
}

// New creates a Publisher for the provided topic publisher.
func New(publisher *pubsub.Publisher) *Publisher {
	return &Publisher{publisher: publisher}
}

// Publish marshals the payload to JSON and publishes it. Job events carry their
// name and status as attributes so subscriptions can filter on them.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) (string, error) {
	if p.publisher == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: attributes(payload)}
	id, err := p.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

func attributes(payload any) map[string]string {
	var event relay.JobEvent
	switch v := payload.(type) {
	case relay.JobEvent:
		event = v
	case *relay.JobEvent:
		if v == nil {
			return nil
		}
		event = *v
	default:
		return nil
	}
	attrs := map[string]string{
		"event":  "job.finished",
		"job":    string(event.Name),
		"status": string(event.Status),
	}
	if event.ErrorCode != "" {
		attrs["error_code"] = event.ErrorCode
	}
	return attrs
}
