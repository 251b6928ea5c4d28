// Package pubsub implements a Google Cloud Pub/Sub publisher for ingestion
// events.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	gcppubsub "cloud.google.com/go/pubsub"
)

// Publisher wraps a Pub/Sub client and publishes JSON payloads. Topics are
// resolved lazily and cached.
type Publisher struct {
	client *gcppubsub.Client

	mu     sync.Mutex
	topics map[string]*gcppubsub.Topic
}

// New creates a Publisher for the given project.
func New(ctx context.Context, projectID string) (*Publisher, error) {
	if projectID == "" {
		return nil, fmt.Errorf("pubsub project id is required")
	}
	client, err := gcppubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &Publisher{client: client, topics: make(map[string]*gcppubsub.Topic)}, nil
}

// Publish marshals the payload to JSON and publishes it to the topic,
// blocking until the server acknowledges. Returns the server message id.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	result := p.topic(topic).Publish(ctx, &gcppubsub.Message{Data: data})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	return id, nil
}

// Close stops all topic publishers and releases the client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.mu.Unlock()
	return p.client.Close()
}

func (p *Publisher) topic(name string) *gcppubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[name]
	if !ok {
		t = p.client.Topic(name)
		p.topics[name] = t
	}
	return t
}
