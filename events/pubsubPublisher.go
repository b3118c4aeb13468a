package events

import (
	"context"
	"errors"
	"sync"

	"bitbucket.org/mmdatafocus/debts_backend/config"
	"cloud.google.com/go/pubsub"
)

// PubSubPublisher publishes each event type to its own topic, named TopicPrefix + event type.
type PubSubPublisher struct {
	client       *pubsub.Client
	topicPrefix  string
	createTopics bool

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewPubSubPublisher wraps client. With createTopics the topics are created on first use
// (emulator and dev projects); otherwise they must already exist.
func NewPubSubPublisher(client *pubsub.Client, topicPrefix string, createTopics bool) (*PubSubPublisher, error) {
	if client == nil {
		return nil, errors.New("pubsub client is nil")
	}
	return &PubSubPublisher{
		client:       client,
		topicPrefix:  topicPrefix,
		createTopics: createTopics,
		topics:       map[string]*pubsub.Topic{},
	}, nil
}

func (p *PubSubPublisher) Publish(ctx context.Context, event Event) error {
	data, err := event.Encode()
	if err != nil {
		return err
	}
	topic, err := p.topic(ctx, event.Type)
	if err != nil {
		return err
	}
	res := topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"event_type": event.Type,
			"event_id":   event.Id,
			"event_key":  event.Key,
		},
	})
	_, err = res.Get(ctx)
	return err
}

func (p *PubSubPublisher) topic(ctx context.Context, eventType string) (*pubsub.Topic, error) {
	name := p.topicPrefix + eventType

	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[name]; ok {
		return t, nil
	}
	t := p.client.Topic(name)
	if p.createTopics {
		created, err := config.CreateTopicIfNotExists(ctx, p.client, name)
		if err != nil {
			return nil, err
		}
		t = created
	}
	p.topics[name] = t
	return t, nil
}

// Close flushes pending messages. The client itself is owned by config.
func (p *PubSubPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.topics = map[string]*pubsub.Topic{}
	return nil
}
