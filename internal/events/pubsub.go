package events

import (
	"context"
	"errors"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
)

type topicPublisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
}

type publishResult interface {
	Get(context.Context) (string, error)
}

// PubSub publishes envelopes to a Google Cloud Pub/Sub topic.
type PubSub struct {
	topic topicPublisher
	stop  func()
}

func NewPubSub(ctx context.Context, projectID, topic string) (*PubSub, error) {
	if projectID == "" || topic == "" {
		return nil, errors.New("pubsub project and topic are required")
	}
	client, err := gcppubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, err
	}
	p := client.Publisher(topic)
	return &PubSub{
		topic: &gcpPublisher{Publisher: p},
		stop: func() {
			p.Stop()
			_ = client.Close()
		},
	}, nil
}

func (p *PubSub) Publish(ctx context.Context, env Envelope) error {
	msg := &gcppubsub.Message{
		Data: env.Payload,
		Attributes: map[string]string{
			"event_id":    env.ID,
			"event_type":  string(env.Type),
			"key":         env.Key,
			"occurred_at": env.OccurredAt.Format(time.RFC3339Nano),
		},
	}
	result := p.topic.Publish(ctx, msg)
	if result == nil {
		return errors.New("publisher returned nil result")
	}
	_, err := result.Get(ctx)
	return err
}

func (p *PubSub) Close() error {
	if p.stop != nil {
		p.stop()
	}
	return nil
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	if p == nil || p.Publisher == nil {
		return nil
	}
	return &gcpPublishResult{PublishResult: p.Publisher.Publish(ctx, msg)}
}

type gcpPublishResult struct {
	*gcppubsub.PublishResult
}

func (r *gcpPublishResult) Get(ctx context.Context) (string, error) {
	if r == nil || r.PublishResult == nil {
		return "", errors.New("publish result is nil")
	}
	return r.PublishResult.Get(ctx)
}
