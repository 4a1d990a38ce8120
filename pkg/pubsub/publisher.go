package pubsub

import (
	"context"
	"errors"

	pubsub "cloud.google.com/go/pubsub/v2"
)

// Message is the Pub/Sub payload type, re-exported so callers only import
// this package.
type Message = pubsub.Message

// MessagePublisher is the narrow publish surface channel senders depend on.
type MessagePublisher interface {
	Publish(ctx context.Context, msg *Message) PublishResult
}

// PublishResult resolves to the server-assigned message id.
type PublishResult interface {
	Get(ctx context.Context) (string, error)
}

type topicPublisher struct {
	publisher *pubsub.Publisher
}

// NewTopicPublisher adapts a v2 publisher to MessagePublisher. A nil publisher
// yields results that fail on Get.
func NewTopicPublisher(p *pubsub.Publisher) MessagePublisher {
	return &topicPublisher{publisher: p}
}

func (p *topicPublisher) Publish(ctx context.Context, msg *Message) PublishResult {
	if p == nil || p.publisher == nil {
		return errResult{err: errors.New("publisher not configured")}
	}
	return p.publisher.Publish(ctx, msg)
}

type errResult struct {
	err error
}

func (r errResult) Get(context.Context) (string, error) {
	return "", r.err
}
