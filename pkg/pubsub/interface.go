package pubsub

import (
	"context"
	"time"
)

// Event signals that a topic changed. Receivers reload the topic's state rather
// than apply the event, so it carries no payload.
type Event struct {
	Type      string    `json:"type"`
	TopicID   int64     `json:"topic_id"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType string, topicID int64) *Event {
	return &Event{
		Type:      eventType,
		TopicID:   topicID,
		Timestamp: time.Now(),
	}
}

// Publisher publishes events to the event bus.
type Publisher interface {
	Publish(ctx context.Context, channel string, event *Event) error
}

// Subscriber subscribes to events from the event bus.
//
// Subscribe returns once the subscription is active. The returned channel is closed
// after ctx is cancelled; cancelling ctx is the only way to unsubscribe. Events are
// dropped when the subscriber falls behind, so receivers must treat an event as
// "something changed" rather than as a complete change log.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan *Event, error)
}

// PubSub combines Publisher and Subscriber interfaces.
type PubSub interface {
	Publisher
	Subscriber
	Close() error
}

// subscriberBuffer is the per-subscription channel capacity.
const subscriberBuffer = 100
