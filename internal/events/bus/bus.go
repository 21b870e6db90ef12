// Package bus provides the event bus the bridge publishes channel, pairing,
// and turn lifecycle events on. Subjects are dotted NATS-style names
// (e.g. "channel.connected", "message.inbound"); subscribers may use
// NATS wildcards ("channel.*", "message.>").
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is a single message on the bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewEvent creates an event with a fresh ID and the current time.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler processes a delivered event. Handler errors are logged by the
// bus, never propagated to the publisher.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subject subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the publish side used by the router and channel services, plus
// Subscribe for UI or tooling consumers.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
