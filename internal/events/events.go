package events

import "context"

// Stream carrying every escrow lifecycle event.
const StreamEscrow = "events:escrow"

// Event types
const (
	EventEscrowCreated      = "escrow_created"
	EventEscrowStatusChange = "escrow_status_changed"
	EventPaymentReceived    = "payment_received"
	EventCodeSent           = "confirmation_code_sent"
	EventNotificationFailed = "notification_failed"
)

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}

// NopPublisher drops events. Used by one-shot tools without a Redis connection.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, Event) error { return nil }
