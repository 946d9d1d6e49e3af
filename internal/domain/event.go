package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// Uplink lifecycle events.
	EventUplinkOpened EventType = "uplink.opened"
	EventUplinkClosed EventType = "uplink.closed"
	EventUplinkFailed EventType = "uplink.failed" // reconnect attempts exhausted

	// Dispatcher-classified inbound frames.
	EventExtractionRequested EventType = "extraction.requested"
	EventUplinkRegistered    EventType = "uplink.registered"
	EventHeartbeatAcked      EventType = "uplink.heartbeat_ack"
	EventServerError         EventType = "server.error"

	// Router lifecycle.
	EventExtractionCompleted EventType = "extraction.completed"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
// Implementations must guarantee that a misbehaving handler (panic) never
// affects other handlers or the publisher.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// ExtractionRequested is the payload of EventExtractionRequested: one
// inbound extraction request, already normalized by the dispatcher.
type ExtractionRequested struct {
	CorrelationID CorrelationID   `json:"correlationId"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	ReceivedAt    time.Time       `json:"receivedAt"`
}

// ExtractionCompleted is the payload of EventExtractionCompleted, consumed
// by the activity journal.
type ExtractionCompleted struct {
	CorrelationID CorrelationID `json:"correlation_id"`
	TargetID      string        `json:"target_id,omitempty"`
	ReceivedAt    time.Time     `json:"received_at"`
	CompletedAt   time.Time     `json:"completed_at"`
	Success       bool          `json:"success"`
	Error         string        `json:"error,omitempty"`
	Delivered     bool          `json:"delivered"` // false when Send failed (connection down)
}
