package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// Workflow engine events.
	EventWorkflowRegistered EventType = "workflow.registered"
	EventWorkflowStarted    EventType = "workflow.started"
	EventWorkflowCompleted  EventType = "workflow.completed"
	EventWorkflowFailed     EventType = "workflow.failed"
	EventWorkflowTimedOut   EventType = "workflow.timed_out"

	// Step events.
	EventStepStarted   EventType = "step.started"
	EventStepCompleted EventType = "step.completed"
	EventStepRetrying  EventType = "step.retrying"
	EventStepFailed    EventType = "step.failed"
	EventStepSkipped   EventType = "step.skipped"

	// Agent pool and loader events.
	EventAgentCreated   EventType = "agent.created"
	EventAgentEvicted   EventType = "agent.evicted"
	EventFactoryLoaded  EventType = "factory.loaded"
	EventFactoryEvicted EventType = "factory.evicted"

	// Scheduler events.
	EventScheduleFired EventType = "schedule.fired"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type        EventType       `json:"type"`
	Timestamp   time.Time       `json:"timestamp"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event with a JSON-encoded payload. Unmarshalable
// payloads are dropped rather than failing the publisher.
func NewEvent(t EventType, executionID string, payload any) Event {
	var raw json.RawMessage
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			raw = data
		}
	}
	return Event{Type: t, Timestamp: time.Now(), ExecutionID: executionID, Payload: raw}
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
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
