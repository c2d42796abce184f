package core

import (
	"context"
	"time"
)

// EventTypeName is a string alias for event type identifiers (e.g., "reconcile_now")
type EventTypeName string

const (
	EventReconcileNow           EventTypeName = "reconcile_now"
	EventReconcileSuccess       EventTypeName = "reconcile_success"
	EventNotifyReconcileSuccess EventTypeName = "notify_reconcile_success"
	EventNotifyReconcileFailed  EventTypeName = "notify_reconcile_failed"
	EventWebhookReceived        EventTypeName = "webhook_received"
)

// EventTypeDesc defines the "class" for an event type (registered dynamically)
type EventTypeDesc struct {
	Name        EventTypeName           // Unique ID, e.g., "reconcile_success"
	Description string                  // Human-readable, e.g., "Fired when the gateway list was replaced"
	PayloadSpec map[string]PayloadField // Optional: Expected fields in event.Details (for validation/docs)
}

// PayloadField describes a field in the event payload
type PayloadField struct {
	Type        string // e.g., "string", "int", "map[string]interface{}"
	Description string
	Required    bool
}

// InternalEvent is the payload sent over the bus
type InternalEvent struct {
	Type      EventTypeName          `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"` // "scheduler", "webhook_trigger", "reconciler", etc.
	ListID    string                 `json:"list_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	String    string                 `json:"string,omitempty"`
}

// Listener is a handler func for subscribers
type Listener func(ctx context.Context, event InternalEvent)
