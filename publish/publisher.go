// Package publish defines the durable event contract consumed by the SLA
// engine. Delivery is at-least-once: the sink deduplicates on the
// idempotency key, so re-publishing after a crash or retry is safe.
package publish

import "context"

const (
	EventTypeTimerDue            = "sla.timer.due"
	EventTypeEscalationTriggered = "sla.escalation.triggered"
	EventTypeDispatchFailed      = "sla.escalation.dispatch_failed"
)

// Event is one durable, idempotency-keyed integration event.
type Event struct {
	TenantID       string         `json:"tenant_id"`
	EventID        string         `json:"event_id"`
	EventType      string         `json:"event_type"`
	Payload        map[string]any `json:"payload"`
	CorrelationID  string         `json:"correlation_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	SourceService  string         `json:"source_service"`
}

// Publisher is the at-least-once event sink. Publishing the same
// idempotency key more than once must be safe.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}
