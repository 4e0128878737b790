package escalation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"salesflow/publish"
)

// EventBridge implements all three adapter interfaces by emitting request
// events on the durable publisher, for deployments where the concrete
// task/messaging systems consume from the event stream rather than being
// called synchronously.
type EventBridge struct {
	publisher publish.Publisher
	source    string
}

func NewEventBridge(publisher publish.Publisher, sourceService string) *EventBridge {
	return &EventBridge{publisher: publisher, source: sourceService}
}

func (b *EventBridge) CreateTask(ctx context.Context, req TaskRequest) error {
	return b.publisher.Publish(ctx, publish.Event{
		TenantID:  req.TenantID,
		EventID:   uuid.NewString(),
		EventType: "sla.task.requested",
		Payload: map[string]any{
			"lead_id":     req.LeadID,
			"title":       req.Title,
			"description": req.Description,
			"priority":    string(req.Priority),
			"routing":     req.Routing,
		},
		IdempotencyKey: requestKey("sla.task.requested", req.TenantID, req.LeadID, req.Title),
		SourceService:  b.source,
	})
}

func (b *EventBridge) SendMessage(ctx context.Context, req MessageRequest) error {
	return b.publisher.Publish(ctx, publish.Event{
		TenantID:  req.TenantID,
		EventID:   uuid.NewString(),
		EventType: "sla.message.requested",
		Payload: map[string]any{
			"lead_id":  req.LeadID,
			"subject":  req.Subject,
			"body":     req.Body,
			"priority": string(req.Priority),
			"channels": req.Channels,
			"routing":  req.Routing,
		},
		IdempotencyKey: requestKey("sla.message.requested", req.TenantID, req.LeadID, req.Subject),
		SourceService:  b.source,
	})
}

func (b *EventBridge) EmitNotification(ctx context.Context, n Notification) error {
	return b.publisher.Publish(ctx, publish.Event{
		TenantID:  n.TenantID,
		EventID:   uuid.NewString(),
		EventType: "sla.notification",
		Payload: map[string]any{
			"lead_id":  n.LeadID,
			"reason":   n.Reason,
			"level":    n.Level,
			"priority": string(n.Priority),
			"channels": n.Channels,
			"routing":  n.Routing,
		},
		IdempotencyKey: requestKey("sla.notification", n.TenantID, n.LeadID, n.Level, n.Reason),
		SourceService:  b.source,
	})
}

// requestKey derives a stable idempotency key from an event's scoping, so a
// step re-executed after a timer retry publishes the same key and the
// at-least-once sink deduplicates it.
func requestKey(eventType string, fields ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(fields, "\x00")))
	return fmt.Sprintf("%s:%s", eventType, hex.EncodeToString(sum[:8]))
}
