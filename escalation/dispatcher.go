package escalation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"salesflow/publish"
)

var (
	// ErrNoLevels is returned for a config with no hierarchy levels; the
	// caller records the step as skipped.
	ErrNoLevels = errors.New("escalation: config has no levels")
)

// TaskCreator creates a follow-up task in an external task system.
type TaskCreator interface {
	CreateTask(ctx context.Context, req TaskRequest) error
}

// MessageSender delivers an email/SMS through an external messaging system.
type MessageSender interface {
	SendMessage(ctx context.Context, req MessageRequest) error
}

// NotificationEmitter hands a notification to downstream systems.
type NotificationEmitter interface {
	EmitNotification(ctx context.Context, n Notification) error
}

type TaskRequest struct {
	TenantID    string
	LeadID      string
	Title       string
	Description string
	Priority    Priority
	Routing     map[string]string
}

type MessageRequest struct {
	TenantID string
	LeadID   string
	Subject  string
	Body     string
	Priority Priority
	Channels []string
	Routing  map[string]string
}

type Notification struct {
	TenantID string
	LeadID   string
	Reason   string
	Level    string
	Priority Priority
	Channels []string
	Routing  map[string]string
}

// Request carries everything the dispatcher needs for one escalation: the
// timer's scoping, a human-readable reason, and the tenant's resolved
// configuration for this step.
type Request struct {
	TenantID      string
	LeadID        string
	Reason        string
	CorrelationID string
	Config        Config
}

// Dispatcher resolves an escalation configuration into a concrete action
// and invokes the matching external adapter. It never retries internally;
// retry happens at timer granularity when the whole timer is re-claimed.
type Dispatcher struct {
	tasks         TaskCreator
	messages      MessageSender
	notifications NotificationEmitter
	publisher     publish.Publisher
	logger        *zap.Logger
}

func NewDispatcher(tasks TaskCreator, messages MessageSender, notifications NotificationEmitter, publisher publish.Publisher, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		tasks:         tasks,
		messages:      messages,
		notifications: notifications,
		publisher:     publisher,
		logger:        logger,
	}
}

// Dispatch executes one escalation. On adapter failure it emits a distinct
// failure event for observability and returns the error so the caller can
// record the step outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) error {
	if req.TenantID == "" || req.LeadID == "" {
		return fmt.Errorf("escalation: missing tenant or lead id")
	}
	if len(req.Config.Levels) == 0 {
		return ErrNoLevels
	}

	level := req.Config.Levels[0]
	action := actionFor(level)
	priority := priorityFor(level.Name)

	d.logger.Info("dispatching escalation",
		zap.String("tenant_id", req.TenantID),
		zap.String("lead_id", req.LeadID),
		zap.String("level", level.Name),
		zap.String("action", string(action)),
		zap.String("priority", string(priority)),
	)

	var err error
	switch action {
	case ActionTask:
		err = d.tasks.CreateTask(ctx, TaskRequest{
			TenantID:    req.TenantID,
			LeadID:      req.LeadID,
			Title:       fmt.Sprintf("SLA escalation: %s", req.Reason),
			Description: req.Reason,
			Priority:    priority,
			Routing:     level.Routing,
		})
	case ActionMessage:
		err = d.messages.SendMessage(ctx, MessageRequest{
			TenantID: req.TenantID,
			LeadID:   req.LeadID,
			Subject:  fmt.Sprintf("SLA escalation: %s", req.Reason),
			Body:     req.Reason,
			Priority: priority,
			Channels: level.Channels,
			Routing:  level.Routing,
		})
	default:
		err = d.notifications.EmitNotification(ctx, Notification{
			TenantID: req.TenantID,
			LeadID:   req.LeadID,
			Reason:   req.Reason,
			Level:    level.Name,
			Priority: priority,
			Channels: level.Channels,
			Routing:  level.Routing,
		})
	}
	if err == nil {
		return nil
	}

	d.logger.Warn("escalation adapter failed",
		zap.String("tenant_id", req.TenantID),
		zap.String("lead_id", req.LeadID),
		zap.String("action", string(action)),
		zap.Error(err),
	)
	d.emitFailure(ctx, req, action, err)

	return fmt.Errorf("escalation: %s adapter: %w", action, err)
}

func (d *Dispatcher) emitFailure(ctx context.Context, req Request, action ActionKind, cause error) {
	if d.publisher == nil {
		return
	}

	ev := publish.Event{
		TenantID:  req.TenantID,
		EventID:   uuid.NewString(),
		EventType: publish.EventTypeDispatchFailed,
		Payload: map[string]any{
			"lead_id": req.LeadID,
			"action":  string(action),
			"reason":  req.Reason,
			"error":   cause.Error(),
		},
		CorrelationID:  req.CorrelationID,
		IdempotencyKey: requestKey(publish.EventTypeDispatchFailed, req.TenantID, req.LeadID, string(action), req.Reason),
		SourceService:  "sla-escalation",
	}
	if err := d.publisher.Publish(ctx, ev); err != nil {
		d.logger.Error("publish dispatch failure event", zap.Error(err))
	}
}
