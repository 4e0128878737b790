package timer

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusDue       Status = "due"
	StatusEscalated Status = "escalated"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether a timer in this status may never be claimed again.
func (s Status) Terminal() bool {
	switch s {
	case StatusEscalated, StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

type ProcessingStatus string

const (
	ProcessingPending    ProcessingStatus = "pending"
	ProcessingProcessing ProcessingStatus = "processing"
	ProcessingCompleted  ProcessingStatus = "completed"
	ProcessingFailed     ProcessingStatus = "failed"
)

type Outcome string

const (
	// OutcomePending is the insert-time default: the row exists but the
	// step has not run yet (or its result was never recorded).
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Timer is a persisted SLA deadline for one lead/contract pair. The
// escalation steps are stored as opaque JSON; the scheduler hands each one
// to the escalation dispatcher, which knows how to interpret it.
type Timer struct {
	ID               string
	TenantID         string
	LeadID           string
	SLAContractID    string
	StartedAt        time.Time
	DueAt            time.Time
	SLAWindowMinutes int
	EscalationSteps  []json.RawMessage
	Status           Status
	ProcessingStatus ProcessingStatus
	Attempts         int
	NextAttemptAt    time.Time
	LastError        *string
	CorrelationID    string
	IdempotencyKey   *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// EscalationEvent records one escalation step for a timer, including a
// snapshot of the configuration as applied. ExecutedAt is nil until a
// terminal outcome is recorded.
type EscalationEvent struct {
	ID               string
	TenantID         string
	LeadID           string
	TimerID          string
	EscalationStep   int
	ExecutedAt       *time.Time
	Outcome          Outcome
	ErrorMessage     *string
	EscalationConfig json.RawMessage
	CreatedAt        time.Time
}

// Stats aggregates per-tenant timer statuses and escalation outcomes for
// the operational surface.
type Stats struct {
	TimersByStatus  map[Status]int
	EventsByOutcome map[Outcome]int
}
