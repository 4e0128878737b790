package timer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service validates and normalises the externally-triggered timer
// operations before they reach the repository.
type Service struct {
	repo        Repository
	idGenerator func() string
	now         func() time.Time
}

type CreateParams struct {
	TenantID         string
	LeadID           string
	SLAContractID    string
	StartedAt        time.Time
	DueAt            time.Time
	SLAWindowMinutes int
	EscalationSteps  []json.RawMessage
	CorrelationID    string
	IdempotencyKey   *string
}

func NewService(repo Repository) *Service {
	return &Service{
		repo:        repo,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create registers an SLA timer for a lead. Re-submitting the same
// (tenant, lead, contract, startedAt) resolves to the existing timer id.
func (s *Service) Create(ctx context.Context, params CreateParams) (string, error) {
	if params.TenantID == "" {
		return "", fmt.Errorf("timer: missing tenant id")
	}
	if params.LeadID == "" {
		return "", fmt.Errorf("timer: missing lead id")
	}
	if params.SLAContractID == "" {
		return "", fmt.Errorf("timer: missing sla contract id")
	}
	if params.SLAWindowMinutes <= 0 {
		return "", fmt.Errorf("timer: invalid sla window")
	}

	startedAt := params.StartedAt
	if startedAt.IsZero() {
		startedAt = s.now()
	}
	dueAt := params.DueAt
	if dueAt.IsZero() {
		dueAt = startedAt.Add(time.Duration(params.SLAWindowMinutes) * time.Minute)
	}
	if !dueAt.After(startedAt) {
		return "", fmt.Errorf("timer: due time must be after start time")
	}

	correlationID := params.CorrelationID
	if correlationID == "" {
		correlationID = s.idGenerator()
	}

	id, _, err := s.repo.CreateTimer(ctx, CreateTimerParams{
		ID:               s.idGenerator(),
		TenantID:         params.TenantID,
		LeadID:           params.LeadID,
		SLAContractID:    params.SLAContractID,
		StartedAt:        startedAt,
		DueAt:            dueAt,
		SLAWindowMinutes: params.SLAWindowMinutes,
		EscalationSteps:  params.EscalationSteps,
		CorrelationID:    correlationID,
		IdempotencyKey:   params.IdempotencyKey,
	})
	return id, err
}

// Cancel stops the lead's pending SLA commitments. Timers already being
// processed or already terminal are unaffected; the returned count may be 0.
func (s *Service) Cancel(ctx context.Context, tenantID, leadID string) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("timer: missing tenant id")
	}
	if leadID == "" {
		return 0, fmt.Errorf("timer: missing lead id")
	}
	return s.repo.CancelForLead(ctx, tenantID, leadID)
}
