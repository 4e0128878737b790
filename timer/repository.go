package timer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("timer: not found")
)

const (
	// MaxAttempts caps how often a claimed timer may be retried before it
	// is parked as permanently failed.
	MaxAttempts = 3
	// RetryBackoff is the fixed delay before a failed timer becomes
	// claimable again.
	RetryBackoff = 30 * time.Second
)

// Repository is the persistence contract for timers and escalation events.
// The claim operation is the single cross-instance coordination point; every
// other method is a plain conditional write or read.
type Repository interface {
	CreateTimer(ctx context.Context, params CreateTimerParams) (string, bool, error)
	CancelForLead(ctx context.Context, tenantID, leadID string) (int64, error)
	ClaimDue(ctx context.Context, limit int) ([]Timer, error)
	GetStatus(ctx context.Context, id string) (Status, error)
	MarkDue(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string) error
	MarkEscalated(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, errMsg string, permanent bool) error
	CreateEscalationEvent(ctx context.Context, params CreateEscalationEventParams) (EscalationEvent, bool, error)
	MarkEscalationSucceeded(ctx context.Context, eventID string) error
	MarkEscalationFailed(ctx context.Context, eventID string, errMsg string) error
	MarkEscalationSkipped(ctx context.Context, eventID string, reason string) error
	ListActive(ctx context.Context, tenantID string) ([]Timer, error)
	Stats(ctx context.Context, tenantID string) (Stats, error)
	PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error)
}

type CreateTimerParams struct {
	ID               string
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

type CreateEscalationEventParams struct {
	TenantID         string
	LeadID           string
	TimerID          string
	EscalationStep   int
	EscalationConfig json.RawMessage
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const timerColumns = `id, tenant_id, lead_id, sla_contract_id, started_at, due_at, sla_window_minutes,
       escalation_steps, status, processing_status, attempts, next_attempt_at, last_error,
       correlation_id, idempotency_key, created_at, updated_at`

// CreateTimer inserts a timer in ACTIVE status. Creation is idempotent on
// (tenant_id, lead_id, sla_contract_id, started_at): a duplicate resolves to
// the existing row's id and never produces a second row. The second return
// value reports whether a new row was written.
func (r *PGRepository) CreateTimer(ctx context.Context, params CreateTimerParams) (string, bool, error) {
	const insertSQL = `
		INSERT INTO sla_timers (id, tenant_id, lead_id, sla_contract_id, started_at, due_at,
		    sla_window_minutes, escalation_steps, status, processing_status, correlation_id, idempotency_key)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7, $8, 'active', 'pending', $9, $10)
		ON CONFLICT ON CONSTRAINT sla_timers_identity DO NOTHING
		RETURNING id
	`

	steps := params.EscalationSteps
	if steps == nil {
		steps = []json.RawMessage{}
	}

	var id string
	err := r.pool.QueryRow(ctx, insertSQL,
		params.ID,
		params.TenantID,
		params.LeadID,
		params.SLAContractID,
		params.StartedAt,
		params.DueAt,
		params.SLAWindowMinutes,
		steps,
		params.CorrelationID,
		params.IdempotencyKey,
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", false, fmt.Errorf("timer: insert timer: %w", err)
	}

	// Conflict path: the row already exists, hand back its id.
	const selectSQL = `
		SELECT id FROM sla_timers
		WHERE tenant_id = $1 AND lead_id = $2 AND sla_contract_id = $3 AND started_at = $4
	`
	if err := r.pool.QueryRow(ctx, selectSQL,
		params.TenantID, params.LeadID, params.SLAContractID, params.StartedAt,
	).Scan(&id); err != nil {
		return "", false, fmt.Errorf("timer: resolve existing timer: %w", err)
	}
	return id, false, nil
}

// CancelForLead transitions the lead's ACTIVE/PENDING timers to CANCELLED.
// Rows already claimed by a scheduler (processing_status = processing) and
// terminal rows are left untouched, so a repeat call is a no-op.
func (r *PGRepository) CancelForLead(ctx context.Context, tenantID, leadID string) (int64, error) {
	const query = `
		UPDATE sla_timers
		SET status = 'cancelled',
		    processing_status = 'completed',
		    updated_at = now()
		WHERE tenant_id = $1 AND lead_id = $2
		  AND status IN ('active', 'pending')
		  AND processing_status <> 'processing'
	`

	tag, err := r.pool.Exec(ctx, query, tenantID, leadID)
	if err != nil {
		return 0, fmt.Errorf("timer: cancel for lead: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ClaimDue atomically selects up to limit due, eligible timers and moves
// them into exclusive processing ownership. Eligible means ACTIVE (or DUE,
// for a timer whose earlier attempt failed after the first-due transition),
// past its due and retry-backoff times, and under the attempt cap.
// FOR UPDATE SKIP LOCKED makes
// concurrent claimers (in this process or another instance) skip rows a
// sibling has already locked, so a timer is returned by at most one caller.
// Each claimed row gets attempts+1 and a fresh next_attempt_at, which
// enforces the retry backoff once MarkFailed returns the row to pending. A
// hard crash mid-processing leaves the row in PROCESSING; it never becomes
// claimable again on its own and needs manual remediation.
func (r *PGRepository) ClaimDue(ctx context.Context, limit int) ([]Timer, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("timer: claim limit must be positive")
	}

	const query = `
		UPDATE sla_timers t
		SET processing_status = 'processing',
		    attempts = t.attempts + 1,
		    next_attempt_at = now() + make_interval(secs => $2),
		    updated_at = now()
		FROM (
		    SELECT id FROM sla_timers
		    WHERE status IN ('active', 'due')
		      AND processing_status = 'pending'
		      AND due_at <= now()
		      AND next_attempt_at <= now()
		      AND attempts < $3
		    ORDER BY due_at ASC
		    LIMIT $1
		    FOR UPDATE SKIP LOCKED
		) due
		WHERE t.id = due.id
		RETURNING t.id, t.tenant_id, t.lead_id, t.sla_contract_id, t.started_at, t.due_at, t.sla_window_minutes,
		          t.escalation_steps, t.status, t.processing_status, t.attempts, t.next_attempt_at, t.last_error,
		          t.correlation_id, t.idempotency_key, t.created_at, t.updated_at
	`

	rows, err := r.pool.Query(ctx, query, limit, RetryBackoff.Seconds(), MaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("timer: claim due: %w", err)
	}
	defer rows.Close()

	claimed := make([]Timer, 0, limit)
	for rows.Next() {
		t, err := scanTimer(rows)
		if err != nil {
			return nil, fmt.Errorf("timer: scan claimed: %w", err)
		}
		claimed = append(claimed, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("timer: iterate claimed: %w", err)
	}
	return claimed, nil
}

func (r *PGRepository) GetStatus(ctx context.Context, id string) (Status, error) {
	var status Status
	err := r.pool.QueryRow(ctx, `SELECT status FROM sla_timers WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("timer: get status: %w", err)
	}
	return status, nil
}

// MarkDue records the first-due transition before escalation steps run.
func (r *PGRepository) MarkDue(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, StatusDue, ProcessingProcessing)
}

func (r *PGRepository) MarkCompleted(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, StatusCompleted, ProcessingCompleted)
}

func (r *PGRepository) MarkEscalated(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, StatusEscalated, ProcessingCompleted)
}

func (r *PGRepository) setStatus(ctx context.Context, id string, status Status, processing ProcessingStatus) error {
	const query = `
		UPDATE sla_timers
		SET status = $2, processing_status = $3, updated_at = now()
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query, id, status, processing)
	if err != nil {
		return fmt.Errorf("timer: mark %s: %w", status, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed records a processing failure. A retryable failure keeps the
// timer ACTIVE and resets processing_status to pending so the row becomes
// claimable again once next_attempt_at elapses. A permanent failure parks
// the timer in the terminal FAILED status; the claim predicate then excludes
// it by status alone.
func (r *PGRepository) MarkFailed(ctx context.Context, id string, errMsg string, permanent bool) error {
	const retryableSQL = `
		UPDATE sla_timers
		SET processing_status = 'pending', last_error = $2, updated_at = now()
		WHERE id = $1
	`
	const permanentSQL = `
		UPDATE sla_timers
		SET status = 'failed', processing_status = 'failed', last_error = $2, updated_at = now()
		WHERE id = $1
	`

	query := retryableSQL
	if permanent {
		query = permanentSQL
	}
	tag, err := r.pool.Exec(ctx, query, id, errMsg)
	if err != nil {
		return fmt.Errorf("timer: mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateEscalationEvent inserts the event row for one step in the PENDING
// outcome, idempotent on (timer_id, escalation_step). On conflict the
// existing row is returned and the boolean is false; the caller decides
// whether the step still needs to run based on the recorded outcome.
func (r *PGRepository) CreateEscalationEvent(ctx context.Context, params CreateEscalationEventParams) (EscalationEvent, bool, error) {
	const insertSQL = `
		INSERT INTO sla_escalation_events (tenant_id, lead_id, timer_id, escalation_step, escalation_config)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT ON CONSTRAINT sla_escalation_events_step DO NOTHING
		RETURNING id, tenant_id, lead_id, timer_id, escalation_step, executed_at, outcome, error_message, escalation_config, created_at
	`

	cfg := params.EscalationConfig
	if cfg == nil {
		cfg = json.RawMessage(`{}`)
	}

	row := r.pool.QueryRow(ctx, insertSQL,
		params.TenantID, params.LeadID, params.TimerID, params.EscalationStep, cfg)
	ev, err := scanEscalationEvent(row)
	if err == nil {
		return ev, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return EscalationEvent{}, false, fmt.Errorf("timer: insert escalation event: %w", err)
	}

	const selectSQL = `
		SELECT id, tenant_id, lead_id, timer_id, escalation_step, executed_at, outcome, error_message, escalation_config, created_at
		FROM sla_escalation_events
		WHERE timer_id = $1 AND escalation_step = $2
	`
	ev, err = scanEscalationEvent(r.pool.QueryRow(ctx, selectSQL, params.TimerID, params.EscalationStep))
	if err != nil {
		return EscalationEvent{}, false, fmt.Errorf("timer: resolve existing escalation event: %w", err)
	}
	return ev, false, nil
}

func (r *PGRepository) MarkEscalationSucceeded(ctx context.Context, eventID string) error {
	return r.setEscalationOutcome(ctx, eventID, OutcomeSuccess, nil)
}

func (r *PGRepository) MarkEscalationFailed(ctx context.Context, eventID string, errMsg string) error {
	return r.setEscalationOutcome(ctx, eventID, OutcomeFailed, &errMsg)
}

func (r *PGRepository) MarkEscalationSkipped(ctx context.Context, eventID string, reason string) error {
	return r.setEscalationOutcome(ctx, eventID, OutcomeSkipped, &reason)
}

func (r *PGRepository) setEscalationOutcome(ctx context.Context, eventID string, outcome Outcome, errMsg *string) error {
	const query = `
		UPDATE sla_escalation_events
		SET outcome = $2, error_message = $3, executed_at = now()
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query, eventID, outcome, errMsg)
	if err != nil {
		return fmt.Errorf("timer: mark escalation %s: %w", outcome, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTimer(row pgx.Row) (Timer, error) {
	var t Timer
	return t, row.Scan(
		&t.ID,
		&t.TenantID,
		&t.LeadID,
		&t.SLAContractID,
		&t.StartedAt,
		&t.DueAt,
		&t.SLAWindowMinutes,
		&t.EscalationSteps,
		&t.Status,
		&t.ProcessingStatus,
		&t.Attempts,
		&t.NextAttemptAt,
		&t.LastError,
		&t.CorrelationID,
		&t.IdempotencyKey,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
}

func scanEscalationEvent(row pgx.Row) (EscalationEvent, error) {
	var ev EscalationEvent
	return ev, row.Scan(
		&ev.ID,
		&ev.TenantID,
		&ev.LeadID,
		&ev.TimerID,
		&ev.EscalationStep,
		&ev.ExecutedAt,
		&ev.Outcome,
		&ev.ErrorMessage,
		&ev.EscalationConfig,
		&ev.CreatedAt,
	)
}
