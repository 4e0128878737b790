// Package scheduler drives due SLA timers through their escalation steps.
// Each process runs one periodic loop; horizontal scale-out is safe because
// claims are arbitrated entirely by the storage layer, never in memory.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"salesflow/escalation"
	"salesflow/publish"
	"salesflow/timer"
)

const (
	DefaultInterval  = time.Minute
	DefaultBatchSize = 50

	sourceService = "sla-timer-engine"
)

// Store is the slice of the timer repository the scheduler drives.
// *timer.PGRepository satisfies it.
type Store interface {
	ClaimDue(ctx context.Context, limit int) ([]timer.Timer, error)
	GetStatus(ctx context.Context, id string) (timer.Status, error)
	MarkDue(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string) error
	MarkEscalated(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, errMsg string, permanent bool) error
	CreateEscalationEvent(ctx context.Context, params timer.CreateEscalationEventParams) (timer.EscalationEvent, bool, error)
	MarkEscalationSucceeded(ctx context.Context, eventID string) error
	MarkEscalationFailed(ctx context.Context, eventID string, errMsg string) error
	MarkEscalationSkipped(ctx context.Context, eventID string, reason string) error
}

// Dispatcher resolves and executes one escalation action.
type Dispatcher interface {
	Dispatch(ctx context.Context, req escalation.Request) error
}

type Scheduler struct {
	store      Store
	dispatcher Dispatcher
	publisher  publish.Publisher
	logger     *zap.Logger

	interval  time.Duration
	batchSize int

	// busy prevents overlapping ticks within this process. Cross-process
	// exclusion comes from Store.ClaimDue.
	busy atomic.Bool
}

func New(store Store, dispatcher Dispatcher, publisher publish.Publisher, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		publisher:  publisher,
		logger:     logger,
		interval:   DefaultInterval,
		batchSize:  DefaultBatchSize,
	}
}

func (s *Scheduler) WithInterval(d time.Duration) *Scheduler {
	if d > 0 {
		s.interval = d
	}
	return s
}

func (s *Scheduler) WithBatchSize(n int) *Scheduler {
	if n > 0 {
		s.batchSize = n
	}
	return s
}

// Run ticks immediately and then on every interval until the context is
// cancelled. Tick errors are logged and never stop the loop.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started",
		zap.Duration("interval", s.interval),
		zap.Int("batch_size", s.batchSize),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick claims one batch of due timers and processes them sequentially in
// ascending due order. A timer that is already mid-tick (overlapping timer
// firings) is skipped. One timer's failure never aborts the rest of the
// batch.
func (s *Scheduler) Tick(ctx context.Context) error {
	if !s.busy.CompareAndSwap(false, true) {
		s.logger.Debug("tick skipped, previous tick still running")
		return nil
	}
	defer s.busy.Store(false)

	metricTicks.Inc()
	started := time.Now()
	defer func() { metricTickDuration.Observe(time.Since(started).Seconds()) }()

	claimed, err := s.store.ClaimDue(ctx, s.batchSize)
	if err != nil {
		return fmt.Errorf("scheduler: claim due timers: %w", err)
	}
	if len(claimed) == 0 {
		return nil
	}
	metricClaimed.Add(float64(len(claimed)))

	// UPDATE ... RETURNING does not preserve the claim subquery's order.
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].DueAt.Before(claimed[j].DueAt) })

	s.logger.Info("claimed due timers", zap.Int("count", len(claimed)))

	for _, t := range claimed {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.process(ctx, t); err != nil {
			s.handleFailure(ctx, t, err)
			continue
		}
		metricProcessed.WithLabelValues("ok").Inc()
	}
	return nil
}

func (s *Scheduler) process(ctx context.Context, t timer.Timer) error {
	// A cancel that landed between claim selection and now must not cause
	// side effects.
	status, err := s.store.GetStatus(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("scheduler: re-check status: %w", err)
	}
	if status == timer.StatusCancelled {
		s.logger.Info("timer cancelled after claim, skipping",
			zap.String("timer_id", t.ID), zap.String("lead_id", t.LeadID))
		return nil
	}

	if err := s.store.MarkDue(ctx, t.ID); err != nil {
		return fmt.Errorf("scheduler: mark due: %w", err)
	}

	if err := s.publishTimerDue(ctx, t); err != nil {
		return fmt.Errorf("scheduler: publish timer due: %w", err)
	}

	if len(t.EscalationSteps) == 0 {
		if err := s.store.MarkCompleted(ctx, t.ID); err != nil {
			return fmt.Errorf("scheduler: mark completed: %w", err)
		}
		return nil
	}

	reason := fmt.Sprintf("SLA window of %d minutes breached for lead %s", t.SLAWindowMinutes, t.LeadID)
	for i, raw := range t.EscalationSteps {
		if err := s.runStep(ctx, t, i+1, raw, reason); err != nil {
			return err
		}
	}

	if err := s.store.MarkEscalated(ctx, t.ID); err != nil {
		return fmt.Errorf("scheduler: mark escalated: %w", err)
	}
	return nil
}

// runStep executes one escalation step. A dispatch failure is recorded on
// the step's event and is not an error here: escalation is best-effort per
// step and must not abort the siblings. Only storage and publish faults
// propagate, failing the whole timer for retry.
func (s *Scheduler) runStep(ctx context.Context, t timer.Timer, step int, rawConfig []byte, reason string) error {
	ev, created, err := s.store.CreateEscalationEvent(ctx, timer.CreateEscalationEventParams{
		TenantID:         t.TenantID,
		LeadID:           t.LeadID,
		TimerID:          t.ID,
		EscalationStep:   step,
		EscalationConfig: rawConfig,
	})
	if err != nil {
		return fmt.Errorf("scheduler: create escalation event step %d: %w", step, err)
	}

	switch {
	case !created && ev.Outcome == timer.OutcomeSuccess:
		// Executed on an earlier attempt of this timer; publishing again is
		// safe but re-running the adapter is not.
		metricSteps.WithLabelValues("already_executed").Inc()
	case !created && ev.Outcome == timer.OutcomeSkipped:
		return nil
	default:
		// A pre-existing row in PENDING or FAILED means the step never ran
		// to a recorded success, so it runs (again) here.
		outcome, err := s.executeStep(ctx, t, step, rawConfig, reason, ev.ID)
		if err != nil {
			return err
		}
		if outcome == timer.OutcomeSkipped {
			return nil
		}
	}

	if err := s.publishEscalationTriggered(ctx, t, step); err != nil {
		return fmt.Errorf("scheduler: publish escalation triggered step %d: %w", step, err)
	}
	return nil
}

// executeStep runs the step and records its outcome. A failed outcome write
// is a storage fault and propagates: the step's row would otherwise stay
// PENDING with the work invisibly done or lost, so the timer must retry and
// re-run the step rather than trust the insert-time default.
func (s *Scheduler) executeStep(ctx context.Context, t timer.Timer, step int, rawConfig []byte, reason, eventID string) (timer.Outcome, error) {
	cfg, err := escalation.ParseConfig(rawConfig)
	if err == nil && len(cfg.Levels) == 0 {
		err = escalation.ErrNoLevels
	}
	if err == nil {
		err = s.dispatcher.Dispatch(ctx, escalation.Request{
			TenantID:      t.TenantID,
			LeadID:        t.LeadID,
			Reason:        reason,
			CorrelationID: t.CorrelationID,
			Config:        cfg,
		})
	}

	switch {
	case err == nil:
		if markErr := s.store.MarkEscalationSucceeded(ctx, eventID); markErr != nil {
			return "", fmt.Errorf("scheduler: mark escalation succeeded: %w", markErr)
		}
		metricSteps.WithLabelValues("success").Inc()
		return timer.OutcomeSuccess, nil

	case errors.Is(err, escalation.ErrNoLevels):
		if markErr := s.store.MarkEscalationSkipped(ctx, eventID, err.Error()); markErr != nil {
			return "", fmt.Errorf("scheduler: mark escalation skipped: %w", markErr)
		}
		metricSteps.WithLabelValues("skipped").Inc()
		return timer.OutcomeSkipped, nil

	default:
		s.logger.Warn("escalation step failed",
			zap.String("timer_id", t.ID), zap.Int("step", step), zap.Error(err))
		if markErr := s.store.MarkEscalationFailed(ctx, eventID, err.Error()); markErr != nil {
			return "", fmt.Errorf("scheduler: mark escalation failed: %w", markErr)
		}
		metricSteps.WithLabelValues("failed").Inc()
		return timer.OutcomeFailed, nil
	}
}

// handleFailure routes a processing-level fault to the retry policy: park
// the timer permanently once the attempt cap is reached, otherwise leave it
// claimable again after the backoff.
func (s *Scheduler) handleFailure(ctx context.Context, t timer.Timer, cause error) {
	permanent := t.Attempts >= timer.MaxAttempts

	if permanent {
		s.logger.Error("timer permanently failed, manual remediation required",
			zap.String("timer_id", t.ID),
			zap.String("tenant_id", t.TenantID),
			zap.Int("attempts", t.Attempts),
			zap.Error(cause))
		metricProcessed.WithLabelValues("failed_permanent").Inc()
	} else {
		s.logger.Warn("timer processing failed, will retry",
			zap.String("timer_id", t.ID),
			zap.Int("attempts", t.Attempts),
			zap.Error(cause))
		metricProcessed.WithLabelValues("failed_retryable").Inc()
	}

	if err := s.store.MarkFailed(ctx, t.ID, cause.Error(), permanent); err != nil {
		s.logger.Error("mark timer failed", zap.String("timer_id", t.ID), zap.Error(err))
	}
}

func (s *Scheduler) publishTimerDue(ctx context.Context, t timer.Timer) error {
	return s.publisher.Publish(ctx, publish.Event{
		TenantID:  t.TenantID,
		EventID:   uuid.NewString(),
		EventType: publish.EventTypeTimerDue,
		Payload: map[string]any{
			"timer_id":           t.ID,
			"lead_id":            t.LeadID,
			"sla_contract_id":    t.SLAContractID,
			"due_at":             t.DueAt.UTC(),
			"sla_window_minutes": t.SLAWindowMinutes,
		},
		CorrelationID:  t.CorrelationID,
		IdempotencyKey: TimerDueKey(t.ID),
		SourceService:  sourceService,
	})
}

func (s *Scheduler) publishEscalationTriggered(ctx context.Context, t timer.Timer, step int) error {
	return s.publisher.Publish(ctx, publish.Event{
		TenantID:  t.TenantID,
		EventID:   uuid.NewString(),
		EventType: publish.EventTypeEscalationTriggered,
		Payload: map[string]any{
			"timer_id":        t.ID,
			"lead_id":         t.LeadID,
			"sla_contract_id": t.SLAContractID,
			"escalation_step": step,
		},
		CorrelationID:  t.CorrelationID,
		IdempotencyKey: EscalationTriggeredKey(t.ID, step),
		SourceService:  sourceService,
	})
}

// TimerDueKey derives the idempotency key for a timer's due event; stable
// across retries so the at-least-once sink suppresses duplicates.
func TimerDueKey(timerID string) string {
	return fmt.Sprintf("%s:%s", publish.EventTypeTimerDue, timerID)
}

// EscalationTriggeredKey derives the idempotency key for one step's
// triggered event.
func EscalationTriggeredKey(timerID string, step int) string {
	return fmt.Sprintf("%s:%s:%d", publish.EventTypeEscalationTriggered, timerID, step)
}
