package timer

import (
	"context"
	"fmt"
	"time"
)

// ListActive returns the tenant's not-yet-terminal timers ordered by due
// time, soonest first.
func (r *PGRepository) ListActive(ctx context.Context, tenantID string) ([]Timer, error) {
	const query = `
		SELECT ` + timerColumns + `
		FROM sla_timers
		WHERE tenant_id = $1 AND status IN ('pending', 'active', 'due')
		ORDER BY due_at ASC
	`

	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("timer: list active: %w", err)
	}
	defer rows.Close()

	timers := make([]Timer, 0, 16)
	for rows.Next() {
		t, err := scanTimer(rows)
		if err != nil {
			return nil, fmt.Errorf("timer: scan active: %w", err)
		}
		timers = append(timers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("timer: iterate active: %w", err)
	}
	return timers, nil
}

// Stats aggregates timer status and escalation outcome counts for one
// tenant. Permanently failed timers surface here for manual remediation.
func (r *PGRepository) Stats(ctx context.Context, tenantID string) (Stats, error) {
	stats := Stats{
		TimersByStatus:  make(map[Status]int),
		EventsByOutcome: make(map[Outcome]int),
	}

	rows, err := r.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM sla_timers WHERE tenant_id = $1 GROUP BY status`, tenantID)
	if err != nil {
		return Stats{}, fmt.Errorf("timer: count statuses: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s Status
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return Stats{}, fmt.Errorf("timer: scan status count: %w", err)
		}
		stats.TimersByStatus[s] = n
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("timer: iterate status counts: %w", err)
	}

	rows, err = r.pool.Query(ctx,
		`SELECT outcome, COUNT(*) FROM sla_escalation_events WHERE tenant_id = $1 GROUP BY outcome`, tenantID)
	if err != nil {
		return Stats{}, fmt.Errorf("timer: count outcomes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var o Outcome
		var n int
		if err := rows.Scan(&o, &n); err != nil {
			return Stats{}, fmt.Errorf("timer: scan outcome count: %w", err)
		}
		stats.EventsByOutcome[o] = n
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("timer: iterate outcome counts: %w", err)
	}

	return stats, nil
}

// PurgeTerminal deletes timers that reached a terminal state before the
// retention horizon. Escalation events follow via ON DELETE CASCADE. Live
// rows are never touched regardless of age.
func (r *PGRepository) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("timer: retention horizon must be positive")
	}

	const query = `
		DELETE FROM sla_timers
		WHERE status IN ('escalated', 'completed', 'cancelled', 'failed')
		  AND updated_at < now() - make_interval(secs => $1)
	`

	tag, err := r.pool.Exec(ctx, query, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("timer: purge terminal: %w", err)
	}
	return tag.RowsAffected(), nil
}
