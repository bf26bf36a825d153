package postgres

import (
	"context"
	"fmt"

	"mlmengine/internal/domain"
	"mlmengine/pkg/errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// PeriodRepository records processed volume events and payout period state.
type PeriodRepository struct {
	db *sqlx.DB
}

func NewPeriodRepository(db *sqlx.DB) *PeriodRepository {
	return &PeriodRepository{db: db}
}

func (r *PeriodRepository) EventReferences(ctx context.Context) ([]string, error) {
	var refs []string
	if err := r.db.SelectContext(ctx, &refs, `SELECT reference FROM compensation.volume_events`); err != nil {
		return nil, errors.Wrap(err, "failed to list volume events")
	}
	return refs, nil
}

func (r *PeriodRepository) ClosedPeriods(ctx context.Context) ([]string, error) {
	var keys []string
	query := `SELECT period_key FROM compensation.payout_periods WHERE closed_at IS NOT NULL ORDER BY closed_at`
	if err := r.db.SelectContext(ctx, &keys, query); err != nil {
		return nil, errors.Wrap(err, "failed to list closed periods")
	}
	return keys, nil
}

// OpenEvents lists processed events whose period has not been closed.
func (r *PeriodRepository) OpenEvents(ctx context.Context) ([]*domain.VolumeEvent, error) {
	var events []*domain.VolumeEvent
	query := `
		SELECT e.reference, e.member_id, e.volume, e.period_key, e.occurred_at
		FROM compensation.volume_events e
		LEFT JOIN compensation.payout_periods p ON p.period_key = e.period_key
		WHERE p.closed_at IS NULL
		ORDER BY e.processed_at
	`
	if err := r.db.SelectContext(ctx, &events, query); err != nil {
		return nil, errors.Wrap(err, "failed to list open period events")
	}
	return events, nil
}

func (r *PeriodRepository) InsertEvent(ctx context.Context, tx sqlx.ExecerContext, ev *domain.VolumeEvent) error {
	query := `
		INSERT INTO compensation.volume_events (reference, member_id, volume, period_key, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := tx.ExecContext(ctx, query, ev.Reference, ev.MemberID, ev.Volume, ev.PeriodKey, ev.OccurredAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", errors.ErrDuplicateEvent, ev.Reference)
		}
		return errors.Wrap(err, "failed to record volume event")
	}
	return nil
}

// RecordCycle stores the latest summary of a period's payout cycle.
func (r *PeriodRepository) RecordCycle(ctx context.Context, tx sqlx.ExecerContext, s *domain.CycleSummary) error {
	query := `
		INSERT INTO compensation.payout_periods (period_key, cycle_runs, last_entries_added, last_cycle_at)
		VALUES ($1, 1, $2, $3)
		ON CONFLICT (period_key) DO UPDATE SET
			cycle_runs = compensation.payout_periods.cycle_runs + 1,
			last_entries_added = EXCLUDED.last_entries_added,
			last_cycle_at = EXCLUDED.last_cycle_at
	`
	_, err := tx.ExecContext(ctx, query, s.PeriodKey, s.EntriesAdded, s.CompletedAt)
	return errors.Wrap(err, "failed to record payout cycle")
}

func (r *PeriodRepository) Close(ctx context.Context, tx sqlx.ExecerContext, periodKey string) error {
	query := `
		INSERT INTO compensation.payout_periods (period_key, closed_at)
		VALUES ($1, NOW())
		ON CONFLICT (period_key) DO UPDATE SET closed_at = NOW()
		WHERE compensation.payout_periods.closed_at IS NULL
	`
	result, err := tx.ExecContext(ctx, query, periodKey)
	if err != nil {
		return errors.Wrap(err, "failed to close period")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", errors.ErrPeriodClosed, periodKey)
	}
	return nil
}
