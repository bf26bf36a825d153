package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"mlmengine/internal/domain"
	"mlmengine/pkg/errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

const commissionColumns = `id, recipient_id, type, amount, status, source_member_id, source_volume,
	applied_percentage, matching_level, period_key, metadata, created_at`

type CommissionRepository struct {
	db *sqlx.DB
}

func NewCommissionRepository(db *sqlx.DB) *CommissionRepository {
	return &CommissionRepository{db: db}
}

func (r *CommissionRepository) FindAll(ctx context.Context) ([]*domain.CommissionEntry, error) {
	var entries []*domain.CommissionEntry
	query := `SELECT ` + commissionColumns + ` FROM compensation.commission_entries ORDER BY created_at, id`

	if err := r.db.SelectContext(ctx, &entries, query); err != nil {
		return nil, errors.Wrap(err, "failed to list commission entries")
	}
	return entries, nil
}

func (r *CommissionRepository) FindByRecipient(ctx context.Context, recipientID uuid.UUID, limit, offset int) ([]*domain.CommissionEntry, error) {
	var entries []*domain.CommissionEntry
	query := `
		SELECT ` + commissionColumns + ` FROM compensation.commission_entries
		WHERE recipient_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	if err := r.db.SelectContext(ctx, &entries, query, recipientID, limit, offset); err != nil {
		return nil, errors.Wrap(err, "failed to find commissions by recipient")
	}
	return entries, nil
}

// Insert writes entries inside tx. A unique violation on the idempotence key
// means the same commission was computed twice.
func (r *CommissionRepository) Insert(ctx context.Context, tx sqlx.ExecerContext, entries []*domain.CommissionEntry) error {
	query := `
		INSERT INTO compensation.commission_entries (` + commissionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	for _, e := range entries {
		_, err := tx.ExecContext(ctx, query,
			e.ID, e.RecipientID, e.Type, e.Amount, e.Status, e.SourceMemberID, e.SourceVolume,
			e.AppliedPercentage, e.MatchingLevel, e.PeriodKey, e.Metadata, e.CreatedAt,
		)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
				return fmt.Errorf("%w: %s for %s in %s", errors.ErrDuplicateCommission, e.Type, e.RecipientID, e.PeriodKey)
			}
			return errors.Wrap(err, "failed to insert commission entry")
		}
	}
	return nil
}

// UpdateStatus is used by the settlement side only. The engine never changes
// an entry after inserting it.
func (r *CommissionRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.CommissionStatus) error {
	query := `UPDATE compensation.commission_entries SET status = $1 WHERE id = $2 AND status = $3`

	result, err := r.db.ExecContext(ctx, query, to, id, from)
	if err != nil {
		return errors.Wrap(err, "failed to update commission status")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}

	var current domain.CommissionStatus
	err = r.db.GetContext(ctx, &current, `SELECT status FROM compensation.commission_entries WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return errors.ErrCommissionNotFound
	}
	if err != nil {
		return errors.Wrap(err, "failed to read commission status")
	}
	return fmt.Errorf("%w: entry is %s", errors.ErrInvalidTransition, current)
}
