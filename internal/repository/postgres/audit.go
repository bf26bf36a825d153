package postgres

import (
	"context"

	"mlmengine/internal/domain"
	"mlmengine/pkg/errors"

	"github.com/jmoiron/sqlx"
)

// AuditRepository implements audit log persistence.
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Record inserts a new audit log entry.
func (r *AuditRepository) Record(ctx context.Context, entry *domain.AuditEntry) error {
	query := `
		INSERT INTO compensation.audit_logs (
			id, subject, action, status_code, request_id,
			ip_address, user_agent, duration_ms, created_at
		) VALUES (
			:id, :subject, :action, :status_code, :request_id,
			:ip_address, :user_agent, :duration_ms, :created_at
		)
	`

	_, err := r.db.NamedExecContext(ctx, query, entry)
	if err != nil {
		return errors.Wrap(err, "failed to create audit log")
	}

	return nil
}

// FindAll returns audit logs, newest first.
func (r *AuditRepository) FindAll(ctx context.Context, limit, offset int) ([]*domain.AuditEntry, error) {
	var logs []*domain.AuditEntry
	query := `
		SELECT
			id, subject, action, status_code, request_id,
			ip_address, user_agent, duration_ms, created_at
		FROM compensation.audit_logs
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`
	err := r.db.SelectContext(ctx, &logs, query, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list audit logs")
	}
	return logs, nil
}

// CountAll returns the total number of audit logs.
func (r *AuditRepository) CountAll(ctx context.Context) (int, error) {
	var total int
	query := `SELECT COUNT(*) FROM compensation.audit_logs`
	err := r.db.GetContext(ctx, &total, query)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count audit logs")
	}
	return total, nil
}
