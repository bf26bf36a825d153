package postgres

import (
	"context"
	"database/sql"

	"mlmengine/internal/domain"
	"mlmengine/pkg/errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const memberColumns = `id, sponsor_id, parent_id, left_child_id, right_child_id, name, email,
	personal_volume, group_volume, rank, status, depth, direct_referral_count,
	maintenance_streak, rank_review_flag, last_maintained_period, join_date, updated_at`

type MemberRepository struct {
	db *sqlx.DB
}

func NewMemberRepository(db *sqlx.DB) *MemberRepository {
	return &MemberRepository{db: db}
}

// FindAll returns every member ordered by depth so parents precede children.
func (r *MemberRepository) FindAll(ctx context.Context) ([]*domain.Member, error) {
	var members []*domain.Member
	query := `SELECT ` + memberColumns + ` FROM compensation.members ORDER BY depth, join_date`

	if err := r.db.SelectContext(ctx, &members, query); err != nil {
		return nil, errors.Wrap(err, "failed to list members")
	}
	return members, nil
}

func (r *MemberRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Member, error) {
	var member domain.Member
	query := `SELECT ` + memberColumns + ` FROM compensation.members WHERE id = $1`

	err := r.db.GetContext(ctx, &member, query, id)
	if err == sql.ErrNoRows {
		return nil, errors.ErrMemberNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find member")
	}
	return &member, nil
}

// Upsert writes members inside tx. Tree edge constraints are deferred to
// commit, so the order of rows does not matter.
func (r *MemberRepository) Upsert(ctx context.Context, tx sqlx.ExecerContext, members []*domain.Member) error {
	query := `
		INSERT INTO compensation.members (` + memberColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			parent_id = EXCLUDED.parent_id,
			left_child_id = EXCLUDED.left_child_id,
			right_child_id = EXCLUDED.right_child_id,
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			personal_volume = EXCLUDED.personal_volume,
			group_volume = EXCLUDED.group_volume,
			rank = EXCLUDED.rank,
			status = EXCLUDED.status,
			depth = EXCLUDED.depth,
			direct_referral_count = EXCLUDED.direct_referral_count,
			maintenance_streak = EXCLUDED.maintenance_streak,
			rank_review_flag = EXCLUDED.rank_review_flag,
			last_maintained_period = EXCLUDED.last_maintained_period,
			updated_at = EXCLUDED.updated_at
	`

	for _, m := range members {
		_, err := tx.ExecContext(ctx, query,
			m.ID, m.SponsorID, m.ParentID, m.LeftChildID, m.RightChildID, m.Name, m.Email,
			m.PersonalVolume, m.GroupVolume, m.Rank, m.Status, m.Depth, m.DirectReferralCount,
			m.MaintenanceStreak, m.RankReviewFlag, m.LastMaintainedPeriod, m.JoinDate, m.UpdatedAt,
		)
		if err != nil {
			return errors.Wrap(err, "failed to upsert member")
		}
	}
	return nil
}
