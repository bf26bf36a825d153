package postgres

import (
	"context"
	"database/sql"

	"mlmengine/internal/network"
	"mlmengine/pkg/errors"

	"github.com/jmoiron/sqlx"
)

// Store persists engine state in Postgres. Each Commit is one serializable
// transaction.
type Store struct {
	db          *sqlx.DB
	members     *MemberRepository
	commissions *CommissionRepository
	periods     *PeriodRepository
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{
		db:          db,
		members:     NewMemberRepository(db),
		commissions: NewCommissionRepository(db),
		periods:     NewPeriodRepository(db),
	}
}

func (s *Store) Commissions() *CommissionRepository { return s.commissions }

func (s *Store) Load(ctx context.Context) (*network.Snapshot, error) {
	members, err := s.members.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := s.commissions.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	refs, err := s.periods.EventReferences(ctx)
	if err != nil {
		return nil, err
	}
	closed, err := s.periods.ClosedPeriods(ctx)
	if err != nil {
		return nil, err
	}
	open, err := s.periods.OpenEvents(ctx)
	if err != nil {
		return nil, err
	}
	return &network.Snapshot{
		Members:       members,
		Entries:       entries,
		EventRefs:     refs,
		ClosedPeriods: closed,
		OpenEvents:    open,
	}, nil
}

func (s *Store) Commit(ctx context.Context, change *network.Change) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if change.Event != nil {
		if err := s.periods.InsertEvent(ctx, tx, change.Event); err != nil {
			return err
		}
	}
	if len(change.Members) > 0 {
		if err := s.members.Upsert(ctx, tx, change.Members); err != nil {
			return err
		}
	}
	if len(change.Entries) > 0 {
		if err := s.commissions.Insert(ctx, tx, change.Entries); err != nil {
			return err
		}
	}
	if change.Cycle != nil {
		if err := s.periods.RecordCycle(ctx, tx, change.Cycle); err != nil {
			return err
		}
	}
	if change.ClosedPeriod != "" {
		if err := s.periods.Close(ctx, tx, change.ClosedPeriod); err != nil {
			return err
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}
