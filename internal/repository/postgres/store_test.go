package postgres

import (
	"context"
	"testing"
	"time"

	"mlmengine/internal/domain"
	"mlmengine/internal/network"
	"mlmengine/pkg/errors"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(sqlx.NewDb(db, "sqlmock")), mock
}

func testMember(sponsor *uuid.UUID) *domain.Member {
	return &domain.Member{
		ID:             uuid.New(),
		SponsorID:      sponsor,
		Name:           "member",
		PersonalVolume: decimal.NewFromInt(100),
		GroupVolume:    decimal.NewFromInt(100),
		Status:         domain.MemberStatusActive,
		JoinDate:       time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
}

func testEntry(recipient, source uuid.UUID) *domain.CommissionEntry {
	return &domain.CommissionEntry{
		ID:                uuid.New(),
		RecipientID:       recipient,
		Type:              domain.CommissionTypeDirect,
		Amount:            decimal.NewFromInt(10),
		Status:            domain.CommissionStatusPending,
		SourceMemberID:    source,
		SourceVolume:      decimal.NewFromInt(100),
		AppliedPercentage: decimal.NewFromInt(10),
		PeriodKey:         "2026-W07#order-1",
		CreatedAt:         time.Now().UTC(),
	}
}

func TestStore_CommitWritesChangeInOneTransaction(t *testing.T) {
	store, mock := newMockStore(t)

	root := testMember(nil)
	child := testMember(&root.ID)
	entry := testEntry(root.ID, child.ID)

	change := &network.Change{
		Members: []*domain.Member{root, child},
		Entries: []*domain.CommissionEntry{entry},
		Event: &domain.VolumeEvent{
			Reference: "order-1",
			MemberID:  child.ID,
			Volume:    decimal.NewFromInt(100),
			PeriodKey: "2026-W07",
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO compensation.volume_events").
		WithArgs("order-1", child.ID, sqlmock.AnyArg(), "2026-W07", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO compensation.members").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO compensation.members").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO compensation.commission_entries").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Commit(context.Background(), change))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CommitRecordsCycleAndClosedPeriod(t *testing.T) {
	store, mock := newMockStore(t)

	change := &network.Change{
		Cycle:        &domain.CycleSummary{PeriodKey: "2026-W06", EntriesAdded: 3, CompletedAt: time.Now().UTC()},
		ClosedPeriod: "2026-W06",
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO compensation.payout_periods").
		WithArgs("2026-W06", 3, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO compensation.payout_periods").
		WithArgs("2026-W06").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Commit(context.Background(), change))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CommitRollsBack(t *testing.T) {
	t.Run("duplicate commission", func(t *testing.T) {
		store, mock := newMockStore(t)
		entry := testEntry(uuid.New(), uuid.New())

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO compensation.commission_entries").
			WillReturnError(&pq.Error{Code: uniqueViolation})
		mock.ExpectRollback()

		err := store.Commit(context.Background(), &network.Change{Entries: []*domain.CommissionEntry{entry}})
		assert.True(t, errors.Is(err, errors.ErrDuplicateCommission))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate event", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO compensation.volume_events").
			WillReturnError(&pq.Error{Code: uniqueViolation})
		mock.ExpectRollback()

		err := store.Commit(context.Background(), &network.Change{
			Event: &domain.VolumeEvent{Reference: "order-9", MemberID: uuid.New(), PeriodKey: "2026-W07"},
		})
		assert.True(t, errors.Is(err, errors.ErrDuplicateEvent))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("period already closed", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO compensation.payout_periods").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := store.Commit(context.Background(), &network.Change{ClosedPeriod: "2026-W05"})
		assert.True(t, errors.Is(err, errors.ErrPeriodClosed))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("member write fails", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO compensation.members").WillReturnError(assert.AnError)
		mock.ExpectRollback()

		err := store.Commit(context.Background(), &network.Change{Members: []*domain.Member{testMember(nil)}})
		assert.ErrorIs(t, err, assert.AnError)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_Load(t *testing.T) {
	store, mock := newMockStore(t)

	rootID := uuid.New()
	now := time.Now().UTC()

	memberRows := sqlmock.NewRows([]string{
		"id", "sponsor_id", "parent_id", "left_child_id", "right_child_id", "name", "email",
		"personal_volume", "group_volume", "rank", "status", "depth", "direct_referral_count",
		"maintenance_streak", "rank_review_flag", "last_maintained_period", "join_date", "updated_at",
	}).AddRow(
		rootID.String(), nil, nil, nil, nil, "root", "root@example.com",
		"100", "100", 1, "active", 0, 0,
		2, false, "2026-W06", now, now,
	)
	mock.ExpectQuery("SELECT (.+) FROM compensation.members").WillReturnRows(memberRows)

	entryRows := sqlmock.NewRows([]string{
		"id", "recipient_id", "type", "amount", "status", "source_member_id", "source_volume",
		"applied_percentage", "matching_level", "period_key", "metadata", "created_at",
	}).AddRow(
		uuid.New().String(), rootID.String(), "binary", "10.00", "pending", rootID.String(), "100",
		"10", nil, "2026-W06", []byte(`{"left":"100","right":"300"}`), now,
	)
	mock.ExpectQuery("SELECT (.+) FROM compensation.commission_entries").WillReturnRows(entryRows)

	mock.ExpectQuery("SELECT reference FROM compensation.volume_events").
		WillReturnRows(sqlmock.NewRows([]string{"reference"}).AddRow("order-1").AddRow("order-2"))
	mock.ExpectQuery("SELECT period_key FROM compensation.payout_periods").
		WillReturnRows(sqlmock.NewRows([]string{"period_key"}).AddRow("2026-W05"))
	mock.ExpectQuery("SELECT (.+) FROM compensation.volume_events e").
		WillReturnRows(sqlmock.NewRows([]string{"reference", "member_id", "volume", "period_key", "occurred_at"}).
			AddRow("order-2", rootID.String(), "40.00", "2026-W07", now))

	snap, err := store.Load(context.Background())
	require.NoError(t, err)

	require.Len(t, snap.Members, 1)
	assert.Equal(t, rootID, snap.Members[0].ID)
	assert.Nil(t, snap.Members[0].SponsorID)
	assert.True(t, decimal.NewFromInt(100).Equal(snap.Members[0].GroupVolume))
	assert.Equal(t, "2026-W06", snap.Members[0].LastMaintainedPeriod)

	require.Len(t, snap.Entries, 1)
	assert.Equal(t, domain.CommissionTypeBinary, snap.Entries[0].Type)
	assert.Nil(t, snap.Entries[0].MatchingLevel)
	assert.Equal(t, "300", snap.Entries[0].Metadata["right"])

	assert.Equal(t, []string{"order-1", "order-2"}, snap.EventRefs)
	assert.Equal(t, []string{"2026-W05"}, snap.ClosedPeriods)
	require.Len(t, snap.OpenEvents, 1)
	assert.Equal(t, rootID, snap.OpenEvents[0].MemberID)
	assert.Equal(t, "2026-W07", snap.OpenEvents[0].PeriodKey)
	assert.True(t, decimal.RequireFromString("40").Equal(snap.OpenEvents[0].Volume))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommissionRepository_UpdateStatus(t *testing.T) {
	id := uuid.New()

	t.Run("allowed transition", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec("UPDATE compensation.commission_entries SET status").
			WithArgs("approved", id, "pending").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := store.Commissions().UpdateStatus(context.Background(), id, domain.CommissionStatusPending, domain.CommissionStatusApproved)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("status moved on", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec("UPDATE compensation.commission_entries SET status").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT status FROM compensation.commission_entries").
			WithArgs(id).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("paid"))

		err := store.Commissions().UpdateStatus(context.Background(), id, domain.CommissionStatusPending, domain.CommissionStatusApproved)
		assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown entry", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec("UPDATE compensation.commission_entries SET status").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT status FROM compensation.commission_entries").
			WillReturnRows(sqlmock.NewRows([]string{"status"}))

		err := store.Commissions().UpdateStatus(context.Background(), id, domain.CommissionStatusPending, domain.CommissionStatusApproved)
		assert.True(t, errors.Is(err, errors.ErrCommissionNotFound))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
