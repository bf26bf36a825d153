package registry

import (
	"fmt"
	"testing"

	"mlmengine/internal/domain"
	"mlmengine/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func attrs(name string, pv int64) domain.MemberAttributes {
	return domain.MemberAttributes{Name: name, PersonalVolume: decimal.NewFromInt(pv)}
}

func TestCreateRootOnlyOnce(t *testing.T) {
	reg := New(WithBaseRank(1))

	root, err := reg.Create(nil, attrs("root", 0))
	require.NoError(t, err)
	assert.Equal(t, 1, root.Rank)
	assert.Equal(t, domain.MemberStatusActive, root.Status)

	id, ok := reg.Root()
	assert.True(t, ok)
	assert.Equal(t, root.ID, id)

	_, err = reg.Create(nil, attrs("second", 0))
	assert.ErrorIs(t, err, errors.ErrRootExists)
	assert.Equal(t, 1, reg.Len())
}

func TestCreateUnknownSponsor(t *testing.T) {
	reg := New()
	missing := uuid.New()
	_, err := reg.Create(&missing, attrs("a", 0))
	assert.ErrorIs(t, err, errors.ErrSponsorNotFound)
}

func TestCreateRejectsNegativeVolume(t *testing.T) {
	reg := New()
	_, err := reg.Create(nil, attrs("root", -1))
	assert.ErrorIs(t, err, errors.ErrInvalidVolume)
	assert.Equal(t, 0, reg.Len())
}

func TestCreateIndexesReferrals(t *testing.T) {
	reg := New()
	root, err := reg.Create(nil, attrs("root", 0))
	require.NoError(t, err)

	a, err := reg.Create(&root.ID, attrs("a", 0))
	require.NoError(t, err)
	b, err := reg.Create(&root.ID, attrs("b", 0))
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{a.ID, b.ID}, reg.Referrals(root.ID))

	fresh, err := reg.Get(root.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.DirectReferralCount)
}

func TestSetChild(t *testing.T) {
	reg := New()
	root, _ := reg.Create(nil, attrs("root", 0))
	a, _ := reg.Create(&root.ID, attrs("a", 0))
	b, _ := reg.Create(&root.ID, attrs("b", 0))

	require.NoError(t, reg.SetChild(root.ID, domain.SideLeft, a.ID))

	t.Run("occupied slot", func(t *testing.T) {
		err := reg.SetChild(root.ID, domain.SideLeft, b.ID)
		assert.ErrorIs(t, err, errors.ErrSlotOccupied)
	})

	t.Run("already placed child", func(t *testing.T) {
		err := reg.SetChild(root.ID, domain.SideRight, a.ID)
		assert.ErrorIs(t, err, errors.ErrInvalidPlacement)
	})

	t.Run("self edge", func(t *testing.T) {
		err := reg.SetChild(b.ID, domain.SideLeft, b.ID)
		assert.ErrorIs(t, err, errors.ErrInvalidPlacement)
	})

	t.Run("root cannot be a child", func(t *testing.T) {
		err := reg.SetChild(b.ID, domain.SideLeft, root.ID)
		assert.ErrorIs(t, err, errors.ErrInvalidPlacement)
	})

	placed, err := reg.Get(a.ID)
	require.NoError(t, err)
	require.NotNil(t, placed.ParentID)
	assert.Equal(t, root.ID, *placed.ParentID)
	assert.Equal(t, 1, placed.Depth)

	parent, _ := reg.Get(root.ID)
	require.NotNil(t, parent.LeftChildID)
	assert.Equal(t, a.ID, *parent.LeftChildID)
	assert.Nil(t, parent.RightChildID)
}

func TestUpdatePersonalVolume(t *testing.T) {
	reg := New()
	root, _ := reg.Create(nil, attrs("root", 10))

	require.NoError(t, reg.UpdatePersonalVolume(root.ID, decimal.NewFromInt(5)))
	m, _ := reg.Get(root.ID)
	assert.True(t, m.PersonalVolume.Equal(decimal.NewFromInt(15)))

	err := reg.UpdatePersonalVolume(root.ID, decimal.NewFromInt(-1))
	assert.ErrorIs(t, err, errors.ErrInvalidVolume)

	err = reg.UpdatePersonalVolume(uuid.New(), decimal.NewFromInt(1))
	assert.ErrorIs(t, err, errors.ErrMemberNotFound)
}

func TestSetPersonalVolume(t *testing.T) {
	reg := New()
	root, _ := reg.Create(nil, attrs("root", 10))

	calls := 0
	reg.Subscribe(func(*Tx, TreeChanged) error {
		calls++
		return nil
	})

	require.NoError(t, reg.Update(func(tx *Tx) error {
		return tx.SetPersonalVolume(root.ID, decimal.NewFromInt(3))
	}))
	m, _ := reg.Get(root.ID)
	assert.True(t, m.PersonalVolume.Equal(decimal.NewFromInt(3)))
	assert.Zero(t, calls)

	err := reg.Update(func(tx *Tx) error {
		return tx.SetPersonalVolume(root.ID, decimal.NewFromInt(-1))
	})
	assert.ErrorIs(t, err, errors.ErrInvalidVolume)
}

func TestListenersSeeEventsInsideTransaction(t *testing.T) {
	reg := New()
	var seen []EventKind
	reg.Subscribe(func(tx *Tx, ev TreeChanged) error {
		seen = append(seen, ev.Kind)
		_, err := tx.Get(ev.MemberID)
		return err
	})

	root, _ := reg.Create(nil, attrs("root", 0))
	a, _ := reg.Create(&root.ID, attrs("a", 3))
	require.NoError(t, reg.SetChild(root.ID, domain.SideRight, a.ID))
	require.NoError(t, reg.UpdatePersonalVolume(a.ID, decimal.NewFromInt(2)))
	require.NoError(t, reg.Update(func(tx *Tx) error {
		return tx.SetStatus(a.ID, domain.MemberStatusInactive)
	}))

	assert.Equal(t, []EventKind{MemberCreated, MemberCreated, MemberAttached, VolumeChanged, StatusChanged}, seen)
}

func TestUpdateRollsBackOnError(t *testing.T) {
	reg := New()
	root, _ := reg.Create(nil, attrs("root", 0))

	boom := fmt.Errorf("boom")
	err := reg.Update(func(tx *Tx) error {
		child, err := tx.Create(&root.ID, attrs("child", 7))
		if err != nil {
			return err
		}
		if err := tx.SetChild(root.ID, domain.SideLeft, child.ID); err != nil {
			return err
		}
		if err := tx.UpdatePersonalVolume(root.ID, decimal.NewFromInt(4)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, 1, reg.Len())
	assert.Empty(t, reg.Referrals(root.ID))

	m, _ := reg.Get(root.ID)
	assert.Nil(t, m.LeftChildID)
	assert.Equal(t, 0, m.DirectReferralCount)
	assert.True(t, m.PersonalVolume.IsZero())
}

func TestListenerErrorRollsBack(t *testing.T) {
	reg := New()
	root, _ := reg.Create(nil, attrs("root", 1))

	reg.Subscribe(func(tx *Tx, ev TreeChanged) error {
		if ev.Kind == VolumeChanged {
			return fmt.Errorf("aggregation failed")
		}
		return nil
	})

	err := reg.UpdatePersonalVolume(root.ID, decimal.NewFromInt(9))
	assert.Error(t, err)

	m, _ := reg.Get(root.ID)
	assert.True(t, m.PersonalVolume.Equal(decimal.NewFromInt(1)))
}

func TestRollbackOfRootCreation(t *testing.T) {
	reg := New()
	err := reg.Update(func(tx *Tx) error {
		if _, err := tx.Create(nil, attrs("root", 0)); err != nil {
			return err
		}
		return fmt.Errorf("abort")
	})
	assert.Error(t, err)

	_, ok := reg.Root()
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Len())
}

func TestPath(t *testing.T) {
	reg := New()
	root, _ := reg.Create(nil, attrs("root", 0))
	a, _ := reg.Create(&root.ID, attrs("a", 0))
	b, _ := reg.Create(&root.ID, attrs("b", 0))
	require.NoError(t, reg.SetChild(root.ID, domain.SideLeft, a.ID))
	require.NoError(t, reg.SetChild(a.ID, domain.SideLeft, b.ID))

	require.NoError(t, reg.View(func(tx *Tx) error {
		path, err := tx.Path(b.ID)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{a.ID, root.ID}, path)

		path, err = tx.Path(root.ID)
		require.NoError(t, err)
		assert.Empty(t, path)
		return nil
	}))
}

func TestViewIsReadOnly(t *testing.T) {
	reg := New()
	root, _ := reg.Create(nil, attrs("root", 0))
	err := reg.View(func(tx *Tx) error {
		_, err := tx.Modify(root.ID)
		return err
	})
	assert.Error(t, err)
}

func TestCloneAndReplace(t *testing.T) {
	reg := New()
	root, _ := reg.Create(nil, attrs("root", 5))

	working := reg.Clone()
	require.NoError(t, working.UpdatePersonalVolume(root.ID, decimal.NewFromInt(10)))

	original, _ := reg.Get(root.ID)
	assert.True(t, original.PersonalVolume.Equal(decimal.NewFromInt(5)), "clone must not alias the source")

	reg.Replace(working)
	swapped, _ := reg.Get(root.ID)
	assert.True(t, swapped.PersonalVolume.Equal(decimal.NewFromInt(15)))
}

func TestLoad(t *testing.T) {
	rootID, leftID := uuid.New(), uuid.New()
	root := &domain.Member{ID: rootID, LeftChildID: &leftID, Status: domain.MemberStatusActive}
	left := &domain.Member{ID: leftID, SponsorID: &rootID, ParentID: &rootID, Depth: 1, Status: domain.MemberStatusActive}

	reg := New()
	require.NoError(t, reg.Load([]*domain.Member{root, left}))

	got, ok := reg.Root()
	assert.True(t, ok)
	assert.Equal(t, rootID, got)

	m, _ := reg.Get(rootID)
	assert.Equal(t, 1, m.DirectReferralCount)
	assert.Equal(t, []uuid.UUID{leftID}, reg.Referrals(rootID))
}

func TestLoadRejectsBrokenTrees(t *testing.T) {
	rootID, childID := uuid.New(), uuid.New()

	t.Run("dangling edge", func(t *testing.T) {
		root := &domain.Member{ID: rootID, LeftChildID: &childID}
		err := New().Load([]*domain.Member{root})
		assert.ErrorIs(t, err, errors.ErrInvalidPlacement)
	})

	t.Run("two roots", func(t *testing.T) {
		err := New().Load([]*domain.Member{{ID: rootID}, {ID: childID}})
		assert.ErrorIs(t, err, errors.ErrInvalidPlacement)
	})

	t.Run("unknown sponsor", func(t *testing.T) {
		ghost := uuid.New()
		err := New().Load([]*domain.Member{{ID: rootID, SponsorID: &ghost}})
		assert.ErrorIs(t, err, errors.ErrSponsorNotFound)
	})

	t.Run("orphan subtree", func(t *testing.T) {
		a, b := uuid.New(), uuid.New()
		orphanA := &domain.Member{ID: a, ParentID: &b, LeftChildID: &b}
		orphanB := &domain.Member{ID: b, ParentID: &a, LeftChildID: &a}
		err := New().Load([]*domain.Member{{ID: rootID}, orphanA, orphanB})
		assert.ErrorIs(t, err, errors.ErrInvalidPlacement)
	})
}
