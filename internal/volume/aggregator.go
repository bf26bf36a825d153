// Package volume maintains the cached group volume of every member.
//
// Invalidation contract: a single personal-volume change or attachment
// updates the member and its placement ancestors only (path to root). A bulk
// import or period reset requires RecomputeAll.
package volume

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mlmengine/internal/domain"
	"mlmengine/internal/registry"
	"mlmengine/pkg/errors"
	"mlmengine/pkg/logger"
)

type Aggregator struct {
	reg    *registry.Registry
	logger logger.Logger
}

// NewAggregator creates an aggregator subscribed to reg's tree events.
func NewAggregator(reg *registry.Registry, log logger.Logger) *Aggregator {
	a := &Aggregator{reg: reg, logger: log}
	reg.Subscribe(a.OnTreeChanged)
	return a
}

// OnTreeChanged keeps group volumes current inside the writing transaction.
func (a *Aggregator) OnTreeChanged(tx *registry.Tx, ev registry.TreeChanged) error {
	switch ev.Kind {
	case registry.MemberCreated:
		m, err := tx.Modify(ev.MemberID)
		if err != nil {
			return err
		}
		m.GroupVolume = m.PersonalVolume
		return nil
	case registry.MemberAttached:
		m, err := tx.Get(ev.MemberID)
		if err != nil {
			return err
		}
		if m.ParentID == nil {
			return nil
		}
		return a.ApplyDelta(tx, *m.ParentID, ev.Delta)
	case registry.VolumeChanged:
		return a.ApplyDelta(tx, ev.MemberID, ev.Delta)
	default:
		return nil
	}
}

// ApplyDelta adds delta to the group volume of memberID and every placement
// ancestor. Negative deltas are rejected so group volume only grows between
// period resets.
func (a *Aggregator) ApplyDelta(tx *registry.Tx, memberID uuid.UUID, delta decimal.Decimal) error {
	if delta.IsNegative() {
		return fmt.Errorf("%w: group volume delta %s", errors.ErrInvalidVolume, delta.String())
	}
	if delta.IsZero() {
		return nil
	}
	id := memberID
	for {
		m, err := tx.Modify(id)
		if err != nil {
			return err
		}
		m.GroupVolume = m.GroupVolume.Add(delta)
		if m.ParentID == nil {
			return nil
		}
		id = *m.ParentID
	}
}

// Recompute rebuilds the group volume of every member in rootID's subtree and
// returns rootID's group volume.
func (a *Aggregator) Recompute(rootID uuid.UUID) (decimal.Decimal, error) {
	var gv decimal.Decimal
	err := a.reg.Update(func(tx *registry.Tx) error {
		var err error
		gv, err = RecomputeTx(tx, rootID)
		return err
	})
	return gv, err
}

// RecomputeAll rebuilds every cached group volume in the tree.
func (a *Aggregator) RecomputeAll() error {
	return a.reg.Update(func(tx *registry.Tx) error {
		return RecomputeAllTx(tx)
	})
}

// RecomputeAllTx rebuilds every group volume inside an open transaction.
// Unattached members are treated as roots of their own subtree.
func RecomputeAllTx(tx *registry.Tx) error {
	var tops []uuid.UUID
	if err := tx.ForEach(func(m *domain.Member) error {
		if m.ParentID == nil {
			tops = append(tops, m.ID)
		}
		return nil
	}); err != nil {
		return err
	}
	for _, id := range tops {
		if _, err := RecomputeTx(tx, id); err != nil {
			return err
		}
	}
	return nil
}

// RecomputeTx performs an iterative post-order traversal from rootID, writing
// each node's group volume after both children are known.
func RecomputeTx(tx *registry.Tx, rootID uuid.UUID) (decimal.Decimal, error) {
	type frame struct {
		id       uuid.UUID
		expanded bool
	}

	if _, err := tx.Get(rootID); err != nil {
		return decimal.Zero, err
	}

	computed := make(map[uuid.UUID]decimal.Decimal)
	stack := []frame{{id: rootID}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		m, err := tx.Get(top.id)
		if err != nil {
			return decimal.Zero, err
		}
		if !top.expanded {
			stack[len(stack)-1].expanded = true
			if m.RightChildID != nil {
				stack = append(stack, frame{id: *m.RightChildID})
			}
			if m.LeftChildID != nil {
				stack = append(stack, frame{id: *m.LeftChildID})
			}
			continue
		}
		stack = stack[:len(stack)-1]

		gv := m.PersonalVolume
		if m.LeftChildID != nil {
			gv = gv.Add(computed[*m.LeftChildID])
		}
		if m.RightChildID != nil {
			gv = gv.Add(computed[*m.RightChildID])
		}
		computed[m.ID] = gv

		if !m.GroupVolume.Equal(gv) {
			w, err := tx.Modify(m.ID)
			if err != nil {
				return decimal.Zero, err
			}
			w.GroupVolume = gv
		}
	}
	return computed[rootID], nil
}

// Verify returns the members whose cached group volume differs from
// personal volume plus both children's cached group volumes.
func (a *Aggregator) Verify() []uuid.UUID {
	var broken []uuid.UUID
	_ = a.reg.View(func(tx *registry.Tx) error {
		broken = VerifyTx(tx)
		return nil
	})
	if len(broken) > 0 {
		a.logger.Warn("Group volume invariant violated", map[string]interface{}{
			"members": len(broken),
		})
	}
	return broken
}

// VerifyTx checks the group volume invariant inside an open transaction.
func VerifyTx(tx *registry.Tx) []uuid.UUID {
	var broken []uuid.UUID
	_ = tx.ForEach(func(m *domain.Member) error {
		left, right := LegVolumes(tx, m)
		if !m.GroupVolume.Equal(m.PersonalVolume.Add(left).Add(right)) {
			broken = append(broken, m.ID)
		}
		return nil
	})
	return broken
}

// LegVolumes returns the cached group volumes of m's left and right subtrees,
// zero for an empty slot.
func LegVolumes(tx *registry.Tx, m *domain.Member) (left, right decimal.Decimal) {
	left, right = decimal.Zero, decimal.Zero
	if m.LeftChildID != nil {
		if c, err := tx.Get(*m.LeftChildID); err == nil {
			left = c.GroupVolume
		}
	}
	if m.RightChildID != nil {
		if c, err := tx.Get(*m.RightChildID); err == nil {
			right = c.GroupVolume
		}
	}
	return left, right
}
