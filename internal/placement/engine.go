// Package placement decides where a newly registered member attaches in the
// binary tree.
package placement

import (
	"github.com/google/uuid"

	"mlmengine/internal/domain"
	"mlmengine/internal/registry"
	"mlmengine/pkg/errors"
)

type Engine struct {
	reg   *registry.Registry
	rules domain.PlacementRules
}

func NewEngine(reg *registry.Registry, rules domain.PlacementRules) *Engine {
	if rules.SpilloverStrategy == "" {
		rules.SpilloverStrategy = domain.SpilloverWeakLeg
	}
	return &Engine{reg: reg, rules: rules}
}

// Rules returns the active placement configuration.
func (e *Engine) Rules() domain.PlacementRules {
	return e.rules
}

// Place registers a member under sponsorID and returns its id.
func (e *Engine) Place(sponsorID uuid.UUID, attrs domain.MemberAttributes) (uuid.UUID, error) {
	var id uuid.UUID
	err := e.reg.Update(func(tx *registry.Tx) error {
		m, err := e.PlaceTx(tx, sponsorID, attrs)
		if err != nil {
			return err
		}
		id = m.ID
		return nil
	})
	return id, err
}

// PlaceTx registers a member inside an open transaction.
func (e *Engine) PlaceTx(tx *registry.Tx, sponsorID uuid.UUID, attrs domain.MemberAttributes) (*domain.Member, error) {
	sponsor, err := tx.Get(sponsorID)
	if err != nil {
		return nil, errors.ErrSponsorNotFound
	}

	parentID, side, err := e.findSlot(tx, sponsor)
	if err != nil {
		return nil, err
	}

	m, err := tx.Create(&sponsorID, attrs)
	if err != nil {
		return nil, err
	}
	if err := tx.SetChild(parentID, side, m.ID); err != nil {
		return nil, err
	}
	return m, nil
}

func (e *Engine) allows(depth int) bool {
	return e.rules.MaxDepth == 0 || depth <= e.rules.MaxDepth
}

// findSlot searches below the sponsor in strategy order. The preferred branch
// is explored first; the other branch is only tried when the preferred one
// has no free slot within the depth limit.
func (e *Engine) findSlot(tx *registry.Tx, sponsor *domain.Member) (uuid.UUID, domain.Side, error) {
	if !e.allows(sponsor.Depth + 1) {
		return uuid.Nil, "", errors.ErrTreeFull
	}
	if sponsor.LeftChildID == nil {
		return sponsor.ID, domain.SideLeft, nil
	}
	if sponsor.RightChildID == nil {
		return sponsor.ID, domain.SideRight, nil
	}
	if e.rules.SpilloverStrategy == domain.SpilloverStrictLeftRight {
		return uuid.Nil, "", errors.ErrPlacementBlocked
	}

	stack := e.branches(tx, sponsor, 0)
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		m, err := tx.Get(node.id)
		if err != nil {
			return uuid.Nil, "", err
		}
		if !e.allows(m.Depth + 1) {
			continue
		}
		if m.LeftChildID == nil {
			return m.ID, domain.SideLeft, nil
		}
		if m.RightChildID == nil {
			return m.ID, domain.SideRight, nil
		}
		stack = append(stack, e.branches(tx, m, node.relDepth)...)
	}
	return uuid.Nil, "", errors.ErrTreeFull
}

type candidate struct {
	id       uuid.UUID
	relDepth int
}

// branches returns m's children as stack entries, preferred branch last.
func (e *Engine) branches(tx *registry.Tx, m *domain.Member, relDepth int) []candidate {
	left := candidate{id: *m.LeftChildID, relDepth: relDepth + 1}
	right := candidate{id: *m.RightChildID, relDepth: relDepth + 1}

	if e.preferLeft(tx, m, relDepth) {
		return []candidate{right, left}
	}
	return []candidate{left, right}
}

func (e *Engine) preferLeft(tx *registry.Tx, m *domain.Member, relDepth int) bool {
	switch e.rules.SpilloverStrategy {
	case domain.SpilloverAlternate:
		return relDepth%2 == 0
	default:
		l, err := tx.Get(*m.LeftChildID)
		if err != nil {
			return true
		}
		r, err := tx.Get(*m.RightChildID)
		if err != nil {
			return true
		}
		return l.GroupVolume.LessThanOrEqual(r.GroupVolume)
	}
}
