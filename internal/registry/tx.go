package registry

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mlmengine/internal/domain"
	"mlmengine/pkg/errors"
)

// Tx is a single write (or read) transaction over the registry. Tx values
// are only valid inside the Update or View callback that produced them.
type Tx struct {
	reg      *Registry
	readOnly bool

	undo     map[uuid.UUID]*domain.Member
	created  []uuid.UUID
	rootSet  bool
	detached []referralEdge
}

type referralEdge struct {
	sponsor uuid.UUID
	member  uuid.UUID
}

// Get returns the live member. Callers that change fields must use Modify.
func (tx *Tx) Get(id uuid.UUID) (*domain.Member, error) {
	m, ok := tx.reg.members[id]
	if !ok {
		return nil, errors.ErrMemberNotFound
	}
	return m, nil
}

// Modify returns the live member after recording its state for rollback.
func (tx *Tx) Modify(id uuid.UUID) (*domain.Member, error) {
	if tx.readOnly {
		return nil, fmt.Errorf("registry: modify %s in read-only transaction", id)
	}
	m, ok := tx.reg.members[id]
	if !ok {
		return nil, errors.ErrMemberNotFound
	}
	if _, saved := tx.undo[id]; !saved {
		tx.undo[id] = m.Clone()
	}
	m.UpdatedAt = tx.reg.now().UTC()
	return m, nil
}

// Root returns the root member id.
func (tx *Tx) Root() (uuid.UUID, bool) {
	if tx.reg.rootID == nil {
		return uuid.Nil, false
	}
	return *tx.reg.rootID, true
}

// Referrals returns the ids sponsored by sponsorID. The slice must not be modified.
func (tx *Tx) Referrals(sponsorID uuid.UUID) []uuid.UUID {
	return tx.reg.referrals[sponsorID]
}

// Path returns the placement ancestors of id, nearest parent first.
func (tx *Tx) Path(id uuid.UUID) ([]uuid.UUID, error) {
	m, ok := tx.reg.members[id]
	if !ok {
		return nil, errors.ErrMemberNotFound
	}
	path := make([]uuid.UUID, 0, m.Depth)
	for m.ParentID != nil {
		path = append(path, *m.ParentID)
		m = tx.reg.members[*m.ParentID]
	}
	return path, nil
}

// Touched returns the live members modified or created so far in this
// transaction, in depth order.
func (tx *Tx) Touched() []*domain.Member {
	seen := make(map[uuid.UUID]bool, len(tx.undo)+len(tx.created))
	out := make([]*domain.Member, 0, len(tx.undo)+len(tx.created))
	add := func(id uuid.UUID) {
		if seen[id] {
			return
		}
		seen[id] = true
		if m, ok := tx.reg.members[id]; ok {
			out = append(out, m)
		}
	}
	for _, id := range tx.created {
		add(id)
	}
	for id := range tx.undo {
		add(id)
	}
	sortMembers(out)
	return out
}

// ForEach calls fn for every member in depth order.
func (tx *Tx) ForEach(fn func(m *domain.Member) error) error {
	ms := make([]*domain.Member, 0, len(tx.reg.members))
	for _, m := range tx.reg.members {
		ms = append(ms, m)
	}
	sortMembers(ms)
	for _, m := range ms {
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

// Create adds an unattached member. A nil sponsor creates the root, which is
// only allowed while the tree is empty.
func (tx *Tx) Create(sponsorID *uuid.UUID, attrs domain.MemberAttributes) (*domain.Member, error) {
	if attrs.PersonalVolume.IsNegative() {
		return nil, fmt.Errorf("%w: personal volume must not be negative", errors.ErrInvalidVolume)
	}
	if sponsorID == nil && tx.reg.rootID != nil {
		return nil, errors.ErrRootExists
	}
	if sponsorID != nil {
		if _, ok := tx.reg.members[*sponsorID]; !ok {
			return nil, errors.ErrSponsorNotFound
		}
	}

	now := tx.reg.now().UTC()
	m := &domain.Member{
		ID:             uuid.New(),
		Name:           attrs.Name,
		Email:          attrs.Email,
		PersonalVolume: attrs.PersonalVolume,
		GroupVolume:    decimal.Zero,
		Rank:           tx.reg.baseRank,
		Status:         domain.MemberStatusActive,
		JoinDate:       now,
		UpdatedAt:      now,
	}
	if sponsorID != nil {
		sponsor := *sponsorID
		m.SponsorID = &sponsor
	}

	tx.reg.members[m.ID] = m
	tx.created = append(tx.created, m.ID)

	if sponsorID == nil {
		id := m.ID
		tx.reg.rootID = &id
		tx.rootSet = true
	} else {
		sponsor, _ := tx.Modify(*sponsorID)
		sponsor.DirectReferralCount++
		tx.reg.referrals[*sponsorID] = append(tx.reg.referrals[*sponsorID], m.ID)
		tx.detached = append(tx.detached, referralEdge{sponsor: *sponsorID, member: m.ID})
	}

	if err := tx.emit(TreeChanged{MemberID: m.ID, Kind: MemberCreated, Delta: m.PersonalVolume}); err != nil {
		return nil, err
	}
	return m, nil
}

// SetChild links childID under parentID on the given side.
func (tx *Tx) SetChild(parentID uuid.UUID, side domain.Side, childID uuid.UUID) error {
	if side != domain.SideLeft && side != domain.SideRight {
		return fmt.Errorf("%w: unknown side %q", errors.ErrInvalidPlacement, side)
	}
	if parentID == childID {
		return fmt.Errorf("%w: member cannot be its own child", errors.ErrInvalidPlacement)
	}
	parent, err := tx.Get(parentID)
	if err != nil {
		return err
	}
	child, err := tx.Get(childID)
	if err != nil {
		return err
	}
	if parent.Child(side) != nil {
		return errors.ErrSlotOccupied
	}
	if child.ParentID != nil || (tx.reg.rootID != nil && *tx.reg.rootID == childID) {
		return fmt.Errorf("%w: member %s is already placed", errors.ErrInvalidPlacement, childID)
	}

	parent, _ = tx.Modify(parentID)
	child, _ = tx.Modify(childID)

	id := childID
	if side == domain.SideLeft {
		parent.LeftChildID = &id
	} else {
		parent.RightChildID = &id
	}
	pid := parentID
	child.ParentID = &pid
	child.Depth = parent.Depth + 1

	return tx.emit(TreeChanged{MemberID: childID, Kind: MemberAttached, Delta: child.GroupVolume})
}

// UpdatePersonalVolume adds a non-negative delta to a member's personal volume.
func (tx *Tx) UpdatePersonalVolume(id uuid.UUID, delta decimal.Decimal) error {
	if delta.IsNegative() {
		return fmt.Errorf("%w: delta %s is negative", errors.ErrInvalidVolume, delta.String())
	}
	m, err := tx.Modify(id)
	if err != nil {
		return err
	}
	if delta.IsZero() {
		return nil
	}
	m.PersonalVolume = m.PersonalVolume.Add(delta)
	return tx.emit(TreeChanged{MemberID: id, Kind: VolumeChanged, Delta: delta})
}

// SetStatus changes a member's lifecycle status.
func (tx *Tx) SetStatus(id uuid.UUID, status domain.MemberStatus) error {
	switch status {
	case domain.MemberStatusActive, domain.MemberStatusInactive:
	default:
		return fmt.Errorf("registry: unknown status %q", status)
	}
	m, err := tx.Modify(id)
	if err != nil {
		return err
	}
	if m.Status == status {
		return nil
	}
	m.Status = status
	return tx.emit(TreeChanged{MemberID: id, Kind: StatusChanged})
}

// ResetVolumes zeroes every member's personal and group volume. No events
// are emitted; the result is already consistent.
func (tx *Tx) ResetVolumes() error {
	for id := range tx.reg.members {
		m, err := tx.Modify(id)
		if err != nil {
			return err
		}
		m.PersonalVolume = decimal.Zero
		m.GroupVolume = decimal.Zero
	}
	return nil
}

// SetPersonalVolume overwrites a member's personal volume without notifying
// listeners. Callers recompute group volumes afterwards.
func (tx *Tx) SetPersonalVolume(id uuid.UUID, v decimal.Decimal) error {
	if v.IsNegative() {
		return fmt.Errorf("%w: volume %s is negative", errors.ErrInvalidVolume, v.String())
	}
	m, err := tx.Modify(id)
	if err != nil {
		return err
	}
	m.PersonalVolume = v
	return nil
}

func (tx *Tx) emit(ev TreeChanged) error {
	for _, l := range tx.reg.listeners {
		if err := l(tx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (tx *Tx) rollback() {
	for id, saved := range tx.undo {
		if _, ok := tx.reg.members[id]; ok {
			tx.reg.members[id] = saved
		}
	}
	for i := len(tx.detached) - 1; i >= 0; i-- {
		e := tx.detached[i]
		refs := tx.reg.referrals[e.sponsor]
		for j := len(refs) - 1; j >= 0; j-- {
			if refs[j] == e.member {
				refs = append(refs[:j], refs[j+1:]...)
				break
			}
		}
		if len(refs) == 0 {
			delete(tx.reg.referrals, e.sponsor)
		} else {
			tx.reg.referrals[e.sponsor] = refs
		}
	}
	for _, id := range tx.created {
		delete(tx.reg.members, id)
	}
	if tx.rootSet {
		tx.reg.rootID = nil
	}
}
