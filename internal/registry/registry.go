// Package registry is the canonical in-memory store of network members and
// their tree edges. Members live in an id-keyed arena; edges are ids, never
// pointers, so the tree can be cloned and swapped without aliasing.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mlmengine/internal/domain"
	"mlmengine/pkg/errors"
)

// EventKind classifies a TreeChanged notification.
type EventKind int

const (
	// MemberCreated is emitted when a member enters the arena.
	MemberCreated EventKind = iota + 1
	// MemberAttached is emitted when a member is linked under a placement parent.
	MemberAttached
	// VolumeChanged is emitted when a member's personal volume changes by Delta.
	VolumeChanged
	// StatusChanged is emitted when a member is activated or deactivated.
	StatusChanged
)

func (k EventKind) String() string {
	switch k {
	case MemberCreated:
		return "member_created"
	case MemberAttached:
		return "member_attached"
	case VolumeChanged:
		return "volume_changed"
	case StatusChanged:
		return "status_changed"
	default:
		return fmt.Sprintf("event_kind(%d)", int(k))
	}
}

// TreeChanged describes a single mutation of the tree.
type TreeChanged struct {
	MemberID uuid.UUID
	Kind     EventKind
	Delta    decimal.Decimal
}

// Listener observes mutations inside the writing transaction. Returning an
// error aborts and rolls back the whole transaction.
type Listener func(tx *Tx, ev TreeChanged) error

// Option configures a Registry.
type Option func(*Registry)

// WithBaseRank sets the rank level assigned to new members.
func WithBaseRank(level int) Option {
	return func(r *Registry) { r.baseRank = level }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry stores members keyed by id with O(1) lookups.
type Registry struct {
	mu        sync.RWMutex
	members   map[uuid.UUID]*domain.Member
	referrals map[uuid.UUID][]uuid.UUID
	rootID    *uuid.UUID
	listeners []Listener
	baseRank  int
	now       func() time.Time
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		members:   make(map[uuid.UUID]*domain.Member),
		referrals: make(map[uuid.UUID][]uuid.UUID),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers a listener for TreeChanged events.
func (r *Registry) Subscribe(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Update runs fn with exclusive access to the tree. Any error returned by fn
// or by a listener restores every member touched inside the transaction.
func (r *Registry) Update(fn func(tx *Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &Tx{
		reg:  r,
		undo: make(map[uuid.UUID]*domain.Member),
	}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// View runs fn with shared read access. fn must not mutate members.
func (r *Registry) View(fn func(tx *Tx) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fn(&Tx{reg: r, readOnly: true})
}

// Get returns a copy of the member with the given id.
func (r *Registry) Get(id uuid.UUID) (*domain.Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.members[id]
	if !ok {
		return nil, errors.ErrMemberNotFound
	}
	return m.Clone(), nil
}

// Root returns the id of the root member, if any.
func (r *Registry) Root() (uuid.UUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.rootID == nil {
		return uuid.Nil, false
	}
	return *r.rootID, true
}

// Len returns the number of members.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Members returns copies of all members ordered by depth, then join date.
func (r *Registry) Members() []*domain.Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m.Clone())
	}
	sortMembers(out)
	return out
}

// Referrals returns the ids of members personally sponsored by sponsorID.
func (r *Registry) Referrals(sponsorID uuid.UUID) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]uuid.UUID(nil), r.referrals[sponsorID]...)
}

// Create adds a member sponsored by sponsorID; a nil sponsor creates the root.
func (r *Registry) Create(sponsorID *uuid.UUID, attrs domain.MemberAttributes) (*domain.Member, error) {
	var created *domain.Member
	err := r.Update(func(tx *Tx) error {
		m, err := tx.Create(sponsorID, attrs)
		if err != nil {
			return err
		}
		created = m.Clone()
		return nil
	})
	return created, err
}

// SetChild links childID into the given slot of parentID.
func (r *Registry) SetChild(parentID uuid.UUID, side domain.Side, childID uuid.UUID) error {
	return r.Update(func(tx *Tx) error {
		return tx.SetChild(parentID, side, childID)
	})
}

// UpdatePersonalVolume adds delta to a member's personal volume.
func (r *Registry) UpdatePersonalVolume(id uuid.UUID, delta decimal.Decimal) error {
	return r.Update(func(tx *Tx) error {
		return tx.UpdatePersonalVolume(id, delta)
	})
}

// Clone returns a deep copy of the tree without listeners.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c := &Registry{
		members:   make(map[uuid.UUID]*domain.Member, len(r.members)),
		referrals: make(map[uuid.UUID][]uuid.UUID, len(r.referrals)),
		baseRank:  r.baseRank,
		now:       r.now,
	}
	for id, m := range r.members {
		c.members[id] = m.Clone()
	}
	for id, refs := range r.referrals {
		c.referrals[id] = append([]uuid.UUID(nil), refs...)
	}
	if r.rootID != nil {
		root := *r.rootID
		c.rootID = &root
	}
	return c
}

// Replace atomically swaps this registry's contents for those of other.
// Listeners are kept. other must not be used afterwards.
func (r *Registry) Replace(other *Registry) {
	other.mu.Lock()
	members, referrals, root := other.members, other.referrals, other.rootID
	other.members, other.referrals, other.rootID = nil, nil, nil
	other.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.members = members
	r.referrals = referrals
	r.rootID = root
}

// Load replaces the registry contents with a bulk import. No events are
// emitted: group volumes are taken as given, so callers must run a full
// re-aggregation afterwards.
func (r *Registry) Load(members []*domain.Member) error {
	staged := make(map[uuid.UUID]*domain.Member, len(members))
	for _, m := range members {
		if _, dup := staged[m.ID]; dup {
			return fmt.Errorf("%w: duplicate member %s", errors.ErrInvalidPlacement, m.ID)
		}
		staged[m.ID] = m.Clone()
	}

	var root *uuid.UUID
	referrals := make(map[uuid.UUID][]uuid.UUID)
	for _, m := range staged {
		if m.ParentID == nil {
			if root != nil {
				return fmt.Errorf("%w: more than one root", errors.ErrInvalidPlacement)
			}
			id := m.ID
			root = &id
		}
		if m.SponsorID != nil {
			if _, ok := staged[*m.SponsorID]; !ok {
				return fmt.Errorf("%w: member %s", errors.ErrSponsorNotFound, m.ID)
			}
			referrals[*m.SponsorID] = append(referrals[*m.SponsorID], m.ID)
		}
		for _, side := range []domain.Side{domain.SideLeft, domain.SideRight} {
			child := m.Child(side)
			if child == nil {
				continue
			}
			c, ok := staged[*child]
			if !ok || c.ParentID == nil || *c.ParentID != m.ID {
				return fmt.Errorf("%w: broken edge %s -> %s", errors.ErrInvalidPlacement, m.ID, *child)
			}
		}
		if m.LeftChildID != nil && m.RightChildID != nil && *m.LeftChildID == *m.RightChildID {
			return fmt.Errorf("%w: member %s has the same child on both sides", errors.ErrInvalidPlacement, m.ID)
		}
	}
	if len(staged) > 0 && root == nil {
		return fmt.Errorf("%w: no root", errors.ErrInvalidPlacement)
	}
	if err := checkReachable(staged, root); err != nil {
		return err
	}

	for id, refs := range referrals {
		staged[id].DirectReferralCount = len(refs)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.members = staged
	r.referrals = referrals
	r.rootID = root
	return nil
}

// checkReachable verifies every member hangs off the root exactly once, which
// rules out cycles in imported data.
func checkReachable(members map[uuid.UUID]*domain.Member, root *uuid.UUID) error {
	if root == nil {
		return nil
	}
	seen := make(map[uuid.UUID]bool, len(members))
	stack := []uuid.UUID{*root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			return fmt.Errorf("%w: cycle at %s", errors.ErrInvalidPlacement, id)
		}
		seen[id] = true
		m := members[id]
		if m.LeftChildID != nil {
			stack = append(stack, *m.LeftChildID)
		}
		if m.RightChildID != nil {
			stack = append(stack, *m.RightChildID)
		}
	}
	if len(seen) != len(members) {
		return fmt.Errorf("%w: %d members unreachable from root", errors.ErrInvalidPlacement, len(members)-len(seen))
	}
	return nil
}

func sortMembers(ms []*domain.Member) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].Depth != ms[j].Depth {
			return ms[i].Depth < ms[j].Depth
		}
		if !ms[i].JoinDate.Equal(ms[j].JoinDate) {
			return ms[i].JoinDate.Before(ms[j].JoinDate)
		}
		return ms[i].ID.String() < ms[j].ID.String()
	})
}
