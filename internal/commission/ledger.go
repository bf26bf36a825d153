package commission

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mlmengine/internal/domain"
	"mlmengine/pkg/errors"
)

const eventKeySeparator = "#"

// EventPeriodKey scopes a commission to a single volume event inside a
// period, so distinct events never collide and a replayed event never pays
// twice.
func EventPeriodKey(periodKey, eventRef string) string {
	if eventRef == "" {
		return periodKey
	}
	return periodKey + eventKeySeparator + eventRef
}

// BasePeriod strips the event suffix from a period key.
func BasePeriod(periodKey string) string {
	if i := strings.Index(periodKey, eventKeySeparator); i >= 0 {
		return periodKey[:i]
	}
	return periodKey
}

// Ledger is the in-memory index of committed commission entries. It enforces
// at most one entry per CommissionKey.
type Ledger struct {
	mu      sync.RWMutex
	entries []*domain.CommissionEntry
	keys    map[domain.CommissionKey]*domain.CommissionEntry
	byID    map[uuid.UUID]*domain.CommissionEntry
}

func NewLedger() *Ledger {
	return &Ledger{
		keys: make(map[domain.CommissionKey]*domain.CommissionEntry),
		byID: make(map[uuid.UUID]*domain.CommissionEntry),
	}
}

// Load replaces the ledger with persisted entries.
func (l *Ledger) Load(entries []*domain.CommissionEntry) error {
	keys := make(map[domain.CommissionKey]*domain.CommissionEntry, len(entries))
	byID := make(map[uuid.UUID]*domain.CommissionEntry, len(entries))
	for _, e := range entries {
		if _, dup := keys[e.Key()]; dup {
			return fmt.Errorf("%w: %s for %s in %s", errors.ErrDuplicateCommission, e.Type, e.RecipientID, e.PeriodKey)
		}
		keys[e.Key()] = e
		byID[e.ID] = e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append([]*domain.CommissionEntry(nil), entries...)
	l.keys = keys
	l.byID = byID
	return nil
}

// Has reports whether an entry with key exists.
func (l *Ledger) Has(key domain.CommissionKey) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.keys[key]
	return ok
}

// Len returns the number of committed entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// NewBatch starts staging entries against this ledger.
func (l *Ledger) NewBatch(periodKey string) *Batch {
	return &Batch{
		ledger:    l,
		PeriodKey: periodKey,
		keys:      make(map[domain.CommissionKey]struct{}),
	}
}

// Commit appends every staged entry. The whole batch is rejected if any key
// is already present.
func (l *Ledger) Commit(b *Batch) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range b.entries {
		if _, ok := l.keys[e.Key()]; ok {
			return fmt.Errorf("%w: %s for %s in %s", errors.ErrDuplicateCommission, e.Type, e.RecipientID, e.PeriodKey)
		}
	}
	for _, e := range b.entries {
		l.entries = append(l.entries, e)
		l.keys[e.Key()] = e
		l.byID[e.ID] = e
	}
	return nil
}

// Get returns a copy of an entry by id.
func (l *Ledger) Get(id uuid.UUID) (*domain.CommissionEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.byID[id]
	if !ok {
		return nil, errors.ErrCommissionNotFound
	}
	c := *e
	return &c, nil
}

// UpdateStatus moves an entry along pending, approved, paid.
func (l *Ledger) UpdateStatus(id uuid.UUID, status domain.CommissionStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.byID[id]
	if !ok {
		return errors.ErrCommissionNotFound
	}
	if !CanTransition(e.Status, status) {
		return fmt.Errorf("%w: %s -> %s", errors.ErrInvalidTransition, e.Status, status)
	}
	e.Status = status
	return nil
}

// CanTransition reports whether a status change is allowed.
func CanTransition(from, to domain.CommissionStatus) bool {
	switch from {
	case domain.CommissionStatusPending:
		return to == domain.CommissionStatusApproved
	case domain.CommissionStatusApproved:
		return to == domain.CommissionStatusPaid
	default:
		return false
	}
}

// Filter selects ledger entries. Zero fields match everything.
type Filter struct {
	RecipientID *uuid.UUID
	PeriodKey   string
	Type        domain.CommissionType
	Limit       int
	Offset      int
}

func (f Filter) matches(e *domain.CommissionEntry) bool {
	if f.RecipientID != nil && e.RecipientID != *f.RecipientID {
		return false
	}
	if f.PeriodKey != "" && BasePeriod(e.PeriodKey) != f.PeriodKey {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	return true
}

// List returns copies of matching entries, newest first.
func (l *Ledger) List(f Filter) []*domain.CommissionEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*domain.CommissionEntry
	for i := len(l.entries) - 1; i >= 0; i-- {
		if f.matches(l.entries[i]) {
			c := *l.entries[i]
			out = append(out, &c)
		}
	}
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Totals sums matching entries by type.
func (l *Ledger) Totals(f Filter) map[domain.CommissionType]decimal.Decimal {
	f.Limit, f.Offset = 0, 0
	return totals(l.List(f))
}

func totals(entries []*domain.CommissionEntry) map[domain.CommissionType]decimal.Decimal {
	out := make(map[domain.CommissionType]decimal.Decimal)
	for _, e := range entries {
		out[e.Type] = out[e.Type].Add(e.Amount)
	}
	return out
}

// Batch stages entries for one computation. Keys already in the ledger are
// skipped; a key repeated inside the batch is a computation bug.
type Batch struct {
	ledger    *Ledger
	PeriodKey string
	entries   []*domain.CommissionEntry
	keys      map[domain.CommissionKey]struct{}
	skipped   int
}

// Add stages e. It returns false when the key is already committed.
func (b *Batch) Add(e *domain.CommissionEntry) (bool, error) {
	key := e.Key()
	if _, ok := b.keys[key]; ok {
		return false, fmt.Errorf("%w: %s for %s from %s in %s",
			errors.ErrDuplicateCommission, e.Type, e.RecipientID, e.SourceMemberID, e.PeriodKey)
	}
	if b.ledger != nil && b.ledger.Has(key) {
		b.skipped++
		return false, nil
	}
	b.keys[key] = struct{}{}
	b.entries = append(b.entries, e)
	return true, nil
}

// Entries returns the staged entries in insertion order.
func (b *Batch) Entries() []*domain.CommissionEntry {
	return b.entries
}

// Len returns the number of staged entries.
func (b *Batch) Len() int {
	return len(b.entries)
}

// Skipped returns how many entries were dropped as already committed.
func (b *Batch) Skipped() int {
	return b.skipped
}

// Totals sums staged amounts by type.
func (b *Batch) Totals() map[domain.CommissionType]decimal.Decimal {
	return totals(b.entries)
}

// SortEntries orders entries deterministically by recipient, type, source
// and period.
func SortEntries(entries []*domain.CommissionEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.RecipientID != b.RecipientID {
			return a.RecipientID.String() < b.RecipientID.String()
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.SourceMemberID != b.SourceMemberID {
			return a.SourceMemberID.String() < b.SourceMemberID.String()
		}
		return a.PeriodKey < b.PeriodKey
	})
}
