package network

import (
	"context"
	"time"

	"mlmengine/internal/domain"
)

// Snapshot is the persisted state the engine starts from.
type Snapshot struct {
	Members       []*domain.Member
	Entries       []*domain.CommissionEntry
	EventRefs     []string
	ClosedPeriods []string
	// OpenEvents are the processed events of periods not yet closed.
	OpenEvents    []*domain.VolumeEvent
}

// Change is everything one command writes. Stores must apply it atomically.
type Change struct {
	Members      []*domain.Member
	Entries      []*domain.CommissionEntry
	Event        *domain.VolumeEvent
	Cycle        *domain.CycleSummary
	ClosedPeriod string
}

// Store persists committed engine state.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Commit(ctx context.Context, change *Change) error
}

// Publisher is told about every committed change that produced ledger
// entries or finished a cycle. Errors are logged, never rolled back.
type Publisher interface {
	Publish(ctx context.Context, summary *domain.CycleSummary, entries []*domain.CommissionEntry) error
}

// Metrics observes command execution.
type Metrics interface {
	ObserveCommand(kind string, took time.Duration, err error)
	ObserveCycle(summary *domain.CycleSummary)
	SetMembers(n int)
}

type nopStore struct{}

func (nopStore) Load(context.Context) (*Snapshot, error) { return &Snapshot{}, nil }
func (nopStore) Commit(context.Context, *Change) error   { return nil }

type nopMetrics struct{}

func (nopMetrics) ObserveCommand(string, time.Duration, error) {}
func (nopMetrics) ObserveCycle(*domain.CycleSummary)           {}
func (nopMetrics) SetMembers(int)                              {}
