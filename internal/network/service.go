// Package network is the single writer of the compensation engine. Every
// registration, volume event, payout cycle and period close is queued and
// applied one at a time by Run, so readers only ever see committed state.
package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"mlmengine/internal/commission"
	"mlmengine/internal/domain"
	"mlmengine/internal/placement"
	"mlmengine/internal/rank"
	"mlmengine/internal/registry"
	"mlmengine/internal/volume"
	"mlmengine/pkg/errors"
	"mlmengine/pkg/logger"
)

type Config struct {
	QueueSize          int
	ResetVolumeOnClose bool
	PeriodLayout       string
}

type Option func(*Service)

func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publishers = append(s.publishers, p) }
}

func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

type command struct {
	kind string
	run  func(ctx context.Context) (interface{}, error)
	done chan result
}

type result struct {
	value interface{}
	err   error
}

type Service struct {
	reg         *registry.Registry
	aggregator  *volume.Aggregator
	placer      *placement.Engine
	ranks       *rank.Engine
	commissions *commission.Engine
	ledger      *commission.Ledger
	store       Store
	publishers  []Publisher
	metrics     Metrics
	logger      logger.Logger
	cfg         Config
	now         func() time.Time

	queue   chan *command
	stopped chan struct{}
	once    sync.Once

	// owned by the writer goroutine
	seenEvents    map[string]struct{}
	closed        map[string]struct{}
	closedThrough string
	volumes       periodVolumes

	mu        sync.RWMutex
	lastCycle *domain.CycleSummary
}

// NewService wires the engine components for plan. A nil store keeps state in
// memory only.
func NewService(plan *domain.CompensationPlan, store Store, log logger.Logger, cfg Config, opts ...Option) (*Service, error) {
	ladder, err := rank.NewLadder(plan.Ranks)
	if err != nil {
		return nil, err
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.PeriodLayout == "" {
		cfg.PeriodLayout = PeriodWeek
	}
	if store == nil {
		store = nopStore{}
	}

	reg := registry.New(registry.WithBaseRank(ladder.Base().Level))
	s := &Service{
		reg:         reg,
		aggregator:  volume.NewAggregator(reg, log),
		placer:      placement.NewEngine(reg, plan.Placement),
		ranks:       rank.NewEngine(ladder, plan.MaintenancePolicy, log),
		commissions: commission.NewEngine(plan.Commission, ladder, log),
		ledger:      commission.NewLedger(),
		store:       store,
		metrics:     nopMetrics{},
		logger:      log,
		cfg:         cfg,
		now:         time.Now,
		queue:       make(chan *command, cfg.QueueSize),
		stopped:     make(chan struct{}),
		seenEvents:  make(map[string]struct{}),
		closed:      make(map[string]struct{}),
		volumes:     make(periodVolumes),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AddPublisher registers p after construction, for publishers that read from
// the service themselves. It must be called before Run.
func (s *Service) AddPublisher(p Publisher) {
	s.publishers = append(s.publishers, p)
}

// Registry exposes the committed tree for read-only projections.
func (s *Service) Registry() *registry.Registry { return s.reg }

// Ledger exposes the committed commission entries.
func (s *Service) Ledger() *commission.Ledger { return s.ledger }

// Ranks exposes the rank engine for progress projections.
func (s *Service) Ranks() *rank.Engine { return s.ranks }

// LastCycle returns the summary of the most recent committed cycle.
func (s *Service) LastCycle() *domain.CycleSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastCycle == nil {
		return nil
	}
	c := *s.lastCycle
	return &c
}

// CurrentPeriod returns the period key for the service clock.
func (s *Service) CurrentPeriod() string {
	return PeriodKey(s.now(), s.cfg.PeriodLayout)
}

// Load restores persisted state. It must be called before Run.
func (s *Service) Load(ctx context.Context) error {
	snap, err := s.store.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load network state")
	}
	if err := s.reg.Load(snap.Members); err != nil {
		return errors.Wrap(err, "failed to rebuild tree")
	}
	if err := s.aggregator.RecomputeAll(); err != nil {
		return errors.Wrap(err, "failed to aggregate volumes")
	}
	if err := s.ledger.Load(snap.Entries); err != nil {
		return errors.Wrap(err, "failed to load commission ledger")
	}
	for _, ref := range snap.EventRefs {
		s.seenEvents[ref] = struct{}{}
	}
	for _, ev := range snap.OpenEvents {
		s.volumes.add(ev.PeriodKey, ev.MemberID, ev.Volume)
	}
	for _, p := range snap.ClosedPeriods {
		s.markClosed(p)
	}
	s.metrics.SetMembers(s.reg.Len())

	s.logger.Info("Network state loaded", map[string]interface{}{
		"members":        s.reg.Len(),
		"entries":        s.ledger.Len(),
		"events":         len(snap.EventRefs),
		"closed_periods": len(snap.ClosedPeriods),
	})
	return nil
}

// isClosed reports whether key was closed, directly or by closing a later
// period.
func (s *Service) isClosed(key string) bool {
	if _, ok := s.closed[key]; ok {
		return true
	}
	return s.closedThrough != "" && key <= s.closedThrough
}

func (s *Service) markClosed(key string) {
	s.closed[key] = struct{}{}
	if key > s.closedThrough {
		s.closedThrough = key
	}
	s.volumes.drop(key)
}

// Run applies queued commands until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("Network engine started", map[string]interface{}{
		"queue_size": s.cfg.QueueSize,
	})
	defer s.stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Network engine stopping", nil)
			return nil
		case cmd := <-s.queue:
			s.execute(ctx, cmd)
		}
	}
}

func (s *Service) stop() {
	s.once.Do(func() {
		close(s.stopped)
		for {
			select {
			case cmd := <-s.queue:
				cmd.done <- result{err: errors.ErrEngineStopped}
			default:
				return
			}
		}
	})
}

func (s *Service) execute(ctx context.Context, cmd *command) {
	start := time.Now()
	value, err := cmd.run(ctx)
	s.metrics.ObserveCommand(cmd.kind, time.Since(start), err)
	s.metrics.SetMembers(s.reg.Len())
	if err != nil {
		s.logger.Debug("Command rejected", map[string]interface{}{
			"command": cmd.kind,
			"error":   err.Error(),
		})
	}
	cmd.done <- result{value: value, err: err}
}

// submit queues fn and waits for the writer to apply it.
func (s *Service) submit(ctx context.Context, kind string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	cmd := &command{kind: kind, run: fn, done: make(chan result, 1)}

	select {
	case <-s.stopped:
		return nil, errors.ErrEngineStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	case s.queue <- cmd:
	}

	select {
	case res := <-cmd.done:
		return res.value, res.err
	case <-s.stopped:
		select {
		case res := <-cmd.done:
			return res.value, res.err
		default:
			return nil, errors.ErrEngineStopped
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Register places a new member under sponsorID. A nil sponsor creates the
// root of an empty tree.
func (s *Service) Register(ctx context.Context, sponsorID *uuid.UUID, attrs domain.MemberAttributes) (*domain.Member, error) {
	v, err := s.submit(ctx, "register", func(ctx context.Context) (interface{}, error) {
		return s.register(ctx, sponsorID, attrs)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Member), nil
}

func (s *Service) register(ctx context.Context, sponsorID *uuid.UUID, attrs domain.MemberAttributes) (*domain.Member, error) {
	period := s.CurrentPeriod()
	if attrs.PersonalVolume.IsPositive() && s.isClosed(period) {
		return nil, fmt.Errorf("%w: %s", errors.ErrPeriodClosed, period)
	}

	var created *domain.Member
	var batch *commission.Batch
	var join *domain.VolumeEvent

	err := s.reg.Update(func(tx *registry.Tx) error {
		var m *domain.Member
		var err error
		if sponsorID == nil {
			m, err = tx.Create(nil, attrs)
		} else {
			m, err = s.placer.PlaceTx(tx, *sponsorID, attrs)
		}
		if err != nil {
			return err
		}
		if err := s.advancePath(tx, m.ID); err != nil {
			return err
		}

		if m.PersonalVolume.IsPositive() {
			join = &domain.VolumeEvent{
				Reference:  "join-" + m.ID.String(),
				MemberID:   m.ID,
				Volume:     m.PersonalVolume,
				PeriodKey:  period,
				OccurredAt: s.now().UTC(),
			}
			batch = s.ledger.NewBatch(period)
			if err := s.commissions.ForVolumeEvent(tx, batch, *join); err != nil {
				return err
			}
		}

		change := &Change{Members: cloneMembers(tx.Touched()), Event: join}
		if batch != nil {
			change.Entries = batch.Entries()
		}
		if err := s.store.Commit(ctx, change); err != nil {
			return errors.Wrap(err, "failed to persist registration")
		}
		created = m.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if join != nil {
		s.seenEvents[join.Reference] = struct{}{}
		s.volumes.add(join.PeriodKey, join.MemberID, join.Volume)
	}
	s.commitBatch(ctx, batch, nil)
	s.logger.Info("Member registered", map[string]interface{}{
		"member_id": created.ID,
		"depth":     created.Depth,
	})
	return created, nil
}

// RecordVolume credits ev to its member, re-checks ranks along the path to
// the root and stages the direct and matching commissions the event earns.
func (s *Service) RecordVolume(ctx context.Context, ev domain.VolumeEvent) ([]*domain.CommissionEntry, error) {
	if ev.Volume.IsNegative() {
		return nil, fmt.Errorf("%w: volume %s is negative", errors.ErrInvalidVolume, ev.Volume.String())
	}
	v, err := s.submit(ctx, "volume", func(ctx context.Context) (interface{}, error) {
		return s.recordVolume(ctx, ev)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*domain.CommissionEntry), nil
}

func (s *Service) recordVolume(ctx context.Context, ev domain.VolumeEvent) ([]*domain.CommissionEntry, error) {
	if ev.Reference == "" {
		ev.Reference = uuid.New().String()
	}
	if ev.PeriodKey == "" {
		ev.PeriodKey = s.CurrentPeriod()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.now().UTC()
	}
	if err := ValidatePeriodKey(ev.PeriodKey); err != nil {
		return nil, err
	}
	if s.isClosed(ev.PeriodKey) {
		return nil, fmt.Errorf("%w: %s", errors.ErrPeriodClosed, ev.PeriodKey)
	}
	if _, ok := s.seenEvents[ev.Reference]; ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrDuplicateEvent, ev.Reference)
	}

	batch := s.ledger.NewBatch(ev.PeriodKey)
	err := s.reg.Update(func(tx *registry.Tx) error {
		if err := tx.UpdatePersonalVolume(ev.MemberID, ev.Volume); err != nil {
			return err
		}
		if err := s.advancePath(tx, ev.MemberID); err != nil {
			return err
		}
		if err := s.commissions.ForVolumeEvent(tx, batch, ev); err != nil {
			return err
		}
		change := &Change{
			Members: cloneMembers(tx.Touched()),
			Entries: batch.Entries(),
			Event:   &ev,
		}
		if err := s.store.Commit(ctx, change); err != nil {
			return errors.Wrap(err, "failed to persist volume event")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.seenEvents[ev.Reference] = struct{}{}
	s.volumes.add(ev.PeriodKey, ev.MemberID, ev.Volume)
	s.commitBatch(ctx, batch, nil)
	return batch.Entries(), nil
}

// SetStatus activates or deactivates a member. Members are never deleted.
func (s *Service) SetStatus(ctx context.Context, id uuid.UUID, status domain.MemberStatus) error {
	_, err := s.submit(ctx, "status", func(ctx context.Context) (interface{}, error) {
		return nil, s.reg.Update(func(tx *registry.Tx) error {
			if err := tx.SetStatus(id, status); err != nil {
				return err
			}
			return s.store.Commit(ctx, &Change{Members: cloneMembers(tx.Touched())})
		})
	})
	if err == nil {
		s.logger.Info("Member status changed", map[string]interface{}{
			"member_id": id,
			"status":    status,
		})
	}
	return err
}

// advancePath re-evaluates advancement for id and its placement ancestors,
// whose standing may have changed.
func (s *Service) advancePath(tx *registry.Tx, id uuid.UUID) error {
	path, err := tx.Path(id)
	if err != nil {
		return err
	}
	ids := append([]uuid.UUID{id}, path...)
	if m, err := tx.Get(id); err == nil && m.SponsorID != nil {
		ids = append(ids, *m.SponsorID)
	}

	for _, mid := range ids {
		m, err := tx.Get(mid)
		if err != nil {
			return err
		}
		left, right := volume.LegVolumes(tx, m)
		if _, gained := s.ranks.Target(m, rank.StandingOf(m, left, right)); gained == 0 {
			continue
		}
		w, err := tx.Modify(mid)
		if err != nil {
			return err
		}
		s.ranks.Advance(w, rank.StandingOf(w, left, right))
	}
	return nil
}

// commitBatch adds a persisted batch to the in-memory ledger and notifies
// publishers.
func (s *Service) commitBatch(ctx context.Context, batch *commission.Batch, summary *domain.CycleSummary) {
	if batch != nil && batch.Len() > 0 {
		if err := s.ledger.Commit(batch); err != nil {
			// the store accepted the batch, so memory is behind until restart
			s.logger.Error("Ledger out of sync with store", map[string]interface{}{
				"period": batch.PeriodKey,
				"error":  err.Error(),
			})
		}
	}
	if summary == nil && (batch == nil || batch.Len() == 0) {
		return
	}

	var entries []*domain.CommissionEntry
	if batch != nil {
		entries = batch.Entries()
	}
	for _, p := range s.publishers {
		if err := p.Publish(ctx, summary, entries); err != nil {
			s.logger.Warn("Failed to publish committed batch", map[string]interface{}{
				"entries": len(entries),
				"error":   err.Error(),
			})
		}
	}
}

func cloneMembers(ms []*domain.Member) []*domain.Member {
	out := make([]*domain.Member, len(ms))
	for i, m := range ms {
		out[i] = m.Clone()
	}
	return out
}
