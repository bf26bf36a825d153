// Package dashboard builds read-only projections of the committed network
// state for member and admin views.
package dashboard

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mlmengine/internal/commission"
	"mlmengine/internal/domain"
	"mlmengine/internal/rank"
	"mlmengine/internal/registry"
	"mlmengine/internal/volume"
	"mlmengine/pkg/cache"
	"mlmengine/pkg/logger"
)

const (
	DefaultTreeDepth = 3
	MaxTreeDepth     = 10

	defaultPageSize = 50
	maxPageSize     = 500
)

// Source is the committed engine state the projections read from.
type Source interface {
	Registry() *registry.Registry
	Ledger() *commission.Ledger
	Ranks() *rank.Engine
	LastCycle() *domain.CycleSummary
	CurrentPeriod() string
}

// Cache stores ledger projections between commits.
type Cache interface {
	Get(ctx context.Context, name string, dest interface{}) error
	Set(ctx context.Context, name string, value interface{}, expiration time.Duration) error
	Invalidate(ctx context.Context) error
}

type MemberView struct {
	Member          *domain.Member  `json:"member"`
	RankName        string          `json:"rank_name"`
	LeftLegVolume   decimal.Decimal `json:"left_leg_volume"`
	RightLegVolume  decimal.Decimal `json:"right_leg_volume"`
	WeakerLegVolume decimal.Decimal `json:"weaker_leg_volume"`
	Referrals       []uuid.UUID     `json:"referrals"`
}

type TreeNode struct {
	ID             uuid.UUID           `json:"id"`
	Name           string              `json:"name"`
	Rank           int                 `json:"rank"`
	Status         domain.MemberStatus `json:"status"`
	PersonalVolume decimal.Decimal     `json:"personal_volume"`
	GroupVolume    decimal.Decimal     `json:"group_volume"`
	Left           *TreeNode           `json:"left,omitempty"`
	Right          *TreeNode           `json:"right,omitempty"`
	// Truncated marks a node whose children lie below the requested depth.
	Truncated bool `json:"truncated,omitempty"`
}

type CommissionPage struct {
	MemberID uuid.UUID                                 `json:"member_id"`
	Entries  []*domain.CommissionEntry                 `json:"entries"`
	Totals   map[domain.CommissionType]decimal.Decimal `json:"totals"`
	Limit    int                                       `json:"limit"`
	Offset   int                                       `json:"offset"`
}

type LedgerReport struct {
	PeriodKey string                                    `json:"period_key"`
	Entries   []*domain.CommissionEntry                 `json:"entries"`
	Totals    map[domain.CommissionType]decimal.Decimal `json:"totals"`
	Count     int                                       `json:"count"`
}

type Service struct {
	source Source
	cache  Cache
	ttl    time.Duration
	logger logger.Logger
}

// NewService creates the projection service. A nil cache disables caching.
func NewService(source Source, c Cache, ttl time.Duration, log logger.Logger) *Service {
	return &Service{
		source: source,
		cache:  c,
		ttl:    ttl,
		logger: log,
	}
}

// Member returns the member with its leg volumes and referrals.
func (s *Service) Member(ctx context.Context, id uuid.UUID) (*MemberView, error) {
	var view *MemberView
	err := s.source.Registry().View(func(tx *registry.Tx) error {
		m, err := tx.Get(id)
		if err != nil {
			return err
		}
		left, right := volume.LegVolumes(tx, m)
		view = &MemberView{
			Member:          m.Clone(),
			RankName:        s.source.Ranks().Ladder().Resolve(m.Rank).Name,
			LeftLegVolume:   left,
			RightLegVolume:  right,
			WeakerLegVolume: decimal.Min(left, right),
			Referrals:       tx.Referrals(id),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// Progress reports the member's standing against the next rank.
func (s *Service) Progress(ctx context.Context, id uuid.UUID) (*domain.RankProgress, error) {
	var progress domain.RankProgress
	err := s.source.Registry().View(func(tx *registry.Tx) error {
		m, err := tx.Get(id)
		if err != nil {
			return err
		}
		left, right := volume.LegVolumes(tx, m)
		progress = s.source.Ranks().Progress(m, rank.StandingOf(m, left, right))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &progress, nil
}

// Tree returns the placement subtree under id, depth levels deep. Depth is
// clamped to [1, MaxTreeDepth].
func (s *Service) Tree(ctx context.Context, id uuid.UUID, depth int) (*TreeNode, error) {
	if depth <= 0 {
		depth = DefaultTreeDepth
	}
	if depth > MaxTreeDepth {
		depth = MaxTreeDepth
	}

	var root *TreeNode
	err := s.source.Registry().View(func(tx *registry.Tx) error {
		var err error
		root, err = buildNode(tx, id, depth)
		return err
	})
	if err != nil {
		return nil, err
	}
	return root, nil
}

func buildNode(tx *registry.Tx, id uuid.UUID, depth int) (*TreeNode, error) {
	m, err := tx.Get(id)
	if err != nil {
		return nil, err
	}
	node := &TreeNode{
		ID:             m.ID,
		Name:           m.Name,
		Rank:           m.Rank,
		Status:         m.Status,
		PersonalVolume: m.PersonalVolume,
		GroupVolume:    m.GroupVolume,
	}
	hasChildren := m.LeftChildID != nil || m.RightChildID != nil
	if depth <= 1 {
		node.Truncated = hasChildren
		return node, nil
	}
	if m.LeftChildID != nil {
		if node.Left, err = buildNode(tx, *m.LeftChildID, depth-1); err != nil {
			return nil, err
		}
	}
	if m.RightChildID != nil {
		if node.Right, err = buildNode(tx, *m.RightChildID, depth-1); err != nil {
			return nil, err
		}
	}
	return node, nil
}

// Commissions pages through the entries earned by id, newest first.
func (s *Service) Commissions(ctx context.Context, id uuid.UUID, limit, offset int) (*CommissionPage, error) {
	if _, err := s.source.Registry().Get(id); err != nil {
		return nil, err
	}
	limit, offset = page(limit, offset)

	name := "commissions:" + id.String() + ":" + strconv.Itoa(limit) + ":" + strconv.Itoa(offset)
	var cached CommissionPage
	if s.lookup(ctx, name, &cached) {
		return &cached, nil
	}

	f := commission.Filter{RecipientID: &id, Limit: limit, Offset: offset}
	p := &CommissionPage{
		MemberID: id,
		Entries:  s.source.Ledger().List(f),
		Totals:   s.source.Ledger().Totals(f),
		Limit:    limit,
		Offset:   offset,
	}
	s.store(ctx, name, p)
	return p, nil
}

// Ledger returns every entry of a period. An empty key means the current
// period.
func (s *Service) Ledger(ctx context.Context, periodKey string) (*LedgerReport, error) {
	if periodKey == "" {
		periodKey = s.source.CurrentPeriod()
	}

	name := "ledger:" + periodKey
	var cached LedgerReport
	if s.lookup(ctx, name, &cached) {
		return &cached, nil
	}

	f := commission.Filter{PeriodKey: periodKey}
	entries := s.source.Ledger().List(f)
	report := &LedgerReport{
		PeriodKey: periodKey,
		Entries:   entries,
		Totals:    s.source.Ledger().Totals(f),
		Count:     len(entries),
	}
	s.store(ctx, name, report)
	return report, nil
}

// LastCycle returns the most recent committed cycle, or nil.
func (s *Service) LastCycle() *domain.CycleSummary {
	return s.source.LastCycle()
}

// Publish drops cached ledger projections after every committed batch.
func (s *Service) Publish(ctx context.Context, summary *domain.CycleSummary, entries []*domain.CommissionEntry) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Invalidate(ctx)
}

func (s *Service) lookup(ctx context.Context, name string, dest interface{}) bool {
	if s.cache == nil {
		return false
	}
	err := s.cache.Get(ctx, name, dest)
	if err == nil {
		return true
	}
	if err != cache.ErrMiss {
		s.logger.Warn("Projection cache read failed", map[string]interface{}{
			"key":   name,
			"error": err.Error(),
		})
	}
	return false
}

func (s *Service) store(ctx context.Context, name string, value interface{}) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, name, value, s.ttl); err != nil {
		s.logger.Warn("Projection cache write failed", map[string]interface{}{
			"key":   name,
			"error": err.Error(),
		})
	}
}

func page(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
