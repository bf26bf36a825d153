// Package commission computes direct, binary, matching and leadership
// commissions against a consistent view of the tree.
package commission

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mlmengine/internal/domain"
	"mlmengine/internal/rank"
	"mlmengine/internal/registry"
	"mlmengine/internal/volume"
	"mlmengine/pkg/logger"
)

var hundred = decimal.NewFromInt(100)

type Engine struct {
	plan   domain.CommissionPlan
	ladder *rank.Ladder
	logger logger.Logger
	now    func() time.Time
}

func NewEngine(plan domain.CommissionPlan, ladder *rank.Ladder, log logger.Logger) *Engine {
	return &Engine{
		plan:   plan,
		ladder: ladder,
		logger: log,
		now:    time.Now,
	}
}

// Plan returns the plan-wide parameters.
func (e *Engine) Plan() domain.CommissionPlan {
	return e.plan
}

// amount applies a percentage, clamps at zero and rounds to cents.
func amount(base, pct decimal.Decimal) decimal.Decimal {
	v := base.Mul(pct).Div(hundred)
	if v.IsNegative() {
		return decimal.Zero
	}
	return v.Round(2)
}

func orDefault(v, fallback decimal.Decimal) decimal.Decimal {
	if v.IsPositive() {
		return v
	}
	return fallback
}

// binaryLimit is the smaller of the positive caps. Zero means uncapped.
func binaryLimit(planCap, rankCap decimal.Decimal) decimal.Decimal {
	switch {
	case !planCap.IsPositive():
		return rankCap
	case rankCap.IsPositive() && rankCap.LessThan(planCap):
		return rankCap
	default:
		return planCap
	}
}

func (e *Engine) entry(recipient, source uuid.UUID, typ domain.CommissionType, amt, sourceVolume, pct decimal.Decimal, periodKey string) *domain.CommissionEntry {
	return &domain.CommissionEntry{
		ID:                uuid.New(),
		RecipientID:       recipient,
		Type:              typ,
		Amount:            amt,
		Status:            domain.CommissionStatusPending,
		SourceMemberID:    source,
		SourceVolume:      sourceVolume,
		AppliedPercentage: pct,
		PeriodKey:         periodKey,
		CreatedAt:         e.now().UTC(),
	}
}

// Direct pays the sponsor of the member that generated volume. It returns
// nil when no entry is due.
func (e *Engine) Direct(tx *registry.Tx, source *domain.Member, sourceVolume decimal.Decimal, periodKey string) *domain.CommissionEntry {
	if source.SponsorID == nil || sourceVolume.LessThan(e.plan.MinimumPV) {
		return nil
	}
	sponsor, err := tx.Get(*source.SponsorID)
	if err != nil || !sponsor.IsActive() {
		return nil
	}

	rate := orDefault(e.ladder.Benefits(sponsor.Rank).DirectCommissionRate, e.plan.DirectCommissionRate)
	amt := amount(sourceVolume, rate)
	if !amt.IsPositive() {
		return nil
	}
	return e.entry(sponsor.ID, source.ID, domain.CommissionTypeDirect, amt, sourceVolume, rate, periodKey)
}

// BinaryQualified reports whether m may earn on leg balance: both legs carry
// at least the weekly minimum and enough placement children are active.
func (e *Engine) BinaryQualified(tx *registry.Tx, m *domain.Member) bool {
	if !m.IsActive() {
		return false
	}
	left, right := volume.LegVolumes(tx, m)
	if left.LessThan(e.plan.MinimumWeeklyPV) || right.LessThan(e.plan.MinimumWeeklyPV) {
		return false
	}
	return activeLegs(tx, m) >= e.plan.RequiredActiveLegs
}

func activeLegs(tx *registry.Tx, m *domain.Member) int {
	n := 0
	for _, id := range []*uuid.UUID{m.LeftChildID, m.RightChildID} {
		if id == nil {
			continue
		}
		if c, err := tx.Get(*id); err == nil && c.IsActive() {
			n++
		}
	}
	return n
}

// Binary pays m a percentage of its weaker leg, capped per period.
func (e *Engine) Binary(tx *registry.Tx, m *domain.Member, periodKey string) *domain.CommissionEntry {
	if !e.BinaryQualified(tx, m) {
		return nil
	}
	left, right := volume.LegVolumes(tx, m)
	weaker := decimal.Min(left, right)

	benefits := e.ladder.Benefits(m.Rank)
	pct := orDefault(benefits.BinaryMatchingRate, e.plan.BinaryPercentage)
	limit := binaryLimit(e.plan.WeeklyMaximum, benefits.MaxWeeklyBinaryEarnings)

	amt := amount(weaker, pct)
	capped := false
	if limit.IsPositive() && amt.GreaterThan(limit) {
		amt = limit
		capped = true
	}
	if !amt.IsPositive() {
		return nil
	}

	ent := e.entry(m.ID, m.ID, domain.CommissionTypeBinary, amt, weaker, pct, periodKey)
	ent.Metadata = domain.Metadata{
		"left_volume":  left.String(),
		"right_volume": right.String(),
		"capped":       capped,
	}
	return ent
}

// Matching walks the sponsor chain above the earner of base and pays each
// qualifying upline a share of base's amount. The walk stops at the first
// upline that is missing, inactive, beyond its rank's matching depth, beyond
// the plan's levels or below the level's required rank.
func (e *Engine) Matching(tx *registry.Tx, base *domain.CommissionEntry) []*domain.CommissionEntry {
	if base.Type != domain.CommissionTypeDirect && base.Type != domain.CommissionTypeBinary {
		return nil
	}
	earner, err := tx.Get(base.RecipientID)
	if err != nil {
		return nil
	}

	var out []*domain.CommissionEntry
	current := earner
	for i, lvl := range e.plan.MatchingLevels {
		level := i + 1
		if current.SponsorID == nil {
			break
		}
		upline, err := tx.Get(*current.SponsorID)
		if err != nil || !upline.IsActive() {
			break
		}
		if level > e.ladder.Benefits(upline.Rank).MatchingBonusLevels || upline.Rank < lvl.RequiredRank {
			break
		}

		if amt := amount(base.Amount, lvl.Percentage); amt.IsPositive() {
			ent := e.entry(upline.ID, earner.ID, domain.CommissionTypeMatching, amt, base.Amount, lvl.Percentage, base.PeriodKey)
			ml := level
			ent.MatchingLevel = &ml
			ent.Metadata = domain.Metadata{
				"base_entry_id": base.ID.String(),
				"base_type":     string(base.Type),
			}
			out = append(out, ent)
		}
		current = upline
	}
	return out
}

// Leadership pays the flat bonus of m's current rank when the rank's group
// volume and referral thresholds hold right now.
func (e *Engine) Leadership(tx *registry.Tx, m *domain.Member, periodKey string) *domain.CommissionEntry {
	if !m.IsActive() {
		return nil
	}
	def := e.ladder.Resolve(m.Rank)
	bonus := def.Benefits.LeadershipBonusAmount
	if !bonus.IsPositive() {
		return nil
	}
	if m.GroupVolume.LessThan(def.Requirements.GroupVolume) || m.DirectReferralCount < def.Requirements.DirectReferrals {
		return nil
	}
	ent := e.entry(m.ID, m.ID, domain.CommissionTypeLeadership, bonus.Round(2), m.GroupVolume, decimal.Zero, periodKey)
	ent.Metadata = domain.Metadata{"rank": def.Name}
	return ent
}

// ForVolumeEvent stages the direct commission for ev and the matching bonuses
// on top of it.
func (e *Engine) ForVolumeEvent(tx *registry.Tx, batch *Batch, ev domain.VolumeEvent) error {
	source, err := tx.Get(ev.MemberID)
	if err != nil {
		return err
	}
	direct := e.Direct(tx, source, ev.Volume, EventPeriodKey(ev.PeriodKey, ev.Reference))
	if direct == nil {
		return nil
	}
	return e.stageWithMatching(tx, batch, direct)
}

// ForCycle stages binary, matching and leadership entries for every member.
func (e *Engine) ForCycle(tx *registry.Tx, batch *Batch, periodKey string) error {
	return tx.ForEach(func(m *domain.Member) error {
		if b := e.Binary(tx, m, periodKey); b != nil {
			if err := e.stageWithMatching(tx, batch, b); err != nil {
				return err
			}
		}
		if l := e.Leadership(tx, m, periodKey); l != nil {
			if _, err := batch.Add(l); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *Engine) stageWithMatching(tx *registry.Tx, batch *Batch, base *domain.CommissionEntry) error {
	added, err := batch.Add(base)
	if err != nil || !added {
		return err
	}
	for _, m := range e.Matching(tx, base) {
		if _, err := batch.Add(m); err != nil {
			return err
		}
	}
	return nil
}
