// Package rank moves members through the rank ladder.
package rank

import (
	"github.com/shopspring/decimal"

	"mlmengine/internal/domain"
	"mlmengine/pkg/logger"
)

var hundred = decimal.NewFromInt(100)

// Standing is the set of measurements rank requirements are checked against.
type Standing struct {
	PersonalVolume  decimal.Decimal
	GroupVolume     decimal.Decimal
	DirectReferrals int
	WeakerLegVolume decimal.Decimal
}

// StandingOf builds a Standing from a member and its leg volumes.
func StandingOf(m *domain.Member, left, right decimal.Decimal) Standing {
	return Standing{
		PersonalVolume:  m.PersonalVolume,
		GroupVolume:     m.GroupVolume,
		DirectReferrals: m.DirectReferralCount,
		WeakerLegVolume: decimal.Min(left, right),
	}
}

// Meets reports whether s satisfies every requirement.
func Meets(req domain.RankRequirements, s Standing) bool {
	return s.PersonalVolume.GreaterThanOrEqual(req.PersonalVolume) &&
		s.GroupVolume.GreaterThanOrEqual(req.GroupVolume) &&
		s.DirectReferrals >= req.DirectReferrals &&
		s.WeakerLegVolume.GreaterThanOrEqual(req.MinimumWeakerLegVolume)
}

// MaintenanceOutcome is the result of a maintenance check.
type MaintenanceOutcome string

const (
	MaintenanceSkipped MaintenanceOutcome = "skipped"
	MaintenanceKept    MaintenanceOutcome = "kept"
	MaintenanceFlagged MaintenanceOutcome = "flagged"
	MaintenanceDemoted MaintenanceOutcome = "demoted"
)

type Engine struct {
	ladder *Ladder
	policy domain.MaintenancePolicy
	logger logger.Logger
}

func NewEngine(ladder *Ladder, policy domain.MaintenancePolicy, log logger.Logger) *Engine {
	if policy == "" {
		policy = domain.MaintenanceFreeze
	}
	return &Engine{ladder: ladder, policy: policy, logger: log}
}

func (e *Engine) Ladder() *Ladder {
	return e.ladder
}

func (e *Engine) Policy() domain.MaintenancePolicy {
	return e.policy
}

// Advance promotes m one level at a time while the next level's requirements
// are met, and returns the number of levels gained.
func (e *Engine) Advance(m *domain.Member, s Standing) int {
	target, gained := e.Target(m, s)
	if gained > 0 {
		from := m.Rank
		m.Rank = target
		m.RankReviewFlag = false
		e.logger.Info("Member advanced", map[string]interface{}{
			"member_id": m.ID,
			"from_rank": from,
			"to_rank":   m.Rank,
		})
	}
	return gained
}

// Target returns the level m would reach by advancing without changing m.
func (e *Engine) Target(m *domain.Member, s Standing) (level, gained int) {
	current := e.ladder.Resolve(m.Rank)
	for {
		next, ok := e.ladder.Next(current.Level)
		if !ok || !Meets(next.Requirements, s) {
			break
		}
		current = next
		gained++
	}
	return current.Level, gained
}

// Maintain re-checks m against its own rank's requirements for periodKey. A
// second call for the same period is a no-op.
func (e *Engine) Maintain(m *domain.Member, s Standing, periodKey string) MaintenanceOutcome {
	if periodKey != "" && m.LastMaintainedPeriod == periodKey {
		return MaintenanceSkipped
	}
	m.LastMaintainedPeriod = periodKey

	current := e.ladder.Resolve(m.Rank)
	if Meets(current.Requirements, s) {
		m.Rank = current.Level
		m.MaintenanceStreak++
		m.RankReviewFlag = false
		return MaintenanceKept
	}

	m.MaintenanceStreak = 0

	if e.policy != domain.MaintenanceDemote {
		m.RankReviewFlag = true
		e.logger.Warn("Rank maintenance failed, rank frozen for review", map[string]interface{}{
			"member_id": m.ID,
			"rank":      m.Rank,
			"period":    periodKey,
		})
		return MaintenanceFlagged
	}

	from := m.Rank
	for !Meets(current.Requirements, s) {
		prev, ok := e.ladder.Prev(current.Level)
		if !ok {
			break
		}
		current = prev
	}
	m.Rank = current.Level
	m.RankReviewFlag = !Meets(current.Requirements, s)

	if m.Rank == from {
		return MaintenanceFlagged
	}
	e.logger.Warn("Member demoted", map[string]interface{}{
		"member_id": m.ID,
		"from_rank": from,
		"to_rank":   m.Rank,
		"period":    periodKey,
	})
	return MaintenanceDemoted
}

// Progress reports how far m is towards the next rank. At the terminal rank
// every requirement reads 100.
func (e *Engine) Progress(m *domain.Member, s Standing) domain.RankProgress {
	current := e.ladder.Resolve(m.Rank)
	p := domain.RankProgress{
		MemberID:          m.ID,
		CurrentRank:       current.Level,
		CurrentRankName:   current.Name,
		MaintenanceStreak: m.MaintenanceStreak,
		RankReviewFlag:    m.RankReviewFlag,
	}

	next, ok := e.ladder.Next(current.Level)
	if !ok {
		p.RequirementProgress = map[string]decimal.Decimal{
			domain.RequirementPersonalVolume:  hundred,
			domain.RequirementGroupVolume:     hundred,
			domain.RequirementDirectReferrals: hundred,
			domain.RequirementWeakerLegVolume: hundred,
		}
		return p
	}

	level := next.Level
	p.NextRank = &level
	p.NextRankName = next.Name
	req := next.Requirements
	p.RequirementProgress = map[string]decimal.Decimal{
		domain.RequirementPersonalVolume:  percent(s.PersonalVolume, req.PersonalVolume),
		domain.RequirementGroupVolume:     percent(s.GroupVolume, req.GroupVolume),
		domain.RequirementDirectReferrals: percent(decimal.NewFromInt(int64(s.DirectReferrals)), decimal.NewFromInt(int64(req.DirectReferrals))),
		domain.RequirementWeakerLegVolume: percent(s.WeakerLegVolume, req.MinimumWeakerLegVolume),
	}
	return p
}

// percent is current/required*100, unbounded above. A zero requirement is
// already met.
func percent(current, required decimal.Decimal) decimal.Decimal {
	if !required.IsPositive() {
		return hundred
	}
	return current.Mul(hundred).Div(required).Round(2)
}
