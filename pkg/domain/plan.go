package domain

import "github.com/shopspring/decimal"

// MatchingLevel configures one generation of the matching bonus
type MatchingLevel struct {
	Level        int             `json:"level" yaml:"level" validate:"gte=1"`
	Percentage   decimal.Decimal `json:"percentage" yaml:"percentage" validate:"gte=0,lte=100"`
	RequiredRank int             `json:"required_rank" yaml:"required_rank" validate:"gte=0"`
}

// CommissionPlan holds plan-wide compensation parameters. Rank benefit rates
// override the defaults when non-zero. A rank binary cap can only lower
// WeeklyMaximum.
type CommissionPlan struct {
	DirectCommissionRate decimal.Decimal `json:"direct_commission_rate" yaml:"direct_commission_rate" validate:"gte=0,lte=100"`
	MinimumPV            decimal.Decimal `json:"minimum_pv" yaml:"minimum_pv" validate:"gte=0"`
	BinaryPercentage     decimal.Decimal `json:"binary_percentage" yaml:"binary_percentage" validate:"gte=0,lte=100"`
	MinimumWeeklyPV      decimal.Decimal `json:"minimum_weekly_pv" yaml:"minimum_weekly_pv" validate:"gte=0"`
	RequiredActiveLegs   int             `json:"required_active_legs" yaml:"required_active_legs" validate:"gte=0,lte=2"`
	WeeklyMaximum        decimal.Decimal `json:"weekly_maximum" yaml:"weekly_maximum" validate:"gte=0"`
	MatchingLevels       []MatchingLevel `json:"matching_levels" yaml:"matching_levels" validate:"dive"`
}

// CompensationPlan is the full static configuration of the engine, loaded
// once at startup.
type CompensationPlan struct {
	Placement         PlacementRules    `json:"placement" yaml:"placement"`
	MaintenancePolicy MaintenancePolicy `json:"maintenance_policy" yaml:"maintenance_policy" validate:"omitempty,oneof=freeze demote"`
	Commission        CommissionPlan    `json:"commission" yaml:"commission"`
	Ranks             []RankDefinition  `json:"ranks" yaml:"ranks" validate:"required,min=1,dive"`
}
