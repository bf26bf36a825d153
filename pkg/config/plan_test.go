package config

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mlmengine/pkg/domain"
	"mlmengine/pkg/errors"
)

const basePlan = `
commission:
  direct_commission_rate: 10
  binary_percentage: 10
  weekly_maximum: 5000
  matching_levels:
    - level: 1
      percentage: 10
      required_rank: 1
    - level: 2
      percentage: 5
      required_rank: 1
ranks:
  - level: 0
    name: Member
  - level: 1
    name: Bronze
    requirements:
      personal_volume: 100
    benefits:
      direct_commission_rate: 12
      matching_bonus_levels: 2
`

func TestLoadPlan_ShippedPlan(t *testing.T) {
	plan, err := LoadPlan("../../config/plan.yaml")
	require.NoError(t, err)

	assert.Equal(t, domain.MaintenanceFreeze, plan.MaintenancePolicy)
	assert.Equal(t, domain.SpilloverWeakLeg, plan.Placement.SpilloverStrategy)
	assert.True(t, plan.Commission.WeeklyMaximum.Equal(decimal.NewFromInt(5000)))
	assert.Len(t, plan.Commission.MatchingLevels, 3)

	require.Len(t, plan.Ranks, 5)
	assert.Equal(t, "Member", plan.Ranks[0].Name)
	assert.Equal(t, "Diamond", plan.Ranks[4].Name)
	assert.True(t, plan.Ranks[4].Benefits.DirectCommissionRate.Equal(decimal.NewFromInt(20)))
}

func TestLoadPlan_MissingFile(t *testing.T) {
	_, err := LoadPlan("does-not-exist.yaml")
	assert.Error(t, err)
}

func TestParsePlan_Defaults(t *testing.T) {
	plan, err := ParsePlan([]byte(basePlan))
	require.NoError(t, err)

	assert.Equal(t, domain.MaintenanceFreeze, plan.MaintenancePolicy)
	assert.Equal(t, domain.SpilloverWeakLeg, plan.Placement.SpilloverStrategy)
	assert.True(t, plan.Ranks[1].Requirements.PersonalVolume.Equal(decimal.NewFromInt(100)))
	assert.True(t, plan.Commission.MatchingLevels[1].Percentage.Equal(decimal.NewFromInt(5)))
}

func TestParsePlan_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		from    string
		to      string
		wantErr error
	}{
		{
			name:    "binary percentage above 100",
			from:    "binary_percentage: 10",
			to:      "binary_percentage: 101",
			wantErr: errors.ErrRankConfigurationInvalid,
		},
		{
			name:    "negative direct rate",
			from:    "direct_commission_rate: 10\n  binary",
			to:      "direct_commission_rate: -1\n  binary",
			wantErr: errors.ErrRankConfigurationInvalid,
		},
		{
			name:    "matching percentage above 100",
			from:    "percentage: 5",
			to:      "percentage: 150",
			wantErr: errors.ErrRankConfigurationInvalid,
		},
		{
			name:    "rank benefit above 100",
			from:    "direct_commission_rate: 12",
			to:      "direct_commission_rate: 120",
			wantErr: errors.ErrRankConfigurationInvalid,
		},
		{
			name:    "levels not increasing",
			from:    "  - level: 1\n    name: Bronze",
			to:      "  - level: 0\n    name: Bronze",
			wantErr: errors.ErrRankConfigurationInvalid,
		},
		{
			name:    "matching levels out of order",
			from:    "    - level: 2",
			to:      "    - level: 3",
			wantErr: errors.ErrPlanConfigurationInvalid,
		},
		{
			name:    "unknown maintenance policy",
			from:    "commission:",
			to:      "maintenance_policy: forgive\ncommission:",
			wantErr: errors.ErrPlanConfigurationInvalid,
		},
		{
			name:    "unknown spillover strategy",
			from:    "commission:",
			to:      "placement:\n  spillover_strategy: random\ncommission:",
			wantErr: errors.ErrPlanConfigurationInvalid,
		},
		{
			name:    "malformed yaml",
			from:    "ranks:",
			to:      "ranks: [",
			wantErr: errors.ErrPlanConfigurationInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Contains(t, basePlan, tt.from)
			raw := strings.Replace(basePlan, tt.from, tt.to, 1)

			_, err := ParsePlan([]byte(raw))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidatePlan_EmptyLadder(t *testing.T) {
	err := ValidatePlan(&domain.CompensationPlan{
		MaintenancePolicy: domain.MaintenanceFreeze,
		Placement:         domain.PlacementRules{SpilloverStrategy: domain.SpilloverWeakLeg},
	})
	assert.ErrorIs(t, err, errors.ErrRankConfigurationInvalid)
}
