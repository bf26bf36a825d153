package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"mlmengine/pkg/domain"
	"mlmengine/pkg/errors"
	"mlmengine/pkg/validator"
)

// LoadPlan reads and validates the compensation plan YAML at path. A plan
// that fails validation must stop the process: commissions are never computed
// against a malformed ladder.
func LoadPlan(path string) (*domain.CompensationPlan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read compensation plan")
	}
	return ParsePlan(raw)
}

// ParsePlan decodes a YAML plan document, applies defaults and validates it.
func ParsePlan(raw []byte) (*domain.CompensationPlan, error) {
	var plan domain.CompensationPlan
	if err := yaml.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrPlanConfigurationInvalid, err)
	}

	applyPlanDefaults(&plan)

	if err := ValidatePlan(&plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

func applyPlanDefaults(plan *domain.CompensationPlan) {
	if plan.MaintenancePolicy == "" {
		plan.MaintenancePolicy = domain.MaintenanceFreeze
	}
	if plan.Placement.SpilloverStrategy == "" {
		plan.Placement.SpilloverStrategy = domain.SpilloverWeakLeg
	}
}

// ValidatePlan checks field ranges and the ordering constraints that struct
// tags cannot express.
func ValidatePlan(plan *domain.CompensationPlan) error {
	v := validator.New()

	if len(plan.Ranks) == 0 {
		return fmt.Errorf("%w: ladder is empty", errors.ErrRankConfigurationInvalid)
	}
	for i := range plan.Ranks {
		if err := v.Validate(&plan.Ranks[i]); err != nil {
			return fmt.Errorf("%w: rank %d: %v", errors.ErrRankConfigurationInvalid, plan.Ranks[i].Level, err)
		}
		if i > 0 && plan.Ranks[i].Level <= plan.Ranks[i-1].Level {
			return fmt.Errorf("%w: levels must be strictly increasing (%d after %d)",
				errors.ErrRankConfigurationInvalid, plan.Ranks[i].Level, plan.Ranks[i-1].Level)
		}
	}

	if err := v.Validate(&plan.Placement); err != nil {
		return fmt.Errorf("%w: placement: %v", errors.ErrPlanConfigurationInvalid, err)
	}
	// rates and matching percentages share the ladder's [0,100] bounds
	if err := v.Validate(&plan.Commission); err != nil {
		return fmt.Errorf("%w: commission: %v", errors.ErrRankConfigurationInvalid, err)
	}
	switch plan.MaintenancePolicy {
	case domain.MaintenanceFreeze, domain.MaintenanceDemote:
	default:
		return fmt.Errorf("%w: unknown maintenance policy %q", errors.ErrPlanConfigurationInvalid, plan.MaintenancePolicy)
	}

	for i, lvl := range plan.Commission.MatchingLevels {
		if lvl.Level != i+1 {
			return fmt.Errorf("%w: matching levels must be numbered 1..n in order", errors.ErrPlanConfigurationInvalid)
		}
	}

	return nil
}
