package rank

import (
	"fmt"
	"sort"

	"mlmengine/internal/domain"
	"mlmengine/pkg/errors"
	"mlmengine/pkg/validator"
)

// Ladder is the ordered, immutable list of rank definitions.
type Ladder struct {
	defs  []domain.RankDefinition
	index map[int]int
}

// NewLadder validates defs and builds a ladder. Levels must be unique and
// strictly increasing in the order given; percentages must lie in [0,100].
func NewLadder(defs []domain.RankDefinition) (*Ladder, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: ladder is empty", errors.ErrRankConfigurationInvalid)
	}

	v := validator.New()
	l := &Ladder{
		defs:  make([]domain.RankDefinition, len(defs)),
		index: make(map[int]int, len(defs)),
	}
	for i, def := range defs {
		if err := v.Validate(&def); err != nil {
			return nil, fmt.Errorf("%w: rank %q: %v", errors.ErrRankConfigurationInvalid, def.Name, err)
		}
		if i > 0 && def.Level <= defs[i-1].Level {
			return nil, fmt.Errorf("%w: level %d follows %d", errors.ErrRankConfigurationInvalid, def.Level, defs[i-1].Level)
		}
		l.defs[i] = def
		l.index[def.Level] = i
	}
	return l, nil
}

// Base returns the lowest rank.
func (l *Ladder) Base() domain.RankDefinition {
	return l.defs[0]
}

// Top returns the terminal rank.
func (l *Ladder) Top() domain.RankDefinition {
	return l.defs[len(l.defs)-1]
}

// Get returns the definition for an exact level.
func (l *Ladder) Get(level int) (domain.RankDefinition, bool) {
	i, ok := l.index[level]
	if !ok {
		return domain.RankDefinition{}, false
	}
	return l.defs[i], true
}

// Resolve returns the highest definition at or below level, or the base rank
// when level is below the ladder.
func (l *Ladder) Resolve(level int) domain.RankDefinition {
	i := sort.Search(len(l.defs), func(i int) bool { return l.defs[i].Level > level })
	if i == 0 {
		return l.defs[0]
	}
	return l.defs[i-1]
}

// Next returns the rank directly above level.
func (l *Ladder) Next(level int) (domain.RankDefinition, bool) {
	i := sort.Search(len(l.defs), func(i int) bool { return l.defs[i].Level > level })
	if i == len(l.defs) {
		return domain.RankDefinition{}, false
	}
	return l.defs[i], true
}

// Prev returns the rank directly below level.
func (l *Ladder) Prev(level int) (domain.RankDefinition, bool) {
	i := sort.Search(len(l.defs), func(i int) bool { return l.defs[i].Level >= level })
	if i == 0 {
		return domain.RankDefinition{}, false
	}
	return l.defs[i-1], true
}

// Definitions returns a copy of the ladder in ascending order.
func (l *Ladder) Definitions() []domain.RankDefinition {
	return append([]domain.RankDefinition(nil), l.defs...)
}

// Benefits returns the benefits of the rank a member holds.
func (l *Ladder) Benefits(level int) domain.RankBenefits {
	return l.Resolve(level).Benefits
}
