package network

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mlmengine/internal/registry"
	"mlmengine/internal/volume"
)

// periodVolumes is the personal volume each open period credited to each
// member. Keys of one layout sort chronologically.
type periodVolumes map[string]map[uuid.UUID]decimal.Decimal

func (p periodVolumes) add(period string, id uuid.UUID, v decimal.Decimal) {
	if !v.IsPositive() {
		return
	}
	byMember, ok := p[period]
	if !ok {
		byMember = make(map[uuid.UUID]decimal.Decimal)
		p[period] = byMember
	}
	byMember[id] = byMember[id].Add(v)
}

// after sums per member the volume of open periods later than period.
func (p periodVolumes) after(period string) map[uuid.UUID]decimal.Decimal {
	out := make(map[uuid.UUID]decimal.Decimal)
	for key, byMember := range p {
		if key <= period {
			continue
		}
		for id, v := range byMember {
			out[id] = out[id].Add(v)
		}
	}
	return out
}

// drop forgets period and every period before it.
func (p periodVolumes) drop(period string) {
	for key := range p {
		if key <= period {
			delete(p, key)
		}
	}
}

// withhold takes later-period volume out of personal volumes and returns the
// values it replaced. Group volumes are stale until the caller recomputes.
func withhold(tx *registry.Tx, later map[uuid.UUID]decimal.Decimal) (map[uuid.UUID]decimal.Decimal, error) {
	saved := make(map[uuid.UUID]decimal.Decimal, len(later))
	for id, v := range later {
		m, err := tx.Get(id)
		if err != nil {
			return nil, err
		}
		saved[id] = m.PersonalVolume
		if err := tx.SetPersonalVolume(id, decimal.Max(m.PersonalVolume.Sub(v), decimal.Zero)); err != nil {
			return nil, err
		}
	}
	return saved, nil
}

// setVolumes writes personal volumes and recomputes every group volume.
func setVolumes(tx *registry.Tx, pv map[uuid.UUID]decimal.Decimal) error {
	for id, v := range pv {
		if err := tx.SetPersonalVolume(id, v); err != nil {
			return err
		}
	}
	return volume.RecomputeAllTx(tx)
}
