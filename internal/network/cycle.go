package network

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"mlmengine/internal/domain"
	"mlmengine/internal/rank"
	"mlmengine/internal/registry"
	"mlmengine/internal/volume"
	"mlmengine/pkg/errors"
)

// RunCycle aggregates volumes, maintains and advances ranks and computes
// binary, matching and leadership commissions for periodKey. Volume booked
// to later open periods is left out. The cycle runs on a private copy of the
// tree; it is committed whole or not at all. Re-running a period only adds
// entries that do not exist yet.
func (s *Service) RunCycle(ctx context.Context, periodKey string) (*domain.CycleSummary, error) {
	if err := ValidatePeriodKey(periodKey); err != nil {
		return nil, err
	}
	v, err := s.submit(ctx, "cycle", func(ctx context.Context) (interface{}, error) {
		return s.runCycle(ctx, periodKey)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.CycleSummary), nil
}

func (s *Service) runCycle(ctx context.Context, periodKey string) (*domain.CycleSummary, error) {
	if s.isClosed(periodKey) {
		return nil, fmt.Errorf("%w: %s", errors.ErrPeriodClosed, periodKey)
	}

	summary := &domain.CycleSummary{
		PeriodKey: periodKey,
		StartedAt: s.now().UTC(),
		Totals:    make(map[domain.CommissionType]decimal.Decimal),
	}
	s.logger.Info("Payout cycle started", map[string]interface{}{
		"period":  periodKey,
		"members": s.reg.Len(),
	})

	working := s.reg.Clone()
	batch := s.ledger.NewBatch(periodKey)
	later := s.volumes.after(periodKey)

	err := working.Update(func(tx *registry.Tx) error {
		saved, err := withhold(tx, later)
		if err != nil {
			return err
		}
		if err := volume.RecomputeAllTx(tx); err != nil {
			return errors.Wrap(err, "aggregation failed")
		}
		if broken := volume.VerifyTx(tx); len(broken) > 0 {
			return fmt.Errorf("%w: %d members", errors.ErrCycleCorrupt, len(broken))
		}

		if err := s.applyRanks(tx, periodKey, summary); err != nil {
			return err
		}
		if err := s.commissions.ForCycle(tx, batch, periodKey); err != nil {
			return err
		}
		if len(saved) > 0 {
			if err := setVolumes(tx, saved); err != nil {
				return err
			}
		}

		summary.EntriesAdded = batch.Len()
		for typ, total := range batch.Totals() {
			summary.Totals[typ] = total
		}
		summary.CompletedAt = s.now().UTC()

		change := &Change{
			Members: cloneMembers(tx.Touched()),
			Entries: batch.Entries(),
			Cycle:   summary,
		}
		if err := s.store.Commit(ctx, change); err != nil {
			return errors.Wrap(err, "failed to persist cycle")
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Payout cycle aborted", map[string]interface{}{
			"period": periodKey,
			"error":  err.Error(),
		})
		return nil, err
	}

	s.reg.Replace(working)

	s.mu.Lock()
	s.lastCycle = summary
	s.mu.Unlock()

	s.commitBatch(ctx, batch, summary)
	s.metrics.ObserveCycle(summary)

	s.logger.Info("Payout cycle committed", map[string]interface{}{
		"period":   periodKey,
		"entries":  summary.EntriesAdded,
		"skipped":  batch.Skipped(),
		"advanced": summary.Advanced,
		"flagged":  summary.Flagged,
		"demoted":  summary.Demoted,
		"duration": summary.CompletedAt.Sub(summary.StartedAt).String(),
	})
	return summary, nil
}

func (s *Service) applyRanks(tx *registry.Tx, periodKey string, summary *domain.CycleSummary) error {
	return tx.ForEach(func(m *domain.Member) error {
		left, right := volume.LegVolumes(tx, m)
		standing := rank.StandingOf(m, left, right)

		w, err := tx.Modify(m.ID)
		if err != nil {
			return err
		}
		switch s.ranks.Maintain(w, standing, periodKey) {
		case rank.MaintenanceFlagged:
			summary.Flagged++
		case rank.MaintenanceDemoted:
			summary.Demoted++
		}
		if s.ranks.Advance(w, standing) > 0 {
			summary.Advanced++
		}
		return nil
	})
}

// ClosePeriod ends periodKey and every period before it. When configured,
// personal volumes are reset to what later open periods have already booked.
// Closing is final: no further volume or cycles are accepted for a closed
// period.
func (s *Service) ClosePeriod(ctx context.Context, periodKey string) error {
	if err := ValidatePeriodKey(periodKey); err != nil {
		return err
	}
	_, err := s.submit(ctx, "close", func(ctx context.Context) (interface{}, error) {
		return nil, s.closePeriod(ctx, periodKey)
	})
	return err
}

func (s *Service) closePeriod(ctx context.Context, periodKey string) error {
	if s.isClosed(periodKey) {
		return fmt.Errorf("%w: %s", errors.ErrPeriodClosed, periodKey)
	}

	carried := s.volumes.after(periodKey)
	err := s.reg.Update(func(tx *registry.Tx) error {
		if s.cfg.ResetVolumeOnClose {
			if err := tx.ResetVolumes(); err != nil {
				return err
			}
			if len(carried) > 0 {
				if err := setVolumes(tx, carried); err != nil {
					return err
				}
			}
		}
		return s.store.Commit(ctx, &Change{
			Members:      cloneMembers(tx.Touched()),
			ClosedPeriod: periodKey,
		})
	})
	if err != nil {
		return err
	}

	s.markClosed(periodKey)
	s.logger.Info("Period closed", map[string]interface{}{
		"period":         periodKey,
		"volume_reset":   s.cfg.ResetVolumeOnClose,
		"carried_volume": len(carried),
	})
	return nil
}
