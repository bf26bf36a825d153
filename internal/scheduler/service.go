package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mlmengine/internal/domain"
	"mlmengine/internal/network"
	"mlmengine/pkg/errors"
	"mlmengine/pkg/logger"
)

// PayoutService runs and closes payout periods.
type PayoutService interface {
	RunCycle(ctx context.Context, periodKey string) (*domain.CycleSummary, error)
	ClosePeriod(ctx context.Context, periodKey string) error
}

// Scheduler runs the payout cycle for the period that just ended and then
// closes it, on a cron schedule evaluated in UTC.
type Scheduler struct {
	cron     *cron.Cron
	network  PayoutService
	schedule string
	layout   string
	timeout  time.Duration
	now      func() time.Time
	logger   logger.Logger

	mu      sync.Mutex
	running bool
}

func NewScheduler(svc PayoutService, schedule, layout string, log logger.Logger) (*Scheduler, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid payout schedule %q: %w", schedule, err)
	}
	return &Scheduler{
		cron:     cron.New(cron.WithLocation(time.UTC)),
		network:  svc,
		schedule: schedule,
		layout:   layout,
		timeout:  10 * time.Minute,
		now:      time.Now,
		logger:   log,
	}, nil
}

func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.RunPayout(ctx); err != nil {
			s.logger.Error("Scheduled payout failed", map[string]interface{}{"error": err.Error()})
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule payout: %w", err)
	}
	s.cron.Start()
	s.logger.Info("Payout scheduler started", map[string]interface{}{
		"schedule": s.schedule,
		"period":   s.layout,
	})
	return nil
}

// Stop halts the schedule. The returned context is done once a running
// payout finishes.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// RunPayout runs the cycle for the previous period and closes it. A period
// that is already closed counts as done. Overlapping calls are skipped.
func (s *Scheduler) RunPayout(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("Payout already running, skipping", nil)
		return nil
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	period := network.PreviousPeriodKey(s.now(), s.layout)
	fields := map[string]interface{}{"period": period}

	summary, err := s.network.RunCycle(ctx, period)
	if errors.Is(err, errors.ErrPeriodClosed) {
		s.logger.Info("Payout period already closed", fields)
		return nil
	}
	if err != nil {
		return fmt.Errorf("payout cycle for %s: %w", period, err)
	}
	fields["entries_added"] = summary.EntriesAdded

	if err := s.network.ClosePeriod(ctx, period); err != nil && !errors.Is(err, errors.ErrPeriodClosed) {
		return fmt.Errorf("closing %s: %w", period, err)
	}

	s.logger.Info("Payout period settled", fields)
	return nil
}
