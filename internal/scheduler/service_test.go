package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"mlmengine/internal/domain"
	"mlmengine/internal/network"
	"mlmengine/pkg/errors"
	"mlmengine/pkg/logger"
)

type MockPayout struct {
	mock.Mock
}

func (m *MockPayout) RunCycle(ctx context.Context, periodKey string) (*domain.CycleSummary, error) {
	args := m.Called(ctx, periodKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CycleSummary), args.Error(1)
}

func (m *MockPayout) ClosePeriod(ctx context.Context, periodKey string) error {
	return m.Called(ctx, periodKey).Error(0)
}

func newTestScheduler(t *testing.T, svc PayoutService, layout string) *Scheduler {
	t.Helper()
	s, err := NewScheduler(svc, "5 0 * * 1", layout, logger.NewNop())
	require.NoError(t, err)
	// Monday of ISO week 8
	s.now = func() time.Time { return time.Date(2026, 2, 16, 0, 5, 0, 0, time.UTC) }
	return s
}

func TestNewScheduler_InvalidSchedule(t *testing.T) {
	_, err := NewScheduler(new(MockPayout), "every monday", network.PeriodWeek, logger.NewNop())
	assert.Error(t, err)
}

func TestRunPayout(t *testing.T) {
	ctx := context.Background()

	t.Run("runs then closes the previous week", func(t *testing.T) {
		svc := new(MockPayout)
		svc.On("RunCycle", ctx, "2026-W07").Return(&domain.CycleSummary{PeriodKey: "2026-W07", EntriesAdded: 4}, nil).Once()
		svc.On("ClosePeriod", ctx, "2026-W07").Return(nil).Once()

		require.NoError(t, newTestScheduler(t, svc, network.PeriodWeek).RunPayout(ctx))
		svc.AssertExpectations(t)
	})

	t.Run("monthly layout", func(t *testing.T) {
		svc := new(MockPayout)
		svc.On("RunCycle", ctx, "2026-01").Return(&domain.CycleSummary{PeriodKey: "2026-01"}, nil)
		svc.On("ClosePeriod", ctx, "2026-01").Return(nil)

		require.NoError(t, newTestScheduler(t, svc, network.PeriodMonth).RunPayout(ctx))
		svc.AssertExpectations(t)
	})

	t.Run("already closed period is done", func(t *testing.T) {
		svc := new(MockPayout)
		svc.On("RunCycle", ctx, "2026-W07").Return(nil, errors.ErrPeriodClosed)

		require.NoError(t, newTestScheduler(t, svc, network.PeriodWeek).RunPayout(ctx))
		svc.AssertNotCalled(t, "ClosePeriod", mock.Anything, mock.Anything)
	})

	t.Run("failed cycle leaves the period open", func(t *testing.T) {
		svc := new(MockPayout)
		svc.On("RunCycle", ctx, "2026-W07").Return(nil, errors.ErrCycleCorrupt)

		err := newTestScheduler(t, svc, network.PeriodWeek).RunPayout(ctx)
		assert.ErrorIs(t, err, errors.ErrCycleCorrupt)
		svc.AssertNotCalled(t, "ClosePeriod", mock.Anything, mock.Anything)
	})

	t.Run("close failure is reported", func(t *testing.T) {
		svc := new(MockPayout)
		svc.On("RunCycle", ctx, "2026-W07").Return(&domain.CycleSummary{PeriodKey: "2026-W07"}, nil)
		svc.On("ClosePeriod", ctx, "2026-W07").Return(assert.AnError)

		err := newTestScheduler(t, svc, network.PeriodWeek).RunPayout(ctx)
		assert.ErrorIs(t, err, assert.AnError)
	})
}

func TestScheduler_StartStop(t *testing.T) {
	s := newTestScheduler(t, new(MockPayout), network.PeriodWeek)
	require.NoError(t, s.Start())
	assert.Len(t, s.cron.Entries(), 1)

	select {
	case <-s.Stop().Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
