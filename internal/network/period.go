package network

import (
	"fmt"
	"strings"
	"time"

	"mlmengine/pkg/errors"
)

const (
	PeriodWeek  = "week"
	PeriodMonth = "month"
)

// PeriodKey names the payout period containing t: an ISO week such as
// 2026-W07, or a month such as 2026-02.
func PeriodKey(t time.Time, layout string) string {
	t = t.UTC()
	if layout == PeriodMonth {
		return t.Format("2006-01")
	}
	year, week := t.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// PreviousPeriodKey names the period that ended just before the one
// containing t.
func PreviousPeriodKey(t time.Time, layout string) string {
	t = t.UTC()
	if layout == PeriodMonth {
		first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return PeriodKey(first.AddDate(0, 0, -1), layout)
	}
	return PeriodKey(t.AddDate(0, 0, -7), layout)
}

// ValidatePeriodKey rejects keys that cannot be stored or that would clash
// with event-scoped keys.
func ValidatePeriodKey(key string) error {
	if key == "" || len(key) > 64 || strings.ContainsAny(key, "# /") {
		return fmt.Errorf("%w: %q", errors.ErrInvalidPeriod, key)
	}
	return nil
}
