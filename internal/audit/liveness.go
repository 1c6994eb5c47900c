package audit

import (
	"context"
	"time"

	"leadline/internal/domain"
)

type Counter interface {
	CountProvenance(ctx context.Context, action, since string) (int, error)
}

// Health summarizes how often the monitoring loop completed recently.
type Health struct {
	Enabled        bool    `json:"enabled"`
	RecentChecks   int     `json:"recent_checks"`
	ExpectedChecks int     `json:"expected_checks"`
	CheckRate      float64 `json:"check_rate"`
	AppearsActive  bool    `json:"appears_active"`
	Window         string  `json:"window"`
}

// Liveness counts completed monitoring runs in the trailing window and
// compares them to the count interval implies. A disabled loop is reported
// active.
func Liveness(ctx context.Context, c Counter, now time.Time, window, interval time.Duration, enabled bool) (Health, error) {
	h := Health{Enabled: enabled, Window: window.String()}
	if interval > 0 {
		h.ExpectedChecks = int(window / interval)
	}
	n, err := c.CountProvenance(ctx, ActionMonitoringCompleted, domain.FormatTime(now.Add(-window)))
	if err != nil {
		return h, err
	}
	h.RecentChecks = n
	if h.ExpectedChecks > 0 {
		h.CheckRate = float64(n) / float64(h.ExpectedChecks)
	}
	h.AppearsActive = !enabled || n > 0
	return h, nil
}
