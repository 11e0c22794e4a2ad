package ratelimit

import (
	"context"
	"errors"
	"time"

	"authenticity-platform/pkg/logger"
	"authenticity-platform/pkg/metrics"
)

// Limiter is the rate limiter consulted before every agency notification.
// Agencies without a row get one with the default caps on first use.
type Limiter struct {
	store         Store
	defaultHourly int
	defaultDaily  int
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewLimiter(store Store, defaultHourly, defaultDaily int) *Limiter {
	return &Limiter{
		store:         store,
		defaultHourly: defaultHourly,
		defaultDaily:  defaultDaily,
		clock:         time.Now,
	}
}

// WithClock replaces the limiter clock.
func (l *Limiter) WithClock(clock func() time.Time) *Limiter {
	l.clock = clock
	return l
}

// CheckAndIncrement reserves one notification for the agency. A refusal is not an error.
func (l *Limiter) CheckAndIncrement(ctx context.Context, agencyID string) (Decision, error) {
	if agencyID == "" {
		return Decision{}, ErrInvalidArgument
	}
	now := l.clock().UTC()

	d, err := l.store.CheckAndIncrement(ctx, agencyID, now)
	if errors.Is(err, ErrNotFound) {
		if _, err := l.store.Ensure(ctx, agencyID, l.defaultHourly, l.defaultDaily, now); err != nil {
			return Decision{}, err
		}
		d, err = l.store.CheckAndIncrement(ctx, agencyID, now)
	}
	if err != nil {
		return Decision{}, err
	}

	result := "allowed"
	if !d.Allowed {
		result = "throttled"
		logger.From(ctx).Info("agency notification throttled",
			"agency_id", agencyID,
			"hourly_count", d.Limit.HourlyCount,
			"daily_count", d.Limit.DailyCount,
		)
	}
	metrics.RateLimitDecisions.WithLabelValues(agencyID, result).Inc()
	return d, nil
}

// Release returns a reservation whose delivery ultimately failed. Only windows still open
// since the reservation are refunded, so a release never frees budget in a later hour or day.
func (l *Limiter) Release(ctx context.Context, r Reservation) error {
	if r.AgencyID == "" {
		return ErrInvalidArgument
	}
	return l.store.Release(ctx, r, l.clock().UTC())
}

func (l *Limiter) Status(ctx context.Context, agencyID string) (AgencyRateLimit, error) {
	if agencyID == "" {
		return AgencyRateLimit{}, ErrInvalidArgument
	}
	return l.store.Peek(ctx, agencyID, l.clock().UTC())
}

// Configure creates the agency row or replaces its caps. Counters in the current windows are kept.
func (l *Limiter) Configure(ctx context.Context, agencyID string, perHour, perDay int) (AgencyRateLimit, error) {
	if agencyID == "" || perHour <= 0 || perDay < perHour {
		return AgencyRateLimit{}, ErrInvalidArgument
	}
	return l.store.SetCaps(ctx, agencyID, perHour, perDay, l.clock().UTC())
}

// ResetExpired is the scheduled reset. It serves both the hourly and the daily job since the
// store only touches windows whose reset time has passed.
func (l *Limiter) ResetExpired(ctx context.Context) (int, error) {
	return l.store.ResetExpired(ctx, l.clock().UTC())
}
