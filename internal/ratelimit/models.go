package ratelimit

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("rate limit not found")
	ErrInvalidArgument = errors.New("invalid argument")
)

// AgencyRateLimit is the per-agency notification budget. One row per agency.
type AgencyRateLimit struct {
	AgencyID      string    `json:"agency_id" db:"agency_id"`
	AlertsPerHour int       `json:"alerts_per_hour" db:"alerts_per_hour"`
	AlertsPerDay  int       `json:"alerts_per_day" db:"alerts_per_day"`
	HourlyCount   int       `json:"hourly_count" db:"hourly_count"`
	DailyCount    int       `json:"daily_count" db:"daily_count"`
	Throttled     bool      `json:"throttled" db:"throttled"`
	HourlyResetAt time.Time `json:"hourly_reset_at" db:"hourly_reset_at"`
	DailyResetAt  time.Time `json:"daily_reset_at" db:"daily_reset_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

type Decision struct {
	Allowed bool
	Limit   AgencyRateLimit
}

// Reservation identifies the windows a granted notification was charged against.
type Reservation struct {
	AgencyID      string
	HourlyResetAt time.Time
	DailyResetAt  time.Time
}

// Reservation returns the windows this decision charged. Only meaningful when Allowed.
func (d Decision) Reservation() Reservation {
	return Reservation{
		AgencyID:      d.Limit.AgencyID,
		HourlyResetAt: d.Limit.HourlyResetAt,
		DailyResetAt:  d.Limit.DailyResetAt,
	}
}

// Store holds agency counters. Every method must be atomic per agency.
//
// Reset rule, applied before any evaluation: when now >= HourlyResetAt the hourly count is
// zeroed and HourlyResetAt moves to the next top of the hour (UTC); daily likewise at UTC
// midnight.
type Store interface {
	// CheckAndIncrement refuses (and marks throttled) when either count is at its cap,
	// otherwise increments both counts.
	CheckAndIncrement(ctx context.Context, agencyID string, now time.Time) (Decision, error)
	// Peek applies due resets without consuming budget.
	Peek(ctx context.Context, agencyID string, now time.Time) (AgencyRateLimit, error)
	// Release undoes one reservation, never going below zero. A window that has rolled over
	// since the reservation was charged is left alone.
	Release(ctx context.Context, r Reservation, now time.Time) error
	// ResetExpired applies due resets to every agency and returns how many rows changed.
	ResetExpired(ctx context.Context, now time.Time) (int, error)
	// Ensure creates the row with the given caps if it does not exist.
	Ensure(ctx context.Context, agencyID string, perHour, perDay int, now time.Time) (AgencyRateLimit, error)
	// SetCaps creates the row or replaces its caps, keeping the current counters.
	SetCaps(ctx context.Context, agencyID string, perHour, perDay int, now time.Time) (AgencyRateLimit, error)
}

func NextHourlyReset(now time.Time) time.Time {
	return now.UTC().Truncate(time.Hour).Add(time.Hour)
}

func NextDailyReset(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}

// applyResets is the in-process form of the reset rule. Stores that run in the database
// or in Redis implement the same rule there.
func applyResets(l *AgencyRateLimit, now time.Time) bool {
	changed := false
	if !now.Before(l.HourlyResetAt) {
		l.HourlyCount = 0
		l.HourlyResetAt = NextHourlyReset(now)
		changed = true
	}
	if !now.Before(l.DailyResetAt) {
		l.DailyCount = 0
		l.DailyResetAt = NextDailyReset(now)
		changed = true
	}
	if changed {
		l.Throttled = !hasBudget(*l)
		l.UpdatedAt = now
	}
	return changed
}

// releaseInto refunds the windows of r that are still the current ones in l.
func releaseInto(l *AgencyRateLimit, r Reservation) {
	if l.HourlyResetAt.Equal(r.HourlyResetAt) {
		l.HourlyCount = max(l.HourlyCount-1, 0)
	}
	if l.DailyResetAt.Equal(r.DailyResetAt) {
		l.DailyCount = max(l.DailyCount-1, 0)
	}
	l.Throttled = !hasBudget(*l)
}

func hasBudget(l AgencyRateLimit) bool {
	return l.HourlyCount < l.AlertsPerHour && l.DailyCount < l.AlertsPerDay
}
