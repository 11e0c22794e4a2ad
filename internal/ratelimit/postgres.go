package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// PostgresStore evaluates the reset rule and the counter change in one UPDATE, so the row
// lock taken by that statement is the only synchronization needed per agency.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Placeholders shared by the statements below:
// $1 agency_id, $2 now, $3 next hourly reset, $4 next daily reset.
// Release adds $5 and $6, the hourly and daily windows the reservation was charged against.
var resetExpr = strings.NewReplacer(
	"{h}", "(CASE WHEN $2 >= hourly_reset_at THEN 0 ELSE hourly_count END)",
	"{d}", "(CASE WHEN $2 >= daily_reset_at THEN 0 ELSE daily_count END)",
	"{budget}", "((CASE WHEN $2 >= hourly_reset_at THEN 0 ELSE hourly_count END) < alerts_per_hour AND (CASE WHEN $2 >= daily_reset_at THEN 0 ELSE daily_count END) < alerts_per_day)",
	"{hrel}", "(CASE WHEN $2 >= hourly_reset_at THEN 0 WHEN hourly_reset_at = $5 THEN GREATEST(hourly_count - 1, 0) ELSE hourly_count END)",
	"{drel}", "(CASE WHEN $2 >= daily_reset_at THEN 0 WHEN daily_reset_at = $6 THEN GREATEST(daily_count - 1, 0) ELSE daily_count END)",
)

const returning = `
RETURNING agency_id, alerts_per_hour, alerts_per_day, hourly_count, daily_count, throttled, hourly_reset_at, daily_reset_at, updated_at
`

const resetWindows = `
  hourly_reset_at = CASE WHEN $2 >= hourly_reset_at THEN $3 ELSE hourly_reset_at END,
  daily_reset_at = CASE WHEN $2 >= daily_reset_at THEN $4 ELSE daily_reset_at END,
  updated_at = $2`

var (
	checkAndIncrementSQL = resetExpr.Replace(`
UPDATE agency_rate_limits SET
  hourly_count = CASE WHEN {budget} THEN {h} + 1 ELSE {h} END,
  daily_count = CASE WHEN {budget} THEN {d} + 1 ELSE {d} END,
  throttled = NOT {budget},` + resetWindows + `
WHERE agency_id = $1` + returning)

	peekSQL = resetExpr.Replace(`
UPDATE agency_rate_limits SET
  hourly_count = {h},
  daily_count = {d},
  throttled = NOT {budget},` + resetWindows + `
WHERE agency_id = $1` + returning)

	releaseSQL = resetExpr.Replace(`
UPDATE agency_rate_limits SET
  hourly_count = {hrel},
  daily_count = {drel},
  throttled = NOT ({hrel} < alerts_per_hour AND {drel} < alerts_per_day),` + resetWindows + `
WHERE agency_id = $1` + returning)

	// ResetExpired has no agency parameter, so it uses its own numbering:
	// $1 now, $2 next hourly reset, $3 next daily reset.
	resetExpiredSQL = `
UPDATE agency_rate_limits SET
  hourly_count = CASE WHEN $1 >= hourly_reset_at THEN 0 ELSE hourly_count END,
  daily_count = CASE WHEN $1 >= daily_reset_at THEN 0 ELSE daily_count END,
  throttled = NOT (
    (CASE WHEN $1 >= hourly_reset_at THEN 0 ELSE hourly_count END) < alerts_per_hour AND
    (CASE WHEN $1 >= daily_reset_at THEN 0 ELSE daily_count END) < alerts_per_day
  ),
  hourly_reset_at = CASE WHEN $1 >= hourly_reset_at THEN $2 ELSE hourly_reset_at END,
  daily_reset_at = CASE WHEN $1 >= daily_reset_at THEN $3 ELSE daily_reset_at END,
  updated_at = $1
WHERE $1 >= hourly_reset_at OR $1 >= daily_reset_at
`
)

func (s *PostgresStore) CheckAndIncrement(ctx context.Context, agencyID string, now time.Time) (Decision, error) {
	l, err := s.exec(ctx, checkAndIncrementSQL, agencyID, now)
	if err != nil {
		return Decision{}, err
	}
	// throttled is written as NOT budget-before-increment, so it doubles as the refusal flag.
	return Decision{Allowed: !l.Throttled, Limit: l}, nil
}

func (s *PostgresStore) Peek(ctx context.Context, agencyID string, now time.Time) (AgencyRateLimit, error) {
	return s.exec(ctx, peekSQL, agencyID, now)
}

func (s *PostgresStore) Release(ctx context.Context, r Reservation, now time.Time) error {
	_, err := s.exec(ctx, releaseSQL, r.AgencyID, now, r.HourlyResetAt, r.DailyResetAt)
	return err
}

func (s *PostgresStore) ResetExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, resetExpiredSQL, now, NextHourlyReset(now), NextDailyReset(now))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) Ensure(ctx context.Context, agencyID string, perHour, perDay int, now time.Time) (AgencyRateLimit, error) {
	const q = `
INSERT INTO agency_rate_limits (
  agency_id, alerts_per_hour, alerts_per_day, hourly_count, daily_count, throttled, hourly_reset_at, daily_reset_at, updated_at
) VALUES (
  $1,$2,$3,0,0,false,$4,$5,$6
)
ON CONFLICT (agency_id) DO NOTHING
`
	if _, err := s.db.ExecContext(ctx, q, agencyID, perHour, perDay, NextHourlyReset(now), NextDailyReset(now), now); err != nil {
		return AgencyRateLimit{}, err
	}
	return s.Peek(ctx, agencyID, now)
}

// SetCaps upserts the caps and then lets Peek reapply resets and the throttled flag.
func (s *PostgresStore) SetCaps(ctx context.Context, agencyID string, perHour, perDay int, now time.Time) (AgencyRateLimit, error) {
	const q = `
INSERT INTO agency_rate_limits (
  agency_id, alerts_per_hour, alerts_per_day, hourly_count, daily_count, throttled, hourly_reset_at, daily_reset_at, updated_at
) VALUES (
  $1,$2,$3,0,0,false,$4,$5,$6
)
ON CONFLICT (agency_id) DO UPDATE SET
  alerts_per_hour = EXCLUDED.alerts_per_hour,
  alerts_per_day = EXCLUDED.alerts_per_day,
  updated_at = EXCLUDED.updated_at
`
	if _, err := s.db.ExecContext(ctx, q, agencyID, perHour, perDay, NextHourlyReset(now), NextDailyReset(now), now); err != nil {
		return AgencyRateLimit{}, err
	}
	return s.Peek(ctx, agencyID, now)
}

func (s *PostgresStore) exec(ctx context.Context, q, agencyID string, now time.Time, extra ...any) (AgencyRateLimit, error) {
	args := append([]any{agencyID, now, NextHourlyReset(now), NextDailyReset(now)}, extra...)
	var l AgencyRateLimit
	err := s.db.QueryRowContext(ctx, q, args...).Scan(
		&l.AgencyID,
		&l.AlertsPerHour,
		&l.AlertsPerDay,
		&l.HourlyCount,
		&l.DailyCount,
		&l.Throttled,
		&l.HourlyResetAt,
		&l.DailyResetAt,
		&l.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AgencyRateLimit{}, ErrNotFound
		}
		return AgencyRateLimit{}, err
	}
	return l, nil
}
