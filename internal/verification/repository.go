package verification

import (
	"context"
	"database/sql"
	"time"

	"authenticity-platform/internal/scoring"
)

// LogRepository is the append-only verification log. It is the only source for anomaly
// history and the aggregate counts used by risk and trust scoring.
type LogRepository interface {
	Append(ctx context.Context, l VerificationLog) error
	RecentForCode(ctx context.Context, value string, since time.Time) ([]VerificationLog, error)
	CountForCode(ctx context.Context, value string) (int, error)

	ProductCounts(ctx context.Context, productID string) (scoring.ProductCounts, error)
	ActiveProducts(ctx context.Context, since time.Time) ([]scoring.ProductRef, error)
	ManufacturerStats(ctx context.Context, manufacturerID string, suspiciousSince time.Time) (scoring.ManufacturerVerificationStats, error)
}

// NOTE: PostgresLogRepo assumes verification_logs from migrations/001_init.sql with
// indexes on (code_value, created_at) and (product_id, created_at). Rows are never updated.
type PostgresLogRepo struct {
	db *sql.DB
}

func NewPostgresLogRepo(db *sql.DB) *PostgresLogRepo {
	return &PostgresLogRepo{db: db}
}

func (r *PostgresLogRepo) Append(ctx context.Context, l VerificationLog) error {
	const q = `
INSERT INTO verification_logs (
  id, code_value, state, suspicious, latitude, longitude, actor_id, manufacturer_id, product_id, risk_score, advisory, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)
`
	_, err := r.db.ExecContext(ctx, q,
		l.ID,
		l.CodeValue,
		l.State,
		l.Suspicious,
		l.Latitude,
		l.Longitude,
		nullString(l.ActorID),
		nullString(l.ManufacturerID),
		nullString(l.ProductID),
		l.RiskScore,
		nullString(l.Advisory),
		l.CreatedAt,
	)
	return err
}

func (r *PostgresLogRepo) RecentForCode(ctx context.Context, value string, since time.Time) ([]VerificationLog, error) {
	const q = `
SELECT id, code_value, state, suspicious, latitude, longitude,
       COALESCE(actor_id, ''), COALESCE(manufacturer_id, ''), COALESCE(product_id, ''),
       risk_score, COALESCE(advisory, ''), created_at
FROM verification_logs
WHERE code_value = $1 AND created_at >= $2
ORDER BY created_at DESC
`
	rows, err := r.db.QueryContext(ctx, q, value, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VerificationLog
	for rows.Next() {
		var (
			l        VerificationLog
			lat, lng sql.NullFloat64
		)
		if err := rows.Scan(
			&l.ID,
			&l.CodeValue,
			&l.State,
			&l.Suspicious,
			&lat,
			&lng,
			&l.ActorID,
			&l.ManufacturerID,
			&l.ProductID,
			&l.RiskScore,
			&l.Advisory,
			&l.CreatedAt,
		); err != nil {
			return nil, err
		}
		if lat.Valid && lng.Valid {
			la, lo := lat.Float64, lng.Float64
			l.Latitude, l.Longitude = &la, &lo
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *PostgresLogRepo) CountForCode(ctx context.Context, value string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM verification_logs WHERE code_value = $1`, value).Scan(&n)
	return n, err
}

func (r *PostgresLogRepo) ProductCounts(ctx context.Context, productID string) (scoring.ProductCounts, error) {
	const q = `
SELECT COUNT(*),
       COUNT(*) FILTER (WHERE suspicious),
       COUNT(*) FILTER (WHERE state = $2),
       COUNT(*) FILTER (WHERE state = $3)
FROM verification_logs
WHERE product_id = $1
`
	var c scoring.ProductCounts
	err := r.db.QueryRowContext(ctx, q, productID, StateInvalid, StateCodeAlreadyUsed).Scan(
		&c.Total,
		&c.Suspicious,
		&c.Invalid,
		&c.AlreadyUsed,
	)
	return c, err
}

func (r *PostgresLogRepo) ActiveProducts(ctx context.Context, since time.Time) ([]scoring.ProductRef, error) {
	const q = `
SELECT DISTINCT ON (product_id) product_id, manufacturer_id, code_value
FROM verification_logs
WHERE product_id IS NOT NULL AND manufacturer_id IS NOT NULL AND created_at >= $1
ORDER BY product_id, created_at DESC
`
	rows, err := r.db.QueryContext(ctx, q, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []scoring.ProductRef
	for rows.Next() {
		var ref scoring.ProductRef
		if err := rows.Scan(&ref.ProductID, &ref.ManufacturerID, &ref.CodeValue); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func (r *PostgresLogRepo) ManufacturerStats(ctx context.Context, manufacturerID string, suspiciousSince time.Time) (scoring.ManufacturerVerificationStats, error) {
	const q = `
SELECT COUNT(*),
       COUNT(*) FILTER (WHERE state = $3),
       COUNT(*) FILTER (WHERE suspicious AND created_at >= $2)
FROM verification_logs
WHERE manufacturer_id = $1
`
	var st scoring.ManufacturerVerificationStats
	err := r.db.QueryRowContext(ctx, q, manufacturerID, suspiciousSince, StateGenuine).Scan(
		&st.Total,
		&st.Genuine,
		&st.RecentSuspicious,
	)
	return st, err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
