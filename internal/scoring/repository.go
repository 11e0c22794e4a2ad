package scoring

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"authenticity-platform/pkg/utils"
)

// NOTE: these repositories assume the schema in migrations/001_init.sql:
// - risk_alerts (status pending|sent|failed, cooldown_until, delivering_until lease)
// - trust_score_records (append-only, breakdown JSONB)
// - manufacturers profile columns and payments (read-only here)

type PostgresAlertRepo struct {
	db *sql.DB
}

func NewPostgresAlertRepo(db *sql.DB) *PostgresAlertRepo {
	return &PostgresAlertRepo{db: db}
}

const alertColumns = `id, manufacturer_id, product_id, code_value, reason, risk_score, risk_level, status, cooldown_until, created_at, updated_at`

func (r *PostgresAlertRepo) CreateIfNoActive(ctx context.Context, a RiskAlert, now time.Time) (bool, error) {
	created := false
	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		// Lock the product row to serialize cooldown checks per product.
		var pid string
		if err := tx.QueryRowContext(ctx, `SELECT id FROM products WHERE id = $1 FOR UPDATE`, a.ProductID).Scan(&pid); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		var active bool
		const qa = `SELECT EXISTS (SELECT 1 FROM risk_alerts WHERE product_id = $1 AND cooldown_until > $2)`
		if err := tx.QueryRowContext(ctx, qa, a.ProductID, now).Scan(&active); err != nil {
			return err
		}
		if active {
			return nil
		}

		const qi = `
INSERT INTO risk_alerts (` + alertColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`
		if _, err := tx.ExecContext(ctx, qi,
			a.ID,
			a.ManufacturerID,
			a.ProductID,
			a.CodeValue,
			a.Reason,
			a.Score,
			a.Level,
			a.Status,
			a.CooldownUntil,
			a.CreatedAt,
			a.UpdatedAt,
		); err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

func (r *PostgresAlertRepo) ListByManufacturer(ctx context.Context, manufacturerID string, limit int) ([]RiskAlert, error) {
	const q = `SELECT ` + alertColumns + ` FROM risk_alerts WHERE manufacturer_id = $1 ORDER BY created_at DESC LIMIT $2`
	return r.list(ctx, q, manufacturerID, limit)
}

func (r *PostgresAlertRepo) ListPending(ctx context.Context, now time.Time) ([]RiskAlert, error) {
	const q = `SELECT ` + alertColumns + ` FROM risk_alerts WHERE status = 'pending' AND cooldown_until > $1 ORDER BY created_at`
	return r.list(ctx, q, now)
}

func (r *PostgresAlertRepo) Get(ctx context.Context, id string) (RiskAlert, error) {
	const q = `SELECT ` + alertColumns + ` FROM risk_alerts WHERE id = $1`
	a, err := scanAlert(r.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return RiskAlert{}, ErrNotFound
	}
	return a, err
}

// UpdateStatus only moves alerts out of pending; terminal statuses are never rewritten.
func (r *PostgresAlertRepo) UpdateStatus(ctx context.Context, id string, status AlertStatus, now time.Time) error {
	const q = `UPDATE risk_alerts SET status = $2, updated_at = $3, delivering_until = NULL WHERE id = $1 AND status = 'pending'`
	res, err := r.db.ExecContext(ctx, q, id, status, now)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (r *PostgresAlertRepo) Claim(ctx context.Context, id string, now, until time.Time) (bool, error) {
	const q = `
UPDATE risk_alerts SET delivering_until = $3
WHERE id = $1 AND status = 'pending' AND (delivering_until IS NULL OR delivering_until <= $2)
`
	res, err := r.db.ExecContext(ctx, q, id, now, until)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (r *PostgresAlertRepo) ReleaseClaim(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE risk_alerts SET delivering_until = NULL WHERE id = $1`, id)
	return err
}

func (r *PostgresAlertRepo) list(ctx context.Context, q string, args ...any) ([]RiskAlert, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RiskAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (RiskAlert, error) {
	var a RiskAlert
	err := row.Scan(
		&a.ID,
		&a.ManufacturerID,
		&a.ProductID,
		&a.CodeValue,
		&a.Reason,
		&a.Score,
		&a.Level,
		&a.Status,
		&a.CooldownUntil,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	return a, err
}

type PostgresTrustRepo struct {
	db *sql.DB
}

func NewPostgresTrustRepo(db *sql.DB) *PostgresTrustRepo {
	return &PostgresTrustRepo{db: db}
}

func (r *PostgresTrustRepo) Append(ctx context.Context, rec TrustScoreRecord) error {
	breakdown, err := json.Marshal(rec.Breakdown)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO trust_score_records (id, manufacturer_id, score, breakdown, computed_at)
VALUES ($1,$2,$3,$4,$5)
`
	_, err = r.db.ExecContext(ctx, q, rec.ID, rec.ManufacturerID, rec.Score, breakdown, rec.ComputedAt)
	return err
}

func (r *PostgresTrustRepo) Trend(ctx context.Context, manufacturerID string, limit int) ([]TrustScoreRecord, error) {
	const q = `
SELECT id, manufacturer_id, score, breakdown, computed_at
FROM trust_score_records
WHERE manufacturer_id = $1
ORDER BY computed_at DESC
LIMIT $2
`
	rows, err := r.db.QueryContext(ctx, q, manufacturerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TrustScoreRecord
	for rows.Next() {
		var (
			rec TrustScoreRecord
			raw []byte
		)
		if err := rows.Scan(&rec.ID, &rec.ManufacturerID, &rec.Score, &raw, &rec.ComputedAt); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &rec.Breakdown); err != nil {
				return nil, err
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type PostgresProfileRepo struct {
	db *sql.DB
}

func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

const profileColumns = `id, name, COALESCE(website, ''), license_verified, certificate_verified, website_verified, documents_updated_at, last_active_at`

func (r *PostgresProfileRepo) ListProfiles(ctx context.Context) ([]Profile, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM manufacturers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PostgresProfileRepo) GetProfile(ctx context.Context, manufacturerID string) (Profile, error) {
	p, err := scanProfile(r.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM manufacturers WHERE id = $1`, manufacturerID))
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	return p, err
}

func (r *PostgresProfileRepo) RecentPayments(ctx context.Context, manufacturerID string, limit int) ([]PaymentStatus, error) {
	const q = `SELECT status FROM payments WHERE manufacturer_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.db.QueryContext(ctx, q, manufacturerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PaymentStatus
	for rows.Next() {
		var s PaymentStatus
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PostgresProfileRepo) SetWebsiteVerified(ctx context.Context, manufacturerID string, verified bool, at time.Time) error {
	const q = `UPDATE manufacturers SET website_verified = $2, website_checked_at = $3 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, q, manufacturerID, verified, at)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanProfile(row rowScanner) (Profile, error) {
	var (
		p           Profile
		docsUpdated sql.NullTime
		lastActive  sql.NullTime
	)
	if err := row.Scan(
		&p.ManufacturerID,
		&p.Name,
		&p.Website,
		&p.LicenseVerified,
		&p.CertificateVerified,
		&p.WebsiteVerified,
		&docsUpdated,
		&lastActive,
	); err != nil {
		return Profile{}, err
	}
	if docsUpdated.Valid {
		t := docsUpdated.Time
		p.DocumentsUpdatedAt = &t
	}
	if lastActive.Valid {
		t := lastActive.Time
		p.LastActiveAt = &t
	}
	return p, nil
}
