package escalation

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// NOTE: assumes regulatory_webhooks (one row per agency), webhook_delivery_logs and
// risk_alert_deliveries from migrations/001_init.sql. Durations are stored in milliseconds.

type PostgresWebhookRepo struct {
	db *sql.DB
}

func NewPostgresWebhookRepo(db *sql.DB) *PostgresWebhookRepo {
	return &PostgresWebhookRepo{db: db}
}

const webhookColumns = `id, agency_id, url, secret, max_attempts, retry_interval_ms, timeout_ms, active, categories, last_success_at, last_failure_at`

func (r *PostgresWebhookRepo) GetByAgency(ctx context.Context, agencyID string) (RegulatoryWebhook, error) {
	const q = `SELECT ` + webhookColumns + ` FROM regulatory_webhooks WHERE agency_id = $1`
	w, err := r.scan(r.db.QueryRowContext(ctx, q, agencyID))
	if errors.Is(err, sql.ErrNoRows) {
		return RegulatoryWebhook{}, ErrNotFound
	}
	return w, err
}

func (r *PostgresWebhookRepo) ListActive(ctx context.Context) ([]RegulatoryWebhook, error) {
	const q = `SELECT ` + webhookColumns + ` FROM regulatory_webhooks WHERE active ORDER BY agency_id`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RegulatoryWebhook
	for rows.Next() {
		w, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Save inserts or replaces the agency's webhook. Delivery timestamps are preserved.
func (r *PostgresWebhookRepo) Save(ctx context.Context, w RegulatoryWebhook) error {
	const q = `
INSERT INTO regulatory_webhooks (id, agency_id, url, secret, max_attempts, retry_interval_ms, timeout_ms, active, categories)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (agency_id) DO UPDATE SET
  url = EXCLUDED.url,
  secret = EXCLUDED.secret,
  max_attempts = EXCLUDED.max_attempts,
  retry_interval_ms = EXCLUDED.retry_interval_ms,
  timeout_ms = EXCLUDED.timeout_ms,
  active = EXCLUDED.active,
  categories = EXCLUDED.categories
`
	cats := w.Categories
	if cats == nil {
		cats = []string{}
	}
	_, err := r.db.ExecContext(ctx, q,
		w.ID,
		w.AgencyID,
		w.URL,
		w.Secret,
		w.MaxAttempts,
		w.RetryInterval.Milliseconds(),
		w.Timeout.Milliseconds(),
		w.Active,
		cats,
	)
	return err
}

func (r *PostgresWebhookRepo) AppendDeliveryLog(ctx context.Context, l WebhookDeliveryLog) error {
	const q = `
INSERT INTO webhook_delivery_logs (id, webhook_id, alert_id, attempt, outcome, response_code, message, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`
	_, err := r.db.ExecContext(ctx, q,
		l.ID,
		l.WebhookID,
		l.AlertID,
		l.Attempt,
		l.Outcome,
		l.ResponseCode,
		l.Message,
		l.CreatedAt,
	)
	return err
}

func (r *PostgresWebhookRepo) DeliveryLogs(ctx context.Context, alertID string) ([]WebhookDeliveryLog, error) {
	const q = `
SELECT id, webhook_id, alert_id, attempt, outcome, response_code, message, created_at
FROM webhook_delivery_logs
WHERE alert_id = $1
ORDER BY created_at, attempt
`
	rows, err := r.db.QueryContext(ctx, q, alertID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WebhookDeliveryLog
	for rows.Next() {
		var l WebhookDeliveryLog
		if err := rows.Scan(&l.ID, &l.WebhookID, &l.AlertID, &l.Attempt, &l.Outcome, &l.ResponseCode, &l.Message, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *PostgresWebhookRepo) AgencyOutcomes(ctx context.Context, alertID string) (map[string]Outcome, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT agency_id, outcome FROM risk_alert_deliveries WHERE alert_id = $1`, alertID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]Outcome{}
	for rows.Next() {
		var (
			agency  string
			outcome Outcome
		)
		if err := rows.Scan(&agency, &outcome); err != nil {
			return nil, err
		}
		out[agency] = outcome
	}
	return out, rows.Err()
}

func (r *PostgresWebhookRepo) RecordOutcome(ctx context.Context, alertID, agencyID string, outcome Outcome, at time.Time) error {
	const q = `
INSERT INTO risk_alert_deliveries (alert_id, agency_id, outcome, updated_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (alert_id, agency_id) DO UPDATE SET outcome = EXCLUDED.outcome, updated_at = EXCLUDED.updated_at
`
	_, err := r.db.ExecContext(ctx, q, alertID, agencyID, outcome, at)
	return err
}

func (r *PostgresWebhookRepo) MarkSuccess(ctx context.Context, webhookID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE regulatory_webhooks SET last_success_at = $2 WHERE id = $1`, webhookID, at)
	return err
}

func (r *PostgresWebhookRepo) MarkFailure(ctx context.Context, webhookID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE regulatory_webhooks SET last_failure_at = $2 WHERE id = $1`, webhookID, at)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *PostgresWebhookRepo) scan(row rowScanner) (RegulatoryWebhook, error) {
	var (
		w                  RegulatoryWebhook
		retryMS, timeoutMS int64
		lastOK, lastFailed sql.NullTime
	)
	err := row.Scan(
		&w.ID,
		&w.AgencyID,
		&w.URL,
		&w.Secret,
		&w.MaxAttempts,
		&retryMS,
		&timeoutMS,
		&w.Active,
		// text[] needs a pgtype scanner under database/sql; Map is not safe to share.
		pgtype.NewMap().SQLScanner(&w.Categories),
		&lastOK,
		&lastFailed,
	)
	if err != nil {
		return RegulatoryWebhook{}, err
	}
	w.RetryInterval = time.Duration(retryMS) * time.Millisecond
	w.Timeout = time.Duration(timeoutMS) * time.Millisecond
	if lastOK.Valid {
		t := lastOK.Time
		w.LastSuccessAt = &t
	}
	if lastFailed.Valid {
		t := lastFailed.Time
		w.LastFailureAt = &t
	}
	return w, nil
}
