package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo writes to audit_events. The table only ever receives INSERTs.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (
  id, type, actor_user_id, actor_role, ip_address, manufacturer_id, agency_id, target_id, message, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.Type,
		nullString(e.ActorUserID),
		nullString(e.ActorRole),
		nullString(e.IPAddress),
		nullString(e.ManufacturerID),
		nullString(e.AgencyID),
		nullString(e.TargetID),
		e.Message,
		nullString(e.Metadata),
		e.CreatedAt,
	)
	return err
}

func (r *PostgresRepo) List(ctx context.Context, f Filter) ([]Event, error) {
	const q = `
SELECT id, type, COALESCE(actor_user_id, ''), COALESCE(actor_role, ''), COALESCE(ip_address, ''),
       COALESCE(manufacturer_id, ''), COALESCE(agency_id, ''), COALESCE(target_id, ''),
       message, COALESCE(metadata::text, ''), created_at
FROM audit_events
WHERE ($1 = '' OR manufacturer_id = $1) AND ($2 = '' OR agency_id = $2)
ORDER BY created_at DESC
LIMIT $3
`
	rows, err := r.db.QueryContext(ctx, q, f.ManufacturerID, f.AgencyID, f.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(
			&e.ID,
			&e.Type,
			&e.ActorUserID,
			&e.ActorRole,
			&e.IPAddress,
			&e.ManufacturerID,
			&e.AgencyID,
			&e.TargetID,
			&e.Message,
			&e.Metadata,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
