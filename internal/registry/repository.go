package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"authenticity-platform/pkg/utils"
)

// NOTE: PostgresRepo assumes the schema in migrations/001_init.sql:
// - manufacturers, products, batches
// - codes with PRIMARY KEY (value); batch_id is nullable for legacy imports

const (
	// insertChunk keeps each multi-row INSERT well under the 65535 parameter limit.
	insertChunk = 1000
	// regenerateRounds bounds in-transaction replacement of colliding values.
	regenerateRounds = 5
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) GetManufacturer(ctx context.Context, id string) (Manufacturer, error) {
	const q = `SELECT id, name FROM manufacturers WHERE id = $1`
	var m Manufacturer
	if err := r.db.QueryRowContext(ctx, q, id).Scan(&m.ID, &m.Name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Manufacturer{}, ErrNotFound
		}
		return Manufacturer{}, err
	}
	return m, nil
}

func (r *PostgresRepo) ListManufacturers(ctx context.Context) ([]Manufacturer, error) {
	const q = `SELECT id, name FROM manufacturers ORDER BY id`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Manufacturer
	for rows.Next() {
		var m Manufacturer
		if err := rows.Scan(&m.ID, &m.Name); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) GetProduct(ctx context.Context, id string) (Product, error) {
	const q = `SELECT id, manufacturer_id, name, category FROM products WHERE id = $1`
	var p Product
	if err := r.db.QueryRowContext(ctx, q, id).Scan(&p.ID, &p.ManufacturerID, &p.Name, &p.Category); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Product{}, ErrNotFound
		}
		return Product{}, err
	}
	return p, nil
}

func (r *PostgresRepo) InsertBatch(ctx context.Context, b Batch, codes []Code, regenerate func() (Code, error)) ([]Code, error) {
	out := make([]Code, 0, len(codes))

	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const qb = `
INSERT INTO batches (
  id, manufacturer_id, product_id, batch_number, production_date, expiration_date, quantity, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8
)
`
		if _, err := tx.ExecContext(ctx, qb,
			b.ID,
			b.ManufacturerID,
			b.ProductID,
			b.BatchNumber,
			nullTime(b.ProductionDate),
			nullTime(b.ExpirationDate),
			b.Quantity,
			b.CreatedAt,
		); err != nil {
			return err
		}

		pending := codes
		for round := 0; len(pending) > 0; round++ {
			if round > regenerateRounds {
				return ErrDuplicateCode
			}
			var rejected int
			for start := 0; start < len(pending); start += insertChunk {
				chunk := pending[start:min(start+insertChunk, len(pending))]
				inserted, err := insertCodes(ctx, tx, chunk)
				if err != nil {
					return err
				}
				for _, c := range chunk {
					if _, ok := inserted[c.Value]; ok {
						out = append(out, c)
					} else {
						rejected++
					}
				}
			}

			pending = pending[:0:0]
			for i := 0; i < rejected; i++ {
				c, err := regenerate()
				if err != nil {
					return err
				}
				pending = append(pending, c)
			}
		}
		return nil
	})
	if err != nil {
		if utils.IsUniqueViolation(err, "") {
			return nil, ErrDuplicateCode
		}
		return nil, err
	}
	return out, nil
}

// insertCodes inserts a chunk and returns the set of values that were actually written.
func insertCodes(ctx context.Context, tx *sql.Tx, chunk []Code) (map[string]struct{}, error) {
	const cols = 5
	var sb strings.Builder
	sb.WriteString("INSERT INTO codes (value, batch_id, manufacturer_id, image_ref, created_at) VALUES ")
	args := make([]any, 0, len(chunk)*cols)
	for i, c := range chunk {
		if i > 0 {
			sb.WriteByte(',')
		}
		n := i * cols
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d)", n+1, n+2, n+3, n+4, n+5)
		args = append(args, c.Value, c.BatchID, c.ManufacturerID, c.ImageRef, c.CreatedAt)
	}
	sb.WriteString(" ON CONFLICT (value) DO NOTHING RETURNING value")

	rows, err := tx.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	inserted := make(map[string]struct{}, len(chunk))
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		inserted[v] = struct{}{}
	}
	return inserted, rows.Err()
}

func (r *PostgresRepo) GetCodeContext(ctx context.Context, value string) (CodeContext, error) {
	const q = `
SELECT c.value, COALESCE(c.batch_id, ''), c.manufacturer_id, c.image_ref, c.used, c.used_at, c.created_at,
       b.id, b.product_id, b.batch_number, b.production_date, b.expiration_date, b.quantity, b.created_at,
       p.id, p.name, p.category,
       m.id, m.name
FROM codes c
LEFT JOIN batches b ON b.id = c.batch_id
LEFT JOIN products p ON p.id = b.product_id
LEFT JOIN manufacturers m ON m.id = c.manufacturer_id
WHERE c.value = $1
`
	var (
		cc     CodeContext
		usedAt sql.NullTime
		bID    sql.NullString
		bProd  sql.NullString
		bNum   sql.NullString
		bPDate sql.NullTime
		bEDate sql.NullTime
		bQty   sql.NullInt64
		bCrAt  sql.NullTime
		pID    sql.NullString
		pName  sql.NullString
		pCat   sql.NullString
		mID    sql.NullString
		mName  sql.NullString
	)
	err := r.db.QueryRowContext(ctx, q, value).Scan(
		&cc.Code.Value,
		&cc.Code.BatchID,
		&cc.Code.ManufacturerID,
		&cc.Code.ImageRef,
		&cc.Code.Used,
		&usedAt,
		&cc.Code.CreatedAt,
		&bID, &bProd, &bNum, &bPDate, &bEDate, &bQty, &bCrAt,
		&pID, &pName, &pCat,
		&mID, &mName,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CodeContext{}, ErrNotFound
		}
		return CodeContext{}, err
	}
	if usedAt.Valid {
		t := usedAt.Time
		cc.Code.UsedAt = &t
	}
	if bID.Valid {
		cc.Batch = &Batch{
			ID:             bID.String,
			ManufacturerID: cc.Code.ManufacturerID,
			ProductID:      bProd.String,
			BatchNumber:    bNum.String,
			ProductionDate: bPDate.Time,
			ExpirationDate: bEDate.Time,
			Quantity:       int(bQty.Int64),
			CreatedAt:      bCrAt.Time,
		}
	}
	if pID.Valid {
		cc.Product = &Product{ID: pID.String, ManufacturerID: cc.Code.ManufacturerID, Name: pName.String, Category: pCat.String}
	}
	if mID.Valid {
		cc.Manufacturer = &Manufacturer{ID: mID.String, Name: mName.String}
	}
	return cc, nil
}

func (r *PostgresRepo) MarkUsed(ctx context.Context, value string, at time.Time) (Code, bool, error) {
	// Compare-and-swap: only one concurrent caller can flip a fresh code.
	const q = `
UPDATE codes SET used = true, used_at = $2
WHERE value = $1 AND used = false
RETURNING value, COALESCE(batch_id, ''), manufacturer_id, image_ref, used, used_at, created_at
`
	c, err := scanCode(r.db.QueryRowContext(ctx, q, value, at))
	if err == nil {
		return c, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Code{}, false, err
	}

	const qr = `
SELECT value, COALESCE(batch_id, ''), manufacturer_id, image_ref, used, used_at, created_at
FROM codes WHERE value = $1
`
	c, err = scanCode(r.db.QueryRowContext(ctx, qr, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Code{}, false, ErrNotFound
		}
		return Code{}, false, err
	}
	return c, false, nil
}

func (r *PostgresRepo) BatchStats(ctx context.Context, manufacturerID string, now time.Time) (BatchStats, error) {
	const q = `
SELECT COUNT(*),
       COUNT(*) FILTER (WHERE expiration_date IS NOT NULL AND expiration_date < $2)
FROM batches
WHERE manufacturer_id = $1
`
	var st BatchStats
	if err := r.db.QueryRowContext(ctx, q, manufacturerID, now).Scan(&st.Total, &st.Expired); err != nil {
		return BatchStats{}, err
	}
	return st, nil
}

func scanCode(row *sql.Row) (Code, error) {
	var c Code
	var usedAt sql.NullTime
	if err := row.Scan(&c.Value, &c.BatchID, &c.ManufacturerID, &c.ImageRef, &c.Used, &usedAt, &c.CreatedAt); err != nil {
		return Code{}, err
	}
	if usedAt.Valid {
		t := usedAt.Time
		c.UsedAt = &t
	}
	return c, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
