package mirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"offpos/internal/model"
	"offpos/internal/state"
)

const schema = `
CREATE TABLE IF NOT EXISTS cached_products (
    id          TEXT NOT NULL,
    batch_id    TEXT NOT NULL,
    name        TEXT NOT NULL DEFAULT '',
    category_id TEXT NOT NULL DEFAULT '',
    context     TEXT NOT NULL DEFAULT '',
    payload     TEXT NOT NULL,
    PRIMARY KEY (id, batch_id)
);`

type productRow struct {
	ID         string `db:"id"`
	BatchID    string `db:"batch_id"`
	Name       string `db:"name"`
	CategoryID string `db:"category_id"`
	Context    string `db:"context"`
	Payload    string `db:"payload"`
}

func (r productRow) product() (model.CachedProduct, error) {
	var p model.CachedProduct
	if err := json.Unmarshal([]byte(r.Payload), &p); err != nil {
		return p, fmt.Errorf("decode %s#%s: %w", r.ID, r.BatchID, err)
	}
	return p, nil
}

// OpenSQLite opens (creating if needed) the mirror database at path.
func OpenSQLite(path string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// one writer; also keeps ":memory:" on a single shared connection
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite pragma: %w", err)
	}
	return db, nil
}

// SQLMirror keeps the mirror in a single cached_products table.
type SQLMirror struct {
	DB *sqlx.DB
}

func NewSQLMirror(ctx context.Context, db *sqlx.DB) (*SQLMirror, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("migrate cached_products: %w", err)
	}
	return &SQLMirror{DB: db}, nil
}

func (m *SQLMirror) ReplaceAll(ctx context.Context, products []model.CachedProduct) error {
	if err := validate(products); err != nil {
		return err
	}
	rows := make([]productRow, 0, len(products))
	for _, p := range products {
		b, err := json.Marshal(&p)
		if err != nil {
			return fmt.Errorf("marshal product %s: %w", p.Key(), err)
		}
		rows = append(rows, productRow{
			ID:         p.ID,
			BatchID:    p.BatchID,
			Name:       p.Name,
			CategoryID: p.CategoryID,
			Context:    string(p.Context),
			Payload:    string(b),
		})
	}

	tx, err := m.DB.BeginTxx(ctx, nil)
	if err != nil {
		return state.Wrap("begin", "cached_products", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cached_products`); err != nil {
		return state.Wrap("delete", "cached_products", err)
	}
	query := `
        INSERT INTO cached_products (id, batch_id, name, category_id, context, payload)
        VALUES (:id, :batch_id, :name, :category_id, :context, :payload)
    `
	for _, r := range rows {
		if _, err := tx.NamedExecContext(ctx, query, r); err != nil {
			return state.Wrap("insert", r.ID+"#"+r.BatchID, err)
		}
	}
	return state.Wrap("commit", "cached_products", tx.Commit())
}

func (m *SQLMirror) All(ctx context.Context) ([]model.CachedProduct, error) {
	var rows []productRow
	query := `SELECT * FROM cached_products ORDER BY id, batch_id`
	if err := m.DB.SelectContext(ctx, &rows, query); err != nil {
		return nil, state.Wrap("select", "cached_products", err)
	}
	out := make([]model.CachedProduct, 0, len(rows))
	for _, r := range rows {
		p, err := r.product()
		if err != nil {
			return nil, state.Wrap("decode", "cached_products", err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *SQLMirror) ByID(ctx context.Context, id string) (model.CachedProduct, bool, error) {
	query := `SELECT * FROM cached_products WHERE id = ? ORDER BY batch_id LIMIT 1`
	return m.getOne(ctx, query, id)
}

func (m *SQLMirror) ByIDAndBatch(ctx context.Context, id, batch string) (model.CachedProduct, bool, error) {
	query := `SELECT * FROM cached_products WHERE id = ? AND batch_id = ? LIMIT 1`
	return m.getOne(ctx, query, id, batch)
}

func (m *SQLMirror) getOne(ctx context.Context, query string, args ...any) (model.CachedProduct, bool, error) {
	var r productRow
	if err := m.DB.GetContext(ctx, &r, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.CachedProduct{}, false, nil
		}
		return model.CachedProduct{}, false, state.Wrap("get", "cached_products", err)
	}
	p, err := r.product()
	if err != nil {
		return model.CachedProduct{}, false, state.Wrap("decode", "cached_products", err)
	}
	return p, true, nil
}
