package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLite stores maps as rows, one row per entry. A marker
// row in persistent_map_keys distinguishes an empty saved map from one never
// saved.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and serialises
	// writers.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLite(db *sql.DB) (*SQLite, error) {
	s := &SQLite{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	const query = `
	CREATE TABLE IF NOT EXISTS persistent_map_keys (
		map_key TEXT PRIMARY KEY
	);
	CREATE TABLE IF NOT EXISTS persistent_maps (
		map_key   TEXT NOT NULL,
		entry_key TEXT NOT NULL,
		value     INTEGER NOT NULL,
		PRIMARY KEY (map_key, entry_key)
	);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Load(key string) (map[string]uint32, bool, error) {
	ctx := context.Background()

	var marker string
	err := s.db.QueryRowContext(ctx, `SELECT map_key FROM persistent_map_keys WHERE map_key = ?`, key).Scan(&marker)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load %s: %w", key, err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT entry_key, value FROM persistent_maps WHERE map_key = ?`, key)
	if err != nil {
		return nil, false, fmt.Errorf("load %s: %w", key, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]uint32)
	for rows.Next() {
		var (
			k string
			v int64
		)
		if err := rows.Scan(&k, &v); err != nil {
			return nil, false, fmt.Errorf("scan %s: %w", key, err)
		}
		out[k] = uint32(v)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (s *SQLite) Save(key string, m map[string]uint32) error {
	ctx := context.Background()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save %s: %w", key, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO persistent_map_keys (map_key) VALUES (?)`, key); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM persistent_maps WHERE map_key = ?`, key); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO persistent_maps (map_key, entry_key, value) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	defer func() { _ = stmt.Close() }()

	for k, v := range m {
		if _, err := stmt.ExecContext(ctx, key, k, int64(v)); err != nil {
			return fmt.Errorf("save %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", key, err)
	}
	return nil
}
