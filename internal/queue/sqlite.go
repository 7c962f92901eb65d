package queue

import (
	"database/sql"
	"fmt"
	"time"
)

// SQLiteStore persists queued items in SQLite so deferred requests
// survive restarts. All methods are safe for concurrent use (SQLite
// serializes writes). The caller owns the *sql.DB.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a queue store on db, running migrations on
// first use.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate queue store: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS queued_requests (
			id         TEXT PRIMARY KEY,
			method     TEXT NOT NULL,
			params     TEXT,
			created_at TEXT NOT NULL
		)
	`)
	return err
}

func (s *SQLiteStore) Append(item Item) error {
	var params any
	if len(item.Params) > 0 {
		params = string(item.Params)
	}
	_, err := s.db.Exec(
		`INSERT INTO queued_requests (id, method, params, created_at) VALUES (?, ?, ?, ?)`,
		item.ID, item.Method, params, item.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert queued request %s: %w", item.ID, err)
	}
	return nil
}

// List returns all queued items in insertion order. rowid breaks ties
// between items created in the same nanosecond.
func (s *SQLiteStore) List() ([]Item, error) {
	rows, err := s.db.Query(
		`SELECT id, method, params, created_at FROM queued_requests ORDER BY created_at, rowid`,
	)
	if err != nil {
		return nil, fmt.Errorf("list queued requests: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var (
			item      Item
			params    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&item.ID, &item.Method, &params, &createdAt); err != nil {
			return nil, fmt.Errorf("scan queued request: %w", err)
		}
		if params.Valid {
			item.Params = []byte(params.String)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			item.CreatedAt = t
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) Remove(id string) error {
	_, err := s.db.Exec(`DELETE FROM queued_requests WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete queued request %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Len() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM queued_requests`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queued requests: %w", err)
	}
	return n, nil
}
