package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	iface "OwlDetServer/interface"

	"github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps model payloads in a single table.
type SQLiteStore struct {
	conn *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	s := &SQLiteStore{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.conn.Exec(`
	CREATE TABLE IF NOT EXISTS models (
		id TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`)
	return err
}

func (s *SQLiteStore) Put(ctx context.Context, id string, payload []byte) error {
	_, err := s.conn.ExecContext(ctx, `INSERT INTO models (id, payload) VALUES (?, ?)`, id, payload)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%w: %s", iface.ErrModelExists, id)
	}
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, id string) ([]byte, error) {
	var payload []byte
	err := s.conn.QueryRowContext(ctx, `SELECT payload FROM models WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", iface.ErrModelNotFound, id)
	}
	return payload, err
}

func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}
