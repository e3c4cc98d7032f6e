package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/devaloi/chatsync/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given path.
// Use ":memory:" for an in-memory database.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "open", Err: err}
	}

	// One connection serializes writers and keeps ":memory:" databases
	// from splitting across pool connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, &domain.PersistenceError{Op: "open", Err: err}
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, &domain.PersistenceError{Op: "open", Err: err}
	}

	return &SQLiteStore{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

// seq is the insertion sequence. AUTOINCREMENT guarantees it never reuses
// a value, so eviction order survives deletes and clock skew.
func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			text TEXT NOT NULL,
			date_time INTEGER NOT NULL,
			sender_id TEXT
		);
	`)
	return err
}

// Upsert persists a message. A message whose ID already exists replaces
// the old row and takes the newest insertion position.
func (s *SQLiteStore) Upsert(ctx context.Context, msg domain.Message) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO messages (id, text, date_time, sender_id) VALUES (?, ?, ?, ?)",
		msg.ID, msg.Text, msg.Timestamp, nullString(msg.SenderID),
	)
	if err != nil {
		return &domain.PersistenceError{Op: "upsert", Err: err}
	}
	return nil
}

// ScanAll returns all cached messages, oldest first.
func (s *SQLiteStore) ScanAll(ctx context.Context) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, text, date_time, sender_id FROM messages
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "scan", Err: err}
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var (
			m      domain.Message
			sender sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.Text, &m.Timestamp, &sender); err != nil {
			return nil, &domain.PersistenceError{Op: "scan", Err: err}
		}
		m.SenderID = sender.String
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.PersistenceError{Op: "scan", Err: err}
	}
	return msgs, nil
}

// EvictToCapacity keeps the `capacity` most recently inserted messages.
func (s *SQLiteStore) EvictToCapacity(ctx context.Context, capacity int) (int, error) {
	if capacity < 0 {
		return 0, &domain.PersistenceError{Op: "evict", Err: ErrInvalidCapacity}
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM messages WHERE seq NOT IN (
			SELECT seq FROM messages ORDER BY seq DESC LIMIT ?
		)
	`, capacity)
	if err != nil {
		return 0, &domain.PersistenceError{Op: "evict", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &domain.PersistenceError{Op: "evict", Err: err}
	}
	return int(n), nil
}

// Clear deletes every cached message.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM messages"); err != nil {
		return &domain.PersistenceError{Op: "clear", Err: err}
	}
	return nil
}

// Count returns the number of cached messages.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&n); err != nil {
		return 0, &domain.PersistenceError{Op: "count", Err: err}
	}
	return n, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
