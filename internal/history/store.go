package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Exchange is one question/answer pair recorded by the chat CLI.
type Exchange struct {
	ID        int64
	CreatedAt time.Time
	Model     string
	Question  string
	Answer    string
}

// Store persists chat exchanges in a local SQLite database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS exchanges (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at TIMESTAMP NOT NULL,
	model      TEXT NOT NULL,
	question   TEXT NOT NULL,
	answer     TEXT NOT NULL
);
`

// Open opens (and if needed initializes) the history database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Insert records one exchange and returns its row id.
func (s *Store) Insert(ctx context.Context, ex Exchange) (int64, error) {
	createdAt := ex.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO exchanges (created_at, model, question, answer) VALUES (?, ?, ?, ?)`,
		createdAt, ex.Model, ex.Question, ex.Answer)
	if err != nil {
		return 0, fmt.Errorf("failed to record exchange: %w", err)
	}
	return res.LastInsertId()
}

// List returns the most recent exchanges, newest first. A limit of 0
// means no limit.
func (s *Store) List(ctx context.Context, limit int) ([]Exchange, error) {
	query := `SELECT id, created_at, model, question, answer FROM exchanges ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list exchanges: %w", err)
	}
	defer rows.Close()

	var exchanges []Exchange
	for rows.Next() {
		var ex Exchange
		if err := rows.Scan(&ex.ID, &ex.CreatedAt, &ex.Model, &ex.Question, &ex.Answer); err != nil {
			return nil, fmt.Errorf("failed to scan exchange: %w", err)
		}
		exchanges = append(exchanges, ex)
	}
	return exchanges, rows.Err()
}

// Clear removes all recorded exchanges.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM exchanges`); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}
