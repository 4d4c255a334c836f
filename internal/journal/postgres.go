// Package journal persists submission attempts and their outcomes to
// PostgreSQL. The journal is an audit trail; submission never blocks on
// it and a write failure never fails a block.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"

	"github.com/nanoflow/nanoflow/internal/nano"
)

// Attempt statuses recorded by the pipeline.
const (
	StatusSubmitted = "submitted"
	StatusConfirmed = "confirmed"
	StatusStaleTip  = "stale_tip"
	StatusFailed    = "failed"
)

// Entry is one submission attempt.
type Entry struct {
	ID        int64
	Account   string
	BlockHash string
	Subtype   nano.Subtype
	Attempt   int
	Status    string
	NodeError string
	CreatedAt time.Time
}

// Store wraps the submission journal table.
type Store struct {
	db *sql.DB
}

// NewStore opens the journal database. url is a lib/pq connection string.
func NewStore(url string) (*Store, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping journal database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Health checks database connectivity.
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Record inserts one attempt row.
func (s *Store) Record(ctx context.Context, e *Entry) error {
	query := `
		INSERT INTO submission_attempts (account, block_hash, subtype, attempt, status, node_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	now := time.Now()
	err := s.db.QueryRowContext(ctx, query,
		e.Account, e.BlockHash, string(e.Subtype), e.Attempt, e.Status, e.NodeError, now,
	).Scan(&e.ID)

	if err != nil {
		return fmt.Errorf("failed to record submission attempt: %w", err)
	}

	e.CreatedAt = now
	return nil
}

// History returns the most recent attempts for an account, newest first.
func (s *Store) History(ctx context.Context, account string, limit int) ([]*Entry, error) {
	query := `
		SELECT id, account, block_hash, subtype, attempt, status, node_error, created_at
		FROM submission_attempts
		WHERE account = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, account, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query submission history: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var subtype string
		if err := rows.Scan(&e.ID, &e.Account, &e.BlockHash, &subtype, &e.Attempt, &e.Status, &e.NodeError, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		e.Subtype = nano.Subtype(subtype)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}
