package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"board/internal/storage"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Insert(ctx context.Context, m storage.Message) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO messages (author, content, created_at, display_date, display_time, display_month, display_year)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.Author,
		m.Content,
		m.CreatedAt,
		m.DisplayDate,
		m.DisplayTime,
		m.DisplayMonth,
		m.DisplayYear,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *Store) ListAll(ctx context.Context) ([]storage.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, author, content, created_at, display_date, display_time, display_month, display_year
FROM messages
ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []storage.Message
	for rows.Next() {
		var m storage.Message
		if err := rows.Scan(&m.ID, &m.Author, &m.Content, &m.CreatedAt,
			&m.DisplayDate, &m.DisplayTime, &m.DisplayMonth, &m.DisplayYear); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, username string) (storage.TokenLedgerEntry, error) {
	var e storage.TokenLedgerEntry
	err := s.db.QueryRowContext(ctx, `
SELECT username, tokens, last_reset
FROM token_ledger
WHERE username = $1`,
		username,
	).Scan(&e.Username, &e.Tokens, &e.LastReset)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.TokenLedgerEntry{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.TokenLedgerEntry{}, fmt.Errorf("get ledger entry: %w", err)
	}
	return e, nil
}

func (s *Store) CreateIfAbsent(ctx context.Context, e storage.TokenLedgerEntry) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO token_ledger (username, tokens, last_reset)
VALUES ($1, $2, $3)
ON CONFLICT (username) DO NOTHING`,
		e.Username,
		e.Tokens,
		e.LastReset,
	)
	if err != nil {
		return false, fmt.Errorf("create ledger entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create ledger entry rows affected: %w", err)
	}
	return n > 0, nil
}

// Replenish applies at most one grant per observed last_reset: the guard on
// last_reset makes the UPDATE a no-op for any caller that raced and lost.
func (s *Store) Replenish(ctx context.Context, username string, observedLastReset, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE token_ledger
SET tokens = tokens + 1, last_reset = $3
WHERE username = $1
  AND last_reset <= $2`,
		username,
		observedLastReset,
		now,
	)
	if err != nil {
		return false, fmt.Errorf("replenish ledger entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("replenish ledger rows affected: %w", err)
	}
	return n > 0, nil
}

// SpendOne is the decrement-if-positive half of the ledger's critical
// section. Two spends racing on one remaining token resolve in the
// database: only one UPDATE matches the tokens > 0 guard.
func (s *Store) SpendOne(ctx context.Context, username string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE token_ledger
SET tokens = tokens - 1
WHERE username = $1
  AND tokens > 0`,
		username,
	)
	if err != nil {
		return false, fmt.Errorf("spend token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("spend token rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *Store) Exists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE username = $1)`,
		username,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("user exists: %w", err)
	}
	return exists, nil
}

func (s *Store) Create(ctx context.Context, u storage.User) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO users (username)
VALUES ($1)
ON CONFLICT (username) DO NOTHING`,
		u.Username,
	)
	if err != nil {
		return false, fmt.Errorf("insert user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert user rows affected: %w", err)
	}
	return n > 0, nil
}
