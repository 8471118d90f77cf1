package storage

import (
	"context"
	"time"
)

// Message is an immutable board entry. The display_* fields are computed at
// write time from CreatedAt in a fixed UTC+05:30 offset and stored alongside
// the raw timestamp, so they never depend on the reader's clock or locale.
type Message struct {
	ID           int64
	Author       string
	Content      string
	CreatedAt    time.Time
	DisplayDate  string
	DisplayTime  string
	DisplayMonth string
	DisplayYear  string
}

// TokenLedgerEntry tracks the posting allowance for one username.
// Tokens never goes negative; entries are created lazily and never deleted.
type TokenLedgerEntry struct {
	Username  string
	Tokens    int64
	LastReset time.Time
}

type User struct {
	Username  string
	CreatedAt time.Time
}

type MessagesStore interface {
	Insert(ctx context.Context, m Message) error
	// ListAll returns every message ordered by CreatedAt ascending,
	// insertion order breaking ties.
	ListAll(ctx context.Context) ([]Message, error)
}

// TokenLedgerStore is the backing store for the allowance ledger. The
// conditional operations must be atomic per username: concurrent callers
// racing on the same row get at most one replenish grant per observed
// LastReset, and SpendOne never drives Tokens below zero.
type TokenLedgerStore interface {
	Get(ctx context.Context, username string) (TokenLedgerEntry, error)

	// CreateIfAbsent inserts e unless an entry for e.Username already
	// exists. Returns true if the insert happened.
	CreateIfAbsent(ctx context.Context, e TokenLedgerEntry) (bool, error)

	// Replenish grants exactly one token and moves LastReset to now,
	// but only if the stored LastReset is still at or before the value
	// the caller observed. Returns true if the grant was applied.
	Replenish(ctx context.Context, username string, observedLastReset, now time.Time) (bool, error)

	// SpendOne decrements the balance if it is positive. Returns false
	// (and no error) when no tokens were left to spend.
	SpendOne(ctx context.Context, username string) (bool, error)
}

type UsersStore interface {
	Exists(ctx context.Context, username string) (bool, error)
	// Create inserts the user unless it already exists. Returns true if
	// the insert happened.
	Create(ctx context.Context, u User) (bool, error)
}
