// Package tokens implements the per-username posting allowance: a counter
// that is seeded lazily, replenished by one token once per reset interval
// on access, and spent atomically on each message post.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"board/internal/storage"
)

// DefaultResetInterval is how long a username must wait after last_reset
// before the next access grants a token.
const DefaultResetInterval = 14 * 24 * time.Hour

// ErrInsufficientTokens is returned by Spend when the balance is zero.
var ErrInsufficientTokens = errors.New("insufficient tokens")

// Status is the spend-free view of a ledger entry.
type Status struct {
	Tokens    int64
	NextReset time.Time
}

type Ledger struct {
	store         storage.TokenLedgerStore
	resetInterval time.Duration

	now func() time.Time
}

func NewLedger(store storage.TokenLedgerStore, resetInterval time.Duration) *Ledger {
	if resetInterval <= 0 {
		resetInterval = DefaultResetInterval
	}
	return &Ledger{
		store:         store,
		resetInterval: resetInterval,
		now:           time.Now,
	}
}

// EnsureCurrent brings the ledger entry for username up to date and returns
// it. A username never seen before gets an entry seeded with one token.
// When at least one reset interval has elapsed since last_reset, exactly one
// token is granted and last_reset moves to now; the grant is always +1 no
// matter how many intervals have passed, because replenishment happens only
// on access. Within the interval the call changes nothing.
//
// All racy transitions are resolved by conditional store writes, so
// concurrent calls for the same username settle on a single outcome.
func (l *Ledger) EnsureCurrent(ctx context.Context, username string) (storage.TokenLedgerEntry, error) {
	entry, err := l.store.Get(ctx, username)
	if errors.Is(err, storage.ErrNotFound) {
		fresh := storage.TokenLedgerEntry{
			Username:  username,
			Tokens:    1,
			LastReset: l.now().UTC(),
		}
		created, err := l.store.CreateIfAbsent(ctx, fresh)
		if err != nil {
			return storage.TokenLedgerEntry{}, fmt.Errorf("seed ledger entry: %w", err)
		}
		if created {
			return fresh, nil
		}
		// Lost the creation race; read whatever the winner wrote.
		entry, err = l.store.Get(ctx, username)
		if err != nil {
			return storage.TokenLedgerEntry{}, fmt.Errorf("reread ledger entry: %w", err)
		}
		return entry, nil
	}
	if err != nil {
		return storage.TokenLedgerEntry{}, fmt.Errorf("get ledger entry: %w", err)
	}

	now := l.now().UTC()
	if now.Sub(entry.LastReset) < l.resetInterval {
		return entry, nil
	}

	granted, err := l.store.Replenish(ctx, username, entry.LastReset, now)
	if err != nil {
		return storage.TokenLedgerEntry{}, fmt.Errorf("replenish ledger entry: %w", err)
	}
	if granted {
		entry.Tokens++
		entry.LastReset = now
		return entry, nil
	}

	// A concurrent caller granted first; their write is the current state.
	entry, err = l.store.Get(ctx, username)
	if err != nil {
		return storage.TokenLedgerEntry{}, fmt.Errorf("reread ledger entry: %w", err)
	}
	return entry, nil
}

// Spend consumes one token for username, replenishing first if due.
// The decrement is conditional on a positive balance in the store, so the
// counter can never go negative even under concurrent spends.
func (l *Ledger) Spend(ctx context.Context, username string) error {
	if _, err := l.EnsureCurrent(ctx, username); err != nil {
		return err
	}

	spent, err := l.store.SpendOne(ctx, username)
	if err != nil {
		return fmt.Errorf("spend token: %w", err)
	}
	if !spent {
		return ErrInsufficientTokens
	}
	return nil
}

// Peek reports the current balance and the time of the next possible grant
// without spending anything.
func (l *Ledger) Peek(ctx context.Context, username string) (Status, error) {
	entry, err := l.EnsureCurrent(ctx, username)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Tokens:    entry.Tokens,
		NextReset: entry.LastReset.Add(l.resetInterval),
	}, nil
}
