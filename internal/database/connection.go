package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// connMaxLifetime bounds how long a pooled connection is reused before
// being replaced, so credential rotation and failovers are picked up.
const connMaxLifetime = 30 * time.Minute

// Connection wraps the pooled postgres handle shared by the board store,
// the migrator and the operator CLI.
type Connection struct {
	db *sql.DB
}

// OpenPostgres opens a pooled connection and verifies it with a ping.
// maxConns caps both open and idle connections; values below 1 are
// clamped to a single connection.
func OpenPostgres(ctx context.Context, databaseURL string, maxConns int) (*Connection, error) {
	if maxConns < 1 {
		maxConns = 1
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Connection{db: db}, nil
}

func (c *Connection) DB() *sql.DB {
	if c == nil {
		return nil
	}
	return c.db
}

func (c *Connection) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}
