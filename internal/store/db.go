package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open returns the shared connection pool used by ordinary business queries
// and registry reads. Tenant-bound work never runs on this pool.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// Connector dials dedicated database sessions for tenant binding and
// provisioning. Each session is a fresh connection, configured with the
// subsystem's statement and lock-wait timeouts, and is closed when done
// rather than returned to any pool.
type Connector struct {
	databaseURL      string
	statementTimeout time.Duration
	lockTimeout      time.Duration
}

func NewConnector(databaseURL string, statementTimeout, lockTimeout time.Duration) *Connector {
	return &Connector{
		databaseURL:      databaseURL,
		statementTimeout: statementTimeout,
		lockTimeout:      lockTimeout,
	}
}

// Connect opens a dedicated autocommit session. pgx runs statements outside
// any transaction unless one is explicitly begun, which is exactly what the
// provisioning and binding paths require.
func (c *Connector) Connect(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, c.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect dedicated session: %w", err)
	}

	setTimeouts := fmt.Sprintf(
		"SET statement_timeout = %d; SET lock_timeout = %d",
		c.statementTimeout.Milliseconds(),
		c.lockTimeout.Milliseconds(),
	)
	if _, err := conn.Exec(ctx, setTimeouts); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("configure session timeouts: %w", err)
	}
	return conn, nil
}
