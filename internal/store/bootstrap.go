package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Bootstrap applies the shared-schema DDL this subsystem depends on. It is
// idempotent and safe to run at every startup; an advisory lock keeps
// concurrently starting instances from racing each other. Advisory locks are
// session-scoped, so the lock, the DDL, and the unlock all run on one pinned
// connection rather than through the pool.
func Bootstrap(ctx context.Context, db *sql.DB) error {
	// Arbitrary but stable key for the bootstrap critical section.
	const bootstrapLockKey = 774201

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire bootstrap session: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, bootstrapLockKey); err != nil {
		return fmt.Errorf("acquire bootstrap lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, bootstrapLockKey)
	}()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			owner_user_id TEXT NOT NULL,
			storage_status TEXT NOT NULL DEFAULT 'not_created',
			last_error TEXT,
			last_checked_at TIMESTAMPTZ,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS tenants_owner_idx ON tenants (owner_user_id) WHERE active`,
		`CREATE INDEX IF NOT EXISTS tenants_status_idx ON tenants (storage_status)`,
	}
	for _, stmt := range statements {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap shared schema: %w", err)
		}
	}
	return nil
}
