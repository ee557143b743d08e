package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// schemaPlaceholder is substituted with the quoted namespace identifier in
// every structural-change statement before execution.
const schemaPlaceholder = "{schema}"

// PostgresSchemaSessions hands out dedicated sessions for namespace DDL work.
type PostgresSchemaSessions struct {
	connector *Connector
}

func NewPostgresSchemaSessions(connector *Connector) *PostgresSchemaSessions {
	return &PostgresSchemaSessions{connector: connector}
}

func (s *PostgresSchemaSessions) Acquire(ctx context.Context) (*SchemaSession, error) {
	conn, err := s.connector.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &SchemaSession{conn: conn}, nil
}

// SchemaSession runs namespace DDL on one dedicated autocommit connection.
// The advisory tenant lock is taken on this same connection, so losing the
// connection releases the lock.
type SchemaSession struct {
	conn *pgx.Conn
}

func (s *SchemaSession) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}

func (s *SchemaSession) NamespaceExists(ctx context.Context, namespace string) (bool, error) {
	var exists bool
	err := s.conn.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM information_schema.schemata WHERE schema_name=$1)`,
		namespace,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("probe namespace %s: %w", namespace, err)
	}
	return exists, nil
}

func (s *SchemaSession) CreateNamespace(ctx context.Context, namespace string) error {
	if _, err := s.conn.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+quoteIdent(namespace)); err != nil {
		return fmt.Errorf("create namespace %s: %w", namespace, err)
	}
	return nil
}

// DropNamespace removes a namespace and everything in it. Only the
// compensating-cleanup path after a failed first provisioning attempt may
// call this; normal operation never drops a namespace.
func (s *SchemaSession) DropNamespace(ctx context.Context, namespace string) error {
	if _, err := s.conn.Exec(ctx, `DROP SCHEMA IF EXISTS `+quoteIdent(namespace)+` CASCADE`); err != nil {
		return fmt.Errorf("drop namespace %s: %w", namespace, err)
	}
	return nil
}

func (s *SchemaSession) GrantUsage(ctx context.Context, namespace, role string) error {
	stmts := []string{
		`GRANT USAGE ON SCHEMA ` + quoteIdent(namespace) + ` TO ` + quoteIdent(role),
		`ALTER DEFAULT PRIVILEGES IN SCHEMA ` + quoteIdent(namespace) +
			` GRANT SELECT, INSERT, UPDATE, DELETE ON TABLES TO ` + quoteIdent(role),
	}
	for _, stmt := range stmts {
		if _, err := s.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("grant on namespace %s: %w", namespace, err)
		}
	}
	return nil
}

func (s *SchemaSession) EnsureLedger(ctx context.Context, namespace string) error {
	_, err := s.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+quoteIdent(namespace)+`.schema_changes (
			unit_id TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure ledger in %s: %w", namespace, err)
	}
	return nil
}

func (s *SchemaSession) LedgerExists(ctx context.Context, namespace string) (bool, error) {
	var exists bool
	err := s.conn.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM information_schema.tables
			WHERE table_schema=$1 AND table_name='schema_changes'
		)
	`, namespace).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("probe ledger in %s: %w", namespace, err)
	}
	return exists, nil
}

// AppliedUnits returns the ledger contents, sentinel rows included.
func (s *SchemaSession) AppliedUnits(ctx context.Context, namespace string) (map[string]time.Time, error) {
	rows, err := s.conn.Query(ctx, `SELECT unit_id, applied_at FROM `+quoteIdent(namespace)+`.schema_changes`)
	if err != nil {
		return nil, fmt.Errorf("read ledger in %s: %w", namespace, err)
	}
	defer rows.Close()

	applied := make(map[string]time.Time)
	for rows.Next() {
		var unitID string
		var at time.Time
		if err := rows.Scan(&unitID, &at); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		applied[unitID] = at
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read ledger in %s: %w", namespace, err)
	}
	return applied, nil
}

// ApplyUnit executes a change unit's statements and records it in the ledger
// inside one transaction, so a unit is either fully applied and recorded or
// not applied at all.
func (s *SchemaSession) ApplyUnit(ctx context.Context, namespace, unitID string, statements []string) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin unit %s: %w", unitID, err)
	}
	for _, stmt := range statements {
		rendered := strings.ReplaceAll(stmt, schemaPlaceholder, quoteIdent(namespace))
		if _, err := tx.Exec(ctx, rendered); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("execute unit %s: %w", unitID, err)
		}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+quoteIdent(namespace)+`.schema_changes (unit_id) VALUES ($1) ON CONFLICT DO NOTHING`,
		unitID,
	); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("record unit %s: %w", unitID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit unit %s: %w", unitID, err)
	}
	return nil
}

// RecordUnit inserts a bare ledger row without running any DDL. Used for
// sentinel markers.
func (s *SchemaSession) RecordUnit(ctx context.Context, namespace, unitID string) error {
	_, err := s.conn.Exec(ctx,
		`INSERT INTO `+quoteIdent(namespace)+`.schema_changes (unit_id) VALUES ($1) ON CONFLICT DO NOTHING`,
		unitID,
	)
	if err != nil {
		return fmt.Errorf("record unit %s: %w", unitID, err)
	}
	return nil
}

func (s *SchemaSession) DeleteUnit(ctx context.Context, namespace, unitID string) error {
	_, err := s.conn.Exec(ctx,
		`DELETE FROM `+quoteIdent(namespace)+`.schema_changes WHERE unit_id=$1`,
		unitID,
	)
	if err != nil {
		return fmt.Errorf("delete unit %s: %w", unitID, err)
	}
	return nil
}

func (s *SchemaSession) ListTables(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema=$1 AND table_type='BASE TABLE'
		ORDER BY table_name
	`, namespace)
	if err != nil {
		return nil, fmt.Errorf("list tables in %s: %w", namespace, err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tables in %s: %w", namespace, err)
	}
	return tables, nil
}

// LockTenant takes the distributed per-tenant advisory lock on this session.
// Required whenever more than one process instance can provision; the
// lock_timeout configured at connect bounds the wait.
func (s *SchemaSession) LockTenant(ctx context.Context, tenantID uuid.UUID) error {
	if _, err := s.conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, advisoryKey(tenantID)); err != nil {
		return fmt.Errorf("lock tenant %s: %w", tenantID, err)
	}
	return nil
}

func (s *SchemaSession) UnlockTenant(ctx context.Context, tenantID uuid.UUID) error {
	if _, err := s.conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, advisoryKey(tenantID)); err != nil {
		return fmt.Errorf("unlock tenant %s: %w", tenantID, err)
	}
	return nil
}

// advisoryKey maps a tenant UUID onto the int64 keyspace of Postgres
// advisory locks using the UUID's first eight bytes.
func advisoryKey(tenantID uuid.UUID) int64 {
	return int64(binary.BigEndian.Uint64(tenantID[:8]))
}

func quoteIdent(ident string) string {
	return pgx.Identifier{ident}.Sanitize()
}

// IsTimeout reports whether err is a statement or lock-wait timeout raised
// by the database under the session's configured limits.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 57014 query_canceled (statement_timeout), 55P03 lock_not_available.
		return pgErr.Code == "57014" || pgErr.Code == "55P03"
	}
	return false
}
