package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
)

// maxStoredError caps the length of the last_error column so a verbose driver
// message cannot bloat the registry row.
const maxStoredError = 500

var ErrTenantNotFound = errors.New("tenant not found")

// ErrIllegalStatusTransition is returned when a storage-status update would
// violate the forward-only transition rule.
var ErrIllegalStatusTransition = errors.New("illegal storage status transition")

// PostgresRegistry reads and updates tenant rows on the shared pool. It is
// the system-of-record consumer: it creates rows only through the signup
// surface and never deletes them.
type PostgresRegistry struct {
	db *sql.DB
}

func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

func (r *PostgresRegistry) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

const tenantColumns = `id, name, owner_user_id, storage_status, last_error, last_checked_at, active, created_at`

func scanTenant(row interface{ Scan(...any) error }) (Tenant, error) {
	var t Tenant
	var lastErr sql.NullString
	var checkedAt sql.NullTime
	if err := row.Scan(&t.ID, &t.Name, &t.OwnerUserID, &t.StorageStatus, &lastErr, &checkedAt, &t.Active, &t.CreatedAt); err != nil {
		return Tenant{}, err
	}
	t.LastError = lastErr.String
	if checkedAt.Valid {
		at := checkedAt.Time
		t.LastCheckedAt = &at
	}
	return t, nil
}

func (r *PostgresRegistry) GetTenant(ctx context.Context, id uuid.UUID) (Tenant, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id=$1`, id)
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Tenant{}, ErrTenantNotFound
	}
	if err != nil {
		return Tenant{}, fmt.Errorf("lookup tenant: %w", err)
	}
	return t, nil
}

func (r *PostgresRegistry) GetTenantByOwner(ctx context.Context, ownerUserID string) (Tenant, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE owner_user_id=$1 AND active`, ownerUserID)
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Tenant{}, ErrTenantNotFound
	}
	if err != nil {
		return Tenant{}, fmt.Errorf("lookup tenant by owner: %w", err)
	}
	return t, nil
}

// CreateTenant inserts a new registry row at signup. Storage starts at
// not_created; the namespace is provisioned lazily later.
func (r *PostgresRegistry) CreateTenant(ctx context.Context, name, ownerUserID string) (Tenant, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO tenants (id, name, owner_user_id, storage_status, active)
		VALUES ($1, $2, $3, $4, TRUE)
		RETURNING `+tenantColumns,
		uuid.New(), name, ownerUserID, StorageNotCreated,
	)
	t, err := scanTenant(row)
	if err != nil {
		return Tenant{}, fmt.Errorf("insert tenant: %w", err)
	}
	return t, nil
}

func (r *PostgresRegistry) ListActive(ctx context.Context) ([]Tenant, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE active ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list active tenants: %w", err)
	}
	defer rows.Close()

	var tenants []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active tenants: %w", err)
	}
	return tenants, nil
}

// UpdateStorageStatus records the outcome of a provisioning attempt. The
// forward-only transition invariant is enforced inside the UPDATE itself by
// restricting the allowed current statuses, so a concurrent writer cannot
// slip an illegal transition between a read and the write.
func (r *PostgresRegistry) UpdateStorageStatus(ctx context.Context, id uuid.UUID, status StorageStatus, lastError string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrIllegalStatusTransition, status)
	}
	sources := TransitionSources(status)
	allowed := make([]string, len(sources))
	for i, s := range sources {
		allowed[i] = string(s)
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE tenants
		SET storage_status=$2, last_error=NULLIF($3, ''), last_checked_at=NOW()
		WHERE id=$1 AND storage_status = ANY($4)
	`, id, status, truncateError(lastError), allowed)
	if err != nil {
		return fmt.Errorf("update storage status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update storage status: %w", err)
	}
	if affected == 0 {
		current, getErr := r.GetTenant(ctx, id)
		if getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: %s -> %s", ErrIllegalStatusTransition, current.StorageStatus, status)
	}
	return nil
}

// truncateError caps the stored error message without splitting a multi-byte
// character at the cut.
func truncateError(message string) string {
	if len(message) <= maxStoredError {
		return message
	}
	cut := maxStoredError
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}

// TouchHealthCheck bumps last_checked_at without changing status. Used by
// reconciliation passes that found nothing to repair.
func (r *PostgresRegistry) TouchHealthCheck(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE tenants SET last_checked_at=NOW() WHERE id=$1`, id); err != nil {
		return fmt.Errorf("touch health check: %w", err)
	}
	return nil
}
