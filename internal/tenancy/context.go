package tenancy

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Row is the scan half of a single-row query.
type Row interface {
	Scan(dest ...any) error
}

// Conn is the dedicated tenant-bound database connection handed to the
// callback of WithTenant. It is never part of any pool; it is closed when
// the call returns.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) error
	QueryRow(ctx context.Context, sql string, args ...any) Row
	Close(ctx context.Context) error
}

// Connector dials fresh dedicated connections for tenant binding.
type Connector interface {
	Connect(ctx context.Context) (Conn, error)
}

type pgxConn struct {
	conn *pgx.Conn
}

func (c *pgxConn) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := c.conn.Exec(ctx, sql, args...)
	return err
}

func (c *pgxConn) QueryRow(ctx context.Context, sql string, args ...any) Row {
	return c.conn.QueryRow(ctx, sql, args...)
}

func (c *pgxConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

type pgxConnector struct {
	dial func(ctx context.Context) (*pgx.Conn, error)
}

func (c *pgxConnector) Connect(ctx context.Context) (Conn, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	return &pgxConn{conn: conn}, nil
}

// NewPgxConnector adapts a pgx dial function (typically store.Connector's
// Connect, which already applies the statement and lock timeouts).
func NewPgxConnector(dial func(ctx context.Context) (*pgx.Conn, error)) Connector {
	return &pgxConnector{dial: dial}
}

// Option tweaks one WithTenant call.
type Option func(*callOptions)

type callOptions struct {
	preserveBinding bool
}

// PreserveBinding leaves the context binding set after WithTenant returns so
// a chain of calls can reuse it. The connection is still closed; the caller
// owns clearing the binding via ClearBinding.
func PreserveBinding() Option {
	return func(o *callOptions) { o.preserveBinding = true }
}

// Manager binds database work to a tenant namespace on a dedicated
// connection with guaranteed teardown.
type Manager struct {
	connector Connector
}

func NewManager(connector Connector) *Manager {
	return &Manager{connector: connector}
}

// WithTenant acquires a dedicated autocommit connection, points its
// search_path at the tenant's namespace, verifies the binding by reading it
// back, records the binding on the request's holder, and runs fn. On every
// exit path, panics included, the connection is closed (never returned to a
// pool while tenant-bound) and the binding is cleared unless PreserveBinding
// was requested.
func (m *Manager) WithTenant(ctx context.Context, tenantID uuid.UUID, fn func(ctx context.Context, conn Conn) error, opts ...Option) error {
	if tenantID == uuid.Nil {
		return fmt.Errorf("%w: nil uuid", ErrInvalidTenantID)
	}
	var options callOptions
	for _, opt := range opts {
		opt(&options)
	}

	conn, err := m.connector.Connect(ctx)
	if err != nil {
		return fmt.Errorf("%w: acquire connection: %v", ErrContextFailure, err)
	}
	defer func() { _ = conn.Close(ctx) }()

	namespace := NamespaceFor(tenantID)
	if err := bindSearchPath(ctx, conn, namespace); err != nil {
		return err
	}

	binding := Binding{TenantID: tenantID, Namespace: namespace}
	holder := holderFrom(ctx)
	if holder != nil {
		holder.set(binding)
		if !options.preserveBinding {
			defer holder.clear()
		}
	}

	return fn(ctx, conn)
}

// bindSearchPath sets the session tenant binding and verifies it landed. A
// mismatch is never ignored; running against the wrong namespace silently is
// the one failure mode this subsystem must not have.
func bindSearchPath(ctx context.Context, conn Conn, namespace string) error {
	if err := conn.Exec(ctx, `SELECT set_config('search_path', $1, false)`, namespace+", "+PublicNamespace); err != nil {
		return fmt.Errorf("%w: set search_path: %v", ErrContextFailure, err)
	}

	var got string
	if err := conn.QueryRow(ctx, `SHOW search_path`).Scan(&got); err != nil {
		return fmt.Errorf("%w: read back search_path: %v", ErrContextFailure, err)
	}
	if first := firstSchema(got); first != namespace {
		return fmt.Errorf("%w: bound to %q, want %q", ErrContextFailure, first, namespace)
	}
	return nil
}

func firstSchema(searchPath string) string {
	first, _, _ := strings.Cut(searchPath, ",")
	return strings.Trim(strings.TrimSpace(first), `"`)
}
