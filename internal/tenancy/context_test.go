package tenancy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
)

type fakeRow struct {
	value string
	err   error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != 1 {
		return fmt.Errorf("expected 1 destination, got %d", len(dest))
	}
	ptr, ok := dest[0].(*string)
	if !ok {
		return fmt.Errorf("expected *string destination")
	}
	*ptr = r.value
	return nil
}

// fakeConn mimics a session: set_config updates the search path it echoes
// back on SHOW.
type fakeConn struct {
	searchPath string
	execErr    error
	showErr    error
	// reportedPath overrides the echo, to simulate a binding mismatch.
	reportedPath string
	closed       bool
	execs        []string
}

func (c *fakeConn) Exec(ctx context.Context, sql string, args ...any) error {
	c.execs = append(c.execs, sql)
	if c.execErr != nil {
		return c.execErr
	}
	if strings.Contains(sql, "set_config") && len(args) == 1 {
		c.searchPath = args[0].(string)
	}
	return nil
}

func (c *fakeConn) QueryRow(ctx context.Context, sql string, args ...any) Row {
	if c.showErr != nil {
		return fakeRow{err: c.showErr}
	}
	if c.reportedPath != "" {
		return fakeRow{value: c.reportedPath}
	}
	return fakeRow{value: c.searchPath}
}

func (c *fakeConn) Close(ctx context.Context) error {
	c.closed = true
	return nil
}

type fakeConnector struct {
	conn *fakeConn
	err  error
}

func (f *fakeConnector) Connect(ctx context.Context) (Conn, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.conn, nil
}

func TestWithTenantBindsAndCleansUp(t *testing.T) {
	tenantID := uuid.New()
	conn := &fakeConn{}
	manager := NewManager(&fakeConnector{conn: conn})
	ctx := WithBindingHolder(context.Background())

	var sawBinding Binding
	err := manager.WithTenant(ctx, tenantID, func(ctx context.Context, c Conn) error {
		b, ok := CurrentBinding(ctx)
		if !ok {
			t.Fatal("no binding visible inside fn")
		}
		sawBinding = b
		return nil
	})
	if err != nil {
		t.Fatalf("WithTenant() error = %v", err)
	}
	if sawBinding.TenantID != tenantID || sawBinding.Namespace != NamespaceFor(tenantID) {
		t.Fatalf("binding inside fn = %+v", sawBinding)
	}
	if !conn.closed {
		t.Fatal("dedicated connection not closed")
	}
	if _, ok := CurrentBinding(ctx); ok {
		t.Fatal("binding still set after WithTenant returned")
	}
}

func TestWithTenantRejectsNilID(t *testing.T) {
	manager := NewManager(&fakeConnector{conn: &fakeConn{}})
	err := manager.WithTenant(context.Background(), uuid.Nil, func(context.Context, Conn) error {
		t.Fatal("fn must not run")
		return nil
	})
	if !errors.Is(err, ErrInvalidTenantID) {
		t.Fatalf("WithTenant() error = %v, want ErrInvalidTenantID", err)
	}
}

func TestWithTenantConnectFailure(t *testing.T) {
	manager := NewManager(&fakeConnector{err: errors.New("connection refused")})
	err := manager.WithTenant(context.Background(), uuid.New(), func(context.Context, Conn) error {
		t.Fatal("fn must not run")
		return nil
	})
	if !errors.Is(err, ErrContextFailure) {
		t.Fatalf("WithTenant() error = %v, want ErrContextFailure", err)
	}
}

func TestWithTenantVerifiesBinding(t *testing.T) {
	conn := &fakeConn{reportedPath: "some_other_schema, public"}
	manager := NewManager(&fakeConnector{conn: conn})

	err := manager.WithTenant(context.Background(), uuid.New(), func(context.Context, Conn) error {
		t.Fatal("fn must not run on a misbound connection")
		return nil
	})
	if !errors.Is(err, ErrContextFailure) {
		t.Fatalf("WithTenant() error = %v, want ErrContextFailure", err)
	}
	if !conn.closed {
		t.Fatal("misbound connection not closed")
	}
}

func TestWithTenantClosesOnFnError(t *testing.T) {
	conn := &fakeConn{}
	manager := NewManager(&fakeConnector{conn: conn})
	ctx := WithBindingHolder(context.Background())

	wantErr := errors.New("handler failed")
	err := manager.WithTenant(ctx, uuid.New(), func(context.Context, Conn) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("WithTenant() error = %v, want %v", err, wantErr)
	}
	if !conn.closed {
		t.Fatal("connection not closed after fn error")
	}
	if _, ok := CurrentBinding(ctx); ok {
		t.Fatal("binding survived fn error")
	}
}

func TestWithTenantClosesOnPanic(t *testing.T) {
	conn := &fakeConn{}
	manager := NewManager(&fakeConnector{conn: conn})
	ctx := WithBindingHolder(context.Background())

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = manager.WithTenant(ctx, uuid.New(), func(context.Context, Conn) error {
			panic("handler blew up")
		})
	}()

	if !conn.closed {
		t.Fatal("connection not closed after panic")
	}
	if _, ok := CurrentBinding(ctx); ok {
		t.Fatal("binding survived panic")
	}
}

func TestWithTenantPreserveBinding(t *testing.T) {
	tenantID := uuid.New()
	conn := &fakeConn{}
	manager := NewManager(&fakeConnector{conn: conn})
	ctx := WithBindingHolder(context.Background())

	err := manager.WithTenant(ctx, tenantID, func(context.Context, Conn) error {
		return nil
	}, PreserveBinding())
	if err != nil {
		t.Fatalf("WithTenant() error = %v", err)
	}
	if !conn.closed {
		t.Fatal("connection must close even when the binding is preserved")
	}
	b, ok := CurrentBinding(ctx)
	if !ok || b.TenantID != tenantID {
		t.Fatalf("preserved binding = %+v, ok=%v", b, ok)
	}

	ClearBinding(ctx)
	if _, ok := CurrentBinding(ctx); ok {
		t.Fatal("ClearBinding did not clear the preserved binding")
	}
}

func TestSequentialBindingsDoNotLeak(t *testing.T) {
	t1, t2 := uuid.New(), uuid.New()
	manager := NewManager(&fakeConnector{conn: &fakeConn{}})
	ctx := WithBindingHolder(context.Background())

	if err := manager.WithTenant(ctx, t1, func(context.Context, Conn) error { return nil }); err != nil {
		t.Fatalf("WithTenant(t1) error = %v", err)
	}

	// A fresh connection bound to t2 must observe t2, never t1.
	conn2 := &fakeConn{}
	manager2 := NewManager(&fakeConnector{conn: conn2})
	err := manager2.WithTenant(ctx, t2, func(ctx context.Context, c Conn) error {
		if got := firstSchema(conn2.searchPath); got != NamespaceFor(t2) {
			t.Fatalf("second binding sees %q, want %q", got, NamespaceFor(t2))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTenant(t2) error = %v", err)
	}
}

func TestFirstSchema(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`tenant_ab, public`, "tenant_ab"},
		{`"tenant_ab", public`, "tenant_ab"},
		{`public`, "public"},
		{` tenant_ab `, "tenant_ab"},
	}
	for _, tc := range cases {
		if got := firstSchema(tc.in); got != tc.want {
			t.Fatalf("firstSchema(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
