package tenancy

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestResolveExplicitHeaderWins(t *testing.T) {
	headerID := uuid.MustParse("4dcf9c0a-51a4-4a4e-9a5e-0a8f3a1a2b3c")
	ownerID := uuid.MustParse("9f0a1b2c-3d4e-4f50-8162-738495a6b7c8")

	resolver := NewResolver(TenantLookupFunc(func(ctx context.Context, ownerUserID string) (uuid.UUID, bool, error) {
		return ownerID, true, nil
	}))

	res, err := resolver.Resolve(context.Background(), headerID.String(), &Principal{UserID: "user-1"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.TenantID != headerID {
		t.Fatalf("Resolve() tenant = %s, want header tenant %s", res.TenantID, headerID)
	}
	if res.Namespace != NamespaceFor(headerID) {
		t.Fatalf("Resolve() namespace = %q, want %q", res.Namespace, NamespaceFor(headerID))
	}
	if res.Shared {
		t.Fatal("Resolve() reported shared for explicit tenant")
	}
}

func TestResolveMalformedHeader(t *testing.T) {
	resolver := NewResolver(TenantLookupFunc(func(ctx context.Context, ownerUserID string) (uuid.UUID, bool, error) {
		t.Fatal("lookup must not run for explicit header")
		return uuid.Nil, false, nil
	}))

	cases := []string{"not-a-uuid", "12345", uuid.Nil.String()}
	for _, raw := range cases {
		if _, err := resolver.Resolve(context.Background(), raw, nil); !errors.Is(err, ErrInvalidTenantID) {
			t.Fatalf("Resolve(%q) error = %v, want ErrInvalidTenantID", raw, err)
		}
	}
}

func TestResolvePrincipalAssociation(t *testing.T) {
	tenantID := uuid.MustParse("9f0a1b2c-3d4e-4f50-8162-738495a6b7c8")
	resolver := NewResolver(TenantLookupFunc(func(ctx context.Context, ownerUserID string) (uuid.UUID, bool, error) {
		if ownerUserID != "user-1" {
			return uuid.Nil, false, nil
		}
		return tenantID, true, nil
	}))

	res, err := resolver.Resolve(context.Background(), "", &Principal{UserID: "user-1"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.TenantID != tenantID || res.Shared {
		t.Fatalf("Resolve() = %+v, want principal tenant %s", res, tenantID)
	}
}

func TestResolveFallsBackToShared(t *testing.T) {
	resolver := NewResolver(TenantLookupFunc(func(ctx context.Context, ownerUserID string) (uuid.UUID, bool, error) {
		return uuid.Nil, false, nil
	}))

	for _, principal := range []*Principal{nil, {UserID: ""}, {UserID: "user-without-tenant"}} {
		res, err := resolver.Resolve(context.Background(), "", principal)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if !res.Shared || res.Namespace != PublicNamespace {
			t.Fatalf("Resolve() = %+v, want shared resolution", res)
		}
	}
}

func TestResolveIsRepeatable(t *testing.T) {
	calls := 0
	resolver := NewResolver(TenantLookupFunc(func(ctx context.Context, ownerUserID string) (uuid.UUID, bool, error) {
		calls++
		return uuid.Nil, false, nil
	}))

	id := uuid.New()
	for i := 0; i < 3; i++ {
		res, err := resolver.Resolve(context.Background(), id.String(), nil)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if res.TenantID != id {
			t.Fatalf("Resolve() tenant = %s, want %s", res.TenantID, id)
		}
	}
	if calls != 0 {
		t.Fatalf("explicit resolution performed %d lookups, want 0", calls)
	}
}

func TestNamespaceFor(t *testing.T) {
	id := uuid.MustParse("4dcf9c0a-51a4-4a4e-9a5e-0a8f3a1a2b3c")
	want := "tenant_4dcf9c0a51a44a4e9a5e0a8f3a1a2b3c"
	if got := NamespaceFor(id); got != want {
		t.Fatalf("NamespaceFor() = %q, want %q", got, want)
	}
}
