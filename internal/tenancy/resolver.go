package tenancy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Principal is the authenticated user attached to a request by the (external)
// authentication layer.
type Principal struct {
	UserID string
}

// TenantLookup finds the active tenant owned by a user. The bool result is
// false when the user has no tenant association.
type TenantLookup interface {
	ActiveTenantID(ctx context.Context, ownerUserID string) (uuid.UUID, bool, error)
}

// TenantLookupFunc adapts a function to the TenantLookup interface.
type TenantLookupFunc func(ctx context.Context, ownerUserID string) (uuid.UUID, bool, error)

func (f TenantLookupFunc) ActiveTenantID(ctx context.Context, ownerUserID string) (uuid.UUID, bool, error) {
	return f(ctx, ownerUserID)
}

// Resolution is the outcome of resolving a request's tenant signal.
type Resolution struct {
	TenantID  uuid.UUID
	Namespace string
	// Shared is true when the request resolves to the public namespace.
	Shared bool
}

// Resolver turns a request's tenant signal into a namespace identifier. An
// explicit header identifier wins and resolves purely; otherwise the
// principal's stored tenant association is consulted; otherwise the shared
// namespace. No side effects, safe to call any number of times per request.
type Resolver struct {
	lookup TenantLookup
}

func NewResolver(lookup TenantLookup) *Resolver {
	return &Resolver{lookup: lookup}
}

// SharedResolution is what every unsignalled or failed request binds to.
func SharedResolution() Resolution {
	return Resolution{Namespace: PublicNamespace, Shared: true}
}

func (r *Resolver) Resolve(ctx context.Context, explicitID string, principal *Principal) (Resolution, error) {
	if trimmed := strings.TrimSpace(explicitID); trimmed != "" {
		id, err := uuid.Parse(trimmed)
		if err != nil {
			return Resolution{}, fmt.Errorf("%w: %q", ErrInvalidTenantID, trimmed)
		}
		if id == uuid.Nil {
			return Resolution{}, fmt.Errorf("%w: nil uuid", ErrInvalidTenantID)
		}
		return Resolution{TenantID: id, Namespace: NamespaceFor(id)}, nil
	}

	if principal != nil && principal.UserID != "" {
		id, ok, err := r.lookup.ActiveTenantID(ctx, principal.UserID)
		if err != nil {
			return Resolution{}, fmt.Errorf("resolve principal tenant: %w", err)
		}
		if ok {
			return Resolution{TenantID: id, Namespace: NamespaceFor(id)}, nil
		}
	}

	return SharedResolution(), nil
}

// IsInvalidTenant reports whether err came from a malformed tenant signal.
func IsInvalidTenant(err error) bool {
	return errors.Is(err, ErrInvalidTenantID)
}
