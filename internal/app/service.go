package app

import (
	"context"
	"net/http"
	"strings"

	"meridian/api/internal/config"
	"meridian/api/internal/profile"
	"meridian/api/internal/provision"
	"meridian/api/internal/reconcile"
	"meridian/api/internal/store"
	"meridian/api/internal/tenancy"

	"github.com/google/uuid"
)

// Registry is the tenant registry surface the HTTP layer needs.
type Registry interface {
	Ping(ctx context.Context) error
	GetTenant(ctx context.Context, id uuid.UUID) (store.Tenant, error)
	CreateTenant(ctx context.Context, name, ownerUserID string) (store.Tenant, error)
}

// Provisioner is the schema-provisioner surface the HTTP layer needs.
type Provisioner interface {
	EnsureMinimal(ctx context.Context, tenantID uuid.UUID) (store.StorageStatus, error)
	Verify(ctx context.Context, tenantID uuid.UUID) (bool, []string, error)
	Probe(ctx context.Context, tenantID uuid.UUID) (provision.ProbeResult, error)
}

// Binder scopes database work to one tenant with guaranteed teardown.
type Binder interface {
	WithTenant(ctx context.Context, tenantID uuid.UUID, fn func(ctx context.Context, conn tenancy.Conn) error, opts ...tenancy.Option) error
}

// Resolver turns request signals into a namespace resolution.
type Resolver interface {
	Resolve(ctx context.Context, explicitID string, principal *tenancy.Principal) (tenancy.Resolution, error)
}

// Profiles exposes the per-user deferral flag.
type Profiles interface {
	Get(ctx context.Context, userID string) (profile.Profile, error)
	SetDeferred(ctx context.Context, userID string, deferred bool) error
}

// Reconciler runs one reconciliation pass on demand.
type Reconciler interface {
	RunOnce(ctx context.Context) (reconcile.Counters, error)
}

type Service struct {
	cfg         config.Config
	registry    Registry
	provisioner Provisioner
	resolver    Resolver
	binder      Binder
	profiles    Profiles
	reconciler  Reconciler
}

func New(cfg config.Config, registry Registry, provisioner Provisioner, resolver Resolver, binder Binder, profiles Profiles, reconciler Reconciler) *Service {
	return &Service{
		cfg:         cfg,
		registry:    registry,
		provisioner: provisioner,
		resolver:    resolver,
		binder:      binder,
		profiles:    profiles,
		reconciler:  reconciler,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.registry.Ping(ctx)
}

func (s *Service) OpsToken() string {
	return s.cfg.OpsToken
}

// Signup creates the registry row for a new account. Storage stays at
// not_created; the namespace appears lazily on first qualifying request or
// through reconciliation.
func (s *Service) Signup(ctx context.Context, name, ownerUserID string) (store.Tenant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Tenant{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if strings.TrimSpace(ownerUserID) == "" {
		return store.Tenant{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "ownerUserId is required", nil)
	}
	return s.registry.CreateTenant(ctx, name, ownerUserID)
}

// StorageReport is the operator view of one tenant's provisioning state.
// Missing lists absent tables and auxiliary resources.
type StorageReport struct {
	TenantID      uuid.UUID           `json:"tenantId"`
	Namespace     string              `json:"namespace"`
	StorageStatus store.StorageStatus `json:"storageStatus"`
	LastError     string              `json:"lastError,omitempty"`
	Complete      bool                `json:"complete"`
	Missing       []string            `json:"missing"`
}

func (s *Service) Storage(ctx context.Context, tenantID uuid.UUID) (StorageReport, error) {
	tenant, err := s.registry.GetTenant(ctx, tenantID)
	if err != nil {
		return StorageReport{}, err
	}
	complete, missing, err := s.provisioner.Verify(ctx, tenantID)
	if err != nil {
		return StorageReport{}, err
	}
	if missing == nil {
		missing = []string{}
	}
	return StorageReport{
		TenantID:      tenant.ID,
		Namespace:     tenancy.NamespaceFor(tenant.ID),
		StorageStatus: tenant.StorageStatus,
		LastError:     tenant.LastError,
		Complete:      complete,
		Missing:       missing,
	}, nil
}

// FinishOnboarding clears the user's deferral flag so their next request may
// provision inline.
func (s *Service) FinishOnboarding(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId is required", nil)
	}
	return s.profiles.SetDeferred(ctx, userID, false)
}

func (s *Service) ReconcileNow(ctx context.Context) (reconcile.Counters, error) {
	return s.reconciler.RunOnce(ctx)
}
