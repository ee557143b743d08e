package provision

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"meridian/api/internal/store"
	"meridian/api/internal/tenancy"

	"github.com/google/uuid"
)

// Session is one dedicated database session for namespace DDL. The advisory
// tenant lock is held on the session itself, so closing it always releases
// the lock.
type Session interface {
	NamespaceExists(ctx context.Context, namespace string) (bool, error)
	CreateNamespace(ctx context.Context, namespace string) error
	DropNamespace(ctx context.Context, namespace string) error
	GrantUsage(ctx context.Context, namespace, role string) error
	EnsureLedger(ctx context.Context, namespace string) error
	LedgerExists(ctx context.Context, namespace string) (bool, error)
	AppliedUnits(ctx context.Context, namespace string) (map[string]time.Time, error)
	ApplyUnit(ctx context.Context, namespace, unitID string, statements []string) error
	RecordUnit(ctx context.Context, namespace, unitID string) error
	DeleteUnit(ctx context.Context, namespace, unitID string) error
	ListTables(ctx context.Context, namespace string) ([]string, error)
	LockTenant(ctx context.Context, tenantID uuid.UUID) error
	UnlockTenant(ctx context.Context, tenantID uuid.UUID) error
	Close(ctx context.Context) error
}

// SessionFactory dials a fresh Session per provisioning attempt.
type SessionFactory func(ctx context.Context) (Session, error)

// Registry is the slice of the tenant registry this package needs.
type Registry interface {
	GetTenant(ctx context.Context, id uuid.UUID) (store.Tenant, error)
	UpdateStorageStatus(ctx context.Context, id uuid.UUID, status store.StorageStatus, lastError string) error
}

// Resource is an auxiliary tenant-scoped resource ensured during full
// provisioning, such as an asset bucket or a search index. Verify consults
// Exists so a vanished resource is repaired the same way a missing table is.
type Resource interface {
	Name() string
	Ensure(ctx context.Context, tenantID uuid.UUID) error
	Exists(ctx context.Context, tenantID uuid.UUID) (bool, error)
}

// Provisioner creates tenant namespaces idempotently. Per-tenant ordering is
// enforced twice: a process-local mutex keyed by tenant ID, and a Postgres
// advisory lock taken on the provisioning session for the multi-instance
// case. Different tenants never share a lock.
type Provisioner struct {
	registry  Registry
	sessions  SessionFactory
	dbRole    string
	resources []Resource

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func New(registry Registry, sessions SessionFactory, dbRole string, resources ...Resource) *Provisioner {
	return &Provisioner{
		registry:  registry,
		sessions:  sessions,
		dbRole:    dbRole,
		resources: resources,
		locks:     make(map[uuid.UUID]*sync.Mutex),
	}
}

func (p *Provisioner) lockTenantLocal(tenantID uuid.UUID) func() {
	p.mu.Lock()
	l, ok := p.locks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[tenantID] = l
	}
	p.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// classify wraps an infrastructure error with the taxonomy sentinel that best
// describes it. Timeouts win over the fallback sentinel.
func classify(err, fallback error) error {
	if store.IsTimeout(err) {
		return fmt.Errorf("%w: %v", ErrProvisioningTimeout, err)
	}
	if fallback != nil {
		return fmt.Errorf("%w: %v", fallback, err)
	}
	return err
}

// EnsureMinimal creates the tenant's namespace with the smallest table set
// onboarding needs, plus the ledger and the deferred sentinel. Idempotent;
// safe under concurrent invocation for the same tenant. A failure after this
// call created the namespace drops it again, so a tenant that started at
// not_created is never left with a half-built namespace.
func (p *Provisioner) EnsureMinimal(ctx context.Context, tenantID uuid.UUID) (store.StorageStatus, error) {
	tenant, err := p.registry.GetTenant(ctx, tenantID)
	if err != nil {
		return "", err
	}

	unlock := p.lockTenantLocal(tenantID)
	defer unlock()

	session, err := p.sessions(ctx)
	if err != nil {
		return "", classify(err, ErrNamespaceCreationFailed)
	}
	defer session.Close(ctx)

	if err := session.LockTenant(ctx, tenantID); err != nil {
		return "", classify(err, ErrNamespaceCreationFailed)
	}
	defer func() { _ = session.UnlockTenant(ctx, tenantID) }()

	namespace := tenancy.NamespaceFor(tenant.ID)
	existed, err := session.NamespaceExists(ctx, namespace)
	if err != nil {
		return "", classify(err, ErrNamespaceCreationFailed)
	}

	status, err := p.applyMinimal(ctx, session, namespace, existed)
	if err != nil {
		if !existed {
			// Compensating cleanup of the namespace this attempt created.
			if dropErr := session.DropNamespace(ctx, namespace); dropErr != nil {
				err = fmt.Errorf("%w (cleanup also failed: %v)", err, dropErr)
			}
		}
		p.recordFailure(ctx, tenant, err)
		return store.StorageError, classify(err, ErrNamespaceCreationFailed)
	}

	p.recordStatus(ctx, tenant, status)
	return status, nil
}

func (p *Provisioner) applyMinimal(ctx context.Context, session Session, namespace string, existed bool) (store.StorageStatus, error) {
	if !existed {
		if err := session.CreateNamespace(ctx, namespace); err != nil {
			return "", err
		}
	}
	if err := session.GrantUsage(ctx, namespace, p.dbRole); err != nil {
		return "", err
	}
	if err := session.EnsureLedger(ctx, namespace); err != nil {
		return "", err
	}
	applied, err := session.AppliedUnits(ctx, namespace)
	if err != nil {
		return "", err
	}
	for _, unit := range MinimalUnits() {
		if _, done := applied[unit.ID]; done {
			continue
		}
		if err := session.ApplyUnit(ctx, namespace, unit.ID, unit.Statements); err != nil {
			return "", err
		}
		applied[unit.ID] = time.Now()
	}

	// If every unit is already in the ledger the tenant is fully provisioned
	// and the sentinel must not reappear.
	allApplied := true
	for _, unit := range Changeset {
		if _, done := applied[unit.ID]; !done {
			allApplied = false
			break
		}
	}
	if allApplied {
		return store.StorageComplete, nil
	}
	if err := session.RecordUnit(ctx, namespace, DeferredSentinel); err != nil {
		return "", err
	}
	return store.StorageMinimal, nil
}

// EnsureComplete applies every change unit not yet in the ledger, ensures the
// auxiliary resources, clears the deferred sentinel, and marks the tenant
// complete. Never drops anything: a failure leaves the applied units in place
// (the recorded state is resumable) and only moves the status to error.
func (p *Provisioner) EnsureComplete(ctx context.Context, tenantID uuid.UUID) (store.StorageStatus, error) {
	tenant, err := p.registry.GetTenant(ctx, tenantID)
	if err != nil {
		return "", err
	}

	unlock := p.lockTenantLocal(tenantID)
	defer unlock()

	session, err := p.sessions(ctx)
	if err != nil {
		return "", classify(err, nil)
	}
	defer session.Close(ctx)

	if err := session.LockTenant(ctx, tenantID); err != nil {
		return "", classify(err, nil)
	}
	defer func() { _ = session.UnlockTenant(ctx, tenantID) }()

	namespace := tenancy.NamespaceFor(tenant.ID)
	if err := p.applyComplete(ctx, session, namespace); err != nil {
		p.recordFailure(ctx, tenant, err)
		return store.StorageError, classify(err, nil)
	}

	for _, res := range p.resources {
		if err := res.Ensure(ctx, tenantID); err != nil {
			err = fmt.Errorf("ensure %s: %w", res.Name(), err)
			p.recordFailure(ctx, tenant, err)
			return store.StorageError, classify(err, nil)
		}
	}

	if err := session.DeleteUnit(ctx, namespace, DeferredSentinel); err != nil {
		p.recordFailure(ctx, tenant, err)
		return store.StorageError, classify(err, nil)
	}

	p.recordStatus(ctx, tenant, store.StorageComplete)
	return store.StorageComplete, nil
}

func (p *Provisioner) applyComplete(ctx context.Context, session Session, namespace string) error {
	exists, err := session.NamespaceExists(ctx, namespace)
	if err != nil {
		return err
	}
	if !exists {
		if err := session.CreateNamespace(ctx, namespace); err != nil {
			return err
		}
	}
	if err := session.GrantUsage(ctx, namespace, p.dbRole); err != nil {
		return err
	}
	if err := session.EnsureLedger(ctx, namespace); err != nil {
		return err
	}
	applied, err := session.AppliedUnits(ctx, namespace)
	if err != nil {
		return err
	}
	for _, unit := range Changeset {
		if _, done := applied[unit.ID]; done {
			continue
		}
		if err := session.ApplyUnit(ctx, namespace, unit.ID, unit.Statements); err != nil {
			return err
		}
	}
	return nil
}

// Verify reports whether the tenant's storage is complete: the namespace
// holds the full expected table set and every auxiliary resource is present.
// The missing list names absent tables and resources. Read-only; takes no
// locks.
func (p *Provisioner) Verify(ctx context.Context, tenantID uuid.UUID) (bool, []string, error) {
	tenant, err := p.registry.GetTenant(ctx, tenantID)
	if err != nil {
		return false, nil, err
	}

	session, err := p.sessions(ctx)
	if err != nil {
		return false, nil, classify(err, nil)
	}
	defer session.Close(ctx)

	namespace := tenancy.NamespaceFor(tenant.ID)
	exists, err := session.NamespaceExists(ctx, namespace)
	if err != nil {
		return false, nil, classify(err, nil)
	}
	if !exists {
		return false, ExpectedTables(), nil
	}

	tables, err := session.ListTables(ctx, namespace)
	if err != nil {
		return false, nil, classify(err, nil)
	}
	present := make(map[string]bool, len(tables))
	for _, t := range tables {
		present[t] = true
	}
	var missing []string
	for _, want := range ExpectedTables() {
		if !present[want] {
			missing = append(missing, want)
		}
	}
	for _, res := range p.resources {
		has, err := res.Exists(ctx, tenantID)
		if err != nil {
			return false, nil, classify(fmt.Errorf("probe %s: %w", res.Name(), err), nil)
		}
		if !has {
			missing = append(missing, res.Name())
		}
	}
	return len(missing) == 0, missing, nil
}

// ProbeResult is what the request interceptor needs to decide between
// provisioning inline, deferring, and binding straight away.
type ProbeResult struct {
	NamespaceExists bool
	LedgerPresent   bool
	Deferred        bool
}

// Probe inspects a tenant's namespace without locking or mutating anything.
func (p *Provisioner) Probe(ctx context.Context, tenantID uuid.UUID) (ProbeResult, error) {
	tenant, err := p.registry.GetTenant(ctx, tenantID)
	if err != nil {
		return ProbeResult{}, err
	}

	session, err := p.sessions(ctx)
	if err != nil {
		return ProbeResult{}, classify(err, nil)
	}
	defer session.Close(ctx)

	namespace := tenancy.NamespaceFor(tenant.ID)
	var result ProbeResult
	result.NamespaceExists, err = session.NamespaceExists(ctx, namespace)
	if err != nil {
		return ProbeResult{}, classify(err, nil)
	}
	if !result.NamespaceExists {
		return result, nil
	}
	result.LedgerPresent, err = session.LedgerExists(ctx, namespace)
	if err != nil {
		return ProbeResult{}, classify(err, nil)
	}
	if result.LedgerPresent {
		applied, err := session.AppliedUnits(ctx, namespace)
		if err != nil {
			return ProbeResult{}, classify(err, nil)
		}
		_, result.Deferred = applied[DeferredSentinel]
	}
	return result, nil
}

func (p *Provisioner) recordStatus(ctx context.Context, tenant store.Tenant, status store.StorageStatus) {
	if !tenant.StorageStatus.CanTransition(status) {
		// A complete tenant stays complete even when a minimal pass reruns.
		return
	}
	if err := p.registry.UpdateStorageStatus(ctx, tenant.ID, status, ""); err != nil {
		// Status bookkeeping must not fail provisioning that already succeeded.
		log.Printf("provision: update status for tenant %s: %v", tenant.ID, err)
	}
}

func (p *Provisioner) recordFailure(ctx context.Context, tenant store.Tenant, cause error) {
	_ = p.registry.UpdateStorageStatus(ctx, tenant.ID, store.StorageError, cause.Error())
}
