package reconcile

import (
	"context"
	"errors"
	"testing"

	"meridian/api/internal/metrics"
	"meridian/api/internal/provision"
	"meridian/api/internal/store"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

type fakeRegistry struct {
	tenants       []store.Tenant
	listErr       error
	statusUpdates map[uuid.UUID]store.StorageStatus
	touched       map[uuid.UUID]int
}

func (f *fakeRegistry) ListActive(ctx context.Context) ([]store.Tenant, error) {
	return f.tenants, f.listErr
}

func (f *fakeRegistry) UpdateStorageStatus(ctx context.Context, id uuid.UUID, status store.StorageStatus, lastError string) error {
	if f.statusUpdates == nil {
		f.statusUpdates = make(map[uuid.UUID]store.StorageStatus)
	}
	f.statusUpdates[id] = status
	return nil
}

func (f *fakeRegistry) TouchHealthCheck(ctx context.Context, id uuid.UUID) error {
	if f.touched == nil {
		f.touched = make(map[uuid.UUID]int)
	}
	f.touched[id]++
	return nil
}

type fakeProvisioner struct {
	probe         func(id uuid.UUID) (provision.ProbeResult, error)
	verify        func(id uuid.UUID) (bool, []string, error)
	ensureErr     error
	ensureMinimal map[uuid.UUID]int
}

func (f *fakeProvisioner) EnsureMinimal(ctx context.Context, id uuid.UUID) (store.StorageStatus, error) {
	if f.ensureMinimal == nil {
		f.ensureMinimal = make(map[uuid.UUID]int)
	}
	f.ensureMinimal[id]++
	if f.ensureErr != nil {
		return store.StorageError, f.ensureErr
	}
	return store.StorageMinimal, nil
}

func (f *fakeProvisioner) Verify(ctx context.Context, id uuid.UUID) (bool, []string, error) {
	if f.verify == nil {
		return true, nil, nil
	}
	return f.verify(id)
}

func (f *fakeProvisioner) Probe(ctx context.Context, id uuid.UUID) (provision.ProbeResult, error) {
	if f.probe == nil {
		return provision.ProbeResult{NamespaceExists: true, LedgerPresent: true}, nil
	}
	return f.probe(id)
}

type fakeQueue struct {
	submitted map[uuid.UUID]int
	err       error
}

func (f *fakeQueue) Submit(ctx context.Context, jobType string, tenantID uuid.UUID) error {
	if f.submitted == nil {
		f.submitted = make(map[uuid.UUID]int)
	}
	f.submitted[tenantID]++
	return f.err
}

func activeTenant(status store.StorageStatus) store.Tenant {
	return store.Tenant{
		ID:            uuid.New(),
		Name:          "Tenant",
		OwnerUserID:   "user-1",
		StorageStatus: status,
		Active:        true,
	}
}

func newTestWorker(registry *fakeRegistry, provisioner *fakeProvisioner, queue *fakeQueue) *Worker {
	return NewWorker(registry, provisioner, queue, metrics.NewWith(prometheus.NewRegistry()))
}

func TestRunOnceCreatesMissingNamespaces(t *testing.T) {
	tenant := activeTenant(store.StorageNotCreated)
	registry := &fakeRegistry{tenants: []store.Tenant{tenant}}
	provisioner := &fakeProvisioner{
		probe: func(id uuid.UUID) (provision.ProbeResult, error) {
			return provision.ProbeResult{}, nil
		},
	}
	queue := &fakeQueue{}

	counts, err := newTestWorker(registry, provisioner, queue).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if counts.Checked != 1 || counts.Created != 1 || counts.Fixed != 0 || counts.Errored != 0 {
		t.Fatalf("counts = %+v, want checked=1 created=1", counts)
	}
	if provisioner.ensureMinimal[tenant.ID] != 1 {
		t.Fatalf("EnsureMinimal ran %d times, want 1", provisioner.ensureMinimal[tenant.ID])
	}
	if queue.submitted[tenant.ID] != 1 {
		t.Fatalf("job submitted %d times, want 1", queue.submitted[tenant.ID])
	}
}

func TestRunOnceSubmitsJobForIncompleteNamespace(t *testing.T) {
	tenant := activeTenant(store.StorageMinimal)
	registry := &fakeRegistry{tenants: []store.Tenant{tenant}}
	provisioner := &fakeProvisioner{
		verify: func(id uuid.UUID) (bool, []string, error) {
			return false, []string{"ads_campaigns", "messaging_messages"}, nil
		},
	}
	queue := &fakeQueue{}

	counts, err := newTestWorker(registry, provisioner, queue).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if counts.Fixed != 1 || counts.Created != 0 {
		t.Fatalf("counts = %+v, want fixed=1", counts)
	}
	if queue.submitted[tenant.ID] != 1 {
		t.Fatalf("job submitted %d times, want 1", queue.submitted[tenant.ID])
	}
	if len(provisioner.ensureMinimal) != 0 {
		t.Fatal("incomplete namespace must not be provisioned inline")
	}
}

func TestRunOnceRecoversStaleErrorStatus(t *testing.T) {
	tenant := activeTenant(store.StorageError)
	registry := &fakeRegistry{tenants: []store.Tenant{tenant}}
	provisioner := &fakeProvisioner{}
	queue := &fakeQueue{}

	counts, err := newTestWorker(registry, provisioner, queue).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if counts.Errored != 0 {
		t.Fatalf("counts = %+v, want no errors", counts)
	}
	if registry.statusUpdates[tenant.ID] != store.StorageComplete {
		t.Fatalf("status update = %s, want complete", registry.statusUpdates[tenant.ID])
	}
	if len(queue.submitted) != 0 {
		t.Fatal("healthy tenant submitted for provisioning")
	}
}

func TestRunOnceTouchesHealthyTenants(t *testing.T) {
	tenant := activeTenant(store.StorageComplete)
	registry := &fakeRegistry{tenants: []store.Tenant{tenant}}

	_, err := newTestWorker(registry, &fakeProvisioner{}, &fakeQueue{}).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if registry.touched[tenant.ID] != 1 {
		t.Fatalf("health check touched %d times, want 1", registry.touched[tenant.ID])
	}
	if len(registry.statusUpdates) != 0 {
		t.Fatal("healthy complete tenant had its status rewritten")
	}
}

func TestRunOnceCountsFailures(t *testing.T) {
	broken := activeTenant(store.StorageNotCreated)
	healthy := activeTenant(store.StorageComplete)
	registry := &fakeRegistry{tenants: []store.Tenant{broken, healthy}}
	provisioner := &fakeProvisioner{
		probe: func(id uuid.UUID) (provision.ProbeResult, error) {
			if id == broken.ID {
				return provision.ProbeResult{}, nil
			}
			return provision.ProbeResult{NamespaceExists: true, LedgerPresent: true}, nil
		},
		ensureErr: errors.New("session unavailable"),
	}
	queue := &fakeQueue{}

	counts, err := newTestWorker(registry, provisioner, queue).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if counts.Checked != 2 || counts.Errored != 1 || counts.Created != 0 {
		t.Fatalf("counts = %+v, want checked=2 errored=1", counts)
	}
	if len(queue.submitted) != 0 {
		t.Fatal("failed provisioning still submitted a job")
	}
	if registry.touched[healthy.ID] != 1 {
		t.Fatal("one broken tenant stopped the pass")
	}
}

func TestRunOnceListFailure(t *testing.T) {
	registry := &fakeRegistry{listErr: errors.New("db down")}

	_, err := newTestWorker(registry, &fakeProvisioner{}, &fakeQueue{}).RunOnce(context.Background())
	if err == nil {
		t.Fatal("RunOnce() swallowed the registry failure")
	}
}
