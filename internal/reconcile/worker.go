// Package reconcile detects and repairs tenants whose storage namespace is
// missing or incomplete. It runs independently of request traffic and goes
// through the same provisioner the request path uses, so overlapping passes
// and duplicate job submissions are harmless.
package reconcile

import (
	"context"
	"log"
	"time"

	"meridian/api/internal/jobs"
	"meridian/api/internal/metrics"
	"meridian/api/internal/provision"
	"meridian/api/internal/store"

	"github.com/google/uuid"
)

// Registry is the slice of the tenant registry this package needs.
type Registry interface {
	ListActive(ctx context.Context) ([]store.Tenant, error)
	UpdateStorageStatus(ctx context.Context, id uuid.UUID, status store.StorageStatus, lastError string) error
	TouchHealthCheck(ctx context.Context, id uuid.UUID) error
}

// Provisioner is the slice of the schema provisioner this package needs.
type Provisioner interface {
	EnsureMinimal(ctx context.Context, tenantID uuid.UUID) (store.StorageStatus, error)
	Verify(ctx context.Context, tenantID uuid.UUID) (bool, []string, error)
	Probe(ctx context.Context, tenantID uuid.UUID) (provision.ProbeResult, error)
}

// Counters are the aggregate results of one reconciliation pass.
type Counters struct {
	Checked int
	Created int
	Fixed   int
	Errored int
}

type Worker struct {
	registry    Registry
	provisioner Provisioner
	queue       jobs.Queue
	metrics     *metrics.Metrics
}

func NewWorker(registry Registry, provisioner Provisioner, queue jobs.Queue, m *metrics.Metrics) *Worker {
	return &Worker{registry: registry, provisioner: provisioner, queue: queue, metrics: m}
}

// RunOnce scans every active tenant. A tenant with no namespace gets a
// minimal namespace created inline and a full-provisioning job submitted; a
// tenant with an incomplete namespace just gets the job. Full provisioning
// never runs inline here, to bound the duration of one scan.
func (w *Worker) RunOnce(ctx context.Context) (Counters, error) {
	tenants, err := w.registry.ListActive(ctx)
	if err != nil {
		return Counters{}, err
	}

	var counts Counters
	for _, tenant := range tenants {
		if ctx.Err() != nil {
			break
		}
		counts.Checked++
		w.metrics.TenantsChecked.Inc()
		w.reconcileTenant(ctx, tenant, &counts)
	}

	log.Printf(`{"component":"reconcile","checked":%d,"created":%d,"fixed":%d,"errored":%d}`,
		counts.Checked, counts.Created, counts.Fixed, counts.Errored)
	return counts, nil
}

func (w *Worker) reconcileTenant(ctx context.Context, tenant store.Tenant, counts *Counters) {
	probe, err := w.provisioner.Probe(ctx, tenant.ID)
	if err != nil {
		counts.Errored++
		w.metrics.TenantsErrored.Inc()
		log.Printf("reconcile: probe tenant %s: %v", tenant.ID, err)
		return
	}

	if !probe.NamespaceExists {
		if _, err := w.provisioner.EnsureMinimal(ctx, tenant.ID); err != nil {
			counts.Errored++
			w.metrics.TenantsErrored.Inc()
			log.Printf("reconcile: create namespace for tenant %s: %v", tenant.ID, err)
			return
		}
		counts.Created++
		w.metrics.TenantsCreated.Inc()
		if err := w.queue.Submit(ctx, jobs.TypeProvisionTenant, tenant.ID); err != nil {
			counts.Errored++
			w.metrics.TenantsErrored.Inc()
			log.Printf("reconcile: submit job for tenant %s: %v", tenant.ID, err)
		}
		return
	}

	complete, missing, err := w.provisioner.Verify(ctx, tenant.ID)
	if err != nil {
		counts.Errored++
		w.metrics.TenantsErrored.Inc()
		log.Printf("reconcile: verify tenant %s: %v", tenant.ID, err)
		return
	}
	if !complete {
		if err := w.queue.Submit(ctx, jobs.TypeProvisionTenant, tenant.ID); err != nil {
			counts.Errored++
			w.metrics.TenantsErrored.Inc()
			log.Printf("reconcile: submit job for tenant %s: %v", tenant.ID, err)
			return
		}
		counts.Fixed++
		w.metrics.TenantsFixed.Inc()
		log.Printf("reconcile: tenant %s missing %d objects, full provisioning submitted", tenant.ID, len(missing))
		return
	}

	// Storage is healthy; recover the status if a past failure left it stale.
	if tenant.StorageStatus != store.StorageComplete {
		if err := w.registry.UpdateStorageStatus(ctx, tenant.ID, store.StorageComplete, ""); err != nil {
			log.Printf("reconcile: update status for tenant %s: %v", tenant.ID, err)
		}
		return
	}
	if err := w.registry.TouchHealthCheck(ctx, tenant.ID); err != nil {
		log.Printf("reconcile: touch tenant %s: %v", tenant.ID, err)
	}
}

// Runner fires RunOnce on a fixed interval until the context is cancelled.
type Runner struct {
	worker   *Worker
	interval time.Duration
}

func NewRunner(worker *Worker, interval time.Duration) *Runner {
	return &Runner{worker: worker, interval: interval}
}

func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.worker.RunOnce(ctx); err != nil {
				log.Printf("reconcile: pass failed: %v", err)
			}
		}
	}
}
