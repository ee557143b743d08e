package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the tenancy subsystem's Prometheus metrics.
type Metrics struct {
	// Reconciliation counters
	TenantsChecked prometheus.Counter
	TenantsCreated prometheus.Counter
	TenantsFixed   prometheus.Counter
	TenantsErrored prometheus.Counter

	// Request interceptor counters
	SharedFallbacks  *prometheus.CounterVec
	InlineProvisions prometheus.Counter

	// Provisioning
	ProvisionDuration *prometheus.HistogramVec
}

// New creates and registers the metrics on the default registerer.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the metrics on a caller-supplied registerer, so tests can
// use a private registry.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TenantsChecked: factory.NewCounter(prometheus.CounterOpts{
			Name: "meridian_reconcile_tenants_checked_total",
			Help: "Tenants inspected by reconciliation passes",
		}),
		TenantsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "meridian_reconcile_tenants_created_total",
			Help: "Tenants whose missing namespace was created by reconciliation",
		}),
		TenantsFixed: factory.NewCounter(prometheus.CounterOpts{
			Name: "meridian_reconcile_tenants_fixed_total",
			Help: "Tenants with incomplete storage submitted for full provisioning",
		}),
		TenantsErrored: factory.NewCounter(prometheus.CounterOpts{
			Name: "meridian_reconcile_tenants_errored_total",
			Help: "Tenants whose reconciliation check or repair failed",
		}),
		SharedFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meridian_tenancy_shared_fallbacks_total",
			Help: "Requests served against the shared namespace instead of a tenant namespace",
		}, []string{"reason"}),
		InlineProvisions: factory.NewCounter(prometheus.CounterOpts{
			Name: "meridian_tenancy_inline_provisions_total",
			Help: "Namespaces provisioned inline by the request interceptor",
		}),
		ProvisionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meridian_provision_duration_seconds",
			Help:    "Duration of provisioning operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

// RegisterQueueDepth exposes the provisioning queue depth as a gauge sampled
// on every scrape.
func RegisterQueueDepth(reg prometheus.Registerer, depth func() float64) prometheus.GaugeFunc {
	return promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "meridian_jobs_queue_depth",
		Help: "Jobs waiting in the provisioning queue",
	}, depth)
}
