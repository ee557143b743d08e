package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"meridian/api/internal/app"
	"meridian/api/internal/assets"
	"meridian/api/internal/config"
	"meridian/api/internal/jobs"
	"meridian/api/internal/metrics"
	"meridian/api/internal/profile"
	"meridian/api/internal/provision"
	"meridian/api/internal/reconcile"
	"meridian/api/internal/searchidx"
	"meridian/api/internal/store"
	"meridian/api/internal/tenancy"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.Bootstrap(ctx, db); err != nil {
		log.Fatalf("bootstrap failed: %v", err)
	}

	registry := store.NewPostgresRegistry(db)
	connector := store.NewConnector(cfg.DatabaseURL, cfg.StatementTimeout, cfg.LockTimeout)
	schemaSessions := store.NewPostgresSchemaSessions(connector)

	var resources []provision.Resource
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		assetSvc, err := assets.New(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("minio connection failed: %v", err)
		}
		resources = append(resources, assetSvc)
		log.Printf("Per-tenant asset buckets enabled on %s", cfg.MinioEndpoint)
	}
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		resources = append(resources, searchidx.New(cfg.MeiliURL, cfg.MeiliMasterKey))
		log.Printf("Per-tenant search indexes enabled on %s", cfg.MeiliURL)
	}

	provisioner := provision.New(
		registry,
		func(ctx context.Context) (provision.Session, error) { return schemaSessions.Acquire(ctx) },
		cfg.DBRole,
		resources...,
	)

	resolver := tenancy.NewResolver(tenancy.TenantLookupFunc(
		func(ctx context.Context, ownerUserID string) (uuid.UUID, bool, error) {
			tenant, err := registry.GetTenantByOwner(ctx, ownerUserID)
			if errors.Is(err, store.ErrTenantNotFound) {
				return uuid.Nil, false, nil
			}
			if err != nil {
				return uuid.Nil, false, err
			}
			return tenant.ID, true, nil
		},
	))
	binder := tenancy.NewManager(tenancy.NewPgxConnector(connector.Connect))

	queue, err := jobs.NewRedisQueue(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer queue.Close()

	profiles, err := profile.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer profiles.Close()

	m := metrics.New()
	metrics.RegisterQueueDepth(prometheus.DefaultRegisterer, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		depth, err := queue.Len(ctx)
		if err != nil {
			return -1
		}
		return float64(depth)
	})
	worker := reconcile.NewWorker(registry, provisioner, queue, m)

	// Background full provisioning consumer.
	consumerClient, err := jobs.NewRedisQueue(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer consumerClient.Close()
	consumer := jobs.NewConsumer(consumerClient.Client())
	consumer.Handle(jobs.TypeProvisionTenant, func(ctx context.Context, job jobs.Job) error {
		started := time.Now()
		_, err := provisioner.EnsureComplete(ctx, job.TenantID)
		m.ProvisionDuration.WithLabelValues("ensure_complete").Observe(time.Since(started).Seconds())
		return err
	})
	go consumer.Run(ctx)

	go reconcile.NewRunner(worker, cfg.ReconcileInterval).Run(ctx)

	service := app.New(cfg, registry, provisioner, resolver, binder, profiles, worker)
	httpServer := app.NewHTTPServer(service, m, cfg.CORSOrigin)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", httpServer.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Meridian API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
