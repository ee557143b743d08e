// Package searchidx provisions per-tenant Meilisearch indexes for
// marketplace listings.
package searchidx

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	meili "github.com/meilisearch/meilisearch-go"
)

// Service ensures each tenant has a listing search index. Wired into full
// provisioning as an auxiliary resource when Meilisearch is configured.
type Service struct {
	client meili.ServiceManager
}

func New(url, apiKey string) *Service {
	return &Service{client: meili.New(url, meili.WithAPIKey(apiKey))}
}

func (s *Service) Name() string { return "search index" }

// IndexFor derives the index uid for a tenant.
func IndexFor(tenantID uuid.UUID) string {
	return fmt.Sprintf("listings_%x", [16]byte(tenantID))
}

// Ensure creates and configures the tenant's index if missing. Meilisearch
// treats index creation as upsert-ish, so re-running is harmless.
func (s *Service) Ensure(ctx context.Context, tenantID uuid.UUID) error {
	uid := IndexFor(tenantID)
	if _, err := s.client.GetIndexWithContext(ctx, uid); err == nil {
		return nil
	}
	if _, err := s.client.CreateIndexWithContext(ctx, &meili.IndexConfig{
		Uid:        uid,
		PrimaryKey: "id",
	}); err != nil {
		return fmt.Errorf("create index %s: %w", uid, err)
	}

	index := s.client.Index(uid)
	filterable := []interface{}{"status", "currency"}
	if _, err := index.UpdateFilterableAttributesWithContext(ctx, &filterable); err != nil {
		return fmt.Errorf("configure index %s: %w", uid, err)
	}
	searchable := []string{"title", "description"}
	if _, err := index.UpdateSearchableAttributesWithContext(ctx, &searchable); err != nil {
		return fmt.Errorf("configure index %s: %w", uid, err)
	}
	return nil
}

// Exists reports whether the tenant's index is present.
func (s *Service) Exists(ctx context.Context, tenantID uuid.UUID) (bool, error) {
	if _, err := s.client.GetIndexWithContext(ctx, IndexFor(tenantID)); err != nil {
		return false, nil
	}
	return true, nil
}
