// Package assets provisions per-tenant object-storage buckets for
// marketplace listing media.
package assets

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Service ensures each tenant has its own asset bucket. Wired into full
// provisioning as an auxiliary resource when object storage is configured.
type Service struct {
	client *minio.Client
}

func New(endpoint, accessKey, secretKey string, useSSL bool) (*Service, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Service{client: client}, nil
}

func (s *Service) Name() string { return "asset bucket" }

// BucketFor derives the bucket name for a tenant. Hex UUID digits keep it
// inside S3 naming rules.
func BucketFor(tenantID uuid.UUID) string {
	return fmt.Sprintf("tenant-%x", [16]byte(tenantID))
}

// Ensure creates the tenant's bucket if it does not exist. Idempotent.
func (s *Service) Ensure(ctx context.Context, tenantID uuid.UUID) error {
	bucket := BucketFor(tenantID)
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("probe bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		// A concurrent provisioner may have won the race.
		if already, probeErr := s.client.BucketExists(ctx, bucket); probeErr == nil && already {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return nil
}

// Exists reports whether the tenant's bucket is present.
func (s *Service) Exists(ctx context.Context, tenantID uuid.UUID) (bool, error) {
	return s.client.BucketExists(ctx, BucketFor(tenantID))
}
