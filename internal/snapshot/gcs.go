package snapshot

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
)

// GCS archives payloads to a Google Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket string
	logger *zap.Logger
}

// NewGCS initializes a GCS client and verifies bucket access so that
// misconfiguration fails at startup. Authentication uses Application
// Default Credentials.
func NewGCS(ctx context.Context, bucket string, logger *zap.Logger) (*GCS, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}

	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("failed to close gcs client after bucket check", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("get attributes of gcs bucket %q: %w", bucket, err)
	}

	return &GCS{client: client, bucket: bucket, logger: logger}, nil
}

// Archive uploads the payload and returns a gs:// URI.
func (g *GCS) Archive(ctx context.Context, objectName string, payload []byte) (string, error) {
	wc := g.client.Bucket(g.bucket).Object(objectName).NewWriter(ctx)

	if _, err := wc.Write(payload); err != nil {
		if closeErr := wc.Close(); closeErr != nil {
			g.logger.Warn("failed to close gcs writer after write failure", zap.Error(closeErr))
		}
		return "", fmt.Errorf("write gcs object %s: %w", objectName, err)
	}
	// Close finalizes the upload and flushes buffered data.
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("close gcs writer for object %s: %w", objectName, err)
	}

	return fmt.Sprintf("gs://%s/%s", g.bucket, objectName), nil
}

// Close releases the underlying GCS client.
func (g *GCS) Close() error {
	return g.client.Close()
}
