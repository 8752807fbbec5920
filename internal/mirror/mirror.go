// Package mirror copies the engine's index listing to an S3-compatible
// bucket so operators have an off-host record of where every key lives.
package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config describes the destination bucket.
type Config struct {
	Endpoint        string
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Secure          bool
}

// Mirror uploads index exports to a bucket.
type Mirror struct {
	client *minio.Client
	cfg    Config
	clock  clockwork.Clock
}

// New creates a Mirror. It does not contact the endpoint.
func New(cfg Config, clock clockwork.Clock) (*Mirror, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("mirror endpoint must not be empty")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("mirror bucket must not be empty")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	return &Mirror{client: client, cfg: cfg, clock: clock}, nil
}

// ObjectName returns the key an export taken at t is stored under.
func (m *Mirror) ObjectName(t time.Time) string {
	return fmt.Sprintf("%sindex-%s.json", m.cfg.Prefix, t.UTC().Format("20060102T150405Z"))
}

// Upload stores data as a new timestamped object and returns its name.
func (m *Mirror) Upload(ctx context.Context, data []byte) (string, error) {
	name := m.ObjectName(m.clock.Now())

	_, err := m.client.PutObject(ctx, m.cfg.Bucket, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %q to bucket %q: %w", name, m.cfg.Bucket, err)
	}

	slog.Info("Mirrored index", "bucket", m.cfg.Bucket, "object", name, "size", len(data))
	return name, nil
}

// Run calls export and uploads its result every interval until ctx is done.
// Upload failures are logged and retried on the next tick.
func (m *Mirror) Run(ctx context.Context, interval time.Duration, export func(context.Context) ([]byte, error)) error {
	if interval <= 0 {
		return fmt.Errorf("mirror interval must be positive, got %s", interval)
	}

	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			data, err := export(ctx)
			if err != nil {
				slog.Error("Export index for mirror", "err", err)
				continue
			}
			if _, err := m.Upload(ctx, data); err != nil {
				slog.Error("Mirror index", "err", err)
			}
		}
	}
}
