package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"cloud.google.com/go/storage"
)

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetEnvDuration reads a duration such as "90s". Malformed values fall back.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		slog.Warn("Ignoring malformed duration.", "key", key, "value", value)
		return fallback
	}
	return d
}

// GetEnvInt reads a positive integer. Malformed values fall back.
func GetEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		slog.Warn("Ignoring malformed integer.", "key", key, "value", value)
		return fallback
	}
	return n
}

// ObjectAttrs is the subset of object metadata the pipeline uses.
type ObjectAttrs struct {
	Bucket      string
	Name        string
	Generation  int64
	Size        int64
	ContentType string
}

// ObjectStore wraps a Cloud Storage client with the operations used to fetch
// and archive documents.
type ObjectStore struct {
	client *storage.Client
}

// NewObjectStore creates a Cloud Storage client.
func NewObjectStore(ctx context.Context) (*ObjectStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	return &ObjectStore{client: client}, nil
}

// Attrs returns the object's metadata, or ErrObjectNotFound.
func (s *ObjectStore) Attrs(ctx context.Context, bucket, name string) (ObjectAttrs, error) {
	attrs, err := s.client.Bucket(bucket).Object(name).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ObjectAttrs{}, ErrObjectNotFound
	}
	if err != nil {
		return ObjectAttrs{}, fmt.Errorf("failed to read attrs of gs://%s/%s: %w", bucket, name, err)
	}
	return ObjectAttrs{
		Bucket:      attrs.Bucket,
		Name:        attrs.Name,
		Generation:  attrs.Generation,
		Size:        attrs.Size,
		ContentType: attrs.ContentType,
	}, nil
}

// Read returns the full object contents, or ErrObjectNotFound.
func (s *ObjectStore) Read(ctx context.Context, bucket, name string) ([]byte, error) {
	reader, err := s.client.Bucket(bucket).Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get GCS object reader for gs://%s/%s: %w", bucket, name, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read gs://%s/%s: %w", bucket, name, err)
	}
	return data, nil
}

// CopyIfAbsent copies src to dst only if dst doesn't already exist. A lost
// race (412) is not a failure in an idempotent workflow and returns nil.
func (s *ObjectStore) CopyIfAbsent(ctx context.Context, bucket, src, dst string) error {
	b := s.client.Bucket(bucket)
	copier := b.Object(dst).If(storage.Conditions{DoesNotExist: true}).CopierFrom(b.Object(src))
	if _, err := copier.Run(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || isNotFound(err) {
			return ErrObjectNotFound
		}
		if isPreconditionFailed(err) {
			slog.Info("SKIPPING: Archive object already exists.", "gcsObject", dst)
			return nil
		}
		return fmt.Errorf("failed to copy gs://%s/%s to %s: %w", bucket, src, dst, err)
	}
	return nil
}

// Delete removes an object. Deleting an object that is already gone returns
// ErrObjectNotFound so callers can decide whether that is benign.
func (s *ObjectStore) Delete(ctx context.Context, bucket, name string) error {
	err := s.client.Bucket(bucket).Object(name).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ErrObjectNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete gs://%s/%s: %w", bucket, name, err)
	}
	return nil
}

// Close releases the underlying client.
func (s *ObjectStore) Close() error {
	return s.client.Close()
}
