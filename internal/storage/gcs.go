package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSStore archives uploaded audio in a bucket while keeping a local copy
// for the engine to read. Whisper runs against files, not object streams.
type GCSStore struct {
	client *gcs.Client
	bucket string
	local  *LocalStore
}

func NewGCSStore(ctx context.Context, bucket, localRoot, credentialsFile string) (*GCSStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	c, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	local, err := NewLocalStore(localRoot)
	if err != nil {
		c.Close()
		return nil, err
	}
	return &GCSStore{client: c, bucket: bucket, local: local}, nil
}

func (s *GCSStore) Close() error { return s.client.Close() }

func (s *GCSStore) Save(ctx context.Context, name string, contentType string, r io.Reader) (string, error) {
	path, err := s.local.Save(ctx, name, contentType, r)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	obj := s.client.Bucket(s.bucket).Object(filepath.Base(name))
	w := obj.NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs upload: %w", err)
	}
	return path, nil
}

func (s *GCSStore) Remove(ctx context.Context, path string) error {
	_ = s.client.Bucket(s.bucket).Object(filepath.Base(path)).Delete(ctx)
	return s.local.Remove(ctx, path)
}
