package storage

import (
	"context"
	"io"
)

// Store keeps uploaded audio artifacts for the lifetime of their jobs. The
// returned path is what the inference engine reads from.
type Store interface {
	Save(ctx context.Context, name string, contentType string, r io.Reader) (path string, err error)
	Remove(ctx context.Context, path string) error
}
