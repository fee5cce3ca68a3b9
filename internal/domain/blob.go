package domain

import (
	"context"
	"io"
)

// BlobStore uploads archive objects and checks for ones already written.
type BlobStore interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
	Exists(ctx context.Context, path string) (bool, error)
}
