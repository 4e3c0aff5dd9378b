// Package core defines the blob storage contract shared by the drivers under
// internal/infra/blob and the facade in internal/blob.
package core

import (
	"context"
	"errors"
	"io"
	"time"
)

// Driver identifies a concrete blob storage backend implementation.
type Driver string

const (
	// DriverFilesystem stores artifacts under a local directory.
	DriverFilesystem Driver = "fs"
	// DriverS3 stores artifacts in an S3 / MinIO compatible bucket.
	DriverS3 Driver = "s3"
	// DriverMemory keeps artifacts in process memory.
	DriverMemory Driver = "memory"
)

// DefaultPresignExpiry applies when SignedURLOptions.Expiry is zero.
const DefaultPresignExpiry = 15 * time.Minute

// PutOptions specifies optional parameters for Put.
type PutOptions struct {
	ContentType string
	// Metadata is small, flat user metadata (job id, row counts).
	Metadata map[string]string
}

// SignedURLOptions holds options for generating a pre-signed URL. Only GET is supported.
type SignedURLOptions struct {
	Method string
	Expiry time.Duration
}

// Info describes a stored blob.
type Info struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size_bytes"`
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
	URL          string            `json:"url,omitempty"`
}

// Store is the S3-like surface used by export jobs and artifact downloads.
// Put is create-only; writing an existing key fails with ErrExists. Reads of a
// missing key fail with ErrNotFound. List is ordered by key.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	Head(ctx context.Context, key string) (Info, error)
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	PresignURL(ctx context.Context, key string, opts SignedURLOptions) (string, error)
	Driver() Driver
}

var (
	// ErrUnsupported is returned when an optional capability is not available.
	ErrUnsupported = errors.New("blobstore: unsupported operation")
	// ErrNotFound is returned for reads of a missing key.
	ErrNotFound = errors.New("blobstore: not found")
	// ErrExists is returned when Put targets an existing key.
	ErrExists = errors.New("blobstore: already exists")
)

// CloneMetadata copies user metadata so callers cannot alias stored maps.
func CloneMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
