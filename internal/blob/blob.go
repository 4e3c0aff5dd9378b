// Package blob is the artifact storage entry point. It re-exports the core
// contract and selects a driver from configuration; only this package imports
// the drivers under internal/infra/blob.
package blob

import (
	"context"
	"fmt"
	"net/url"

	"installcore/internal/blob/core"
	fsstore "installcore/internal/infra/blob/fs"
	memorystore "installcore/internal/infra/blob/memory"
	s3store "installcore/internal/infra/blob/s3"
)

type (
	// Driver identifies a blob backend driver.
	Driver = core.Driver
	// PutOptions configures a blob write.
	PutOptions = core.PutOptions
	// SignedURLOptions configures URL pre-signing.
	SignedURLOptions = core.SignedURLOptions
	// Info describes stored blob metadata.
	Info = core.Info
	// Store is the interface for blob storage backends.
	Store = core.Store
	// S3Config configures the S3 driver.
	S3Config = s3store.Config
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var (
	ErrUnsupported = core.ErrUnsupported
	ErrNotFound    = core.ErrNotFound
	ErrExists      = core.ErrExists
)

// Config selects and configures a driver. An empty Driver means filesystem.
type Config struct {
	Driver Driver   `yaml:"driver"`
	FSRoot string   `yaml:"fs_root"`
	S3     S3Config `yaml:"s3"`
	// BaseURL prefixes the download links produced by the filesystem driver.
	BaseURL string `yaml:"base_url"`
}

// Open builds the Store described by cfg.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverFilesystem:
		var opts []fsstore.Option
		if cfg.BaseURL != "" {
			base, err := url.Parse(cfg.BaseURL)
			if err != nil {
				return nil, fmt.Errorf("blob base url: %w", err)
			}
			opts = append(opts, fsstore.WithBaseURL(base))
		}
		return NewFilesystem(cfg.FSRoot, opts...)
	case DriverS3:
		return NewS3(ctx, cfg.S3)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}

// NewFilesystem returns a filesystem store rooted at root.
func NewFilesystem(root string, opts ...fsstore.Option) (Store, error) {
	return fsstore.New(root, opts...)
}

// NewMemory returns an in-memory store suitable for tests.
func NewMemory() Store { return memorystore.New() }

// NewS3 returns an S3 store for cfg.
func NewS3(ctx context.Context, cfg S3Config) (Store, error) {
	return s3store.New(ctx, cfg)
}
