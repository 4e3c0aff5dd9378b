// Package fs implements the blob Store on a local directory. Each blob is stored
// at its key under the root with a JSON sidecar (<key>.meta) holding content
// type, user metadata, size and sha256 ETag.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"installcore/internal/blob/core"
)

// DefaultRoot is used when no root directory is configured.
const DefaultRoot = "./blobdata"

const metaSuffix = ".meta"

// Store is a filesystem blob store. Concurrent writers of the same key race on the
// final rename; the first writer wins and later ones fail with core.ErrExists.
type Store struct {
	root    string
	baseURL *url.URL
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithBaseURL sets the URL prefix returned by PresignURL, for example the HTTP
// route that serves artifacts.
func WithBaseURL(base *url.URL) Option {
	return func(s *Store) { s.baseURL = base }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a store rooted at root, creating the directory if needed.
func New(root string, opts ...Option) (*Store, error) {
	if root == "" {
		root = DefaultRoot
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	s := &Store{
		root:    root,
		baseURL: &url.URL{Scheme: "http", Host: "local.blob"},
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the directory backing the store.
func (s *Store) Root() string { return s.root }

// Driver implements core.Store.
func (s *Store) Driver() core.Driver { return core.DriverFilesystem }

type sidecar struct {
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ETag        string            `json:"etag"`
	Size        int64             `json:"size"`
	CreatedAt   time.Time         `json:"created_at"`
}

func (m sidecar) info(key, url string) core.Info {
	return core.Info{
		Key:          key,
		Size:         m.Size,
		ContentType:  m.ContentType,
		ETag:         m.ETag,
		Metadata:     core.CloneMetadata(m.Metadata),
		LastModified: m.CreatedAt,
		URL:          url,
	}
}

// cleanKey rejects keys that are empty, absolute, or escape the root.
func cleanKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("empty key")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	if strings.HasSuffix(key, metaSuffix) {
		return "", fmt.Errorf("key %q uses the reserved %s suffix", key, metaSuffix)
	}
	return filepath.ToSlash(filepath.Clean(key)), nil
}

func (s *Store) paths(key string) (data, meta string, err error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", "", err
	}
	data = filepath.Join(s.root, filepath.FromSlash(k))
	return data, data + metaSuffix, nil
}

// Put implements core.Store. Content is staged in a temp file and renamed into place.
func (s *Store) Put(_ context.Context, key string, r io.Reader, opts core.PutOptions) (core.Info, error) {
	dataPath, metaPath, err := s.paths(key)
	if err != nil {
		return core.Info{}, err
	}
	if _, err := os.Stat(dataPath); err == nil {
		return core.Info{}, fmt.Errorf("%w: %s", core.ErrExists, key)
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return core.Info{}, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dataPath), ".tmp-*")
	if err != nil {
		return core.Info{}, err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return core.Info{}, err
	}

	meta := sidecar{
		ContentType: opts.ContentType,
		Metadata:    core.CloneMetadata(opts.Metadata),
		ETag:        hex.EncodeToString(h.Sum(nil)),
		Size:        size,
		CreatedAt:   s.now(),
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return core.Info{}, err
	}
	if err := os.WriteFile(metaPath, raw, 0o644); err != nil {
		return core.Info{}, err
	}
	if err := os.Rename(tmp.Name(), dataPath); err != nil {
		_ = os.Remove(metaPath)
		return core.Info{}, err
	}
	return meta.info(key, s.url(key)), nil
}

// Get implements core.Store.
func (s *Store) Get(_ context.Context, key string) (core.Info, io.ReadCloser, error) {
	dataPath, metaPath, err := s.paths(key)
	if err != nil {
		return core.Info{}, nil, err
	}
	file, err := os.Open(dataPath)
	if err != nil {
		return core.Info{}, nil, notFound(key, err)
	}
	meta, err := readSidecar(metaPath)
	if err != nil {
		_ = file.Close()
		return core.Info{}, nil, notFound(key, err)
	}
	return meta.info(key, s.url(key)), file, nil
}

// Head implements core.Store.
func (s *Store) Head(_ context.Context, key string) (core.Info, error) {
	dataPath, metaPath, err := s.paths(key)
	if err != nil {
		return core.Info{}, err
	}
	if _, err := os.Stat(dataPath); err != nil {
		return core.Info{}, notFound(key, err)
	}
	meta, err := readSidecar(metaPath)
	if err != nil {
		return core.Info{}, notFound(key, err)
	}
	return meta.info(key, s.url(key)), nil
}

// Delete implements core.Store.
func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	dataPath, metaPath, err := s.paths(key)
	if err != nil {
		return false, err
	}
	if err := os.Remove(dataPath); err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	_ = os.Remove(metaPath)
	return true, nil
}

// List implements core.Store by walking sidecars under the root.
func (s *Store) List(_ context.Context, prefix string) ([]core.Info, error) {
	var infos []core.Info
	err := filepath.WalkDir(s.root, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, metaSuffix) {
			return nil
		}
		rel, err := filepath.Rel(s.root, strings.TrimSuffix(path, metaSuffix))
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		meta, err := readSidecar(path)
		if err != nil {
			return err
		}
		infos = append(infos, meta.info(key, s.url(key)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

// PresignURL returns an unsigned URL under the configured base; only GET is supported.
func (s *Store) PresignURL(_ context.Context, key string, opts core.SignedURLOptions) (string, error) {
	if opts.Method != "" && !strings.EqualFold(opts.Method, "GET") {
		return "", core.ErrUnsupported
	}
	if _, err := cleanKey(key); err != nil {
		return "", err
	}
	return s.url(key), nil
}

func (s *Store) url(key string) string {
	return s.baseURL.JoinPath(key).String()
}

func readSidecar(path string) (sidecar, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return sidecar{}, err
	}
	var meta sidecar
	if err := json.Unmarshal(raw, &meta); err != nil {
		return sidecar{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return meta, nil
}

func notFound(key string, err error) error {
	if errors.Is(err, iofs.ErrNotExist) {
		return fmt.Errorf("%w: %s", core.ErrNotFound, key)
	}
	return err
}
