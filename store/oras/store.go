// Package oras implements [store.Store] over an OCI registry.
//
// The registry repository is the content-addressed network: every feed
// object is a blob addressed by its digest, and a feed key is a tag whose
// manifest carries the feed's index blob as its only layer. Pinning copies
// a blob into a local OCI image layout; unpinning deletes it from there.
// Reads are served from the layout when the blob is pinned.
package oras

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/singleflight"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/content/oci"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
	"oras.land/oras-go/v2/registry/remote/errcode"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/meigma/feedpin/store"
)

// Media types of feed manifests.
const (
	// ArtifactType identifies feed root manifests.
	ArtifactType = "application/vnd.meigma.feedpin.feed.v1"

	// MediaTypeIndex is the media type of the index layer.
	MediaTypeIndex = "application/vnd.meigma.feedpin.index.v1"

	// MediaTypeObject is the media type of every other feed blob.
	MediaTypeObject = "application/octet-stream"
)

// maxManifestBytes bounds feed manifests fetched during Resolve.
const maxManifestBytes = 64 << 10

// Store is a [store.Store] backed by a registry repository and a local OCI
// image layout.
type Store struct {
	plainHTTP bool
	userAgent string
	anonymous bool
	credStore credentials.Store
	logger    *slog.Logger

	repo  *remote.Repository
	local *oci.Store
	root  string

	// gcMu lets GC clear the layout's ingest directory while no pin is
	// writing into it.
	gcMu  sync.RWMutex
	sizes singleflight.Group
	roots *rootCache
}

var _ store.Store = (*Store)(nil)

// New returns a store for the repository repoRef (for example
// "ghcr.io/acme/feeds") that pins into the OCI layout at layoutDir.
func New(ctx context.Context, repoRef, layoutDir string, opts ...Option) (*Store, error) {
	s := &Store{userAgent: "feedpin/1.0", root: layoutDir, roots: newRootCache(defaultRootCacheEntries)}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}

	repo, err := remote.NewRepository(repoRef)
	if err != nil {
		return nil, fmt.Errorf("parse repository %q: %w", repoRef, err)
	}
	repo.PlainHTTP = s.plainHTTP
	repo.Client = &auth.Client{
		Client: retry.DefaultClient,
		Cache:  auth.NewCache(),
		Credential: func(ctx context.Context, hostport string) (auth.Credential, error) {
			if s.anonymous || s.credStore == nil {
				return auth.EmptyCredential, nil
			}
			return s.credStore.Get(ctx, hostport)
		},
		Header: http.Header{"User-Agent": []string{s.userAgent}},
	}
	s.repo = repo

	local, err := oci.NewWithContext(ctx, layoutDir)
	if err != nil {
		return nil, fmt.Errorf("open layout %q: %w", layoutDir, err)
	}
	s.local = local
	return s, nil
}

// Pin copies id from the registry into the local layout. Pinning a blob
// that is already local does nothing.
func (s *Store) Pin(ctx context.Context, id digest.Digest) error {
	s.gcMu.RLock()
	defer s.gcMu.RUnlock()

	if _, ok := s.localSize(id); ok {
		return nil
	}
	desc, rc, err := s.repo.Blobs().FetchReference(ctx, id.String())
	if err != nil {
		return mapError(err)
	}
	defer rc.Close()

	desc.MediaType = MediaTypeObject
	if err := s.local.Push(ctx, desc, rc); err != nil && !errors.Is(err, errdef.ErrAlreadyExists) {
		return fmt.Errorf("pin %s: %w", id, mapError(err))
	}
	s.logger.Debug("pinned blob", "id", id, "size", desc.Size)
	return nil
}

// Unpin deletes id from the local layout. Unpinning a blob that is not
// local does nothing.
func (s *Store) Unpin(ctx context.Context, id digest.Digest) error {
	size, ok := s.localSize(id)
	if !ok {
		return nil
	}
	desc := ocispec.Descriptor{MediaType: MediaTypeObject, Digest: id, Size: size}
	if err := s.local.Delete(ctx, desc); err != nil && !errors.Is(err, errdef.ErrNotFound) {
		return fmt.Errorf("unpin %s: %w", id, err)
	}
	s.logger.Debug("unpinned blob", "id", id)
	return nil
}

// SizeOf returns the size of id, asking the registry only when the blob is
// not local. Concurrent probes of the same id share one request.
func (s *Store) SizeOf(ctx context.Context, id digest.Digest) (int64, error) {
	if size, ok := s.localSize(id); ok {
		return size, nil
	}
	v, err, _ := s.sizes.Do(id.String(), func() (any, error) {
		desc, err := s.repo.Blobs().Resolve(ctx, id.String())
		if err != nil {
			return int64(0), mapError(err)
		}
		return desc.Size, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// Fetch returns the content of id, from the local layout when pinned.
func (s *Store) Fetch(ctx context.Context, id digest.Digest) ([]byte, error) {
	if size, ok := s.localSize(id); ok {
		desc := ocispec.Descriptor{MediaType: MediaTypeObject, Digest: id, Size: size}
		data, err := content.FetchAll(ctx, s.local, desc)
		if err == nil {
			return data, nil
		}
		s.logger.Warn("local blob unreadable, falling back to registry", "id", id, "error", err)
	}

	desc, rc, err := s.repo.Blobs().FetchReference(ctx, id.String())
	if err != nil {
		return nil, mapError(err)
	}
	defer rc.Close()
	data, err := content.ReadAll(rc, desc)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", store.ErrConnection, id, err)
	}
	return data, nil
}

// Resolve returns the index blob of the manifest tagged key.
func (s *Store) Resolve(ctx context.Context, key string) (digest.Digest, error) {
	desc, err := s.repo.Resolve(ctx, key)
	if err != nil {
		err = mapError(err)
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", store.ErrKey, key)
		}
		return "", err
	}
	if root, ok := s.roots.get(desc.Digest); ok {
		return root, nil
	}
	if desc.Size > maxManifestBytes {
		return "", fmt.Errorf("%w: manifest for %s is %d bytes", store.ErrKey, key, desc.Size)
	}
	manifest, err := fetchManifest(ctx, s.repo, desc)
	if err != nil {
		return "", err
	}
	if manifest.ArtifactType != ArtifactType || len(manifest.Layers) == 0 || manifest.Layers[0].MediaType != MediaTypeIndex {
		return "", fmt.Errorf("%w: %s is not a feed", store.ErrKey, key)
	}
	root := manifest.Layers[0].Digest
	s.roots.put(desc.Digest, root)
	return root, nil
}

// GC removes leftovers of interrupted pins from the layout. Unpinned blobs
// are deleted eagerly by Unpin, so nothing else is collected.
func (s *Store) GC(context.Context) error {
	s.gcMu.Lock()
	defer s.gcMu.Unlock()

	ingest := filepath.Join(s.root, "ingest")
	entries, err := os.ReadDir(ingest)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read ingest: %w", err)
	}
	var errs []error
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(ingest, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	s.logger.Debug("collected layout", "removed", len(entries)-len(errs))
	return errors.Join(errs...)
}

// localSize reports the size of id in the local layout.
func (s *Store) localSize(id digest.Digest) (int64, bool) {
	if id.Validate() != nil {
		return 0, false
	}
	info, err := os.Stat(filepath.Join(s.root, ocispec.ImageBlobsDir, id.Algorithm().String(), id.Encoded()))
	if err != nil || !info.Mode().IsRegular() {
		return 0, false
	}
	return info.Size(), true
}

// mapError maps ORAS errors to store sentinel errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, errdef.ErrNotFound) {
		return fmt.Errorf("%w: %v", store.ErrNotFound, err)
	}
	var errResp *errcode.ErrorResponse
	if errors.As(err, &errResp) && errResp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %v", store.ErrNotFound, err)
	}
	return fmt.Errorf("%w: %v", store.ErrConnection, err)
}
