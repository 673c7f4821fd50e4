package oras

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote"
)

// PushObject uploads data as a blob and returns its id. Pushing a blob
// the registry already has succeeds.
func (s *Store) PushObject(ctx context.Context, data []byte) (digest.Digest, error) {
	desc := content.NewDescriptorFromBytes(MediaTypeObject, data)
	if err := s.pushBlob(ctx, desc, data); err != nil {
		return "", err
	}
	return desc.Digest, nil
}

// Publish points key at the feed whose index blob is root. The index must
// already have been pushed with PushObject.
func (s *Store) Publish(ctx context.Context, key string, root digest.Digest) (ocispec.Descriptor, error) {
	rootDesc, err := s.repo.Blobs().Resolve(ctx, root.String())
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("resolve index: %w", mapError(err))
	}
	rootDesc.MediaType = MediaTypeIndex

	config := ocispec.DescriptorEmptyJSON
	if err := s.pushBlob(ctx, config, config.Data); err != nil {
		return ocispec.Descriptor{}, err
	}

	manifest := ocispec.Manifest{
		MediaType:    ocispec.MediaTypeImageManifest,
		ArtifactType: ArtifactType,
		Config:       config,
		Layers:       []ocispec.Descriptor{rootDesc},
	}
	manifest.SchemaVersion = 2
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("marshal manifest: %w", err)
	}
	desc := content.NewDescriptorFromBytes(ocispec.MediaTypeImageManifest, manifestJSON)
	if err := s.repo.PushReference(ctx, desc, bytes.NewReader(manifestJSON), key); err != nil {
		return ocispec.Descriptor{}, mapError(err)
	}
	s.logger.Debug("published feed", "key", key, "root", root, "manifest", desc.Digest)
	return desc, nil
}

func (s *Store) pushBlob(ctx context.Context, desc ocispec.Descriptor, data []byte) error {
	err := s.repo.Blobs().Push(ctx, desc, bytes.NewReader(data))
	if err != nil && !errors.Is(err, errdef.ErrAlreadyExists) {
		return fmt.Errorf("push %s: %w", desc.Digest, mapError(err))
	}
	return nil
}

// fetchManifest fetches and decodes the image manifest described by desc.
func fetchManifest(ctx context.Context, repo *remote.Repository, desc ocispec.Descriptor) (ocispec.Manifest, error) {
	if desc.MediaType != "" && desc.MediaType != ocispec.MediaTypeImageManifest {
		return ocispec.Manifest{}, fmt.Errorf("unsupported manifest media type %s", desc.MediaType)
	}
	data, err := content.FetchAll(ctx, repo, desc)
	if err != nil {
		return ocispec.Manifest{}, mapError(err)
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return ocispec.Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return manifest, nil
}
