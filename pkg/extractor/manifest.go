// Package extractor parses a freshly uploaded manifest file into the
// dependency-edge RegistryActions that describe what it references (a
// config blob, layer blobs, or child manifests of an index).
package extractor

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/clusterreg/registry/pkg/types"
	digest "github.com/opencontainers/go-digest"
	specsv1 "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	MediaTypeOCIManifest   = specsv1.MediaTypeImageManifest
	MediaTypeOCIIndex      = specsv1.MediaTypeImageIndex
	MediaTypeDockerManifest = "application/vnd.docker.distribution.manifest.v2+json"
)

// dockerManifestV2 is the structural subset of the Docker Registry v2
// manifest schema extractor needs; image-spec's types don't model it since
// it predates OCI.
type dockerManifestV2 struct {
	Config dockerDescriptor   `json:"config"`
	Layers []dockerDescriptor `json:"layers"`
}

type dockerDescriptor struct {
	Digest string `json:"digest"`
}

// Result holds the dependency edges discovered in a manifest: one
// ManifestInfo recording the manifest's dependencies, plus one BlobMounted
// (or, for an index, ManifestMounted) proposal per dependency against the
// same repository, whether or not it is already mounted there.
type Result struct {
	Actions []types.RegistryAction
}

// Extract reads the manifest at path, asserted to be contentType, and
// returns the dependency actions it implies for repository. An unrecognized
// content type yields an empty, non-error Result.
func Extract(path, contentType string, self types.Digest, repository types.RepositoryName, now time.Time) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("extractor: read manifest: %w", err)
	}

	var deps []types.Digest
	depKind := types.EntityBlob
	switch contentType {
	case MediaTypeOCIManifest:
		deps, err = extractOCIManifest(data)
	case MediaTypeOCIIndex:
		deps, err = extractOCIIndex(data)
		depKind = types.EntityManifest
	case MediaTypeDockerManifest:
		deps, err = extractDockerManifest(data)
	default:
		return Result{}, nil
	}
	if err != nil {
		return Result{}, err
	}

	actions := make([]types.RegistryAction, 0, len(deps)+1)
	actions = append(actions, types.ManifestInfo{
		Digest:       self,
		ContentType:  contentType,
		Dependencies: deps,
		Timestamp:    now,
	})
	for _, d := range deps {
		if depKind == types.EntityManifest {
			actions = append(actions, types.ManifestMounted{
				Digest:     d,
				Repository: repository,
				User:       types.SystemUser,
				Timestamp:  now,
			})
			continue
		}
		actions = append(actions, types.BlobMounted{
			Digest:     d,
			Repository: repository,
			User:       types.SystemUser,
			Timestamp:  now,
		})
	}
	return Result{Actions: actions}, nil
}

func extractOCIManifest(data []byte) ([]types.Digest, error) {
	var m specsv1.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("extractor: decode oci manifest: %w", err)
	}
	deps := make([]types.Digest, 0, len(m.Layers)+1)
	if d, err := parseDigest(m.Config.Digest); err == nil {
		deps = append(deps, d)
	}
	for _, l := range m.Layers {
		if d, err := parseDigest(l.Digest); err == nil {
			deps = append(deps, d)
		}
	}
	return deps, nil
}

func extractOCIIndex(data []byte) ([]types.Digest, error) {
	var idx specsv1.Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("extractor: decode oci index: %w", err)
	}
	deps := make([]types.Digest, 0, len(idx.Manifests))
	for _, m := range idx.Manifests {
		if d, err := parseDigest(m.Digest); err == nil {
			deps = append(deps, d)
		}
	}
	return deps, nil
}

func extractDockerManifest(data []byte) ([]types.Digest, error) {
	var m dockerManifestV2
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("extractor: decode docker manifest: %w", err)
	}
	deps := make([]types.Digest, 0, len(m.Layers)+1)
	if d, err := types.ParseDigest(m.Config.Digest); err == nil {
		deps = append(deps, d)
	}
	for _, l := range m.Layers {
		if d, err := types.ParseDigest(l.Digest); err == nil {
			deps = append(deps, d)
		}
	}
	return deps, nil
}

func parseDigest(raw digest.Digest) (types.Digest, error) {
	return types.ParseDigest(raw.String())
}
