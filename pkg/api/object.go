package api

import (
	"io"
	"net/http"
	"strings"

	"github.com/clusterreg/registry/pkg/types"
)

// handleObjectFetch serves GET /v2/<repository>/<blobs|manifests>/<digest>,
// the inter-peer object-fetch surface Mirror's fetch loop calls. repository
// may itself contain slashes (e.g. "library/alpine"), which is why this is
// parsed by hand rather than via a ServeMux path pattern.
func (s *Server) handleObjectFetch(w http.ResponseWriter, r *http.Request) {
	if !hasBearerToken(r) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="token"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	repository, kind, digest, ok := parseObjectPath(r.URL.Path)
	if !ok {
		http.Error(w, "malformed object path", http.StatusBadRequest)
		return
	}

	d, err := types.ParseDigest(digest)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var available bool
	if kind == types.EntityManifest {
		available = s.sm.Graph().IsManifestAvailable(types.RepositoryName(repository), d)
	} else {
		available = s.sm.Graph().IsBlobAvailable(types.RepositoryName(repository), d)
	}
	if !available {
		http.NotFound(w, r)
		return
	}

	f, err := s.store.Open(kind, d)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	io.Copy(w, f)
}

// parseObjectPath splits "/v2/<repository>/<blobs|manifests>/<digest>" into
// its three parts. repository is everything between the leading "/v2/" and
// the last-but-one path segment.
func parseObjectPath(path string) (repository string, kind types.EntityKind, digest string, ok bool) {
	const prefix = "/v2/"
	if !strings.HasPrefix(path, prefix) {
		return "", "", "", false
	}
	rest := strings.TrimPrefix(path, prefix)

	lastSlash := strings.LastIndex(rest, "/")
	if lastSlash < 0 {
		return "", "", "", false
	}
	digest = rest[lastSlash+1:]
	rest = rest[:lastSlash]

	secondLastSlash := strings.LastIndex(rest, "/")
	if secondLastSlash < 0 {
		return "", "", "", false
	}
	repository = rest[:secondLastSlash]
	kindSegment := rest[secondLastSlash+1:]

	switch kindSegment {
	case string(types.EntityBlob):
		kind = types.EntityBlob
	case string(types.EntityManifest):
		kind = types.EntityManifest
	default:
		return "", "", "", false
	}
	if repository == "" || digest == "" {
		return "", "", "", false
	}
	return repository, kind, digest, true
}

func hasBearerToken(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ")
}
