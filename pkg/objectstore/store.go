// Package objectstore maps digests to a deterministic, three-level sharded
// path on the local filesystem and provides the upload/verify/prune
// primitives every other component (API, Mirror, GarbageCollector) builds
// on.
package objectstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/clusterreg/registry/pkg/log"
	"github.com/clusterreg/registry/pkg/metrics"
	"github.com/clusterreg/registry/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store is a content-addressed object store rooted at a configured
// directory. All paths are computed deterministically from a Digest; the
// store holds no index of its own, relying on the StateMachine for that.
type Store struct {
	root   string
	logger zerolog.Logger
}

// New returns a Store rooted at root, creating the uploads/blobs/manifests
// subtrees if they don't already exist.
func New(root string) (*Store, error) {
	for _, sub := range []string{"uploads", "blobs", "manifests"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("objectstore: create %s: %w", sub, err)
		}
	}
	return &Store{root: root, logger: log.WithComponent("objectstore")}, nil
}

// Path returns the canonical on-disk path for a stored digest of kind.
func (s *Store) Path(kind types.EntityKind, d types.Digest) string {
	hex := d.Hex()
	return filepath.Join(s.root, string(kind), hex[0:2], hex[2:4], hex[4:6], hex[6:])
}

// Exists reports whether d's canonical path is present on disk.
func (s *Store) Exists(kind types.EntityKind, d types.Digest) bool {
	_, err := os.Stat(s.Path(kind, d))
	return err == nil
}

// NewUpload opens a fresh UUID-named temp file under uploads/ and returns an
// Upload wrapping it. The caller streams bytes into it, then calls
// Commit (on success) or Abort (on failure).
func (s *Store) NewUpload(kind types.EntityKind) (*Upload, error) {
	prefix := "blob-"
	if kind == types.EntityManifest {
		prefix = "manifest-"
	}
	path := filepath.Join(s.root, "uploads", prefix+uuid.NewString())

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, types.NewUploadInvalid("create upload file", err)
	}
	return &Upload{store: s, kind: kind, path: path, file: f}, nil
}

// Upload is an in-progress write to the store's uploads/ staging area.
type Upload struct {
	store *Store
	kind  types.EntityKind
	path  string
	file  *os.File
}

// Write streams p into the upload file.
func (u *Upload) Write(p []byte) (int, error) {
	return u.file.Write(p)
}

// Commit verifies the uploaded bytes hash to want, then atomically renames
// the temp file into its canonical sharded path. A zero want skips the
// check and commits under the computed digest. On any failure the partial
// file is removed and a typed error is returned.
func (u *Upload) Commit(want types.Digest) (types.Digest, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BlobUploadDuration)

	if _, err := u.file.Seek(0, io.SeekStart); err != nil {
		u.abort()
		return types.Digest{}, types.NewUploadInvalid("seek upload file", err)
	}
	got, err := types.HashReader(u.file)
	if err != nil {
		u.abort()
		return types.Digest{}, types.NewUploadInvalid("hash upload file", err)
	}
	if !want.IsZero() && !got.Equal(want) {
		u.abort()
		return types.Digest{}, types.NewDigestInvalid(fmt.Sprintf("uploaded content hashes to %s, expected %s", got, want))
	}

	size, err := u.file.Seek(0, io.SeekCurrent)
	if err != nil {
		size = 0
	}
	if err := u.file.Close(); err != nil {
		u.abort()
		return types.Digest{}, types.NewUploadInvalid("close upload file", err)
	}

	dest := u.store.Path(u.kind, got)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		os.Remove(u.path)
		return types.Digest{}, types.NewUploadInvalid("create shard directory", err)
	}
	if err := os.Rename(u.path, dest); err != nil {
		os.Remove(u.path)
		return types.Digest{}, types.NewUploadInvalid("rename into place", err)
	}

	metrics.BlobUploadBytes.Add(float64(size))
	return got, nil
}

// Abort discards the upload, removing its partial file.
func (u *Upload) Abort() {
	u.abort()
}

func (u *Upload) abort() {
	u.file.Close()
	os.Remove(u.path)
}

// Remove deletes d's canonical file and prunes now-empty shard directories
// up to three levels, tolerating "not found" and "directory not empty"
// along the way.
func (s *Store) Remove(kind types.EntityKind, d types.Digest) error {
	path := s.Path(kind, d)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return types.NewTransient("remove object file", err)
	}

	dir := filepath.Dir(path)
	for i := 0; i < 3; i++ {
		if err := os.Remove(dir); err != nil {
			// Not-empty or already-gone both mean pruning is done.
			break
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

// Open opens d's canonical file for reading, e.g. to serve an object-fetch
// request or stream it to a mirroring peer.
func (s *Store) Open(kind types.EntityKind, d types.Digest) (*os.File, error) {
	f, err := os.Open(s.Path(kind, d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.NewNotFound(fmt.Sprintf("%s %s not present locally", kind, d))
		}
		return nil, types.NewTransient("open object file", err)
	}
	return f, nil
}
