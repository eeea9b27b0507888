package objectstore

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/clusterreg/registry/pkg/types"
)

func digestOf(t *testing.T, content string) types.Digest {
	t.Helper()
	d, err := types.HashReader(strings.NewReader(content))
	if err != nil {
		t.Fatalf("HashReader() error = %v", err)
	}
	return d
}

func TestNew_CreatesSubtrees(t *testing.T) {
	dir := t.TempDir()
	if _, err := New(dir); err != nil {
		t.Fatalf("New() error = %v", err)
	}
	for _, sub := range []string{"uploads", "blobs", "manifests"} {
		if fi, err := os.Stat(dir + "/" + sub); err != nil || !fi.IsDir() {
			t.Errorf("expected %s subdirectory to exist", sub)
		}
	}
}

func TestUploadCommitAndOpen(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	content := "hello registry"
	want := digestOf(t, content)

	upload, err := store.NewUpload(types.EntityBlob)
	if err != nil {
		t.Fatalf("NewUpload() error = %v", err)
	}
	if _, err := upload.Write([]byte(content)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := upload.Commit(want)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if !got.Equal(want) {
		t.Fatalf("Commit() digest = %v, want %v", got, want)
	}

	if !store.Exists(types.EntityBlob, want) {
		t.Error("expected Exists to report the committed blob")
	}

	f, err := store.Open(types.EntityBlob, want)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(data) != content {
		t.Errorf("read back %q, want %q", data, content)
	}
}

func TestUploadCommit_DigestMismatchAborts(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	wrong := digestOf(t, "not the uploaded content")

	upload, err := store.NewUpload(types.EntityBlob)
	if err != nil {
		t.Fatalf("NewUpload() error = %v", err)
	}
	if _, err := upload.Write([]byte("actual content")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	var regErr *types.RegistryError
	if _, err := upload.Commit(wrong); err == nil {
		t.Fatal("expected Commit to reject a digest mismatch")
	} else if !errors.As(err, &regErr) {
		t.Fatalf("expected a RegistryError, got %T: %v", err, err)
	} else if regErr.Kind != types.KindDigestInvalid {
		t.Errorf("Kind = %v, want %v", regErr.Kind, types.KindDigestInvalid)
	}

	if _, err := upload.Commit(wrong); err == nil {
		t.Fatal("expected second Commit attempt to also fail")
	}

	if store.Exists(types.EntityBlob, wrong) {
		t.Error("a rejected upload must not land in the store")
	}
}

func TestUpload_Abort(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	upload, err := store.NewUpload(types.EntityBlob)
	if err != nil {
		t.Fatalf("NewUpload() error = %v", err)
	}
	if _, err := upload.Write([]byte("abandoned")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	upload.Abort()

	entries, err := os.ReadDir(store.root + "/uploads")
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected uploads/ to be empty after Abort, found %d entries", len(entries))
	}
}

func TestStore_OpenMissing(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	missing := digestOf(t, "never uploaded")

	_, err = store.Open(types.EntityBlob, missing)
	if err == nil {
		t.Fatal("expected Open to fail for a missing digest")
	}
	var regErr *types.RegistryError
	if !errors.As(err, &regErr) {
		t.Fatalf("expected a RegistryError, got %T", err)
	}
	if regErr.Kind != types.KindNotFound {
		t.Errorf("Kind = %v, want %v", regErr.Kind, types.KindNotFound)
	}
}

func TestStore_RemovePrunesEmptyShardDirs(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	content := "pruned content"
	want := digestOf(t, content)

	upload, err := store.NewUpload(types.EntityBlob)
	if err != nil {
		t.Fatalf("NewUpload() error = %v", err)
	}
	upload.Write([]byte(content))
	if _, err := upload.Commit(want); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	if err := store.Remove(types.EntityBlob, want); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if store.Exists(types.EntityBlob, want) {
		t.Error("expected Exists to report false after Remove")
	}
	if _, err := os.Stat(store.root + "/blobs/" + want.Hex()[0:2]); !os.IsNotExist(err) {
		t.Errorf("expected Remove to prune the emptied shard directories, stat error = %v", err)
	}

	// Removing again is a no-op, not an error.
	if err := store.Remove(types.EntityBlob, want); err != nil {
		t.Errorf("Remove() on an already-removed digest returned %v, want nil", err)
	}
}

func TestPath_IsDeterministicAndSharded(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	d := digestOf(t, "shard me")

	p1 := store.Path(types.EntityBlob, d)
	p2 := store.Path(types.EntityBlob, d)
	if p1 != p2 {
		t.Fatalf("Path() not deterministic: %q != %q", p1, p2)
	}
	hex := d.Hex()
	wantSuffix := "/" + hex[0:2] + "/" + hex[2:4] + "/" + hex[4:6] + "/" + hex[6:]
	if !bytes.HasSuffix([]byte(p1), []byte(wantSuffix)) {
		t.Errorf("Path() = %q, want suffix %q", p1, wantSuffix)
	}
}
