package extractor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/clusterreg/registry/pkg/types"
)

func mustDigest(t *testing.T, hex string) types.Digest {
	t.Helper()
	d, err := types.ParseDigest("sha256:" + hex)
	if err != nil {
		t.Fatalf("ParseDigest() error = %v", err)
	}
	return d
}

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestExtract_OCIManifest(t *testing.T) {
	self := mustDigest(t, "0000000000000000000000000000000000000000000000000000000000000c01")
	path := writeManifest(t, `{
		"schemaVersion": 2,
		"config": {"mediaType": "application/vnd.oci.image.config.v1+json", "digest": "sha256:0000000000000000000000000000000000000000000000000000000000000c02", "size": 100},
		"layers": [
			{"mediaType": "application/vnd.oci.image.layer.v1.tar+gzip", "digest": "sha256:0000000000000000000000000000000000000000000000000000000000000c03", "size": 200}
		]
	}`)

	result, err := Extract(path, MediaTypeOCIManifest, self, "library/alpine", time.Now())
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	if len(result.Actions) != 3 {
		t.Fatalf("expected 3 actions (1 ManifestInfo + 2 BlobMounted), got %d", len(result.Actions))
	}

	info, ok := result.Actions[0].(types.ManifestInfo)
	if !ok {
		t.Fatalf("expected first action to be ManifestInfo, got %T", result.Actions[0])
	}
	if !info.Digest.Equal(self) {
		t.Errorf("ManifestInfo.Digest = %v, want %v", info.Digest, self)
	}
	if len(info.Dependencies) != 2 {
		t.Errorf("expected 2 dependencies recorded, got %d", len(info.Dependencies))
	}

	for _, a := range result.Actions[1:] {
		mounted, ok := a.(types.BlobMounted)
		if !ok {
			t.Fatalf("expected dependency action to be BlobMounted, got %T", a)
		}
		if mounted.Repository != "library/alpine" {
			t.Errorf("BlobMounted.Repository = %q, want library/alpine", mounted.Repository)
		}
	}
}

func TestExtract_OCIIndex(t *testing.T) {
	self := mustDigest(t, "0000000000000000000000000000000000000000000000000000000000000c10")
	path := writeManifest(t, `{
		"schemaVersion": 2,
		"manifests": [
			{"mediaType": "application/vnd.oci.image.manifest.v1+json", "digest": "sha256:0000000000000000000000000000000000000000000000000000000000000c11", "size": 300},
			{"mediaType": "application/vnd.oci.image.manifest.v1+json", "digest": "sha256:0000000000000000000000000000000000000000000000000000000000000c12", "size": 300}
		]
	}`)

	result, err := Extract(path, MediaTypeOCIIndex, self, "library/alpine", time.Now())
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(result.Actions) != 3 {
		t.Fatalf("expected 3 actions (1 ManifestInfo + 2 ManifestMounted), got %d", len(result.Actions))
	}
	for _, a := range result.Actions[1:] {
		mounted, ok := a.(types.ManifestMounted)
		if !ok {
			t.Fatalf("expected index dependency action to be ManifestMounted, got %T", a)
		}
		if mounted.Repository != "library/alpine" {
			t.Errorf("ManifestMounted.Repository = %q, want library/alpine", mounted.Repository)
		}
	}
}

func TestExtract_DockerManifest(t *testing.T) {
	self := mustDigest(t, "0000000000000000000000000000000000000000000000000000000000000c20")
	path := writeManifest(t, `{
		"schemaVersion": 2,
		"config": {"mediaType": "application/vnd.docker.container.image.v1+json", "digest": "sha256:0000000000000000000000000000000000000000000000000000000000000c21", "size": 100},
		"layers": [
			{"mediaType": "application/vnd.docker.image.rootfs.diff.tar.gzip", "digest": "sha256:0000000000000000000000000000000000000000000000000000000000000c22", "size": 200}
		]
	}`)

	result, err := Extract(path, MediaTypeDockerManifest, self, "library/alpine", time.Now())
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(result.Actions) != 3 {
		t.Fatalf("expected 3 actions, got %d", len(result.Actions))
	}
}

func TestExtract_UnrecognizedContentTypeIsEmptyNonError(t *testing.T) {
	self := mustDigest(t, "0000000000000000000000000000000000000000000000000000000000000c30")
	path := writeManifest(t, `{"anything": "goes"}`)

	result, err := Extract(path, "application/vnd.unknown+json", self, "library/alpine", time.Now())
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(result.Actions) != 0 {
		t.Errorf("expected no actions for an unrecognized content type, got %d", len(result.Actions))
	}
}

func TestExtract_MissingFile(t *testing.T) {
	self := mustDigest(t, "0000000000000000000000000000000000000000000000000000000000000c40")
	_, err := Extract(filepath.Join(t.TempDir(), "missing.json"), MediaTypeOCIManifest, self, "library/alpine", time.Now())
	if err == nil {
		t.Fatal("expected an error reading a missing manifest file")
	}
}

func TestExtract_MalformedJSONErrors(t *testing.T) {
	self := mustDigest(t, "0000000000000000000000000000000000000000000000000000000000000c50")
	path := writeManifest(t, `not json`)

	if _, err := Extract(path, MediaTypeOCIManifest, self, "library/alpine", time.Now()); err == nil {
		t.Fatal("expected an error decoding a malformed manifest")
	}
}

func TestExtract_SkipsUnparseableDependencyDigests(t *testing.T) {
	self := mustDigest(t, "0000000000000000000000000000000000000000000000000000000000000c60")
	path := writeManifest(t, `{
		"schemaVersion": 2,
		"config": {"mediaType": "application/vnd.oci.image.config.v1+json", "digest": "not-a-digest", "size": 100},
		"layers": [
			{"mediaType": "application/vnd.oci.image.layer.v1.tar+gzip", "digest": "sha256:0000000000000000000000000000000000000000000000000000000000000c61", "size": 200}
		]
	}`)

	result, err := Extract(path, MediaTypeOCIManifest, self, "library/alpine", time.Now())
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(result.Actions) != 2 {
		t.Fatalf("expected the unparseable config digest to be skipped, leaving 2 actions, got %d", len(result.Actions))
	}
}
