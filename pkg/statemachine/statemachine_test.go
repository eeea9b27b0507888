package statemachine

import (
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

func TestApply_MountAndStoreBlob(t *testing.T) {
	sm := New("node-1")
	d := mustDigest(t, "0000000000000000000000000000000000000000000000000000000000000001")
	now := time.Now()

	sm.Apply(types.Batch{
		types.BlobMounted{Digest: d, Repository: "library/alpine", Timestamp: now},
		types.BlobStored{Digest: d, Location: "node-1", Timestamp: now},
	})

	if !sm.Graph().IsBlobAvailable("library/alpine", d) {
		t.Error("expected blob to be available in library/alpine")
	}
	if _, ok := sm.Graph().GetBlob(d); !ok {
		t.Error("expected GetBlob to find the mounted blob")
	}
	if got := sm.Graph().BlobCount(); got != 1 {
		t.Errorf("BlobCount() = %d, want 1", got)
	}
}

func TestApply_UnmountOrphansButKeepsLocation(t *testing.T) {
	sm := New("node-1")
	d := mustDigest(t, "0000000000000000000000000000000000000000000000000000000000000002")
	now := time.Now()

	sm.Apply(types.Batch{
		types.BlobMounted{Digest: d, Repository: "library/alpine", Timestamp: now},
		types.BlobStored{Digest: d, Location: "node-1", Timestamp: now},
		types.BlobUnmounted{Digest: d, Repository: "library/alpine", Timestamp: now.Add(time.Second)},
	})

	blob, ok := sm.Graph().GetBlob(d)
	if !ok {
		t.Fatal("expected entity to survive unmount while a location remains")
	}
	if !blob.Orphaned() {
		t.Error("expected blob to be orphaned once its only repository is unmounted")
	}
	if len(blob.LastRepositories) != 1 {
		t.Errorf("expected LastRepositories to snapshot the unmounted repo, got %v", blob.LastRepositories)
	}
}

func TestApply_EntityDiesWhenBothSetsEmpty(t *testing.T) {
	sm := New("node-1")
	d := mustDigest(t, "0000000000000000000000000000000000000000000000000000000000000003")
	now := time.Now()

	sm.Apply(types.Batch{
		types.BlobMounted{Digest: d, Repository: "library/alpine", Timestamp: now},
		types.BlobStored{Digest: d, Location: "node-1", Timestamp: now},
		types.BlobUnmounted{Digest: d, Repository: "library/alpine", Timestamp: now.Add(time.Second)},
		types.BlobUnstored{Digest: d, Location: "node-1", Timestamp: now.Add(2 * time.Second)},
	})

	if _, ok := sm.Graph().GetBlob(d); ok {
		t.Error("expected entity to be removed from the graph once dead")
	}
	if got := sm.Graph().BlobCount(); got != 0 {
		t.Errorf("BlobCount() = %d, want 0", got)
	}
}

func TestApply_HashTaggedResolvesTag(t *testing.T) {
	sm := New("node-1")
	d := mustDigest(t, "0000000000000000000000000000000000000000000000000000000000000004")

	sm.Apply(types.Batch{
		types.HashTagged{Repository: "library/alpine", Tag: "latest", Digest: d, Timestamp: time.Now()},
	})

	got, ok := sm.Graph().GetTag("library/alpine", "latest")
	if !ok {
		t.Fatal("expected tag to resolve")
	}
	if !got.Equal(d) {
		t.Errorf("GetTag() = %v, want %v", got, d)
	}
	if n := sm.Graph().TagCount(); n != 1 {
		t.Errorf("TagCount() = %d, want 1", n)
	}
}

func TestApply_GetOrphanedBlobs(t *testing.T) {
	sm := New("node-1")
	d := mustDigest(t, "0000000000000000000000000000000000000000000000000000000000000005")
	now := time.Now()

	sm.Apply(types.Batch{
		types.BlobMounted{Digest: d, Repository: "library/alpine", Timestamp: now},
		types.BlobStored{Digest: d, Location: "node-1", Timestamp: now},
		types.BlobUnmounted{Digest: d, Repository: "library/alpine", Timestamp: now.Add(time.Second)},
	})

	orphans := sm.Graph().GetOrphanedBlobs()
	if len(orphans) != 1 {
		t.Fatalf("expected 1 orphaned blob, got %d", len(orphans))
	}
	if !orphans[0].Digest.Equal(d) {
		t.Errorf("orphan digest = %v, want %v", orphans[0].Digest, d)
	}
}

func TestWaitForBlob_AlreadyPresent(t *testing.T) {
	sm := New("node-1")
	d := mustDigest(t, "0000000000000000000000000000000000000000000000000000000000000006")
	now := time.Now()

	sm.Apply(types.Batch{
		types.BlobStored{Digest: d, Location: "node-1", Timestamp: now},
	})

	select {
	case <-sm.WaitForBlob(d):
	default:
		t.Fatal("expected WaitForBlob to return an already-closed channel")
	}
}

func TestWaitForBlob_WokenByApply(t *testing.T) {
	sm := New("node-1")
	d := mustDigest(t, "0000000000000000000000000000000000000000000000000000000000000007")

	ch := sm.WaitForBlob(d)
	select {
	case <-ch:
		t.Fatal("expected channel to remain open before the blob is stored")
	default:
	}

	sm.Apply(types.Batch{
		types.BlobStored{Digest: d, Location: "node-1", Timestamp: time.Now()},
	})

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected channel to close once Apply stores the blob locally")
	}
}

func TestWaitForBlob_IgnoresRemoteLocation(t *testing.T) {
	sm := New("node-1")
	d := mustDigest(t, "0000000000000000000000000000000000000000000000000000000000000008")

	ch := sm.WaitForBlob(d)

	sm.Apply(types.Batch{
		types.BlobStored{Digest: d, Location: "node-2", Timestamp: time.Now()},
	})

	select {
	case <-ch:
		t.Fatal("expected channel to stay open for a blob stored on a remote node")
	default:
	}
}

func TestPeekOrphanedMounts(t *testing.T) {
	sm := New("node-1")
	d := mustDigest(t, "0000000000000000000000000000000000000000000000000000000000000009")
	now := time.Now()

	sm.Apply(types.Batch{
		types.BlobMounted{Digest: d, Repository: "library/alpine", Timestamp: now},
		types.BlobStored{Digest: d, Location: "node-1", Timestamp: now},
		types.BlobUnmounted{Digest: d, Repository: "library/alpine", Timestamp: now.Add(time.Second)},
	})

	mounts := sm.PeekOrphanedMounts(types.EntityBlob, func(types.Entity) bool { return true })
	if len(mounts) != 1 {
		t.Fatalf("expected 1 orphaned mount, got %d", len(mounts))
	}
	if len(mounts[0].Repositories) != 1 || mounts[0].Repositories[0] != "library/alpine" {
		t.Errorf("unexpected repositories: %v", mounts[0].Repositories)
	}

	// A second peek, without an intervening ClearOrphanedMount, finds the
	// same entry again: peeking must not consume.
	mounts = sm.PeekOrphanedMounts(types.EntityBlob, func(types.Entity) bool { return true })
	if len(mounts) != 1 {
		t.Errorf("expected PeekOrphanedMounts to be non-destructive, got %d entries on second call", len(mounts))
	}
}

func TestPeekOrphanedMounts_RespectsAgeGate(t *testing.T) {
	sm := New("node-1")
	d := mustDigest(t, "00000000000000000000000000000000000000000000000000000000000000aa")
	now := time.Now()

	sm.Apply(types.Batch{
		types.BlobMounted{Digest: d, Repository: "library/alpine", Timestamp: now},
		types.BlobStored{Digest: d, Location: "node-1", Timestamp: now},
		types.BlobUnmounted{Digest: d, Repository: "library/alpine", Timestamp: now.Add(time.Second)},
	})

	mounts := sm.PeekOrphanedMounts(types.EntityBlob, func(types.Entity) bool { return false })
	if len(mounts) != 0 {
		t.Errorf("expected age gate to suppress the entry, got %d", len(mounts))
	}
}

func TestClearOrphanedMount_OnlyRemovesNamedRepositories(t *testing.T) {
	sm := New("node-1")
	d := mustDigest(t, "00000000000000000000000000000000000000000000000000000000000000ab")
	now := time.Now()

	sm.Apply(types.Batch{
		types.BlobMounted{Digest: d, Repository: "library/alpine", Timestamp: now},
		types.BlobMounted{Digest: d, Repository: "library/busybox", Timestamp: now},
		types.BlobStored{Digest: d, Location: "node-1", Timestamp: now},
		types.BlobUnmounted{Digest: d, Repository: "library/alpine", Timestamp: now.Add(time.Second)},
		types.BlobUnmounted{Digest: d, Repository: "library/busybox", Timestamp: now.Add(2 * time.Second)},
	})

	sm.ClearOrphanedMount(types.EntityBlob, d, []types.RepositoryName{"library/alpine"})

	mounts := sm.PeekOrphanedMounts(types.EntityBlob, func(types.Entity) bool { return true })
	if len(mounts) != 1 {
		t.Fatalf("expected 1 remaining orphaned mount, got %d", len(mounts))
	}
	if len(mounts[0].Repositories) != 1 || mounts[0].Repositories[0] != "library/busybox" {
		t.Errorf("expected only library/busybox to remain, got %v", mounts[0].Repositories)
	}
}

func TestExportImport_RoundTrip(t *testing.T) {
	sm := New("node-1")
	blob := mustDigest(t, "0000000000000000000000000000000000000000000000000000000000000bb1")
	manifest := mustDigest(t, "0000000000000000000000000000000000000000000000000000000000000bb2")
	now := time.Now()

	sm.Apply(types.Batch{
		types.BlobMounted{Digest: blob, Repository: "library/alpine", Timestamp: now},
		types.BlobStored{Digest: blob, Location: "node-1", Timestamp: now},
		types.ManifestMounted{Digest: manifest, Repository: "library/alpine", Timestamp: now},
		types.HashTagged{Repository: "library/alpine", Tag: "latest", Digest: manifest, Timestamp: now},
	})

	snap := sm.Export()

	restored := New("node-2")
	restored.Import(snap)

	if !restored.Graph().IsBlobAvailable("library/alpine", blob) {
		t.Error("expected the restored graph to have the mounted blob")
	}
	got, ok := restored.Graph().GetTag("library/alpine", "latest")
	if !ok || !got.Equal(manifest) {
		t.Errorf("GetTag() after Import = (%v, %v), want (%v, true)", got, ok, manifest)
	}
	if n := restored.Graph().BlobCount(); n != 1 {
		t.Errorf("BlobCount() after Import = %d, want 1", n)
	}
}

func TestApply_EmptyIsNoOp(t *testing.T) {
	sm := New("node-1")
	sm.Apply(types.Batch{types.Empty{Timestamp: time.Now()}})

	if n := sm.Graph().BlobCount(); n != 0 {
		t.Errorf("BlobCount() = %d, want 0", n)
	}
}
