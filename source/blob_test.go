package source

import (
	"os"
	"path/filepath"
	"testing"

	"relic.dev/relic/ident"
	"relic.dev/relic/platform"
)

func TestWriteReadBlob(t *testing.T) {
	root := t.TempDir()
	id := ident.NewUUID()
	payload := []byte("blob payload")
	sum := ident.Checksum(payload)

	if err := WriteBlob(root, id, keyA, platform.Any, sum, payload); err != nil {
		t.Fatalf("WriteBlob: %v", err)
	}
	got, err := ReadBlob(root, id, keyA, platform.Any, sum, uint64(len(payload)))
	if err != nil {
		t.Fatalf("ReadBlob: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("payload mismatch")
	}

	if _, err := ReadBlob(root, id, keyA, platform.Any, sum, uint64(len(payload))+1); err == nil {
		t.Fatalf("expected size mismatch error")
	}
	if _, err := ReadBlob(root, id, keyB, platform.Any, sum, 1); err == nil {
		t.Fatalf("expected not-found error")
	}
}

func TestEnumerateBlobs(t *testing.T) {
	root := t.TempDir()
	id := ident.NewUUID()
	if names, err := EnumerateBlobs(root, id); err != nil || names != nil {
		t.Fatalf("empty dir: got %v, %v", names, err)
	}

	if err := WriteBlob(root, id, keyA, platform.Any, 1, []byte("a")); err != nil {
		t.Fatalf("WriteBlob: %v", err)
	}
	if err := WriteBlob(root, id, keyB, 7, 2, []byte("b")); err != nil {
		t.Fatalf("WriteBlob: %v", err)
	}
	// Unrelated file in the same directory is ignored.
	if err := os.WriteFile(filepath.Join(ident.UUIDDir(root, id), "noise"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	names, err := EnumerateBlobs(root, id)
	if err != nil {
		t.Fatalf("EnumerateBlobs: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("got %d names, want 2: %v", len(names), names)
	}
}

func TestClearBlobHistory(t *testing.T) {
	root := t.TempDir()
	id := ident.NewUUID()

	oldPayload := []byte("old")
	newPayload := []byte("new payload")
	oldSum := ident.Checksum(oldPayload)
	newSum := ident.Checksum(newPayload)

	s := New()
	s.SetBlob(1, keyA, platform.Any, oldSum, uint64(len(oldPayload)))
	if err := WriteBlob(root, id, keyA, platform.Any, oldSum, oldPayload); err != nil {
		t.Fatalf("WriteBlob: %v", err)
	}
	s.SetBlob(2, keyA, platform.Any, newSum, uint64(len(newPayload)))
	if err := WriteBlob(root, id, keyA, platform.Any, newSum, newPayload); err != nil {
		t.Fatalf("WriteBlob: %v", err)
	}

	// Full history still references both sidecars.
	if err := ClearBlobHistory(root, id, s); err != nil {
		t.Fatalf("ClearBlobHistory: %v", err)
	}
	names, _ := EnumerateBlobs(root, id)
	if len(names) != 2 {
		t.Fatalf("both referenced sidecars must survive, got %v", names)
	}

	// Collapsing drops the superseded change; its sidecar is now garbage.
	s.CollapseHistory()
	if err := ClearBlobHistory(root, id, s); err != nil {
		t.Fatalf("ClearBlobHistory: %v", err)
	}
	names, _ = EnumerateBlobs(root, id)
	if len(names) != 1 {
		t.Fatalf("want 1 surviving sidecar, got %v", names)
	}
	if _, err := ReadBlob(root, id, keyA, platform.Any, newSum, uint64(len(newPayload))); err != nil {
		t.Fatalf("surviving sidecar unreadable: %v", err)
	}
}
