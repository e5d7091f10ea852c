package distdb

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
)

func TestStorePutAndPayload(t *testing.T) {
	dir := t.TempDir()

	store, err := NewStore(dir, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	fp := digest.FromString("example")

	if store.Ready(fp) {
		t.Fatalf("expected fp not ready before Put")
	}

	path, err := store.Put(fp, "payload.txt", strings.NewReader("hello"), Sidecar{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if !store.Ready(fp) {
		t.Fatalf("expected fp ready after Put")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading payload: %v", err)
	}

	if string(data) != "hello" {
		t.Errorf("payload content: got %q", data)
	}

	got, ok := store.Payload(fp, "payload.txt")
	if !ok {
		t.Fatalf("expected Payload to find the entry")
	}

	if got != path {
		t.Errorf("Payload path mismatch: %q vs %q", got, path)
	}
}

func TestStoreInvalidate(t *testing.T) {
	dir := t.TempDir()

	store, err := NewStore(dir, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	fp := digest.FromString("example")

	if _, err := store.Put(fp, "payload.txt", strings.NewReader("hi"), Sidecar{}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := store.Invalidate(fp); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	if store.Ready(fp) {
		t.Errorf("expected entry gone after Invalidate")
	}

	if _, err := os.Stat(filepath.Join(store.EntryDir(fp))); !os.IsNotExist(err) {
		t.Errorf("expected entry directory removed, stat err: %v", err)
	}
}

func TestFingerprintsAreStableAndDistinct(t *testing.T) {
	a := MetadataFingerprint("registry:flask:https://example/flask", "https://pypi.org/simple")
	b := MetadataFingerprint("registry:flask:https://example/flask", "https://pypi.org/simple")
	c := MetadataFingerprint("registry:flask:https://example/flask", "https://other.example/simple")

	if a != b {
		t.Errorf("expected identical inputs to fingerprint identically")
	}

	if a == c {
		t.Errorf("expected different index URLs to fingerprint differently")
	}
}
