package mqtt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadOrCreateInstanceID_CreatesAndPersists(t *testing.T) {
	dir := t.TempDir()

	id1, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID error: %v", err)
	}
	if id1 == "" {
		t.Fatal("expected non-empty instance ID")
	}

	// Second call must return the same ID.
	id2, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second LoadOrCreateInstanceID error: %v", err)
	}
	if id1 != id2 {
		t.Errorf("instance ID changed: %q then %q", id1, id2)
	}
}

func TestLoadOrCreateInstanceID_ReadsExisting(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "instance_id"), []byte("my-bridge-id\n"), 0644)

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID error: %v", err)
	}
	if id != "my-bridge-id" {
		t.Errorf("id = %q, want my-bridge-id", id)
	}
}

func TestLoadOrCreateInstanceID_EmptyFileRegenerates(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "instance_id"), []byte("  \n"), 0644)

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID error: %v", err)
	}
	if strings.TrimSpace(id) == "" {
		t.Error("expected a regenerated instance ID for empty file")
	}
}
