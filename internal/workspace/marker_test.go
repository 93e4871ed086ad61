package workspace

import (
	"path/filepath"
	"testing"
)

func TestInitThenLoadRoundTrips(t *testing.T) {
	root := t.TempDir()
	created, err := Init(root)
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	loaded, err := Load(root)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.WorkspaceID != created.WorkspaceID {
		t.Fatalf("workspace id mismatch: %s vs %s", loaded.WorkspaceID, created.WorkspaceID)
	}
}

func TestInitTwiceFails(t *testing.T) {
	root := t.TempDir()
	if _, err := Init(root); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := Init(root); err == nil {
		t.Fatalf("expected second init to fail")
	}
}

func TestFindRootWalksUpFromSubdirectory(t *testing.T) {
	root := t.TempDir()
	if _, err := Init(root); err != nil {
		t.Fatalf("init: %v", err)
	}

	sub := filepath.Join(root, "notes", "deep")
	found, ok := FindRoot(sub)
	if !ok {
		t.Fatalf("expected to find workspace root")
	}
	if found != root {
		t.Fatalf("got %q, want %q", found, root)
	}
}

func TestFindRootReturnsFalseOutsideWorkspace(t *testing.T) {
	_, ok := FindRoot(t.TempDir())
	if ok {
		t.Fatalf("expected no workspace root to be found")
	}
}
