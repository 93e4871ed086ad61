package metastore

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "meta.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenAppliesAllMigrations(t *testing.T) {
	db := openTestDB(t)
	version, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if version != 2 {
		t.Fatalf("schema version = %d, want 2", version)
	}
}

func TestGetHashReturnsFalseForUnknownDoc(t *testing.T) {
	db := openTestDB(t)
	_, found, err := db.GetHash("nonexistent")
	if err != nil {
		t.Fatalf("get hash: %v", err)
	}
	if found {
		t.Fatalf("expected not found")
	}
}

func TestTrackAndGetHashRoundTrip(t *testing.T) {
	db := openTestDB(t)
	if err := db.TrackDocument("doc-1", "ws-1", "/test/doc.md", "lf", 0, "abc123"); err != nil {
		t.Fatalf("track: %v", err)
	}

	hash, found, err := db.GetHash("doc-1")
	if err != nil {
		t.Fatalf("get hash: %v", err)
	}
	if !found || hash != "abc123" {
		t.Fatalf("got (%q, %v), want (abc123, true)", hash, found)
	}
}

func TestSetHashUpdatesExistingDoc(t *testing.T) {
	db := openTestDB(t)
	if err := db.TrackDocument("doc-1", "ws-1", "/test/doc.md", "lf", 0, "old-hash"); err != nil {
		t.Fatalf("track: %v", err)
	}
	if err := db.SetHash("doc-1", "new-hash"); err != nil {
		t.Fatalf("set hash: %v", err)
	}

	hash, found, err := db.GetHash("doc-1")
	if err != nil {
		t.Fatalf("get hash: %v", err)
	}
	if !found || hash != "new-hash" {
		t.Fatalf("got (%q, %v), want (new-hash, true)", hash, found)
	}
}

func TestReopenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meta.db")

	db1, err := Open(path)
	if err != nil {
		t.Fatalf("open 1: %v", err)
	}
	if err := db1.TrackDocument("doc-1", "ws-1", "/test/doc.md", "lf", 0, "hash"); err != nil {
		t.Fatalf("track: %v", err)
	}
	db1.Close()

	db2, err := Open(path)
	if err != nil {
		t.Fatalf("open 2: %v", err)
	}
	defer db2.Close()

	hash, found, err := db2.GetHash("doc-1")
	if err != nil {
		t.Fatalf("get hash: %v", err)
	}
	if !found || hash != "hash" {
		t.Fatalf("got (%q, %v), want (hash, true)", hash, found)
	}
}

func TestResolveByPathReturnsFalseForUntrackedPath(t *testing.T) {
	db := openTestDB(t)
	_, _, found, err := db.ResolveByPath("/nowhere/doc.md")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if found {
		t.Fatalf("expected not found")
	}
}

func TestResolveByPathRoundTrips(t *testing.T) {
	db := openTestDB(t)
	if err := db.TrackDocument("doc-1", "ws-1", "/test/doc.md", "lf", 0, "abc"); err != nil {
		t.Fatalf("track: %v", err)
	}

	docID, workspaceID, found, err := db.ResolveByPath("/test/doc.md")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !found || docID != "doc-1" || workspaceID != "ws-1" {
		t.Fatalf("got (%q, %q, %v), want (doc-1, ws-1, true)", docID, workspaceID, found)
	}
}

func TestListTrackedDocumentsFiltersByWorkspace(t *testing.T) {
	db := openTestDB(t)
	if err := db.TrackDocument("doc-1", "ws-1", "/a.md", "lf", 0, "h1"); err != nil {
		t.Fatalf("track 1: %v", err)
	}
	if err := db.TrackDocument("doc-2", "ws-2", "/b.md", "lf", 0, "h2"); err != nil {
		t.Fatalf("track 2: %v", err)
	}

	docs, err := db.ListTrackedDocuments("ws-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 1 || docs[0].DocID != "doc-1" || docs[0].AbsPath != "/a.md" {
		t.Fatalf("got %+v, want one doc-1 entry", docs)
	}
}
