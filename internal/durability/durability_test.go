package durability

import (
	"encoding/base64"
	"testing"

	"github.com/google/uuid"

	"github.com/gbasin/scriptum/internal/crdt"
	"github.com/gbasin/scriptum/internal/docmanager"
	"github.com/gbasin/scriptum/internal/security"
)

func setTestMasterKey(t *testing.T) {
	t.Helper()
	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}
	t.Setenv("SCRIPTUM_DAEMON_MASTER_KEY_BASE64", base64.StdEncoding.EncodeToString(key[:]))
	security.ResetCachedMasterKeyForTests()
	t.Cleanup(security.ResetCachedMasterKeyForTests)
}

func TestAppendUpdateThenHydrateReplaysWAL(t *testing.T) {
	setTestMasterKey(t)
	dir := t.TempDir()
	docs := docmanager.New(0)
	mgr, err := New(dir, docs)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	workspaceID := uuid.New()
	docID := uuid.New()

	doc := docs.SubscribeOrCreate(docID)
	if err := doc.InsertText("content", 0, "hello", crdt.OriginFromLabel("test")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := mgr.AppendUpdate(workspaceID, docID, doc.EncodeState()); err != nil {
		t.Fatalf("append: %v", err)
	}
	docs.Unsubscribe(docID)

	freshDocs := docmanager.New(0)
	freshMgr, err := New(dir, freshDocs)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := freshMgr.Hydrate(workspaceID, docID); err != nil {
		t.Fatalf("hydrate: %v", err)
	}

	restored := freshDocs.SubscribeOrCreate(docID)
	if got := restored.GetText("content"); got != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestMaybeSnapshotFoldsSnapshotAfterThreshold(t *testing.T) {
	setTestMasterKey(t)
	dir := t.TempDir()
	docs := docmanager.New(0)
	mgr, err := New(dir, docs)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	workspaceID := uuid.New()
	docID := uuid.New()
	doc := docs.SubscribeOrCreate(docID)
	if err := doc.InsertText("content", 0, "x", crdt.OriginFromLabel("test")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	for i := 0; i < 1000; i++ {
		if err := mgr.AppendUpdate(workspaceID, docID, []byte("u")); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := mgr.MaybeSnapshot(workspaceID, docID); err != nil {
		t.Fatalf("maybe snapshot: %v", err)
	}

	rec, err := mgr.snapshots.Load(docID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rec == nil {
		t.Fatalf("expected a snapshot to have been written")
	}
}
