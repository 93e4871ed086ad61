package snapshot

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gbasin/scriptum/internal/crdt"
	"github.com/gbasin/scriptum/internal/security"
)

func setTestMasterKey(t *testing.T) {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i * 3)
	}
	t.Setenv("SCRIPTUM_DAEMON_MASTER_KEY_BASE64", base64.RawURLEncoding.EncodeToString(key))
	security.ResetCachedMasterKeyForTests()
}

func TestCreatesAndLoadsSnapshotRoundTrip(t *testing.T) {
	setTestMasterKey(t)
	dir := t.TempDir()
	store, err := New(filepath.Join(dir, "crdt_store"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	docID := uuid.New()

	doc := crdt.NewDocumentWithClientID(7)
	if err := doc.InsertText("content", 0, "persisted snapshot state", crdt.OriginFromLabel("seed")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	encodedState := doc.EncodeState()

	if _, err := store.Save(docID, 42, encodedState); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := store.Load(docID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded == nil {
		t.Fatalf("expected snapshot to exist")
	}
	if loaded.SnapshotSeq != 42 {
		t.Fatalf("snapshot_seq = %d, want 42", loaded.SnapshotSeq)
	}

	restored, err := crdt.NewDocumentFromState(loaded.Payload)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := restored.GetText("content"); got != "persisted snapshot state" {
		t.Fatalf("got %q", got)
	}
}

func TestCompressesRepetitiveSnapshotPayload(t *testing.T) {
	setTestMasterKey(t)
	dir := t.TempDir()
	store, err := New(filepath.Join(dir, "crdt_store"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	docID := uuid.New()
	payload := bytes.Repeat([]byte{'x'}, 8192)

	path, err := store.Save(docID, 1, payload)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := store.Load(docID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded == nil {
		t.Fatalf("expected snapshot to exist")
	}
	if loaded.Codec != CodecRLE {
		t.Fatalf("codec = %d, want RLE", loaded.Codec)
	}
	if !bytes.Equal(loaded.Payload, payload) {
		t.Fatalf("payload mismatch after round trip")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if int(info.Size()) >= len(payload) {
		t.Fatalf("file size %d not smaller than payload %d", info.Size(), len(payload))
	}
}

func TestSnapshotPolicyUsesSequenceOrTimeThreshold(t *testing.T) {
	now := time.Now()

	if !ShouldSnapshot(0, 1000, now, now) {
		t.Fatalf("expected snapshot at 1000 updates")
	}
	if !ShouldSnapshot(10, 100, now.Add(-10*time.Minute), now) {
		t.Fatalf("expected snapshot at 10 minute threshold")
	}
	if ShouldSnapshot(10, 999, now.Add(-9*time.Minute), now) {
		t.Fatalf("did not expect snapshot below both thresholds")
	}
}

func TestSnapshotFileIsOwnerOnly(t *testing.T) {
	setTestMasterKey(t)
	dir := t.TempDir()
	store, err := New(filepath.Join(dir, "crdt_store"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	docID := uuid.New()

	path, err := store.Save(docID, 1, []byte("snapshot payload"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %o, want 0600", info.Mode().Perm())
	}
}

func TestLoadMissingSnapshotReturnsNil(t *testing.T) {
	setTestMasterKey(t)
	dir := t.TempDir()
	store, err := New(filepath.Join(dir, "crdt_store"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	loaded, err := store.Load(uuid.New())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded != nil {
		t.Fatalf("expected nil for missing snapshot, got %+v", loaded)
	}
}

func TestLoadRejectsInvalidMagic(t *testing.T) {
	setTestMasterKey(t)
	dir := t.TempDir()
	store, err := New(filepath.Join(dir, "crdt_store"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	docID := uuid.New()
	if err := os.WriteFile(store.SnapshotPath(docID), bytes.Repeat([]byte{0}, snapshotHeaderSize), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := store.Load(docID); err == nil {
		t.Fatalf("expected error for invalid magic")
	}
}
