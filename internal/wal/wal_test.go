package wal

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/gbasin/scriptum/internal/security"
)

func setTestMasterKey(t *testing.T) {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i * 7)
	}
	t.Setenv("SCRIPTUM_DAEMON_MASTER_KEY_BASE64", base64.RawURLEncoding.EncodeToString(key))
	security.ResetCachedMasterKeyForTests()
}

func firstFrameLen(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	var header [frameHeaderBytes]byte
	if _, err := f.Read(header[:]); err != nil {
		t.Fatalf("read header: %v", err)
	}
	length := int(header[0]) | int(header[1])<<8 | int(header[2])<<16 | int(header[3])<<24
	return frameHeaderBytes + length
}

func TestAppendAndReplayRoundTrip(t *testing.T) {
	setTestMasterKey(t)
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "doc.wal"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := store.Append([]byte("u1")); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if err := store.Append([]byte("u2")); err != nil {
		t.Fatalf("append 2: %v", err)
	}

	var updates [][]byte
	applied, err := store.Replay(func(payload []byte) error {
		updates = append(updates, append([]byte(nil), payload...))
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if applied != 2 {
		t.Fatalf("applied = %d, want 2", applied)
	}
	if string(updates[0]) != "u1" || string(updates[1]) != "u2" {
		t.Fatalf("got %q", updates)
	}
}

func TestReplayTruncatesCorruptedTail(t *testing.T) {
	// S4: WAL torn-tail. Overwrite the second frame's checksum bytes with
	// zeros; replay reports {applied:1, valid_frames:1, truncated:true,
	// checksum_failed:true}; file length equals the first frame's length;
	// second replay is a no-op producing the same result.
	setTestMasterKey(t)
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "doc.wal"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Append([]byte("u1")); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if err := store.Append([]byte("u2")); err != nil {
		t.Fatalf("append 2: %v", err)
	}

	firstLen := firstFrameLen(t, store.Path())
	corruptChecksum(t, store.Path(), int64(firstLen+4))

	summary, err := store.ReplayFromFrame(0, func([]byte) error { return nil })
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if summary.Applied != 1 || summary.ValidFrames != 1 || !summary.Truncated || !summary.ChecksumFailed {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	info, err := os.Stat(store.Path())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != int64(firstLen) {
		t.Fatalf("file size = %d, want %d", info.Size(), firstLen)
	}

	summary2, err := store.ReplayFromFrame(0, func([]byte) error { return nil })
	if err != nil {
		t.Fatalf("second replay: %v", err)
	}
	if summary2.Applied != 1 || summary2.Truncated {
		t.Fatalf("second replay unexpected: %+v", summary2)
	}
}

func corruptChecksum(t *testing.T, path string, offset int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open for corruption: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteAt([]byte{0, 0, 0, 0}, offset); err != nil {
		t.Fatalf("write corruption: %v", err)
	}
}

func TestReplayFromFrameSkipsSnapshotCoveredUpdates(t *testing.T) {
	setTestMasterKey(t)
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "doc.wal"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, u := range []string{"u1", "u2", "u3"} {
		if err := store.Append([]byte(u)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	var replayed [][]byte
	summary, err := store.ReplayFromFrame(2, func(p []byte) error {
		replayed = append(replayed, append([]byte(nil), p...))
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	want := ReplaySummary{Applied: 1, ValidFrames: 3, Truncated: false, ChecksumFailed: false}
	if summary != want {
		t.Fatalf("got %+v, want %+v", summary, want)
	}
	if len(replayed) != 1 || string(replayed[0]) != "u3" {
		t.Fatalf("got %q", replayed)
	}
}

func TestForDocUsesPerDocWalPath(t *testing.T) {
	setTestMasterKey(t)
	dir := t.TempDir()
	wsID := uuid.New()
	docID := uuid.New()
	store, err := ForDoc(dir, wsID, docID)
	if err != nil {
		t.Fatalf("for doc: %v", err)
	}
	if !contains(store.Path(), wsID.String()) || !contains(store.Path(), docID.String()+".wal") {
		t.Fatalf("unexpected path %q", store.Path())
	}
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && (func() bool {
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				return true
			}
		}
		return false
	})()
}

func TestWalFileIsOwnerOnly(t *testing.T) {
	setTestMasterKey(t)
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "secure.wal"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Append([]byte("payload")); err != nil {
		t.Fatalf("append: %v", err)
	}
	info, err := os.Stat(store.Path())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %o, want 0600", info.Mode().Perm())
	}
}
