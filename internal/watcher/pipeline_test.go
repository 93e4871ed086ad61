package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gbasin/scriptum/internal/docmanager"
)

type fakeResolver struct {
	workspaceID uuid.UUID
	docIDs      map[string]uuid.UUID
}

func (r *fakeResolver) Resolve(path string) (uuid.UUID, uuid.UUID, bool) {
	docID, ok := r.docIDs[path]
	return r.workspaceID, docID, ok
}

type fakeHashStore struct {
	mu     sync.Mutex
	hashes map[string]string
}

func newFakeHashStore() *fakeHashStore {
	return &fakeHashStore{hashes: make(map[string]string)}
}

func (h *fakeHashStore) GetHash(docID string) (string, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.hashes[docID]
	return v, ok, nil
}

func (h *fakeHashStore) SetHash(docID string, hash string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hashes[docID] = hash
	return nil
}

func TestPipelineEmitsDocUpdatedOnFirstWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "note.md")
	if err := os.WriteFile(path, []byte("# hello\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	docID := uuid.New()
	resolver := &fakeResolver{workspaceID: uuid.New(), docIDs: map[string]uuid.UUID{path: docID}}
	hashes := newFakeHashStore()
	manager := docmanager.New(0)

	raw := make(chan RawFsEvent, 1)
	stop := make(chan struct{})
	out := RunPipeline(raw, manager, resolver, hashes, Config{DebounceWindow: time.Millisecond, PollInterval: time.Millisecond}, stop)

	raw <- RawFsEvent{Kind: FsEventCreate, Path: path}

	select {
	case pe := <-out:
		if pe.Kind != EventDocUpdated {
			t.Fatalf("got kind %v, err %q", pe.Kind, pe.Err)
		}
		if pe.DocID != docID {
			t.Fatalf("doc id mismatch")
		}
		if pe.PatchOpCount == 0 {
			t.Fatalf("expected at least one patch op for initial content")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for pipeline event")
	}

	doc := manager.SubscribeOrCreate(docID)
	if got := doc.GetText("content"); got != "# hello\n" {
		t.Fatalf("got %q", got)
	}

	close(stop)
}

func TestPipelineSkipsNoOpSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "note.md")
	if err := os.WriteFile(path, []byte("same content\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	docID := uuid.New()
	resolver := &fakeResolver{workspaceID: uuid.New(), docIDs: map[string]uuid.UUID{path: docID}}
	hashes := newFakeHashStore()
	if err := hashes.SetHash(docID.String(), Sha256Hex([]byte("same content\n"))); err != nil {
		t.Fatalf("seed hash: %v", err)
	}
	manager := docmanager.New(0)

	raw := make(chan RawFsEvent, 1)
	stop := make(chan struct{})
	out := RunPipeline(raw, manager, resolver, hashes, Config{DebounceWindow: time.Millisecond, PollInterval: time.Millisecond}, stop)

	raw <- RawFsEvent{Kind: FsEventModify, Path: path}

	select {
	case pe := <-out:
		t.Fatalf("expected no event for no-op save, got %+v", pe)
	case <-time.After(150 * time.Millisecond):
	}

	close(stop)
}

func TestPipelineEmitsDocRemoved(t *testing.T) {
	docID := uuid.New()
	path := "/workspace/removed.md"
	resolver := &fakeResolver{workspaceID: uuid.New(), docIDs: map[string]uuid.UUID{path: docID}}
	hashes := newFakeHashStore()
	manager := docmanager.New(0)

	raw := make(chan RawFsEvent, 1)
	stop := make(chan struct{})
	out := RunPipeline(raw, manager, resolver, hashes, Config{DebounceWindow: time.Millisecond, PollInterval: time.Millisecond}, stop)

	raw <- RawFsEvent{Kind: FsEventRemove, Path: path}

	select {
	case pe := <-out:
		if pe.Kind != EventDocRemoved || pe.DocID != docID {
			t.Fatalf("unexpected event: %+v", pe)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for pipeline event")
	}

	close(stop)
}

func TestPipelineEmitsErrorForUnresolvedPath(t *testing.T) {
	resolver := &fakeResolver{workspaceID: uuid.New(), docIDs: map[string]uuid.UUID{}}
	hashes := newFakeHashStore()
	manager := docmanager.New(0)

	raw := make(chan RawFsEvent, 1)
	stop := make(chan struct{})
	out := RunPipeline(raw, manager, resolver, hashes, Config{DebounceWindow: time.Millisecond, PollInterval: time.Millisecond}, stop)

	raw <- RawFsEvent{Kind: FsEventModify, Path: "/outside/doc.md"}

	select {
	case pe := <-out:
		if pe.Kind != EventError {
			t.Fatalf("expected error event, got %+v", pe)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for pipeline event")
	}

	close(stop)
}
