package rpc

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gbasin/scriptum/internal/crdt"
	"github.com/gbasin/scriptum/internal/docmanager"
)

type fakeDocStore struct {
	appended   [][]byte
	snapshoted int
}

func (f *fakeDocStore) AppendUpdate(workspaceID, docID uuid.UUID, update []byte) error {
	f.appended = append(f.appended, update)
	return nil
}

func (f *fakeDocStore) MaybeSnapshot(workspaceID, docID uuid.UUID) error {
	f.snapshoted++
	return nil
}

func startTestServer(t *testing.T) (*Server, *Client, *fakeDocStore) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "daemon.sock")
	store := &fakeDocStore{}
	srv := NewServer(socketPath, uuid.New(), t.TempDir(), docmanager.New(0), store)

	go func() {
		if err := srv.Start(); err != nil {
			t.Logf("server exited: %v", err)
		}
	}()
	select {
	case <-srv.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("server never became ready")
	}
	t.Cleanup(srv.Stop)

	client, err := Dial(socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return srv, client, store
}

func TestPingReturnsPong(t *testing.T) {
	_, client, _ := startTestServer(t)
	res, err := client.Ping()
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if res.Message != "pong" {
		t.Fatalf("got %q", res.Message)
	}
}

func TestHealthReportsHealthyStatus(t *testing.T) {
	_, client, _ := startTestServer(t)
	res, err := client.Health()
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if res.Status != "healthy" {
		t.Fatalf("got %q", res.Status)
	}
}

func TestSubscribeThenApplyLocalEditRoundTrips(t *testing.T) {
	_, client, store := startTestServer(t)
	docID := uuid.New().String()

	if _, err := client.Subscribe(docID); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	res, err := client.ApplyLocalEdit(ApplyLocalEditParams{
		DocID:     docID,
		Container: "content",
		PatchOps: []WirePatchOp{
			{Kind: "insert", Index: 0, Text: "hello"},
		},
		AuthorKind: uint8(crdt.AuthorHuman),
		AuthorID:   "user-1",
	})
	if err != nil {
		t.Fatalf("applyLocalEdit: %v", err)
	}
	if len(res.StateVector) == 0 {
		t.Fatalf("expected non-empty state vector")
	}
	if len(store.appended) != 1 {
		t.Fatalf("expected one WAL append, got %d", len(store.appended))
	}
}

func TestApplyLocalEditOnUnsubscribedDocReturnsPreconditionError(t *testing.T) {
	_, client, _ := startTestServer(t)
	docID := uuid.New().String()

	_, err := client.ApplyLocalEdit(ApplyLocalEditParams{
		DocID:     docID,
		Container: "content",
		PatchOps:  []WirePatchOp{{Kind: "insert", Index: 0, Text: "x"}},
	})
	if err == nil {
		t.Fatalf("expected error for unsubscribed document")
	}
}

func TestSyncStateReturnsDiffCoveringRemoteGap(t *testing.T) {
	_, client, _ := startTestServer(t)
	docID := uuid.New().String()

	if _, err := client.Subscribe(docID); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := client.ApplyLocalEdit(ApplyLocalEditParams{
		DocID:      docID,
		Container:  "content",
		PatchOps:   []WirePatchOp{{Kind: "insert", Index: 0, Text: "abc"}},
		AuthorKind: uint8(crdt.AuthorHuman),
	}); err != nil {
		t.Fatalf("applyLocalEdit: %v", err)
	}

	res, err := client.SyncState(docID, nil)
	if err != nil {
		t.Fatalf("syncState: %v", err)
	}
	if len(res.Diff) == 0 {
		t.Fatalf("expected non-empty diff against an empty remote state vector")
	}
}

func TestApplyUpdatePropagatesEncodedDiffAcrossReplicas(t *testing.T) {
	_, client, _ := startTestServer(t)
	docID := uuid.New().String()

	if _, err := client.Subscribe(docID); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := client.ApplyLocalEdit(ApplyLocalEditParams{
		DocID:      docID,
		Container:  "content",
		PatchOps:   []WirePatchOp{{Kind: "insert", Index: 0, Text: "hi"}},
		AuthorKind: uint8(crdt.AuthorHuman),
	}); err != nil {
		t.Fatalf("applyLocalEdit: %v", err)
	}

	sync, err := client.SyncState(docID, nil)
	if err != nil {
		t.Fatalf("syncState: %v", err)
	}

	otherDoc := uuid.New().String()
	if _, err := client.Subscribe(otherDoc); err != nil {
		t.Fatalf("subscribe other: %v", err)
	}
	if _, err := client.ApplyUpdate(otherDoc, sync.Diff); err != nil {
		t.Fatalf("applyUpdate: %v", err)
	}
}

func TestUnknownMethodReturnsMethodNotFoundError(t *testing.T) {
	_, client, _ := startTestServer(t)
	var out struct{}
	err := client.Call("nonexistent", struct{}{}, &out)
	if err == nil {
		t.Fatalf("expected error for unknown method")
	}
}
