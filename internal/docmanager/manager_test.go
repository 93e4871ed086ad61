package docmanager

import (
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/gbasin/scriptum/internal/crdt"
)

func TestSubscribeUnsubscribeLifecycleMovesDocsBetweenActiveAndLRU(t *testing.T) {
	manager := New(1024 * 1024)
	docID := uuid.New()

	first := manager.SubscribeOrCreate(docID)
	second := manager.SubscribeOrCreate(docID)

	if first != second {
		t.Fatalf("expected same replica instance across subscriptions")
	}
	if got := manager.SubscriberCount(docID); got != 2 {
		t.Fatalf("subscriber count = %d, want 2", got)
	}
	if len(manager.CachedLRUDocIDs()) != 0 {
		t.Fatalf("expected empty LRU while subscribed")
	}

	if !manager.Unsubscribe(docID) {
		t.Fatalf("expected unsubscribe to succeed")
	}
	if got := manager.SubscriberCount(docID); got != 1 {
		t.Fatalf("subscriber count = %d, want 1", got)
	}
	if len(manager.CachedLRUDocIDs()) != 0 {
		t.Fatalf("expected empty LRU with one subscriber remaining")
	}

	if !manager.Unsubscribe(docID) {
		t.Fatalf("expected second unsubscribe to succeed")
	}
	if got := manager.SubscriberCount(docID); got != 0 {
		t.Fatalf("subscriber count = %d, want 0", got)
	}
	if ids := manager.CachedLRUDocIDs(); len(ids) != 1 || ids[0] != docID {
		t.Fatalf("expected doc to land in LRU, got %v", ids)
	}

	third := manager.SubscribeOrCreate(docID)
	if third != first {
		t.Fatalf("expected resubscribe to return the cached replica instance")
	}
	if got := manager.SubscriberCount(docID); got != 1 {
		t.Fatalf("subscriber count = %d, want 1", got)
	}
	if len(manager.CachedLRUDocIDs()) != 0 {
		t.Fatalf("expected empty LRU after resubscribe")
	}
}

func TestEvictsLeastRecentlyUsedDocWhenOverMemoryThreshold(t *testing.T) {
	docA := seededDoc("A", 2048)
	sizeA := len(docA.EncodeState())
	docB := seededDoc("B", 2048)
	sizeB := len(docB.EncodeState())
	docC := seededDoc("C", 2048)
	sizeC := len(docC.EncodeState())

	manager := New(sizeB + sizeC)

	docAID := uuid.New()
	docBID := uuid.New()
	docCID := uuid.New()

	manager.PutDoc(docAID, docA)
	manager.PutDoc(docBID, docB)
	manager.PutDoc(docCID, docC)

	if manager.ContainsDoc(docAID) {
		t.Fatalf("expected doc A to be evicted")
	}
	if !manager.ContainsDoc(docBID) || !manager.ContainsDoc(docCID) {
		t.Fatalf("expected docs B and C to remain resident")
	}
	ids := manager.CachedLRUDocIDs()
	if len(ids) != 2 || ids[0] != docBID || ids[1] != docCID {
		t.Fatalf("unexpected LRU order: %v", ids)
	}
	if manager.TotalMemoryBytes() > manager.MaxMemoryBytes() {
		t.Fatalf("total memory %d exceeds max %d", manager.TotalMemoryBytes(), manager.MaxMemoryBytes())
	}
	if sizeA <= 0 {
		t.Fatalf("expected doc A to have nonzero estimated size")
	}
}

func TestUnsubscribeUnknownDocIsNoop(t *testing.T) {
	manager := New(1024)
	if manager.Unsubscribe(uuid.New()) {
		t.Fatalf("expected unsubscribe of unknown doc to report false")
	}
}

func seededDoc(contentUnit string, repeats int) *crdt.Document {
	doc := crdt.NewDocument()
	content := strings.Repeat(contentUnit, repeats)
	if err := doc.InsertText("content", 0, content, crdt.OriginFromLabel("seed")); err != nil {
		panic(err)
	}
	return doc
}
