package crdt

import "testing"

func syncDocs(source, target *Document) {
	targetSV := target.EncodeStateVector()
	diff, err := source.EncodeDiff(targetSV)
	if err != nil {
		panic(err)
	}
	if err := target.ApplyUpdate(diff); err != nil {
		panic(err)
	}
}

// settleAll runs a couple of all-to-all gossip rounds so each replica
// learns every other replica's transitive updates, mirroring the original
// test harness's settle_all helper.
func settleAll(docs []*Document) {
	for round := 0; round < 2; round++ {
		for i := range docs {
			for j := range docs {
				if i == j {
					continue
				}
				syncDocs(docs[i], docs[j])
			}
		}
	}
}

func TestOriginTagCodecUsableAsTransactionOrigin(t *testing.T) {
	doc := NewDocumentWithClientID(1)
	tag := OriginTag{AuthorKind: AuthorAgent, AuthorID: "a1", Timestamp: sampleTimestamp()}
	if err := doc.InsertText("content", 0, "hi", OriginFromTag(tag)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if got := doc.GetText("content"); got != "hi" {
		t.Fatalf("got %q", got)
	}
}

func TestConcurrentDivergentEditsConverge(t *testing.T) {
	// S3: Replicas A, B start from "hello". A inserts " world" at byte 5;
	// B inserts "Oh, " at byte 0. After exchanging diffs both ways, both
	// replicas' text is "Oh, hello world".
	a := NewDocumentWithClientID(1)
	if err := a.InsertText("content", 0, "hello", OriginFromLabel("seed")); err != nil {
		t.Fatalf("seed a: %v", err)
	}
	b := NewDocumentWithClientID(2)
	syncDocs(a, b)
	if got := b.GetText("content"); got != "hello" {
		t.Fatalf("b not seeded: %q", got)
	}

	if err := a.InsertText("content", 5, " world", OriginFromLabel("user")); err != nil {
		t.Fatalf("a insert: %v", err)
	}
	if err := b.InsertText("content", 0, "Oh, ", OriginFromLabel("user")); err != nil {
		t.Fatalf("b insert: %v", err)
	}

	settleAll([]*Document{a, b})

	want := "Oh, hello world"
	if got := a.GetText("content"); got != want {
		t.Fatalf("a: got %q, want %q", got, want)
	}
	if got := b.GetText("content"); got != want {
		t.Fatalf("b: got %q, want %q", got, want)
	}
}

func TestConvergenceAcrossManyReplicasAndInterleavings(t *testing.T) {
	rnd := newLCG(424242)
	const n = 4
	docs := make([]*Document, n)
	for i := range docs {
		docs[i] = NewDocumentWithClientID(uint64(i + 1))
	}
	if err := docs[0].InsertText("content", 0, "seed", OriginFromLabel("seed")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	settleAll(docs)

	for round := 0; round < 30; round++ {
		i := rnd.nextIntn(n)
		text := docs[i].GetText("content")
		pos := rnd.nextIntn(len([]rune(text)) + 1)
		byteIdx := runeIndexToByteIndex(text, pos)
		if err := docs[i].InsertText("content", byteIdx, string(rnd.nextRune()), OriginFromLabel("user")); err != nil {
			t.Fatalf("round %d insert: %v", round, err)
		}
		if round%5 == 0 {
			j := rnd.nextIntn(n)
			if j != i {
				syncDocs(docs[i], docs[j])
			}
		}
	}

	settleAll(docs)

	want := docs[0].GetText("content")
	for i := 1; i < n; i++ {
		if got := docs[i].GetText("content"); got != want {
			t.Fatalf("replica %d diverged: got %q, want %q", i, got, want)
		}
	}
}

func runeIndexToByteIndex(s string, runeIdx int) int {
	i := 0
	for idx := range s {
		if i == runeIdx {
			return idx
		}
		i++
	}
	return len(s)
}

func TestNewDocumentWithClientIDKeepsExplicitClientID(t *testing.T) {
	doc := NewDocumentWithClientID(7)
	if doc.ClientID() != 7 {
		t.Fatalf("expected client id 7, got %d", doc.ClientID())
	}
}

func TestRemoveTextRejectsSplitScalarBoundary(t *testing.T) {
	doc := NewDocumentWithClientID(1)
	if err := doc.InsertText("content", 0, "\U0001F642a", OriginFromLabel("seed")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := doc.RemoveText("content", 1, 1, OriginFromLabel("user")); err == nil {
		t.Fatalf("expected split-scalar error")
	}
}

func TestReplaceTextAtomic(t *testing.T) {
	doc := NewDocumentWithClientID(1)
	if err := doc.InsertText("content", 0, "hello world", OriginFromLabel("seed")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := doc.ReplaceText("content", 6, 5, "there", OriginFromLabel("user")); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if got := doc.GetText("content"); got != "hello there" {
		t.Fatalf("got %q", got)
	}
}

func TestTextLenCountsScalarsNotBytes(t *testing.T) {
	doc := NewDocumentWithClientID(1)
	if err := doc.InsertText("content", 0, "a\U0001F642b", OriginFromLabel("seed")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if got := doc.TextLen("content"); got != 3 {
		t.Fatalf("got %d, want 3", got)
	}
}

func TestEncodeStateVectorDeterministic(t *testing.T) {
	doc := NewDocumentWithClientID(1)
	if err := doc.InsertText("content", 0, "abc", OriginFromLabel("seed")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	first := doc.EncodeStateVector()
	second := doc.EncodeStateVector()
	if string(first) != string(second) {
		t.Fatalf("state vector encoding not deterministic")
	}
}
