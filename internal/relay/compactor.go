package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gbasin/scriptum/internal/coreerr"
	"github.com/gbasin/scriptum/internal/snapshot"
)

// RetainSnapshots is the number of newest snapshots a document keeps
// before older ones are pruned.
const RetainSnapshots = 2

// CompactOutcome distinguishes a compaction that wrote a new snapshot from
// one that declined to (stale candidate, or the policy says not due yet).
type CompactOutcome uint8

const (
	Compacted CompactOutcome = iota
	Skipped
)

// CompactResult is the structured outcome RunOne returns; a Skipped
// result never mutates store state.
type CompactResult struct {
	Outcome     CompactOutcome
	SnapshotSeq int64
	Reason      string
}

// FullStateFunc produces a document's current full CRDT state plus the
// server_seq it corresponds to, for the doc identified by the call.
type FullStateFunc func(ctx context.Context, workspace, doc uuid.UUID) (payload []byte, atSeq int64, err error)

type compactorDocState struct {
	lastSnapshotSeq int64
	lastSnapshotAt  time.Time
}

// Compactor periodically folds a full-state snapshot per document,
// offloading oversized payloads to object storage, and
// prunes update-log rows and excess snapshot rows under one retention
// policy, all inside a single transaction per document per pass.
type Compactor struct {
	store   *Store
	objects ObjectStore
	state   FullStateFunc

	mu     sync.Mutex
	states map[docKey]*compactorDocState
}

// NewCompactor wires a Compactor to its durable store, its object-storage
// backend for oversized payloads, and a callback that produces a
// document's current full state on demand.
func NewCompactor(store *Store, objects ObjectStore, state FullStateFunc) *Compactor {
	return &Compactor{
		store:   store,
		objects: objects,
		state:   state,
		states:  make(map[docKey]*compactorDocState),
	}
}

func (c *Compactor) stateFor(key docKey) *compactorDocState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[key]
	if !ok {
		st = &compactorDocState{}
		c.states[key] = st
	}
	return st
}

// RunOne evaluates and, if due, performs one compaction pass for
// (workspace, doc). Safe to call repeatedly from a periodic sweep; a
// not-yet-due or stale candidate returns a Skipped result without
// mutating anything.
func (c *Compactor) RunOne(ctx context.Context, workspace, doc uuid.UUID) (CompactResult, error) {
	key := docKey{Workspace: workspace, Doc: doc}
	st := c.stateFor(key)

	latestSeq, err := c.store.latestSnapshotSeq(ctx, workspace, doc)
	if err != nil {
		return CompactResult{}, err
	}

	c.mu.Lock()
	if latestSeq > st.lastSnapshotSeq {
		st.lastSnapshotSeq = latestSeq
	}
	lastSeq := st.lastSnapshotSeq
	lastAt := st.lastSnapshotAt
	c.mu.Unlock()

	payload, atSeq, err := c.state(ctx, workspace, doc)
	if err != nil {
		return CompactResult{}, err
	}

	if atSeq <= lastSeq {
		return CompactResult{Outcome: Skipped, Reason: "stale candidate: at_seq <= latest snapshot_seq"}, nil
	}
	if !snapshot.ShouldSnapshot(lastSeq, atSeq, lastAt, time.Now()) {
		return CompactResult{Outcome: Skipped, Reason: "policy not due"}, nil
	}

	var inlinePayload []byte
	var objectKey string
	if len(payload) > SnapshotSizeThreshold {
		objectKey = ObjectKey(workspace, doc, atSeq)
		// An object-store upload failure aborts the whole operation: no
		// row is inserted if the upload fails.
		if err := c.objects.Put(ctx, objectKey, payload); err != nil {
			return CompactResult{}, coreerr.Wrap(coreerr.Durability, err, "upload oversized snapshot payload")
		}
	} else {
		inlinePayload = payload
	}

	// existingDesc holds every snapshot already on disk, newest first. The
	// new snapshot (atSeq) is always newer than all of them, so the
	// retained set is {atSeq} plus the newest (RetainSnapshots-1) of
	// existingDesc; everything older than that gets dropped.
	existingDesc, err := c.store.snapshotSeqsDesc(ctx, workspace, doc)
	if err != nil {
		return CompactResult{}, err
	}

	keepExisting := RetainSnapshots - 1
	oldestRetained := atSeq
	var dropBeyond []int64
	switch {
	case keepExisting <= 0:
		dropBeyond = existingDesc
	case len(existingDesc) <= keepExisting:
		if len(existingDesc) > 0 {
			oldestRetained = existingDesc[len(existingDesc)-1]
		}
	default:
		oldestRetained = existingDesc[keepExisting-1]
		dropBeyond = existingDesc[keepExisting:]
	}

	if err := c.store.compactTx(ctx, workspace, doc, atSeq, inlinePayload, objectKey, oldestRetained, dropBeyond); err != nil {
		return CompactResult{}, err
	}

	c.mu.Lock()
	st.lastSnapshotSeq = atSeq
	st.lastSnapshotAt = time.Now()
	c.mu.Unlock()

	return CompactResult{Outcome: Compacted, SnapshotSeq: atSeq}, nil
}

// RunSweep runs one compaction pass over every candidate document known to
// the store, logging nothing itself; callers (the relay's periodic task)
// decide how to surface results and errors.
func (c *Compactor) RunSweep(ctx context.Context) (map[docKey]CompactResult, error) {
	candidates, err := c.store.CandidateDocs(ctx)
	if err != nil {
		return nil, err
	}
	results := make(map[docKey]CompactResult, len(candidates))
	for _, key := range candidates {
		result, err := c.RunOne(ctx, key.Workspace, key.Doc)
		if err != nil {
			return results, err
		}
		results[key] = result
	}
	return results, nil
}

// Run loops RunSweep on interval until ctx is cancelled, running as its
// own long-lived task the same way the sequencer and the file watcher
// each run as theirs.
func (c *Compactor) Run(ctx context.Context, interval time.Duration, onResult func(docKey, CompactResult), onErr func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			results, err := c.RunSweep(ctx)
			if err != nil && onErr != nil {
				onErr(err)
			}
			if onResult != nil {
				for key, result := range results {
					onResult(key, result)
				}
			}
		}
	}
}
