// Package durability wires together the write-ahead log, the snapshot
// store, and the document manager into the local durability lifecycle:
// every applied update is appended to its document's WAL, and the
// snapshot policy decides when to fold a fresh snapshot and let the WAL's
// replayed prefix shrink; at startup, each document is hydrated from its
// latest snapshot plus any WAL frames appended since.
package durability

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/gbasin/scriptum/internal/coreerr"
	"github.com/gbasin/scriptum/internal/crdt"
	"github.com/gbasin/scriptum/internal/docmanager"
	"github.com/gbasin/scriptum/internal/snapshot"
	"github.com/gbasin/scriptum/internal/wal"
)

// docState tracks the bookkeeping the snapshot policy needs per document:
// how many updates have landed since the last snapshot, and when that
// snapshot was taken.
type docState struct {
	walStore       *wal.Store
	updatesSince   int64
	lastSnapshotAt time.Time
	lastSnapshotSeq int64
}

// Manager implements rpc.DocStore by composing a WAL directory and a
// snapshot store, consulting the docmanager for each document's live
// replica when a snapshot is due.
type Manager struct {
	walBaseDir string
	snapshots  *snapshot.Store
	docs       *docmanager.Manager

	mu     sync.Mutex
	states map[uuid.UUID]*docState

	hydrateOnce singleflight.Group
}

// New constructs a durability manager rooted at storeDir (typically
// `<workspace>/.scriptum/store`), backed by docs for live replica lookups.
func New(storeDir string, docs *docmanager.Manager) (*Manager, error) {
	snapStore, err := snapshot.New(storeDir)
	if err != nil {
		return nil, err
	}
	return &Manager{
		walBaseDir: storeDir,
		snapshots:  snapStore,
		docs:       docs,
		states:     make(map[uuid.UUID]*docState),
	}, nil
}

func (m *Manager) stateFor(workspaceID, docID uuid.UUID) (*docState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.states[docID]; ok {
		return st, nil
	}

	w, err := wal.ForDoc(m.walBaseDir, workspaceID, docID)
	if err != nil {
		return nil, err
	}
	st := &docState{walStore: w}
	m.states[docID] = st
	return st, nil
}

// AppendUpdate writes update to docID's WAL and bumps its since-last-
// snapshot counter.
func (m *Manager) AppendUpdate(workspaceID, docID uuid.UUID, update []byte) error {
	st, err := m.stateFor(workspaceID, docID)
	if err != nil {
		return err
	}
	if err := st.walStore.Append(update); err != nil {
		return err
	}
	m.mu.Lock()
	st.updatesSince++
	m.mu.Unlock()
	return nil
}

// MaybeSnapshot folds a new snapshot for docID if the snapshot policy
// (update count or elapsed time threshold) says one is due, reading the
// document's current full state from docs.
func (m *Manager) MaybeSnapshot(workspaceID, docID uuid.UUID) error {
	st, err := m.stateFor(workspaceID, docID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	due := snapshot.ShouldSnapshot(st.lastSnapshotSeq, st.lastSnapshotSeq+st.updatesSince, st.lastSnapshotAt, time.Now())
	m.mu.Unlock()
	if !due {
		return nil
	}

	doc, ok := m.docs.Peek(docID)
	if !ok {
		return nil
	}

	m.mu.Lock()
	nextSeq := st.lastSnapshotSeq + st.updatesSince
	m.mu.Unlock()

	if _, err := m.snapshots.Save(docID, nextSeq, doc.EncodeState()); err != nil {
		return err
	}

	m.mu.Lock()
	st.lastSnapshotSeq = nextSeq
	st.updatesSince = 0
	st.lastSnapshotAt = time.Now()
	m.mu.Unlock()
	return nil
}

// Hydrate restores docID's replica from its latest snapshot (if any) plus
// any WAL frames appended after that snapshot's sequence, installing the
// result into docs with zero subscribers. Called once at daemon startup
// per document discovered under the workspace; concurrent calls for the
// same docID (e.g. a startup hydration racing a watcher event for the same
// file) collapse onto a single replay via singleflight.
func (m *Manager) Hydrate(workspaceID, docID uuid.UUID) error {
	_, err, _ := m.hydrateOnce.Do(docID.String(), func() (interface{}, error) {
		return nil, m.doHydrate(workspaceID, docID)
	})
	return err
}

func (m *Manager) doHydrate(workspaceID, docID uuid.UUID) error {
	rec, err := m.snapshots.Load(docID)
	if err != nil {
		return err
	}

	var doc *crdt.Document
	startFrame := 0
	if rec != nil {
		doc, err = crdt.NewDocumentFromState(rec.Payload)
		if err != nil {
			return coreerr.Wrap(coreerr.Integrity, err, fmt.Sprintf("restore document %s from snapshot", docID))
		}
		startFrame = int(rec.SnapshotSeq)
	} else {
		doc = crdt.NewDocument()
	}

	st, err := m.stateFor(workspaceID, docID)
	if err != nil {
		return err
	}

	summary, err := st.walStore.ReplayFromFrame(startFrame, func(payload []byte) error {
		return doc.ApplyUpdate(payload)
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	st.lastSnapshotSeq = int64(startFrame)
	st.updatesSince = int64(summary.Applied)
	if rec != nil {
		// lastSnapshotAt is unknown across a restart; treat it as "now" so
		// the elapsed-time half of the policy starts a fresh window rather
		// than firing immediately for every document on every startup.
		st.lastSnapshotAt = time.Now()
	}
	m.mu.Unlock()

	m.docs.PutDoc(docID, doc)
	return nil
}
