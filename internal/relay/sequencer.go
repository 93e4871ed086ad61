package relay

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// PendingUpdate is an update accepted from a client, awaiting a server
// sequence number.
type PendingUpdate struct {
	WorkspaceID    uuid.UUID
	DocID          uuid.UUID
	ClientID       string
	ClientUpdateID string
	Payload        []byte
}

// SequencedUpdate is a PendingUpdate annotated with its assigned
// server_seq, ready for durable recording.
type SequencedUpdate struct {
	PendingUpdate
	ServerSeq int64
}

// Sequencer assigns strictly monotonic, per-document server_seq values.
// Counters are created lazily on first use and recovered from the durable
// log at startup via RecoverFromMaxServerSeq.
type Sequencer struct {
	mu       sync.RWMutex
	counters map[docKey]*int64

	recoverOnce singleflight.Group
	recovered   atomic.Bool
}

// NewSequencer constructs an empty sequencer. Callers that care about the
// never-reissue-a-lower-server_seq invariant should call
// RecoverFromMaxServerSeq once before accepting client traffic.
func NewSequencer() *Sequencer {
	return &Sequencer{counters: make(map[docKey]*int64)}
}

// Recovered reports whether RecoverFromMaxServerSeq has completed at least
// once. The relay's /ready handler consults this.
func (s *Sequencer) Recovered() bool { return s.recovered.Load() }

func (s *Sequencer) counterFor(workspace, doc uuid.UUID) *int64 {
	key := docKey{Workspace: workspace, Doc: doc}

	s.mu.RLock()
	c, ok := s.counters[key]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[key]; ok {
		return c
	}
	c = new(int64)
	s.counters[key] = c
	return c
}

// NextServerSeq atomically allocates and returns the next server_seq for
// (workspace, doc). Never returns 0.
func (s *Sequencer) NextServerSeq(workspace, doc uuid.UUID) int64 {
	return atomic.AddInt64(s.counterFor(workspace, doc), 1)
}

// SeedCounter raises (workspace, doc)'s counter to at least maxSeq,
// ignoring smaller values, without ever decreasing it.
func (s *Sequencer) SeedCounter(workspace, doc uuid.UUID, maxSeq int64) {
	counter := s.counterFor(workspace, doc)
	for {
		current := atomic.LoadInt64(counter)
		if maxSeq <= current {
			return
		}
		if atomic.CompareAndSwapInt64(counter, current, maxSeq) {
			return
		}
	}
}

// SequenceUpdate allocates a server_seq for pending and returns the
// annotated update, ready to flush to the durable log.
func (s *Sequencer) SequenceUpdate(pending PendingUpdate) SequencedUpdate {
	return SequencedUpdate{
		PendingUpdate: pending,
		ServerSeq:     s.NextServerSeq(pending.WorkspaceID, pending.DocID),
	}
}

// maxSeqSource is satisfied by Store: the durable source of truth
// RecoverFromMaxServerSeq seeds counters from.
type maxSeqSource interface {
	MaxServerSeqPerDoc(ctx context.Context) (map[docKey]int64, error)
}

// RecoverFromMaxServerSeq seeds every (workspace, doc) counter present in
// either the update log or the snapshot table with the maximum server_seq
// / snapshot_seq recorded for it, so that no subsequently issued value is
// ever ≤ a previously durable one. Concurrent callers collapse onto a
// single underlying recovery pass via singleflight.
func (s *Sequencer) RecoverFromMaxServerSeq(ctx context.Context, store maxSeqSource) error {
	_, err, _ := s.recoverOnce.Do("recover", func() (interface{}, error) {
		maxByDoc, err := store.MaxServerSeqPerDoc(ctx)
		if err != nil {
			return nil, err
		}
		for key, maxSeq := range maxByDoc {
			s.SeedCounter(key.Workspace, key.Doc, maxSeq)
		}
		s.recovered.Store(true)
		return nil, nil
	})
	return err
}
