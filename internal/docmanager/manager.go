// Package docmanager tracks a process's active document subscriptions and
// keeps recently-unsubscribed documents around in a bounded LRU cache, so a
// quick unsubscribe-then-resubscribe (a file switch in an editor, a client
// reconnect) doesn't pay the cost of reloading from the write-ahead log.
package docmanager

import (
	"container/list"
	"sync"

	"github.com/google/uuid"

	"github.com/gbasin/scriptum/internal/crdt"
)

// DefaultMaxMemoryBytes bounds the manager's estimated total resident
// document size before it starts evicting unsubscribed entries.
const DefaultMaxMemoryBytes = 512 * 1024 * 1024

type managedDoc struct {
	doc            *crdt.Document
	subscribers    int
	estimatedBytes int
	lruElem        *list.Element // nil while subscribed
}

// Manager is a process-wide cache of active and recently-active document
// replicas, keyed by document id.
type Manager struct {
	mu              sync.Mutex
	docs            map[uuid.UUID]*managedDoc
	lru             *list.List // front = least recently used
	maxMemoryBytes  int
	totalMemoryBytes int
}

// New constructs a manager that evicts unsubscribed documents once the
// estimated total resident size exceeds maxMemoryBytes.
func New(maxMemoryBytes int) *Manager {
	if maxMemoryBytes <= 0 {
		maxMemoryBytes = DefaultMaxMemoryBytes
	}
	return &Manager{
		docs:           make(map[uuid.UUID]*managedDoc),
		lru:            list.New(),
		maxMemoryBytes: maxMemoryBytes,
	}
}

// SubscribeOrCreate returns docID's replica, creating an empty one if this
// is the first subscriber, and increments its subscriber count. A document
// found in the LRU cache is promoted back to active (no longer evictable).
func (m *Manager) SubscribeOrCreate(docID uuid.UUID) *crdt.Document {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.docs[docID]; ok {
		entry.subscribers++
		m.detachFromLRULocked(entry)
		return entry.doc
	}

	doc := crdt.NewDocument()
	entry := &managedDoc{doc: doc, subscribers: 1, estimatedBytes: estimateDocBytes(doc)}
	m.docs[docID] = entry
	m.totalMemoryBytes += entry.estimatedBytes
	m.evictUnderPressureLocked()
	return doc
}

// PutDoc installs doc (e.g. restored from a snapshot plus WAL replay) with
// zero subscribers, starting it directly in the LRU cache.
func (m *Manager) PutDoc(docID uuid.UUID, doc *crdt.Document) *crdt.Document {
	m.mu.Lock()
	defer m.mu.Unlock()

	if previous, ok := m.docs[docID]; ok {
		m.totalMemoryBytes -= previous.estimatedBytes
		if previous.lruElem != nil {
			m.lru.Remove(previous.lruElem)
		}
	}

	entry := &managedDoc{doc: doc, subscribers: 0, estimatedBytes: estimateDocBytes(doc)}
	m.totalMemoryBytes += entry.estimatedBytes
	entry.lruElem = m.lru.PushBack(docID)
	m.docs[docID] = entry
	m.evictUnderPressureLocked()
	return doc
}

// Unsubscribe decrements docID's subscriber count. Once it reaches zero the
// document moves into the LRU cache (most-recently-used end) and the
// manager may evict it (or another LRU entry) under memory pressure.
// Reports whether docID was a known, currently-subscribed document.
func (m *Manager) Unsubscribe(docID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.docs[docID]
	if !ok || entry.subscribers == 0 {
		return false
	}

	entry.subscribers--
	if entry.subscribers == 0 {
		entry.lruElem = m.lru.PushBack(docID)
		m.evictUnderPressureLocked()
	}
	return true
}

// Peek returns docID's replica without affecting its subscriber count or
// LRU position, for callers (snapshot policy, status reporting) that need
// to read a document without participating in its subscription lifecycle.
func (m *Manager) Peek(docID uuid.UUID) (*crdt.Document, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.docs[docID]
	if !ok {
		return nil, false
	}
	return entry.doc, true
}

// ContainsDoc reports whether docID is currently tracked, active or cached.
func (m *Manager) ContainsDoc(docID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.docs[docID]
	return ok
}

// SubscriberCount returns docID's current subscriber count, or 0 if unknown.
func (m *Manager) SubscriberCount(docID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.docs[docID]; ok {
		return entry.subscribers
	}
	return 0
}

// TotalMemoryBytes returns the manager's current estimated resident size.
func (m *Manager) TotalMemoryBytes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalMemoryBytes
}

// MaxMemoryBytes returns the manager's eviction threshold.
func (m *Manager) MaxMemoryBytes() int {
	return m.maxMemoryBytes
}

// TrackedDocCount returns the number of documents currently resident, both
// actively subscribed and cached in the LRU.
func (m *Manager) TrackedDocCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

// CachedLRUDocIDs returns the ids of unsubscribed documents still resident,
// ordered least- to most-recently-used.
func (m *Manager) CachedLRUDocIDs() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uuid.UUID, 0, m.lru.Len())
	for e := m.lru.Front(); e != nil; e = e.Next() {
		ids = append(ids, e.Value.(uuid.UUID))
	}
	return ids
}

func (m *Manager) detachFromLRULocked(entry *managedDoc) {
	if entry.lruElem != nil {
		m.lru.Remove(entry.lruElem)
		entry.lruElem = nil
	}
}

func (m *Manager) evictUnderPressureLocked() {
	for m.totalMemoryBytes > m.maxMemoryBytes {
		front := m.lru.Front()
		if front == nil {
			// Under pressure, but every document is actively subscribed.
			return
		}
		docID := front.Value.(uuid.UUID)
		m.lru.Remove(front)
		if entry, ok := m.docs[docID]; ok {
			m.totalMemoryBytes -= entry.estimatedBytes
			delete(m.docs, docID)
		}
	}
}

func estimateDocBytes(doc *crdt.Document) int {
	return len(doc.EncodeState())
}
