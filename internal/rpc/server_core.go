package rpc

import (
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gbasin/scriptum/internal/docmanager"
	"github.com/gbasin/scriptum/internal/metastore"
)

// ServerVersion is the version of this RPC server, set by the daemon's
// startup code before Start is called.
var ServerVersion = "0.0.0"

// DocStore is the durability hook the server calls after a document-mutating
// method succeeds: append the update to the write-ahead log, and let the
// snapshot policy decide whether to fold a new snapshot.
type DocStore interface {
	AppendUpdate(workspaceID, docID uuid.UUID, update []byte) error
	MaybeSnapshot(workspaceID, docID uuid.UUID) error
}

// LeaseStore backs the acquireLease/renewLease/releaseLease/listActiveLeases
// methods with the meta database's agent_leases table. Implemented by
// *metastore.DB; nil disables the lease methods (they error with
// Precondition, the same shape as any other "feature not configured" case).
type LeaseStore interface {
	AcquireAgentLease(workspaceID, docID, sectionID, agentID, mode, note string, ttlSec int) (metastore.AgentLease, bool, error)
	RenewAgentLease(workspaceID, docID, sectionID, agentID string, ttlSec int) (time.Time, bool, error)
	ReleaseAgentLease(workspaceID, docID, sectionID, agentID string) (bool, error)
	ListActiveAgentLeases(workspaceID, docID string) ([]metastore.AgentLease, error)
}

// Server is the daemon-side endpoint for the local Unix-socket transport: it
// accepts connections, reads one length-delimited JSON-RPC request per line,
// dispatches by method, and writes back one response line.
type Server struct {
	socketPath    string
	workspaceID   uuid.UUID
	workspacePath string

	docs   *docmanager.Manager
	store  DocStore
	leases LeaseStore

	listener net.Listener
	mu       sync.RWMutex
	shutdown bool
	stopOnce sync.Once

	shutdownChan chan struct{}
	doneChan     chan struct{}
	readyChan    chan struct{}

	startTime        time.Time
	lastActivityTime atomic.Value // time.Time

	maxConns      int
	activeConns   int32
	connSemaphore chan struct{}

	requestTimeout time.Duration

	docEventsChan chan DocEvent
	droppedEvents atomic.Int64
}

// DocEventKind distinguishes the kinds of change notification a subscriber
// of the daemon's internal event feed can observe.
type DocEventKind string

const (
	DocEventUpdated DocEventKind = "updated"
	DocEventRemoved DocEventKind = "removed"
)

// DocEvent is emitted whenever a document's content changes as a result of
// applyLocalEdit or applyUpdate, so other in-process consumers (the git sync
// worker, the websocket relay forwarder) can react without polling.
type DocEvent struct {
	Kind      DocEventKind
	DocID     uuid.UUID
	Timestamp time.Time
}

// defaultMaxConns and defaultRequestTimeout mirror the transport defaults in
// the concurrency model: a generous connection ceiling for a single-user
// local daemon, and a 3-second per-call timeout with one automatic retry
// left to the client.
const (
	defaultMaxConns         = 64
	defaultRequestTimeout   = 3 * time.Second
	defaultDocEventBuffer   = 256
)

// NewServer creates a new RPC server bound to socketPath, serving documents
// out of docs and persisting mutations through store (which may be nil for
// a purely in-memory server, e.g. in tests).
func NewServer(socketPath string, workspaceID uuid.UUID, workspacePath string, docs *docmanager.Manager, store DocStore) *Server {
	maxConns := defaultMaxConns
	if env := os.Getenv("SCRIPTUM_DAEMON_MAX_CONNS"); env != "" {
		if n, err := parsePositiveInt(env); err == nil {
			maxConns = n
		}
	}

	requestTimeout := defaultRequestTimeout
	if env := os.Getenv("SCRIPTUM_DAEMON_REQUEST_TIMEOUT"); env != "" {
		if d, err := time.ParseDuration(env); err == nil && d > 0 {
			requestTimeout = d
		}
	}

	s := &Server{
		socketPath:     socketPath,
		workspaceID:    workspaceID,
		workspacePath:  workspacePath,
		docs:           docs,
		store:          store,
		shutdownChan:   make(chan struct{}),
		doneChan:       make(chan struct{}),
		readyChan:      make(chan struct{}),
		startTime:      time.Now(),
		maxConns:       maxConns,
		connSemaphore:  make(chan struct{}, maxConns),
		requestTimeout: requestTimeout,
		docEventsChan:  make(chan DocEvent, defaultDocEventBuffer),
	}
	s.lastActivityTime.Store(time.Now())
	return s
}

func parsePositiveInt(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, os.ErrInvalid
	}
	return n, nil
}

// DocEvents returns the channel other in-process components can range over
// to observe document mutations as they happen.
func (s *Server) DocEvents() <-chan DocEvent {
	return s.docEventsChan
}

// DroppedDocEvents returns the number of DocEvent values dropped because no
// consumer was draining DocEvents() fast enough.
func (s *Server) DroppedDocEvents() int64 {
	return s.droppedEvents.Load()
}

func (s *Server) emitDocEvent(kind DocEventKind, docID uuid.UUID) {
	select {
	case s.docEventsChan <- DocEvent{Kind: kind, DocID: docID, Timestamp: time.Now()}:
	default:
		s.droppedEvents.Add(1)
	}
}

// SetLeaseStore wires the agent-lease methods (acquireLease/renewLease/
// releaseLease/listActiveLeases) to store. Call before Start; leaving it
// unset makes those methods respond with a Precondition error.
func (s *Server) SetLeaseStore(store LeaseStore) {
	s.leases = store
}

// Ready returns a channel that is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} { return s.readyChan }

// ActiveConnections reports the current number of accepted, not-yet-closed
// connections.
func (s *Server) ActiveConnections() int32 { return atomic.LoadInt32(&s.activeConns) }

func (s *Server) touchActivity() {
	s.lastActivityTime.Store(time.Now())
}

func (s *Server) lastActivity() time.Time {
	v := s.lastActivityTime.Load()
	if v == nil {
		return s.startTime
	}
	return v.(time.Time)
}
