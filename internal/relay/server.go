package relay

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gbasin/scriptum/internal/coreerr"
)

// SyncSessionTTL bounds how long an issued session id is redeemable for
// the websocket upgrade before it must be reissued.
const SyncSessionTTL = 5 * time.Minute

type syncSession struct {
	Workspace uuid.UUID
	ClientID  string
	ExpiresAt time.Time
}

// Server is the relay's HTTP + websocket surface: session issuance,
// the sync websocket upgrade, and the liveness/readiness/metrics probes.
// It owns one Sequencer, one LeaseManager and the Store behind them,
// wiring requests into them the way cmd/scriptumd's
// rpc.Server wires local RPC calls into the document manager.
type Server struct {
	addr      string
	store     *Store
	sequencer *Sequencer
	leases    *LeaseManager
	metrics   *Metrics
	validator TokenValidator
	upgrader  websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]syncSession

	// leaseRequests serializes every LeaseManager call onto one goroutine
	// (started in Start), giving a manager whose methods are deliberately
	// not internally synchronized the single writer it expects.
	leaseRequests chan func()
	stopLeaseLoop chan struct{}

	httpServer *http.Server
	readyChan  chan struct{}
	readyOnce  sync.Once
}

// NewServer builds a relay server listening at addr.
func NewServer(addr string, store *Store, sequencer *Sequencer, leases *LeaseManager, metrics *Metrics, validator TokenValidator) *Server {
	s := &Server{
		addr:          addr,
		store:         store,
		sequencer:     sequencer,
		leases:        leases,
		metrics:       metrics,
		validator:     validator,
		upgrader:      websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		sessions:      make(map[string]syncSession),
		readyChan:     make(chan struct{}),
		leaseRequests: make(chan func(), 64),
		stopLeaseLoop: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/workspaces/{ws}/sync-sessions", s.instrument("sync-sessions", s.handleCreateSyncSession))
	mux.HandleFunc("GET /v1/ws/{session_id}", s.instrument("ws", s.handleWebsocketUpgrade))
	mux.HandleFunc("GET /health", s.instrument("health", s.handleHealth))
	mux.HandleFunc("GET /ready", s.instrument("ready", s.handleReady))
	mux.Handle("GET /metrics", metrics.Handler())

	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	return s
}

// statusRecorder captures the status code a handler wrote, defaulting to
// 200 when the handler never calls WriteHeader explicitly (e.g. the
// websocket upgrade, which hijacks the connection on success).
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack hands the underlying connection to the websocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// instrument wraps a route handler to count requests by route and status
// class for GET /metrics.
func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		statusClass := fmt.Sprintf("%dxx", rec.status/100)
		s.metrics.HTTPRequestsTotal.WithLabelValues(route, statusClass).Inc()
	}
}

// Ready closes once Start has bound its listener and is accepting
// connections.
func (s *Server) Ready() <-chan struct{} { return s.readyChan }

// Start runs the lease-serialization loop and the HTTP server until Stop
// is called. Blocks; call from its own goroutine.
func (s *Server) Start() error {
	go s.runLeaseLoop()
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return coreerr.Wrap(coreerr.Transport, err, fmt.Sprintf("listen for relay HTTP on %q", s.addr))
	}
	s.readyOnce.Do(func() { close(s.readyChan) })
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return coreerr.Wrap(coreerr.Transport, err, fmt.Sprintf("serve relay HTTP on %q", s.addr))
	}
	return nil
}

// Stop gracefully shuts the HTTP server down, waiting up to timeout for
// in-flight requests (including open websocket connections) to drain.
func (s *Server) Stop(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)
	close(s.stopLeaseLoop)
	return err
}

// runLeaseLoop is the single goroutine that owns s.leases, draining
// closures enqueued by websocket control-batch handlers so concurrent
// connections never call the (intentionally unsynchronized) LeaseManager
// from more than one goroutine.
func (s *Server) runLeaseLoop() {
	for {
		select {
		case fn := <-s.leaseRequests:
			fn()
		case <-s.stopLeaseLoop:
			return
		}
	}
}

// withLeaseManager runs fn on the lease loop's goroutine and blocks until
// it completes.
func (s *Server) withLeaseManager(fn func(*LeaseManager)) {
	done := make(chan struct{})
	s.leaseRequests <- func() {
		fn(s.leases)
		close(done)
	}
	<-done
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleCreateSyncSession(w http.ResponseWriter, r *http.Request) {
	wsIDStr := r.PathValue("ws")
	workspace, err := uuid.Parse(wsIDStr)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, newErrorBody(ErrCodeInvalidRequest, "malformed workspace id"))
		return
	}

	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		writeJSON(w, http.StatusUnauthorized, newErrorBody(ErrCodeAuthInvalidToken, "missing or malformed bearer token"))
		return
	}
	clientID, ok := s.validator.Validate(wsIDStr, token)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, newErrorBody(ErrCodeAuthInvalidToken, "invalid bearer token"))
		return
	}

	var req CreateSyncSessionRequest
	if r.ContentLength != 0 {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.ClientID != "" {
		clientID = req.ClientID
	}

	sessionID := uuid.New().String()
	expiresAt := time.Now().Add(SyncSessionTTL)

	s.mu.Lock()
	s.sessions[sessionID] = syncSession{Workspace: workspace, ClientID: clientID, ExpiresAt: expiresAt}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, CreateSyncSessionResponse{
		SessionID: sessionID,
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) takeSession(sessionID string) (syncSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return syncSession{}, false
	}
	if !session.ExpiresAt.After(time.Now()) {
		delete(s.sessions, sessionID)
		return syncSession{}, false
	}
	return session, true
}

func (s *Server) handleWebsocketUpgrade(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	session, ok := s.takeSession(sessionID)
	if !ok {
		writeJSON(w, http.StatusNotFound, newErrorBody(ErrCodeNotFound, "unknown or expired sync session"))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.WebsocketConnections.Inc()
	defer s.metrics.WebsocketConnections.Dec()

	s.serveSyncConn(r.Context(), conn, session)
}

// serveSyncConn reads frames until the client disconnects, sequencing
// binary CRDT update frames and rejecting empty control batches. Each
// applied binary frame is flushed to the durable log as its own
// single-update batch; a busier relay would coalesce frames arriving
// within a short window before flushing, since only the flush's
// idempotence matters, not how many updates land in one batch.
func (s *Server) serveSyncConn(ctx context.Context, conn *websocket.Conn, session syncSession) {
	for {
		kind, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}

		switch kind {
		case websocket.BinaryMessage:
			s.handleBinarySyncFrame(ctx, conn, session, payload)
		case websocket.TextMessage:
			s.handleControlBatch(conn, session, payload)
		}
	}
}

// decodeBinaryFrame parses this module's own wire convention for a websocket binary
// sync frame: [16-byte doc UUID][8-byte LE client_update_id length]
// [client_update_id bytes][opaque CRDT update payload]. The binary
// frame's inner payload is itself an encoded CRDT update; this
// length-prefixed header is the server's own multi-document envelope
// around it, documented here rather than left implicit.
func decodeBinaryFrame(raw []byte) (docID uuid.UUID, clientUpdateID string, payload []byte, err error) {
	const headerBytes = 16 + 8
	if len(raw) < headerBytes {
		return uuid.UUID{}, "", nil, fmt.Errorf("binary sync frame shorter than header (%d bytes)", len(raw))
	}
	docID, err = uuid.FromBytes(raw[:16])
	if err != nil {
		return uuid.UUID{}, "", nil, fmt.Errorf("malformed doc id in binary sync frame: %w", err)
	}
	idLen := binary.LittleEndian.Uint64(raw[16:24])
	if uint64(len(raw)-headerBytes) < idLen {
		return uuid.UUID{}, "", nil, fmt.Errorf("binary sync frame truncated before client_update_id")
	}
	clientUpdateID = string(raw[headerBytes : headerBytes+int(idLen)])
	payload = raw[headerBytes+int(idLen):]
	return docID, clientUpdateID, payload, nil
}

func (s *Server) handleBinarySyncFrame(ctx context.Context, conn *websocket.Conn, session syncSession, raw []byte) {
	docID, clientUpdateID, payload, err := decodeBinaryFrame(raw)
	if err != nil {
		_ = conn.WriteJSON(newErrorBody(ErrCodeInvalidRequest, err.Error()))
		return
	}

	sequenced := s.sequencer.SequenceUpdate(PendingUpdate{
		WorkspaceID:    session.Workspace,
		DocID:          docID,
		ClientID:       session.ClientID,
		ClientUpdateID: clientUpdateID,
		Payload:        payload,
	})

	timer := time.Now()
	flushErr := s.store.FlushBatch(ctx, []SequencedUpdate{sequenced})
	s.metrics.BatchFlushDuration.Observe(time.Since(timer).Seconds())
	if flushErr != nil {
		s.metrics.BatchFlushFailures.Inc()
		log.Printf("scriptum-relay: flush update ws=%s doc=%s seq=%d: %v", session.Workspace, docID, sequenced.ServerSeq, flushErr)
		_ = conn.WriteJSON(newErrorBody(ErrCodeInternal, "failed to persist update"))
		return
	}

	s.metrics.UpdatesSequenced.WithLabelValues(session.Workspace.String()).Inc()

	ack := make([]byte, 8)
	binary.LittleEndian.PutUint64(ack, uint64(sequenced.ServerSeq))
	_ = conn.WriteMessage(websocket.BinaryMessage, ack)
}

func (s *Server) handleControlBatch(conn *websocket.Conn, session syncSession, raw []byte) {
	var batch BatchEnvelope
	if err := json.Unmarshal(raw, &batch); err != nil {
		_ = conn.WriteJSON(newErrorBody(ErrCodeInvalidRequest, "malformed control batch"))
		return
	}
	if len(batch.Messages) == 0 {
		_ = conn.WriteJSON(newErrorBody(ErrCodeInvalidRequest, "empty batch"))
		return
	}

	results := make([]interface{}, 0, len(batch.Messages))
	for _, raw := range batch.Messages {
		var msg ControlMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			results = append(results, newErrorBody(ErrCodeInvalidRequest, "malformed control message"))
			continue
		}
		results = append(results, s.dispatchControlMessage(session, msg))
	}

	_ = conn.WriteJSON(struct {
		Results []interface{} `json:"results"`
	}{Results: results})
}

func (s *Server) dispatchControlMessage(session syncSession, msg ControlMessage) interface{} {
	switch msg.Method {
	case ControlMethodLeaseAcquire:
		var result LeaseControlResult
		s.withLeaseManager(func(m *LeaseManager) {
			r := m.Acquire(session.Workspace, session.ClientID, time.Now(), uuid.New().String())
			result = acquireResultToWire(r)
		})
		s.metrics.LeaseAcquisitions.WithLabelValues(result.Outcome).Inc()
		s.updateActiveLeaseGauge()
		return result

	case ControlMethodLeaseRenew:
		var params LeaseRenewParams
		_ = json.Unmarshal(msg.Params, &params)
		var result LeaseControlResult
		s.withLeaseManager(func(m *LeaseManager) {
			r := m.Renew(session.Workspace, session.ClientID, params.LeaseID, time.Now())
			result = renewResultToWire(r)
		})
		return result

	case ControlMethodLeaseRelease:
		var released bool
		s.withLeaseManager(func(m *LeaseManager) {
			released = m.Release(session.Workspace, session.ClientID, time.Now())
		})
		s.updateActiveLeaseGauge()
		outcome := "released"
		if !released {
			outcome = "not_found"
		}
		return LeaseControlResult{Outcome: outcome}

	default:
		return newErrorBody(ErrCodeInvalidRequest, fmt.Sprintf("unknown control method %q", msg.Method))
	}
}

func (s *Server) updateActiveLeaseGauge() {
	s.withLeaseManager(func(m *LeaseManager) {
		s.metrics.ActiveLeases.Set(float64(m.ActiveCount(time.Now())))
	})
}

func acquireResultToWire(r AcquireResult) LeaseControlResult {
	switch r.Outcome {
	case Granted:
		return LeaseControlResult{Outcome: "granted", LeaseID: r.Lease.LeaseID, ExpiresAt: r.Lease.ExpiresAt.UTC().Format(time.RFC3339)}
	case Renewed:
		return LeaseControlResult{Outcome: "renewed", LeaseID: r.Lease.LeaseID, ExpiresAt: r.Lease.ExpiresAt.UTC().Format(time.RFC3339)}
	default:
		return LeaseControlResult{Outcome: "denied", CurrentHolder: r.CurrentHolder}
	}
}

func renewResultToWire(r RenewResult) LeaseControlResult {
	switch r.Outcome {
	case RenewOK:
		return LeaseControlResult{Outcome: "renewed", LeaseID: r.Lease.LeaseID, ExpiresAt: r.Lease.ExpiresAt.UTC().Format(time.RFC3339)}
	case WrongHolder:
		return LeaseControlResult{Outcome: "wrong_holder", CurrentHolder: r.Lease.HolderID}
	default:
		return LeaseControlResult{Outcome: "not_found"}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
	}{Status: "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Healthy(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, newErrorBody(ErrCodeInternal, "database unhealthy"))
		return
	}
	if !s.sequencer.Recovered() {
		writeJSON(w, http.StatusServiceUnavailable, newErrorBody(ErrCodeInternal, "sequencer recovery not complete"))
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
	}{Status: "ready"})
}
