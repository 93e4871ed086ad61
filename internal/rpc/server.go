package rpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gbasin/scriptum/internal/coreerr"
	"github.com/gbasin/scriptum/internal/crdt"
)

// Start binds the Unix domain socket and begins accepting connections. It
// blocks until Stop is called or the listener fails; call it from its own
// goroutine.
func (s *Server) Start() error {
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return coreerr.Wrap(coreerr.Transport, err, fmt.Sprintf("listen on %q", s.socketPath))
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return coreerr.Wrap(coreerr.Transport, err, "restrict socket permissions")
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	close(s.readyChan)
	defer close(s.doneChan)

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdownChan:
				return nil
			default:
				return coreerr.Wrap(coreerr.Transport, err, "accept connection")
			}
		}

		select {
		case s.connSemaphore <- struct{}{}:
			go s.serveConn(conn)
		default:
			// At capacity: reject immediately rather than queuing
			// indefinitely behind slow clients.
			conn.Close()
		}
	}
}

// Stop signals the accept loop to exit and closes the listener. It waits
// for Start to return before returning itself.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.shutdown = true
		listener := s.listener
		s.mu.Unlock()

		close(s.shutdownChan)
		if listener != nil {
			listener.Close()
		}
	})
	<-s.doneChan
	_ = os.Remove(s.socketPath)
}

func (s *Server) serveConn(conn net.Conn) {
	defer func() {
		conn.Close()
		<-s.connSemaphore
	}()

	atomic.AddInt32(&s.activeConns, 1)
	defer atomic.AddInt32(&s.activeConns, -1)

	reader := bufio.NewReader(conn)
	for {
		select {
		case <-s.shutdownChan:
			return
		default:
		}

		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		if len(line) == 0 {
			continue
		}

		s.touchActivity()
		resp := s.handleLine(line)

		respJSON, err := json.Marshal(resp)
		if err != nil {
			respJSON, _ = json.Marshal(Response{ID: resp.ID, Error: &RPCError{Code: ErrCodeInternalError, Message: "failed to encode response"}})
		}
		respJSON = append(respJSON, '\n')

		conn.SetWriteDeadline(time.Now().Add(s.requestTimeout))
		if _, err := conn.Write(respJSON); err != nil {
			return
		}
	}
}

func (s *Server) handleLine(line []byte) Response {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Response{Error: &RPCError{Code: ErrCodeParseError, Message: err.Error()}}
	}
	if req.Method == "" {
		return Response{ID: req.ID, Error: &RPCError{Code: ErrCodeInvalidRequest, Message: "missing method"}}
	}
	return s.dispatch(req)
}

func (s *Server) dispatch(req Request) Response {
	switch req.Method {
	case MethodPing:
		return s.replyOK(req.ID, PingResult{Message: "pong", Version: ServerVersion})
	case MethodHealth:
		return s.replyOK(req.ID, s.health())
	case MethodStatus:
		return s.replyOK(req.ID, s.status())
	case MethodShutdown:
		go s.Stop()
		return s.replyOK(req.ID, struct{}{})
	case MethodSubscribe:
		return s.handleSubscribe(req)
	case MethodUnsubscribe:
		return s.handleUnsubscribe(req)
	case MethodApplyLocalEdit:
		return s.handleApplyLocalEdit(req)
	case MethodSyncState:
		return s.handleSyncState(req)
	case MethodApplyUpdate:
		return s.handleApplyUpdate(req)
	case MethodAcquireLease:
		return s.handleAcquireLease(req)
	case MethodRenewLease:
		return s.handleRenewLease(req)
	case MethodReleaseLease:
		return s.handleReleaseLease(req)
	case MethodListActiveLeases:
		return s.handleListActiveLeases(req)
	default:
		return Response{ID: req.ID, Error: &RPCError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}}
	}
}

func (s *Server) replyOK(id uint64, result interface{}) Response {
	data, err := json.Marshal(result)
	if err != nil {
		return Response{ID: id, Error: &RPCError{Code: ErrCodeInternalError, Message: err.Error()}}
	}
	return Response{ID: id, Result: data}
}

func (s *Server) replyErr(id uint64, err error) Response {
	return Response{ID: id, Error: wireError(err)}
}

// wireError maps an internal error taxonomy category to a JSON-RPC error
// code, embedding the original category string in Data for diagnostics.
func wireError(err error) *RPCError {
	cat, ok := coreerr.CategoryOf(err)
	if !ok {
		return &RPCError{Code: ErrCodeInternalError, Message: err.Error()}
	}
	code := ErrCodeInternalError
	switch cat {
	case coreerr.Validation:
		code = ErrCodeInvalidParams
	case coreerr.Precondition:
		code = ErrCodeInvalidRequest
	}
	data, _ := json.Marshal(map[string]string{"category": cat.Code()})
	return &RPCError{Code: code, Message: err.Error(), Data: data}
}

func (s *Server) health() HealthResult {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return HealthResult{
		Status:        "healthy",
		Version:       ServerVersion,
		Uptime:        time.Since(s.startTime).Seconds(),
		ActiveConns:   s.ActiveConnections(),
		MaxConns:      s.maxConns,
		MemoryAllocMB: mem.Alloc / (1024 * 1024),
	}
}

func (s *Server) status() StatusResult {
	return StatusResult{
		Version:          ServerVersion,
		WorkspacePath:    s.workspacePath,
		SocketPath:       s.socketPath,
		PID:              os.Getpid(),
		UptimeSeconds:    time.Since(s.startTime).Seconds(),
		LastActivityTime: s.lastActivity().UTC().Format(time.RFC3339),
		ActiveDocs:       s.docs.TrackedDocCount(),
	}
}

func (s *Server) handleSubscribe(req Request) Response {
	var params SubscribeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.replyErr(req.ID, coreerr.Wrap(coreerr.Validation, err, "decode subscribe params"))
	}
	docID, err := uuid.Parse(params.DocID)
	if err != nil {
		return s.replyErr(req.ID, coreerr.Wrap(coreerr.Validation, err, "parse doc_id"))
	}
	doc := s.docs.SubscribeOrCreate(docID)
	return s.replyOK(req.ID, SubscribeResult{DocID: docID.String(), EncodedState: doc.EncodeState()})
}

func (s *Server) handleUnsubscribe(req Request) Response {
	var params UnsubscribeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.replyErr(req.ID, coreerr.Wrap(coreerr.Validation, err, "decode unsubscribe params"))
	}
	docID, err := uuid.Parse(params.DocID)
	if err != nil {
		return s.replyErr(req.ID, coreerr.Wrap(coreerr.Validation, err, "parse doc_id"))
	}
	was := s.docs.Unsubscribe(docID)
	return s.replyOK(req.ID, UnsubscribeResult{WasSubscribed: was})
}

func (s *Server) handleApplyLocalEdit(req Request) Response {
	var params ApplyLocalEditParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.replyErr(req.ID, coreerr.Wrap(coreerr.Validation, err, "decode applyLocalEdit params"))
	}
	docID, err := uuid.Parse(params.DocID)
	if err != nil {
		return s.replyErr(req.ID, coreerr.Wrap(coreerr.Validation, err, "parse doc_id"))
	}
	if s.docs.SubscriberCount(docID) == 0 {
		return s.replyErr(req.ID, coreerr.Wrap(coreerr.Precondition, fmt.Errorf("document %s is not subscribed", docID), "applyLocalEdit"))
	}

	ops := make([]crdt.TextPatchOp, 0, len(params.PatchOps))
	for _, w := range params.PatchOps {
		op, err := decodeWirePatchOp(w)
		if err != nil {
			return s.replyErr(req.ID, err)
		}
		ops = append(ops, op)
	}

	origin := crdt.OriginFromTag(crdt.OriginTag{
		AuthorKind: crdt.AuthorKind(params.AuthorKind),
		AuthorID:   params.AuthorID,
		Timestamp:  time.Now(),
	})

	doc := s.docs.SubscribeOrCreate(docID)
	defer s.docs.Unsubscribe(docID)

	before := doc.EncodeStateVector()
	if err := crdt.ApplyPatchOps(doc, params.Container, ops, origin); err != nil {
		return s.replyErr(req.ID, err)
	}

	if s.store != nil {
		diff, err := doc.EncodeDiff(before)
		if err == nil && len(diff) > 0 {
			_ = s.store.AppendUpdate(s.workspaceID, docID, diff)
			_ = s.store.MaybeSnapshot(s.workspaceID, docID)
		}
	}
	s.emitDocEvent(DocEventUpdated, docID)

	return s.replyOK(req.ID, ApplyLocalEditResult{StateVector: doc.EncodeStateVector()})
}

func decodeWirePatchOp(w WirePatchOp) (crdt.TextPatchOp, error) {
	switch w.Kind {
	case "insert":
		return crdt.TextPatchOp{Kind: crdt.PatchInsert, Index: w.Index, Text: w.Text}, nil
	case "delete":
		return crdt.TextPatchOp{Kind: crdt.PatchDelete, Index: w.Index, Len: w.Len}, nil
	default:
		return crdt.TextPatchOp{}, coreerr.Wrap(coreerr.Validation, fmt.Errorf("unknown patch op kind %q", w.Kind), "decode patch op")
	}
}

func (s *Server) handleSyncState(req Request) Response {
	var params SyncStateParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.replyErr(req.ID, coreerr.Wrap(coreerr.Validation, err, "decode syncState params"))
	}
	docID, err := uuid.Parse(params.DocID)
	if err != nil {
		return s.replyErr(req.ID, coreerr.Wrap(coreerr.Validation, err, "parse doc_id"))
	}
	doc := s.docs.SubscribeOrCreate(docID)
	defer s.docs.Unsubscribe(docID)

	diff, err := doc.EncodeDiff(params.RemoteStateVector)
	if err != nil {
		return s.replyErr(req.ID, err)
	}
	return s.replyOK(req.ID, SyncStateResult{Diff: diff})
}

func (s *Server) handleApplyUpdate(req Request) Response {
	var params ApplyUpdateParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.replyErr(req.ID, coreerr.Wrap(coreerr.Validation, err, "decode applyUpdate params"))
	}
	docID, err := uuid.Parse(params.DocID)
	if err != nil {
		return s.replyErr(req.ID, coreerr.Wrap(coreerr.Validation, err, "parse doc_id"))
	}

	doc := s.docs.SubscribeOrCreate(docID)
	defer s.docs.Unsubscribe(docID)

	if err := doc.ApplyUpdate(params.Update); err != nil {
		return s.replyErr(req.ID, err)
	}

	if s.store != nil {
		_ = s.store.AppendUpdate(s.workspaceID, docID, params.Update)
		_ = s.store.MaybeSnapshot(s.workspaceID, docID)
	}
	s.emitDocEvent(DocEventUpdated, docID)

	return s.replyOK(req.ID, ApplyUpdateResult{StateVector: doc.EncodeStateVector()})
}

func (s *Server) handleAcquireLease(req Request) Response {
	if s.leases == nil {
		return s.replyErr(req.ID, coreerr.Wrap(coreerr.Precondition, fmt.Errorf("no lease store configured"), "acquireLease"))
	}
	var params AcquireLeaseParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.replyErr(req.ID, coreerr.Wrap(coreerr.Validation, err, "decode acquireLease params"))
	}
	mode := params.Mode
	if mode != "exclusive" && mode != "shared" {
		return s.replyErr(req.ID, coreerr.Wrap(coreerr.Validation, fmt.Errorf("mode must be \"exclusive\" or \"shared\", got %q", mode), "acquireLease"))
	}
	ttlSec := params.TTLSec
	if ttlSec <= 0 {
		ttlSec = defaultLeaseTTLSec
	}

	lease, granted, err := s.leases.AcquireAgentLease(s.workspaceID.String(), params.DocID, params.SectionID, params.AgentID, mode, params.Note, ttlSec)
	if err != nil {
		return s.replyErr(req.ID, err)
	}
	if !granted {
		return s.replyOK(req.ID, AcquireLeaseResult{Granted: false})
	}
	return s.replyOK(req.ID, AcquireLeaseResult{Granted: true, ExpiresAt: lease.ExpiresAt.UTC().Format(time.RFC3339)})
}

func (s *Server) handleRenewLease(req Request) Response {
	if s.leases == nil {
		return s.replyErr(req.ID, coreerr.Wrap(coreerr.Precondition, fmt.Errorf("no lease store configured"), "renewLease"))
	}
	var params RenewLeaseParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.replyErr(req.ID, coreerr.Wrap(coreerr.Validation, err, "decode renewLease params"))
	}
	ttlSec := params.TTLSec
	if ttlSec <= 0 {
		ttlSec = defaultLeaseTTLSec
	}

	expiresAt, renewed, err := s.leases.RenewAgentLease(s.workspaceID.String(), params.DocID, params.SectionID, params.AgentID, ttlSec)
	if err != nil {
		return s.replyErr(req.ID, err)
	}
	if !renewed {
		return s.replyOK(req.ID, RenewLeaseResult{Renewed: false})
	}
	return s.replyOK(req.ID, RenewLeaseResult{Renewed: true, ExpiresAt: expiresAt.UTC().Format(time.RFC3339)})
}

func (s *Server) handleReleaseLease(req Request) Response {
	if s.leases == nil {
		return s.replyErr(req.ID, coreerr.Wrap(coreerr.Precondition, fmt.Errorf("no lease store configured"), "releaseLease"))
	}
	var params ReleaseLeaseParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.replyErr(req.ID, coreerr.Wrap(coreerr.Validation, err, "decode releaseLease params"))
	}
	released, err := s.leases.ReleaseAgentLease(s.workspaceID.String(), params.DocID, params.SectionID, params.AgentID)
	if err != nil {
		return s.replyErr(req.ID, err)
	}
	return s.replyOK(req.ID, ReleaseLeaseResult{Released: released})
}

func (s *Server) handleListActiveLeases(req Request) Response {
	if s.leases == nil {
		return s.replyErr(req.ID, coreerr.Wrap(coreerr.Precondition, fmt.Errorf("no lease store configured"), "listActiveLeases"))
	}
	var params ListActiveLeasesParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.replyErr(req.ID, coreerr.Wrap(coreerr.Validation, err, "decode listActiveLeases params"))
	}
	leases, err := s.leases.ListActiveAgentLeases(s.workspaceID.String(), params.DocID)
	if err != nil {
		return s.replyErr(req.ID, err)
	}
	wire := make([]WireAgentLease, 0, len(leases))
	for _, l := range leases {
		wire = append(wire, WireAgentLease{
			SectionID: l.SectionID,
			AgentID:   l.AgentID,
			Mode:      l.Mode,
			Note:      l.Note,
			ExpiresAt: l.ExpiresAt.UTC().Format(time.RFC3339),
		})
	}
	return s.replyOK(req.ID, ListActiveLeasesResult{Leases: wire})
}
