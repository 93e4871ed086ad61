// Package rpc implements the daemon's local transport: length-delimited,
// newline-terminated JSON-RPC frames over a per-user Unix domain socket.
package rpc

import "encoding/json"

// Method names for the local request-response protocol.
const (
	MethodPing             = "ping"
	MethodHealth           = "health"
	MethodStatus           = "status"
	MethodShutdown         = "shutdown"
	MethodSubscribe        = "subscribe"
	MethodUnsubscribe      = "unsubscribe"
	MethodApplyLocalEdit   = "applyLocalEdit"
	MethodSyncState        = "syncState"
	MethodApplyUpdate      = "applyUpdate"
	MethodAcquireLease     = "acquireLease"
	MethodRenewLease       = "renewLease"
	MethodReleaseLease     = "releaseLease"
	MethodListActiveLeases = "listActiveLeases"
)

// Wire error codes. Negative codes are transport-level (JSON-RPC standard);
// application errors carry their coreerr category code as a string under
// "category" in Error.Data. No positive numeric application code is sent.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// Request is one length-delimited JSON-RPC request frame.
type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one length-delimited JSON-RPC response frame. Exactly one of
// Result or Error is set.
type Response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// PingResult is the result of a "ping" call.
type PingResult struct {
	Message string `json:"message"`
	Version string `json:"version"`
}

// HealthResult is the result of a "health" call.
type HealthResult struct {
	Status         string  `json:"status"`
	Version        string  `json:"version"`
	Uptime         float64 `json:"uptime_seconds"`
	ActiveConns    int32   `json:"active_connections"`
	MaxConns       int     `json:"max_connections"`
	MemoryAllocMB  uint64  `json:"memory_alloc_mb"`
}

// StatusResult is the result of a "status" call.
type StatusResult struct {
	Version          string  `json:"version"`
	WorkspacePath    string  `json:"workspace_path"`
	SocketPath       string  `json:"socket_path"`
	PID              int     `json:"pid"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
	LastActivityTime string  `json:"last_activity_time"`
	ActiveDocs       int     `json:"active_documents"`
}

// SubscribeParams requests a document replica be loaded and its subscriber
// count incremented, returning a full encoded state for bootstrap.
type SubscribeParams struct {
	DocID string `json:"doc_id"`
}

// SubscribeResult carries the subscribed document's full encoded state.
type SubscribeResult struct {
	DocID        string `json:"doc_id"`
	EncodedState []byte `json:"encoded_state"`
}

// UnsubscribeParams decrements a document's subscriber count.
type UnsubscribeParams struct {
	DocID string `json:"doc_id"`
}

// UnsubscribeResult reports whether the document was known and subscribed.
type UnsubscribeResult struct {
	WasSubscribed bool `json:"was_subscribed"`
}

// WirePatchOp is the JSON rendering of a crdt.TextPatchOp: "insert" carries
// Text, "delete" carries Len, both carry Index.
type WirePatchOp struct {
	Kind  string `json:"kind"`
	Index int    `json:"index"`
	Text  string `json:"text,omitempty"`
	Len   int    `json:"len,omitempty"`
}

// ApplyLocalEditParams applies a text patch to a container within a
// subscribed document, attributed to the given origin.
type ApplyLocalEditParams struct {
	DocID      string        `json:"doc_id"`
	Container  string        `json:"container"`
	PatchOps   []WirePatchOp `json:"patch_ops"`
	AuthorKind uint8         `json:"author_kind"`
	AuthorID   string        `json:"author_id"`
}

// ApplyLocalEditResult reports the document's encoded state vector after
// the edit, for the caller's own bookkeeping.
type ApplyLocalEditResult struct {
	StateVector []byte `json:"state_vector"`
}

// SyncStateParams requests a diff of everything the caller's state vector
// is missing.
type SyncStateParams struct {
	DocID            string `json:"doc_id"`
	RemoteStateVector []byte `json:"remote_state_vector"`
}

// SyncStateResult carries the computed diff.
type SyncStateResult struct {
	Diff []byte `json:"diff"`
}

// ApplyUpdateParams applies a previously encoded diff or full state to a
// subscribed document (e.g. one just received from the relay).
type ApplyUpdateParams struct {
	DocID  string `json:"doc_id"`
	Update []byte `json:"update"`
}

// ApplyUpdateResult reports the document's encoded state vector after the
// update was applied.
type ApplyUpdateResult struct {
	StateVector []byte `json:"state_vector"`
}

// AcquireLeaseParams requests a hold on a section of a document for an AI
// agent, for the duration the agent needs to edit it without a concurrent
// agent or human touching the same section. TTLSec defaults to 60 if zero.
type AcquireLeaseParams struct {
	DocID     string `json:"doc_id"`
	SectionID string `json:"section_id"`
	AgentID   string `json:"agent_id"`
	Mode      string `json:"mode"` // "exclusive" or "shared"
	Note      string `json:"note,omitempty"`
	TTLSec    int    `json:"ttl_sec,omitempty"`
}

// AcquireLeaseResult reports whether the lease was granted; ExpiresAt is
// only meaningful when Granted is true.
type AcquireLeaseResult struct {
	Granted   bool   `json:"granted"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// RenewLeaseParams extends an already-held lease.
type RenewLeaseParams struct {
	DocID     string `json:"doc_id"`
	SectionID string `json:"section_id"`
	AgentID   string `json:"agent_id"`
	TTLSec    int    `json:"ttl_sec,omitempty"`
}

// RenewLeaseResult reports whether a lease existed to renew.
type RenewLeaseResult struct {
	Renewed   bool   `json:"renewed"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// ReleaseLeaseParams drops a held lease early, before it expires on its own.
type ReleaseLeaseParams struct {
	DocID     string `json:"doc_id"`
	SectionID string `json:"section_id"`
	AgentID   string `json:"agent_id"`
}

// ReleaseLeaseResult reports whether a lease existed to release.
type ReleaseLeaseResult struct {
	Released bool `json:"released"`
}

// ListActiveLeasesParams requests every unexpired lease on a document.
type ListActiveLeasesParams struct {
	DocID string `json:"doc_id"`
}

// WireAgentLease is the JSON rendering of one metastore.AgentLease.
type WireAgentLease struct {
	SectionID string `json:"section_id"`
	AgentID   string `json:"agent_id"`
	Mode      string `json:"mode"`
	Note      string `json:"note,omitempty"`
	ExpiresAt string `json:"expires_at"`
}

// ListActiveLeasesResult carries every unexpired lease found.
type ListActiveLeasesResult struct {
	Leases []WireAgentLease `json:"leases"`
}

const defaultLeaseTTLSec = 60
