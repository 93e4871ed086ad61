package rpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gbasin/scriptum/internal/coreerr"
)

// rpcDebugEnabled reports whether SCRIPTUM_RPC_DEBUG requests verbose
// client-side tracing to stderr.
func rpcDebugEnabled() bool {
	v := os.Getenv("SCRIPTUM_RPC_DEBUG")
	return v == "1" || v == "true"
}

func rpcDebugLog(format string, args ...interface{}) {
	if rpcDebugEnabled() {
		fmt.Fprintf(os.Stderr, "[rpc] "+format+"\n", args...)
	}
}

// ClientVersion is overridden at startup by the owning command's build
// metadata, for compatibility diagnostics against ServerVersion.
var ClientVersion = "0.0.0"

// Client is a connection to the daemon's local Unix-socket transport.
type Client struct {
	conn    net.Conn
	timeout time.Duration

	mu     sync.Mutex
	nextID uint64
}

// Dial connects to the daemon listening on socketPath.
func Dial(socketPath string) (*Client, error) {
	return DialTimeout(socketPath, 2*time.Second)
}

// DialTimeout connects to the daemon with an explicit dial timeout.
func DialTimeout(socketPath string, dialTimeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Transport, err, fmt.Sprintf("dial %q", socketPath))
	}
	return &Client{conn: conn, timeout: defaultRequestTimeout}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// SetTimeout overrides the per-call request timeout (default 3s, matching
// the daemon's own default).
func (c *Client) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}

// Call sends a JSON-RPC request and waits for its response, retrying
// exactly once when writing the request or reading the response fails at
// the transport layer (a timeout or a dropped socket).
func (c *Client) Call(method string, params interface{}, result interface{}) error {
	resp, err := c.call(method, params)
	if err != nil {
		if _, ok := err.(timeoutError); ok {
			rpcDebugLog("retrying %s after timeout", method)
			resp, err = c.call(method, params)
		}
	}
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("%s: %s (code %d)", method, resp.Error.Message, resp.Error.Code)
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return coreerr.Wrap(coreerr.Transport, err, "decode "+method+" result")
		}
	}
	return nil
}

type timeoutError struct{ error }

func (c *Client) call(method string, params interface{}) (*Response, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Validation, err, "marshal params")
	}

	id := atomic.AddUint64(&c.nextID, 1)
	req := Request{ID: id, Method: method, Params: paramsJSON}
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Validation, err, "marshal request")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, coreerr.Wrap(coreerr.Transport, err, "set deadline")
		}
	}

	w := bufio.NewWriter(c.conn)
	if _, err := w.Write(reqJSON); err != nil {
		return nil, timeoutError{coreerr.Wrap(coreerr.Transport, err, "write request")}
	}
	if err := w.WriteByte('\n'); err != nil {
		return nil, timeoutError{coreerr.Wrap(coreerr.Transport, err, "write newline")}
	}
	if err := w.Flush(); err != nil {
		return nil, timeoutError{coreerr.Wrap(coreerr.Transport, err, "flush request")}
	}

	r := bufio.NewReader(c.conn)
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, timeoutError{coreerr.Wrap(coreerr.Transport, err, "read response")}
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, coreerr.Wrap(coreerr.Transport, err, "decode response")
	}
	return &resp, nil
}

// Ping verifies the daemon is alive and responsive.
func (c *Client) Ping() (*PingResult, error) {
	var out PingResult
	if err := c.Call(MethodPing, struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health retrieves the daemon's health summary.
func (c *Client) Health() (*HealthResult, error) {
	var out HealthResult
	if err := c.Call(MethodHealth, struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status retrieves the daemon's status summary.
func (c *Client) Status() (*StatusResult, error) {
	var out StatusResult
	if err := c.Call(MethodStatus, struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Shutdown requests a graceful daemon shutdown.
func (c *Client) Shutdown() error {
	return c.Call(MethodShutdown, struct{}{}, nil)
}

// Subscribe loads (or creates) a document replica on the daemon side and
// returns its full encoded state.
func (c *Client) Subscribe(docID string) (*SubscribeResult, error) {
	var out SubscribeResult
	if err := c.Call(MethodSubscribe, SubscribeParams{DocID: docID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Unsubscribe decrements a document's subscriber count.
func (c *Client) Unsubscribe(docID string) (*UnsubscribeResult, error) {
	var out UnsubscribeResult
	if err := c.Call(MethodUnsubscribe, UnsubscribeParams{DocID: docID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ApplyLocalEdit applies a text patch to a subscribed document.
func (c *Client) ApplyLocalEdit(params ApplyLocalEditParams) (*ApplyLocalEditResult, error) {
	var out ApplyLocalEditResult
	if err := c.Call(MethodApplyLocalEdit, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SyncState requests a diff of everything missing relative to a state
// vector the caller already has.
func (c *Client) SyncState(docID string, remoteStateVector []byte) (*SyncStateResult, error) {
	var out SyncStateResult
	if err := c.Call(MethodSyncState, SyncStateParams{DocID: docID, RemoteStateVector: remoteStateVector}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ApplyUpdate applies a previously encoded update to a subscribed document.
func (c *Client) ApplyUpdate(docID string, update []byte) (*ApplyUpdateResult, error) {
	var out ApplyUpdateResult
	if err := c.Call(MethodApplyUpdate, ApplyUpdateParams{DocID: docID, Update: update}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AcquireLease requests a hold on a section of a document for an AI agent.
func (c *Client) AcquireLease(params AcquireLeaseParams) (*AcquireLeaseResult, error) {
	var out AcquireLeaseResult
	if err := c.Call(MethodAcquireLease, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RenewLease extends an already-held section lease.
func (c *Client) RenewLease(params RenewLeaseParams) (*RenewLeaseResult, error) {
	var out RenewLeaseResult
	if err := c.Call(MethodRenewLease, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReleaseLease drops a held section lease early.
func (c *Client) ReleaseLease(params ReleaseLeaseParams) (*ReleaseLeaseResult, error) {
	var out ReleaseLeaseResult
	if err := c.Call(MethodReleaseLease, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListActiveLeases returns every unexpired section lease on a document.
func (c *Client) ListActiveLeases(docID string) (*ListActiveLeasesResult, error) {
	var out ListActiveLeasesResult
	if err := c.Call(MethodListActiveLeases, ListActiveLeasesParams{DocID: docID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
