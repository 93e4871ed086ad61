package relay

import (
	"time"

	"github.com/google/uuid"
)

// DefaultLeaseTTL is the lease lifetime a grant or renewal extends
// expires_at by.
const DefaultLeaseTTL = 60 * time.Second

// Lease is one workspace's current write-bearing-git-operation grant.
type Lease struct {
	HolderID  string
	LeaseID   string
	ExpiresAt time.Time
}

func (l Lease) expired(now time.Time) bool { return !l.ExpiresAt.After(now) }

// AcquireOutcome is the result of an Acquire call.
type AcquireOutcome uint8

const (
	Granted AcquireOutcome = iota
	Renewed
	Denied
)

// AcquireResult reports what Acquire did; CurrentHolder is set only for
// Denied.
type AcquireResult struct {
	Outcome       AcquireOutcome
	Lease         Lease
	CurrentHolder string
}

// RenewOutcome is the result of a Renew call.
type RenewOutcome uint8

const (
	RenewOK RenewOutcome = iota
	WrongHolder
	RenewNotFound
)

// RenewResult reports what Renew did.
type RenewResult struct {
	Outcome RenewOutcome
	Lease   Lease
}

// LeaseManager enforces at most one active lease per workspace.
//
// The lease manager expects external serialization — a single task per
// process drives it — and its methods
// are deliberately not internally synchronized. The relay server owns
// exactly one LeaseManager and calls it only from its own request-handling
// goroutine group serialized behind a channel (see server.go's
// leaseRequests loop); do not share a LeaseManager across goroutines
// without that discipline.
type LeaseManager struct {
	ttl    time.Duration
	leases map[uuid.UUID]Lease
}

// NewLeaseManager constructs an empty lease manager with the given TTL
// (DefaultLeaseTTL if zero).
func NewLeaseManager(ttl time.Duration) *LeaseManager {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &LeaseManager{ttl: ttl, leases: make(map[uuid.UUID]Lease)}
}

// Acquire grants a new lease if none is active, renews client's own lease
// if it already holds one, or reports Denied with the current holder
// otherwise. now is passed explicitly so callers (and tests) control the
// clock; newLeaseID is used only on a fresh grant.
func (m *LeaseManager) Acquire(workspace uuid.UUID, client string, now time.Time, newLeaseID string) AcquireResult {
	current, ok := m.leases[workspace]
	if ok && !current.expired(now) {
		if current.HolderID == client {
			current.ExpiresAt = now.Add(m.ttl)
			m.leases[workspace] = current
			return AcquireResult{Outcome: Renewed, Lease: current}
		}
		return AcquireResult{Outcome: Denied, CurrentHolder: current.HolderID}
	}

	lease := Lease{HolderID: client, LeaseID: newLeaseID, ExpiresAt: now.Add(m.ttl)}
	m.leases[workspace] = lease
	return AcquireResult{Outcome: Granted, Lease: lease}
}

// Renew extends client's lease, identified by leaseID, if it is both the
// current holder and not expired. An expired lease behaves as NotFound, a
// lease held by someone else as WrongHolder.
func (m *LeaseManager) Renew(workspace uuid.UUID, client, leaseID string, now time.Time) RenewResult {
	current, ok := m.leases[workspace]
	if !ok || current.expired(now) {
		return RenewResult{Outcome: RenewNotFound}
	}
	if current.HolderID != client || current.LeaseID != leaseID {
		return RenewResult{Outcome: WrongHolder, Lease: current}
	}
	current.ExpiresAt = now.Add(m.ttl)
	m.leases[workspace] = current
	return RenewResult{Outcome: RenewOK, Lease: current}
}

// Release drops workspace's lease if held by client. An already-expired
// lease is treated as not found (nothing to release); reports whether an
// active lease held by client was actually dropped.
func (m *LeaseManager) Release(workspace uuid.UUID, client string, now time.Time) bool {
	current, ok := m.leases[workspace]
	if !ok || current.expired(now) || current.HolderID != client {
		return false
	}
	delete(m.leases, workspace)
	return true
}

// EvictExpired garbage-collects every lease whose expires_at is not after
// now, returning the count removed.
func (m *LeaseManager) EvictExpired(now time.Time) int {
	removed := 0
	for workspace, lease := range m.leases {
		if lease.expired(now) {
			delete(m.leases, workspace)
			removed++
		}
	}
	return removed
}

// ActiveCount returns the number of non-expired leases, for metrics.
func (m *LeaseManager) ActiveCount(now time.Time) int {
	count := 0
	for _, lease := range m.leases {
		if !lease.expired(now) {
			count++
		}
	}
	return count
}
