// Package relay implements the three server-side components that turn a
// collection of daemons into a converging group: a per-document update
// sequencer, a snapshot compactor that bounds the update log's growth, and
// a per-workspace leader lease coordinating which replica may perform
// write-bearing git operations. The HTTP and websocket surface that
// exposes them is in server.go.
package relay

import "github.com/google/uuid"

// docKey identifies a single document within a single workspace, the unit
// every relay-side component keys its state by.
type docKey struct {
	Workspace uuid.UUID
	Doc       uuid.UUID
}
