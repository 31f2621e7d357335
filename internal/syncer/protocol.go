// Package syncer runs synchronization cycles between the local store and
// the remote peer.
//
// A cycle is a single request/response exchange:
//
//	Idle -> CollectingLocal -> Exchanging -> MergingRemote -> MarkingSynced -> Idle
//
// Any failing step moves the engine to Failed and aborts the cycle. Nothing
// is merged or marked synced by an aborted cycle, so it is always safe to
// retry.
package syncer

import (
	"fmt"
	"time"

	"golang.org/x/mod/semver"

	"github.com/prodline/blocktrack/internal/schema"
)

const (
	// ProtocolHeader carries the wire protocol version on requests and
	// responses.
	ProtocolHeader = "X-Blocktrack-Protocol"

	// ProtocolVersion is the version spoken by this build.
	ProtocolVersion = "v1.0.0"

	// SyncPath is the peer endpoint for one exchange.
	SyncPath = "/sync"
)

// Request is the body of a sync exchange: the client's pending rows plus
// the cursor of the last successful exchange.
type Request struct {
	schema.ChangeSet
	Since *time.Time `json:"since,omitempty"`
}

// Response carries the peer's pending rows and the peer clock at the time
// they were collected. Rejected names the client blocks the peer refused
// because their block number belongs to another block there; the client
// keeps them pending.
type Response struct {
	schema.ChangeSet
	ServerTime time.Time `json:"serverTime"`
	Rejected   []string  `json:"rejected,omitempty"`
}

// CheckProtocol reports whether a peer speaking version v can be talked to.
// An empty version is accepted for clients that predate the header.
func CheckProtocol(v string) error {
	if v == "" {
		return nil
	}
	if !semver.IsValid(v) {
		return fmt.Errorf("invalid protocol version %q", v)
	}
	if semver.Major(v) != semver.Major(ProtocolVersion) {
		return fmt.Errorf("protocol %s is not compatible with %s", v, ProtocolVersion)
	}
	return nil
}
