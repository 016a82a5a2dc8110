// Package transport declares the Transport Host abstraction: an ordered,
// reliable packet channel identified by an opaque peer handle. The
// reactor and mesh layers are written entirely against this interface;
// they never touch a socket directly.
package transport

import (
	"errors"
	"time"
)

// PeerHandle is an opaque reference to a session with one remote
// endpoint. It is safe to use as a map key and to compare for equality;
// nothing about its representation is meaningful to callers.
type PeerHandle string

// Nil is the zero PeerHandle, returned by a failed or timed-out connect.
const Nil PeerHandle = ""

// EventKind enumerates the kinds of events Poll can return.
type EventKind int

const (
	// EventConnect fires once for a handle returned by Connect, when the
	// session is established. Never fires for inbound sessions (a peer
	// connecting to us arrives as an EventReceive with a handle the
	// caller has not seen before).
	EventConnect EventKind = iota + 1
	// EventReceive carries an inbound packet from Peer.
	EventReceive
	// EventDisconnect fires once per handle, after Disconnect tears its
	// session down. A remote endpoint going away is not reported;
	// liveness is a Mesh Layer concern built on last-seen timestamps.
	EventDisconnect
)

// Event is one occurrence returned by Host.Poll.
type Event struct {
	Kind EventKind
	Peer PeerHandle
	Data []byte
}

// ErrClosed is returned by Poll once the host has been closed and all
// pending events drained.
var ErrClosed = errors.New("transport: host closed")

// Host is the ordered, reliable-datagram substrate the reactor drives.
// Implementations need not guarantee cross-peer ordering, only
// per-(sender,receiver) ordering.
type Host interface {
	// Listen starts accepting inbound sessions on port. Returns false,
	// nil if already listening.
	Listen(port int) (bool, error)

	// Connect initiates an outbound session. The returned handle is
	// usable for Send immediately, but the session isn't considered
	// live until an EventConnect for it is observed via Poll (or the
	// caller times it out itself). A non-nil error means the attempt
	// could not even be started locally (e.g. socket exhaustion); it
	// does not mean the remote end refused.
	Connect(addr string, port int) (PeerHandle, error)

	// Disconnect tears down a session and emits one EventDisconnect for
	// peer. Calling it for a handle with no live session emits nothing.
	Disconnect(peer PeerHandle) error

	// Send is best-effort, fire-and-forget at this layer; framing and
	// reply semantics are the reactor's job.
	Send(peer PeerHandle, payload []byte) error

	// Poll blocks for at most timeout waiting for one event. A nil
	// Event and nil error means the timeout elapsed with nothing to
	// report.
	Poll(timeout time.Duration) (*Event, error)

	// Close shuts the host down; Poll starts returning ErrClosed.
	Close() error

	// LocalAddr returns the textual address other peers should dial to
	// reach this host, or "" if that isn't known yet (e.g. before
	// Listen). The mesh layer embeds this in its Peer advertisements so
	// recipients can connect back.
	LocalAddr() string
}
