package mesh

import "errors"

// Error kinds surfaced to callers.
var (
	// ErrCannotConnect means the Transport Host returned no session, or
	// its connect event never arrived before the caller's deadline.
	ErrCannotConnect = errors.New("mesh: cannot connect to peer")

	// ErrNegotiationFailed means a Hello reply was malformed (anything
	// other than a well-formed Welcome). An empty reply cannot be told
	// apart from expiry and is reported as ErrTimeout.
	ErrNegotiationFailed = errors.New("mesh: hello/welcome negotiation failed")

	// ErrTimeout means a sequenced request's callback fired without a
	// reply; its payload was empty.
	ErrTimeout = errors.New("mesh: request timed out")

	// ErrUnknownPeer means a caller referenced a peer id not present in
	// the local peer table.
	ErrUnknownPeer = errors.New("mesh: unknown peer id")
)
