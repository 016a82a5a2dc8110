package mesh

import (
	"time"

	"github.com/meshnet-go/meshnet/transport"
)

// PeerRecord describes one member of the mesh as known to this node.
// Equality, ordering, and hashing are on PeerID alone, so the table
// stays correct across handle reassignment. Handle is a non-owning
// reference to a transport.Host session; the Transport Host owns its
// lifetime.
type PeerRecord struct {
	PeerID      uint16
	Handle      transport.PeerHandle
	LastSeenMs  int64
	RTTMs       time.Duration
	DisplayName string
	Addr        string
	Port        uint16
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}
