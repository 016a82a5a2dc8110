package mesh

import (
	"time"

	"github.com/go-kit/log"

	"github.com/meshnet-go/meshnet/meshmetrics"
	"github.com/meshnet-go/meshnet/router"
)

// Default timers, overridable per instance via Option since a single
// process may run more than one mesh node (tests do).
const (
	DefaultAdvertiseEvery       = 1000 * time.Millisecond
	DefaultPeerTimeout          = 3000 * time.Millisecond
	DefaultConnectTimeout       = 2000 * time.Millisecond
	DefaultGetNextPeerIDTimeout = 2000 * time.Millisecond

	collisionLogSize = 64
)

// Option configures a Mesh at construction time.
type Option func(*Mesh)

// WithLogger attaches a logger; the default is a no-op logger.
func WithLogger(logger log.Logger) Option {
	return func(m *Mesh) { m.logger = logger }
}

// WithAdvertiseInterval overrides ADVERTISE_EVERY_MS.
func WithAdvertiseInterval(d time.Duration) Option {
	return func(m *Mesh) { m.advertiseEvery = d }
}

// WithPeerTimeout overrides PEER_TIMEOUT_MS, the liveness eviction
// deadline.
func WithPeerTimeout(d time.Duration) Option {
	return func(m *Mesh) { m.peerTimeout = d }
}

// WithConnectTimeout overrides CONNECT_TIMEOUT_MS, used when connecting
// to a peer discovered transitively via a Peer advertisement.
func WithConnectTimeout(d time.Duration) Option {
	return func(m *Mesh) { m.connectTimeout = d }
}

// WithGetNextPeerIDTimeout overrides GET_NEXT_PEER_ID_TIMEOUT_MS, the
// deadline for the join protocol's broadcast-and-collect round.
func WithGetNextPeerIDTimeout(d time.Duration) Option {
	return func(m *Mesh) { m.getNextPeerIDTimeout = d }
}

// WithMetrics attaches a Prometheus collector. Nil (the default) means
// metrics are not recorded.
func WithMetrics(c *meshmetrics.Collector) Option {
	return func(m *Mesh) { m.metrics = c }
}

// WithRouter overrides the default router.PingWeighted stub. Every send
// at this layer is still direct; a custom router only changes what
// AddRoute records.
func WithRouter(r router.Router) Option {
	return func(m *Mesh) { m.router = r }
}
