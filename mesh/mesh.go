// Package mesh implements the Mesh Layer: the peer table, the
// Hello/GetNextPeerId/Welcome join protocol, peer advertisement and
// liveness eviction, and broadcast-and-collect. It is built entirely
// against reactor.Reactor's sequenced-RPC contract and never touches a
// transport.Host directly.
package mesh

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/meshnet-go/meshnet/meshmetrics"
	"github.com/meshnet-go/meshnet/reactor"
	"github.com/meshnet-go/meshnet/router"
	"github.com/meshnet-go/meshnet/transport"
	"github.com/meshnet-go/meshnet/wire"
)

// PeerListChangedHandler is invoked whenever membership changes: a join,
// a transitive discovery, an explicit disconnect, or a liveness
// eviction.
type PeerListChangedHandler func()

// AppHandler observes every inbound application-tagged payload (wire
// tag >= wire.TagApplicationBase). sender is the originating peer id, or
// 0 with known=false if the sender isn't (yet) in the peer table.
type AppHandler func(sender uint16, known bool, payload []byte, reply reactor.ReplyFunc)

// JoinCallback is invoked exactly once: with nil on success, or one of
// ErrCannotConnect / ErrTimeout / ErrNegotiationFailed.
type JoinCallback func(err error)

// Mesh owns the peer table and drives membership over a Reactor. All
// protocol state is mutated only from the reactor's single goroutine
// except where guarded by mu: Peers(), LocalPeerID(), and any
// application call to Send/SendRequest/Broadcast/Disconnect/Ping may be
// invoked from any goroutine, matching the Reactor's own thread
// discipline.
type Mesh struct {
	reactor *reactor.Reactor
	logger  log.Logger
	metrics *meshmetrics.Collector
	router  router.Router

	advertiseEvery       time.Duration
	peerTimeout          time.Duration
	connectTimeout       time.Duration
	getNextPeerIDTimeout time.Duration

	mu          sync.Mutex
	localPeerID uint16
	nextPeerID  uint16
	displayName string
	port        int
	localAddr   string

	peers          map[uint16]*PeerRecord
	handleToPeerID map[transport.PeerHandle]uint16

	lastAdvertise time.Time

	collisionLog *lru.Cache[uint16, time.Time]

	peerListChangedHandlers []PeerListChangedHandler
	appHandlers             []AppHandler
}

// New creates a Mesh over r. Registration of the reactor's data,
// disconnect, and tick hooks happens here, in the constructor, so it
// never races the running event loop.
func New(r *reactor.Reactor, opts ...Option) *Mesh {
	collisionLog, _ := lru.New[uint16, time.Time](collisionLogSize)

	m := &Mesh{
		reactor:              r,
		logger:               log.NewNopLogger(),
		router:               router.NewPingWeighted(),
		advertiseEvery:       DefaultAdvertiseEvery,
		peerTimeout:          DefaultPeerTimeout,
		connectTimeout:       DefaultConnectTimeout,
		getNextPeerIDTimeout: DefaultGetNextPeerIDTimeout,
		peers:                make(map[uint16]*PeerRecord),
		handleToPeerID:       make(map[transport.PeerHandle]uint16),
		collisionLog:         collisionLog,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = log.With(m.logger, "component", "mesh")

	r.OnData(m.handleData)
	r.OnPeerDisconnect(m.handleDisconnect)
	r.RunOnTick(m.tick)

	return m
}

// Start starts listening on port under display name. Returns true if
// this call transitioned the reactor from idle to listening.
func (m *Mesh) Start(port int, name string) (bool, error) {
	m.mu.Lock()
	m.displayName = name
	m.port = port
	m.mu.Unlock()

	started, err := m.reactor.Listen(port)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	m.localAddr = m.reactor.LocalAddr()
	m.mu.Unlock()

	return started, nil
}

// Join attempts to connect to a bootstrap peer at addr:port and run the
// Hello/Welcome handshake. cb fires exactly once.
func (m *Mesh) Join(addr string, port int, timeout time.Duration, cb JoinCallback) {
	m.reactor.Connect(addr, port, timeout, func(handle transport.PeerHandle) {
		if handle == transport.Nil {
			level.Debug(m.logger).Log("msg", "join connect failed", "addr", addr, "port", port)
			m.countJoin("failed")
			cb(ErrCannotConnect)
			return
		}

		m.reactor.SendRequest(handle, m.localHello().Encode(), timeout, func(payload []byte) {
			if len(payload) == 0 {
				m.reactor.Disconnect(handle)
				m.countJoin("failed")
				cb(ErrTimeout)
				return
			}

			tag, body, err := wire.Split(payload)
			if err != nil || tag != wire.TagWelcome {
				m.reactor.Disconnect(handle)
				m.countJoin("failed")
				cb(ErrNegotiationFailed)
				return
			}
			welcome, err := wire.DecodeWelcome(body)
			if err != nil {
				m.reactor.Disconnect(handle)
				m.countJoin("failed")
				cb(ErrNegotiationFailed)
				return
			}

			m.mu.Lock()
			m.localPeerID = welcome.AssignedPeerID
			if next := welcome.AssignedPeerID + 1; next > m.nextPeerID {
				m.nextPeerID = next
			}
			m.peers[welcome.BootstrapPeerID] = &PeerRecord{
				PeerID:     welcome.BootstrapPeerID,
				Handle:     handle,
				Addr:       addr,
				Port:       uint16(port),
				LastSeenMs: nowMs(),
			}
			m.handleToPeerID[handle] = welcome.BootstrapPeerID
			m.mu.Unlock()

			level.Info(m.logger).Log("msg", "joined mesh", "assigned_peer_id", welcome.AssignedPeerID, "bootstrap_peer_id", welcome.BootstrapPeerID)
			m.countJoin("success")
			cb(nil)
			m.fireListChanged()
		})
	})
}

// Disconnect removes peerID from the table and instructs the Transport
// Host to tear down its session.
func (m *Mesh) Disconnect(peerID uint16) error {
	m.mu.Lock()
	rec, ok := m.peers[peerID]
	if ok {
		delete(m.peers, peerID)
		delete(m.handleToPeerID, rec.Handle)
	}
	m.mu.Unlock()

	if !ok {
		return ErrUnknownPeer
	}
	if err := m.reactor.Disconnect(rec.Handle); err != nil {
		return err
	}
	m.fireListChanged()
	return nil
}

// Send is fire-and-forget to peerID.
func (m *Mesh) Send(peerID uint16, payload []byte) error {
	m.mu.Lock()
	rec, ok := m.peers[peerID]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownPeer
	}
	m.reactor.Send(rec.Handle, payload)
	return nil
}

// SendRequest sends payload to peerID and registers a one-shot callback
// on the matching reply or on expiry.
func (m *Mesh) SendRequest(peerID uint16, payload []byte, timeout time.Duration, cb reactor.PacketCallback) error {
	m.mu.Lock()
	rec, ok := m.peers[peerID]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownPeer
	}
	m.reactor.SendRequest(rec.Handle, payload, timeout, cb)
	return nil
}

// Ping is a general-purpose liveness probe applications can call
// directly (wire tag 4/5), separate from the Hello-as-ping reuse the
// advertisement round performs internally.
func (m *Mesh) Ping(peerID uint16, timeout time.Duration, cb func(alive bool, rtt time.Duration)) error {
	m.mu.Lock()
	rec, ok := m.peers[peerID]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownPeer
	}

	sentAt := time.Now()
	m.reactor.SendRequest(rec.Handle, wire.Ping{}.Encode(), timeout, func(payload []byte) {
		cb(len(payload) > 0, time.Since(sentAt))
	})
	return nil
}

// Broadcast issues one sequenced request per current peer and invokes
// cb exactly once: when every response has arrived, or when timeout has
// elapsed for any still-outstanding requests (whose entries then
// contribute an empty payload).
func (m *Mesh) Broadcast(payload []byte, timeout time.Duration, cb func(map[uint16][]byte)) {
	m.broadcastToIDs(m.peerIDs(), payload, timeout, cb)
}

// OnPeerListChanged registers h to run whenever membership changes.
// Must be called before Run starts, or from within a tick function.
func (m *Mesh) OnPeerListChanged(h PeerListChangedHandler) {
	m.mu.Lock()
	m.peerListChangedHandlers = append(m.peerListChangedHandlers, h)
	m.mu.Unlock()
}

// OnMessage registers h to observe every inbound application-tagged
// payload. Must be called before Run starts, or from within a tick
// function.
func (m *Mesh) OnMessage(h AppHandler) {
	m.mu.Lock()
	m.appHandlers = append(m.appHandlers, h)
	m.mu.Unlock()
}

// Peers returns a snapshot of the peer table, sorted by peer id.
func (m *Mesh) Peers() []PeerRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PeerRecord, 0, len(m.peers))
	for _, rec := range m.peers {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// LocalPeerID returns the id assigned to this node on join, or 0 for
// the mesh's first ("genesis") node, which never joins anyone.
func (m *Mesh) LocalPeerID() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localPeerID
}

// Stop disconnects every known peer, then stops the underlying reactor
// (which cancels any still-pending callbacks with sentinel invocations).
func (m *Mesh) Stop() {
	m.mu.Lock()
	handles := make([]transport.PeerHandle, 0, len(m.peers))
	for _, rec := range m.peers {
		handles = append(handles, rec.Handle)
	}
	m.mu.Unlock()

	for _, h := range handles {
		m.reactor.Disconnect(h)
	}
	m.reactor.Stop()
}

// localHello describes this node to the rest of the mesh: its display
// name plus the address and port its own host can be reached at (empty
// for a node that never started listening; recipients simply cannot
// advertise such a node at a dialable address).
func (m *Mesh) localHello() wire.Hello {
	m.mu.Lock()
	defer m.mu.Unlock()
	return wire.Hello{
		DisplayName: m.displayName,
		Addr:        m.localAddr,
		Port:        uint16(m.port),
	}
}

func (m *Mesh) peerIDs() []uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uint16, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	return ids
}

func (m *Mesh) countJoin(outcome string) {
	if m.metrics != nil {
		m.metrics.Joins.WithLabelValues(outcome).Inc()
	}
}

func (m *Mesh) setPeerCountMetric() {
	if m.metrics == nil {
		return
	}
	m.mu.Lock()
	n := len(m.peers)
	m.mu.Unlock()
	m.metrics.PeerCount.Set(float64(n))
}

func (m *Mesh) fireListChanged() {
	m.setPeerCountMetric()

	m.mu.Lock()
	handlers := append([]PeerListChangedHandler(nil), m.peerListChangedHandlers...)
	m.mu.Unlock()

	for _, h := range handlers {
		h()
	}
}
