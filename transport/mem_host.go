package transport

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MemHost is an in-process Host used by reactor/mesh tests so the full
// join/advertise/evict protocol can run deterministically without real
// sockets. A MemHost is connected to others via a shared MemNetwork,
// which plays the role the LAN plays for ZMQHost.
type MemHost struct {
	network *MemNetwork
	addr    string
	port    int

	mu     sync.Mutex
	conns  map[PeerHandle]*memConn // our handle for a peer -> the live connection
	closed bool
	events chan Event
}

// memConn is one end of a bidirectional pipe between two MemHosts.
// Each side holds a *memConn describing how to reach the other; a
// single logical connection is thus represented by two memConn values,
// one per host, each pointing at the other's inbox.
type memConn struct {
	remote       *MemHost
	remoteHandle PeerHandle // the handle the remote side uses to address us
}

// MemNetwork is a registry of MemHosts reachable by addr:port, standing
// in for the physical network in tests.
type MemNetwork struct {
	mu      sync.Mutex
	hosts   map[string]*MemHost
	counter uint64
}

// NewMemNetwork creates an empty in-process network.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{hosts: make(map[string]*MemHost)}
}

// NewHost creates a MemHost bound to addr (any string uniquely
// identifying this node, e.g. "10.0.0.1") attached to net.
func (n *MemNetwork) NewHost(addr string) *MemHost {
	return &MemHost{
		network: n,
		addr:    addr,
		conns:   make(map[PeerHandle]*memConn),
		events:  make(chan Event, 4096),
	}
}

func (n *MemNetwork) nextHandle() PeerHandle {
	id := atomic.AddUint64(&n.counter, 1)
	return PeerHandle(fmt.Sprintf("mem-%d", id))
}

func (h *MemHost) Listen(port int) (bool, error) {
	h.network.mu.Lock()
	defer h.network.mu.Unlock()

	if h.port != 0 {
		return false, nil
	}
	h.port = port
	h.network.hosts[fmt.Sprintf("%s:%d", h.addr, port)] = h
	return true, nil
}

func (h *MemHost) Connect(addr string, port int) (PeerHandle, error) {
	h.network.mu.Lock()
	remote, ok := h.network.hosts[fmt.Sprintf("%s:%d", addr, port)]
	h.network.mu.Unlock()

	if !ok {
		// No local failure; the connect attempt simply never completes,
		// which the reactor's pending-connection deadline turns into a
		// timeout.
		return h.network.nextHandle(), nil
	}

	localHandle := h.network.nextHandle()
	remoteHandle := h.network.nextHandle()

	h.mu.Lock()
	h.conns[localHandle] = &memConn{remote: remote, remoteHandle: remoteHandle}
	h.mu.Unlock()

	remote.mu.Lock()
	remote.conns[remoteHandle] = &memConn{remote: h, remoteHandle: localHandle}
	remote.mu.Unlock()

	h.publish(Event{Kind: EventConnect, Peer: localHandle})

	return localHandle, nil
}

func (h *MemHost) Disconnect(peer PeerHandle) error {
	h.mu.Lock()
	_, live := h.conns[peer]
	delete(h.conns, peer)
	closed := h.closed
	h.mu.Unlock()

	if live && !closed {
		h.publish(Event{Kind: EventDisconnect, Peer: peer})
	}
	return nil
}

func (h *MemHost) Send(peer PeerHandle, payload []byte) error {
	h.mu.Lock()
	conn, ok := h.conns[peer]
	h.mu.Unlock()

	if !ok {
		return errors.New("transport: unknown peer handle")
	}

	cp := append([]byte(nil), payload...)
	conn.remote.publish(Event{Kind: EventReceive, Peer: conn.remoteHandle, Data: cp})
	return nil
}

func (h *MemHost) publish(ev Event) {
	// The send stays under the lock so Close cannot slip a close(events)
	// in between the closed check and the send.
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	select {
	case h.events <- ev:
	default:
	}
}

func (h *MemHost) Poll(timeout time.Duration) (*Event, error) {
	select {
	case ev, ok := <-h.events:
		if !ok {
			return nil, ErrClosed
		}
		return &ev, nil
	case <-time.After(timeout):
		return nil, nil
	}
}

// LocalAddr returns the addr this host was created with; it never
// depends on whether Listen has been called, since MemHost addresses
// are just registry keys, not real network interfaces.
func (h *MemHost) LocalAddr() string {
	return h.addr
}

func (h *MemHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	close(h.events)
	return nil
}
