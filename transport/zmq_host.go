package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	zmq "github.com/pebbe/zmq4"
)

// ZMQHost implements Host on top of a ROUTER/DEALER pair, the
// go-ecosystem stand-in for a reliable-UDP host: one ROUTER socket
// bound for inbound traffic from every peer, and one DEALER socket per
// outbound connection, each carrying a routing identity so the ROUTER
// can tell peers apart.
type ZMQHost struct {
	logger log.Logger

	mu         sync.Mutex
	router     *zmq.Socket
	port       int
	listening  bool
	localRoute []byte
	dealers    map[PeerHandle]*zmq.Socket
	closed     bool

	events   chan Event
	done     chan struct{}
	pumpDone chan struct{}
}

// NewZMQHost creates a host. Listen must be called before any peer can
// reach it; Connect works beforehand (a node may join before it can be
// joined to).
func NewZMQHost(logger log.Logger) (*ZMQHost, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	router, err := zmq.NewSocket(zmq.ROUTER)
	if err != nil {
		return nil, fmt.Errorf("transport: create router socket: %w", err)
	}

	h := &ZMQHost{
		logger:     log.With(logger, "component", "transport"),
		router:     router,
		localRoute: append([]byte{1}, uuid.New()[:]...),
		dealers:    make(map[PeerHandle]*zmq.Socket),
		events:     make(chan Event, 4096),
		done:       make(chan struct{}),
	}
	if err := h.router.SetIdentity(string(h.localRoute)); err != nil {
		return nil, fmt.Errorf("transport: set router identity: %w", err)
	}

	return h, nil
}

func (h *ZMQHost) Listen(port int) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.listening {
		return false, nil
	}

	if err := h.router.Bind(fmt.Sprintf("tcp://*:%d", port)); err != nil {
		return false, fmt.Errorf("transport: bind port %d: %w", port, err)
	}
	h.port = port
	h.listening = true
	h.pumpDone = make(chan struct{})

	go h.pumpInbox()

	return true, nil
}

// pumpInbox runs on its own goroutine for the lifetime of the host,
// translating ROUTER frames into Events.
func (h *ZMQHost) pumpInbox() {
	defer close(h.pumpDone)

	poller := zmq.NewPoller()
	poller.Add(h.router, zmq.POLLIN)

	for {
		select {
		case <-h.done:
			return
		default:
		}

		sockets, err := poller.Poll(250 * time.Millisecond)
		if err != nil {
			level.Warn(h.logger).Log("msg", "poll failed", "err", err)
			continue
		}

		for _, s := range sockets {
			frames, err := s.Socket.RecvMessageBytes(0)
			if err != nil || len(frames) < 2 {
				continue
			}
			peer := PeerHandle(frames[0])
			h.publish(Event{Kind: EventReceive, Peer: peer, Data: frames[1]})
		}
	}
}

func (h *ZMQHost) publish(ev Event) {
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
		level.Warn(h.logger).Log("msg", "event queue full, dropping event", "kind", ev.Kind)
	}
}

func (h *ZMQHost) Connect(addr string, port int) (PeerHandle, error) {
	dealer, err := zmq.NewSocket(zmq.DEALER)
	if err != nil {
		return Nil, fmt.Errorf("transport: create dealer socket: %w", err)
	}

	route := append([]byte{1}, uuid.New()[:]...)
	if err := dealer.SetIdentity(string(route)); err != nil {
		dealer.Close()
		return Nil, fmt.Errorf("transport: set dealer identity: %w", err)
	}
	if err := dealer.SetSndtimeo(0); err != nil {
		dealer.Close()
		return Nil, fmt.Errorf("transport: set send timeout: %w", err)
	}

	endpoint := fmt.Sprintf("tcp://%s:%d", addr, port)
	if err := dealer.Connect(endpoint); err != nil {
		dealer.Close()
		return Nil, fmt.Errorf("transport: connect %s: %w", endpoint, err)
	}

	handle := PeerHandle(route)

	h.mu.Lock()
	h.dealers[handle] = dealer
	h.mu.Unlock()

	// ZMQ connects lazily and never signals TCP-level establishment, so
	// we confirm reachability out of band with a plain TCP probe and
	// surface that as the EventConnect the reactor is waiting for. A
	// probe that never succeeds simply never produces an event; the
	// reactor's own pending-connection deadline is what turns that into
	// a timeout.
	go func() {
		conn, err := net.DialTimeout("tcp", endpoint, 2*time.Second)
		if err != nil {
			level.Debug(h.logger).Log("msg", "connect probe failed", "endpoint", endpoint, "err", err)
			return
		}
		conn.Close()
		h.publish(Event{Kind: EventConnect, Peer: handle})
	}()

	return handle, nil
}

func (h *ZMQHost) Disconnect(peer PeerHandle) error {
	h.mu.Lock()
	dealer, ok := h.dealers[peer]
	delete(h.dealers, peer)
	h.mu.Unlock()

	if !ok {
		return nil
	}

	dealer.Close()
	h.publish(Event{Kind: EventDisconnect, Peer: peer})
	return nil
}

func (h *ZMQHost) Send(peer PeerHandle, payload []byte) error {
	h.mu.Lock()
	dealer, ok := h.dealers[peer]
	h.mu.Unlock()

	if !ok {
		return fmt.Errorf("transport: unknown peer handle")
	}

	_, err := dealer.SendBytes(payload, 0)
	return err
}

func (h *ZMQHost) Poll(timeout time.Duration) (*Event, error) {
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

// LocalAddr reports the outbound-facing local IP by opening a throwaway
// UDP "connection" (no packet is actually sent) and reading back the
// address the kernel would route through. Returns "" if that lookup
// fails, e.g. no route to any network.
func (h *ZMQHost) LocalAddr() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

func (h *ZMQHost) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.done)
	close(h.events)
	for handle, dealer := range h.dealers {
		dealer.Close()
		delete(h.dealers, handle)
	}
	listening, pumpDone := h.listening, h.pumpDone
	h.mu.Unlock()

	// The router socket isn't safe to close while the pump goroutine is
	// still polling it; its loop notices done within one poll interval.
	if pumpDone != nil {
		<-pumpDone
	}

	if listening {
		h.router.Unbind(fmt.Sprintf("tcp://*:%d", h.port))
	}
	h.router.Close()

	return nil
}
