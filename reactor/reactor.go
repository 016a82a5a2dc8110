// Package reactor implements the sequenced-RPC layer: it owns a
// transport.Host, drives the single-threaded event loop, frames every
// outbound application packet with (send_seq, reply_seq), and enforces
// callback timeouts. Application code never talks to the transport.Host
// directly; it only goes through a Reactor.
package reactor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/meshnet-go/meshnet/transport"
)

// Default timers, overridable via Option at construction.
const (
	DefaultLoopTimeout     = 1000 * time.Millisecond
	DefaultCallbackTimeout = 0 // never
)

// PacketCallback is invoked exactly once, either with the matching
// reply's payload or, on expiry, with an empty payload.
type PacketCallback func(payload []byte)

// ConnectCallback is invoked exactly once: with the established handle
// on success, or transport.Nil on failure or timeout.
type ConnectCallback func(peer transport.PeerHandle)

// ReplyFunc sends a reply to whichever packet a DataHandler is
// currently processing, framed with (0, send_seq) of that packet.
type ReplyFunc func(payload []byte)

// DataHandler observes every inbound application payload, matched
// replies included, so generic observers see all traffic.
type DataHandler func(sender transport.PeerHandle, payload []byte, reply ReplyFunc)

// DisconnectHandler is invoked once per peer before its session is torn
// down.
type DisconnectHandler func(peer transport.PeerHandle)

// TickFunc runs once per reactor iteration, in registration order.
type TickFunc func()

type outboundMsg struct {
	peer   transport.PeerHandle
	framed []byte
}

type connectReq struct {
	addr    string
	port    int
	timeout time.Duration
	cb      ConnectCallback
}

// Reactor drives one transport.Host on a single dedicated goroutine.
type Reactor struct {
	host   transport.Host
	logger log.Logger

	loopTimeout time.Duration
	defaultTTL  time.Duration

	seqCounter uint32

	pendingCallbacks *DeadlineRegistry[uint16, PacketCallback]
	pendingConns     *DeadlineRegistry[transport.PeerHandle, ConnectCallback]

	outbound chan outboundMsg
	connects chan connectReq
	wake     chan struct{}

	dataHandlers       []DataHandler
	disconnectHandlers []DisconnectHandler
	tickFuncs          []TickFunc

	stopOnce sync.Once
	quit     chan struct{}
	done     chan struct{}
}

// Option configures a Reactor at construction time.
type Option func(*Reactor)

// WithLogger attaches a logger; the default is a no-op logger.
func WithLogger(logger log.Logger) Option {
	return func(r *Reactor) { r.logger = logger }
}

// WithLoopTimeout overrides how long each host poll blocks.
func WithLoopTimeout(d time.Duration) Option {
	return func(r *Reactor) { r.loopTimeout = d }
}

// WithDefaultCallbackTimeout overrides the zero-means-never default
// applied to SendRequest when it is given a timeout of 0.
func WithDefaultCallbackTimeout(d time.Duration) Option {
	return func(r *Reactor) { r.defaultTTL = d }
}

// New creates a Reactor over host. Call Listen, then Run (typically in
// its own goroutine) to start the event loop.
func New(host transport.Host, opts ...Option) *Reactor {
	r := &Reactor{
		host:             host,
		logger:           log.NewNopLogger(),
		loopTimeout:      DefaultLoopTimeout,
		defaultTTL:       DefaultCallbackTimeout,
		pendingCallbacks: NewDeadlineRegistry[uint16, PacketCallback](),
		pendingConns:     NewDeadlineRegistry[transport.PeerHandle, ConnectCallback](),
		outbound:         make(chan outboundMsg, 4096),
		connects:         make(chan connectReq, 64),
		wake:             make(chan struct{}, 1),
		quit:             make(chan struct{}),
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = log.With(r.logger, "component", "reactor")

	// Registered first so queued sends and connects from foreign
	// goroutines are drained before any handler-registered tick function
	// runs in the same iteration.
	r.tickFuncs = append(r.tickFuncs, r.drainOutbound)
	r.tickFuncs = append(r.tickFuncs, r.drainConnects)
	// Registered second: the timeout sweep over both deadline tables.
	r.tickFuncs = append(r.tickFuncs, r.sweepTimeouts)

	return r
}

// Listen starts accepting inbound sessions on port. Returns true if
// this call transitioned the host from idle to listening.
func (r *Reactor) Listen(port int) (bool, error) {
	return r.host.Listen(port)
}

// Connect initiates an outbound session. cb fires exactly once: with
// the handle on success, or transport.Nil on failure/timeout. Safe to
// call from any goroutine: the host-level connect is issued on the
// event-loop goroutine, so the pending-connection entry exists before
// any dispatch can see the resulting connect event.
func (r *Reactor) Connect(addr string, port int, timeout time.Duration, cb ConnectCallback) {
	select {
	case r.connects <- connectReq{addr: addr, port: port, timeout: timeout, cb: cb}:
	default:
		level.Warn(r.logger).Log("msg", "connect queue full, failing connect", "addr", addr, "port", port)
		r.safeInvokeConnect(cb, transport.Nil)
		return
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Reactor) drainConnects() {
	for {
		select {
		case req := <-r.connects:
			handle, err := r.host.Connect(req.addr, req.port)
			if err != nil {
				level.Debug(r.logger).Log("msg", "connect failed locally", "addr", req.addr, "port", req.port, "err", err)
				r.safeInvokeConnect(req.cb, transport.Nil)
				continue
			}
			r.pendingConns.Set(handle, req.cb, req.timeout)
		default:
			return
		}
	}
}

// LocalAddr returns the address other peers should dial to reach this
// reactor's host, or "" if unknown.
func (r *Reactor) LocalAddr() string {
	return r.host.LocalAddr()
}

// Disconnect issues a graceful disconnect; the session is removed when
// the host's disconnect event for it arrives.
func (r *Reactor) Disconnect(peer transport.PeerHandle) error {
	return r.host.Disconnect(peer)
}

// Send is fire-and-forget: frames with (0, 0) and enqueues. Safe to
// call from any goroutine.
func (r *Reactor) Send(peer transport.PeerHandle, payload []byte) {
	r.enqueue(peer, frame(0, 0, payload))
}

// SendRequest allocates a sequence number, frames with (seq, 0), and
// registers a one-shot callback fired on the matching reply or on
// expiry. A timeout of 0 uses the reactor's default (never). Safe to
// call from any goroutine.
func (r *Reactor) SendRequest(peer transport.PeerHandle, payload []byte, timeout time.Duration, cb PacketCallback) uint16 {
	if timeout == 0 {
		timeout = r.defaultTTL
	}
	seq := r.nextSeq()
	r.pendingCallbacks.Set(seq, cb, timeout)
	r.enqueue(peer, frame(seq, 0, payload))
	return seq
}

// OnData registers a handler invoked for every inbound payload. Must be
// called before Run starts, or from within a TickFunc.
func (r *Reactor) OnData(h DataHandler) {
	r.dataHandlers = append(r.dataHandlers, h)
}

// OnPeerDisconnect registers a handler invoked before a session is torn
// down. Must be called before Run starts, or from within a TickFunc.
func (r *Reactor) OnPeerDisconnect(h DisconnectHandler) {
	r.disconnectHandlers = append(r.disconnectHandlers, h)
}

// RunOnTick registers fn to run once per reactor iteration, after any
// application-registered functions already present.
func (r *Reactor) RunOnTick(fn TickFunc) {
	r.tickFuncs = append(r.tickFuncs, fn)
}

func (r *Reactor) nextSeq() uint16 {
	for {
		v := atomic.AddUint32(&r.seqCounter, 1)
		if s := uint16(v); s != 0 {
			return s
		}
	}
}

func (r *Reactor) enqueue(peer transport.PeerHandle, framed []byte) {
	select {
	case r.outbound <- outboundMsg{peer: peer, framed: framed}:
	default:
		level.Warn(r.logger).Log("msg", "outbound queue full, dropping packet", "peer", peer)
		return
	}
	// Wake the event loop so the queue drains now rather than when the
	// current poll times out.
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Reactor) drainOutbound() {
	for {
		select {
		case msg := <-r.outbound:
			if err := r.host.Send(msg.peer, msg.framed); err != nil {
				level.Debug(r.logger).Log("msg", "send failed", "peer", msg.peer, "err", err)
			}
		default:
			return
		}
	}
}

func (r *Reactor) sweepTimeouts() {
	now := time.Now()

	for _, e := range r.pendingCallbacks.Sweep(now) {
		e.Value(nil)
	}
	for _, e := range r.pendingConns.Sweep(now) {
		e.Value(transport.Nil)
	}
}

// Run drives the event loop until Stop is called. Intended to run on
// its own goroutine for the Reactor's lifetime.
//
// All protocol state is touched only here. The host's blocking Poll
// runs on a companion pump goroutine so the loop can also be woken by
// foreign-goroutine sends; the pump hands every event over and touches
// nothing else.
func (r *Reactor) Run() {
	defer close(r.done)

	events := make(chan *transport.Event)
	pollErr := make(chan error, 1)
	go func() {
		for {
			ev, err := r.host.Poll(r.loopTimeout)
			if err != nil {
				pollErr <- err
				return
			}
			if ev == nil {
				continue
			}
			select {
			case events <- ev:
			case <-r.quit:
				return
			}
		}
	}()

	for {
		var ev *transport.Event
		select {
		case <-r.quit:
			return
		case err := <-pollErr:
			level.Debug(r.logger).Log("msg", "poll error", "err", err)
			return
		case ev = <-events:
		case <-r.wake:
		case <-time.After(r.loopTimeout):
		}

		for _, fn := range r.tickFuncs {
			r.runTick(fn)
		}

		if ev != nil {
			r.dispatch(ev)
		}
	}
}

func (r *Reactor) runTick(fn TickFunc) {
	defer func() {
		if p := recover(); p != nil {
			level.Error(r.logger).Log("msg", "tick function panicked", "panic", p)
		}
	}()
	fn()
}

func (r *Reactor) dispatch(ev *transport.Event) {
	switch ev.Kind {
	case transport.EventConnect:
		if cb, ok := r.pendingConns.Delete(ev.Peer); ok {
			r.safeInvokeConnect(cb, ev.Peer)
		}
		// Inbound connects (no pending entry) are ignored at this
		// layer; membership decisions belong to the mesh layer, made
		// on reception of its join message.

	case transport.EventReceive:
		sendSeq, replySeq, payload, err := unframe(ev.Data)
		if err != nil {
			level.Debug(r.logger).Log("msg", "dropping malformed packet", "peer", ev.Peer, "err", err)
			return
		}

		if replySeq != 0 {
			if cb, ok := r.pendingCallbacks.Delete(replySeq); ok {
				r.safeInvokeData(cb, payload)
			}
		}

		reply := func(p []byte) {
			if sendSeq == 0 {
				return // sender expected no reply
			}
			if err := r.host.Send(ev.Peer, frame(0, sendSeq, p)); err != nil {
				level.Debug(r.logger).Log("msg", "reply send failed", "peer", ev.Peer, "err", err)
			}
		}

		for _, h := range r.dataHandlers {
			r.safeInvokeHandler(h, ev.Peer, payload, reply)
		}

	case transport.EventDisconnect:
		for _, h := range r.disconnectHandlers {
			r.safeInvokeDisconnect(h, ev.Peer)
		}
		if err := r.host.Disconnect(ev.Peer); err != nil {
			level.Debug(r.logger).Log("msg", "teardown disconnect failed", "peer", ev.Peer, "err", err)
		}
	}
}

func (r *Reactor) safeInvokeConnect(cb ConnectCallback, peer transport.PeerHandle) {
	defer r.recoverCallback("connect")
	cb(peer)
}

func (r *Reactor) safeInvokeData(cb PacketCallback, payload []byte) {
	defer r.recoverCallback("packet")
	cb(payload)
}

func (r *Reactor) safeInvokeHandler(h DataHandler, peer transport.PeerHandle, payload []byte, reply ReplyFunc) {
	defer r.recoverCallback("data handler")
	h(peer, payload, reply)
}

func (r *Reactor) safeInvokeDisconnect(h DisconnectHandler, peer transport.PeerHandle) {
	defer r.recoverCallback("disconnect handler")
	h(peer)
}

func (r *Reactor) recoverCallback(kind string) {
	if p := recover(); p != nil {
		level.Error(r.logger).Log("msg", "callback panicked", "kind", kind, "panic", p)
	}
}

// Stop cancels all pending callbacks with sentinel-failure invocations,
// stops the event loop, and closes the underlying host. Safe to call
// more than once.
func (r *Reactor) Stop() {
	r.stopOnce.Do(func() {
		close(r.quit)
		<-r.done

		for _, e := range r.pendingCallbacks.Clear() {
			e.Value(nil)
		}
		for _, e := range r.pendingConns.Clear() {
			e.Value(transport.Nil)
		}
		for {
			select {
			case req := <-r.connects:
				r.safeInvokeConnect(req.cb, transport.Nil)
				continue
			default:
			}
			break
		}

		if err := r.host.Close(); err != nil {
			level.Debug(r.logger).Log("msg", "host close failed", "err", err)
		}
	})
}
