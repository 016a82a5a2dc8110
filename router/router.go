// Package router declares the mesh's pluggable routing interface.
// Multi-hop forwarding is a future extension: every send is direct, so
// the only implementation here, PingWeighted, records route weights but
// never consults them.
package router

import (
	"sync"
	"time"
)

// Router resolves the next hop toward a destination peer. NextHop is
// the stub: every real implementation in this module returns to
// unchanged, since the transport assumes direct reachability between
// every pair.
type Router interface {
	// NextHop returns the peer id to send to next when routing a packet
	// from from toward to.
	NextHop(from, to uint16) uint16

	// AddRoute records a measured round-trip time for the direct link
	// from -> to, for use by a future multi-hop NextHop.
	AddRoute(from, to uint16, rtt time.Duration)
}

type routeKey struct {
	from, to uint16
}

// PingWeighted accumulates RTT-weighted route bookkeeping even though
// its NextHop ignores the weights and returns the destination
// unchanged.
type PingWeighted struct {
	mu     sync.Mutex
	routes map[routeKey]time.Duration
}

// NewPingWeighted creates an empty router.
func NewPingWeighted() *PingWeighted {
	return &PingWeighted{routes: make(map[routeKey]time.Duration)}
}

// AddRoute records rtt as the weight of the direct from->to link.
func (r *PingWeighted) AddRoute(from, to uint16, rtt time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[routeKey{from, to}] = rtt
}

// RouteRTT returns the last weight recorded by AddRoute for from->to.
func (r *PingWeighted) RouteRTT(from, to uint16) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rtt, ok := r.routes[routeKey{from, to}]
	return rtt, ok
}

// NextHop always returns to unchanged; route weights collected by
// AddRoute are kept for a future multi-hop implementation, not
// consulted here.
func (r *PingWeighted) NextHop(from, to uint16) uint16 {
	return to
}
