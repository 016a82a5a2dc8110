package mesh

import (
	"sync"
	"time"

	"github.com/go-kit/log/level"

	"github.com/meshnet-go/meshnet/wire"
)

// tick is registered as the reactor's tick function in New. Each
// reactor iteration it runs the liveness sweep, and once per
// advertiseEvery it also runs an advertisement round.
func (m *Mesh) tick() {
	now := time.Now()

	m.mu.Lock()
	due := now.Sub(m.lastAdvertise) >= m.advertiseEvery
	if due {
		m.lastAdvertise = now
	}
	m.mu.Unlock()

	m.evictStale(now)

	if due {
		m.advertiseRound()
	}
}

// evictStale disconnects, once per tick, any peer whose last-seen
// timestamp has fallen more than peerTimeout behind.
func (m *Mesh) evictStale(now time.Time) {
	var evicted []*PeerRecord

	m.mu.Lock()
	for id, rec := range m.peers {
		if now.Sub(msToTime(rec.LastSeenMs)) > m.peerTimeout {
			evicted = append(evicted, rec)
			delete(m.peers, id)
			delete(m.handleToPeerID, rec.Handle)
		}
	}
	m.mu.Unlock()

	if len(evicted) == 0 {
		return
	}

	for _, rec := range evicted {
		level.Info(m.logger).Log("msg", "evicting stale peer", "peer_id", rec.PeerID)
		m.reactor.Disconnect(rec.Handle)
	}
	if m.metrics != nil {
		m.metrics.Evictions.Add(float64(len(evicted)))
	}
	m.fireListChanged()
}

// advertiseRound pings every known peer (a Hello doubling as the
// probe), measures RTT on reply, and broadcasts a Peer record for it to
// the whole mesh.
func (m *Mesh) advertiseRound() {
	if m.metrics != nil {
		m.metrics.AdvertiseRounds.Inc()
	}

	hello := m.localHello().Encode()

	for _, id := range m.peerIDs() {
		m.pingOnePeer(id, hello)
	}
}

func (m *Mesh) pingOnePeer(peerID uint16, hello []byte) {
	m.mu.Lock()
	rec, ok := m.peers[peerID]
	m.mu.Unlock()
	if !ok {
		return
	}

	sentAt := time.Now()
	m.reactor.SendRequest(rec.Handle, hello, m.advertiseEvery, func(payload []byte) {
		if len(payload) == 0 {
			// Missed ping; real staleness is handled by the eviction
			// sweep's own deadline, not by this round.
			return
		}

		rtt := time.Since(sentAt)

		m.mu.Lock()
		updated, ok := m.peers[peerID]
		var addr string
		var port uint16
		if ok {
			updated.RTTMs = rtt
			updated.LastSeenMs = nowMs()
			addr = updated.Addr
			port = updated.Port
		}
		localID := m.localPeerID
		m.mu.Unlock()
		if !ok {
			return
		}

		if m.metrics != nil {
			m.metrics.RTT.Observe(rtt.Seconds())
		}
		m.router.AddRoute(localID, peerID, rtt)

		// Advertise the peer at its own reachable address so recipients
		// can dial it, not us.
		m.broadcastPeerAdvert(peerID, rtt, addr, port)
	})
}

// broadcastPeerAdvert sends a Peer(peerID, rtt, addr, port) message to
// every currently known peer, allowing transitive discovery.
func (m *Mesh) broadcastPeerAdvert(peerID uint16, rtt time.Duration, addr string, port uint16) {
	payload := wire.Peer{
		PeerID: peerID,
		RTTMs:  uint32(rtt.Milliseconds()),
		Addr:   addr,
		Port:   port,
	}.Encode()

	for _, id := range m.peerIDs() {
		m.mu.Lock()
		rec, ok := m.peers[id]
		m.mu.Unlock()
		if ok {
			m.reactor.Send(rec.Handle, payload)
		}
	}
}

// broadcastToIDs sends payload as a sequenced request to each of ids
// and invokes cb exactly once, with a map keyed by every id in ids
// (stale ids map to an empty payload, same as a timed-out request).
func (m *Mesh) broadcastToIDs(ids []uint16, payload []byte, timeout time.Duration, cb func(map[uint16][]byte)) {
	if len(ids) == 0 {
		cb(map[uint16][]byte{})
		return
	}

	// Replies land on the reactor goroutine while this loop may still be
	// running on the caller's, and the loop itself retires stale ids, so
	// both the accumulator and the exactly-once guarantee need a guard.
	var cmu sync.Mutex
	responses := make(map[uint16][]byte, len(ids))
	remaining := len(ids)
	fired := false

	settle := func(id uint16, resp []byte) {
		cmu.Lock()
		responses[id] = resp
		remaining--
		done := remaining == 0 && !fired
		if done {
			fired = true
		}
		cmu.Unlock()

		if done {
			cb(responses)
		}
	}

	for _, id := range ids {
		m.mu.Lock()
		rec, ok := m.peers[id]
		m.mu.Unlock()

		if !ok {
			settle(id, nil)
			continue
		}

		peerID := id
		m.reactor.SendRequest(rec.Handle, payload, timeout, func(resp []byte) {
			settle(peerID, resp)
		})
	}
}
