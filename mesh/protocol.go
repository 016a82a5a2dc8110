package mesh

import (
	"time"

	"github.com/go-kit/log/level"

	"github.com/meshnet-go/meshnet/reactor"
	"github.com/meshnet-go/meshnet/transport"
	"github.com/meshnet-go/meshnet/wire"
)

// handleData demultiplexes every inbound mesh payload by tag. It is
// registered as the reactor's sole OnData handler in New.
func (m *Mesh) handleData(sender transport.PeerHandle, payload []byte, reply reactor.ReplyFunc) {
	tag, body, err := wire.Split(payload)
	if err != nil {
		level.Debug(m.logger).Log("msg", "dropping malformed mesh payload", "peer", sender, "err", err)
		return
	}

	switch tag {
	case wire.TagHello:
		m.handleHello(sender, body, reply)
	case wire.TagGetNextPeerID:
		m.handleGetNextPeerID(reply)
	case wire.TagPing:
		reply(wire.Pong{}.Encode())
	case wire.TagPeer:
		m.handlePeerAdvert(body)
	case wire.TagWelcome, wire.TagPong, wire.TagNone:
		// These only ever arrive framed as replies, already consumed by
		// the matching SendRequest callback; the unsolicited copies the
		// reactor hands to data observers need nothing further.
	default:
		m.dispatchApp(sender, payload, reply)
	}
}

// handleHello serves both roles the tag carries: a genuine join attempt
// from a sender we don't yet know, or the per-round liveness ping an
// already-known peer re-sends. The two are told apart by whether sender
// is already in handleToPeerID.
func (m *Mesh) handleHello(sender transport.PeerHandle, body []byte, reply reactor.ReplyFunc) {
	hello, err := wire.DecodeHello(body)
	if err != nil {
		level.Debug(m.logger).Log("msg", "dropping malformed hello", "peer", sender, "err", err)
		return
	}

	m.mu.Lock()
	if peerID, known := m.handleToPeerID[sender]; known {
		if rec, ok := m.peers[peerID]; ok {
			rec.DisplayName = hello.DisplayName
			rec.Addr = hello.Addr
			rec.Port = hello.Port
			rec.LastSeenMs = nowMs()
		}
		localID := m.localPeerID
		m.mu.Unlock()
		reply(wire.Welcome{AssignedPeerID: peerID, BootstrapPeerID: localID}.Encode())
		return
	}
	m.mu.Unlock()

	m.assignAndWelcome(sender, hello, reply)
}

// assignAndWelcome runs the GetNextPeerId broadcast-and-collect round
// over the current mesh, takes the maximum of the replies and the local
// counter, then inserts the joiner and replies with Welcome.
func (m *Mesh) assignAndWelcome(sender transport.PeerHandle, hello wire.Hello, reply reactor.ReplyFunc) {
	targets := m.peerIDs()

	m.broadcastToIDs(targets, wire.GetNextPeerID{}.Encode(), m.getNextPeerIDTimeout, func(responses map[uint16][]byte) {
		var maxID uint16
		for _, resp := range responses {
			if len(resp) == 0 {
				continue
			}
			tag, body, err := wire.Split(resp)
			if err != nil || tag != wire.TagNone {
				continue
			}
			r, err := wire.DecodeNextPeerIDReply(body)
			if err != nil {
				continue
			}
			if r.NextPeerID > maxID {
				maxID = r.NextPeerID
			}
		}

		m.mu.Lock()
		m.nextPeerID++
		if m.nextPeerID > maxID {
			maxID = m.nextPeerID
		}
		assigned := maxID
		if next := assigned + 1; next > m.nextPeerID {
			m.nextPeerID = next
		}

		if assigned == m.localPeerID {
			// Assigning our own id would split it between two nodes;
			// refuse the join instead. A non-Welcome reply surfaces as a
			// negotiation failure at the joiner.
			m.mu.Unlock()
			m.logCollision(assigned)
			m.countJoin("failed")
			reply(wire.Join(wire.TagNone, nil))
			return
		}

		if displaced, collides := m.peers[assigned]; collides {
			// The slot is occupied; the joiner takes it, so the old
			// occupant's reverse mapping must go with it or its next
			// Hello would rewrite the new record's identity in place.
			m.logCollision(assigned)
			delete(m.handleToPeerID, displaced.Handle)
			defer m.reactor.Disconnect(displaced.Handle)
		}

		rec := &PeerRecord{
			PeerID:      assigned,
			Handle:      sender,
			DisplayName: hello.DisplayName,
			Addr:        hello.Addr,
			Port:        hello.Port,
			LastSeenMs:  nowMs(),
		}
		m.peers[assigned] = rec
		m.handleToPeerID[sender] = assigned
		localID := m.localPeerID
		m.mu.Unlock()

		level.Info(m.logger).Log("msg", "assigned new peer id", "peer_id", assigned, "name", hello.DisplayName)
		m.countJoin("success")
		reply(wire.Welcome{AssignedPeerID: assigned, BootstrapPeerID: localID}.Encode())
		m.fireListChanged()
	})
}

func (m *Mesh) logCollision(peerID uint16) {
	m.collisionLog.Add(peerID, time.Now())
	level.Warn(m.logger).Log("msg", "duplicate peer id assignment observed", "peer_id", peerID)
}

// handleGetNextPeerID answers a join-protocol broadcast with this node's
// own counter, incremented first so that two concurrent joins through
// the same responder never see the same value twice.
func (m *Mesh) handleGetNextPeerID(reply reactor.ReplyFunc) {
	m.mu.Lock()
	m.nextPeerID++
	v := m.nextPeerID
	m.mu.Unlock()
	reply(wire.NextPeerIDReply{NextPeerID: v}.Encode())
}

// handlePeerAdvert discards self-adverts, refreshes known peers, and
// connects to transitively-discovered ones.
func (m *Mesh) handlePeerAdvert(body []byte) {
	adv, err := wire.DecodePeer(body)
	if err != nil {
		level.Debug(m.logger).Log("msg", "dropping malformed peer advert", "err", err)
		return
	}

	m.mu.Lock()
	if adv.PeerID == m.localPeerID {
		m.mu.Unlock()
		return
	}
	if rec, known := m.peers[adv.PeerID]; known {
		rec.RTTMs = time.Duration(adv.RTTMs) * time.Millisecond
		rec.LastSeenMs = nowMs()
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.reactor.Connect(adv.Addr, int(adv.Port), m.connectTimeout, func(handle transport.PeerHandle) {
		if handle == transport.Nil {
			level.Debug(m.logger).Log("msg", "transitive connect failed", "peer_id", adv.PeerID, "addr", adv.Addr, "port", adv.Port)
			return
		}

		m.mu.Lock()
		if _, exists := m.peers[adv.PeerID]; exists || adv.PeerID == m.localPeerID {
			m.mu.Unlock()
			m.reactor.Disconnect(handle)
			return
		}
		m.peers[adv.PeerID] = &PeerRecord{
			PeerID:     adv.PeerID,
			Handle:     handle,
			Addr:       adv.Addr,
			Port:       adv.Port,
			RTTMs:      time.Duration(adv.RTTMs) * time.Millisecond,
			LastSeenMs: nowMs(),
		}
		m.handleToPeerID[handle] = adv.PeerID
		m.mu.Unlock()

		level.Info(m.logger).Log("msg", "discovered peer transitively", "peer_id", adv.PeerID, "addr", adv.Addr, "port", adv.Port)
		m.fireListChanged()
	})
}

// handleDisconnect purges the peer whose handle matches, identified via
// the reverse index populated at insertion time.
func (m *Mesh) handleDisconnect(handle transport.PeerHandle) {
	m.mu.Lock()
	id, ok := m.handleToPeerID[handle]
	if ok {
		delete(m.peers, id)
		delete(m.handleToPeerID, handle)
	}
	m.mu.Unlock()

	if ok {
		level.Info(m.logger).Log("msg", "peer disconnected", "peer_id", id)
		m.fireListChanged()
	}
}

// dispatchApp forwards an application-defined payload (tag >=
// wire.TagApplicationBase) to every registered AppHandler, along with
// the sender's peer id if known.
func (m *Mesh) dispatchApp(sender transport.PeerHandle, payload []byte, reply reactor.ReplyFunc) {
	m.mu.Lock()
	peerID, known := m.handleToPeerID[sender]
	handlers := append([]AppHandler(nil), m.appHandlers...)
	m.mu.Unlock()

	for _, h := range handlers {
		h(peerID, known, payload, reply)
	}
}
