// Package wire implements the mesh message alphabet: a 16-bit tag
// followed by a per-tag body, carried as the payload of every reactor
// packet. All integers are little-endian; strings are u32le
// length-prefixed byte sequences with no terminator.
package wire

import (
	"encoding/binary"
	"errors"
)

// Tag identifies the shape of a mesh message body.
type Tag uint16

const (
	TagNone          Tag = 0
	TagHello         Tag = 1
	TagWelcome       Tag = 2
	TagGetNextPeerID Tag = 3
	TagPing          Tag = 4
	TagPong          Tag = 5
	TagPeer          Tag = 6

	// TagApplicationBase is the first tag value reserved for
	// application-defined payloads, forwarded opaque to the caller.
	TagApplicationBase Tag = 7
)

var (
	ErrShortMessage = errors.New("wire: message shorter than tag header")
	ErrShortString  = errors.New("wire: truncated length-prefixed string")
	ErrShortBody    = errors.New("wire: body shorter than tag requires")
)

// Split peels the leading u16le tag off a mesh payload and returns the
// remaining body bytes unparsed.
func Split(payload []byte) (Tag, []byte, error) {
	if len(payload) < 2 {
		return TagNone, nil, ErrShortMessage
	}
	tag := Tag(binary.LittleEndian.Uint16(payload[0:2]))
	return tag, payload[2:], nil
}

// Join prefixes body with tag's u16le encoding, producing a complete
// mesh payload ready to hand to the reactor.
func Join(tag Tag, body []byte) []byte {
	out := make([]byte, 2+len(body))
	binary.LittleEndian.PutUint16(out[0:2], uint16(tag))
	copy(out[2:], body)
	return out
}

func putString(dst *[]byte, s string) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	*dst = append(*dst, lenBuf[:]...)
	*dst = append(*dst, s...)
}

func takeString(body []byte) (string, []byte, error) {
	if len(body) < 4 {
		return "", nil, ErrShortString
	}
	n := binary.LittleEndian.Uint32(body[0:4])
	body = body[4:]
	if uint32(len(body)) < n {
		return "", nil, ErrShortString
	}
	return string(body[:n]), body[n:], nil
}

// Hello carries the joiner's display name plus the address and port its
// own Transport Host listens on, sent with a reply expected. Addr and
// Port are stated by the sender because a ROUTER/DEALER transport,
// unlike a raw UDP one, gives the receiver no way to read a peer's
// reachable address off the connection, and the receiver needs it to
// advertise the sender later.
type Hello struct {
	DisplayName string
	Addr        string
	Port        uint16
}

func (h Hello) Encode() []byte {
	var body []byte
	putString(&body, h.DisplayName)
	putString(&body, h.Addr)
	var portBuf [2]byte
	binary.LittleEndian.PutUint16(portBuf[:], h.Port)
	body = append(body, portBuf[:]...)
	return Join(TagHello, body)
}

func DecodeHello(body []byte) (Hello, error) {
	name, rest, err := takeString(body)
	if err != nil {
		return Hello{}, err
	}
	addr, rest, err := takeString(rest)
	if err != nil {
		return Hello{}, err
	}
	if len(rest) < 2 {
		return Hello{}, ErrShortBody
	}
	return Hello{
		DisplayName: name,
		Addr:        addr,
		Port:        binary.LittleEndian.Uint16(rest[0:2]),
	}, nil
}

// Welcome replies to Hello with the peer id the responder assigned (or,
// for an already-known sender, the id it assigned previously, reflected
// back as a keepalive/RTT probe ack), plus the responder's own peer id
// so a joiner learns its bootstrap's identity without a second round
// trip.
type Welcome struct {
	AssignedPeerID  uint16
	BootstrapPeerID uint16
}

func (w Welcome) Encode() []byte {
	body := make([]byte, 4)
	binary.LittleEndian.PutUint16(body[0:2], w.AssignedPeerID)
	binary.LittleEndian.PutUint16(body[2:4], w.BootstrapPeerID)
	return Join(TagWelcome, body)
}

func DecodeWelcome(body []byte) (Welcome, error) {
	if len(body) < 4 {
		return Welcome{}, ErrShortBody
	}
	return Welcome{
		AssignedPeerID:  binary.LittleEndian.Uint16(body[0:2]),
		BootstrapPeerID: binary.LittleEndian.Uint16(body[2:4]),
	}, nil
}

// GetNextPeerID carries no body; it is broadcast by a bootstrap to its
// current mesh and answered with the responder's own counter value.
type GetNextPeerID struct{}

func (GetNextPeerID) Encode() []byte { return Join(TagGetNextPeerID, nil) }

// NextPeerIDReply answers GetNextPeerID with the responder's own
// next_peer_id counter. It travels under TagNone: the requester's
// callback consumes it by sequence number, and the tag keeps the
// unsolicited copy handed to data observers inert.
type NextPeerIDReply struct {
	NextPeerID uint16
}

func (r NextPeerIDReply) Encode() []byte {
	body := make([]byte, 2)
	binary.LittleEndian.PutUint16(body, r.NextPeerID)
	return Join(TagNone, body)
}

func DecodeNextPeerIDReply(body []byte) (NextPeerIDReply, error) {
	if len(body) < 2 {
		return NextPeerIDReply{}, ErrShortBody
	}
	return NextPeerIDReply{NextPeerID: binary.LittleEndian.Uint16(body[0:2])}, nil
}

// Ping and Pong carry no body; Ping is sent reply-expected to measure
// round-trip time and is answered with a Pong as the reply (the tag
// keeps the unsolicited copy handed to on_data observers inert).
type Ping struct{}

func (Ping) Encode() []byte { return Join(TagPing, nil) }

type Pong struct{}

func (Pong) Encode() []byte { return Join(TagPong, nil) }

// Peer advertises one member of the sender's mesh so recipients can
// discover it transitively.
type Peer struct {
	PeerID uint16
	RTTMs  uint32
	Addr   string
	Port   uint16
}

func (p Peer) Encode() []byte {
	body := make([]byte, 0, 8+len(p.Addr))
	var head [6]byte
	binary.LittleEndian.PutUint16(head[0:2], p.PeerID)
	binary.LittleEndian.PutUint32(head[2:6], p.RTTMs)
	body = append(body, head[:]...)
	putString(&body, p.Addr)
	var portBuf [2]byte
	binary.LittleEndian.PutUint16(portBuf[:], p.Port)
	body = append(body, portBuf[:]...)
	return Join(TagPeer, body)
}

func DecodePeer(body []byte) (Peer, error) {
	if len(body) < 6 {
		return Peer{}, ErrShortBody
	}
	p := Peer{
		PeerID: binary.LittleEndian.Uint16(body[0:2]),
		RTTMs:  binary.LittleEndian.Uint32(body[2:6]),
	}
	addr, rest, err := takeString(body[6:])
	if err != nil {
		return Peer{}, err
	}
	p.Addr = addr
	if len(rest) < 2 {
		return Peer{}, ErrShortBody
	}
	p.Port = binary.LittleEndian.Uint16(rest[0:2])
	return p, nil
}
