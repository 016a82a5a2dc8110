package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// A Beacon broadcasts and captures mesh-node announcements on the local
// network using UDP multicast, so a node can find a bootstrap peer with
// no configured address. Announcements are sent and received
// asynchronously in the background; callers drain Signals. Discovery is
// a convenience alongside an explicit join address, never a replacement
// for the join protocol itself: a captured announcement only tells the
// caller where to dial.
type Beacon struct {
	signals    chan *Signal
	ipv4Conn   *ipv4.PacketConn
	ipv6Conn   *ipv6.PacketConn
	port       int
	interval   time.Duration
	noecho     bool
	terminated bool
	transmit   []byte
	filter     []byte
	addr       string
	iface      string
	inAddr     *net.UDPAddr
	outAddr    *net.UDPAddr
	wg         sync.WaitGroup
	sync.Mutex
}

// Signal is one captured announcement: the sender's address as seen on
// the wire, and the raw transmitted bytes.
type Signal struct {
	Addr     string
	Transmit []byte
}

const (
	beaconMax             = 255
	defaultBeaconInterval = 1 * time.Second

	ipv4Group = "224.0.0.250"
	ipv6Group = "ff02::fa"
)

// announceMagic prefixes every announcement this module emits, doubling
// as the subscribe filter so foreign traffic on the group is ignored.
var announceMagic = []byte("MSHNET1")

// Announcement is the body of a mesh-node discovery broadcast: the UDP
// port the announcing node's Transport Host is listening on. The
// sender's address comes from the datagram itself.
type Announcement struct {
	Port uint16
}

// EncodeAnnouncement produces the wire form: magic followed by the port
// as u16le, consistent with the rest of the module's wire integers.
func EncodeAnnouncement(a Announcement) []byte {
	out := make([]byte, len(announceMagic)+2)
	copy(out, announceMagic)
	binary.LittleEndian.PutUint16(out[len(announceMagic):], a.Port)
	return out
}

// ErrNotAnnouncement is returned by DecodeAnnouncement for transmits
// that do not carry this module's magic or are truncated.
var ErrNotAnnouncement = errors.New("transport: not a mesh announcement")

// DecodeAnnouncement parses a captured transmit.
func DecodeAnnouncement(transmit []byte) (Announcement, error) {
	if !bytes.HasPrefix(transmit, announceMagic) || len(transmit) < len(announceMagic)+2 {
		return Announcement{}, ErrNotAnnouncement
	}
	return Announcement{Port: binary.LittleEndian.Uint16(transmit[len(announceMagic):])}, nil
}

// AnnouncementFilter is the subscribe filter matching announcements
// emitted by EncodeAnnouncement.
func AnnouncementFilter() []byte {
	return append([]byte(nil), announceMagic...)
}

// NewBeacon creates an idle beacon. Configure it with the Set methods,
// then start it with Publish and/or Subscribe.
func NewBeacon() *Beacon {
	return &Beacon{
		signals:  make(chan *Signal, 50),
		interval: defaultBeaconInterval,
	}
}

// SetPort sets the UDP port announcements travel on.
func (b *Beacon) SetPort(port int) *Beacon {
	b.port = port
	return b
}

// SetInterval sets the broadcast interval.
func (b *Beacon) SetInterval(interval time.Duration) *Beacon {
	b.interval = interval
	return b
}

// SetInterface sets the interface to bind and listen on. Defaults to
// the BEACON_INTERFACE environment variable, then the first interface
// that can join the multicast group.
func (b *Beacon) SetInterface(iface string) *Beacon {
	b.iface = iface
	return b
}

// NoEcho filters out any captured announcement identical to our own.
func (b *Beacon) NoEcho() *Beacon {
	b.noecho = true
	return b
}

// Addr returns our own IP address as a printable string, known once the
// beacon has started.
func (b *Beacon) Addr() string {
	return b.addr
}

// Signals returns the channel captured announcements arrive on.
func (b *Beacon) Signals() <-chan *Signal {
	return b.signals
}

// Publish starts broadcasting transmit at the configured interval.
func (b *Beacon) Publish(transmit []byte) error {
	b.Lock()
	defer b.Unlock()
	b.transmit = transmit

	if b.ipv4Conn == nil && b.ipv6Conn == nil {
		return b.start()
	}
	return nil
}

// Silence stops broadcasting without tearing the beacon down.
func (b *Beacon) Silence() *Beacon {
	b.Lock()
	defer b.Unlock()
	b.transmit = nil
	return b
}

// Subscribe starts capturing announcements from other nodes; a
// zero-sized filter captures everything.
func (b *Beacon) Subscribe(filter []byte) error {
	b.Lock()
	defer b.Unlock()
	b.filter = filter

	if b.ipv4Conn == nil && b.ipv6Conn == nil {
		return b.start()
	}
	return nil
}

// Close terminates the beacon and closes Signals.
func (b *Beacon) Close() {
	b.Lock()
	if b.terminated {
		b.Unlock()
		return
	}
	b.terminated = true
	close(b.signals)
	b.Unlock()

	// A nil datagram wakes the listen goroutine so it can observe
	// terminated and return.
	if b.ipv4Conn != nil {
		b.ipv4Conn.WriteTo(nil, nil, b.outAddr)
	} else if b.ipv6Conn != nil {
		b.ipv6Conn.WriteTo(nil, nil, b.outAddr)
	}

	b.wg.Wait()

	if b.ipv4Conn != nil {
		b.ipv4Conn.Close()
	}
	if b.ipv6Conn != nil {
		b.ipv6Conn.Close()
	}
}

func (b *Beacon) start() error {
	if b.iface == "" {
		b.iface = os.Getenv("BEACON_INTERFACE")
	}

	var (
		ifs []net.Interface
		err error
	)
	if b.iface == "" {
		ifs, err = net.Interfaces()
		if err != nil {
			return err
		}
	} else {
		iface, err := net.InterfaceByName(b.iface)
		if err != nil {
			return err
		}
		ifs = append(ifs, *iface)
	}

	if conn, err := net.ListenPacket("udp4", net.JoinHostPort("224.0.0.0", strconv.Itoa(b.port))); err == nil {
		b.ipv4Conn = ipv4.NewPacketConn(conn)
		b.ipv4Conn.SetMulticastLoopback(true)
		b.ipv4Conn.SetControlMessage(ipv4.FlagSrc, true)
	} else {
		conn, err := net.ListenPacket("udp6", net.JoinHostPort(net.IPv6linklocalallnodes.String(), strconv.Itoa(b.port)))
		if err != nil {
			return err
		}
		b.ipv6Conn = ipv6.NewPacketConn(conn)
		b.ipv6Conn.SetMulticastLoopback(true)
		b.ipv6Conn.SetControlMessage(ipv6.FlagSrc, true)
	}

	for _, iface := range ifs {
		if err := b.joinGroup(iface); err != nil {
			continue
		}
		break
	}

	if b.outAddr == nil {
		return errors.New("transport: no interface to bind beacon to")
	}

	go b.listen()
	go b.signal()

	return nil
}

func (b *Beacon) joinGroup(iface net.Interface) error {
	addrs, err := iface.Addrs()
	if err != nil {
		return err
	}
	if len(addrs) == 0 {
		return errors.New("transport: interface has no address")
	}
	ip, _, err := net.ParseCIDR(addrs[0].String())
	if err != nil {
		return err
	}

	if b.ipv4Conn != nil {
		b.inAddr = &net.UDPAddr{IP: net.ParseIP(ipv4Group)}
		if err := b.ipv4Conn.JoinGroup(&iface, b.inAddr); err != nil {
			return err
		}
		b.addr = ip.String()
		if iface.Flags&net.FlagLoopback != 0 {
			b.outAddr = &net.UDPAddr{IP: net.IPv4allsys, Port: b.port}
		} else {
			b.outAddr = &net.UDPAddr{IP: net.ParseIP(ipv4Group), Port: b.port}
		}
		return nil
	}

	b.inAddr = &net.UDPAddr{IP: net.ParseIP(ipv6Group)}
	if err := b.ipv6Conn.JoinGroup(&iface, b.inAddr); err != nil {
		return err
	}
	b.addr = ip.String()
	if iface.Flags&net.FlagLoopback != 0 {
		b.outAddr = &net.UDPAddr{IP: net.IPv6interfacelocalallnodes, Port: b.port}
	} else {
		b.outAddr = &net.UDPAddr{IP: net.ParseIP(ipv6Group), Port: b.port}
	}
	return nil
}

func (b *Beacon) listen() {
	b.wg.Add(1)
	defer b.wg.Done()

	var (
		n    int
		src  net.IP
		err  error
		buff = make([]byte, beaconMax)
	)

	for {
		b.Lock()
		if b.terminated {
			b.Unlock()
			return
		}
		b.Unlock()

		if b.ipv4Conn != nil {
			var cm *ipv4.ControlMessage
			n, cm, _, err = b.ipv4Conn.ReadFrom(buff)
			if err != nil || n == 0 || cm == nil {
				continue
			}
			src = cm.Src
		} else {
			var cm *ipv6.ControlMessage
			n, cm, _, err = b.ipv6Conn.ReadFrom(buff)
			if err != nil || n == 0 || cm == nil {
				continue
			}
			src = cm.Src
		}

		b.Lock()
		keep := bytes.HasPrefix(buff[:n], b.filter)
		if keep && b.noecho {
			keep = !bytes.Equal(buff[:n], b.transmit)
		}
		terminated := b.terminated
		b.Unlock()

		if keep && !terminated {
			transmit := append([]byte(nil), buff[:n]...)
			select {
			case b.signals <- &Signal{Addr: src.String(), Transmit: transmit}:
			default:
			}
		}
	}
}

func (b *Beacon) signal() {
	b.wg.Add(1)
	defer b.wg.Done()

	for {
		b.Lock()
		interval := b.interval
		if interval == 0 {
			interval = defaultBeaconInterval
		}
		b.Unlock()

		time.Sleep(interval)

		b.Lock()
		if b.terminated {
			b.Unlock()
			return
		}
		if b.transmit != nil {
			if b.ipv4Conn != nil {
				b.ipv4Conn.WriteTo(b.transmit, nil, b.outAddr)
			} else {
				b.ipv6Conn.WriteTo(b.transmit, nil, b.outAddr)
			}
		}
		b.Unlock()
	}
}
