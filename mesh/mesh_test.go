package mesh_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshnet-go/meshnet/mesh"
	"github.com/meshnet-go/meshnet/reactor"
	"github.com/meshnet-go/meshnet/transport"
)

// node bundles a reactor and mesh over one MemHost, with short timers so
// scenario tests converge quickly and deterministically.
type node struct {
	reactor *reactor.Reactor
	mesh    *mesh.Mesh
}

func newNode(t *testing.T, net *transport.MemNetwork, addr string, port int, opts ...mesh.Option) *node {
	t.Helper()

	host := net.NewHost(addr)
	r := reactor.New(host, reactor.WithLoopTimeout(10*time.Millisecond))

	defaultOpts := []mesh.Option{
		mesh.WithAdvertiseInterval(40 * time.Millisecond),
		mesh.WithPeerTimeout(150 * time.Millisecond),
		mesh.WithConnectTimeout(200 * time.Millisecond),
		mesh.WithGetNextPeerIDTimeout(200 * time.Millisecond),
	}
	m := mesh.New(r, append(defaultOpts, opts...)...)

	// Every node listens, even the ones that go on to join: a node must
	// be dialable for other members to connect to it when it gets
	// advertised. The display name doubles as the MemHost address so
	// tests can map assigned ids back to nodes.
	_, err := m.Start(port, addr)
	require.NoError(t, err)

	go r.Run()
	t.Cleanup(r.Stop)

	return &node{reactor: r, mesh: m}
}

func joinSync(t *testing.T, n *node, addr string, port int) {
	t.Helper()

	done := make(chan error, 1)
	n.mesh.Join(addr, port, time.Second, func(err error) {
		done <- err
	})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("join never completed")
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestSingleJoin(t *testing.T) {
	net := transport.NewMemNetwork()
	a := newNode(t, net, "a", 7001)
	b := newNode(t, net, "b", 7002)

	var changedCount atomic.Int32
	a.mesh.OnPeerListChanged(func() { changedCount.Add(1) })

	joinSync(t, b, "a", 7001)

	waitFor(t, time.Second, func() bool { return changedCount.Load() == 1 })

	peers := a.mesh.Peers()
	require.Len(t, peers, 1)
	assert.EqualValues(t, 1, peers[0].PeerID)
	assert.EqualValues(t, 1, b.mesh.LocalPeerID())
}

func TestThreeWayConvergence(t *testing.T) {
	net := transport.NewMemNetwork()
	a := newNode(t, net, "a", 7001)
	b := newNode(t, net, "b", 7002)
	c := newNode(t, net, "c", 7003)

	joinSync(t, b, "a", 7001)
	joinSync(t, c, "a", 7001)

	waitFor(t, 3*time.Second, func() bool {
		return len(a.mesh.Peers()) == 2 && len(b.mesh.Peers()) == 2 && len(c.mesh.Peers()) == 2
	})

	ids := map[uint16]bool{}
	for _, rec := range a.mesh.Peers() {
		ids[rec.PeerID] = true
		assert.Greater(t, rec.RTTMs, time.Duration(0))
	}
	assert.Len(t, ids, 2)

	assert.NotEqual(t, b.mesh.LocalPeerID(), c.mesh.LocalPeerID())
}

func TestLivenessEviction(t *testing.T) {
	net := transport.NewMemNetwork()
	a := newNode(t, net, "a", 7001)
	b := newNode(t, net, "b", 7002)

	var changed atomic.Int32
	a.mesh.OnPeerListChanged(func() { changed.Add(1) })

	joinSync(t, b, "a", 7001)
	waitFor(t, time.Second, func() bool { return len(a.mesh.Peers()) == 1 })

	b.reactor.Stop()

	waitFor(t, 2*time.Second, func() bool { return len(a.mesh.Peers()) == 0 })
	assert.GreaterOrEqual(t, changed.Load(), int32(2)) // at least: join + eviction
}

func TestBroadcastAndCollect(t *testing.T) {
	net := transport.NewMemNetwork()
	a := newNode(t, net, "a", 7001)
	b := newNode(t, net, "b", 7002)
	c := newNode(t, net, "c", 7003)
	d := newNode(t, net, "d", 7004)

	joinSync(t, b, "a", 7001)
	joinSync(t, c, "a", 7001)
	joinSync(t, d, "a", 7001)

	bID := findPeerByName(t, a, "b")
	cID := findPeerByName(t, a, "c")
	dID := findPeerByName(t, a, "d")

	b.mesh.OnMessage(func(sender uint16, known bool, payload []byte, reply reactor.ReplyFunc) {
		reply([]byte("x"))
	})
	c.mesh.OnMessage(func(sender uint16, known bool, payload []byte, reply reactor.ReplyFunc) {
		reply([]byte("y"))
	})
	// d registers no handler: its request goes unanswered.

	result := make(chan map[uint16][]byte, 1)
	a.mesh.Broadcast([]byte{7, 0}, 300*time.Millisecond, func(responses map[uint16][]byte) {
		result <- responses
	})

	select {
	case got := <-result:
		require.Len(t, got, 3)
		assert.Equal(t, []byte("x"), got[bID])
		assert.Equal(t, []byte("y"), got[cID])
		assert.Empty(t, got[dID])
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast collect never completed")
	}
}

func TestPingProbe(t *testing.T) {
	net := transport.NewMemNetwork()
	a := newNode(t, net, "a", 7001)
	b := newNode(t, net, "b", 7002)

	joinSync(t, b, "a", 7001)
	aID := findPeerByName(t, b, "a")

	probed := make(chan bool, 1)
	require.NoError(t, b.mesh.Ping(aID, time.Second, func(alive bool, rtt time.Duration) {
		probed <- alive
	}))

	select {
	case alive := <-probed:
		assert.True(t, alive)
	case <-time.After(2 * time.Second):
		t.Fatal("ping callback never fired")
	}

	assert.ErrorIs(t, b.mesh.Ping(999, time.Second, func(bool, time.Duration) {}), mesh.ErrUnknownPeer)
}

// findPeerByName maps a display name back to the peer id n knows it by;
// newNode reuses each node's MemHost address as its display name, so
// tests can identify nodes without a separate side channel.
func findPeerByName(t *testing.T, n *node, name string) uint16 {
	t.Helper()
	var id uint16
	waitFor(t, time.Second, func() bool {
		for _, rec := range n.mesh.Peers() {
			if rec.DisplayName == name {
				id = rec.PeerID
				return true
			}
		}
		return false
	})
	return id
}
