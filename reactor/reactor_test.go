package reactor

import (
	"sync"
	"testing"
	"time"

	"github.com/meshnet-go/meshnet/transport"
)

func newLinkedReactors(t *testing.T) (rA, rB *Reactor, handleAtoB transport.PeerHandle) {
	t.Helper()

	net := transport.NewMemNetwork()
	hostA := net.NewHost("a")
	hostB := net.NewHost("b")

	rA = New(hostA, WithLoopTimeout(20*time.Millisecond))
	rB = New(hostB, WithLoopTimeout(20*time.Millisecond))

	if _, err := rB.Listen(7001); err != nil {
		t.Fatalf("listen: %v", err)
	}

	go rA.Run()
	go rB.Run()
	t.Cleanup(rA.Stop)
	t.Cleanup(rB.Stop)

	connected := make(chan transport.PeerHandle, 1)
	rA.Connect("b", 7001, time.Second, func(p transport.PeerHandle) {
		connected <- p
	})

	select {
	case h := <-connected:
		if h == transport.Nil {
			t.Fatal("connect callback fired with nil handle")
		}
		handleAtoB = h
	case <-time.After(2 * time.Second):
		t.Fatal("connect callback never fired")
	}

	return rA, rB, handleAtoB
}

func TestRequestReplyRoundTrip(t *testing.T) {
	rA, rB, handle := newLinkedReactors(t)

	rB.OnData(func(sender transport.PeerHandle, payload []byte, reply ReplyFunc) {
		reply(append([]byte("echo:"), payload...))
	})

	result := make(chan []byte, 1)
	rA.SendRequest(handle, []byte("ping"), time.Second, func(payload []byte) {
		result <- payload
	})

	select {
	case got := <-result:
		if string(got) != "echo:ping" {
			t.Fatalf("got %q, want %q", got, "echo:ping")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reply never arrived")
	}
}

func TestRequestTimeoutFiresWithEmptyPayload(t *testing.T) {
	rA, _, handle := newLinkedReactors(t)
	// rB registers no OnData handler: every request to it goes
	// unanswered.

	fired := make(chan []byte, 1)
	rA.SendRequest(handle, []byte("ping"), 100*time.Millisecond, func(payload []byte) {
		fired <- payload
	})

	select {
	case payload := <-fired:
		if len(payload) != 0 {
			t.Fatalf("payload = %v, want empty", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout callback never fired")
	}

	if n := rA.pendingCallbacks.Len(); n != 0 {
		t.Fatalf("pending callbacks = %d, want 0 (entry must be removed on expiry)", n)
	}
}

func TestReplyAfterExpiryGoesOnlyToDataHandlers(t *testing.T) {
	rA, rB, handle := newLinkedReactors(t)

	release := make(chan struct{})
	rB.OnData(func(sender transport.PeerHandle, payload []byte, reply ReplyFunc) {
		<-release
		reply([]byte("late"))
	})

	var mu sync.Mutex
	var observed []byte
	seenData := make(chan struct{}, 1)
	rA.OnData(func(sender transport.PeerHandle, payload []byte, reply ReplyFunc) {
		mu.Lock()
		observed = append([]byte(nil), payload...)
		mu.Unlock()
		select {
		case seenData <- struct{}{}:
		default:
		}
	})

	expired := make(chan []byte, 1)
	rA.SendRequest(handle, []byte("ping"), 50*time.Millisecond, func(payload []byte) {
		expired <- payload
	})

	select {
	case payload := <-expired:
		if len(payload) != 0 {
			t.Fatalf("expiry payload = %v, want empty", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expiry callback never fired")
	}

	// Now let B's late reply through. It must not re-invoke the
	// already-fired callback (there is nothing left to re-invoke: the
	// entry is gone) but must still reach on_data handlers.
	close(release)

	select {
	case <-seenData:
	case <-time.After(2 * time.Second):
		t.Fatal("late reply never reached on_data handler")
	}

	mu.Lock()
	got := string(observed)
	mu.Unlock()
	if got != "late" {
		t.Fatalf("observed = %q, want %q", got, "late")
	}
}

func TestSequenceNumbersSkipZero(t *testing.T) {
	r := New(nil)
	r.seqCounter = 0xFFFE // next AddUint32 -> 0xFFFF, the one after wraps to 0 and must skip

	first := r.nextSeq()
	if first != 0xFFFF {
		t.Fatalf("first = %d, want 0xFFFF", first)
	}
	second := r.nextSeq()
	if second == 0 {
		t.Fatal("sequence number wrapped to reserved zero value")
	}
}
