package wire

import "testing"

func TestHelloRoundTrip(t *testing.T) {
	want := Hello{DisplayName: "b", Addr: "10.0.0.2", Port: 7002}
	tag, body, err := Split(want.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if tag != TagHello {
		t.Fatalf("tag = %d, want TagHello", tag)
	}
	got, err := DecodeHello(body)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestHelloRoundTripEmptyName(t *testing.T) {
	want := Hello{}
	_, body, err := Split(want.Encode())
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeHello(body)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestWelcomeRoundTrip(t *testing.T) {
	want := Welcome{AssignedPeerID: 42, BootstrapPeerID: 7}
	tag, body, err := Split(want.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if tag != TagWelcome {
		t.Fatalf("tag = %d, want TagWelcome", tag)
	}
	got, err := DecodeWelcome(body)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestNextPeerIDReplyRoundTrip(t *testing.T) {
	want := NextPeerIDReply{NextPeerID: 7}
	tag, body, err := Split(want.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if tag != TagNone {
		t.Fatalf("tag = %d, want TagNone", tag)
	}
	got, err := DecodeNextPeerIDReply(body)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestPeerRoundTrip(t *testing.T) {
	want := Peer{PeerID: 3, RTTMs: 128, Addr: "192.168.1.5", Port: 7001}
	tag, body, err := Split(want.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if tag != TagPeer {
		t.Fatalf("tag = %d, want TagPeer", tag)
	}
	got, err := DecodePeer(body)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestGetNextPeerIDHasNoBody(t *testing.T) {
	tag, body, err := Split(GetNextPeerID{}.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if tag != TagGetNextPeerID {
		t.Fatalf("tag = %d, want TagGetNextPeerID", tag)
	}
	if len(body) != 0 {
		t.Fatalf("body = %v, want empty", body)
	}
}

func TestSplitShortMessage(t *testing.T) {
	if _, _, err := Split([]byte{0x01}); err != ErrShortMessage {
		t.Fatalf("err = %v, want ErrShortMessage", err)
	}
}

func TestDecodePeerTruncated(t *testing.T) {
	if _, err := DecodePeer([]byte{1, 0}); err != ErrShortBody {
		t.Fatalf("err = %v, want ErrShortBody", err)
	}
}
