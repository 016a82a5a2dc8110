package reactor

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []struct {
		sendSeq, replySeq uint16
		payload           []byte
	}{
		{0, 0, nil},
		{0, 0, []byte("hello")},
		{1, 0, []byte("request")},
		{0, 1, []byte("reply")},
		{65535, 65535, []byte{0xff, 0x00, 0x10}},
		{42, 7, []byte{}},
	}

	for _, c := range cases {
		framed := frame(c.sendSeq, c.replySeq, c.payload)

		gotSend, gotReply, gotPayload, err := unframe(framed)
		if err != nil {
			t.Fatalf("unframe(%v): %v", framed, err)
		}
		if gotSend != c.sendSeq {
			t.Errorf("send_seq = %d, want %d", gotSend, c.sendSeq)
		}
		if gotReply != c.replySeq {
			t.Errorf("reply_seq = %d, want %d", gotReply, c.replySeq)
		}
		if !bytes.Equal(gotPayload, c.payload) && len(gotPayload) != 0 {
			t.Errorf("payload = %v, want %v", gotPayload, c.payload)
		}
	}
}

func TestUnframeShortFrame(t *testing.T) {
	_, _, _, err := unframe([]byte{0, 1})
	if err != ErrShortFrame {
		t.Fatalf("err = %v, want ErrShortFrame", err)
	}
}
