package transport

import (
	"bytes"
	"testing"
)

func TestAnnouncementRoundTrip(t *testing.T) {
	want := Announcement{Port: 7001}
	got, err := DecodeAnnouncement(EncodeAnnouncement(want))
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestAnnouncementFilterMatchesEncoded(t *testing.T) {
	encoded := EncodeAnnouncement(Announcement{Port: 9})
	if !bytes.HasPrefix(encoded, AnnouncementFilter()) {
		t.Fatal("encoded announcement does not carry the subscribe filter prefix")
	}
}

func TestDecodeAnnouncementRejectsForeignTraffic(t *testing.T) {
	for _, transmit := range [][]byte{
		nil,
		[]byte("GARBAGE"),
		AnnouncementFilter(), // magic alone, port truncated
	} {
		if _, err := DecodeAnnouncement(transmit); err == nil {
			t.Fatalf("DecodeAnnouncement(%q) accepted foreign traffic", transmit)
		}
	}
}
