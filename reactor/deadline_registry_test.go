package reactor

import (
	"testing"
	"time"
)

func TestDeadlineRegistrySweepRemovesOnlyExpired(t *testing.T) {
	r := NewDeadlineRegistry[uint16, string]()
	r.Set(1, "soon", 10*time.Millisecond)
	r.Set(2, "later", time.Hour)
	r.Set(3, "never", 0)

	expired := r.Sweep(time.Now().Add(time.Minute))
	if len(expired) != 1 || expired[0].Key != 1 || expired[0].Value != "soon" {
		t.Fatalf("expired = %+v, want just key 1", expired)
	}
	if r.Len() != 2 {
		t.Fatalf("len = %d, want 2", r.Len())
	}

	// A second sweep at the same instant must return nothing: destructive
	// iteration removes entries exactly once.
	if again := r.Sweep(time.Now().Add(time.Minute)); len(again) != 0 {
		t.Fatalf("second sweep returned %+v, want nothing", again)
	}
}

func TestDeadlineRegistryZeroTimeoutNeverExpires(t *testing.T) {
	r := NewDeadlineRegistry[uint16, string]()
	r.Set(7, "forever", 0)

	if expired := r.Sweep(time.Now().Add(24 * time.Hour)); len(expired) != 0 {
		t.Fatalf("zero-timeout entry expired: %+v", expired)
	}

	v, ok := r.Delete(7)
	if !ok || v != "forever" {
		t.Fatalf("Delete = %q, %v", v, ok)
	}
}

func TestDeadlineRegistryClearReturnsEverything(t *testing.T) {
	r := NewDeadlineRegistry[uint16, string]()
	r.Set(1, "a", 0)
	r.Set(2, "b", time.Hour)

	cleared := r.Clear()
	if len(cleared) != 2 {
		t.Fatalf("cleared %d entries, want 2", len(cleared))
	}
	if r.Len() != 0 {
		t.Fatalf("len = %d after Clear, want 0", r.Len())
	}
}
