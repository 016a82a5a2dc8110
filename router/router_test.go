package router

import (
	"testing"
	"time"
)

func TestNextHopIsAlwaysDirect(t *testing.T) {
	r := NewPingWeighted()
	r.AddRoute(1, 3, 80*time.Millisecond)
	r.AddRoute(1, 2, 5*time.Millisecond)
	r.AddRoute(2, 3, 5*time.Millisecond)

	// Even with a cheaper two-hop path recorded, the stub sends direct.
	if hop := r.NextHop(1, 3); hop != 3 {
		t.Fatalf("NextHop(1, 3) = %d, want 3", hop)
	}
}

func TestAddRouteOverwritesWeight(t *testing.T) {
	r := NewPingWeighted()
	r.AddRoute(1, 2, 40*time.Millisecond)
	r.AddRoute(1, 2, 10*time.Millisecond)

	rtt, ok := r.RouteRTT(1, 2)
	if !ok || rtt != 10*time.Millisecond {
		t.Fatalf("RouteRTT(1, 2) = %v, %v; want 10ms, true", rtt, ok)
	}

	if _, ok := r.RouteRTT(2, 1); ok {
		t.Fatal("reverse route should not exist")
	}
}
