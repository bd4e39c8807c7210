package main

import (
	"errors"
	"testing"
	"time"
)

func TestPhaseTimer(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	pt := newPhaseTimer()
	pt.now = func() time.Time { return clock }

	pt.start("open")
	clock = clock.Add(20 * time.Millisecond)
	pt.stop(nil)

	pt.start("distribute")
	clock = clock.Add(300 * time.Millisecond)
	pt.stop(errors.New("boom"))

	// stop without a running phase is ignored
	pt.stop(nil)

	if len(pt.phases) != 2 {
		t.Fatalf("expected 2 phases, got %d", len(pt.phases))
	}
	if pt.phases[0].failed || !pt.phases[1].failed {
		t.Fatalf("unexpected failure flags %+v", pt.phases)
	}
	if got := pt.total(); got != 320*time.Millisecond {
		t.Fatalf("expected 320ms total, got %s", got)
	}
}
