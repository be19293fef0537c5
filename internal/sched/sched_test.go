package sched

import (
	"errors"
	"testing"

	"github.com/iansmith/mazarin-core/internal/hal/simhal"
	"github.com/iansmith/mazarin-core/internal/kernelerr"
)

func TestAtMostOneRunningThread(t *testing.T) {
	s := New(8, simhal.New(), 4)
	a, _ := s.Create(1, 2, 0x1000, 0x2000)
	b, _ := s.Create(1, 2, 0x1100, 0x2100)

	if _, err := s.Yield(); err != nil {
		t.Fatalf("Yield: %v", err)
	}
	running := s.Running()
	if running != a && running != b {
		t.Fatalf("Running() = %d, want a(%d) or b(%d)", running, a, b)
	}

	countRunning := 0
	for _, id := range []uint32{a, b} {
		st, err := s.State(id)
		if err != nil {
			t.Fatalf("State(%d): %v", id, err)
		}
		if st == ThreadRunning {
			countRunning++
		}
	}
	if countRunning != 1 {
		t.Fatalf("countRunning = %d, want 1 (P4)", countRunning)
	}
}

func TestRoundRobinWithinPriority(t *testing.T) {
	s := New(8, simhal.New(), 1)
	a, _ := s.Create(1, 2, 0x1000, 0x2000)
	b, _ := s.Create(1, 2, 0x1100, 0x2100)

	first, _ := s.Yield()
	if first != a {
		t.Fatalf("first scheduled = %d, want %d", first, a)
	}
	switched, next, err := s.Tick()
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !switched || next != b {
		t.Fatalf("Tick after slice exhausted: switched=%v next=%d, want switched=true next=%d", switched, next, b)
	}
}

func TestHigherPriorityPreemptsOnWake(t *testing.T) {
	s := New(8, simhal.New(), 100)
	low, _ := s.Create(1, 1, 0x1000, 0x2000)
	high, _ := s.Create(1, 3, 0x1100, 0x2100)

	// Block high first so that Yield, which always picks the highest ready
	// priority, dispatches low.
	if err := s.Block(high); err != nil {
		t.Fatalf("Block: %v", err)
	}
	if _, err := s.Yield(); err != nil {
		t.Fatalf("Yield: %v", err)
	}
	if s.Running() != low {
		t.Fatalf("Running() = %d, want low(%d)", s.Running(), low)
	}

	preempted, err := s.Wake(high)
	if err != nil {
		t.Fatalf("Wake: %v", err)
	}
	if preempted != high {
		t.Fatalf("Wake did not preempt: preempted=%d, want %d", preempted, high)
	}
	if s.Running() != high {
		t.Fatalf("Running() after preemption = %d, want %d", s.Running(), high)
	}
	st, _ := s.State(low)
	if st != ThreadReady {
		t.Fatalf("low thread state = %v, want READY", st)
	}
}

func TestBlockUnknownThreadIsNotFound(t *testing.T) {
	s := New(4, simhal.New(), 4)
	if err := s.Block(99); !errors.Is(err, kernelerr.ErrNotFound) {
		t.Fatalf("Block(unknown) = %v, want ErrNotFound", err)
	}
}

func TestCheckTimeoutsWakesDueThreads(t *testing.T) {
	s := New(4, simhal.New(), 4)
	id, _ := s.Create(1, 0, 0x1000, 0x2000)
	if err := s.BlockWithTimeout(id, 5); err != nil {
		t.Fatalf("BlockWithTimeout: %v", err)
	}
	woken := s.CheckTimeouts(4)
	if len(woken) != 0 {
		t.Fatalf("CheckTimeouts(4) woke %v, want none yet", woken)
	}
	woken = s.CheckTimeouts(5)
	if len(woken) != 1 || woken[0] != id {
		t.Fatalf("CheckTimeouts(5) = %v, want [%d]", woken, id)
	}
	st, _ := s.State(id)
	if st != ThreadReady {
		t.Fatalf("state after timeout wake = %v, want READY", st)
	}
}
