package domain

import (
	"errors"
	"testing"

	"github.com/iansmith/mazarin-core/internal/capability"
	"github.com/iansmith/mazarin-core/internal/hal/simhal"
	"github.com/iansmith/mazarin-core/internal/kernelerr"
	"github.com/iansmith/mazarin-core/internal/paging"
	"github.com/iansmith/mazarin-core/internal/pmm"
)

func newTestTable(t *testing.T) *Table {
	t.Helper()
	frames := pmm.New()
	if err := frames.AddRegion(0x100000, 4096); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	pager := paging.New(frames, simhal.New())
	caps := capability.New(64)
	return New(16, caps, pager)
}

func TestCreateStartsInInitState(t *testing.T) {
	tbl := newTestTable(t)
	id, err := tbl.Create(0, Quota{MaxThreads: 4})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	info, err := tbl.GetInfo(id)
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if info.State != StateInit {
		t.Fatalf("State = %v, want INIT", info.State)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	tbl := newTestTable(t)
	id, _ := tbl.Create(0, Quota{})

	if err := tbl.Activate(id); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := tbl.Suspend(id); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if err := tbl.Resume(id); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	info, _ := tbl.GetInfo(id)
	if info.State != StateRunning {
		t.Fatalf("State = %v, want RUNNING", info.State)
	}

	// Suspend requires RUNNING, not INIT/SUSPENDED.
	id2, _ := tbl.Create(0, Quota{})
	if err := tbl.Suspend(id2); !errors.Is(err, kernelerr.ErrInvalid) {
		t.Fatalf("Suspend(INIT) = %v, want ErrInvalid", err)
	}
}

func TestDestroyThenDestroyAgainFails(t *testing.T) {
	tbl := newTestTable(t)
	id, _ := tbl.Create(0, Quota{})
	if err := tbl.Destroy(id); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	info, err := tbl.GetInfo(id)
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if info.State != StateTerminated {
		t.Fatalf("State = %v, want TERMINATED", info.State)
	}
	if err := tbl.Destroy(id); !errors.Is(err, kernelerr.ErrInvalid) {
		t.Fatalf("second Destroy = %v, want ErrInvalid", err)
	}
}

func TestDestroyFailsWithBusyWhenThreadsOutstanding(t *testing.T) {
	tbl := newTestTable(t)
	id, _ := tbl.Create(0, Quota{MaxThreads: 2})
	if err := tbl.Charge(id, ResourceThreads, 1); err != nil {
		t.Fatalf("Charge: %v", err)
	}

	if err := tbl.Destroy(id); !errors.Is(err, kernelerr.ErrBusy) {
		t.Fatalf("Destroy with outstanding thread = %v, want ErrBusy", err)
	}

	info, err := tbl.GetInfo(id)
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if info.State == StateTerminated {
		t.Fatalf("Destroy rejected by ErrBusy must not terminate the domain")
	}

	if err := tbl.Charge(id, ResourceThreads, -1); err != nil {
		t.Fatalf("Charge release: %v", err)
	}
	if err := tbl.Destroy(id); err != nil {
		t.Fatalf("Destroy after releasing threads: %v", err)
	}
}

func TestDestroyFailsWithBusyWhenCapabilitiesOutstanding(t *testing.T) {
	tbl := newTestTable(t)
	id, _ := tbl.Create(0, Quota{MaxCapabilities: 2})
	if err := tbl.Charge(id, ResourceCapabilities, 1); err != nil {
		t.Fatalf("Charge: %v", err)
	}

	if err := tbl.Destroy(id); !errors.Is(err, kernelerr.ErrBusy) {
		t.Fatalf("Destroy with outstanding capability = %v, want ErrBusy", err)
	}
}

func TestChargeEnforcesQuotaInvariant(t *testing.T) {
	tbl := newTestTable(t)
	id, _ := tbl.Create(0, Quota{MaxThreads: 2})

	if err := tbl.Charge(id, ResourceThreads, 1); err != nil {
		t.Fatalf("Charge 1: %v", err)
	}
	if err := tbl.Charge(id, ResourceThreads, 1); err != nil {
		t.Fatalf("Charge 2: %v", err)
	}
	if err := tbl.Charge(id, ResourceThreads, 1); !errors.Is(err, kernelerr.ErrQuota) {
		t.Fatalf("Charge 3 = %v, want ErrQuota", err)
	}

	info, err := tbl.GetInfo(id)
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if info.Usage.Threads != 2 {
		t.Fatalf("Usage.Threads = %d, want 2 (rejected charge must not apply)", info.Usage.Threads)
	}
	if info.Usage.Threads > info.Quota.MaxThreads {
		t.Fatalf("P3 violated: Usage.Threads(%d) > Quota.MaxThreads(%d)", info.Usage.Threads, info.Quota.MaxThreads)
	}
}

func TestChargeCanReleaseBelowQuota(t *testing.T) {
	tbl := newTestTable(t)
	id, _ := tbl.Create(0, Quota{MaxThreads: 1})

	if err := tbl.Charge(id, ResourceThreads, 1); err != nil {
		t.Fatalf("Charge +1: %v", err)
	}
	if err := tbl.Charge(id, ResourceThreads, -1); err != nil {
		t.Fatalf("Charge -1: %v", err)
	}
	if err := tbl.Charge(id, ResourceThreads, 1); err != nil {
		t.Fatalf("Charge +1 again: %v", err)
	}
}

func TestDestroyForgetsCapabilityKey(t *testing.T) {
	frames := pmm.New()
	if err := frames.AddRegion(0x100000, 4096); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	pager := paging.New(frames, simhal.New())
	caps := capability.New(64)
	tbl := New(16, caps, pager)

	id, err := tbl.Create(0, Quota{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	h, err := caps.CreateMemory(id, 0, 0x1000, capability.Rights{Read: true})
	if err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}
	if err := tbl.Destroy(id); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := caps.CheckAccess(h, id, capability.Rights{Read: true}); err == nil {
		t.Fatalf("CheckAccess after Destroy succeeded, want failure")
	}
}
