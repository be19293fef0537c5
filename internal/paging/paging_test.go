package paging

import (
	"testing"

	"github.com/iansmith/mazarin-core/internal/hal/simhal"
	"github.com/iansmith/mazarin-core/internal/pmm"
)

func newTestManager(t *testing.T) (*Manager, *simhal.HAL) {
	t.Helper()
	frames := pmm.New()
	if err := frames.AddRegion(0x100000, 4096); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	hw := simhal.New()
	return New(frames, hw), hw
}

func TestMapTranslateRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	as, err := m.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const va = uintptr(0x40000000)
	const pa = uintptr(0x900000)
	perm := Perm{Read: true, Write: true}

	if err := m.Map(as, va, pa, perm); err != nil {
		t.Fatalf("Map: %v", err)
	}
	gotPA, gotPerm, ok := m.Translate(as, va)
	if !ok {
		t.Fatalf("Translate: not found")
	}
	if gotPA != pa || gotPerm != perm {
		t.Fatalf("Translate = (%#x, %+v), want (%#x, %+v)", gotPA, gotPerm, pa, perm)
	}
}

func TestUnmapMakesTranslateReturnNone(t *testing.T) {
	m, _ := newTestManager(t)
	as, _ := m.Create()
	const va = uintptr(0x40001000)

	if err := m.Map(as, va, 0x901000, Perm{Read: true}); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := m.Unmap(as, va); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if _, _, ok := m.Translate(as, va); ok {
		t.Fatalf("Translate after Unmap: found, want not found (P8)")
	}
}

func TestUnmapInvalidatesWhenActive(t *testing.T) {
	m, hw := newTestManager(t)
	as, _ := m.Create()
	const va = uintptr(0x40002000)

	if err := m.Map(as, va, 0x902000, Perm{Read: true}); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := m.SwitchTo(as); err != nil {
		t.Fatalf("SwitchTo: %v", err)
	}
	if err := m.Unmap(as, va); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	inv := hw.Invalidations()
	if len(inv) != 1 || inv[0] != va {
		t.Fatalf("Invalidations = %v, want [%#x]", inv, va)
	}
}

func TestSetPermNarrowingInvalidatesWideningDoesNot(t *testing.T) {
	m, hw := newTestManager(t)
	as, _ := m.Create()
	const va = uintptr(0x40003000)

	if err := m.Map(as, va, 0x903000, Perm{Read: true, Write: true}); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := m.SwitchTo(as); err != nil {
		t.Fatalf("SwitchTo: %v", err)
	}

	if err := m.SetPerm(as, va, Perm{Read: true, Write: true, Execute: true}); err != nil {
		t.Fatalf("SetPerm widen: %v", err)
	}
	if len(hw.Invalidations()) != 0 {
		t.Fatalf("widening triggered an invalidation, want none")
	}

	if err := m.SetPerm(as, va, Perm{Read: true}); err != nil {
		t.Fatalf("SetPerm narrow: %v", err)
	}
	if len(hw.Invalidations()) != 1 {
		t.Fatalf("narrowing did not trigger an invalidation")
	}
}

func TestMapOverwritesExistingMappingWithoutError(t *testing.T) {
	m, hw := newTestManager(t)
	as, _ := m.Create()
	const va = uintptr(0x40004000)

	if err := m.Map(as, va, 0x904000, Perm{Read: true, Write: true}); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := m.SwitchTo(as); err != nil {
		t.Fatalf("SwitchTo: %v", err)
	}

	// Remapping the same va to a different frame, with narrower
	// permissions, must succeed silently (no ERR_OVERLAP) and invalidate
	// the stale translation since this is a narrowing overwrite.
	if err := m.Map(as, va, 0x905000, Perm{Read: true}); err != nil {
		t.Fatalf("Map over existing mapping: %v, want no error per spec's overwrite contract", err)
	}
	gotPA, gotPerm, ok := m.Translate(as, va)
	if !ok || gotPA != 0x905000 || gotPerm != (Perm{Read: true}) {
		t.Fatalf("Translate after overwrite = (%#x, %+v, %v), want (0x905000, {Read:true}, true)", gotPA, gotPerm, ok)
	}
	if len(hw.Invalidations()) != 1 || hw.Invalidations()[0] != va {
		t.Fatalf("Invalidations = %v, want a single invalidation of %#x for the narrowing overwrite", hw.Invalidations(), va)
	}
}

func TestMapWideningOverwriteDoesNotInvalidate(t *testing.T) {
	m, hw := newTestManager(t)
	as, _ := m.Create()
	const va = uintptr(0x40005000)

	if err := m.Map(as, va, 0x906000, Perm{Read: true}); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := m.SwitchTo(as); err != nil {
		t.Fatalf("SwitchTo: %v", err)
	}
	if err := m.Map(as, va, 0x906000, Perm{Read: true, Write: true}); err != nil {
		t.Fatalf("Map over existing mapping (widen): %v", err)
	}
	if len(hw.Invalidations()) != 0 {
		t.Fatalf("widening overwrite triggered an invalidation, want none")
	}
}

func TestPackPermRoundTrip(t *testing.T) {
	perm := Perm{Read: true, Write: true}
	packed, err := PackPerm(perm)
	if err != nil {
		t.Fatalf("PackPerm: %v", err)
	}
	if got := UnpackPerm(packed); got != perm {
		t.Fatalf("UnpackPerm(PackPerm(%+v)) = %+v, want unchanged", perm, got)
	}
	if got := UnpackPerm(0); got != (Perm{}) {
		t.Fatalf("UnpackPerm(0) = %+v, want zero Perm", got)
	}
}

func TestSwitchToInstallsPageRoot(t *testing.T) {
	m, hw := newTestManager(t)
	as, _ := m.Create()
	if err := m.SwitchTo(as); err != nil {
		t.Fatalf("SwitchTo: %v", err)
	}
	if hw.PageRoot() != uintptr(as) {
		t.Fatalf("PageRoot() = %#x, want %#x", hw.PageRoot(), uintptr(as))
	}
}

func TestDestroyFreesAllFrames(t *testing.T) {
	m, _ := newTestManager(t)
	as, _ := m.Create()

	// Map across several 2MB/1GB boundaries to force multiple intermediate
	// tables to be allocated, then verify Destroy reclaims every frame.
	addrs := []uintptr{0x40000000, 0x80000000, 0xC0000000, 0x100000000}
	for i, va := range addrs {
		if err := m.Map(as, va, uintptr(0x900000+i*0x1000), Perm{Read: true}); err != nil {
			t.Fatalf("Map(%#x): %v", va, err)
		}
	}

	before := m.frames.Stats()
	if err := m.Destroy(as); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	after := m.frames.Stats()
	if after.FreeFrames <= before.FreeFrames {
		t.Fatalf("FreeFrames after Destroy = %d, want > %d", after.FreeFrames, before.FreeFrames)
	}
	if after.UsedFrames != 0 {
		t.Fatalf("UsedFrames after Destroy = %d, want 0", after.UsedFrames)
	}
}
