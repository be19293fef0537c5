// Package simhal is an in-memory HAL implementation used by every other
// package's tests (and by cmd/kernel for a hosted demo run). It has no
// access to real privileged instructions; it simulates the handful of
// effects the core actually depends on — a monotonic clock, an interrupt
// mask, a current page-table root, and per-thread register blobs — the
// same role a fake transport or fake clock plays in the teacher's own test
// doubles.
package simhal

import (
	"fmt"
	"sync"

	"github.com/iansmith/mazarin-core/internal/hal"
)

// Context is simhal's concrete register-blob type. Real hardware would
// save actual registers; simhal only needs enough state to prove a
// save/restore/switch round-trips correctly in tests.
type Context struct {
	Entry uintptr
	SP    uintptr
	// Scratch lets tests stash arbitrary marker values through a
	// save/restore cycle to prove identity is preserved.
	Scratch uint64
}

// HAL is the simulated hardware. Zero value is ready to use.
type HAL struct {
	mu sync.Mutex

	clock     uint64
	masked    bool
	maskDepth uint64
	pageRoot  uintptr
	live      Context
	halted    bool
	haltMsg   string

	invalidations []uintptr
	invalidateAll int
}

var _ hal.HAL = (*HAL)(nil)

func New() *HAL {
	return &HAL{}
}

func (h *HAL) Halt(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.halted = true
	h.haltMsg = reason
}

// Halted reports whether Halt was ever called, and with what reason — used
// by tests asserting a panic path actually stopped the simulated CPU.
func (h *HAL) Halted() (bool, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.halted, h.haltMsg
}

func (h *HAL) Idle() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clock++
}

func (h *HAL) Timestamp() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clock++
	return h.clock
}

func (h *HAL) MemoryBarrier(hal.Barrier) {}

func (h *HAL) DisableInterrupts() hal.InterruptState {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.maskDepth
	h.masked = true
	h.maskDepth++
	return hal.InterruptState(prev)
}

func (h *HAL) EnableInterrupts() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.masked = false
	h.maskDepth = 0
}

func (h *HAL) RestoreInterrupts(state hal.InterruptState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.maskDepth = uint64(state)
	h.masked = h.maskDepth > 0
}

// Masked reports whether interrupts are currently masked, used by tests
// asserting a critical section actually masked the CPU.
func (h *HAL) Masked() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.masked
}

func (h *HAL) CurrentPrivilegeLevel() hal.PrivilegeLevel {
	return hal.PrivilegeCore
}

func (h *HAL) ContextInit(entry, stackPointer uintptr) hal.Context {
	return Context{Entry: entry, SP: stackPointer}
}

func (h *HAL) ContextSave() hal.Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.live
}

func (h *HAL) ContextRestore(c hal.Context) {
	sc, ok := c.(Context)
	if !ok {
		panic(fmt.Sprintf("simhal: ContextRestore given foreign context type %T", c))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.live = sc
}

func (h *HAL) SetPageRoot(rootPhysAddr uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pageRoot = rootPhysAddr
}

// PageRoot returns the currently installed page-table root, used by tests
// asserting a domain switch actually installed the callee's address space.
func (h *HAL) PageRoot() uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pageRoot
}

func (h *HAL) InvalidatePage(virt uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.invalidations = append(h.invalidations, virt)
}

func (h *HAL) InvalidateAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.invalidateAll++
}

// Invalidations returns every virtual address InvalidatePage was called
// with, in order, for tests asserting the TLB-invalidation discipline in
// spec §4.2.
func (h *HAL) Invalidations() []uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]uintptr, len(h.invalidations))
	copy(out, h.invalidations)
	return out
}

// InvalidateAllCount returns how many times InvalidateAll was called.
func (h *HAL) InvalidateAllCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.invalidateAll
}
