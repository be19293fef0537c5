// Package hal defines the abstract hardware contract the trusted core
// consumes (spec §6). The real hardware abstraction layer — privileged
// instructions, I/O ports, the timestamp counter, interrupt masking — is
// explicitly out of scope for the core (spec §1); every other package in
// this module talks to hardware only through this interface, never through
// raw addresses, linker symbols, or architecture-specific assembly the way
// the teacher kernel's mazboot/golang/main package does.
package hal

// InterruptState is the opaque "previous interrupt mask" token returned by
// DisableInterrupts and consumed by RestoreInterrupts, mirroring the
// disable/restore pairing real architectures use (e.g. ARM64's
// DAIF/PSTATE, x86's EFLAGS.IF) so nested masking composes correctly.
type InterruptState uint64

// Barrier selects the strength of a memory barrier instruction.
type Barrier int

const (
	BarrierFull Barrier = iota
	BarrierRead
	BarrierWrite
)

// PrivilegeLevel reports the CPU's current privilege ring, used by EXC to
// decide whether a fault originated in CORE or in a lesser-privileged
// domain.
type PrivilegeLevel int

const (
	PrivilegeCore PrivilegeLevel = iota
	PrivilegeService
	PrivilegeApplication
)

// Context is an opaque saved-register blob. The core never inspects its
// contents; only the HAL implementation that produced it (via ContextInit)
// knows its layout, matching spec §3's "saved context (opaque HAL blob)".
type Context interface{}

// HAL is the abstract hardware contract. Every method here corresponds to
// one bullet in spec §6's HAL contract list.
type HAL interface {
	// Halt stops the CPU permanently. Used only by the panic path (§4.6,
	// §7): a CORE-domain fault or an invariant violation is unrecoverable.
	Halt(reason string)

	// Idle parks the CPU until the next interrupt, used by the scheduler
	// when no thread is ready to run.
	Idle()

	// Timestamp returns a monotonically increasing hardware counter value,
	// used for audit-entry timestamps and scheduler accounting.
	Timestamp() uint64

	// MemoryBarrier issues the requested ordering barrier.
	MemoryBarrier(b Barrier)

	// DisableInterrupts masks interrupts and returns the previous mask
	// state, so the critical-section helper in internal/kernel can nest
	// correctly even though core code never voluntarily suspends (§5).
	DisableInterrupts() InterruptState

	// EnableInterrupts unconditionally unmasks interrupts.
	EnableInterrupts()

	// RestoreInterrupts restores a previously captured mask state.
	RestoreInterrupts(state InterruptState)

	// CurrentPrivilegeLevel reports which ring the CPU is executing at.
	CurrentPrivilegeLevel() PrivilegeLevel

	// ContextInit builds a fresh Context for a new thread with the given
	// entry point and stack pointer (spec §4.5 create()).
	ContextInit(entry, stackPointer uintptr) Context

	// ContextSave captures the live register state into a Context value
	// usable by ContextRestore later.
	ContextSave() Context

	// ContextRestore installs a previously saved Context, the second half
	// of a context switch (spec §4.5, §4.7).
	ContextRestore(c Context)

	// SetPageRoot installs a page-table root as the live translation table
	// (spec §4.2 switch_to) — the only HAL call that changes the active
	// address space.
	SetPageRoot(rootPhysAddr uintptr)

	// InvalidatePage invalidates cached translations for a single virtual
	// page (spec §4.2's TLB discipline).
	InvalidatePage(virt uintptr)

	// InvalidateAll invalidates every cached translation. No core package
	// calls it at present: paging.Manager.SetPerm invalidates per page.
	InvalidateAll()
}
