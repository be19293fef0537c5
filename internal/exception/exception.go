// Package exception implements the exception and syscall demultiplexer
// (spec §4.6, C8): the single entry point that classifies every trap into
// the CPU as a fault, an external interrupt, or a syscall, and either
// dispatches it, terminates the offending domain, or panics the core.
//
// Grounded directly on exceptions.go's handleException (switch on ARM64
// exception class) and syscall.go's switch on SVC immediate, both
// generalized from ESR_EL1/SVC-number specifics into the platform-neutral
// fault/syscall vocabulary spec §6 defines. The same-fault-loop guard is
// grounded on exceptions.go's sameVACounter, which halts after three
// repeats of the same faulting address; here it terminates the faulting
// domain after a configurable repeat threshold instead of halting outright,
// since a hosted core must not confuse "one domain keeps faulting" with
// "the whole machine is unrecoverable" (escalating to a core panic only
// when the fault itself originates at CORE privilege).
package exception

import (
	"fmt"

	"github.com/iansmith/mazarin-core/internal/audit"
	"github.com/iansmith/mazarin-core/internal/hal"
	"github.com/iansmith/mazarin-core/internal/kernelerr"
)

// FaultKind enumerates the CPU fault classes the core must distinguish
// (spec §4.6).
type FaultKind int

const (
	FaultPageFault FaultKind = iota
	FaultInvalidInstruction
	FaultAlignment
	FaultGeneralProtection
	FaultDivideByZero
)

func (k FaultKind) String() string {
	switch k {
	case FaultPageFault:
		return "PAGE_FAULT"
	case FaultInvalidInstruction:
		return "INVALID_INSTRUCTION"
	case FaultAlignment:
		return "ALIGNMENT"
	case FaultGeneralProtection:
		return "GENERAL_PROTECTION"
	case FaultDivideByZero:
		return "DIVIDE_BY_ZERO"
	default:
		return "UNKNOWN"
	}
}

// FaultEvent describes one CPU fault to be classified.
type FaultEvent struct {
	Domain    uint32
	Thread    uint32
	Address   uintptr
	Kind      FaultKind
	Privilege hal.PrivilegeLevel
}

// Outcome is the demux's decision for a fault (spec §4.6: dispatch,
// terminate the domain, or panic the core).
type Outcome int

const (
	OutcomeHandled Outcome = iota
	OutcomeTerminateDomain
	OutcomePanicCore
)

// SyscallNumber enumerates the syscall ABI surface spec §4.6/§4.7
// dispatches.
type SyscallNumber uint32

const (
	SyscallIPCCall SyscallNumber = iota + 1
	SyscallCapTransfer
	SyscallCapDerive
	SyscallCapRevoke
	SyscallDomainCreate
	SyscallDomainDestroy
	SyscallThreadCreate
	SyscallThreadYield
	SyscallShmemAlloc
	SyscallShmemMap
)

// SyscallArgs is the fixed-width argument vector every syscall receives,
// mirroring the audit log's fixed data-word layout.
type SyscallArgs [4]uint64

// SyscallHandlerFunc implements one syscall number's semantics and returns
// either a non-negative success value or a kernelerr.Status error, which
// Dispatch lowers to the ABI's negative error convention.
type SyscallHandlerFunc func(domain, thread uint32, args SyscallArgs) (int64, error)

// FaultHandlerFunc attempts to resolve a fault (e.g. demand-paging a page
// fault). It returns true if the fault was resolved and execution may
// resume.
type FaultHandlerFunc func(FaultEvent) bool

// CrashHandlerFunc is notified whenever HandleFault decides
// OutcomeTerminateDomain, so the caller can unwind any IPC call the
// terminated domain was a callee in (spec §4.7's crash path). Not every
// terminated domain was mid-call, so the handler must tolerate "nothing to
// unwind" quietly.
type CrashHandlerFunc func(FaultEvent)

// Demux is the single classification-and-dispatch entry point. A fresh
// instance has no registered syscalls or fault handler; Dispatch/HandleFault
// then classify only.
type Demux struct {
	hw    hal.HAL
	audit *audit.Log

	handlers    map[SyscallNumber]SyscallHandlerFunc
	faultHandler FaultHandlerFunc
	crashHandler CrashHandlerFunc

	stormThreshold uint32
	lastFaultAddr  uintptr
	lastFaultOK    bool
	repeatCount    uint32
}

// New builds a demux. stormThreshold is how many consecutive faults at the
// exact same address before the guard fires (spec's supplemented
// exception-storm feature); 0 disables the guard.
func New(hw hal.HAL, auditLog *audit.Log, stormThreshold uint32) *Demux {
	return &Demux{
		hw:             hw,
		audit:          auditLog,
		handlers:       make(map[SyscallNumber]SyscallHandlerFunc),
		stormThreshold: stormThreshold,
	}
}

// RegisterSyscall installs the handler for a syscall number, replacing any
// previous registration.
func (d *Demux) RegisterSyscall(num SyscallNumber, fn SyscallHandlerFunc) {
	d.handlers[num] = fn
}

// SetFaultHandler installs the function HandleFault delegates to when a
// fault is not part of a storm.
func (d *Demux) SetFaultHandler(fn FaultHandlerFunc) {
	d.faultHandler = fn
}

// SetCrashHandler installs the function HandleFault invokes every time it
// decides OutcomeTerminateDomain, regardless of which path led there
// (storm escalation or an unresolved fault). kernel.New wires this to
// ipc.Manager.Unwind.
func (d *Demux) SetCrashHandler(fn CrashHandlerFunc) {
	d.crashHandler = fn
}

// DispatchSyscall classifies and dispatches a syscall, returning the ABI
// return value (spec §7: syscall handlers translate core status to an ABI
// integer). An unregistered syscall number returns the ERR_INVALID code.
func (d *Demux) DispatchSyscall(domain, thread uint32, num SyscallNumber, args SyscallArgs) int64 {
	fn, ok := d.handlers[num]
	if !ok {
		return kernelerr.ABICode(fmt.Errorf("exception: %w: unregistered syscall %d", kernelerr.ErrInvalid, num))
	}
	result, err := fn(domain, thread, args)
	if err != nil {
		return kernelerr.ABICode(err)
	}
	return result
}

// HandleFault classifies a fault and decides its outcome. The exception-
// storm guard tracks consecutive faults at the identical address: once the
// threshold is exceeded, the decision escalates rather than re-entering
// the (evidently non-terminating) fault handler again. A fault that
// occurred at CORE privilege always escalates to OutcomePanicCore, since a
// CORE-domain fault is by definition unrecoverable (spec §4.6, §7).
func (d *Demux) HandleFault(ev FaultEvent) Outcome {
	if ev.Privilege == hal.PrivilegeCore {
		d.logFault(ev, -1)
		return OutcomePanicCore
	}

	if d.stormThreshold > 0 {
		if d.lastFaultOK && d.lastFaultAddr == ev.Address {
			d.repeatCount++
		} else {
			d.repeatCount = 1
			d.lastFaultAddr = ev.Address
			d.lastFaultOK = true
		}
		if d.repeatCount > d.stormThreshold {
			d.logFault(ev, -1)
			d.notifyCrash(ev)
			return OutcomeTerminateDomain
		}
	}

	if d.faultHandler != nil && d.faultHandler(ev) {
		d.logFault(ev, 0)
		return OutcomeHandled
	}

	d.logFault(ev, -1)
	d.notifyCrash(ev)
	return OutcomeTerminateDomain
}

func (d *Demux) notifyCrash(ev FaultEvent) {
	if d.crashHandler != nil {
		d.crashHandler(ev)
	}
}

func (d *Demux) logFault(ev FaultEvent, result int8) {
	if d.audit == nil {
		return
	}
	d.audit.Append(audit.EventFault, ev.Domain, 0, ev.Thread, [4]uint64{uint64(ev.Address), uint64(ev.Kind)}, result)
}
