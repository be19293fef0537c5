// Package kernel assembles every trusted-core subsystem into one root
// state value and provides the masked-critical-section discipline spec §5
// requires: "a single logical CPU at a time is executing core code;
// interrupt-masking is the sole mechanism protecting core data
// structures. No spinlocks, no mutexes, no RCU." The per-package mutexes
// inside pmm/paging/capability/domain/sched/audit exist only because this
// is a hosted build exercised by concurrent Go tests, not a freestanding
// single-CPU core; production callers are expected to invoke every
// mutating Kernel method from the single logical thread of control the
// spec describes, with Critical marking the boundary a real HAL would mask
// interrupts around.
//
// Grounded on the teacher's kernelMain (mazboot/golang/main), which wires
// the allocator, page tables, exception vectors, and scheduler into one
// boot sequence from a handful of package-level global variables. This
// package replaces that scattered-globals pattern with a single Kernel
// value the caller constructs and owns (spec §9's design note).
package kernel

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/iansmith/mazarin-core/internal/audit"
	"github.com/iansmith/mazarin-core/internal/bitfield"
	"github.com/iansmith/mazarin-core/internal/capability"
	"github.com/iansmith/mazarin-core/internal/config"
	"github.com/iansmith/mazarin-core/internal/domain"
	"github.com/iansmith/mazarin-core/internal/exception"
	"github.com/iansmith/mazarin-core/internal/hal"
	"github.com/iansmith/mazarin-core/internal/ipc"
	"github.com/iansmith/mazarin-core/internal/kernelerr"
	"github.com/iansmith/mazarin-core/internal/paging"
	"github.com/iansmith/mazarin-core/internal/pmm"
	"github.com/iansmith/mazarin-core/internal/sched"
)

// exceptionStormThreshold is how many consecutive identical-address
// faults the exception demux tolerates before escalating to
// OutcomeTerminateDomain (internal/exception's supplemented storm guard).
const exceptionStormThreshold = 3

// Kernel is the root state value: every subsystem named in spec §3, built
// from one Config and one HAL implementation.
type Kernel struct {
	HW     hal.HAL
	Config *config.Config
	Log    *logrus.Logger

	Frames  *pmm.Allocator
	Pager   *paging.Manager
	Caps    *capability.Table
	Domains *domain.Table
	Sched   *sched.Scheduler
	Demux   *exception.Demux
	IPC     *ipc.Manager
	Audit   *audit.Log
}

// New builds a fully wired Kernel from a validated Config and a HAL
// implementation (the real HAL in production, simhal in tests). If
// cfg.EnableAudit is false, no audit log is wired into any subsystem, so
// Audit is nil and §4.8 writes never occur — the hosted equivalent of the
// gate spec §4.9 describes.
func New(hw hal.HAL, cfg *config.Config, logger *logrus.Logger) *Kernel {
	if logger == nil {
		logger = logrus.New()
	}
	applyLogLevel(logger, cfg.LogLevel)

	k := &Kernel{HW: hw, Config: cfg, Log: logger}

	k.Frames = pmm.New()

	if cfg.EnableAudit {
		k.Audit = audit.New(hw, int(cfg.MaxThreads)*4, logger)
	}

	k.Pager = paging.New(k.Frames, hw)
	k.Caps = capability.New(int(cfg.MaxCapabilities))
	k.Caps.SetAuditLog(k.Audit)
	k.Domains = domain.New(int(cfg.MaxDomains), k.Caps, k.Pager)
	k.Domains.SetAuditLog(k.Audit)
	k.Sched = sched.New(int(cfg.MaxThreads), hw, cfg.TimeSliceMs)
	k.Demux = exception.New(hw, k.Audit, exceptionStormThreshold)
	k.IPC = ipc.New(k.Caps, k.Domains, k.Sched, k.Pager, hw, k.Audit)

	k.wireReconfigure()
	k.wireSyscalls()
	k.wireCrashHandling()
	return k
}

func applyLogLevel(logger *logrus.Logger, level config.LogLevel) {
	lvl, err := logrus.ParseLevel(string(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
}

// wireReconfigure registers the OnChange callbacks that make live
// configuration edits (kernel.Reconfigure) actually take effect on the
// already-constructed subsystems. Only fields with a live-updatable
// subsystem knob are wired; max_threads/max_domains/max_capabilities/
// max_irqs size the fixed-capacity tables at construction time and are
// boot-time-only (resizing them would require reallocating and
// renumbering every live id, which spec §4.9 does not ask for).
func (k *Kernel) wireReconfigure() {
	k.Config.OnChange("time_slice_ms", func(c config.Config) {
		k.Sched.SetTimeSlice(c.TimeSliceMs)
	})
	k.Config.OnChange("log_level", func(c config.Config) {
		applyLogLevel(k.Log, c.LogLevel)
	})
}

// decodeHandle reassembles a capability.Handle presented at the syscall
// boundary: the caller's own domain (already authenticated by whatever put
// the thread on core in the first place) plus a capability id and MAC
// carried across three argument words, mirroring the audit log's own
// fixed-width data-word convention (spec §6).
func decodeHandle(callerDomain uint32, args exception.SyscallArgs) capability.Handle {
	var mac [16]byte
	binary.LittleEndian.PutUint64(mac[0:8], args[1])
	binary.LittleEndian.PutUint64(mac[8:16], args[2])
	return capability.Handle{Domain: callerDomain, CapID: uint32(args[0]), MAC: mac}
}

// wireSyscalls registers the ABI surface spec §6 defines, each handler
// closing over the subsystem that actually implements it (§4.6: the demux
// "decode[s] the syscall number and arguments per the ABI; dispatch[es] to
// the corresponding core routine"). There is no dedicated shared-memory
// subsystem (spec §1), so SHMEM_ALLOC/SHMEM_MAP are served directly by the
// frame allocator and page-table manager.
func (k *Kernel) wireSyscalls() {
	k.Demux.RegisterSyscall(exception.SyscallIPCCall, func(callerDomain, callerThread uint32, args exception.SyscallArgs) (int64, error) {
		ep := decodeHandle(callerDomain, args)
		if err := k.IPC.Call(callerDomain, callerThread, ep, [4]uint64{args[3], 0, 0, 0}); err != nil {
			return 0, err
		}
		return 0, nil
	})

	k.Demux.RegisterSyscall(exception.SyscallCapTransfer, func(callerDomain, callerThread uint32, args exception.SyscallArgs) (int64, error) {
		h := decodeHandle(callerDomain, args)
		toDomain := uint32(args[3])
		newH, err := k.Caps.Transfer(h, callerDomain, toDomain)
		if err != nil {
			return 0, err
		}
		return int64(newH.CapID), nil
	})

	k.Demux.RegisterSyscall(exception.SyscallCapDerive, func(callerDomain, callerThread uint32, args exception.SyscallArgs) (int64, error) {
		h := decodeHandle(callerDomain, args)
		rights := bitfield.UnpackRights(args[3])
		child, err := k.Caps.Derive(h, callerDomain, rights)
		if err != nil {
			return 0, err
		}
		return int64(child.CapID), nil
	})

	k.Demux.RegisterSyscall(exception.SyscallCapRevoke, func(callerDomain, callerThread uint32, args exception.SyscallArgs) (int64, error) {
		h := decodeHandle(callerDomain, args)
		if err := k.Caps.Revoke(h, callerDomain); err != nil {
			return 0, err
		}
		return 0, nil
	})

	k.Demux.RegisterSyscall(exception.SyscallDomainCreate, func(callerDomain, callerThread uint32, args exception.SyscallArgs) (int64, error) {
		quota := domain.Quota{
			MaxThreads:      uint32(args[0]),
			MaxCapabilities: uint32(args[1]),
			MaxFrames:       uint32(args[2]),
			MaxIRQs:         uint32(args[3]),
		}
		id, err := k.Domains.Create(callerDomain, quota)
		if err != nil {
			return 0, err
		}
		return int64(id), nil
	})

	k.Demux.RegisterSyscall(exception.SyscallDomainDestroy, func(callerDomain, callerThread uint32, args exception.SyscallArgs) (int64, error) {
		target := uint32(args[0])
		info, err := k.Domains.GetInfo(target)
		if err != nil {
			return 0, err
		}
		if info.Parent != callerDomain {
			return 0, fmt.Errorf("kernel: DOMAIN_DESTROY: %w: domain %d is not a child of %d", kernelerr.ErrPermission, target, callerDomain)
		}
		if err := k.Domains.Destroy(target); err != nil {
			return 0, err
		}
		return 0, nil
	})

	k.Demux.RegisterSyscall(exception.SyscallThreadCreate, func(callerDomain, callerThread uint32, args exception.SyscallArgs) (int64, error) {
		id, err := k.Sched.Create(callerDomain, uint8(args[0]), uintptr(args[1]), uintptr(args[2]))
		if err != nil {
			return 0, err
		}
		return int64(id), nil
	})

	k.Demux.RegisterSyscall(exception.SyscallThreadYield, func(callerDomain, callerThread uint32, args exception.SyscallArgs) (int64, error) {
		next, err := k.Sched.Yield()
		if err != nil {
			return 0, err
		}
		return int64(next), nil
	})

	k.Demux.RegisterSyscall(exception.SyscallShmemAlloc, func(callerDomain, callerThread uint32, args exception.SyscallArgs) (int64, error) {
		count := args[0]
		idx, err := k.Frames.AllocFrames(count, pmm.OwnerShared, callerDomain)
		if err != nil {
			return 0, err
		}
		addr, err := k.Frames.FrameAddress(idx)
		if err != nil {
			return 0, err
		}
		return int64(addr), nil
	})

	k.Demux.RegisterSyscall(exception.SyscallShmemMap, func(callerDomain, callerThread uint32, args exception.SyscallArgs) (int64, error) {
		pa := uintptr(args[0])
		va := uintptr(args[1])
		perm := paging.UnpackPerm(args[2])
		info, err := k.Domains.GetInfo(callerDomain)
		if err != nil {
			return 0, err
		}
		if err := k.Pager.Map(info.RootAS, va, pa, perm); err != nil {
			return 0, err
		}
		return 0, nil
	})
}

// wireCrashHandling connects the exception demux's terminate-domain outcome
// to the IPC manager's crash-unwind path (spec §4.7: a crashed callee's
// caller frames must be unwound and ERR_CRASH returned to the nearest
// surviving caller). ev.Thread is the call-stack key Unwind needs, the same
// thread-of-control identity Call was invoked with at every level of the
// chain (ipc.Manager tracks call frames per originating thread, not per the
// callee's dispatched thread — see ipc.Manager.stacks). Not every terminated
// domain was mid-call, so an ErrInvalid ("nothing to unwind") from Unwind is
// expected and ignored; anything else is a real subsystem failure worth
// logging.
func (k *Kernel) wireCrashHandling() {
	k.Demux.SetCrashHandler(func(ev exception.FaultEvent) {
		if err := k.IPC.Unwind(ev.Thread, ev.Domain); err != nil && !errors.Is(err, kernelerr.ErrInvalid) {
			k.Log.WithError(err).Warn("kernel: ipc unwind after service crash failed")
		}
	})
}

// Reconfigure applies a single live configuration change (spec §4.9: boot
// options may be revisited, with out-of-range values falling back to
// defaults with a warning rather than failing). It delegates validation
// to config.Config.Apply and lets the OnChange callbacks wired in New
// propagate the new value into the affected subsystem.
func (k *Kernel) Reconfigure(key, value string) []config.Warning {
	return k.Config.Apply(key, value)
}

// Critical masks interrupts for the duration of fn, the hosted stand-in
// for spec §5's "core operations run with interrupts masked". Every
// Kernel-level operation that touches more than one subsystem (so a
// partial failure cannot leave state only half-applied to an interrupt
// that arrives mid-operation) should be wrapped in Critical.
func (k *Kernel) Critical(fn func()) {
	state := k.HW.DisableInterrupts()
	defer k.HW.RestoreInterrupts(state)
	fn()
}

// Boot registers the given physical memory region with the frame
// allocator, mirroring the first step of the teacher's kernelMain boot
// sequence (hand bootloader-reported memory to the allocator before
// anything else runs). It creates no address space; domains get theirs
// from domain.Table.Create.
func (k *Kernel) Boot(memBase uintptr, frameCount uint64) error {
	var err error
	k.Critical(func() {
		err = k.Frames.AddRegion(memBase, frameCount)
	})
	if err != nil {
		return fmt.Errorf("kernel: Boot: %w", err)
	}
	return nil
}
