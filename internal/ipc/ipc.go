// Package ipc implements the domain switch / synchronous IPC path (spec
// §4.7, C9): an authenticated cross-domain call that installs the callee's
// page table and donates the caller thread's execution to the callee,
// tracked by a bounded (depth <= 16) per-thread call stack so a return (or
// an unwind on callee crash) can restore the caller's address space and
// context exactly.
//
// Grounded on the teacher's goroutine-switch primitives: spawnGoroutine in
// goroutine.go saves the current context, installs a new stack/entry point
// via asm.RunOnGoroutine, and the reverse happens on completion. This
// package generalizes that save-switch-restore shape from a stack switch
// into a full domain switch: push caller frame, install callee page table
// + thread, and the symmetric pop (or crash-unwind) on return.
package ipc

import (
	"fmt"
	"sync"

	"github.com/iansmith/mazarin-core/internal/audit"
	"github.com/iansmith/mazarin-core/internal/capability"
	"github.com/iansmith/mazarin-core/internal/domain"
	"github.com/iansmith/mazarin-core/internal/hal"
	"github.com/iansmith/mazarin-core/internal/kernelerr"
	"github.com/iansmith/mazarin-core/internal/paging"
	"github.com/iansmith/mazarin-core/internal/sched"
)

// MaxCallDepth is the bounded return-stack depth per calling thread (spec
// §8 scenario 6: the 16th nested call succeeds, the 17th fails with
// ERR_CALL_DEPTH).
const MaxCallDepth = 16

type frame struct {
	callerDomain uint32
	callerThread uint32
	callerAS     paging.AddressSpace
	callerCtx    hal.Context
	calleeDomain uint32
}

// Manager coordinates the capability table, domain table, scheduler, and
// page-table manager to implement Call/Return/Unwind.
type Manager struct {
	mu sync.Mutex

	caps    *capability.Table
	domains *domain.Table
	sched   *sched.Scheduler
	pager   *paging.Manager
	hw      hal.HAL
	audit   *audit.Log

	stacks map[uint32][]frame
}

// New builds an IPC manager wired to every table a domain switch touches.
func New(caps *capability.Table, domains *domain.Table, scheduler *sched.Scheduler, pager *paging.Manager, hw hal.HAL, auditLog *audit.Log) *Manager {
	return &Manager{
		caps:    caps,
		domains: domains,
		sched:   scheduler,
		pager:   pager,
		hw:      hw,
		audit:   auditLog,
		stacks:  make(map[uint32][]frame),
	}
}

// Call performs an authenticated cross-domain call through an ENDPOINT
// capability. callerThread's context is saved onto its call stack, the
// callee domain's page table is installed, and the callee thread is
// dispatched in its place (spec §4.7).
func (m *Manager) Call(callerDomain, callerThread uint32, endpoint capability.Handle, args [4]uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.caps.CheckAccess(endpoint, callerDomain, capability.Rights{Call: true}); err != nil {
		return fmt.Errorf("ipc: Call: %w", err)
	}
	info, err := m.caps.Info(endpoint, callerDomain)
	if err != nil {
		return fmt.Errorf("ipc: Call: %w", err)
	}
	if info.Kind != capability.KindEndpoint {
		return fmt.Errorf("ipc: Call: %w: capability is not an ENDPOINT", kernelerr.ErrInvalid)
	}

	targetDomain := info.Payload.EndpointDomain
	targetThread := info.Payload.EndpointThread

	targetInfo, err := m.domains.GetInfo(targetDomain)
	if err != nil {
		return fmt.Errorf("ipc: Call: %w", err)
	}
	if targetInfo.State != domain.StateRunning {
		return fmt.Errorf("ipc: Call: %w: target domain %d is %s, not RUNNING", kernelerr.ErrInvalid, targetDomain, targetInfo.State)
	}

	if len(m.stacks[callerThread]) >= MaxCallDepth {
		return fmt.Errorf("ipc: Call: %w: depth %d reached", kernelerr.ErrCallDepth, MaxCallDepth)
	}

	callerInfo, err := m.domains.GetInfo(callerDomain)
	if err != nil {
		return fmt.Errorf("ipc: Call: %w", err)
	}

	f := frame{
		callerDomain: callerDomain,
		callerThread: callerThread,
		callerAS:     callerInfo.RootAS,
		callerCtx:    m.hw.ContextSave(),
		calleeDomain: targetDomain,
	}
	m.stacks[callerThread] = append(m.stacks[callerThread], f)

	if err := m.pager.SwitchTo(targetInfo.RootAS); err != nil {
		m.popFrame(callerThread)
		return fmt.Errorf("ipc: Call: %w", err)
	}
	if err := m.sched.RunThread(targetThread); err != nil {
		m.popFrame(callerThread)
		return fmt.Errorf("ipc: Call: %w", err)
	}

	m.logEvent(audit.EventIPCCall, callerDomain, targetDomain, callerThread, args, 0)
	return nil
}

func (m *Manager) popFrame(callerThread uint32) (frame, bool) {
	stack := m.stacks[callerThread]
	if len(stack) == 0 {
		return frame{}, false
	}
	f := stack[len(stack)-1]
	m.stacks[callerThread] = stack[:len(stack)-1]
	return f, true
}

// Return pops the most recent call frame for callerThread, reinstalling
// the caller's page table and context and re-dispatching it (spec §4.7's
// return path).
func (m *Manager) Return(callerThread uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unwind(callerThread, 0)
}

// Unwind is Return's counterpart for a callee that crashed mid-call (spec
// §4.6/§4.7). Unlike Return, it does not stop at the first frame: it pops
// every call frame whose callee was crashedDomain (a crashed domain may
// have been re-entered more than once, e.g. a self-targeted ENDPOINT),
// discarding each one, and restores execution at the nearest surviving
// caller — the caller recorded in the last frame it pops. Popping stops at
// the first frame whose callee is some other domain; that frame stays on
// the stack. The
// audit result on that restore records ERR_CRASH instead of success, and a
// SERVICE_CRASH entry is appended for the crash itself.
func (m *Manager) Unwind(callerThread, crashedDomain uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logEvent(audit.EventServiceCrash, crashedDomain, 0, callerThread, [4]uint64{}, int8(kernelerr.ABICode(kernelerr.ErrCrash)))

	f, ok := m.popFrame(callerThread)
	if !ok {
		return fmt.Errorf("ipc: Unwind: %w: no pending call for thread %d", kernelerr.ErrInvalid, callerThread)
	}
	for f.calleeDomain == crashedDomain {
		stack := m.stacks[callerThread]
		if len(stack) == 0 || stack[len(stack)-1].calleeDomain != crashedDomain {
			break
		}
		f, _ = m.popFrame(callerThread)
	}

	if err := m.pager.SwitchTo(f.callerAS); err != nil {
		return fmt.Errorf("ipc: Unwind: %w", err)
	}
	if err := m.sched.RunThread(f.callerThread); err != nil {
		return fmt.Errorf("ipc: Unwind: %w", err)
	}
	m.hw.ContextRestore(f.callerCtx)

	m.logEvent(audit.EventIPCReturn, f.callerDomain, 0, f.callerThread, [4]uint64{}, int8(kernelerr.ABICode(kernelerr.ErrCrash)))
	return nil
}

func (m *Manager) unwind(callerThread uint32, result int8) error {
	f, ok := m.popFrame(callerThread)
	if !ok {
		return fmt.Errorf("ipc: Return: %w: no pending call for thread %d", kernelerr.ErrInvalid, callerThread)
	}
	if err := m.pager.SwitchTo(f.callerAS); err != nil {
		return fmt.Errorf("ipc: Return: %w", err)
	}
	if err := m.sched.RunThread(f.callerThread); err != nil {
		return fmt.Errorf("ipc: Return: %w", err)
	}
	m.hw.ContextRestore(f.callerCtx)

	m.logEvent(audit.EventIPCReturn, f.callerDomain, 0, f.callerThread, [4]uint64{}, result)
	return nil
}

// Depth reports the current call-stack depth for a thread, used by tests
// asserting the bounded-depth invariant.
func (m *Manager) Depth(callerThread uint32) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stacks[callerThread])
}

func (m *Manager) logEvent(et audit.EventType, domainID, peerDomain, threadID uint32, data [4]uint64, result int8) {
	if m.audit == nil {
		return
	}
	m.audit.Append(et, domainID, peerDomain, threadID, data, result)
}
