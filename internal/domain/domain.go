// Package domain implements the domain table (spec §4.4, C6): the
// lifecycle and quota bookkeeping for each protection context. A domain
// owns a capability-table registration (its secret key, via
// internal/capability), a root page table (via internal/paging), and a
// resource quota it is charged against as it creates threads, capabilities,
// and IRQ registrations.
//
// The FSM (INIT -> RUNNING -> SUSPENDED -> TERMINATED, with RUNNING <->
// SUSPENDED repeatable and TERMINATED absorbing) is grounded on the
// teacher's own status-constant idiom for goroutine state in
// goroutine.go's runtimeG (_Gidle, _Grunnable, _Grunning, _Gwaiting,
// _Gdead), adapted here to a domain's coarser protection-context lifecycle
// instead of a thread's run state.
package domain

import (
	"fmt"
	"sync"

	"github.com/iansmith/mazarin-core/internal/audit"
	"github.com/iansmith/mazarin-core/internal/capability"
	"github.com/iansmith/mazarin-core/internal/kernelerr"
	"github.com/iansmith/mazarin-core/internal/paging"
)

// State is a domain's lifecycle stage (spec §4.4).
type State int

const (
	StateInit State = iota
	StateRunning
	StateSuspended
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateRunning:
		return "RUNNING"
	case StateSuspended:
		return "SUSPENDED"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Quota bounds the resources a domain may consume (spec §4.4). Each field
// is an independent componentwise limit; P3 requires Usage <= Quota on
// every field at all times.
type Quota struct {
	MaxThreads      uint32
	MaxCapabilities uint32
	MaxFrames       uint32
	MaxIRQs         uint32
}

// Usage mirrors Quota's shape with the domain's current consumption.
type Usage struct {
	Threads      uint32
	Capabilities uint32
	Frames       uint32
	IRQs         uint32
}

func (u Usage) exceeds(q Quota) bool {
	return u.Threads > q.MaxThreads ||
		u.Capabilities > q.MaxCapabilities ||
		u.Frames > q.MaxFrames ||
		u.IRQs > q.MaxIRQs
}

// Resource names one of Usage's componentwise counters, for Charge.
type Resource int

const (
	ResourceThreads Resource = iota
	ResourceCapabilities
	ResourceFrames
	ResourceIRQs
)

type record struct {
	id       uint32
	inUse    bool
	state    State
	quota    Quota
	usage    Usage
	parent   uint32
	rootAS   paging.AddressSpace
	hasAS    bool
}

// Table is the fixed-capacity domain table.
type Table struct {
	mu sync.Mutex

	domains []record
	used    int

	caps   *capability.Table
	pager  *paging.Manager
	auditLog *audit.Log
}

// SetAuditLog wires an audit log so every domain lifecycle transition is
// recorded (spec §4.8).
func (t *Table) SetAuditLog(log *audit.Log) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.auditLog = log
}

func (t *Table) logLocked(et audit.EventType, domain uint32, result int8) {
	if t.auditLog == nil {
		return
	}
	t.auditLog.Append(et, domain, 0, 0, [4]uint64{}, result)
}

// New builds a domain table with room for capacity domains, wired to the
// capability and paging managers every domain operation must coordinate
// with (registering/forgetting a capability-handle secret key, creating/
// destroying a root page table).
func New(capacity int, caps *capability.Table, pager *paging.Manager) *Table {
	if capacity <= 0 {
		panic("domain: capacity must be positive")
	}
	return &Table{
		domains: make([]record, capacity+1),
		caps:    caps,
		pager:   pager,
	}
}

// Create allocates a new domain in state INIT, owned (for accounting
// purposes) by parent (0 for a root domain), with the given quota. It
// registers the domain's capability-handle secret key and allocates its
// root page table as part of bringing the domain into existence.
func (t *Table) Create(parent uint32, quota Quota) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.used >= len(t.domains)-1 {
		return 0, fmt.Errorf("domain: Create: %w: table full", kernelerr.ErrQuota)
	}
	var id uint32
	found := false
	for i := uint32(1); i < uint32(len(t.domains)); i++ {
		if !t.domains[i].inUse {
			id = i
			found = true
			break
		}
	}
	if !found {
		return 0, fmt.Errorf("domain: Create: %w: table full", kernelerr.ErrQuota)
	}

	if err := t.caps.RegisterDomain(id); err != nil {
		return 0, fmt.Errorf("domain: Create: %w", err)
	}
	as, err := t.pager.Create()
	if err != nil {
		t.caps.UnregisterDomain(id)
		return 0, fmt.Errorf("domain: Create: %w", err)
	}

	t.domains[id] = record{
		id: id, inUse: true, state: StateInit, quota: quota, parent: parent,
		rootAS: as, hasAS: true,
	}
	t.used++
	t.logLocked(audit.EventDomainCreate, id, 0)
	return id, nil
}

func (t *Table) get(id uint32) (*record, error) {
	if id == 0 || id >= uint32(len(t.domains)) || !t.domains[id].inUse {
		return nil, fmt.Errorf("domain: %w: no such domain %d", kernelerr.ErrNotFound, id)
	}
	return &t.domains[id], nil
}

// Activate transitions a domain from INIT to RUNNING.
func (t *Table) Activate(id uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, err := t.get(id)
	if err != nil {
		return err
	}
	if r.state != StateInit {
		return fmt.Errorf("domain: Activate: %w: domain %d is %s, not INIT", kernelerr.ErrInvalid, id, r.state)
	}
	r.state = StateRunning
	return nil
}

// Suspend transitions a domain from RUNNING to SUSPENDED.
func (t *Table) Suspend(id uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, err := t.get(id)
	if err != nil {
		return err
	}
	if r.state != StateRunning {
		return fmt.Errorf("domain: Suspend: %w: domain %d is %s, not RUNNING", kernelerr.ErrInvalid, id, r.state)
	}
	r.state = StateSuspended
	t.logLocked(audit.EventDomainSuspend, id, 0)
	return nil
}

// Resume transitions a domain from SUSPENDED back to RUNNING.
func (t *Table) Resume(id uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, err := t.get(id)
	if err != nil {
		return err
	}
	if r.state != StateSuspended {
		return fmt.Errorf("domain: Resume: %w: domain %d is %s, not SUSPENDED", kernelerr.ErrInvalid, id, r.state)
	}
	r.state = StateRunning
	t.logLocked(audit.EventDomainResume, id, 0)
	return nil
}

// Destroy tears a domain down: forgets its capability-handle secret key
// (every outstanding handle for it stops verifying), destroys its root
// page table, and marks it TERMINATED. Destroy is not valid on an already-
// terminated domain, and fails with ErrBusy if the domain's thread-set or
// capability-set is not empty (spec §3, §4.4, §7's ERR_BUSY example) —
// callers must destroy the domain's threads and revoke/transfer its
// capabilities first.
func (t *Table) Destroy(id uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, err := t.get(id)
	if err != nil {
		return err
	}
	if r.state == StateTerminated {
		return fmt.Errorf("domain: Destroy: %w: domain %d already terminated", kernelerr.ErrInvalid, id)
	}
	if r.usage.Threads != 0 || r.usage.Capabilities != 0 {
		return fmt.Errorf("domain: Destroy: %w: domain %d still has %d thread(s) and %d capability(ies)", kernelerr.ErrBusy, id, r.usage.Threads, r.usage.Capabilities)
	}

	t.caps.UnregisterDomain(id)
	if r.hasAS {
		if err := t.pager.Destroy(r.rootAS); err != nil {
			return fmt.Errorf("domain: Destroy: %w", err)
		}
		r.hasAS = false
	}
	r.state = StateTerminated
	t.logLocked(audit.EventDomainDestroy, id, 0)
	return nil
}

// Charge adjusts domain id's usage of resource by delta (positive to
// consume, negative to release) and enforces P3 (usage <= quota
// componentwise) atomically: a charge that would exceed quota is rejected
// and usage is left unchanged.
func (t *Table) Charge(id uint32, resource Resource, delta int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, err := t.get(id)
	if err != nil {
		return err
	}

	next := r.usage
	switch resource {
	case ResourceThreads:
		next.Threads = addClamped(next.Threads, delta)
	case ResourceCapabilities:
		next.Capabilities = addClamped(next.Capabilities, delta)
	case ResourceFrames:
		next.Frames = addClamped(next.Frames, delta)
	case ResourceIRQs:
		next.IRQs = addClamped(next.IRQs, delta)
	default:
		return fmt.Errorf("domain: Charge: %w: unknown resource %d", kernelerr.ErrInvalid, resource)
	}
	if next.exceeds(r.quota) {
		return fmt.Errorf("domain: Charge: %w: domain %d over quota", kernelerr.ErrQuota, id)
	}
	r.usage = next
	return nil
}

func addClamped(cur uint32, delta int64) uint32 {
	v := int64(cur) + delta
	if v < 0 {
		return 0
	}
	return uint32(v)
}

// Info is the read-only snapshot GetInfo returns.
type Info struct {
	ID     uint32
	State  State
	Quota  Quota
	Usage  Usage
	Parent uint32
	RootAS paging.AddressSpace
}

// GetInfo reports a domain's current state, quota, and usage.
func (t *Table) GetInfo(id uint32) (Info, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, err := t.get(id)
	if err != nil {
		return Info{}, err
	}
	return Info{ID: r.id, State: r.state, Quota: r.quota, Usage: r.usage, Parent: r.parent, RootAS: r.rootAS}, nil
}
