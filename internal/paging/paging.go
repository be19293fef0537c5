// Package paging implements the page-table manager (spec §4.2, C4): a
// 4-level, 512-entry-per-table translation tree per address space, with
// map/unmap/set_perm/translate/switch_to and the TLB-invalidation discipline
// §4.2 mandates. It is grounded directly on the teacher's mmu.go: the same
// 4-level walk (L0/L1/L2/L3, 9 bits per level), the same allocate-
// intermediate-table-on-demand loop in mapPage, and the same never-free-an-
// intermediate-table policy — translated from raw TTBR0/ARM64 PTE bit
// layouts into a hosted, HAL-mediated tree so it can run and be tested
// without real MMU hardware.
package paging

import (
	"fmt"
	"sync"

	"github.com/iansmith/mazarin-core/internal/bitfield"
	"github.com/iansmith/mazarin-core/internal/hal"
	"github.com/iansmith/mazarin-core/internal/kernelerr"
	"github.com/iansmith/mazarin-core/internal/pmm"
)

const (
	entriesPerTable = 512
	levels          = 4

	l0Shift = 39
	l1Shift = 30
	l2Shift = 21
	l3Shift = 12

	levelIndexBits = 9
	levelIndexMask = entriesPerTable - 1
)

// Perm is the permission set attached to a mapped leaf page (spec §4.2).
type Perm struct {
	Read    bool
	Write   bool
	Execute bool
}

func (p Perm) pack() bitfield.RightsFlags {
	return bitfield.RightsFlags{Read: p.Read, Write: p.Write, Execute: p.Execute}
}

// PackPerm serializes a Perm into its packed-bitset wire form, for crossing
// the syscall ABI boundary (e.g. SHMEM_MAP's permission word).
func PackPerm(p Perm) (uint64, error) {
	return bitfield.PackRights(p.pack())
}

// UnpackPerm is PackPerm's inverse.
func UnpackPerm(packed uint64) Perm {
	f := bitfield.UnpackRights(packed)
	return Perm{Read: f.Read, Write: f.Write, Execute: f.Execute}
}

// wider reports whether candidate grants every right cur grants (used to
// decide whether set_perm needs a TLB invalidation: narrowing requires one
// before the change is observable, widening does not, per §4.2).
func (p Perm) wider(cur Perm) bool {
	if cur.Read && !p.Read {
		return false
	}
	if cur.Write && !p.Write {
		return false
	}
	if cur.Execute && !p.Execute {
		return false
	}
	return true
}

type entry struct {
	valid   bool
	isTable bool
	// next is the physical address of the next-level table (isTable) or
	// of the mapped frame (leaf).
	next uintptr
	perm Perm
}

type table struct {
	entries [entriesPerTable]entry
}

// AddressSpace identifies one page-table root (spec §4.2's create() return
// value). The zero value is not a valid address space.
type AddressSpace uintptr

// Manager owns every address space's page tables. Page-table frames are
// allocated from the same physical allocator as everything else (owner
// CORE), keeping one source of truth for physical memory instead of a
// separate bump region the way the teacher's allocatePageTable did.
type Manager struct {
	mu     sync.Mutex
	frames *pmm.Allocator
	hw     hal.HAL

	tables map[uintptr]*table
	roots  map[AddressSpace]bool
	active AddressSpace
}

// New builds a page-table manager backed by frames and hw.
func New(frames *pmm.Allocator, hw hal.HAL) *Manager {
	return &Manager{
		frames: frames,
		hw:     hw,
		tables: make(map[uintptr]*table),
		roots:  make(map[AddressSpace]bool),
	}
}

func (m *Manager) allocTable() (uintptr, error) {
	idx, err := m.frames.AllocFrames(1, pmm.OwnerCore, 0)
	if err != nil {
		return 0, err
	}
	addr, err := m.frames.FrameAddress(idx)
	if err != nil {
		return 0, err
	}
	m.tables[addr] = &table{}
	return addr, nil
}

// Create allocates a fresh, empty address space and returns its root.
func (m *Manager) Create() (AddressSpace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	root, err := m.allocTable()
	if err != nil {
		return 0, fmt.Errorf("paging: Create: %w", err)
	}
	as := AddressSpace(root)
	m.roots[as] = true
	return as, nil
}

func indices(va uintptr) [levels]uint64 {
	v := uint64(va)
	return [levels]uint64{
		(v >> l0Shift) & levelIndexMask,
		(v >> l1Shift) & levelIndexMask,
		(v >> l2Shift) & levelIndexMask,
		(v >> l3Shift) & levelIndexMask,
	}
}

// walk returns the L3 table containing va's leaf entry, allocating
// intermediate tables along the way if allocate is true.
func (m *Manager) walk(root AddressSpace, va uintptr, allocate bool) (*table, uint64, error) {
	idx := indices(va)
	cur := uintptr(root)

	for level := 0; level < levels-1; level++ {
		t, ok := m.tables[cur]
		if !ok {
			return nil, 0, fmt.Errorf("paging: walk: %w: missing table at %#x", kernelerr.ErrInvalid, cur)
		}
		e := &t.entries[idx[level]]
		if !e.valid {
			if !allocate {
				return nil, 0, nil
			}
			next, err := m.allocTable()
			if err != nil {
				return nil, 0, fmt.Errorf("paging: walk: %w", err)
			}
			e.valid = true
			e.isTable = true
			e.next = next
		}
		if !e.isTable {
			return nil, 0, fmt.Errorf("paging: walk: %w: entry at level %d is a leaf, not a table", kernelerr.ErrInvalid, level)
		}
		cur = e.next
	}

	t, ok := m.tables[cur]
	if !ok {
		return nil, 0, fmt.Errorf("paging: walk: %w: missing L3 table at %#x", kernelerr.ErrInvalid, cur)
	}
	return t, idx[levels-1], nil
}

// Map installs a va -> pa translation with the given permissions, allocating
// intermediate tables on demand (spec §4.2 map()). Mapping an already-
// mapped va silently overwrites the existing leaf entry — no explicit
// unmap is required, per §4.2's explicit contract — applying the same
// narrow/widen TLB-invalidation rule SetPerm uses, since an overwrite that
// narrows or changes the backing frame is itself a narrowing of what the
// old translation promised.
func (m *Manager) Map(root AddressSpace, va, pa uintptr, perm Perm) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.roots[root] {
		return fmt.Errorf("paging: Map: %w: unknown address space", kernelerr.ErrInvalid)
	}

	l3, idx, err := m.walk(root, va, true)
	if err != nil {
		return err
	}
	e := &l3.entries[idx]
	if e.valid {
		narrowing := e.next != pa || !perm.wider(e.perm)
		if narrowing && root == m.active {
			m.hw.InvalidatePage(va)
		}
	}
	e.valid = true
	e.isTable = false
	e.next = pa
	e.perm = perm
	return nil
}

// Unmap removes a translation. Per §4.2's TLB discipline, removal always
// invalidates the page before returning, since a removal is a narrowing of
// access to "none".
func (m *Manager) Unmap(root AddressSpace, va uintptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.roots[root] {
		return fmt.Errorf("paging: Unmap: %w: unknown address space", kernelerr.ErrInvalid)
	}
	l3, idx, err := m.walk(root, va, false)
	if err != nil {
		return err
	}
	if l3 == nil || !l3.entries[idx].valid {
		return fmt.Errorf("paging: Unmap: %w: %#x not mapped", kernelerr.ErrInvalid, va)
	}
	l3.entries[idx] = entry{}

	if root == m.active {
		m.hw.InvalidatePage(va)
	}
	return nil
}

// SetPerm changes a mapping's permissions. Narrowing invalidates the page
// before the change is observable to future translations (simulated here
// by invalidating before the field write is considered complete); widening
// does not require invalidation (spec §4.2).
func (m *Manager) SetPerm(root AddressSpace, va uintptr, perm Perm) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.roots[root] {
		return fmt.Errorf("paging: SetPerm: %w: unknown address space", kernelerr.ErrInvalid)
	}
	l3, idx, err := m.walk(root, va, false)
	if err != nil {
		return err
	}
	if l3 == nil || !l3.entries[idx].valid {
		return fmt.Errorf("paging: SetPerm: %w: %#x not mapped", kernelerr.ErrInvalid, va)
	}
	e := &l3.entries[idx]
	narrowing := !perm.wider(e.perm)
	if narrowing && root == m.active {
		m.hw.InvalidatePage(va)
	}
	e.perm = perm
	return nil
}

// Translate reports the physical address and permissions mapped at va, or
// ok == false if va is unmapped (spec §4.2 translate(), and P8's "unmap
// implies translate returns NONE").
func (m *Manager) Translate(root AddressSpace, va uintptr) (pa uintptr, perm Perm, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.roots[root] {
		return 0, Perm{}, false
	}
	l3, idx, err := m.walk(root, va, false)
	if err != nil || l3 == nil || !l3.entries[idx].valid {
		return 0, Perm{}, false
	}
	e := l3.entries[idx]
	return e.next, e.perm, true
}

// SwitchTo installs root as the live address space via the HAL, the only
// operation that changes which translation table the CPU consults (spec
// §4.2 switch_to()).
func (m *Manager) SwitchTo(root AddressSpace) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.roots[root] {
		return fmt.Errorf("paging: SwitchTo: %w: unknown address space", kernelerr.ErrInvalid)
	}
	m.hw.SetPageRoot(uintptr(root))
	m.active = root
	return nil
}

// Destroy tears down every table reachable from root, freeing their
// backing frames in post-order (children before parents) — the one place
// intermediate tables are ever freed (spec §4.2, §9 Q2).
func (m *Manager) Destroy(root AddressSpace) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.roots[root] {
		return fmt.Errorf("paging: Destroy: %w: unknown address space", kernelerr.ErrInvalid)
	}
	if err := m.destroyTable(uintptr(root), 0); err != nil {
		return err
	}
	delete(m.roots, root)
	if m.active == root {
		m.active = 0
	}
	return nil
}

func (m *Manager) destroyTable(addr uintptr, level int) error {
	t, ok := m.tables[addr]
	if !ok {
		return fmt.Errorf("paging: Destroy: %w: missing table at %#x", kernelerr.ErrInvalid, addr)
	}
	if level < levels-1 {
		for _, e := range t.entries {
			if e.valid && e.isTable {
				if err := m.destroyTable(e.next, level+1); err != nil {
					return err
				}
			}
		}
	}
	delete(m.tables, addr)
	idx, err := m.frames.FrameIndexFor(addr)
	if err != nil {
		return err
	}
	return m.frames.FreeFrames(idx, 1)
}
