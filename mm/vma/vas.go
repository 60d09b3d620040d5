// Package vma layers virtual-memory areas -- half-open virtual ranges with
// uniform attributes and a typed fault handler -- over the page-table engine
// in package pt. It owns the vma_map/vma_unmap/vma_set_attr/vma_advise
// public contract and the page-fault router that drives pt.Mapx on both the
// eager (populate) and lazy (demand-fault) paths.
package vma

import (
	"math"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/unikraft/unikraft-sub017/kernel"
	"github.com/unikraft/unikraft-sub017/kernel/cpu"
	ksync "github.com/unikraft/unikraft-sub017/kernel/sync"
	"github.com/unikraft/unikraft-sub017/mm"
	"github.com/unikraft/unikraft-sub017/mm/pt"
)

// PageTable is the subset of *pt.PageTable the vas layer depends on. It
// exists so tests can drive vas/vma logic against a fake hierarchy instead
// of one backed by live recursively-mapped memory.
type PageTable interface {
	Mapx(vaddr uintptr, frame mm.Frame, length uintptr, attr pt.Attr, flags pt.MapFlag, cb pt.MapxFunc) *kernel.Error
	Unmap(vaddr uintptr, length uintptr, flags pt.MapFlag) *kernel.Error
	SetAttr(vaddr uintptr, length uintptr, attr pt.Attr) *kernel.Error
	Walk(vaddr uintptr) (pt.Entry, uint8, *kernel.Error)
	Activate()
}

// maxVAddr bounds first-fit allocation's overflow checks; §4.2.2 calls this
// VADDR_MAX.
const maxVAddr = uintptr(math.MaxUint64)

// VASFlag qualifies a VAS.
type VASFlag uint32

const (
	// NoPaging puts the vas in a purely reserving mode: vma_map still
	// tracks ranges and enforces non-overlap, but never touches the page
	// table and never services faults.
	NoPaging VASFlag = 1 << iota
)

// VAS is a virtual address space: an ordered, non-overlapping set of vmas
// layered over one page-table hierarchy.
type VAS struct {
	pt    PageTable
	vmas  *btree.BTreeG[*VMA]
	flags VASFlag
	base  uintptr

	// mapLock serialises map/unmap/set_attr -- the structural edits to
	// both the vma list and the page table. listLock separately guards
	// traversal of the list (vma_find, the fault router) in read mode so
	// a page fault taken mid-map on another range isn't blocked behind
	// the whole operation, only behind the instant the list is actually
	// being mutated.
	mapLock  ksync.Spinlock
	listLock ksync.RWSpinlock
}

func vmaLess(a, b *VMA) bool { return a.Start < b.Start }

// Init creates an empty address space over the given page-table hierarchy.
// defaultBase is the allocation base used for ANY-address requests whose ops
// has no opinion of its own (Ops.Base returning 0).
func Init(table PageTable, defaultBase uintptr, flags VASFlag) *VAS {
	return &VAS{
		pt:    table,
		vmas:  btree.NewG(32, vmaLess),
		flags: flags,
		base:  defaultBase,
	}
}

// Destroy tears down every vma in the address space: each is unmapped and
// its ops.Destroy hook invoked, then the vas itself is discarded. The caller
// must ensure no other CPU has this vas active.
func (v *VAS) Destroy() {
	v.mapLock.Acquire()
	defer v.mapLock.Release()

	var doomed []*VMA
	v.vmas.Ascend(func(m *VMA) bool {
		doomed = append(doomed, m)
		return true
	})

	v.listLock.Lock()
	for _, m := range doomed {
		v.vmas.Delete(m)
		m.state = stateDestroyed
	}
	v.listLock.Unlock()

	for _, m := range doomed {
		if v.flags&NoPaging == 0 {
			if err := m.Ops.Unmap(m, m.Start, m.End-m.Start); err != nil {
				panic("vma: unmap failed during vas destroy: " + err.Error())
			}
		}
		m.Ops.Destroy(m)
	}
}

// maxActiveCPUs bounds the per-CPU active-vas table; the architecture
// exposes no CPU count at this layer so a fixed, generously sized table
// indexed by (APIC ID mod N) stands in for a real per-CPU allocation.
const maxActiveCPUs = 64

var activeVAS [maxActiveCPUs]atomic.Pointer[VAS]

// cpuSlot derives a table index from the initial APIC ID reported by
// CPUID leaf 1; collisions beyond maxActiveCPUs simply share a slot, which
// only matters once SMP bring-up exceeds this table's size.
func cpuSlot() uint32 {
	_, ebx, _, _ := cpu.ID(1)
	return (ebx >> 24) % maxActiveCPUs
}

// SetActive installs v as the active address space for the current CPU and
// switches the hardware root-table register to its hierarchy. Passing nil
// clears the slot without touching hardware.
func SetActive(v *VAS) {
	activeVAS[cpuSlot()].Store(v)
	if v != nil {
		v.pt.Activate()
	}
}

// GetActive returns the address space currently active on this CPU, or nil
// if none has been installed yet.
func GetActive() *VAS {
	return activeVAS[cpuSlot()].Load()
}

// populate drives an eager WILLNEED-style walk over [vaddr, vaddr+length)
// through Mapx, calling m.Ops.Fault for each page that isn't already
// present and leaving already-mapped pages untouched. It is the mechanism
// vma_map's POPULATE flag and the default Advise(WILLNEED) both use, so the
// eager and lazy paths share exactly one fault-producing implementation.
func (v *VAS) populate(m *VMA, vaddr, length uintptr) *kernel.Error {
	level := uint8(0)
	if m.Level >= 0 {
		level = uint8(m.Level)
	}

	cb := func(cur uintptr, lvl uint8, entry *pt.Entry) (pt.MapxResult, *kernel.Error) {
		// Mapx always prepares a candidate frame for entry.Frame before
		// calling back here; rejecting the slot means freeing it.
		reject := func() { mm.FreeFrame(entry.Frame, 1) }

		// Mapx's generic protocol has no notion of "already mapped"; it
		// always prepares a candidate entry. WILLNEED's contract is to
		// skip pages that are already present, so check explicitly
		// before ever calling the fault hook.
		if _, _, err := v.pt.Walk(cur); err == nil {
			reject()
			return pt.MapxSkip, nil
		}

		fault := VMFault{
			VMA:      m,
			VAddr:    cur,
			PageBase: cur,
			Length:   mm.LevelPageSize(lvl),
			Frame:    entry.Frame,
			Type:     FaultSoft | FaultNonPresent,
			Level:    lvl,
		}
		result, err := m.Ops.Fault(m, &fault)
		if err != nil {
			reject()
			return 0, err
		}
		if result != pt.MapxOK {
			reject()
			return result, nil
		}
		entry.Frame = fault.Frame
		entry.Attr = m.Attr
		return result, nil
	}

	flags := pt.MapFlag(0)
	if m.Level >= 0 {
		flags = pt.ForceSize | pt.WithSize(level)
	}
	return v.pt.Mapx(vaddr, mm.InvalidFrame, length, m.Attr, flags, cb)
}
