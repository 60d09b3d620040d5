package vma

import (
	"github.com/unikraft/unikraft-sub017/kernel"
	"github.com/unikraft/unikraft-sub017/kernel/irq"
	"github.com/unikraft/unikraft-sub017/mm"
	"github.com/unikraft/unikraft-sub017/mm/pt"
)

// ErrFault is returned by Route for every rejection that the arch trap
// glue is expected to escalate into a kernel crash: no active address
// space, a NoPaging space, no covering vma, or an access the vma's
// attributes don't permit.
var ErrFault = &kernel.Error{Module: "vma", Message: "unhandled page fault"}

// DemandPageInLevel is the compile-time demand-paging cap (DEMAND_PAGE_IN_SIZE
// in the reference design): the largest leaf level Route will ever install
// for a single demand fault when the covering vma leaves the level
// unforced. The worked examples this router is modelled on all run with a
// cap equal to the base page size, i.e. level 0.
const DemandPageInLevel = 0

// Route is the page-fault entry point: the arch trap glue calls it with
// the faulting address, the access that triggered the trap, and the trap
// frame (nil for a software-driven fault, e.g. one synthesised by a
// demand-paging test harness rather than real hardware). It resolves
// exactly one page through the covering vma's Ops.Fault and installs it
// via pt.Mapx, or returns ErrFault/ErrGuardFault for the caller to treat
// as fatal.
func Route(vaddr uintptr, faultType FaultType, trap *irq.Frame) *kernel.Error {
	vas := GetActive()
	if vas == nil || vas.flags&NoPaging != 0 {
		return ErrFault
	}

	vas.listLock.RLock()
	m, ok := vas.find(vaddr)
	vas.listLock.RUnlock()
	if !ok {
		return ErrFault
	}

	if faultType&FaultRead != 0 && m.Attr&pt.AttrRead == 0 {
		return ErrFault
	}
	if faultType&FaultWrite != 0 && m.Attr&pt.AttrWrite == 0 {
		return ErrFault
	}
	if faultType&FaultExec != 0 && m.Attr&pt.AttrExec == 0 {
		return ErrFault
	}

	level := installLevel(m, vaddr)
	size := mm.LevelPageSize(level)
	pageBase := vaddr &^ (size - 1)

	origin := FaultHW
	if trap == nil {
		origin = FaultSoft
	}

	cb := func(cur uintptr, lvl uint8, entry *pt.Entry) (pt.MapxResult, *kernel.Error) {
		reject := func() { mm.FreeFrame(entry.Frame, 1) }

		fault := VMFault{
			VMA:      m,
			VAddr:    vaddr,
			PageBase: cur,
			Length:   mm.LevelPageSize(lvl),
			Frame:    entry.Frame,
			Type:     faultType | origin,
			Level:    lvl,
			Trap:     trap,
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

	return vas.pt.Mapx(pageBase, mm.InvalidFrame, size, m.Attr, pt.ForceSize|pt.WithSize(level), cb)
}

// installLevel picks the level Route installs at for one fault against m:
// the vma's forced level if it has one, otherwise the largest level at
// or below DemandPageInLevel that vaddr's containing page still fits
// entirely inside [m.Start, m.End) aligned to.
func installLevel(m *VMA, vaddr uintptr) uint8 {
	if m.Level >= 0 {
		return uint8(m.Level)
	}

	level := uint8(DemandPageInLevel)
	for level > 0 {
		size := mm.LevelPageSize(level)
		base := vaddr &^ (size - 1)
		if base >= m.Start && base+size <= m.End {
			break
		}
		level--
	}
	return level
}
