package vma

import (
	"github.com/unikraft/unikraft-sub017/kernel"
	"github.com/unikraft/unikraft-sub017/kernel/irq"
	"github.com/unikraft/unikraft-sub017/mm"
	"github.com/unikraft/unikraft-sub017/mm/pt"
)

// FaultType is a bitmask describing the access that triggered a page fault:
// one access bit, one presence bit, and the hardware/software origin bit.
type FaultType uint32

const (
	FaultRead FaultType = 1 << iota
	FaultWrite
	FaultExec

	FaultPresent
	FaultNonPresent
	FaultMisconfig

	// FaultHW marks a fault raised by an actual CPU trap; FaultSoft marks
	// one synthesised by an eager populate/advise walk driving the same
	// ops.Fault callback through Mapx.
	FaultHW
	FaultSoft
)

// VMFault is the ephemeral record passed to Ops.Fault. VAddr is the faulting
// address; PageBase/Length describe the page the engine has decided to
// install; Frame is both input (a candidate the engine may have already
// allocated) and output (the frame Fault chooses to install). Trap is nil
// for software-driven faults (populate/advise).
type VMFault struct {
	VMA      *VMA
	VAddr    uintptr
	PageBase uintptr
	Length   uintptr
	Frame    mm.Frame
	Type     FaultType
	Level    uint8
	Trap     *irq.Frame
}

// Advice is the hint passed to vma_advise.
type Advice uint8

const (
	// AdviceWillNeed populates any missing page in the range eagerly.
	AdviceWillNeed Advice = iota
	// AdviceDontNeed unmaps and frees the backing frames in the range,
	// matching Linux's aggressive MADV_DONTNEED rather than a soft hint.
	AdviceDontNeed
)

// Ops is the per-vma vtable. Every method except Fault has a default,
// documented on each one and provided by DefaultOps: Ops implementations
// embed DefaultOps to get those defaults for free and override only the
// hooks their kind cares about.
type Ops interface {
	// Base reports the preferred allocation base for an ANY-address
	// vma_map call; the default is the vas's own default base.
	Base(vas *VAS) uintptr

	// New is invoked once, after a vma's start/end/attr/flags are
	// populated but before it is linked into the vas, so an op can reject
	// a flag combination or attach per-vma state. Returning an error
	// aborts vma_map before anything is linked or mapped.
	New(v *VMA) *kernel.Error

	// Destroy releases any per-vma state. Called after the vma's pages
	// have been unmapped and it has been unlinked from the vas.
	Destroy(v *VMA)

	// Fault resolves one page fault by producing a physical frame; it
	// sets fault.Frame (or requests pt.MapxSkip/pt.MapxTooBig semantics
	// via its return value) for the caller to install.
	Fault(v *VMA, fault *VMFault) (pt.MapxResult, *kernel.Error)

	// Unmap releases the page range [vaddr, vaddr+length) the vma covers.
	// The default delegates straight to the page table.
	Unmap(v *VMA, vaddr, length uintptr) *kernel.Error

	// Split is called before a vma is cut at vaddr into two; newVMA is
	// the freshly allocated upper half awaiting ops.New. Returning an
	// error vetoes the split.
	Split(v *VMA, vaddr uintptr, newVMA *VMA) *kernel.Error

	// Merge is called before two adjacent, attribute-compatible vmas are
	// collapsed into one; next is the higher-addressed neighbour being
	// absorbed. Returning an error vetoes the merge.
	Merge(v, next *VMA) *kernel.Error

	// SetAttr rewrites the access attributes of the range the vma
	// covers. The default delegates straight to the page table.
	SetAttr(v *VMA, vaddr, length uintptr, attr pt.Attr) *kernel.Error

	// Advise implements vma_advise for this vma's kind.
	Advise(v *VMA, vaddr, length uintptr, advice Advice) *kernel.Error
}

// DefaultOps implements every Ops method except Fault with the behaviour
// §4.2 calls out as the default, so a concrete ops type can embed it and
// override only what makes it different.
type DefaultOps struct{}

// Base returns 0, signalling "no opinion"; vma_map substitutes the vas's
// default base in that case.
func (DefaultOps) Base(vas *VAS) uintptr { return 0 }

// New is a no-op by default.
func (DefaultOps) New(v *VMA) *kernel.Error { return nil }

// Destroy is a no-op by default.
func (DefaultOps) Destroy(v *VMA) {}

// Unmap delegates straight to the page table.
func (DefaultOps) Unmap(v *VMA, vaddr, length uintptr) *kernel.Error {
	return v.vas.pt.Unmap(vaddr, length, 0)
}

// Split always approves.
func (DefaultOps) Split(v *VMA, vaddr uintptr, newVMA *VMA) *kernel.Error { return nil }

// Merge always approves.
func (DefaultOps) Merge(v, next *VMA) *kernel.Error { return nil }

// SetAttr delegates straight to the page table.
func (DefaultOps) SetAttr(v *VMA, vaddr, length uintptr, attr pt.Attr) *kernel.Error {
	return v.vas.pt.SetAttr(vaddr, length, attr)
}

// Advise implements WILLNEED by populating missing pages through the same
// Mapx-driven fault path a hardware fault would use, and DONTNEED by
// unmapping and freeing the range outright.
func (DefaultOps) Advise(v *VMA, vaddr, length uintptr, advice Advice) *kernel.Error {
	switch advice {
	case AdviceDontNeed:
		return v.vas.pt.Unmap(vaddr, length, 0)
	default:
		return v.vas.populate(v, vaddr, length)
	}
}
