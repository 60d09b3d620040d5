package vma

import (
	"github.com/unikraft/unikraft-sub017/kernel"
	"github.com/unikraft/unikraft-sub017/mm"
	"github.com/unikraft/unikraft-sub017/mm/pt"
)

// ErrGuardFault is the fatal error a hardware access into a stack's guard
// region produces; the fault router surfaces it as a crash rather than
// resolving it.
var ErrGuardFault = &kernel.Error{Module: "vma", Message: "access inside stack guard region"}

// StackOps backs a vma with a growable stack flanked by unbacked guard
// regions at both ends: GuardPages pages at [Start, Start+guard) and again
// at [End-guard, End). Touching either guard is always a fatal access;
// split and merge are vetoed outright so a guard can never end up
// straddling two vmas.
type StackOps struct {
	DefaultOps
	GuardPages uintptr
}

// guardSize is the byte length of one guard region.
func (s StackOps) guardSize() uintptr { return s.GuardPages * mm.PageSize }

// inGuard reports whether vaddr falls inside either guard region of v.
func (s StackOps) inGuard(v *VMA, vaddr uintptr) bool {
	guard := s.guardSize()
	return vaddr < v.Start+guard || vaddr >= v.End-guard
}

// Fault allocates and zero-fills stack memory exactly like AnonOps, except
// inside a guard region: a software (eager) fault there is silently
// skipped, leaving the guard unbacked, while a hardware fault there is a
// fatal error -- crash-on-overflow.
func (s StackOps) Fault(v *VMA, fault *VMFault) (pt.MapxResult, *kernel.Error) {
	if s.inGuard(v, fault.VAddr) {
		if fault.Type&FaultHW != 0 {
			return 0, ErrGuardFault
		}
		return pt.MapxSkip, nil
	}
	return AnonOps{}.Fault(v, fault)
}

// Split always vetoes: cutting a stack vma could leave a guard region
// straddling the boundary.
func (s StackOps) Split(v *VMA, vaddr uintptr, newVMA *VMA) *kernel.Error {
	return ErrDenied
}

// Merge always vetoes, for the same reason as Split.
func (s StackOps) Merge(v, next *VMA) *kernel.Error {
	return ErrDenied
}
