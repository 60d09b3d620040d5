package pt

import (
	"math"

	"github.com/unikraft/unikraft-sub017/mm"
)

// depth indexes a page-table walk top-down: depth 0 is the root table
// (PML4), depth mm.PageLevels-1 is the table that holds base-page (4K)
// leaves. This is the opposite ordering from the leaf-level numbering used
// everywhere else (mm.LevelPageSize, Attr-bearing operations): leaf level L
// lives at depth (mm.PageLevels-1-L).
//
// depthBits and depthShift mirror the teacher's pageLevelBits/pageLevelShifts
// tables; each level consumes 9 bits of virtual address, i.e. 512 entries
// per table.
var (
	depthBits  = [mm.PageLevels]uint8{9, 9, 9, 9}
	depthShift = [mm.PageLevels]uint8{39, 30, 21, 12}
)

// depthForLevel converts a leaf level (0 = base page) to its walk depth.
func depthForLevel(level uint8) uint8 {
	return uint8(mm.PageLevels-1) - level
}

// levelForDepth is the inverse of depthForLevel.
func levelForDepth(depth uint8) uint8 {
	return uint8(mm.PageLevels-1) - depth
}

const (
	// ptePhysPageMask extracts the physical frame address encoded in a
	// leaf or table PTE. On amd64 bits 12-51 carry the address.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// rootVirtualAddr is the virtual address that, thanks to the
	// recursive last-entry mapping installed by NewEmpty (bootstrapRoot), lets the running
	// code address the currently active hierarchy's root table directly.
	// Indexing through it at increasing depth reaches every level below.
	rootVirtualAddr = uintptr(math.MaxUint64 &^ ((1 << 12) - 1))

	// kmapWindowAddr is a reserved virtual page used for transient
	// mappings: bootstrapping a freshly allocated root and the
	// page_kmap/page_kunmap contract used to zero newly allocated leaf
	// frames.
	kmapWindowAddr = uintptr(0xffffff7ffffff000)
)
