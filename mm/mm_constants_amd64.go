package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// converting a physical address to a frame/page number (shift right
	// by PageShift) and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's base page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// MaxPageLevel is the highest page-table level this architecture
	// supports a leaf mapping at (0 = 4K, 1 = 2M, 2 = 1G).
	MaxPageLevel = 2

	// PageLevels is the number of levels in the hierarchical page table.
	PageLevels = 4
)

// levelShift gives the virtual-address bit shift of a leaf mapping at the
// given page-table level (0 = base page, 1 = 2M, 2 = 1G on amd64). Indexed by
// leaf level, not by descent depth.
var levelShift = [PageLevels]uint8{12, 21, 30, 39}

// LevelPageSize returns the size in bytes of a leaf mapping at the given
// page-table level (0 = base page, 1 = 2M, 2 = 1G on amd64).
func LevelPageSize(level uint8) uintptr {
	return uintptr(1) << levelShift[level]
}

// LevelSupported returns true if the architecture supports leaf mappings at
// the given page-table level.
func LevelSupported(level uint8) bool {
	return level <= MaxPageLevel
}
