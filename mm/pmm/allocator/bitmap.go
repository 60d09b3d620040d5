package allocator

import (
	"github.com/unikraft/unikraft-sub017/kernel"
	"github.com/unikraft/unikraft-sub017/kernel/bootinfo"
	"github.com/unikraft/unikraft-sub017/mm"
)

var (
	errBitmapAllocOutOfMemory  = &kernel.Error{Module: "bitmap_alloc", Message: "out of memory"}
	errBitmapAllocBadAlignment = &kernel.Error{Module: "bitmap_alloc", Message: "requested allocation size is not a power of two"}
)

// BitmapAllocator is the standard physical frame allocator used once the
// kernel is up and running. Unlike BootMemAllocator it supports freeing
// frames and allocating contiguous, optionally self-aligned, runs of frames
// -- the `falloc`/`ffree` contract that the paging engine relies on for huge
// page backing.
//
// Each bit in the bitmap corresponds to one frame in the range
// [baseFrame, baseFrame+totalFrames). A set bit means the frame is in use.
type BitmapAllocator struct {
	bitmap      []uint64
	baseFrame   mm.Frame
	totalFrames uint64
	freeFrames  uint64
}

// Init builds the bitmap by replaying the bootloader-reported memory map,
// marking every frame up to (but not including) firstFreeFrame as already in
// use. firstFreeFrame is typically the high-water mark left behind by
// BootMemAllocator so the two allocators never hand out the same frame twice.
func (a *BitmapAllocator) Init(firstFreeFrame mm.Frame) *kernel.Error {
	var highestFrame mm.Frame

	bootinfo.VisitMemRegions(func(region *bootinfo.MemoryMapEntry) bool {
		if region.Type != bootinfo.MemAvailable {
			return true
		}
		end := mm.FrameFromAddress(uintptr(region.PhysAddress + region.Length))
		if end > highestFrame {
			highestFrame = end
		}
		return true
	})

	a.baseFrame = 0
	a.totalFrames = uint64(highestFrame) + 1
	a.bitmap = make([]uint64, (a.totalFrames+63)/64)

	// Mark everything reserved by default; only available regions are
	// cleared, then the already-allocated prefix is re-marked as used.
	for i := range a.bitmap {
		a.bitmap[i] = ^uint64(0)
	}

	bootinfo.VisitMemRegions(func(region *bootinfo.MemoryMapEntry) bool {
		if region.Type != bootinfo.MemAvailable {
			return true
		}
		start := mm.FrameFromAddress(uintptr(region.PhysAddress))
		end := mm.FrameFromAddress(uintptr(region.PhysAddress + region.Length))
		for f := start; f < end; f++ {
			a.clearBit(uint64(f))
			a.freeFrames++
		}
		return true
	})

	for f := mm.Frame(0); f < firstFreeFrame; f++ {
		if !a.testBit(uint64(f)) {
			a.setBit(uint64(f))
			a.freeFrames--
		}
	}

	return nil
}

// AllocFrame reserves n contiguous frames. When flags includes AllocAligned
// the returned run is self-aligned to n frames, as required when backing a
// huge-page leaf.
func (a *BitmapAllocator) AllocFrame(n uintptr, flags mm.AllocFlag) (mm.Frame, *kernel.Error) {
	if n == 0 {
		return mm.InvalidFrame, errBitmapAllocOutOfMemory
	}

	aligned := flags&mm.AllocAligned != 0
	if aligned && (n&(n-1)) != 0 {
		return mm.InvalidFrame, errBitmapAllocBadAlignment
	}

	step := uint64(1)
	if aligned {
		step = uint64(n)
	}

	for start := uint64(0); start+uint64(n) <= a.totalFrames; start += step {
		if a.rangeFree(start, uint64(n)) {
			for f := start; f < start+uint64(n); f++ {
				a.setBit(f)
			}
			a.freeFrames -= uint64(n)
			return mm.Frame(start), nil
		}
	}

	return mm.InvalidFrame, errBitmapAllocOutOfMemory
}

// FreeFrame releases n contiguous frames starting at frame. Frames outside
// the allocator's tracked range, or already free, are reported as such and
// are not treated as fatal by callers (see mm.FreeResult).
func (a *BitmapAllocator) FreeFrame(frame mm.Frame, n uintptr) mm.FreeResult {
	start := uint64(frame)
	if start+uint64(n) > a.totalFrames {
		return mm.FreeNotMine
	}

	result := mm.FreeOK
	for f := start; f < start+uint64(n); f++ {
		if !a.testBit(f) {
			result = mm.FreeAlreadyFree
			continue
		}
		a.clearBit(f)
		a.freeFrames++
	}
	return result
}

// FreeFrames returns the number of currently unallocated frames.
func (a *BitmapAllocator) FreeFrames() uint64 {
	return a.freeFrames
}

func (a *BitmapAllocator) rangeFree(start, n uint64) bool {
	for f := start; f < start+n; f++ {
		if a.testBit(f) {
			return false
		}
	}
	return true
}

func (a *BitmapAllocator) testBit(bit uint64) bool {
	return a.bitmap[bit/64]&(1<<(bit%64)) != 0
}

func (a *BitmapAllocator) setBit(bit uint64) {
	a.bitmap[bit/64] |= 1 << (bit % 64)
}

func (a *BitmapAllocator) clearBit(bit uint64) {
	a.bitmap[bit/64] &^= 1 << (bit % 64)
}
