// Package allocator provides the concrete physical frame allocators used to
// bootstrap mm.SetFrameAllocator: a single-frame boot-time scanner used until
// the kernel has enough structure to host a bitmap allocator, and the bitmap
// allocator itself.
package allocator

import (
	"github.com/unikraft/unikraft-sub017/kernel"
	"github.com/unikraft/unikraft-sub017/kernel/bootinfo"
	"github.com/unikraft/unikraft-sub017/kernel/kfmt"
	"github.com/unikraft/unikraft-sub017/mm"
)

var (
	errBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}
)

// BootMemAllocator implements a rudimentary physical memory allocator used to
// bootstrap the kernel before the bitmap allocator is available.
//
// The allocator uses the memory region information provided by the
// bootloader to detect free memory blocks and return the next available free
// frame. Allocations are tracked via an internal counter that records the
// last allocated frame.
//
// Frames handed out by this allocator cannot be freed. Once the kernel is
// properly initialized, BitmapAllocator takes over and the blocks allocated
// here become permanently reserved.
type BootMemAllocator struct {
	allocCount     uint64
	lastAllocFrame mm.Frame

	kernelStartAddr, kernelEndAddr   uintptr
	kernelStartFrame, kernelEndFrame mm.Frame
}

// Init sets up the boot memory allocator internal state, reserving the
// physical range occupied by the kernel image itself.
func (alloc *BootMemAllocator) Init(kernelStart, kernelEnd uintptr) {
	pageSizeMinus1 := mm.PageSize - 1
	alloc.kernelStartAddr = kernelStart
	alloc.kernelEndAddr = kernelEnd
	alloc.kernelStartFrame = mm.Frame((kernelStart & ^pageSizeMinus1) >> mm.PageShift)
	alloc.kernelEndFrame = mm.Frame(((kernelEnd+pageSizeMinus1) & ^pageSizeMinus1)>>mm.PageShift) - 1
}

// AllocFrame scans the system memory regions reported by the bootloader and
// reserves the next available free frame. It returns errBootAllocOutOfMemory
// if no more memory can be allocated.
func (alloc *BootMemAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	var err = errBootAllocOutOfMemory

	bootinfo.VisitMemRegions(func(region *bootinfo.MemoryMapEntry) bool {
		if region.Type != bootinfo.MemAvailable || region.Length < uint64(mm.PageSize) {
			return true
		}

		pageSizeMinus1 := uint64(mm.PageSize - 1)
		regionStartFrame := mm.Frame(((region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1) >> mm.PageShift)
		regionEndFrame := mm.Frame(((region.PhysAddress+region.Length) & ^pageSizeMinus1)>>mm.PageShift) - 1

		if alloc.lastAllocFrame >= regionEndFrame {
			return true
		}

		if (alloc.lastAllocFrame <= regionStartFrame && alloc.kernelStartFrame == regionStartFrame) ||
			(alloc.lastAllocFrame <= regionEndFrame && alloc.lastAllocFrame+1 == alloc.kernelStartFrame) {
			alloc.lastAllocFrame = alloc.kernelEndFrame + 1
		} else if alloc.lastAllocFrame < regionStartFrame || alloc.allocCount == 0 {
			alloc.lastAllocFrame = regionStartFrame
		} else {
			alloc.lastAllocFrame++
		}

		if alloc.lastAllocFrame > regionEndFrame {
			return true
		}

		err = nil
		return false
	})

	if err != nil {
		return mm.InvalidFrame, errBootAllocOutOfMemory
	}

	alloc.allocCount++
	return alloc.lastAllocFrame, nil
}

// PrintMemoryMap scans the memory region information provided by the
// bootloader and prints the system's memory map along with the range
// reserved for the kernel image.
func (alloc *BootMemAllocator) PrintMemoryMap() {
	kfmt.Printf("[boot_mem_alloc] system memory map:\n")
	var totalFree uint64
	bootinfo.VisitMemRegions(func(region *bootinfo.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%16x - 0x%16x], size: %16d\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length)

		if region.Type == bootinfo.MemAvailable {
			totalFree += region.Length
		}
		return true
	})
	kfmt.Printf("[boot_mem_alloc] available memory: %dKb\n", totalFree/1024)
	kfmt.Printf("[boot_mem_alloc] kernel loaded at 0x%x - 0x%x\n", alloc.kernelStartAddr, alloc.kernelEndAddr)
	kfmt.Printf("[boot_mem_alloc] size: %d bytes, reserved pages: %d\n",
		uint64(alloc.kernelEndAddr-alloc.kernelStartAddr),
		uint64(alloc.kernelEndFrame-alloc.kernelStartFrame+1),
	)
}
