// Package pmm wires the two concrete frame allocators (the boot-time scanner
// and the bitmap allocator) into mm's FrameAllocatorFn/FrameFreeFn registry.
package pmm

import (
	"github.com/unikraft/unikraft-sub017/kernel"
	"github.com/unikraft/unikraft-sub017/mm"
	"github.com/unikraft/unikraft-sub017/mm/pmm/allocator"
)

var (
	bootMemAllocator allocator.BootMemAllocator
	bitmapAllocator  allocator.BitmapAllocator
)

// Init sets up the kernel's physical memory allocation subsystem. It first
// installs the boot-time allocator, then initialises the bitmap allocator
// (reserving every frame the boot allocator has handed out) and registers it
// in the boot allocator's place before returning.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	bootMemAllocator.Init(kernelStart, kernelEnd)
	bootMemAllocator.PrintMemoryMap()
	mm.SetFrameAllocator(earlyAllocFrame, earlyFreeFrame)

	if err := bitmapAllocator.Init(lastBootFrame()); err != nil {
		return err
	}
	mm.SetFrameAllocator(bitmapAllocFrame, bitmapFreeFrame)

	return nil
}

func lastBootFrame() mm.Frame {
	// The boot allocator only ever grows lastAllocFrame; allocate one more
	// throwaway frame through it so the bitmap allocator's reserved-prefix
	// high-water mark includes everything handed out so far.
	frame, err := bootMemAllocator.AllocFrame()
	if err != nil {
		return 0
	}
	return frame + 1
}

func earlyAllocFrame(n uintptr, _ mm.AllocFlag) (mm.Frame, *kernel.Error) {
	if n != 1 {
		return mm.InvalidFrame, &kernel.Error{Module: "pmm", Message: "boot allocator cannot satisfy multi-frame requests"}
	}
	return bootMemAllocator.AllocFrame()
}

func earlyFreeFrame(mm.Frame, uintptr) mm.FreeResult {
	// The boot allocator cannot free frames; any request to do so targets
	// memory it never owned in the first place.
	return mm.FreeNotMine
}

func bitmapAllocFrame(n uintptr, flags mm.AllocFlag) (mm.Frame, *kernel.Error) {
	return bitmapAllocator.AllocFrame(n, flags)
}

func bitmapFreeFrame(frame mm.Frame, n uintptr) mm.FreeResult {
	return bitmapAllocator.FreeFrame(frame, n)
}
