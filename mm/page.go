// Package mm provides the physical frame and virtual page primitives shared
// by the paging engine (package pt) and the virtual-memory-area manager
// (package vma).
package mm

import (
	"math"

	"github.com/unikraft/unikraft-sub017/kernel"
)

// Frame describes a physical memory page index.
type Frame uintptr

// InvalidFrame is returned by frame allocators when they fail to reserve the
// requested frame.
const InvalidFrame = Frame(math.MaxUint64)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns the Frame that corresponds to the given physical
// address. Non-page-aligned addresses are rounded down to the frame that
// contains them.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// AllocFlag qualifies a frame allocation request.
type AllocFlag uint

const (
	// AllocAligned requests a contiguous run of frames self-aligned to
	// its own size (required when backing a huge-page leaf).
	AllocAligned AllocFlag = 1 << iota
)

// FreeResult reports the outcome of a frame release.
type FreeResult uint8

const (
	// FreeOK indicates the frame was released back to the allocator.
	FreeOK FreeResult = iota

	// FreeNotMine indicates the frame is not tracked by this allocator.
	// The paging engine treats this as non-fatal: it allows overmapping
	// of legacy or externally-owned regions.
	FreeNotMine

	// FreeAlreadyFree indicates the frame was already free. Also
	// non-fatal, to tolerate stale aliases of the same physical range.
	FreeAlreadyFree
)

// FrameAllocatorFn allocates n contiguous physical frames honouring flags.
type FrameAllocatorFn func(n uintptr, flags AllocFlag) (Frame, *kernel.Error)

// FrameFreeFn releases n contiguous physical frames starting at frame.
type FrameFreeFn func(frame Frame, n uintptr) FreeResult

var (
	frameAllocator FrameAllocatorFn
	frameFreer     FrameFreeFn
)

// SetFrameAllocator registers the frame allocator functions that pt and vma
// use whenever new physical frames need to be allocated or released. This
// indirection keeps the paging engine decoupled from any one allocator
// implementation (bump allocator during boot, bitmap allocator once the
// kernel is up).
func SetFrameAllocator(allocFn FrameAllocatorFn, freeFn FrameFreeFn) {
	frameAllocator = allocFn
	frameFreer = freeFn
}

// AllocFrame allocates a single physical frame using the currently active
// frame allocator.
func AllocFrame() (Frame, *kernel.Error) {
	return frameAllocator(1, 0)
}

// AllocFrames allocates n contiguous physical frames using the currently
// active frame allocator.
func AllocFrames(n uintptr, flags AllocFlag) (Frame, *kernel.Error) {
	return frameAllocator(n, flags)
}

// FreeFrame releases n contiguous physical frames starting at frame using
// the currently active frame allocator.
func FreeFrame(frame Frame, n uintptr) FreeResult {
	return frameFreer(frame, n)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns the Page that corresponds to the given virtual
// address. Non-page-aligned addresses are rounded down to the page that
// contains them.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}
