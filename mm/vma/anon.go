package vma

import (
	"github.com/unikraft/unikraft-sub017/kernel"
	"github.com/unikraft/unikraft-sub017/mm"
	"github.com/unikraft/unikraft-sub017/mm/pt"
)

var (
	// ErrNoFrame is returned when AnonOps.Fault cannot obtain backing
	// memory for a page.
	ErrNoFrame = &kernel.Error{Module: "vma", Message: "anonymous mapping out of memory"}
)

// AnonOps backs a vma with freshly allocated, zero-filled memory: the
// simplest and most common vma kind, used for heap, bss and any other
// mapping with no external data source. It embeds DefaultOps for every
// hook but Fault.
type AnonOps struct {
	DefaultOps
}

// Fault backs the faulting page with fault.Frame, the candidate Mapx already
// allocated, and zero-fills it unless the vma carries MapUninitialized,
// matching the teacher's zero-on-demand discipline for anonymous memory.
// Mapx's candidate is always a single base frame, which is exactly right for
// a base-page fault; a huge leaf needs a self-aligned contiguous run
// instead, so that case frees the single-frame candidate and allocates the
// run separately rather than stacking a second allocation on top of it.
func (AnonOps) Fault(v *VMA, fault *VMFault) (pt.MapxResult, *kernel.Error) {
	pages := fault.Length / mm.PageSize

	frame := fault.Frame
	if pages != 1 {
		mm.FreeFrame(fault.Frame, 1)
		var err *kernel.Error
		frame, err = mm.AllocFrames(pages, mm.AllocAligned)
		if err != nil {
			return 0, ErrNoFrame
		}
	}

	if v.Flags&MapUninitialized == 0 {
		if zerr := zeroFramesFn(frame, pages); zerr != nil {
			mm.FreeFrame(frame, pages)
			return 0, zerr
		}
	}

	fault.Frame = frame
	return pt.MapxOK, nil
}

// zeroFramesFn indirects the zero-fill step so tests can swap in a stub
// that doesn't need a live, recursively-mapped hierarchy behind pt.Kmap.
var zeroFramesFn = zeroFrames

// zeroFrames zero-fills a run of physical frames one base page at a time
// through the shared kmap window, since the window can only ever address
// one base page.
func zeroFrames(frame mm.Frame, pages uintptr) *kernel.Error {
	for i := uintptr(0); i < pages; i++ {
		win, err := pt.Kmap(mm.Frame(uintptr(frame) + i))
		if err != nil {
			return err
		}
		kernel.Memset(win, 0, mm.PageSize)
		pt.Kunmap(win)
	}
	return nil
}
