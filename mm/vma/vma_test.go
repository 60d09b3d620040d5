package vma

import (
	"testing"

	"github.com/unikraft/unikraft-sub017/kernel"
	"github.com/unikraft/unikraft-sub017/mm"
	"github.com/unikraft/unikraft-sub017/mm/pt"
)

// fakePageTable is a minimal in-memory stand-in for *pt.PageTable, covering
// only base-page mappings -- everything the vma layer under test installs,
// since none of these tests force a larger level. It lets vma/vas logic be
// exercised without a live, recursively-mapped hierarchy.
type fakePageTable struct {
	entries  map[uintptr]pt.Entry
	nextFree mm.Frame
	active   bool
}

func newFakePageTable() *fakePageTable {
	return &fakePageTable{entries: make(map[uintptr]pt.Entry), nextFree: mm.Frame(1)}
}

func (f *fakePageTable) Mapx(vaddr uintptr, frame mm.Frame, length uintptr, attr pt.Attr, flags pt.MapFlag, cb pt.MapxFunc) *kernel.Error {
	cur := frame
	for addr := vaddr; addr < vaddr+length; addr += mm.PageSize {
		pageFrame := cur
		if !frame.Valid() {
			af, aerr := mm.AllocFrame()
			if aerr != nil {
				return aerr
			}
			pageFrame = af
		}

		entry := pt.Entry{Frame: pageFrame, Attr: attr}
		result := pt.MapxOK
		if cb != nil {
			var err *kernel.Error
			result, err = cb(addr, 0, &entry)
			if err != nil {
				return err
			}
		}

		switch result {
		case pt.MapxSkip:
		case pt.MapxTooBig:
			return pt.ErrInvalid
		default:
			f.entries[addr] = entry
		}

		if frame.Valid() {
			cur++
		}
	}
	return nil
}

func (f *fakePageTable) Unmap(vaddr, length uintptr, flags pt.MapFlag) *kernel.Error {
	for addr := vaddr; addr < vaddr+length; addr += mm.PageSize {
		if e, ok := f.entries[addr]; ok {
			delete(f.entries, addr)
			if flags&pt.KeepFrames == 0 {
				mm.FreeFrame(e.Frame, 1)
			}
		}
	}
	return nil
}

func (f *fakePageTable) SetAttr(vaddr, length uintptr, attr pt.Attr) *kernel.Error {
	for addr := vaddr; addr < vaddr+length; addr += mm.PageSize {
		e, ok := f.entries[addr]
		if !ok {
			// A lazily-mapped page has no entry yet; SetAttr tolerates
			// that instead of failing, matching pt.SetAttr.
			continue
		}
		e.Attr = attr
		f.entries[addr] = e
	}
	return nil
}

func (f *fakePageTable) Walk(vaddr uintptr) (pt.Entry, uint8, *kernel.Error) {
	e, ok := f.entries[vaddr&^(mm.PageSize-1)]
	if !ok {
		return pt.Entry{}, 0, pt.ErrNotPresent
	}
	return e, 0, nil
}

func (f *fakePageTable) Activate() { f.active = true }

func withFrameAllocator(t *testing.T) *fakeFrameAllocator {
	t.Helper()
	frames := &fakeFrameAllocator{next: mm.Frame(1000)}
	mm.SetFrameAllocator(frames.alloc, frames.free)
	t.Cleanup(func() { mm.SetFrameAllocator(nil, nil) })

	// zeroFramesFn normally zero-fills through pt.Kmap, which needs a live,
	// recursively-mapped hierarchy; stub it out for these unit tests.
	orig := zeroFramesFn
	zeroFramesFn = func(frame mm.Frame, pages uintptr) *kernel.Error { return nil }
	t.Cleanup(func() { zeroFramesFn = orig })

	return frames
}

// fakeFrameAllocator tracks outstanding allocations so tests can assert the
// frame-balance invariant (§10: "frame counter unchanged" / "frame counts
// balance after Unmap") rather than just that calls return nil.
type fakeFrameAllocator struct {
	next        mm.Frame
	outstanding uintptr
}

func (a *fakeFrameAllocator) alloc(n uintptr, flags mm.AllocFlag) (mm.Frame, *kernel.Error) {
	f := a.next
	a.next += mm.Frame(n)
	a.outstanding += n
	return f, nil
}

func (a *fakeFrameAllocator) free(frame mm.Frame, n uintptr) mm.FreeResult {
	a.outstanding -= n
	return mm.FreeOK
}

const testBase = uintptr(0x1000_0000)

func newTestVAS() (*VAS, *fakePageTable) {
	table := newFakePageTable()
	return Init(table, testBase, 0), table
}

func TestMapAnyAddressPicksFirstFit(t *testing.T) {
	withFrameAllocator(t)
	vas, _ := newTestVAS()

	m1, err := vas.Map(AnyAddress, 2*mm.PageSize, pt.AttrRead|pt.AttrWrite, 0, -1, "", AnonOps{})
	if err != nil {
		t.Fatalf("first map: %v", err)
	}
	if m1.Start != testBase {
		t.Fatalf("expected first mapping at base %#x, got %#x", testBase, m1.Start)
	}

	m2, err := vas.Map(AnyAddress, mm.PageSize, pt.AttrRead, 0, -1, "", AnonOps{})
	if err != nil {
		t.Fatalf("second map: %v", err)
	}
	if m2.Start != m1.End {
		t.Fatalf("expected second mapping immediately after the first; got %#x, want %#x", m2.Start, m1.End)
	}
}

func TestMapConcreteAddressRejectsCollisionWithoutReplace(t *testing.T) {
	withFrameAllocator(t)
	vas, _ := newTestVAS()

	if _, err := vas.Map(testBase, mm.PageSize, pt.AttrRead, 0, -1, "", AnonOps{}); err != nil {
		t.Fatalf("initial map: %v", err)
	}

	if _, err := vas.Map(testBase, mm.PageSize, pt.AttrRead, 0, -1, "", AnonOps{}); err != ErrExists {
		t.Fatalf("expected ErrExists on collision; got %v", err)
	}
}

func TestMapReplaceOverwritesExisting(t *testing.T) {
	withFrameAllocator(t)
	vas, _ := newTestVAS()

	if _, err := vas.Map(testBase, mm.PageSize, pt.AttrRead, 0, -1, "old", AnonOps{}); err != nil {
		t.Fatalf("initial map: %v", err)
	}

	m, err := vas.Map(testBase, mm.PageSize, pt.AttrRead|pt.AttrWrite, MapReplace, -1, "new", AnonOps{})
	if err != nil {
		t.Fatalf("replace map: %v", err)
	}
	if m.Name != "new" || m.Attr&pt.AttrWrite == 0 {
		t.Fatalf("expected replacement vma to carry the new attributes, got %+v", m)
	}
}

func TestMapPopulateInstallsAllPages(t *testing.T) {
	withFrameAllocator(t)
	vas, table := newTestVAS()

	m, err := vas.Map(AnyAddress, 3*mm.PageSize, pt.AttrRead, MapPopulate, -1, "", AnonOps{})
	if err != nil {
		t.Fatalf("map: %v", err)
	}

	for addr := m.Start; addr < m.End; addr += mm.PageSize {
		if _, ok := table.entries[addr]; !ok {
			t.Fatalf("expected page at %#x to be populated", addr)
		}
	}
}

func TestUnmapNonStrictIsIdempotent(t *testing.T) {
	withFrameAllocator(t)
	vas, _ := newTestVAS()

	if _, err := vas.Map(testBase, mm.PageSize, pt.AttrRead, 0, -1, "", AnonOps{}); err != nil {
		t.Fatalf("map: %v", err)
	}

	if err := vas.Unmap(testBase, mm.PageSize, 0); err != nil {
		t.Fatalf("first unmap: %v", err)
	}
	if err := vas.Unmap(testBase, mm.PageSize, 0); err != nil {
		t.Fatalf("second unmap over a hole should be a no-op, got %v", err)
	}
}

func TestUnmapStrictRejectsHole(t *testing.T) {
	withFrameAllocator(t)
	vas, _ := newTestVAS()

	if _, err := vas.Map(testBase, mm.PageSize, pt.AttrRead, 0, -1, "", AnonOps{}); err != nil {
		t.Fatalf("map: %v", err)
	}

	if err := vas.Unmap(testBase, 3*mm.PageSize, UnmapStrict); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for a STRICT unmap over a hole, got %v", err)
	}
}

func TestMapUnmapRoundTripBalancesFrames(t *testing.T) {
	frames := withFrameAllocator(t)
	vas, _ := newTestVAS()

	m, err := vas.Map(AnyAddress, 3*mm.PageSize, pt.AttrRead|pt.AttrWrite, MapPopulate, -1, "", AnonOps{})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if frames.outstanding != 3 {
		t.Fatalf("expected exactly 3 frames outstanding after populating 3 pages, got %d", frames.outstanding)
	}

	if err := vas.Unmap(m.Start, m.Len(), 0); err != nil {
		t.Fatalf("unmap: %v", err)
	}
	if frames.outstanding != 0 {
		t.Fatalf("expected the frame counter to return to zero after unmap, got %d", frames.outstanding)
	}
}

func TestUnmapSplitsBoundaryVMA(t *testing.T) {
	withFrameAllocator(t)
	vas, table := newTestVAS()

	m, err := vas.Map(testBase, 4*mm.PageSize, pt.AttrRead, MapPopulate, -1, "", AnonOps{})
	if err != nil {
		t.Fatalf("map: %v", err)
	}

	if err := vas.Unmap(m.Start+mm.PageSize, 2*mm.PageSize, 0); err != nil {
		t.Fatalf("unmap: %v", err)
	}

	if _, err := vas.Find(m.Start); err != nil {
		t.Fatalf("expected the first page's vma to survive, got %v", err)
	}
	if _, err := vas.Find(m.Start + 3*mm.PageSize); err != nil {
		t.Fatalf("expected the last page's vma to survive, got %v", err)
	}
	if _, err := vas.Find(m.Start + mm.PageSize); err == nil {
		t.Fatalf("expected the middle of the range to be unmapped")
	}
	if len(table.entries) != 2 {
		t.Fatalf("expected exactly the two surviving pages still installed, got %d", len(table.entries))
	}
}

func TestSetAttrSplitsAndUpdatesOnlyRequestedRange(t *testing.T) {
	withFrameAllocator(t)
	vas, table := newTestVAS()

	m, err := vas.Map(testBase, 3*mm.PageSize, pt.AttrRead, MapPopulate, -1, "", AnonOps{})
	if err != nil {
		t.Fatalf("map: %v", err)
	}

	if err := vas.SetAttr(m.Start+mm.PageSize, mm.PageSize, pt.AttrRead|pt.AttrWrite); err != nil {
		t.Fatalf("set_attr: %v", err)
	}

	first, _ := vas.Find(m.Start)
	mid, _ := vas.Find(m.Start + mm.PageSize)
	last, _ := vas.Find(m.Start + 2*mm.PageSize)

	if first.Attr&pt.AttrWrite != 0 {
		t.Fatalf("expected the first page to keep its original attributes")
	}
	if mid.Attr&pt.AttrWrite == 0 {
		t.Fatalf("expected the middle page's attribute to change")
	}
	if last.Attr&pt.AttrWrite != 0 {
		t.Fatalf("expected the last page to keep its original attributes")
	}
	if table.entries[m.Start+mm.PageSize].Attr&pt.AttrWrite == 0 {
		t.Fatalf("expected the page table entry itself to reflect the new attribute")
	}
}

func TestSetAttrRejectsHole(t *testing.T) {
	withFrameAllocator(t)
	vas, _ := newTestVAS()

	if _, err := vas.Map(testBase, mm.PageSize, pt.AttrRead, 0, -1, "", AnonOps{}); err != nil {
		t.Fatalf("map: %v", err)
	}

	if err := vas.SetAttr(testBase, 3*mm.PageSize, pt.AttrRead|pt.AttrWrite); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound over a hole, got %v", err)
	}
}

func TestSetAttrReunifiesSplitRangeBackIntoOneVMA(t *testing.T) {
	withFrameAllocator(t)
	vas, _ := newTestVAS()

	m, err := vas.Map(testBase, 3*mm.PageSize, pt.AttrRead, 0, -1, "", AnonOps{})
	if err != nil {
		t.Fatalf("map: %v", err)
	}

	if err := vas.SetAttr(m.Start+mm.PageSize, mm.PageSize, pt.AttrRead|pt.AttrWrite); err != nil {
		t.Fatalf("set_attr to split it: %v", err)
	}
	if err := vas.SetAttr(m.Start, 3*mm.PageSize, pt.AttrRead|pt.AttrWrite); err != nil {
		t.Fatalf("set_attr to reunify it: %v", err)
	}

	whole, err := vas.Find(m.Start)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if whole.Start != m.Start || whole.End != m.End {
		t.Fatalf("expected one vma spanning the whole original range again, got [%#x, %#x)", whole.Start, whole.End)
	}
}

func TestAdviseDontNeedFreesBackingPages(t *testing.T) {
	withFrameAllocator(t)
	vas, table := newTestVAS()

	m, err := vas.Map(testBase, 2*mm.PageSize, pt.AttrRead, MapPopulate, -1, "", AnonOps{})
	if err != nil {
		t.Fatalf("map: %v", err)
	}

	if err := vas.Advise(m.Start, m.Len(), AdviceDontNeed); err != nil {
		t.Fatalf("advise: %v", err)
	}
	if len(table.entries) != 0 {
		t.Fatalf("expected DONTNEED to free every backing page, %d remain", len(table.entries))
	}
}

func TestAdviseWillNeedSkipsAlreadyPresentPages(t *testing.T) {
	withFrameAllocator(t)
	vas, table := newTestVAS()

	m, err := vas.Map(testBase, 2*mm.PageSize, pt.AttrRead, 0, -1, "", AnonOps{})
	if err != nil {
		t.Fatalf("map: %v", err)
	}

	if err := vas.Advise(m.Start, mm.PageSize, AdviceWillNeed); err != nil {
		t.Fatalf("advise first page: %v", err)
	}
	firstFrame := table.entries[m.Start].Frame

	if err := vas.Advise(m.Start, m.Len(), AdviceWillNeed); err != nil {
		t.Fatalf("advise whole range: %v", err)
	}
	if table.entries[m.Start].Frame != firstFrame {
		t.Fatalf("expected the already-present page to keep its original frame")
	}
	if _, ok := table.entries[m.Start+mm.PageSize]; !ok {
		t.Fatalf("expected the missing second page to have been populated")
	}
}

func TestAnonFaultReusesCandidateFrame(t *testing.T) {
	withFrameAllocator(t)
	vas, _ := newTestVAS()

	m, err := vas.Map(testBase, mm.PageSize, pt.AttrRead, 0, -1, "", AnonOps{})
	if err != nil {
		t.Fatalf("map: %v", err)
	}

	candidate := mm.Frame(42)
	fault := VMFault{VMA: m, Length: mm.PageSize, Frame: candidate}
	result, ferr := AnonOps{}.Fault(m, &fault)
	if ferr != nil {
		t.Fatalf("fault: %v", ferr)
	}
	if result != pt.MapxOK {
		t.Fatalf("expected MapxOK, got %v", result)
	}
	if fault.Frame != candidate {
		t.Fatalf("expected a single-page fault to accept Mapx's own candidate frame %v unchanged, got %v", candidate, fault.Frame)
	}
}

func TestStackFaultSkipsGuardOnSoftFault(t *testing.T) {
	withFrameAllocator(t)
	vas, _ := newTestVAS()

	ops := StackOps{GuardPages: 2}
	m, err := vas.Map(testBase, 10*mm.PageSize, pt.AttrRead|pt.AttrWrite, 0, -1, "stack", ops)
	if err != nil {
		t.Fatalf("map: %v", err)
	}

	fault := VMFault{VMA: m, VAddr: m.Start, Type: FaultSoft}
	result, ferr := ops.Fault(m, &fault)
	if ferr != nil {
		t.Fatalf("expected a soft fault into the guard to be skipped, not erred: %v", ferr)
	}
	if result != pt.MapxSkip {
		t.Fatalf("expected MapxSkip for a guard-region soft fault, got %v", result)
	}
}

func TestStackFaultCrashesOnHardwareGuardHit(t *testing.T) {
	ops := StackOps{GuardPages: 2}
	m := &VMA{Start: testBase, End: testBase + 10*mm.PageSize}

	fault := VMFault{VMA: m, VAddr: m.Start, Type: FaultHW | FaultWrite}
	if _, err := ops.Fault(m, &fault); err != ErrGuardFault {
		t.Fatalf("expected ErrGuardFault for a hardware access into the guard, got %v", err)
	}
}

func TestStackVetoesSplitAndMerge(t *testing.T) {
	ops := StackOps{GuardPages: 2}
	m := &VMA{Start: testBase, End: testBase + 10*mm.PageSize}

	if err := ops.Split(m, m.Start+mm.PageSize, &VMA{}); err != ErrDenied {
		t.Fatalf("expected ErrDenied from Split, got %v", err)
	}
	if err := ops.Merge(m, &VMA{}); err != ErrDenied {
		t.Fatalf("expected ErrDenied from Merge, got %v", err)
	}
}

func TestRouteRejectsWriteToReadOnlyVMA(t *testing.T) {
	withFrameAllocator(t)
	vas, _ := newTestVAS()

	if _, err := vas.Map(testBase, mm.PageSize, pt.AttrRead, 0, -1, "", AnonOps{}); err != nil {
		t.Fatalf("map: %v", err)
	}
	SetActive(vas)
	t.Cleanup(func() { SetActive(nil) })

	if err := Route(testBase, FaultWrite, nil); err != ErrFault {
		t.Fatalf("expected ErrFault for a write into a read-only vma, got %v", err)
	}
}

func TestRouteInstallsPageOnDemand(t *testing.T) {
	withFrameAllocator(t)
	vas, table := newTestVAS()

	if _, err := vas.Map(testBase, mm.PageSize, pt.AttrRead|pt.AttrWrite, 0, -1, "", AnonOps{}); err != nil {
		t.Fatalf("map: %v", err)
	}
	SetActive(vas)
	t.Cleanup(func() { SetActive(nil) })

	if err := Route(testBase, FaultWrite|FaultNonPresent, nil); err != nil {
		t.Fatalf("route: %v", err)
	}
	if _, ok := table.entries[testBase]; !ok {
		t.Fatalf("expected the faulting page to have been installed")
	}
}

func TestRouteRejectsNoCoveringVMA(t *testing.T) {
	withFrameAllocator(t)
	vas, _ := newTestVAS()
	SetActive(vas)
	t.Cleanup(func() { SetActive(nil) })

	if err := Route(testBase, FaultRead, nil); err != ErrFault {
		t.Fatalf("expected ErrFault with no covering vma, got %v", err)
	}
}
