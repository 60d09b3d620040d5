// Package pt implements the architecture-independent page-table engine: a
// hierarchy of translation tables that map virtual pages to physical frames,
// shared by every virtual address space managed by package vma.
//
// The engine never inspects hardware PTE bits directly; it goes through the
// small arch-specific surface in pte_amd64.go (present/isLeaf/frame/attr,
// createPTE) so that porting to another architecture only touches that file.
package pt

import (
	"unsafe"

	"github.com/unikraft/unikraft-sub017/kernel"
	"github.com/unikraft/unikraft-sub017/kernel/cpu"
	"github.com/unikraft/unikraft-sub017/mm"
)

var (
	// activeRootFn/switchRootFn/flushEntryFn/flushAllFn are mocked by
	// tests; in production builds the compiler inlines the cpu package
	// calls away.
	activeRootFn = cpu.ActivePDT
	switchRootFn = cpu.SwitchPDT
	flushEntryFn = cpu.FlushTLBEntry
	flushAllFn   = cpu.FlushTLB

	// ptrForFn turns an entry's virtual address into a pointer to it.
	// Tests override this so a walk can be driven over an ordinary Go
	// slice instead of live recursively-mapped memory.
	ptrForFn = func(addr uintptr) unsafe.Pointer {
		return unsafe.Pointer(addr)
	}

	// memsetFn/memcopyFn indirect the kmap-window zero/copy calls so
	// tests can redirect them at fake-backed storage the same way
	// ptrForFn redirects PTE slot access.
	memsetFn  = kernel.Memset
	memcopyFn = kernel.Memcopy
)

// MapFlag qualifies a Map/Mapx/Unmap/SetAttr call.
type MapFlag uint32

const (
	// ForceSize requires the operation to use exactly the level encoded
	// via WithSize instead of letting the engine pick the largest
	// supported, alignment-permitting level.
	ForceSize MapFlag = 1 << iota

	// KeepPTEs preserves the non-address bits of the entry being
	// replaced (e.g. during a remap) and, on unmap, leaves now-empty
	// intermediate tables allocated instead of freeing them.
	KeepPTEs

	// KeepFrames leaves the physical frame backing a leaf mapping
	// allocated when that leaf is removed; the caller retains ownership.
	KeepFrames

	sizeFlagShift = 16
	sizeFlagMask  = MapFlag(0xff) << sizeFlagShift
)

// WithSize packs a requested leaf level into a MapFlag word alongside
// ForceSize; mirrors the stable PAGE_FLAG_SIZE(level) contract.
func WithSize(level uint8) MapFlag {
	return MapFlag(level) << sizeFlagShift
}

func sizeFromFlags(flags MapFlag) uint8 {
	return uint8((flags & sizeFlagMask) >> sizeFlagShift)
}

// MapxResult is the outcome a Mapx callback reports for one slot.
type MapxResult int

const (
	// MapxOK accepts the prepared PTE as-is (or as edited by the callback).
	MapxOK MapxResult = iota
	// MapxSkip leaves the slot untouched; used e.g. by populate to leave an
	// already-present page alone and by StackOps for guard pages.
	MapxSkip
	// MapxTooBig asks the engine to retry the slot at the next smaller
	// supported level.
	MapxTooBig
)

// MapxFunc is the per-page callback protocol that unifies eager population,
// demand paging and advice. It receives the virtual address of the page
// about to be installed, the level chosen for it, and a pointer to the
// prepared-but-not-yet-written entry which it may edit in place (e.g. to
// install a different frame than the one the engine allocated).
type MapxFunc func(vaddr uintptr, level uint8, entry *Entry) (MapxResult, *kernel.Error)

// Entry is the caller-facing view of a leaf page-table entry: the subset of
// state a Mapx callback or page_walk caller is allowed to inspect or mutate.
type Entry struct {
	Frame mm.Frame
	Attr  Attr
}

func entryFromPTE(p *pte) Entry {
	return Entry{Frame: p.frame(), Attr: p.attr()}
}

// PageTable represents one translation-tree hierarchy.
type PageTable struct {
	rootFrame mm.Frame
}

// walkStep records one (table virtual address, slot index) pair visited
// during a descent; Design Notes calls for exactly this shape -- a
// fixed-size array of (table_vaddr, pte_index) pairs walked with an
// explicit loop rather than recursion, since the engine must run in
// bounded-stack contexts.
type walkStep struct {
	tableVaddr uintptr
	index      uintptr
}

var (
	// ErrNoMemory is returned when a frame or table allocation fails.
	ErrNoMemory = &kernel.Error{Module: "pt", Message: "out of memory"}
	// ErrExists is returned by Map when the target slot is already
	// mapped and no Mapx callback was supplied to negotiate the
	// collision.
	ErrExists = &kernel.Error{Module: "pt", Message: "mapping already exists"}
	// ErrInvalid is returned for misaligned addresses/lengths or
	// unsupported levels.
	ErrInvalid = &kernel.Error{Module: "pt", Message: "invalid address, length or page level"}
	// ErrFault is returned by Unmap in ForceSize mode when the mapped
	// leaf's size does not match the requested level.
	ErrFault = &kernel.Error{Module: "pt", Message: "mapping size does not match requested level"}
	// ErrNotPresent is returned by Walk when no present leaf maps the
	// address, and by Unmap in ForceSize mode for a non-present page.
	ErrNotPresent = &kernel.Error{Module: "pt", Message: "virtual address is not mapped"}
)

// Init creates a new hierarchy. It adopts the currently hardware-active root
// table as the root of the new PageTable so that existing mappings (notably
// the kernel's own identity/high mappings) are visible from it and can later
// be shared into a new hierarchy by Clone. physStart and length are not
// used; the frame allocator backing every hierarchy is wired in externally
// via mm.SetFrameAllocator. Init never fails.
func Init(physStart uintptr, length uintptr) (*PageTable, *kernel.Error) {
	_, _ = physStart, length
	return &PageTable{rootFrame: mm.Frame(activeRootFn() >> mm.PageShift)}, nil
}

// NewEmpty allocates a fresh, empty root table. Clone uses it for the
// destination hierarchy.
func NewEmpty() (*PageTable, *kernel.Error) {
	rootFrame, err := mm.AllocFrame()
	if err != nil {
		return nil, ErrNoMemory
	}

	t := &PageTable{rootFrame: rootFrame}
	if err := t.bootstrapRoot(); err != nil {
		mm.FreeFrame(rootFrame, 1)
		return nil, err
	}
	return t, nil
}

// bootstrapRoot zeroes a freshly allocated root table and installs the
// recursive last-entry mapping that lets every subsequent walk address the
// hierarchy (active or not) through rootVirtualAddr.
func (t *PageTable) bootstrapRoot() *kernel.Error {
	win, err := kmapFrame(t.rootFrame)
	if err != nil {
		return err
	}
	defer kunmapWindow()

	memsetFn(win, 0, mm.PageSize)

	lastIndex := uintptr(1<<depthBits[0]) - 1
	lastEntry := (*pte)(ptrForFn(win + (lastIndex << mm.PointerShift)))
	*lastEntry = tablePTE(t.rootFrame)

	return nil
}

// Activate installs this hierarchy's root in the hardware root-table
// register and flushes the TLB. Exactly one PageTable is active per CPU.
func (t *PageTable) Activate() {
	switchRootFn(t.rootFrame.Address())
}

// isActive reports whether t is the hierarchy currently installed in
// hardware on this CPU.
func (t *PageTable) isActive() bool {
	return mm.Frame(activeRootFn()>>mm.PageShift) == t.rootFrame
}

// withRoot makes t reachable through rootVirtualAddr for the duration of fn,
// temporarily repointing the active hierarchy's recursive last entry at t's
// root if t is not already active. This is the same technique used to
// bootstrap a new root: the recursive self-mapping trick works for any
// hierarchy whose root frame occupies that one slot, active or not.
//
// Every exported walk (Walk, Mapx, SetAttr, Unmap) calls this exactly once
// at its own top level and never through another exported call on the same
// t, so there is no nesting to guard against here.
func (t *PageTable) withRoot(fn func()) {
	activeFrame := mm.Frame(activeRootFn() >> mm.PageShift)
	if activeFrame == t.rootFrame {
		fn()
		return
	}

	lastIndex := uintptr(1<<depthBits[0]) - 1
	lastEntryAddr := rootVirtualAddr + (lastIndex << mm.PointerShift)
	lastEntry := (*pte)(ptrForFn(lastEntryAddr))

	lastEntry.setFrame(t.rootFrame)
	flushEntryFn(lastEntryAddr)

	fn()

	lastEntry.setFrame(activeFrame)
	flushEntryFn(lastEntryAddr)
}

// kmapFrame is the page_kmap primitive: it maps a single physical frame into
// a fixed transient kernel window and returns its virtual address. It always
// resolves the window through whatever hierarchy rootVirtualAddr currently
// addresses -- the real hardware-active one by default, or the hierarchy an
// enclosing withRoot call has patched in -- never through the frame's
// eventual owner, since the window's own backing tables must already be
// live for the access to succeed. Only one frame may be kmap'd at a time;
// callers must kunmapWindow before kmap'ing another, which holds in
// practice because every caller runs under the owning vas's map-lock.
func kmapFrame(frame mm.Frame) (uintptr, *kernel.Error) {
	return mapWindow(kmapWindowAddr, frame)
}

func kunmapWindow() {
	unmapWindow(kmapWindowAddr)
}

func mapWindow(window uintptr, frame mm.Frame) (uintptr, *kernel.Error) {
	if err := rawMap(window, frame, 0, AttrRead|AttrWrite, false); err != nil {
		return 0, err
	}
	return window, nil
}

func unmapWindow(window uintptr) {
	walkTo(window, depthForLevel(0), func(depth uint8, p *pte) {
		*p = pteEmpty
	})
	flushEntryFn(window)
}

// Kmap maps a single physical frame into the transient kernel window. It is
// exported so callers outside this package (e.g. a CoW fault handler that
// needs to memcpy a frame) can reuse the same window.
func Kmap(frame mm.Frame) (uintptr, *kernel.Error) {
	return kmapFrame(frame)
}

// Kunmap releases the mapping installed by Kmap.
func Kunmap(vaddr uintptr) {
	kunmapWindow()
}

// rawMap installs a single present leaf PTE at depth-for-level-0 (a base
// page) without going through the Mapx negotiation protocol; used internally
// to drive the kmap window and to bootstrap new tables. Like kmapFrame, it
// operates against whatever rootVirtualAddr currently addresses.
func rawMap(vaddr uintptr, frame mm.Frame, level uint8, attr Attr, keepPTEs bool) *kernel.Error {
	targetDepth := depthForLevel(level)

	stack, reached, derr := descend(vaddr, targetDepth, true, keepPTEs)
	if derr != nil {
		return derr
	}
	addr := entryAddrOf(stack[reached])
	p := (*pte)(ptrForFn(addr))
	wasPresent := p.present()
	*p = createPTE(frame, attr, level, *p, keepPTEs)
	if wasPresent {
		flushEntryFn(vaddr)
	}
	return nil
}

func entryAddrOf(s walkStep) uintptr {
	return s.tableVaddr + (s.index << mm.PointerShift)
}

// walkTo walks to the entry at the given depth for vaddr (without creating
// missing tables) and invokes fn with it; used by the kmap window teardown.
func walkTo(vaddr uintptr, targetDepth uint8, fn func(depth uint8, p *pte)) {
	stack, reached, err := descend(vaddr, targetDepth, false, false)
	if err != nil || reached != targetDepth {
		return
	}
	addr := entryAddrOf(stack[reached])
	fn(reached, (*pte)(ptrForFn(addr)))
}

// descend walks from the root along vaddr down to targetDepth, recording one
// walkStep per depth visited. If createMissing is set, a non-present
// intermediate entry causes a new table frame to be allocated, zeroed and
// linked; otherwise the walk stops at the first non-present or leaf entry
// shallower than targetDepth and returns the depth actually reached.
//
// On an allocation failure mid-descent every table allocated during this
// call is unwound (freed and its parent entry cleared) before returning, so
// the hierarchy is left exactly as it was found.
func descend(vaddr uintptr, targetDepth uint8, createMissing, keepPTEs bool) ([mm.PageLevels]walkStep, uint8, *kernel.Error) {
	var (
		stack      [mm.PageLevels]walkStep
		tableAddr  = rootVirtualAddr
		allocated  [mm.PageLevels]mm.Frame
		numAllocs  int
	)

	for depth := uint8(0); depth <= targetDepth; depth++ {
		idx := (vaddr >> depthShift[depth]) & ((1 << depthBits[depth]) - 1)
		addr := tableAddr + (idx << mm.PointerShift)
		stack[depth] = walkStep{tableAddr, idx}

		if depth == targetDepth {
			return stack, depth, nil
		}

		p := (*pte)(ptrForFn(addr))

		if !p.present() {
			if !createMissing {
				return stack, depth, nil
			}

			frame, aerr := mm.AllocFrame()
			if aerr != nil {
				unwind(allocated[:numAllocs], stack[:depth+1])
				return stack, depth, ErrNoMemory
			}
			allocated[numAllocs] = frame
			numAllocs++

			*p = tablePTE(frame)

			// The new table is already reachable through the
			// recursive mapping at the address the next loop
			// iteration will compute; zero it there directly
			// instead of detouring through the kmap window, which
			// would recursively need this same table to exist.
			newTableAddr := addr << depthBits[depth]
			memsetFn(newTableAddr, 0, mm.PageSize)
		} else if p.isLeaf(levelForDepth(depth)) {
			// An oversized leaf sits where a table is expected; the
			// caller (Mapx/Unmap/SetAttr) is responsible for
			// splitting it before calling descend again. Surface
			// the depth so it can do so.
			return stack, depth, nil
		}

		tableAddr = addr << depthBits[depth]
	}

	return stack, targetDepth, nil
}

// unwind frees every table frame allocated by a failed descend call and
// clears the parent entries that linked them in, restoring the hierarchy to
// its pre-call state.
func unwind(allocated []mm.Frame, stack []walkStep) {
	for i := len(allocated) - 1; i >= 0; i-- {
		mm.FreeFrame(allocated[i], 1)
	}
	for depth := len(stack) - 1; depth >= 1; depth-- {
		addr := entryAddrOf(stack[depth-1])
		p := (*pte)(ptrForFn(addr))
		*p = pteEmpty
	}
}

// chooseLevel picks the largest supported leaf level that vaddr and the
// remaining run length are both aligned to, capped by an explicit ForceSize
// request. Auto-selection never picks a level the caller didn't leave room
// for: it is purely an optimisation that collapses a run of base pages into
// fewer, larger entries when alignment allows it.
func chooseLevel(vaddr, remaining uintptr, flags MapFlag) uint8 {
	if flags&ForceSize != 0 {
		return sizeFromFlags(flags)
	}

	level := uint8(mm.MaxPageLevel)
	for level > 0 {
		size := mm.LevelPageSize(level)
		if vaddr%size == 0 && remaining >= size {
			break
		}
		level--
	}
	return level
}

// splitLeaf replaces the oversized leaf entry living at virtual address
// leafAddr, depth depth, with a freshly allocated table one level down whose
// 512 entries reproduce the exact same mapping at the next finer
// granularity. The caller is left with a present table entry at (leafAddr,
// depth) and must re-descend to reach the finer-grained slot it actually
// wanted.
//
// Splitting is allocation-sensitive: if the replacement table cannot be
// allocated, the original oversized leaf is left untouched and an error is
// returned, so a failed split never loses a mapping.
func (t *PageTable) splitLeaf(leafAddr uintptr, depth uint8) *kernel.Error {
	parent := (*pte)(ptrForFn(leafAddr))
	original := *parent
	level := levelForDepth(depth)

	tableFrame, err := mm.AllocFrame()
	if err != nil {
		return ErrNoMemory
	}

	childLevel := level - 1
	childSize := mm.LevelPageSize(childLevel)
	baseFrame := original.frame()
	attr := original.attr()

	// Link the new table in first, then populate it through the address
	// the recursive mapping now makes it reachable at -- the same trick
	// descend uses for a freshly created intermediate table.
	*parent = tablePTE(tableFrame)
	childTableAddr := leafAddr << depthBits[depth]

	entries := (*[512]pte)(ptrForFn(childTableAddr))
	for i := 0; i < 512; i++ {
		childFrame := mm.Frame(uintptr(baseFrame) + uintptr(i)*(childSize/mm.PageSize))
		entries[i] = createPTE(childFrame, attr, childLevel, pteEmpty, false)
	}

	if t.isActive() {
		flushAllFn()
	}

	return nil
}

// Walk reports the frame and attributes currently mapped at vaddr, stopping
// at whatever level the mapping was actually installed at. It never creates
// missing tables.
func (t *PageTable) Walk(vaddr uintptr) (Entry, uint8, *kernel.Error) {
	var (
		result Entry
		level  uint8
		err    *kernel.Error
	)

	t.withRoot(func() {
		for probe := uint8(0); probe <= uint8(mm.MaxPageLevel); probe++ {
			depth := depthForLevel(probe)
			stack, reached, derr := descend(vaddr, depth, false, false)
			if derr != nil {
				err = derr
				return
			}
			if reached != depth {
				continue
			}
			addr := entryAddrOf(stack[reached])
			p := (*pte)(ptrForFn(addr))
			if !p.present() {
				continue
			}
			if !p.isLeaf(probe) {
				continue
			}
			result = entryFromPTE(p)
			level = probe
			return
		}
		err = ErrNotPresent
	})

	return result, level, err
}

// Mapx installs (or negotiates, via cb) mappings for the virtual range
// [vaddr, vaddr+length) one page at a time, where the page size at each step
// is chosen independently by chooseLevel unless ForceSize pins it. cb is
// invoked once per installed page before the entry is written, and may
// accept it (MapxOK), skip it (MapxSkip, leaving the slot untouched), or ask
// for a smaller page (MapxTooBig, causing an immediate retry at the next
// level down for that same sub-range). A nil cb behaves as an eager mapper
// that always answers MapxOK using the caller-supplied frame as a base,
// advancing it by one frame per base page covered.
//
// When the caller passes mm.InvalidFrame, Mapx allocates a candidate frame
// for entry.Frame before invoking cb so an accepting callback needs no
// allocation logic of its own. A callback that answers MapxSkip or
// MapxTooBig, or returns an error, is rejecting that candidate and is
// responsible for freeing entry.Frame itself if it was never substituted
// for one already in use; Mapx does not reclaim it.
func (t *PageTable) Mapx(vaddr uintptr, frame mm.Frame, length uintptr, attr Attr, flags MapFlag, cb MapxFunc) *kernel.Error {
	if vaddr%mm.PageSize != 0 || length%mm.PageSize != 0 {
		return ErrInvalid
	}

	var outer *kernel.Error
	t.withRoot(func() {
		cur := vaddr
		end := vaddr + length
		curFrame := frame

		for cur < end {
			remaining := end - cur
			level := chooseLevel(cur, remaining, flags)
			for level > 0 && flags&ForceSize == 0 && frame.Valid() && curFrame.Address()%mm.LevelPageSize(level) != 0 {
				level--
			}

			for {
				depth := depthForLevel(level)
				stack, reached, derr := descend(cur, depth, true, flags&KeepPTEs != 0)
				if derr != nil {
					outer = derr
					return
				}

				if reached != depth {
					// Hit an oversized leaf on the way down. Without a
					// callback (and without KeepPTEs) that is a collision;
					// otherwise split it and retry the same target.
					if cb == nil && flags&KeepPTEs == 0 {
						outer = ErrExists
						return
					}
					leafAddr := entryAddrOf(stack[reached])
					if serr := t.splitLeaf(leafAddr, reached); serr != nil {
						outer = serr
						return
					}
					continue
				}

				addr := entryAddrOf(stack[depth])
				p := (*pte)(ptrForFn(addr))

				if p.present() && flags&KeepPTEs == 0 && cb == nil {
					outer = ErrExists
					return
				}

				pageFrame := curFrame
				if !frame.Valid() {
					af, aerr := mm.AllocFrame()
					if aerr != nil {
						outer = ErrNoMemory
						return
					}
					pageFrame = af
				}

				entry := Entry{Frame: pageFrame, Attr: attr}
				result := MapxOK
				if cb != nil {
					var cerr *kernel.Error
					result, cerr = cb(cur, level, &entry)
					if cerr != nil {
						outer = cerr
						return
					}
				}

				switch result {
				case MapxSkip:
					// leave slot untouched
				case MapxTooBig:
					if level == 0 {
						outer = ErrInvalid
						return
					}
					level--
					continue
				default:
					wasPresent := p.present()
					*p = createPTE(entry.Frame, entry.Attr, level, *p, flags&KeepPTEs != 0)
					if wasPresent && t.isActive() {
						flushEntryFn(cur)
					}
				}

				break
			}

			step := mm.LevelPageSize(level)
			cur += step
			if frame.Valid() {
				curFrame = mm.Frame(uintptr(curFrame) + step/mm.PageSize)
			}
		}
	})

	return outer
}

// Map is the eager special case of Mapx: it installs length/LevelPageSize
// mappings for frame (auto-advanced per page) over [vaddr, vaddr+length)
// with no negotiation callback.
func (t *PageTable) Map(vaddr uintptr, frame mm.Frame, length uintptr, attr Attr, flags MapFlag) *kernel.Error {
	return t.Mapx(vaddr, frame, length, attr, flags, nil)
}

// SetAttr rewrites the attribute bits of every mapping covering
// [vaddr, vaddr+length) without touching the backing frame or reclaiming any
// table. A leaf larger than the requested sub-range is split first so the
// attribute change does not leak onto neighbouring pages outside the range.
// A page with no present leaf at any level is skipped rather than treated as
// an error, the same tolerance Unmap gives a non-present page in non-
// ForceSize mode: a lazily-mapped vma has no backing PTEs to rewrite until
// something faults it in, and that is not a reason to fail the whole call.
func (t *PageTable) SetAttr(vaddr uintptr, length uintptr, attr Attr) *kernel.Error {
	if vaddr%mm.PageSize != 0 || length%mm.PageSize != 0 {
		return ErrInvalid
	}

	var outer *kernel.Error
	t.withRoot(func() {
		cur := vaddr
		end := vaddr + length

		for cur < end {
			found := false
			for probe := uint8(0); probe <= uint8(mm.MaxPageLevel); probe++ {
				depth := depthForLevel(probe)
				stack, reached, derr := descend(cur, depth, false, true)
				if derr != nil {
					outer = derr
					return
				}
				if reached != depth {
					continue
				}
				addr := entryAddrOf(stack[reached])
				p := (*pte)(ptrForFn(addr))
				if !p.present() || !p.isLeaf(probe) {
					continue
				}

				pageSize := mm.LevelPageSize(probe)
				if (cur+pageSize > end || cur&(pageSize-1) != 0) && probe > 0 {
					if serr := t.splitLeaf(addr, reached); serr != nil {
						outer = serr
						return
					}
					continue
				}

				*p = createPTE(p.frame(), attr, probe, *p, true)
				if t.isActive() {
					flushEntryFn(cur)
				}
				cur += pageSize
				found = true
				break
			}
			if !found {
				cur += mm.PageSize
			}
		}
	})

	return outer
}

// Unmap removes every mapping covering [vaddr, vaddr+length), splitting any
// leaf that only partially overlaps the range first. Unless KeepFrames is
// set, the backing frame of each removed leaf is released through the
// registered frame allocator; unless KeepPTEs is set, intermediate tables
// left empty by the removal are freed and their parent entries cleared.
// ForceSize requires every unmapped leaf to match the given level exactly,
// reporting ErrFault otherwise; without it, mismatched levels are accepted
// and unmapped as found. A page with no present leaf is skipped, except in
// ForceSize mode, where it yields ErrNotPresent.
func (t *PageTable) Unmap(vaddr uintptr, length uintptr, flags MapFlag) *kernel.Error {
	if vaddr%mm.PageSize != 0 || length%mm.PageSize != 0 {
		return ErrInvalid
	}

	var outer *kernel.Error
	t.withRoot(func() {
		cur := vaddr
		end := vaddr + length

		for cur < end {
			matched := false
			for probe := uint8(0); probe <= uint8(mm.MaxPageLevel); probe++ {
				depth := depthForLevel(probe)
				stack, reached, derr := descend(cur, depth, false, true)
				if derr != nil {
					outer = derr
					return
				}
				if reached != depth {
					continue
				}
				addr := entryAddrOf(stack[reached])
				p := (*pte)(ptrForFn(addr))
				if !p.present() {
					continue
				}
				if !p.isLeaf(probe) {
					continue
				}

				pageSize := mm.LevelPageSize(probe)
				if flags&ForceSize != 0 && probe != sizeFromFlags(flags) {
					outer = ErrFault
					return
				}
				if cur+pageSize > end || cur&(pageSize-1) != 0 {
					if serr := t.splitLeaf(addr, reached); serr != nil {
						outer = serr
						return
					}
					continue
				}

				frame := p.frame()
				*p = pteEmpty
				if t.isActive() {
					flushEntryFn(cur)
				}

				if flags&KeepFrames == 0 {
					pages := pageSize / mm.PageSize
					mm.FreeFrame(frame, pages)
				}

				if flags&KeepPTEs == 0 {
					t.reclaimEmptyTables(stack[:reached+1])
				}

				cur += pageSize
				matched = true
				break
			}
			if !matched {
				if flags&ForceSize != 0 {
					outer = ErrNotPresent
					return
				}
				cur += mm.PageSize
			}
		}
	})

	if outer == nil && t.isActive() {
		flushAllFn()
	}
	return outer
}

// reclaimEmptyTables walks the descent stack bottom-up, freeing any
// intermediate table that the just-completed unmap left with zero present
// entries and clearing the parent slot that pointed to it.
func (t *PageTable) reclaimEmptyTables(stack []walkStep) {
	for depth := len(stack) - 1; depth >= 1; depth-- {
		tableVaddr := stack[depth].tableVaddr
		entries := (*[512]pte)(ptrForFn(tableVaddr))
		empty := true
		for i := range entries {
			if entries[i].present() {
				empty = false
				break
			}
		}
		if !empty {
			return
		}

		parentAddr := entryAddrOf(stack[depth-1])
		parent := (*pte)(ptrForFn(parentAddr))
		frame := parent.frame()
		*parent = pteEmpty
		mm.FreeFrame(frame, 1)
	}
}

// Clone produces a new hierarchy over [low, high): every present leaf in the
// range is shared, never copied, with the destination's entry pointing at
// the same backing frame as the source's. A writable leaf is downgraded to
// AttrCopyOnWrite in both hierarchies before the share, so a later write on
// either side faults, copies, and breaks the sharing rather than the two
// hierarchies silently corrupting one another's frame; a read-only leaf is
// shared as-is. Intermediate tables are always duplicated, never shared, so
// splitting one hierarchy's mapping never disturbs the other's.
//
// On any failure, every table allocated so far by this call is released
// before returning, leaving the new hierarchy's allocation untouched by
// partial state: Clone either fully succeeds or leaves nothing behind.
func (t *PageTable) Clone(low, high uintptr) (*PageTable, *kernel.Error) {
	dst, err := NewEmpty()
	if err != nil {
		return nil, err
	}

	cur := low
	for cur < high {
		entry, level, werr := t.Walk(cur)
		step := mm.LevelPageSize(0)
		if werr != nil {
			cur += step
			continue
		}
		step = mm.LevelPageSize(level)

		attr := entry.Attr
		if attr&AttrWrite != 0 {
			attr = (attr &^ AttrWrite) | AttrCopyOnWrite
			if serr := t.SetAttr(cur, step, attr); serr != nil {
				dst.destroyPartial(low, cur)
				return nil, serr
			}
		}

		if merr := dst.Map(cur, entry.Frame, step, attr, ForceSize|WithSize(level)); merr != nil {
			dst.destroyPartial(low, cur)
			return nil, merr
		}

		cur += step
	}

	return dst, nil
}

// destroyPartial unmaps whatever Clone managed to install in [low, cur)
// before failing, then frees the root table itself. KeepFrames is mandatory
// here: every leaf Clone installs is shared with the source hierarchy, which
// still owns it, so tearing down the partial destination must never free the
// backing frame out from under the source.
func (t *PageTable) destroyPartial(low, cur uintptr) {
	if cur > low {
		t.Unmap(low, cur-low, KeepFrames)
	}
	mm.FreeFrame(t.rootFrame, 1)
}

// Destroy tears down every mapping in [low, high) and frees the root table.
// The caller must ensure this hierarchy is not the active one.
func (t *PageTable) Destroy(low, high uintptr) *kernel.Error {
	if high > low {
		if err := t.Unmap(low, high-low, 0); err != nil {
			return err
		}
	}
	mm.FreeFrame(t.rootFrame, 1)
	return nil
}
