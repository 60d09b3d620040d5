package vma

import (
	"reflect"

	"github.com/unikraft/unikraft-sub017/kernel"
	"github.com/unikraft/unikraft-sub017/mm"
	"github.com/unikraft/unikraft-sub017/mm/pt"
)

// MapFlag qualifies a vma_map request.
type MapFlag uint32

const (
	// MapReplace only matters for a concrete (non-zero) requested address:
	// without it, a colliding range makes Map fail with ErrExists; with
	// it, the overlapped vmas are atomically unmapped (after splitting
	// their boundaries) before the new vma is installed.
	MapReplace MapFlag = 1 << iota

	// MapPopulate eagerly backs every page in the new range via the same
	// path Advise(WILLNEED) uses, instead of leaving it for demand faults.
	MapPopulate

	// MapUninitialized tells an Ops.Fault implementation it need not zero
	// a freshly allocated frame before handing it back. Anonymous mappings
	// honour this; most other kinds ignore it.
	MapUninitialized
)

// AnyAddress is the vaddr sentinel for vma_map's ANY allocation mode: Map
// picks the placement itself via first-fit instead of honouring a
// concrete address.
const AnyAddress = 0

// UnmapFlag qualifies a vma_unmap request.
type UnmapFlag uint32

const (
	// UnmapStrict requires every byte of [vaddr, vaddr+length) to be
	// covered by an existing vma; a hole anywhere in the range aborts the
	// whole call with ErrNotFound before anything is unmapped.
	UnmapStrict UnmapFlag = 1 << iota
)

type vmaState uint8

const (
	stateLive vmaState = iota
	stateUnlinked
	stateDestroyed
)

var (
	// ErrInvalid is returned for misaligned addresses/lengths or an empty
	// or overflowing range.
	ErrInvalid = &kernel.Error{Module: "vma", Message: "invalid address or length"}
	// ErrExists is returned by a Map at a concrete address without
	// MapReplace when the requested range overlaps a live vma.
	ErrExists = &kernel.Error{Module: "vma", Message: "range overlaps an existing mapping"}
	// ErrNoMemory covers first-fit exhaustion and vma allocation failure.
	ErrNoMemory = &kernel.Error{Module: "vma", Message: "no free virtual address range"}
	// ErrNotFound is returned by vma_find and by a STRICT vma_unmap or
	// vma_set_attr whose range is not fully covered by live vmas.
	ErrNotFound = &kernel.Error{Module: "vma", Message: "address not mapped"}
	// ErrDenied is returned when an Ops hook (New, Split, Merge) vetoes an
	// operation, e.g. a guard region refusing to be split.
	ErrDenied = &kernel.Error{Module: "vma", Message: "denied by vma ops"}
)

// VMA is a virtual memory area: a half-open, page-aligned virtual range
// [Start, End) with uniform access attributes and one fault handler. VMAs
// within a VAS never overlap and are kept in Start order.
type VMA struct {
	vas *VAS

	Start, End uintptr
	Attr       pt.Attr
	Flags      MapFlag
	Ops        Ops

	// Level pins the page-table level vma_map/the fault router install
	// pages at, as passed to Map; -1 lets the engine choose per page the
	// way pt.chooseLevel does for a plain Map.
	Level int8

	// Name identifies the mapping for diagnostics and is also one of the
	// mergeability keys: two otherwise-compatible vmas merge only when
	// their Name strings are equal (two empty names count as equal).
	Name string

	state vmaState
}

// Len reports the size in bytes of the range the vma covers.
func (m *VMA) Len() uintptr { return m.End - m.Start }

// mergeable reports whether m and next -- assumed contiguous and in that
// order -- qualify to be collapsed into a single vma. §4.2.1's criteria:
// same ops implementation, same attributes, same flags, same preferred
// level, same name, and both sides' ops approve.
func mergeable(m, next *VMA) bool {
	if m.End != next.Start {
		return false
	}
	if m.Attr != next.Attr || m.Flags != next.Flags || m.Level != next.Level {
		return false
	}
	if m.Name != next.Name {
		return false
	}
	if !sameOps(m.Ops, next.Ops) {
		return false
	}
	if err := m.Ops.Merge(m, next); err != nil {
		return false
	}
	if err := next.Ops.Merge(next, m); err != nil {
		return false
	}
	return true
}

// sameOps compares the dynamic type of two Ops values; instances of the
// same anonymous or stack implementation are interchangeable for merge
// purposes, but an anon vma never merges into a stack's guard region.
func sameOps(a, b Ops) bool {
	return reflect.TypeOf(a) == reflect.TypeOf(b)
}

// alignUp rounds addr up to the next multiple of align, which must be a
// power of two.
func alignUp(addr, align uintptr) uintptr {
	return (addr + align - 1) &^ (align - 1)
}

// findFirstFit scans the vma list in Start order looking for a gap of at
// least length bytes at or after base, returning VADDR_MAX's overflow case
// as ErrNoMemory. §4.2.2: cursor starts at max(base, first candidate),
// advances past every vma it collides with, and is bumped to align on the
// way.
func (v *VAS) findFirstFit(base, length, align uintptr) (uintptr, *kernel.Error) {
	cursor := alignUp(base, align)
	found := uintptr(0)
	ok := false

	v.vmas.Ascend(func(m *VMA) bool {
		if m.End <= cursor {
			return true
		}
		if m.Start >= cursor+length {
			found = cursor
			ok = true
			return false
		}
		if cursor > maxVAddr-m.Len() {
			return false
		}
		cursor = alignUp(m.End, align)
		return true
	})

	if !ok {
		if cursor > maxVAddr-length+1 && cursor != 0 {
			return 0, ErrNoMemory
		}
		found = cursor
	}

	if found > maxVAddr-length+1 {
		return 0, ErrNoMemory
	}
	return found, nil
}

// overlapping collects every live vma that intersects [start, end), in
// Start order.
func (v *VAS) overlapping(start, end uintptr) []*VMA {
	var hits []*VMA
	v.vmas.Ascend(func(m *VMA) bool {
		if m.Start >= end {
			return false
		}
		if m.End > start {
			hits = append(hits, m)
		}
		return true
	})
	return hits
}

// splitAt cuts m into two vmas at vaddr, which must fall strictly inside
// (m.Start, m.End). The upper half is a fresh *VMA whose Ops.New and
// Ops.Split are both consulted; either may veto the cut. On success m is
// shrunk in place to [m.Start, vaddr) and the new upper half is returned,
// already inserted into the tree, but not yet linked anywhere else.
func (v *VAS) splitAt(m *VMA, vaddr uintptr) (*VMA, *kernel.Error) {
	upper := &VMA{
		vas:   v,
		Start: vaddr,
		End:   m.End,
		Attr:  m.Attr,
		Flags: m.Flags,
		Ops:   m.Ops,
		Level: m.Level,
		Name:  m.Name,
		state: stateLive,
	}

	if err := m.Ops.Split(m, vaddr, upper); err != nil {
		return nil, err
	}
	if err := upper.Ops.New(upper); err != nil {
		return nil, err
	}

	v.listLock.Lock()
	v.vmas.Delete(m)
	m.End = vaddr
	v.vmas.ReplaceOrInsert(m)
	v.vmas.ReplaceOrInsert(upper)
	v.listLock.Unlock()

	return upper, nil
}

// splitBoundary ensures vaddr is a vma boundary, splitting the vma that
// straddles it if there is one.
func (v *VAS) splitBoundary(vaddr uintptr) *kernel.Error {
	m, ok := v.find(vaddr)
	if !ok || m.Start == vaddr {
		return nil
	}
	_, err := v.splitAt(m, vaddr)
	return err
}

// find returns the live vma covering vaddr, if any.
func (v *VAS) find(vaddr uintptr) (*VMA, bool) {
	var hit *VMA
	v.vmas.AscendLessThan(&VMA{Start: vaddr + 1}, func(m *VMA) bool {
		hit = m
		return true
	})
	if hit != nil && hit.Start <= vaddr && vaddr < hit.End {
		return hit, true
	}
	return nil, false
}

// Find implements vma_find: a read-locked lookup of the vma covering
// vaddr.
func (v *VAS) Find(vaddr uintptr) (*VMA, *kernel.Error) {
	v.listLock.RLock()
	defer v.listLock.RUnlock()

	m, ok := v.find(vaddr)
	if !ok {
		return nil, ErrNotFound
	}
	return m, nil
}

// tryMergeNeighbours attempts to merge m with its immediate predecessor
// and successor in turn, collapsing up to two vmas into it. Returns the
// surviving vma, which may be m itself or whichever neighbour absorbed it.
func (v *VAS) tryMergeNeighbours(m *VMA) *VMA {
	if prev, ok := v.find(m.Start - 1); ok && prev != m && mergeable(prev, m) {
		v.vmas.Delete(prev)
		v.vmas.Delete(m)
		prev.End = m.End
		v.vmas.ReplaceOrInsert(prev)
		m.state = stateUnlinked
		m = prev
	}
	if next, ok := v.find(m.End); ok && next != m && mergeable(m, next) {
		v.vmas.Delete(m)
		v.vmas.Delete(next)
		m.End = next.End
		v.vmas.ReplaceOrInsert(m)
		next.state = stateUnlinked
	}
	return m
}

// Map implements vma_map. vaddr is AnyAddress for first-fit ANY-address
// allocation (starting from ops.Base(v), or the vas default base if that
// reports no opinion), or a concrete page-aligned address to place the
// mapping at exactly. A concrete address that collides with an existing
// vma fails with ErrExists unless flags carries MapReplace, in which case
// the overlapped range is unmapped first.
func (v *VAS) Map(vaddr, length uintptr, attr pt.Attr, flags MapFlag, level int8, name string, ops Ops) (*VMA, *kernel.Error) {
	if ops == nil {
		return nil, ErrInvalid
	}
	if length == 0 || length%mm.PageSize != 0 {
		return nil, ErrInvalid
	}

	v.mapLock.Acquire()
	defer v.mapLock.Release()

	var start uintptr
	if vaddr == AnyAddress {
		base := ops.Base(v)
		if base == 0 {
			base = v.base
		}
		var err *kernel.Error
		start, err = v.findFirstFit(base, length, mm.PageSize)
		if err != nil {
			return nil, err
		}
	} else {
		if vaddr%mm.PageSize != 0 || vaddr > maxVAddr-length+1 {
			return nil, ErrInvalid
		}
		start = vaddr
		if len(v.overlapping(start, start+length)) > 0 {
			if flags&MapReplace == 0 {
				return nil, ErrExists
			}
			if err := v.unmapLocked(start, length, 0); err != nil {
				return nil, err
			}
		}
	}

	m := &VMA{
		vas:   v,
		Start: start,
		End:   start + length,
		Attr:  attr,
		Flags: flags,
		Ops:   ops,
		Level: level,
		Name:  name,
		state: stateLive,
	}

	if err := ops.New(m); err != nil {
		return nil, err
	}

	v.listLock.Lock()
	v.vmas.ReplaceOrInsert(m)
	m = v.tryMergeNeighbours(m)
	v.listLock.Unlock()

	if v.flags&NoPaging == 0 && flags&MapPopulate != 0 {
		if err := v.populate(m, m.Start, m.Len()); err != nil {
			return m, err
		}
	}

	return m, nil
}

// Unmap implements vma_unmap. In STRICT mode any byte of the range not
// covered by a live vma aborts the call before anything is touched;
// otherwise holes are silently skipped (idempotent non-strict unmap).
func (v *VAS) Unmap(vaddr, length uintptr, flags UnmapFlag) *kernel.Error {
	if length == 0 || vaddr%mm.PageSize != 0 || length%mm.PageSize != 0 {
		return ErrInvalid
	}

	v.mapLock.Acquire()
	defer v.mapLock.Release()

	if flags&UnmapStrict != 0 {
		if !v.fullyCovered(vaddr, vaddr+length) {
			return ErrNotFound
		}
	}

	return v.unmapLocked(vaddr, vaddr+length-vaddr, 0)
}

// fullyCovered reports whether [start, end) is covered edge to edge by
// contiguous live vmas, with no hole.
func (v *VAS) fullyCovered(start, end uintptr) bool {
	cur := start
	for _, m := range v.overlapping(start, end) {
		if m.Start > cur {
			return false
		}
		cur = m.End
		if cur >= end {
			return true
		}
	}
	return cur >= end
}

// unmapLocked does the actual work for both Unmap and the REPLACE path of
// Map; it assumes mapLock is already held. Boundary vmas straddling the
// range are split first so only whole vmas ever need unlinking.
func (v *VAS) unmapLocked(vaddr, length uintptr, _ UnmapFlag) *kernel.Error {
	end := vaddr + length

	if err := v.splitBoundary(vaddr); err != nil {
		return err
	}
	if err := v.splitBoundary(end); err != nil {
		return err
	}

	doomed := v.overlapping(vaddr, end)

	v.listLock.Lock()
	for _, m := range doomed {
		v.vmas.Delete(m)
		m.state = stateUnlinked
	}
	v.listLock.Unlock()

	for _, m := range doomed {
		if v.flags&NoPaging == 0 {
			if err := m.Ops.Unmap(m, m.Start, m.Len()); err != nil {
				panic("vma: unmap failed: " + err.Error())
			}
		}
		m.Ops.Destroy(m)
		m.state = stateDestroyed
	}

	return nil
}

// SetAttr implements vma_set_attr: the attributes of every vma
// intersecting [vaddr, vaddr+length) are rewritten to attr, splitting at
// both boundaries first so partially-covered vmas at the edges are not
// disturbed outside the requested range. STRICT coverage is always
// required, matching §4.2's contract that a set_attr over a hole is an
// error rather than a silent partial update.
func (v *VAS) SetAttr(vaddr, length uintptr, attr pt.Attr) *kernel.Error {
	if length == 0 || vaddr%mm.PageSize != 0 || length%mm.PageSize != 0 {
		return ErrInvalid
	}

	v.mapLock.Acquire()
	defer v.mapLock.Release()

	end := vaddr + length
	if !v.fullyCovered(vaddr, end) {
		return ErrNotFound
	}

	if err := v.splitBoundary(vaddr); err != nil {
		return err
	}
	if err := v.splitBoundary(end); err != nil {
		return err
	}

	affected := v.overlapping(vaddr, end)
	for _, m := range affected {
		if m.Attr == attr {
			continue
		}
		if err := m.Ops.SetAttr(m, m.Start, m.Len(), attr); err != nil {
			return err
		}
		v.listLock.Lock()
		v.vmas.Delete(m)
		m.Attr = attr
		v.vmas.ReplaceOrInsert(m)
		v.listLock.Unlock()
	}

	v.listLock.Lock()
	for _, m := range affected {
		if m.state == stateLive {
			v.tryMergeNeighbours(m)
		}
	}
	v.listLock.Unlock()

	return nil
}

// Advise implements vma_advise: dispatches to the covering vma's
// Ops.Advise for every vma intersecting [vaddr, vaddr+length).
func (v *VAS) Advise(vaddr, length uintptr, advice Advice) *kernel.Error {
	if length == 0 || vaddr%mm.PageSize != 0 || length%mm.PageSize != 0 {
		return ErrInvalid
	}

	v.listLock.RLock()
	affected := v.overlapping(vaddr, vaddr+length)
	v.listLock.RUnlock()

	end := vaddr + length
	for _, m := range affected {
		lo, hi := m.Start, m.End
		if lo < vaddr {
			lo = vaddr
		}
		if hi > end {
			hi = end
		}
		if err := m.Ops.Advise(m, lo, hi-lo, advice); err != nil {
			return err
		}
	}
	return nil
}
