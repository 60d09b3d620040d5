package pt

import "github.com/unikraft/unikraft-sub017/mm"

// Flag is a raw hardware page-table-entry bit. Generic code never inspects
// these directly; it goes through present, isLeaf, frame and createPTE
// below, as the bit layout is an architecture port point rather
// than a design decision.
type Flag uintptr

const (
	flagPresent Flag = 1 << iota
	flagRW
	flagUser
	flagWriteThrough
	flagNoCache
	flagAccessed
	flagDirty
	flagHugePage
	flagGlobal
	flagCopyOnWrite = 1 << 9
	flagNoExecute   = 1 << 63
)

// Attr is the architecture-neutral set of access attributes a caller may
// request for a mapping; createPTE translates it into the hardware bits.
type Attr uint32

const (
	// AttrRead is implied for every present mapping and has no dedicated
	// hardware bit on amd64; it exists so generic code can request
	// read-only mappings symmetrically with Write and Exec.
	AttrRead Attr = 1 << iota
	AttrWrite
	AttrExec
	AttrNoCache
	AttrWriteThrough
	AttrUser
	// AttrCopyOnWrite marks a mapping read-only at the hardware level
	// while recording that a write fault should trigger a private copy
	// rather than a protection violation.
	AttrCopyOnWrite
)

// pte is an opaque page-table-entry word. Its concrete encoding is amd64
// specific.
type pte uintptr

// pteEmpty is the all-zero, not-present entry returned for levels/slots that
// have never been written.
const pteEmpty pte = 0

func (p pte) present() bool {
	return Flag(p)&flagPresent != 0
}

// isLeaf reports whether, given that this entry belongs to page-table level
// lvl, it encodes a leaf mapping (huge page at lvl>0, or any present entry at
// lvl 0) as opposed to a pointer to the next table down.
func (p pte) isLeaf(lvl uint8) bool {
	if !p.present() {
		return false
	}
	if lvl == 0 {
		return true
	}
	return Flag(p)&flagHugePage != 0
}

func (p pte) frame() mm.Frame {
	return mm.Frame((uintptr(p) & ptePhysPageMask) >> mm.PageShift)
}

func (p *pte) setFrame(frame mm.Frame) {
	*p = pte((uintptr(*p) &^ ptePhysPageMask) | frame.Address())
}

func (p pte) hasFlags(f Flag) bool {
	return uintptr(p)&uintptr(f) == uintptr(f)
}

func (p *pte) setFlags(f Flag) {
	*p = pte(uintptr(*p) | uintptr(f))
}

func (p *pte) clearFlags(f Flag) {
	*p = pte(uintptr(*p) &^ uintptr(f))
}

// attr decodes the architecture-neutral attribute set encoded by this entry.
func (p pte) attr() Attr {
	var a Attr
	if p.hasFlags(flagCopyOnWrite) {
		a |= AttrCopyOnWrite
	} else if p.hasFlags(flagRW) {
		a |= AttrWrite
	}
	if !p.hasFlags(flagNoExecute) {
		a |= AttrExec
	}
	if p.hasFlags(flagUser) {
		a |= AttrUser
	}
	if p.hasFlags(flagNoCache) {
		a |= AttrNoCache
	}
	if p.hasFlags(flagWriteThrough) {
		a |= AttrWriteThrough
	}
	return a | AttrRead
}

// createPTE builds a new entry for the given frame, attribute set and level,
// optionally preserving the non-address high bits of a template entry (used
// when KeepPTEs is requested so re-mapping a slot does not clobber bits the
// caller didn't ask to change).
func createPTE(frame mm.Frame, attr Attr, level uint8, template pte, keepTemplate bool) pte {
	var p pte
	if keepTemplate {
		p = template
		p.clearFlags(flagRW | flagUser | flagNoCache | flagWriteThrough | flagNoExecute | flagCopyOnWrite | flagHugePage)
	}

	p.setFlags(flagPresent)
	p.setFrame(frame)

	if level > 0 {
		p.setFlags(flagHugePage)
	}

	switch {
	case attr&AttrCopyOnWrite != 0:
		p.setFlags(flagCopyOnWrite)
		p.clearFlags(flagRW)
	case attr&AttrWrite != 0:
		p.setFlags(flagRW)
	}

	if attr&AttrUser != 0 {
		p.setFlags(flagUser)
	}
	if attr&AttrNoCache != 0 {
		p.setFlags(flagNoCache)
	}
	if attr&AttrWriteThrough != 0 {
		p.setFlags(flagWriteThrough)
	}
	if attr&AttrExec == 0 {
		p.setFlags(flagNoExecute)
	}

	return p
}

// tablePTE builds an entry that points at an intermediate table frame; table
// entries are always present+RW+user-accessible so that permission
// enforcement happens exclusively at the leaf.
func tablePTE(frame mm.Frame) pte {
	var p pte
	p.setFlags(flagPresent | flagRW | flagUser)
	p.setFrame(frame)
	return p
}
