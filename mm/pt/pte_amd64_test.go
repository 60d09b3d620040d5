package pt

import (
	"testing"

	"github.com/unikraft/unikraft-sub017/mm"
)

func TestPTEFrame(t *testing.T) {
	var p pte
	p.setFrame(mm.Frame(0x1234))

	if got := p.frame(); got != mm.Frame(0x1234) {
		t.Fatalf("expected frame 0x1234; got %x", got)
	}
}

func TestPTEFlags(t *testing.T) {
	var p pte
	p.setFlags(flagPresent | flagRW)

	if !p.hasFlags(flagPresent | flagRW) {
		t.Fatal("expected present and RW flags to be set")
	}

	p.clearFlags(flagRW)
	if p.hasFlags(flagRW) {
		t.Fatal("expected RW flag to be cleared")
	}
	if !p.hasFlags(flagPresent) {
		t.Fatal("clearing RW should not clear present")
	}
}

func TestPTEIsLeaf(t *testing.T) {
	specs := []struct {
		flags Flag
		level uint8
		leaf  bool
	}{
		{0, 0, false},                    // not present
		{flagPresent, 0, true},           // base page is always a leaf
		{flagPresent, 1, false},          // present table-pointing entry
		{flagPresent | flagHugePage, 1, true},
	}

	for i, spec := range specs {
		p := pte(spec.flags)
		if got := p.isLeaf(spec.level); got != spec.leaf {
			t.Errorf("spec %d: expected isLeaf(%d) = %v; got %v", i, spec.level, spec.leaf, got)
		}
	}
}

func TestAttrRoundTrip(t *testing.T) {
	specs := []struct {
		attr  Attr
		level uint8
	}{
		{AttrRead, 0},
		{AttrRead | AttrWrite, 0},
		{AttrRead | AttrWrite | AttrExec, 0},
		{AttrRead | AttrUser, 0},
		{AttrRead | AttrCopyOnWrite, 0},
		{AttrRead | AttrNoCache | AttrWriteThrough, 1},
	}

	for i, spec := range specs {
		p := createPTE(mm.Frame(42), spec.attr, spec.level, pteEmpty, false)

		if !p.present() {
			t.Fatalf("spec %d: expected entry to be present", i)
		}
		if got := p.frame(); got != mm.Frame(42) {
			t.Fatalf("spec %d: expected frame 42; got %x", i, got)
		}
		if got := p.attr(); got != spec.attr {
			t.Fatalf("spec %d: expected attr %b; got %b", i, spec.attr, got)
		}
	}
}

func TestCreatePTECopyOnWriteImpliesReadOnly(t *testing.T) {
	p := createPTE(mm.Frame(1), AttrWrite|AttrCopyOnWrite, 0, pteEmpty, false)

	if p.hasFlags(flagRW) {
		t.Fatal("expected RW hardware bit to be cleared when AttrCopyOnWrite is requested")
	}
	if !p.hasFlags(flagCopyOnWrite) {
		t.Fatal("expected copy-on-write bit to be set")
	}
}

func TestCreatePTEKeepTemplateReplacesFrameAndAttrs(t *testing.T) {
	template := createPTE(mm.Frame(7), AttrRead|AttrWrite, 0, pteEmpty, false)

	replaced := createPTE(mm.Frame(99), AttrRead, 0, template, true)

	if got := replaced.frame(); got != mm.Frame(99) {
		t.Fatalf("expected new frame 99 to win over template; got %x", got)
	}
	if replaced.hasFlags(flagRW) {
		t.Fatal("expected write flag to be cleared by the new, read-only attribute set")
	}
}

func TestCreatePTEHugePageFlag(t *testing.T) {
	leaf := createPTE(mm.Frame(1), AttrRead, 1, pteEmpty, false)
	if !leaf.hasFlags(flagHugePage) {
		t.Fatal("expected level > 0 leaf to set the huge-page flag")
	}

	base := createPTE(mm.Frame(1), AttrRead, 0, pteEmpty, false)
	if base.hasFlags(flagHugePage) {
		t.Fatal("base page leaf must not set the huge-page flag")
	}
}

func TestTablePTE(t *testing.T) {
	p := tablePTE(mm.Frame(55))

	if !p.hasFlags(flagPresent | flagRW | flagUser) {
		t.Fatal("expected table entry to be present, writable and user-accessible")
	}
	if got := p.frame(); got != mm.Frame(55) {
		t.Fatalf("expected frame 55; got %x", got)
	}
}
