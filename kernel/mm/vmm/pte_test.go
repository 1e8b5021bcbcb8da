package vmm

import (
	"testing"

	"github.com/itamar567/os/kernel/mm"
)

func TestPageTableEntryFlags(t *testing.T) {
	var (
		pte   pageTableEntry
		flag1 = PageTableEntryFlag(1 << 10)
		flag2 = PageTableEntryFlag(1 << 21)
	)

	if pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return false")
	}

	pte.SetFlags(flag1 | flag2)

	if !pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return true")
	}

	if !pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return true")
	}

	pte.ClearFlags(flag1)

	if !pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return true")
	}

	if pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return false")
	}

	pte.ClearFlags(flag1 | flag2)

	if pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return false")
	}

	if pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return false")
	}
}

func TestPageTableEntryFrameEncoding(t *testing.T) {
	var (
		pte       pageTableEntry
		physFrame = mm.Frame(123)
	)

	pte.SetFrame(physFrame)
	if got := pte.Frame(); got != physFrame {
		t.Fatalf("expected pte.Frame() to return %v; got %v", physFrame, got)
	}

	pte = newEntry(physFrame, FlagPresent|FlagRW|FlagNoExecute)
	pte.SetFrame(mm.Frame(456))
	if got := pte.Frame(); got != 456 {
		t.Fatalf("expected SetFrame to replace the frame; got %v", got)
	}
	if !pte.HasFlags(FlagPresent | FlagRW | FlagNoExecute) {
		t.Fatal("expected SetFrame to preserve the entry flags")
	}
}

func TestPageTableEntryFlagString(t *testing.T) {
	specs := []struct {
		flags PageTableEntryFlag
		exp   string
	}{
		{0, "-"},
		{FlagPresent, "P"},
		{FlagPresent | FlagRW | FlagNoExecute, "P|RW|NX"},
		{FlagPresent | FlagHugePage, "P|H"},
	}

	for specIndex, spec := range specs {
		if got := spec.flags.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}
