package kmain

import (
	"fmt"
	"strings"
	"testing"

	"github.com/itamar567/os/kernel"
	"github.com/itamar567/os/kernel/hal/machine"
	"github.com/itamar567/os/kernel/hal/multiboot"
	"github.com/itamar567/os/kernel/kfmt"
	"github.com/itamar567/os/kernel/mm/vmm"
)

const (
	testRAMSize    = uintptr(64 << 20)
	testInfoAddr   = uintptr(0x9000)
	testStrtabAddr = uintptr(0xa000)
	testBootTables = uintptr(0x105000)
)

func testSections(textAddr uintptr) []multiboot.ElfSection {
	return []multiboot.ElfSection{
		{Name: ".text", Type: 1, Flags: multiboot.ElfSectionAllocated | multiboot.ElfSectionExecutable, Address: textAddr, Size: 0x3000},
		{Name: ".bss", Type: 8, Flags: multiboot.ElfSectionAllocated | multiboot.ElfSectionWritable, Address: 0x104000, Size: 0x8000},
	}
}

// bootMachine returns a machine running on the boot page tables with a
// multiboot info block describing sections stored at testInfoAddr. A nil
// sections slice leaves the info block empty.
func bootMachine(t *testing.T, sections []multiboot.ElfSection) *machine.Machine {
	t.Helper()

	m := machine.New(testRAMSize)
	if err := m.InstallBootPageTables(testBootTables); err != nil {
		t.Fatal(err)
	}

	if sections == nil {
		return m
	}

	var b multiboot.Builder
	b.AddMemoryRegion(0, 0x9fc00, multiboot.MemAvailable).
		AddMemoryRegion(0x9fc00, 0x60400, multiboot.MemReserved).
		AddMemoryRegion(0x100000, uint64(testRAMSize-0x100000), multiboot.MemAvailable).
		SetFramebuffer(multiboot.FramebufferInfo{
			PhysAddr: uint64(vmm.DisplayBufferAddr),
			Pitch:    160,
			Width:    80,
			Height:   25,
			Bpp:      16,
			Type:     multiboot.FramebufferTypeEGA,
		})
	for _, section := range sections {
		b.AddElfSection(section)
	}

	data, strtab := b.Build(testStrtabAddr)
	if err := m.WritePhys(testInfoAddr, data); err != nil {
		t.Fatal(err)
	}
	if err := m.WritePhys(testStrtabAddr, strtab); err != nil {
		t.Fatal(err)
	}

	return m
}

func TestKmain(t *testing.T) {
	defer func() {
		kfmt.SetOutputSink(nil)
		kfmt.SetHaltFn(nil)
	}()

	m := bootMachine(t, testSections(0x100000))

	var k *Kernel
	if halted := m.Run(func() { k = Kmain(m, testInfoAddr, nil) }); halted {
		t.Fatal("expected Kmain to boot without halting the CPU")
	}

	if k == nil {
		t.Fatal("expected Kmain to return the kernel state")
	}

	if got := k.TSS.InterruptStackTable[0]; got != 0x4001c000 {
		t.Fatalf("expected double fault IST entry to be 0x4001c000; got 0x%x", got)
	}

	if got := k.Memory.Stats().PageTable; got != m.ActivePDT() {
		t.Fatalf("expected the controller to own the active page table 0x%x; got 0x%x", m.ActivePDT(), got)
	}

	// The console writes through the new page tables
	if err := k.Console.Err(); err != nil {
		t.Fatal(err)
	}

	screen := strings.Join(k.Console.Lines(), "\n")
	for _, exp := range []string{
		"Starting kernel",
		"Kernel address: 0x100000-0x10c000",
		"Guard page at 0x105000",
		"Heap: 0x40000000-0x40019000",
		"Double fault stack: 0x4001a000-0x4001c000",
	} {
		if !strings.Contains(screen, exp) {
			t.Errorf("expected screen to contain %q; got:\n%s", exp, screen)
		}
	}
}

func TestKmainPanics(t *testing.T) {
	defer func() {
		kfmt.SetOutputSink(nil)
		kfmt.SetHaltFn(nil)
	}()

	specs := []struct {
		descr    string
		sections []multiboot.ElfSection
		expErr   *kernel.Error
	}{
		{"missing multiboot info", nil, &kernel.Error{Module: "multiboot", Message: "multiboot info block is truncated"}},
		{"misaligned kernel section", testSections(0x100800), vmm.ErrMisalignedSection},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			m := bootMachine(t, spec.sections)

			var k *Kernel
			if halted := m.Run(func() { k = Kmain(m, testInfoAddr, nil) }); !halted {
				t.Fatal("expected the CPU to be halted")
			}

			if k != nil {
				t.Fatal("expected Kmain not to return")
			}

			// The boot tables are active again so the screen is still
			// reachable through the identity mapping
			if got := m.ActivePDT(); got != testBootTables {
				t.Fatalf("expected the boot page tables to be active; got 0x%x", got)
			}

			var screen strings.Builder
			buf := make([]byte, 80*25*2)
			if err := m.ReadPhys(vmm.DisplayBufferAddr, buf); err != nil {
				t.Fatal(err)
			}
			for i := 0; i < len(buf); i += 2 {
				screen.WriteByte(buf[i])
			}

			for _, exp := range []string{
				fmt.Sprintf("[%s] unrecoverable error: %s", spec.expErr.Module, spec.expErr.Message),
				"*** kernel panic: system halted ***",
			} {
				if !strings.Contains(screen.String(), exp) {
					t.Errorf("expected screen to contain %q", exp)
				}
			}
		})
	}
}

func TestLoadInfoTooLarge(t *testing.T) {
	m := bootMachine(t, nil)
	if err := m.WritePhys(testInfoAddr, []byte{0xff, 0xff, 0xff, 0xff, 0, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}

	if _, err := loadInfo(m, testInfoAddr); err != errInfoTooLarge {
		t.Fatalf("expected error %v; got %v", errInfoTooLarge, err)
	}
}
