package machine

import (
	"bytes"
	"testing"

	"github.com/itamar567/os/kernel/cpu"
)

var _ cpu.CPU = (*Machine)(nil)

const (
	testRAMSize   = uintptr(16 << 20)
	testBootTable = uintptr(0x200000)
	recursiveP4   = uintptr(0xfffffffffffff000)
)

func bootedMachine(t *testing.T) *Machine {
	t.Helper()

	m := New(testRAMSize)
	if err := m.InstallBootPageTables(testBootTable); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestPhysicalMemory(t *testing.T) {
	m := New(testRAMSize)

	t.Run("unwritten memory reads as zero", func(t *testing.T) {
		buf := []byte{1, 2, 3, 4}
		if err := m.ReadPhys(0x5000, buf); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(buf, make([]byte, 4)) {
			t.Fatalf("expected zeroed buffer; got %v", buf)
		}
	})

	t.Run("write spanning frames", func(t *testing.T) {
		data := bytes.Repeat([]byte{0xaa}, 64)
		if err := m.WritePhys(0x1fe0, data); err != nil {
			t.Fatal(err)
		}

		got := make([]byte, 64)
		if err := m.ReadPhys(0x1fe0, got); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(data, got) {
			t.Fatalf("expected to read back %v; got %v", data, got)
		}
	})

	t.Run("64-bit access", func(t *testing.T) {
		if err := m.WritePhys64(0x3008, 0xdeadbeefcafe); err != nil {
			t.Fatal(err)
		}
		if got, err := m.ReadPhys64(0x3008); err != nil || got != 0xdeadbeefcafe {
			t.Fatalf("expected to read 0xdeadbeefcafe; got %x, err %v", got, err)
		}
	})

	t.Run("out of range", func(t *testing.T) {
		if err := m.WritePhys(testRAMSize-4, make([]byte, 8)); err != ErrPhysOutOfRange {
			t.Fatalf("expected ErrPhysOutOfRange; got %v", err)
		}
		if _, err := m.ReadPhys64(testRAMSize); err != ErrPhysOutOfRange {
			t.Fatalf("expected ErrPhysOutOfRange; got %v", err)
		}
	})
}

func TestPagingDisabledFaults(t *testing.T) {
	m := New(testRAMSize)
	m.SwitchPDT(0x1000)

	if _, err := m.ReadUint64(0x1000); err != ErrPageNotPresent {
		t.Fatalf("expected ErrPageNotPresent; got %v", err)
	}
}

func TestBootPageTables(t *testing.T) {
	m := bootedMachine(t)

	if exp, got := testBootTable, m.ActivePDT(); got != exp {
		t.Fatalf("expected CR3 to be %x; got %x", exp, got)
	}

	t.Run("identity mapping", func(t *testing.T) {
		for _, addr := range []uintptr{0, 0xb8000, 0x123456, 0x3fffffff} {
			res, err := m.Translate(addr)
			if err != nil {
				t.Fatalf("unexpected error translating %x: %v", addr, err)
			}
			if res.PhysAddr != addr || !res.Huge || !res.Writable {
				t.Fatalf("expected %x to be identity mapped by a writable huge page; got %+v", addr, res)
			}
		}

		if _, err := m.Translate(0x40000000); err != ErrPageNotPresent {
			t.Fatalf("expected addresses above 1GiB to be unmapped; got %v", err)
		}
	})

	t.Run("recursive mapping", func(t *testing.T) {
		entry, err := m.ReadUint64(recursiveP4 + 511*8)
		if err != nil {
			t.Fatal(err)
		}
		if exp := uint64(testBootTable) | entryPresent | entryRW; entry != exp {
			t.Fatalf("expected recursive entry %x; got %x", exp, entry)
		}

		entry, err = m.ReadUint64(recursiveP4)
		if err != nil {
			t.Fatal(err)
		}
		if exp := uint64(testBootTable+frameSize) | entryPresent | entryRW; entry != exp {
			t.Fatalf("expected P4[0] to point to the P3 table %x; got %x", exp, entry)
		}
	})

	t.Run("misaligned base", func(t *testing.T) {
		if err := New(testRAMSize).InstallBootPageTables(0x1234); err != errMisalignedBootTables {
			t.Fatalf("expected errMisalignedBootTables; got %v", err)
		}
	})

	t.Run("leaf mappings", func(t *testing.T) {
		mappings := m.LeafMappings()
		if exp := entriesPerPage; len(mappings) != exp {
			t.Fatalf("expected %d leaf mappings; got %d", exp, len(mappings))
		}

		last := mappings[len(mappings)-1]
		if last.VirtAddr != 0x3fe00000 || last.PhysAddr != 0x3fe00000 || last.Size != hugePageSize {
			t.Fatalf("unexpected last mapping %+v", last)
		}
	})
}

func TestVirtualAccess(t *testing.T) {
	m := bootedMachine(t)

	data := []byte("the big brown fox")
	if err := m.Write(0x10ff8, data); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, len(data))
	if err := m.ReadPhys(0x10ff8, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, got) {
		t.Fatalf("expected identity-mapped write to reach physical memory; got %q", got)
	}

	if err := m.Memset(0x10ff8, 0, uintptr(len(data))); err != nil {
		t.Fatal(err)
	}
	if err := m.Read(0x10ff8, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(make([]byte, len(data)), got) {
		t.Fatalf("expected Memset to clear the range; got %q", got)
	}
}

func TestWriteProtect(t *testing.T) {
	m := bootedMachine(t)

	// Clear the RW bit of the first 2MiB page
	p2 := testBootTable + 2*frameSize
	if err := m.WritePhys64(p2, entryPresent|entryHugePage); err != nil {
		t.Fatal(err)
	}

	if err := m.WriteUint64(0x1000, 1); err != ErrWriteProtected {
		t.Fatalf("expected ErrWriteProtected; got %v", err)
	}

	if _, err := m.ReadUint64(0x1000); err != nil {
		t.Fatalf("expected reads from read-only pages to succeed; got %v", err)
	}
}

func TestTLB(t *testing.T) {
	m := bootedMachine(t)
	p2 := testBootTable + 2*frameSize

	if err := m.WritePhys64(0x5000, 42); err != nil {
		t.Fatal(err)
	}

	if _, err := m.ReadUint64(0x5000); err != nil {
		t.Fatal(err)
	}
	if !m.Cached(0x5000) {
		t.Fatal("expected successful translation to be cached")
	}

	// Unmap the first 2MiB without invalidating the TLB
	if err := m.WritePhys64(p2, 0); err != nil {
		t.Fatal(err)
	}

	if got, err := m.ReadUint64(0x5000); err != nil || got != 42 {
		t.Fatalf("expected stale TLB entry to be used; got %d, err %v", got, err)
	}

	if _, err := m.ReadUint64(0x6000); err != ErrPageNotPresent {
		t.Fatalf("expected uncached page to fault; got %v", err)
	}
	if m.Cached(0x6000) {
		t.Fatal("expected failed translation not to be cached")
	}

	m.FlushTLBEntry(0x5008)
	if _, err := m.ReadUint64(0x5000); err != ErrPageNotPresent {
		t.Fatalf("expected fault after invalidating the TLB entry; got %v", err)
	}

	t.Run("switching CR3 flushes the TLB", func(t *testing.T) {
		if err := m.WritePhys64(p2, entryPresent|entryRW|entryHugePage); err != nil {
			t.Fatal(err)
		}
		if _, err := m.ReadUint64(0x5000); err != nil {
			t.Fatal(err)
		}

		m.SwitchPDT(m.ActivePDT())
		if m.Cached(0x5000) {
			t.Fatal("expected SwitchPDT to flush the TLB")
		}
	})

	t.Run("full flush", func(t *testing.T) {
		if _, err := m.ReadUint64(0x5000); err != nil {
			t.Fatal(err)
		}

		m.FlushTLB()
		if m.Cached(0x5000) {
			t.Fatal("expected FlushTLB to flush the TLB")
		}
	})
}

func TestRun(t *testing.T) {
	t.Run("returns", func(t *testing.T) {
		m := New(testRAMSize)
		var ran bool
		if halted := m.Run(func() { ran = true }); halted || !ran {
			t.Fatalf("expected fn to run without halting; ran: %t, halted: %t", ran, halted)
		}
	})

	t.Run("halts", func(t *testing.T) {
		m := New(testRAMSize)
		var after bool
		halted := m.Run(func() {
			m.Halt()
			after = true
		})

		if !halted || !m.Halted() {
			t.Fatal("expected Run to report a halted cpu")
		}
		if after {
			t.Fatal("expected Halt not to return")
		}
	})

	t.Run("propagates panics", func(t *testing.T) {
		defer func() {
			if r := recover(); r != "boom" {
				t.Fatalf("expected to recover the kernel panic; got %v", r)
			}
		}()

		New(testRAMSize).Run(func() { panic("boom") })
	})
}

func TestLeafMappingsUpperHalf(t *testing.T) {
	m := bootedMachine(t)

	// P4[256] -> P3 -> P2 with a single 2 MiB page at 0xffff800000000000
	p3, p2 := uintptr(0x300000), uintptr(0x301000)
	for _, e := range []struct {
		addr  uintptr
		value uint64
	}{
		{testBootTable + 256*8, uint64(p3) | entryPresent | entryRW},
		{p3, uint64(p2) | entryPresent | entryRW},
		{p2, uint64(0x400000) | entryPresent | entryHugePage | entryNoExecute},
	} {
		if err := m.WritePhys64(e.addr, e.value); err != nil {
			t.Fatal(err)
		}
	}

	var found bool
	for _, mapping := range m.LeafMappings() {
		// Skip the boot identity mapping of the same frame
		if mapping.PhysAddr != 0x400000 || mapping.VirtAddr < 1<<47 {
			continue
		}
		found = true
		if mapping.VirtAddr != 0xffff800000000000 {
			t.Fatalf("expected upper half mapping to be sign-extended; got 0x%x", mapping.VirtAddr)
		}
		if mapping.Writable || !mapping.NoExecute || mapping.Size != hugePageSize {
			t.Fatalf("unexpected upper half mapping %+v", mapping)
		}
	}

	if !found {
		t.Fatal("expected upper half mapping to be listed")
	}
}

func TestClaim(t *testing.T) {
	m1, m2 := New(testRAMSize), New(testRAMSize)

	if !m1.Claim("memory") {
		t.Fatal("expected first claim to succeed")
	}
	if m1.Claim("memory") {
		t.Fatal("expected second claim on the same machine to fail")
	}
	if !m1.Claim("gate") {
		t.Fatal("expected claims of other resources to succeed")
	}
	if !m2.Claim("memory") {
		t.Fatal("expected claims to be tracked per machine")
	}
}
