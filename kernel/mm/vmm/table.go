package vmm

import (
	"github.com/itamar567/os/kernel"
	"github.com/itamar567/os/kernel/cpu"
	"github.com/itamar567/os/kernel/mm"
)

var errInvalidTableIndex = &kernel.Error{Module: "vmm", Message: "page table index out of range"}

// pageTable is a view of a page table that is reachable at a virtual
// address. Entries are loaded and stored through the CPU so every access is
// subject to address translation.
type pageTable struct {
	cpu  cpu.CPU
	addr uintptr
}

// entryAddr returns the virtual address of the entry at index.
func (t pageTable) entryAddr(index uintptr) (uintptr, *kernel.Error) {
	if index >= entriesPerTable {
		return 0, errInvalidTableIndex
	}
	return t.addr + (index << mm.PointerShift), nil
}

// Entry loads the entry at index.
func (t pageTable) Entry(index uintptr) (pageTableEntry, *kernel.Error) {
	addr, err := t.entryAddr(index)
	if err != nil {
		return 0, err
	}

	value, err := t.cpu.ReadUint64(addr)
	return pageTableEntry(value), err
}

// SetEntry stores pte at index.
func (t pageTable) SetEntry(index uintptr, pte pageTableEntry) *kernel.Error {
	addr, err := t.entryAddr(index)
	if err != nil {
		return err
	}

	return t.cpu.WriteUint64(addr, uint64(pte))
}

// Zero clears every entry of the table.
func (t pageTable) Zero() *kernel.Error {
	return t.cpu.Memset(t.addr, 0, mm.PageSize)
}

// next returns the table pointed to by the entry at index, as seen through
// the recursive mapping. Shifting the entry address left by the number of
// bits for a paging level adds a level of indirection to the recursive
// mapping.
func (t pageTable) next(index uintptr) pageTable {
	return pageTable{
		cpu:  t.cpu,
		addr: (t.addr + (index << mm.PointerShift)) << pageLevelBits[0],
	}
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level, the table and index of the entry
// for that level and the entry itself. If the function returns false, then
// the page walk is aborted.
type pageTableWalker func(pteLevel uint8, table pageTable, index uintptr, pte pageTableEntry) bool

// walk performs a page table walk for the given virtual address through the
// recursive mapping of the active P4 table. It calls the supplied walkFn with
// the page table entry that corresponds to each page table level. The walk
// stops when walkFn returns false or an entry cannot be loaded, in which case
// the load error is returned.
func walk(c cpu.CPU, virtAddr uintptr, walkFn pageTableWalker) *kernel.Error {
	table := pageTable{cpu: c, addr: pdtVirtualAddr}

	for level := uint8(0); level < pageLevels; level++ {
		// Extract the bits from virtual address that correspond to the
		// index in this level's page table
		index := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)

		pte, err := table.Entry(index)
		if err != nil {
			return err
		}

		if !walkFn(level, table, index, pte) {
			return nil
		}

		table = table.next(index)
	}

	return nil
}
