// Package vmm implements the virtual memory manager: page table manipulation
// through the recursive mapping, the kernel remap, the heap window and the
// kernel stack allocator.
package vmm

import (
	"github.com/itamar567/os/kernel"
	"github.com/itamar567/os/kernel/cpu"
	"github.com/itamar567/os/kernel/mm"
	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrMappingConflict is returned when mapping a page that is already mapped.
	ErrMappingConflict = &kernel.Error{Module: "vmm", Message: "page is already mapped"}

	// ErrNoHugePageSupport is returned when a walk runs into a huge page.
	ErrNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}

	log = logrus.WithField("module", "vmm")
)

// ActiveTable provides access to the page table hierarchy that the recursive
// P4 entry currently points to. This is the hierarchy loaded in CR3 except
// while the kernel is being remapped.
type ActiveTable struct {
	cpu cpu.CPU
}

// NewActiveTable returns an ActiveTable that accesses the page tables through
// c.
func NewActiveTable(c cpu.CPU) *ActiveTable {
	return &ActiveTable{cpu: c}
}

// CPU returns the processor this table is bound to.
func (t *ActiveTable) CPU() cpu.CPU {
	return t.cpu
}

// p4 returns the top-level table as seen through the recursive mapping.
func (t *ActiveTable) p4() pageTable {
	return pageTable{cpu: t.cpu, addr: pdtVirtualAddr}
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. Missing intermediate tables are allocated from alloc, cleared and
// installed as present and writable. Map fails with ErrMappingConflict if the
// page is already mapped; on success only the TLB entry for page is flushed.
func (t *ActiveTable) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error {
	return t.mapPage(page, frame, flags, alloc, false)
}

func (t *ActiveTable) mapPage(page mm.Page, frame mm.Frame, flags PageTableEntryFlag, alloc mm.FrameAllocator, overwrite bool) *kernel.Error {
	var err *kernel.Error

	walkErr := walk(t.cpu, page.Address(), func(pteLevel uint8, table pageTable, index uintptr, pte pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			if !overwrite && pte.HasFlags(FlagPresent) {
				err = ErrMappingConflict
				return false
			}

			if err = table.SetEntry(index, newEntry(frame, flags|FlagPresent)); err != nil {
				return false
			}
			t.cpu.FlushTLBEntry(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = ErrNoHugePageSupport
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it map it and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			var newTableFrame mm.Frame
			if newTableFrame, err = alloc.AllocFrame(); err != nil {
				return false
			}

			if err = table.SetEntry(index, newEntry(newTableFrame, FlagPresent|FlagRW)); err != nil {
				return false
			}

			// The next table becomes reachable but we need to
			// make sure that it is properly cleared
			if err = table.next(index).Zero(); err != nil {
				return false
			}

			log.WithFields(logrus.Fields{"level": pteLevel + 1, "frame": newTableFrame}).Debug("allocated page table")
		}

		return true
	})

	if walkErr != nil {
		return walkErr
	}
	if err == nil {
		log.WithFields(logrus.Fields{"page": page.Address(), "frame": frame.Address(), "flags": flags | FlagPresent}).Debug("mapped page")
	}
	return err
}

// IdentityMap maps frame to the page with the same address.
func (t *ActiveTable) IdentityMap(frame mm.Frame, flags PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error {
	return t.Map(mm.Page(frame), frame, flags, alloc)
}

// IdentityMapRegion establishes an identity mapping to the physical memory
// region which starts at the given frame and ends at frame + pages(size). The
// size argument is always rounded up to the nearest page boundary.
// IdentityMapRegion returns back the Page that corresponds to the region
// start.
func (t *ActiveTable) IdentityMapRegion(startFrame mm.Frame, size uintptr, flags PageTableEntryFlag, alloc mm.FrameAllocator) (mm.Page, *kernel.Error) {
	startPage := mm.Page(startFrame)
	pageCount := mm.Page(mm.Size(size).Pages())

	for curPage := startPage; curPage < startPage+pageCount; curPage++ {
		if err := t.Map(curPage, mm.Frame(curPage), flags, alloc); err != nil {
			return 0, err
		}
	}

	return startPage, nil
}

// MapTemporary establishes a temporary RW mapping of a physical memory frame
// to a fixed virtual address overwriting any previous mapping. The temporary
// mapping mechanism is primarily used by the kernel to access and initialize
// inactive page tables.
func (t *ActiveTable) MapTemporary(frame mm.Frame, alloc mm.FrameAllocator) (mm.Page, *kernel.Error) {
	page := mm.PageFromAddress(tempMappingAddr)
	if err := t.mapPage(page, frame, FlagPresent|FlagRW, alloc, true); err != nil {
		return 0, err
	}

	return page, nil
}

// Unmap removes a mapping previously installed via a call to Map or
// MapTemporary and flushes the TLB entry for the page. It returns
// ErrInvalidMapping if the page is not mapped.
func (t *ActiveTable) Unmap(page mm.Page) *kernel.Error {
	var err *kernel.Error

	walkErr := walk(t.cpu, page.Address(), func(pteLevel uint8, table pageTable, index uintptr, pte pageTableEntry) bool {
		// Next table is not present; this is an invalid mapping
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		// If we reached the last level all we need to do is to clear
		// the entry and flush its TLB entry
		if pteLevel == pageLevels-1 {
			if err = table.SetEntry(index, 0); err != nil {
				return false
			}
			t.cpu.FlushTLBEntry(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = ErrNoHugePageSupport
			return false
		}

		return true
	})

	if walkErr != nil {
		return walkErr
	}
	if err == nil {
		log.WithField("page", page.Address()).Debug("unmapped page")
	}
	return err
}

// rollbackUnmap unmaps page while undoing a failed operation. A failure is
// logged as a warning and the caller keeps reporting its original error.
func (t *ActiveTable) rollbackUnmap(page mm.Page) {
	if err := t.Unmap(page); err != nil {
		log.WithFields(logrus.Fields{"page": page.Address(), "err": err.Message}).Warn("rollback failed to unmap page")
	}
}

// pteForAddress returns the final page table entry that correspond to a
// particular virtual address. The function performs a page table walk till it
// reaches the final page table entry returning ErrInvalidMapping if the page
// is not present.
func (t *ActiveTable) pteForAddress(virtAddr uintptr) (pageTableEntry, *kernel.Error) {
	var (
		err   *kernel.Error
		entry pageTableEntry
	)

	walkErr := walk(t.cpu, virtAddr, func(pteLevel uint8, _ pageTable, _ uintptr, pte pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pteLevel != pageLevels-1 && pte.HasFlags(FlagHugePage) {
			err = ErrNoHugePageSupport
			return false
		}

		entry = pte
		return true
	})

	if walkErr != nil {
		return 0, walkErr
	}
	return entry, err
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (t *ActiveTable) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, err := t.pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return pte.Frame().Address() + PageOffset(virtAddr), nil
}

// IsMapped returns true if page is backed by a physical frame.
func (t *ActiveTable) IsMapped(page mm.Page) bool {
	_, err := t.pteForAddress(page.Address())
	return err == nil
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return (virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1))
}
