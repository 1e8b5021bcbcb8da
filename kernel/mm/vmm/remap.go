package vmm

import (
	"github.com/itamar567/os/kernel"
	"github.com/itamar567/os/kernel/hal/multiboot"
	"github.com/itamar567/os/kernel/kfmt"
	"github.com/itamar567/os/kernel/mm"
	"github.com/sirupsen/logrus"
)

const (
	// DisplayBufferAddr is the physical address of the text-mode display
	// buffer.
	DisplayBufferAddr = uintptr(0xb8000)

	// DisplayBufferSize is the size of the text-mode display memory window.
	DisplayBufferSize = uintptr(0x8000)
)

var (
	// ErrMisalignedSection is returned when a loaded kernel section does
	// not start at a frame boundary.
	ErrMisalignedSection = &kernel.Error{Module: "vmm", Message: "kernel section is not frame aligned"}
)

// RemapResult describes the page table hierarchy installed by RemapKernel.
type RemapResult struct {
	// NewTable is the frame of the new P4 table.
	NewTable mm.Frame

	// OldTable is the frame of the P4 table that was active before the
	// remap.
	OldTable mm.Frame

	// GuardPage is the unmapped page whose address equals OldTable.
	GuardPage mm.Page
}

// sectionFlags derives the page protection flags for a kernel section: pages
// are always present, writable only if the section is writable and
// non-executable unless the section contains code.
func sectionFlags(section *multiboot.ElfSection) PageTableEntryFlag {
	flags := FlagPresent
	if section.Flags&multiboot.ElfSectionWritable != 0 {
		flags |= FlagRW
	}
	if section.Flags&multiboot.ElfSectionExecutable == 0 {
		flags |= FlagNoExecute
	}

	return flags
}

// RemapKernel builds a new page table hierarchy that identity-maps exactly
// the loaded kernel sections with per-section protection, the display buffer
// and the boot information block, and activates it. The page whose address
// matches the previous P4 frame is then unmapped so it can act as a guard
// page.
//
// The new hierarchy is populated while it is inactive by retargeting the
// recursive entry of the active P4 table. If any step fails before the switch,
// the recursive entry is restored, the TLB is flushed and the previous
// hierarchy stays active.
func RemapKernel(table *ActiveTable, alloc mm.FrameAllocator, info *multiboot.Info) (RemapResult, *kernel.Error) {
	var (
		c        = table.CPU()
		oldTable = mm.FrameFromAddress(c.ActivePDT())
		res      = RemapResult{OldTable: oldTable}
		err      *kernel.Error
	)

	if res.NewTable, err = newPDT(table, alloc); err != nil {
		return res, err
	}

	// Point the recursive slot of the active P4 to the new table. The
	// active P4 is edited through the temporary mapping which also lets us
	// restore the slot once the recursive mapping no longer reaches it.
	tempPage, err := table.MapTemporary(oldTable, alloc)
	if err != nil {
		return res, err
	}
	activeP4 := pageTable{cpu: c, addr: tempPage.Address()}

	if err = activeP4.SetEntry(recursiveEntryIndex, newEntry(res.NewTable, FlagPresent|FlagRW)); err != nil {
		return res, err
	}
	c.FlushTLB()
	log.WithField("pdt", res.NewTable.Address()).Debug("recursive mapping points to the new table")

	if err = populateKernelMappings(table, alloc, info); err != nil {
		log.WithField("err", err.Message).Debug("remap failed; restoring recursive mapping")
		if restoreErr := activeP4.SetEntry(recursiveEntryIndex, newEntry(oldTable, FlagPresent|FlagRW)); restoreErr != nil {
			return res, restoreErr
		}
		c.FlushTLB()
		table.rollbackUnmap(tempPage)
		return res, err
	}

	c.SwitchPDT(res.NewTable.Address())
	log.WithField("pdt", res.NewTable.Address()).Debug("switched to the new table")

	// Turn the original P4 page into a guard page
	res.GuardPage = mm.PageFromAddress(oldTable.Address())
	switch err = table.Unmap(res.GuardPage); err {
	case nil:
	case ErrInvalidMapping:
		log.WithField("page", res.GuardPage.Address()).Debug("guard page was never mapped")
	default:
		return res, err
	}
	kfmt.Printf("Guard page at 0x%x\n", res.GuardPage.Address())

	return res, nil
}

// newPDT allocates a frame for a new P4 table, clears it through the
// temporary mapping and installs the recursive mapping in its last entry.
func newPDT(table *ActiveTable, alloc mm.FrameAllocator) (mm.Frame, *kernel.Error) {
	frame, err := alloc.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	page, err := table.MapTemporary(frame, alloc)
	if err != nil {
		return mm.InvalidFrame, err
	}

	pdt := pageTable{cpu: table.CPU(), addr: page.Address()}
	if err = pdt.Zero(); err != nil {
		return mm.InvalidFrame, err
	}
	if err = pdt.SetEntry(recursiveEntryIndex, newEntry(frame, FlagPresent|FlagRW)); err != nil {
		return mm.InvalidFrame, err
	}

	return frame, nil
}

// populateKernelMappings identity-maps the loaded kernel sections, the
// display buffer and the boot information frames into the table that the
// recursive mapping currently points to.
func populateKernelMappings(table *ActiveTable, alloc mm.FrameAllocator, info *multiboot.Info) *kernel.Error {
	var err *kernel.Error

	info.VisitElfSections(func(section *multiboot.ElfSection) {
		if err != nil || !section.Allocated() {
			return
		}

		if section.Address&(mm.PageSize-1) != 0 {
			log.WithFields(logrus.Fields{"section": section.Name, "addr": section.Address}).Warn(ErrMisalignedSection.Message)
			err = ErrMisalignedSection
			return
		}

		flags := sectionFlags(section)
		startFrame := mm.FrameFromAddress(section.Address)
		endFrame := mm.FrameFromAddress(section.EndAddress() - 1)
		for frame := startFrame; frame <= endFrame; frame++ {
			if err = table.IdentityMap(frame, flags, alloc); err != nil {
				return
			}
		}

		log.WithFields(logrus.Fields{
			"section": section.Name,
			"start":   section.Address,
			"end":     section.EndAddress(),
			"flags":   flags,
		}).Debug("mapped kernel section")
	})
	if err != nil {
		return err
	}

	// Data pages are never executable
	dataFlags := FlagPresent | FlagRW | FlagNoExecute

	startFrame := mm.FrameFromAddress(DisplayBufferAddr)
	endFrame := mm.FrameFromAddress(DisplayBufferAddr + displayBufferUsage(info) - 1)
	for frame := startFrame; frame <= endFrame; frame++ {
		if err = table.IdentityMap(frame, dataFlags, alloc); err != nil {
			return err
		}
	}

	startFrame = mm.FrameFromAddress(info.StartAddress())
	endFrame = mm.FrameFromAddress(info.EndAddress() - 1)
	for frame := startFrame; frame <= endFrame; frame++ {
		if err = table.IdentityMap(frame, dataFlags, alloc); err != nil {
			return err
		}
	}

	return nil
}

// displayBufferUsage returns the number of display buffer bytes used by the
// text-mode framebuffer that the bootloader reports, capped at
// DisplayBufferSize. Without an EGA framebuffer a single frame is used.
func displayBufferUsage(info *multiboot.Info) uintptr {
	fb := info.FramebufferInfo()
	if fb == nil || fb.Type != multiboot.FramebufferTypeEGA {
		return mm.PageSize
	}

	size := uintptr(fb.Width) * uintptr(fb.Height) * 2
	switch {
	case size == 0:
		return mm.PageSize
	case size > DisplayBufferSize:
		return DisplayBufferSize
	}
	return size
}
