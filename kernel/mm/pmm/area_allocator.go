// Package pmm implements the physical memory manager: a frame allocator that
// hands out free frames from the memory areas reported by the boot loader.
package pmm

import (
	"github.com/google/btree"
	"github.com/itamar567/os/kernel"
	"github.com/itamar567/os/kernel/mm"
	"github.com/sirupsen/logrus"
)

var (
	// ErrOutOfMemory is returned once every usable frame has been handed
	// out. Exhaustion is terminal.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	log = logrus.WithField("module", "pmm")
)

// MemoryArea describes a range of usable physical memory [Start, End).
type MemoryArea struct {
	Start, End uintptr
}

// frameRange is a MemoryArea converted to an inclusive range of frames that
// lie entirely inside it.
type frameRange struct {
	first, last mm.Frame
}

func frameRangeLess(a, b frameRange) bool {
	if a.first != b.first {
		return a.first < b.first
	}
	return a.last < b.last
}

// AreaFrameAllocator hands out frames from a set of usable memory areas in
// strictly increasing order, skipping the frames occupied by the kernel image
// and the boot information block. Frames are never freed.
//
// The allocator tracks the next candidate frame and the area that contains
// it. When an area is used up, the allocator moves to the lowest-starting area
// that still contains frames at or above the cursor.
type AreaFrameAllocator struct {
	areas *btree.BTreeG[frameRange]

	nextFreeFrame mm.Frame
	currentArea   *frameRange

	kernelStart, kernelEnd     mm.Frame
	bootInfoStart, bootInfoEnd mm.Frame

	allocCount uint64
}

// NewAreaFrameAllocator creates a frame allocator over the supplied memory
// areas. The kernel and boot information ranges are given as physical
// addresses; every frame that contains an address in [start, end] is treated
// as in use. Area bounds that are not frame aligned are rounded inwards and
// areas that do not contain a whole frame are ignored.
func NewAreaFrameAllocator(kernelStart, kernelEnd, bootInfoStart, bootInfoEnd uintptr, areas []MemoryArea) *AreaFrameAllocator {
	alloc := &AreaFrameAllocator{
		areas: btree.NewG[frameRange](2, frameRangeLess),
		// Frame 0 is never issued; a zero frame address in a table entry
		// would be indistinguishable from an unused entry.
		nextFreeFrame: mm.Frame(1),
		kernelStart:   mm.FrameFromAddress(kernelStart),
		kernelEnd:     mm.FrameFromAddress(kernelEnd),
		bootInfoStart: mm.FrameFromAddress(bootInfoStart),
		bootInfoEnd:   mm.FrameFromAddress(bootInfoEnd),
	}

	for _, area := range areas {
		start := (area.Start + mm.PageSize - 1) &^ (mm.PageSize - 1)
		end := area.End &^ (mm.PageSize - 1)
		if end <= start {
			log.WithFields(logrus.Fields{"start": area.Start, "end": area.End}).Debug("ignoring memory area smaller than a frame")
			continue
		}

		alloc.areas.ReplaceOrInsert(frameRange{
			first: mm.FrameFromAddress(start),
			last:  mm.FrameFromAddress(end - 1),
		})
	}

	alloc.chooseNextArea()
	return alloc
}

// chooseNextArea selects the lowest-starting area whose last frame is at or
// above the cursor and moves the cursor to the start of that area if needed.
func (alloc *AreaFrameAllocator) chooseNextArea() {
	alloc.currentArea = nil
	alloc.areas.Ascend(func(area frameRange) bool {
		if area.last < alloc.nextFreeFrame {
			return true
		}

		alloc.currentArea = &area
		return false
	})

	if alloc.currentArea == nil {
		log.Debug("no memory areas left")
		return
	}

	if alloc.nextFreeFrame < alloc.currentArea.first {
		alloc.nextFreeFrame = alloc.currentArea.first
	}
	log.WithFields(logrus.Fields{
		"first": alloc.currentArea.first,
		"last":  alloc.currentArea.last,
	}).Debug("switched memory area")
}

// AllocFrame reserves the next free frame. It returns ErrOutOfMemory when
// all areas have been used up.
func (alloc *AreaFrameAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	for alloc.currentArea != nil {
		frame := alloc.nextFreeFrame

		switch {
		case frame > alloc.currentArea.last:
			alloc.chooseNextArea()
		case frame >= alloc.kernelStart && frame <= alloc.kernelEnd:
			alloc.nextFreeFrame = alloc.kernelEnd + 1
		case frame >= alloc.bootInfoStart && frame <= alloc.bootInfoEnd:
			alloc.nextFreeFrame = alloc.bootInfoEnd + 1
		default:
			alloc.nextFreeFrame++
			alloc.allocCount++
			log.WithField("frame", frame).Debug("allocated frame")
			return frame, nil
		}
	}

	return mm.InvalidFrame, ErrOutOfMemory
}

// AllocatedFrames returns the number of frames handed out so far.
func (alloc *AreaFrameAllocator) AllocatedFrames() uint64 {
	return alloc.allocCount
}
