package vmm

import (
	"github.com/itamar567/os/kernel"
	"github.com/itamar567/os/kernel/mm"
	"github.com/sirupsen/logrus"
)

const (
	// HeapStart is the virtual address of the kernel heap window
	// (P4 index 0, P3 index 1).
	HeapStart = uintptr(0x40000000)

	// HeapSize is the size of the kernel heap window.
	HeapSize = 100 * mm.Kb
)

// ErrMisalignedRegion is returned when a virtual memory window does not
// start at a page boundary.
var ErrMisalignedRegion = &kernel.Error{Module: "vmm", Message: "memory region is not page aligned"}

// HeapInitializer is implemented by the kernel heap allocator. Init is
// invoked once the heap window is backed by physical memory.
type HeapInitializer interface {
	Init(start uintptr, size mm.Size)
}

// MapHeap backs the virtual window [start, start+size) with freshly
// allocated frames, mapping pages present and writable in increasing order,
// and then hands the window over to heap.
func MapHeap(table *ActiveTable, alloc mm.FrameAllocator, start uintptr, size mm.Size, heap HeapInitializer) *kernel.Error {
	if start&(mm.PageSize-1) != 0 {
		return ErrMisalignedRegion
	}

	firstPage, lastPage := mm.PageRange(start, start+uintptr(size))
	for page := firstPage; page <= lastPage; page++ {
		frame, err := alloc.AllocFrame()
		if err != nil {
			return err
		}

		if err = table.Map(page, frame, FlagPresent|FlagRW|FlagNoExecute, alloc); err != nil {
			return err
		}
	}

	log.WithFields(logrus.Fields{"start": start, "size": uint64(size)}).Debug("mapped heap")
	heap.Init(start, size)
	return nil
}
