// Package memory initializes the memory management subsystem and owns its
// state for the rest of the kernel's lifetime.
package memory

import (
	"github.com/itamar567/os/kernel"
	"github.com/itamar567/os/kernel/cpu"
	"github.com/itamar567/os/kernel/hal/multiboot"
	"github.com/itamar567/os/kernel/kfmt"
	"github.com/itamar567/os/kernel/mm"
	"github.com/itamar567/os/kernel/mm/pmm"
	"github.com/itamar567/os/kernel/mm/vmm"
	"github.com/sirupsen/logrus"
)

// StackWindowPages is the number of pages reserved for kernel stacks right
// after the heap window.
const StackWindowPages = 101

// claimName is the CPU resource held by an initialized memory subsystem.
const claimName = "memory"

var (
	// ErrAlreadyInitialized is returned when Init is invoked more than once
	// for the same CPU.
	ErrAlreadyInitialized = &kernel.Error{Module: "memory", Message: "memory subsystem already initialized"}

	errNoKernelSections = &kernel.Error{Module: "memory", Message: "boot information lists no loaded kernel sections"}

	log = logrus.WithField("module", "memory")
)

// Controller owns the active page table, the frame allocator and the stack
// allocator once the memory subsystem is up.
type Controller struct {
	table  *vmm.ActiveTable
	frames *pmm.AreaFrameAllocator
	stacks *vmm.StackAllocator
	remap  vmm.RemapResult
}

// Stats is a read-only summary of the memory subsystem state.
type Stats struct {
	AllocatedFrames     uint64
	RemainingStackPages uint64
	PageTable           uintptr
	GuardPage           uintptr
	HeapStart           uintptr
	HeapSize            mm.Size
}

type noopHeap struct{}

func (noopHeap) Init(uintptr, mm.Size) {}

// Init sets up memory management: it builds a frame allocator from the
// available memory regions, remaps the kernel into a fresh page table
// hierarchy, backs the heap window with physical memory and hands it to heap,
// and prepares the kernel stack window. Init may only run once per CPU.
func Init(c cpu.CPU, info *multiboot.Info, heap vmm.HeapInitializer) (*Controller, *kernel.Error) {
	if !c.Claim(claimName) {
		return nil, ErrAlreadyInitialized
	}

	if heap == nil {
		heap = noopHeap{}
	}

	kernelStart, kernelEnd, err := KernelRange(info)
	if err != nil {
		return nil, err
	}

	kfmt.Printf("Kernel address: 0x%x-0x%x\n", kernelStart, kernelEnd)
	kfmt.Printf("Multiboot information address: 0x%x-0x%x\n", info.StartAddress(), info.EndAddress())
	pmm.PrintMemoryMap(info)

	frames := pmm.NewAreaFrameAllocator(kernelStart, kernelEnd, info.StartAddress(), info.EndAddress(), pmm.AvailableAreas(info))

	remap, err := vmm.RemapKernel(vmm.NewActiveTable(c), frames, info)
	if err != nil {
		return nil, err
	}

	// The remap switched CR3 so obtain a fresh view of the active table
	table := vmm.NewActiveTable(c)
	if err = vmm.MapHeap(table, frames, vmm.HeapStart, vmm.HeapSize, heap); err != nil {
		return nil, err
	}
	kfmt.Printf("Heap: 0x%x-0x%x\n", vmm.HeapStart, vmm.HeapStart+uintptr(vmm.HeapSize))

	_, heapEndPage := mm.PageRange(vmm.HeapStart, vmm.HeapStart+uintptr(vmm.HeapSize))
	stacks := vmm.NewStackAllocator(heapEndPage+1, heapEndPage+StackWindowPages)

	log.WithFields(logrus.Fields{
		"frames":     frames.AllocatedFrames(),
		"stackStart": (heapEndPage + 1).Address(),
	}).Debug("memory subsystem initialized")

	return &Controller{
		table:  table,
		frames: frames,
		stacks: stacks,
		remap:  remap,
	}, nil
}

// KernelRange returns the physical range [start, end) spanned by the loaded
// kernel sections.
func KernelRange(info *multiboot.Info) (uintptr, uintptr, *kernel.Error) {
	var (
		start, end uintptr
		found      bool
	)

	info.VisitElfSections(func(section *multiboot.ElfSection) {
		if !section.Allocated() {
			return
		}

		if !found || section.Address < start {
			start = section.Address
		}
		if !found || section.EndAddress() > end {
			end = section.EndAddress()
		}
		found = true
	})

	if !found {
		return 0, 0, errNoKernelSections
	}
	return start, end, nil
}

// AllocateStack maps a new kernel stack with the given number of pages below
// an unmapped guard page.
func (ctrl *Controller) AllocateStack(pages uint64) (vmm.Stack, *kernel.Error) {
	return ctrl.stacks.AllocateStack(ctrl.table, ctrl.frames, pages)
}

// Stats returns a snapshot of the memory subsystem state.
func (ctrl *Controller) Stats() Stats {
	return Stats{
		AllocatedFrames:     ctrl.frames.AllocatedFrames(),
		RemainingStackPages: ctrl.stacks.Remaining(),
		PageTable:           ctrl.remap.NewTable.Address(),
		GuardPage:           ctrl.remap.GuardPage.Address(),
		HeapStart:           vmm.HeapStart,
		HeapSize:            vmm.HeapSize,
	}
}
