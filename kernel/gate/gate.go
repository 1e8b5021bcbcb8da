// Package gate sets up the task state segment whose interrupt stack table
// lets the CPU switch to a known-good stack when handling exceptions that
// may be caused by a corrupted kernel stack.
package gate

import (
	"github.com/itamar567/os/kernel"
	"github.com/itamar567/os/kernel/kfmt"
	"github.com/itamar567/os/kernel/mm/vmm"
	"github.com/sirupsen/logrus"
)

const (
	// ISTSize is the number of slots in the interrupt stack table.
	ISTSize = 7

	// DoubleFaultISTIndex is the interrupt stack table slot used by the
	// double fault handler.
	DoubleFaultISTIndex = 0

	// DoubleFaultStackPages is the size of the double fault stack in pages.
	DoubleFaultStackPages = 2
)

var log = logrus.WithField("module", "gate")

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// NMI (non-maskable-interrupt) is a hardware interrupt that indicates
	// issues with RAM or unrecoverable hardware problems.
	NMI = InterruptNumber(2)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// StackSegmentFault occurs when attempting to push/pop from a
	// non-canonical stack address or when the stack base/limit checks fail.
	StackSegmentFault = InterruptNumber(12)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)
)

var interruptNames = map[InterruptNumber]string{
	DivideByZero:       "divide by zero",
	NMI:                "NMI",
	InvalidOpcode:      "invalid opcode",
	DoubleFault:        "double fault",
	StackSegmentFault:  "stack segment fault",
	GPFException:       "general protection fault",
	PageFaultException: "page fault",
}

// String implements fmt.Stringer for InterruptNumber.
func (n InterruptNumber) String() string {
	if name, ok := interruptNames[n]; ok {
		return name
	}
	return "interrupt"
}

// TaskStateSegment mirrors the fields of the 64-bit TSS that the kernel
// populates.
type TaskStateSegment struct {
	// PrivilegeStackTable holds the stack pointers loaded when switching
	// to privilege levels 0-2.
	PrivilegeStackTable [3]uintptr

	// InterruptStackTable holds the stack pointers that interrupt gates
	// can select through their IST index.
	InterruptStackTable [ISTSize]uintptr

	IOMapBase uint16
}

// ISTEntry returns the stack top stored in the given interrupt stack table
// slot.
func (tss *TaskStateSegment) ISTEntry(index uint8) uintptr {
	return tss.InterruptStackTable[index]
}

// StackAllocator is implemented by the memory subsystem.
type StackAllocator interface {
	AllocateStack(pages uint64) (vmm.Stack, *kernel.Error)
}

// Init allocates the stacks referenced by the interrupt stack table and
// returns the populated task state segment.
func Init(stacks StackAllocator) (*TaskStateSegment, *kernel.Error) {
	stack, err := stacks.AllocateStack(DoubleFaultStackPages)
	if err != nil {
		return nil, err
	}

	tss := &TaskStateSegment{IOMapBase: ioMapBaseNone}
	tss.InterruptStackTable[DoubleFaultISTIndex] = stack.Top

	kfmt.Printf("Double fault stack: 0x%x-0x%x\n", stack.Bottom, stack.Top)
	log.WithFields(logrus.Fields{
		"interrupt": DoubleFault.String(),
		"ist":       DoubleFaultISTIndex,
		"top":       stack.Top,
	}).Debug("installed interrupt stack")

	return tss, nil
}

// ioMapBaseNone points the I/O permission bitmap past the end of the TSS
// which denies all port access from user mode.
const ioMapBaseNone = 104
