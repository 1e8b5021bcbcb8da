// Package cpu describes the processor facilities that the kernel relies on.
//
// All memory accesses performed through a CPU are subject to address
// translation by the paging unit, exactly like the loads and stores that
// compiled kernel code would issue. Implementations report faulting accesses
// as errors instead of raising an exception.
package cpu

import "github.com/itamar567/os/kernel"

// CPU exposes the privileged instructions and paged memory accesses used by
// the memory management code.
type CPU interface {
	// ActivePDT returns the physical address of the currently active page
	// table (the contents of the CR3 register).
	ActivePDT() uintptr

	// SwitchPDT sets the root page table directory to point to the
	// specified physical address and flushes the TLB.
	SwitchPDT(pdtPhysAddr uintptr)

	// FlushTLBEntry flushes a TLB entry for a particular virtual address.
	FlushTLBEntry(virtAddr uintptr)

	// FlushTLB flushes all TLB entries.
	FlushTLB()

	// Halt stops instruction execution. Halt never returns.
	Halt()

	// ReadUint64 loads the 64-bit word stored at virtAddr.
	ReadUint64(virtAddr uintptr) (uint64, *kernel.Error)

	// WriteUint64 stores a 64-bit word at virtAddr.
	WriteUint64(virtAddr uintptr, value uint64) *kernel.Error

	// Read copies len(buf) bytes starting at virtAddr into buf.
	Read(virtAddr uintptr, buf []byte) *kernel.Error

	// Write copies buf to the memory starting at virtAddr.
	Write(virtAddr uintptr, buf []byte) *kernel.Error

	// Memset sets size bytes starting at virtAddr to value.
	Memset(virtAddr uintptr, value byte, size uintptr) *kernel.Error

	// Claim marks resource as taken on this CPU. It returns false if the
	// resource was already claimed.
	Claim(resource string) bool
}
