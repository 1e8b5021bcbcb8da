// Package machine provides a software model of the amd64 processor facilities
// used by the memory manager: physical RAM, the CR3 register, a TLB and a
// 4-level paging unit. Machine implements cpu.CPU so kernel code can run
// unmodified inside a regular Go process.
package machine

import (
	"encoding/binary"
	"runtime"
	"sync"

	"github.com/itamar567/os/kernel"
	"github.com/sirupsen/logrus"
)

const (
	frameShift = 12
	frameSize  = uintptr(1 << frameShift)
)

var (
	// ErrPhysOutOfRange is returned for physical accesses past the end of RAM.
	ErrPhysOutOfRange = &kernel.Error{Module: "machine", Message: "physical address out of range"}

	// ErrPageNotPresent is returned when translating an address whose
	// paging structures are missing.
	ErrPageNotPresent = &kernel.Error{Module: "machine", Message: "page fault: page not present"}

	// ErrWriteProtected is returned for writes to pages mapped read-only.
	ErrWriteProtected = &kernel.Error{Module: "machine", Message: "page fault: write to read-only page"}

	log = logrus.WithField("module", "machine")
)

// Machine is a simulated single-core amd64 system.
//
// Kernel code runs on a single goroutine started by Run; the mutex only
// protects the machine state so that the host can inspect it afterwards.
type Machine struct {
	mu sync.Mutex

	ramSize uintptr

	// ram is sparse; frames that were never written read as zero.
	ram map[uintptr]*[frameSize]byte

	cr3 uintptr
	tlb map[uintptr]tlbEntry

	halted bool

	claims map[string]struct{}
}

// New returns a machine with ramSize bytes of physical memory. Paging starts
// out with a zero CR3 so any virtual access faults until page tables are
// installed.
func New(ramSize uintptr) *Machine {
	return &Machine{
		ramSize: ramSize &^ (frameSize - 1),
		ram:     make(map[uintptr]*[frameSize]byte),
		tlb:     make(map[uintptr]tlbEntry),
		claims:  make(map[string]struct{}),
	}
}

// RAMSize returns the amount of physical memory in bytes.
func (m *Machine) RAMSize() uintptr {
	return m.ramSize
}

// ActivePDT returns the contents of the CR3 register.
func (m *Machine) ActivePDT() uintptr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cr3
}

// SwitchPDT loads CR3 with pdtPhysAddr, which flushes every TLB entry.
func (m *Machine) SwitchPDT(pdtPhysAddr uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()

	log.WithField("pdt", pdtPhysAddr).Debug("loading CR3")
	m.cr3 = pdtPhysAddr &^ (frameSize - 1)
	m.flushTLB()
}

// FlushTLBEntry invalidates the cached translation for virtAddr.
func (m *Machine) FlushTLBEntry(virtAddr uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tlb, virtAddr&^(frameSize-1))
}

// FlushTLB invalidates every cached translation.
func (m *Machine) FlushTLB() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushTLB()
}

func (m *Machine) flushTLB() {
	m.tlb = make(map[uintptr]tlbEntry)
}

// Halt stops the processor. It must be called from the goroutine started by
// Run and never returns.
func (m *Machine) Halt() {
	m.mu.Lock()
	m.halted = true
	m.mu.Unlock()

	log.Warn("cpu halted")
	runtime.Goexit()
}

// Claim marks resource as taken. It returns false if resource was already
// claimed on this machine.
func (m *Machine) Claim(resource string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.claims[resource]; taken {
		return false
	}
	m.claims[resource] = struct{}{}
	return true
}

// Halted reports whether the processor executed Halt.
func (m *Machine) Halted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted
}

// Run executes fn on a new goroutine, the way the boot loader transfers
// control to the kernel entrypoint, and waits for it to return or halt. Run
// reports whether the processor was halted. A Go panic raised by fn is
// propagated to the caller.
func (m *Machine) Run(fn func()) bool {
	var (
		done      = make(chan struct{})
		recovered interface{}
	)

	go func() {
		defer close(done)
		defer func() {
			recovered = recover()
		}()
		fn()
	}()
	<-done

	if recovered != nil {
		panic(recovered)
	}

	return m.Halted()
}

// ReadPhys copies len(buf) bytes starting at physical address physAddr.
func (m *Machine) ReadPhys(physAddr uintptr, buf []byte) *kernel.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readPhys(physAddr, buf)
}

// WritePhys copies buf into physical memory starting at physAddr.
func (m *Machine) WritePhys(physAddr uintptr, buf []byte) *kernel.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writePhys(physAddr, buf)
}

// ReadPhys64 loads the 64-bit little-endian word at physAddr.
func (m *Machine) ReadPhys64(physAddr uintptr) (uint64, *kernel.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readPhys64(physAddr)
}

// WritePhys64 stores a 64-bit little-endian word at physAddr.
func (m *Machine) WritePhys64(physAddr uintptr, value uint64) *kernel.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writePhys64(physAddr, value)
}

func (m *Machine) checkPhysRange(physAddr, size uintptr) *kernel.Error {
	if physAddr >= m.ramSize || size > m.ramSize-physAddr {
		return ErrPhysOutOfRange
	}
	return nil
}

func (m *Machine) readPhys(physAddr uintptr, buf []byte) *kernel.Error {
	if err := m.checkPhysRange(physAddr, uintptr(len(buf))); err != nil {
		return err
	}

	for len(buf) != 0 {
		offset := physAddr & (frameSize - 1)
		var n int
		if frame := m.ram[physAddr>>frameShift]; frame != nil {
			n = copy(buf, frame[offset:])
		} else {
			n = len(buf)
			if room := int(frameSize - offset); n > room {
				n = room
			}
			for i := range buf[:n] {
				buf[i] = 0
			}
		}
		buf = buf[n:]
		physAddr += uintptr(n)
	}

	return nil
}

func (m *Machine) writePhys(physAddr uintptr, buf []byte) *kernel.Error {
	if err := m.checkPhysRange(physAddr, uintptr(len(buf))); err != nil {
		return err
	}

	for len(buf) != 0 {
		frame := m.ram[physAddr>>frameShift]
		if frame == nil {
			frame = new([frameSize]byte)
			m.ram[physAddr>>frameShift] = frame
		}
		n := copy(frame[physAddr&(frameSize-1):], buf)
		buf = buf[n:]
		physAddr += uintptr(n)
	}

	return nil
}

func (m *Machine) readPhys64(physAddr uintptr) (uint64, *kernel.Error) {
	var buf [8]byte
	if err := m.readPhys(physAddr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (m *Machine) writePhys64(physAddr uintptr, value uint64) *kernel.Error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return m.writePhys(physAddr, buf[:])
}
