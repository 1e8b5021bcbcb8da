package machine

import (
	"encoding/binary"

	"github.com/itamar567/os/kernel"
	"github.com/sirupsen/logrus"
)

// Page table entry bits interpreted by the paging unit.
const (
	entryPresent   = uint64(1 << 0)
	entryRW        = uint64(1 << 1)
	entryHugePage  = uint64(1 << 7)
	entryNoExecute = uint64(1 << 63)

	entryAddrMask = uint64(0x000ffffffffff000)

	pageLevels     = 4
	entriesPerPage = 512
	hugePageSize   = uintptr(1 << 21)
)

// pageLevelShifts is the bit position of the table index for each paging
// level, starting from the top-level table.
var pageLevelShifts = [pageLevels]uint{39, 30, 21, 12}

// tlbEntry caches a successful translation for a 4 KiB virtual page.
type tlbEntry struct {
	frameAddr uintptr
	writable  bool
	noExecute bool
}

// Translation describes the result of translating a virtual address.
type Translation struct {
	PhysAddr  uintptr
	Writable  bool
	NoExecute bool

	// Huge is set when the address is mapped by a 2 MiB page.
	Huge bool
}

// walk translates virtAddr using the page tables pointed to by cr3 without
// consulting the TLB.
func (m *Machine) walk(virtAddr uintptr) (Translation, *kernel.Error) {
	var (
		tableAddr = m.cr3
		res       = Translation{Writable: true}
	)

	for level := 0; level < pageLevels; level++ {
		index := (virtAddr >> pageLevelShifts[level]) & (entriesPerPage - 1)
		entry, err := m.readPhys64(tableAddr + index*8)
		if err != nil {
			return res, err
		}

		if entry&entryPresent == 0 {
			return res, ErrPageNotPresent
		}

		res.Writable = res.Writable && entry&entryRW != 0
		res.NoExecute = res.NoExecute || entry&entryNoExecute != 0

		frameAddr := uintptr(entry & entryAddrMask)
		if level == 2 && entry&entryHugePage != 0 {
			res.Huge = true
			res.PhysAddr = (frameAddr &^ (hugePageSize - 1)) + virtAddr&(hugePageSize-1)
			return res, nil
		}

		tableAddr = frameAddr
	}

	res.PhysAddr = tableAddr + virtAddr&(frameSize-1)
	return res, nil
}

// translate maps virtAddr to a physical address for an access of the given
// kind, consulting and filling the TLB the way the hardware does.
func (m *Machine) translate(virtAddr uintptr, write bool) (uintptr, *kernel.Error) {
	page := virtAddr &^ (frameSize - 1)
	entry, hit := m.tlb[page]
	if !hit {
		res, err := m.walk(virtAddr)
		if err != nil {
			log.WithFields(logrus.Fields{"addr": virtAddr, "write": write}).Warn(err.Message)
			return 0, err
		}

		entry = tlbEntry{
			frameAddr: res.PhysAddr &^ (frameSize - 1),
			writable:  res.Writable,
			noExecute: res.NoExecute,
		}
		m.tlb[page] = entry
	}

	if write && !entry.writable {
		log.WithField("addr", virtAddr).Warn(ErrWriteProtected.Message)
		return 0, ErrWriteProtected
	}

	return entry.frameAddr + virtAddr&(frameSize-1), nil
}

// access runs fn for each page-sized chunk of the virtual range
// [virtAddr, virtAddr+size) with the translated physical address.
func (m *Machine) access(virtAddr, size uintptr, write bool, fn func(physAddr, offset, n uintptr) *kernel.Error) *kernel.Error {
	for offset := uintptr(0); offset < size; {
		n := frameSize - (virtAddr+offset)&(frameSize-1)
		if rem := size - offset; n > rem {
			n = rem
		}

		physAddr, err := m.translate(virtAddr+offset, write)
		if err != nil {
			return err
		}

		if err = fn(physAddr, offset, n); err != nil {
			return err
		}
		offset += n
	}

	return nil
}

// Read copies len(buf) bytes starting at virtAddr into buf.
func (m *Machine) Read(virtAddr uintptr, buf []byte) *kernel.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.access(virtAddr, uintptr(len(buf)), false, func(physAddr, offset, n uintptr) *kernel.Error {
		return m.readPhys(physAddr, buf[offset:offset+n])
	})
}

// Write copies buf to the memory starting at virtAddr.
func (m *Machine) Write(virtAddr uintptr, buf []byte) *kernel.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.access(virtAddr, uintptr(len(buf)), true, func(physAddr, offset, n uintptr) *kernel.Error {
		return m.writePhys(physAddr, buf[offset:offset+n])
	})
}

// ReadUint64 loads the 64-bit word stored at virtAddr.
func (m *Machine) ReadUint64(virtAddr uintptr) (uint64, *kernel.Error) {
	var buf [8]byte
	if err := m.Read(virtAddr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteUint64 stores a 64-bit word at virtAddr.
func (m *Machine) WriteUint64(virtAddr uintptr, value uint64) *kernel.Error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return m.Write(virtAddr, buf[:])
}

// Memset sets size bytes starting at virtAddr to value.
func (m *Machine) Memset(virtAddr uintptr, value byte, size uintptr) *kernel.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var chunk [frameSize]byte
	if value != 0 {
		for i := range chunk {
			chunk[i] = value
		}
	}

	return m.access(virtAddr, size, true, func(physAddr, _, n uintptr) *kernel.Error {
		return m.writePhys(physAddr, chunk[:n])
	})
}

// Translate resolves virtAddr by walking the active page tables. Unlike
// regular accesses it neither consults nor fills the TLB.
func (m *Machine) Translate(virtAddr uintptr) (Translation, *kernel.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.walk(virtAddr)
}

// Cached reports whether the TLB holds a translation for virtAddr.
func (m *Machine) Cached(virtAddr uintptr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, hit := m.tlb[virtAddr&^(frameSize-1)]
	return hit
}
