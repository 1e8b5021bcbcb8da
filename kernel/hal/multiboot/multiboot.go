// Package multiboot parses the multiboot2 information block that the boot
// loader hands over to the kernel.
package multiboot

import (
	"encoding/binary"

	"github.com/itamar567/os/kernel"
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable
)

const (
	// infoHeaderSize is the size of the fixed header (total size +
	// reserved) that precedes the first tag.
	infoHeaderSize = 8

	// tagHeaderSize is the size of the type/size header preceding each tag.
	tagHeaderSize = 8

	// mmapHeaderSize is the size of the entry size/version header that
	// precedes the memory map entries.
	mmapHeaderSize = 8

	// elfTagHeaderSize is the size of the section count/entry size/string
	// table index header that precedes the ELF section headers.
	elfTagHeaderSize = 12

	elf32SectionSize = 40
	elf64SectionSize = 64
)

var (
	errTruncatedInfo     = &kernel.Error{Module: "multiboot", Message: "multiboot info block is truncated"}
	errMalformedTag      = &kernel.Error{Module: "multiboot", Message: "multiboot tag extends past the end of the info block"}
	errUnsupportedElfTag = &kernel.Error{Module: "multiboot", Message: "unsupported ELF section header size"}
)

// FramebufferType defines the type of the initialized framebuffer.
type FramebufferType uint8

const (
	// FramebufferTypeIndexed specifies a 256-color palette.
	FramebufferTypeIndexed FramebufferType = iota

	// FramebufferTypeRGB specifies direct RGB mode.
	FramebufferTypeRGB

	// FramebufferTypeEGA specifies EGA text mode.
	FramebufferTypeEGA
)

// FramebufferInfo provides information about the initialized framebuffer.
type FramebufferInfo struct {
	// The framebuffer physical address.
	PhysAddr uint64

	// Row pitch in bytes.
	Pitch uint32

	// Width and height in pixels (or characters if Type = FramebufferTypeEGA)
	Width, Height uint32

	// Bits per pixel (non EGA modes only).
	Bpp uint8

	// Framebuffer type.
	Type FramebufferType
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// ElfSectionFlag defines an OR-able flag associated with an ElfSection.
type ElfSectionFlag uint32

const (
	// ElfSectionWritable marks the section as writable.
	ElfSectionWritable ElfSectionFlag = 1 << iota

	// ElfSectionAllocated means that the section is allocated in memory
	// when the image is loaded (e.g .bss sections)
	ElfSectionAllocated

	// ElfSectionExecutable marks the section as executable.
	ElfSectionExecutable
)

// ElfSection describes a section of the loaded kernel image.
type ElfSection struct {
	Name    string
	Type    uint32
	Flags   ElfSectionFlag
	Address uintptr
	Size    uint64
}

// Allocated returns true if the section occupies memory at run time.
func (s *ElfSection) Allocated() bool {
	return s.Flags&ElfSectionAllocated != 0
}

// EndAddress returns the address right after the last byte of the section.
func (s *ElfSection) EndAddress() uintptr {
	return s.Address + uintptr(s.Size)
}

// ElfSectionVisitor defies a visitor function that gets invoked by
// VisitElfSections for each ELF section that belongs to the loaded kernel
// image.
type ElfSectionVisitor func(*ElfSection)

// MemReader copies len(buf) bytes starting at addr into buf. It is used for
// resolving section names from the string table section which the boot loader
// places outside the info block.
type MemReader func(addr uintptr, buf []byte) *kernel.Error

// Info is a parsed multiboot2 information block.
type Info struct {
	infoPtr  uintptr
	data     []byte
	sections []ElfSection
}

// Parse parses the multiboot information block data which was loaded from
// the physical address infoPtr. If readFn is not nil, it is used to look up
// the names of the ELF sections.
func Parse(infoPtr uintptr, data []byte, readFn MemReader) (*Info, *kernel.Error) {
	if len(data) < infoHeaderSize+tagHeaderSize {
		return nil, errTruncatedInfo
	}

	totalSize := binary.LittleEndian.Uint32(data)
	if uint64(totalSize) > uint64(len(data)) || totalSize < infoHeaderSize+tagHeaderSize {
		return nil, errTruncatedInfo
	}

	info := &Info{infoPtr: infoPtr, data: data[:totalSize]}

	// Validate tag layout once so lookups can skip bounds checks on headers
	for offset := uint64(infoHeaderSize); ; {
		if offset+tagHeaderSize > uint64(totalSize) {
			return nil, errMalformedTag
		}
		tType := tagType(binary.LittleEndian.Uint32(info.data[offset:]))
		size := uint64(binary.LittleEndian.Uint32(info.data[offset+4:]))
		if size < tagHeaderSize || size > uint64(totalSize)-offset {
			return nil, errMalformedTag
		}
		if tType == tagMbSectionEnd {
			break
		}

		// Tags are aligned at 8-byte aligned addresses
		offset += (size + 7) &^ 7
	}

	if err := info.parseElfSections(readFn); err != nil {
		return nil, err
	}

	return info, nil
}

// StartAddress returns the physical address of the info block.
func (i *Info) StartAddress() uintptr {
	return i.infoPtr
}

// EndAddress returns the physical address right after the last byte of the
// info block.
func (i *Info) EndAddress() uintptr {
	return i.infoPtr + uintptr(len(i.data))
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func (i *Info) VisitMemRegions(visitor MemRegionVisitor) {
	payload := i.findTagByType(tagMemoryMap)
	if len(payload) < mmapHeaderSize {
		return
	}

	entrySize := int(binary.LittleEndian.Uint32(payload))
	if entrySize < 20 {
		return
	}

	var entry MemoryMapEntry
	for cur := payload[mmapHeaderSize:]; len(cur) >= entrySize; cur = cur[entrySize:] {
		entry.PhysAddress = binary.LittleEndian.Uint64(cur)
		entry.Length = binary.LittleEndian.Uint64(cur[8:])
		entry.Type = MemoryEntryType(binary.LittleEndian.Uint32(cur[16:]))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}
	}
}

// VisitElfSections invokes visitor for each non-empty ELF section that
// belongs to the loaded kernel image.
func (i *Info) VisitElfSections(visitor ElfSectionVisitor) {
	for index := range i.sections {
		if i.sections[index].Size == 0 {
			continue
		}
		visitor(&i.sections[index])
	}
}

// FramebufferInfo returns information about the framebuffer initialized by the
// bootloader. This function returns nil if no framebuffer info is available.
func (i *Info) FramebufferInfo() *FramebufferInfo {
	payload := i.findTagByType(tagFramebufferInfo)
	if len(payload) < 22 {
		return nil
	}

	return &FramebufferInfo{
		PhysAddr: binary.LittleEndian.Uint64(payload),
		Pitch:    binary.LittleEndian.Uint32(payload[8:]),
		Width:    binary.LittleEndian.Uint32(payload[12:]),
		Height:   binary.LittleEndian.Uint32(payload[16:]),
		Bpp:      payload[20],
		Type:     FramebufferType(payload[21]),
	}
}

// parseElfSections decodes the ELF section headers contained in the ELF
// symbols tag. Both 32-bit and 64-bit section headers are supported.
func (i *Info) parseElfSections(readFn MemReader) *kernel.Error {
	payload := i.findTagByType(tagElfSymbols)
	if len(payload) < elfTagHeaderSize {
		return nil
	}

	var (
		numSections  = int(binary.LittleEndian.Uint32(payload))
		sectionSize  = int(binary.LittleEndian.Uint32(payload[4:]))
		strtabIndex  = int(binary.LittleEndian.Uint32(payload[8:]))
		sectionData  = payload[elfTagHeaderSize:]
		decodeHeader func([]byte) (uint32, ElfSection)
	)

	switch sectionSize {
	case elf32SectionSize:
		decodeHeader = decodeElf32Section
	case elf64SectionSize:
		decodeHeader = decodeElf64Section
	default:
		return errUnsupportedElfTag
	}

	if uint64(numSections)*uint64(sectionSize) > uint64(len(sectionData)) {
		return errMalformedTag
	}

	nameOffsets := make([]uint32, 0, numSections)
	i.sections = make([]ElfSection, 0, numSections)
	for index := 0; index < numSections; index++ {
		nameOffset, section := decodeHeader(sectionData[index*sectionSize:])
		nameOffsets = append(nameOffsets, nameOffset)
		i.sections = append(i.sections, section)
	}

	if readFn == nil || strtabIndex >= numSections {
		return nil
	}

	// String table entries are C-style NULL-terminated strings
	strtab := make([]byte, i.sections[strtabIndex].Size)
	if err := readFn(i.sections[strtabIndex].Address, strtab); err != nil {
		return err
	}

	for index, nameOffset := range nameOffsets {
		if int(nameOffset) >= len(strtab) {
			continue
		}
		end := int(nameOffset)
		for ; end < len(strtab) && strtab[end] != 0; end++ {
		}
		i.sections[index].Name = string(strtab[nameOffset:end])
	}

	return nil
}

func decodeElf32Section(data []byte) (uint32, ElfSection) {
	return binary.LittleEndian.Uint32(data), ElfSection{
		Type:    binary.LittleEndian.Uint32(data[4:]),
		Flags:   ElfSectionFlag(binary.LittleEndian.Uint32(data[8:])),
		Address: uintptr(binary.LittleEndian.Uint32(data[12:])),
		Size:    uint64(binary.LittleEndian.Uint32(data[20:])),
	}
}

func decodeElf64Section(data []byte) (uint32, ElfSection) {
	return binary.LittleEndian.Uint32(data), ElfSection{
		Type:    binary.LittleEndian.Uint32(data[4:]),
		Flags:   ElfSectionFlag(binary.LittleEndian.Uint64(data[8:])),
		Address: uintptr(binary.LittleEndian.Uint64(data[16:])),
		Size:    binary.LittleEndian.Uint64(data[32:]),
	}
}

// findTagByType scans the multiboot info data looking for the start of of the
// specified type. It returns the tag contents exluding the tag header or nil
// if the tag is not present.
func (i *Info) findTagByType(tType tagType) []byte {
	for offset := uint64(infoHeaderSize); ; {
		curType := tagType(binary.LittleEndian.Uint32(i.data[offset:]))
		size := uint64(binary.LittleEndian.Uint32(i.data[offset+4:]))
		switch curType {
		case tagMbSectionEnd:
			return nil
		case tType:
			return i.data[offset+tagHeaderSize : offset+size]
		}

		offset += (size + 7) &^ 7
	}
}
