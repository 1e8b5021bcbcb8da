package multiboot

import "encoding/binary"

const (
	mmapEntrySize = 24

	elfSectionTypeStrtab = 3
)

// Builder assembles a multiboot2 information block. It plays the role of the
// boot loader when the kernel runs on a simulated machine.
type Builder struct {
	regions     []MemoryMapEntry
	sections    []ElfSection
	framebuffer *FramebufferInfo
}

// AddMemoryRegion appends an entry to the memory map tag.
func (b *Builder) AddMemoryRegion(physAddr, length uint64, entryType MemoryEntryType) *Builder {
	b.regions = append(b.regions, MemoryMapEntry{PhysAddress: physAddr, Length: length, Type: entryType})
	return b
}

// AddElfSection appends a section header to the ELF symbols tag.
func (b *Builder) AddElfSection(section ElfSection) *Builder {
	b.sections = append(b.sections, section)
	return b
}

// SetFramebuffer adds a framebuffer info tag.
func (b *Builder) SetFramebuffer(fb FramebufferInfo) *Builder {
	b.framebuffer = &fb
	return b
}

// Build encodes the information block. The section names are stored in a
// string table that the boot loader must place at strtabAddr; Build returns
// its contents alongside the info block.
func (b *Builder) Build(strtabAddr uintptr) (info []byte, strtab []byte) {
	var (
		le         = binary.LittleEndian
		nameOffset = make([]uint32, len(b.sections))
	)

	// Index 0 is the empty name shared by the null section.
	strtab = []byte{0}
	for index, section := range b.sections {
		nameOffset[index] = uint32(len(strtab))
		strtab = append(strtab, section.Name...)
		strtab = append(strtab, 0)
	}
	strtabNameOffset := uint32(len(strtab))
	strtab = append(strtab, ".shstrtab\x00"...)

	info = make([]byte, infoHeaderSize)

	// Memory map
	if len(b.regions) != 0 {
		tag := beginTag(tagMemoryMap)
		tag = le.AppendUint32(tag, mmapEntrySize)
		tag = le.AppendUint32(tag, 0)
		for _, region := range b.regions {
			tag = le.AppendUint64(tag, region.PhysAddress)
			tag = le.AppendUint64(tag, region.Length)
			tag = le.AppendUint32(tag, uint32(region.Type))
			tag = le.AppendUint32(tag, 0)
		}
		info = appendTag(info, tag)
	}

	// Framebuffer
	if fb := b.framebuffer; fb != nil {
		tag := beginTag(tagFramebufferInfo)
		tag = le.AppendUint64(tag, fb.PhysAddr)
		tag = le.AppendUint32(tag, fb.Pitch)
		tag = le.AppendUint32(tag, fb.Width)
		tag = le.AppendUint32(tag, fb.Height)
		tag = append(tag, fb.Bpp, byte(fb.Type), 0, 0)
		info = appendTag(info, tag)
	}

	// ELF sections: a null section, the user sections and the string table
	numSections := uint32(len(b.sections) + 2)
	tag := beginTag(tagElfSymbols)
	tag = le.AppendUint32(tag, numSections)
	tag = le.AppendUint32(tag, elf64SectionSize)
	tag = le.AppendUint32(tag, numSections-1)
	tag = appendElf64Section(tag, 0, ElfSection{})
	for index, section := range b.sections {
		tag = appendElf64Section(tag, nameOffset[index], section)
	}
	tag = appendElf64Section(tag, strtabNameOffset, ElfSection{
		Type:    elfSectionTypeStrtab,
		Address: strtabAddr,
		Size:    uint64(len(strtab)),
	})
	info = appendTag(info, tag)

	info = appendTag(info, beginTag(tagMbSectionEnd))
	le.PutUint32(info, uint32(len(info)))
	return info, strtab
}

func beginTag(tType tagType) []byte {
	return binary.LittleEndian.AppendUint32(make([]byte, 0, 64), uint32(tType))
}

// appendTag fills in the tag size, appends the tag to info and pads info so
// the next tag starts at an 8-byte aligned offset.
func appendTag(info, tag []byte) []byte {
	// Reserve room for the size field which follows the type.
	tag = append(tag[:4], append([]byte{0, 0, 0, 0}, tag[4:]...)...)
	binary.LittleEndian.PutUint32(tag[4:], uint32(len(tag)))

	info = append(info, tag...)
	for len(info)%8 != 0 {
		info = append(info, 0)
	}
	return info
}

func appendElf64Section(buf []byte, nameOffset uint32, section ElfSection) []byte {
	le := binary.LittleEndian
	buf = le.AppendUint32(buf, nameOffset)
	buf = le.AppendUint32(buf, section.Type)
	buf = le.AppendUint64(buf, uint64(section.Flags))
	buf = le.AppendUint64(buf, uint64(section.Address))
	buf = le.AppendUint64(buf, 0) // file offset
	buf = le.AppendUint64(buf, section.Size)
	buf = le.AppendUint32(buf, 0) // link
	buf = le.AppendUint32(buf, 0) // info
	buf = le.AppendUint64(buf, 0) // alignment
	buf = le.AppendUint64(buf, 0) // entry size
	return buf
}
