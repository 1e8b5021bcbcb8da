package main

import (
	"debug/elf"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"
	"github.com/itamar567/os/kernel/hal/machine"
	"github.com/itamar567/os/kernel/hal/multiboot"
	"github.com/itamar567/os/kernel/mm"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	// supportedProfileVersions is the range of profile format versions
	// understood by this tool.
	supportedProfileVersions = "^1.0"

	defaultInfoAddr = 0x9000
)

// Profile describes the simulated machine and the kernel image loaded on it.
type Profile struct {
	Version string `toml:"version" yaml:"version"`

	// RAMMb is the amount of physical memory in MiB.
	RAMMb uint64 `toml:"ram_mb" yaml:"ram_mb"`

	// InfoAddr is the physical address where the boot loader places the
	// multiboot info block.
	InfoAddr uint64 `toml:"info_addr" yaml:"info_addr"`

	// BootTables is the physical address of the boot page tables. They
	// must live inside a writable kernel section. If zero, the start of
	// the first suitable section is used.
	BootTables uint64 `toml:"boot_tables" yaml:"boot_tables"`

	// Kernel is the path to a kernel ELF image, relative to the profile.
	// The section headers of the image replace Sections.
	Kernel string `toml:"kernel" yaml:"kernel"`

	Sections  []SectionSpec `toml:"sections" yaml:"sections"`
	MemoryMap []RegionSpec  `toml:"memory_map" yaml:"memory_map"`

	// dir is the directory containing the profile file.
	dir string
}

// SectionSpec describes a kernel section.
type SectionSpec struct {
	Name string `toml:"name" yaml:"name"`
	Addr uint64 `toml:"addr" yaml:"addr"`
	Size uint64 `toml:"size" yaml:"size"`

	// Flags is a combination of the letters a (allocated), w (writable)
	// and x (executable).
	Flags string `toml:"flags" yaml:"flags"`
}

// RegionSpec describes a memory map entry.
type RegionSpec struct {
	Addr   uint64 `toml:"addr" yaml:"addr"`
	Length uint64 `toml:"length" yaml:"length"`
	Type   string `toml:"type" yaml:"type"`
}

var regionTypes = map[string]multiboot.MemoryEntryType{
	"available": multiboot.MemAvailable,
	"reserved":  multiboot.MemReserved,
	"acpi":      multiboot.MemAcpiReclaimable,
	"nvs":       multiboot.MemNvs,
}

// LoadProfile reads a TOML or YAML profile, selected by the file extension.
func LoadProfile(path string) (*Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open profile")
	}
	defer f.Close()

	var p Profile
	switch ext := filepath.Ext(path); ext {
	case ".toml":
		if _, err = toml.NewDecoder(f).Decode(&p); err != nil {
			return nil, errors.Wrapf(err, "unable to decode %q", path)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err = dec.Decode(&p); err != nil {
			return nil, errors.Wrapf(err, "unable to decode %q", path)
		}
	default:
		return nil, errors.Errorf("unsupported profile format %q", ext)
	}

	p.dir = filepath.Dir(path)
	if err = p.validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid profile %q", path)
	}

	return &p, nil
}

func (p *Profile) validate() error {
	constraint, err := semver.NewConstraint(supportedProfileVersions)
	if err != nil {
		return err
	}

	version, err := semver.NewVersion(p.Version)
	if err != nil {
		return errors.Wrap(err, "bad profile version")
	}

	if !constraint.Check(version) {
		return errors.Errorf("profile version %s does not satisfy %s", version, supportedProfileVersions)
	}

	if p.RAMMb == 0 {
		return errors.New("ram_mb must be greater than zero")
	}

	if len(p.MemoryMap) == 0 {
		return errors.New("memory_map must contain at least one region")
	}

	for _, region := range p.MemoryMap {
		if _, ok := regionTypes[region.Type]; !ok {
			return errors.Errorf("unknown memory region type %q", region.Type)
		}
	}

	if p.Kernel == "" && len(p.Sections) == 0 {
		return errors.New("either kernel or sections must be specified")
	}

	for _, section := range p.Sections {
		if strings.Trim(section.Flags, "awx") != "" {
			return errors.Errorf("section %q: unknown flags %q", section.Name, section.Flags)
		}
	}

	if p.InfoAddr == 0 {
		p.InfoAddr = defaultInfoAddr
	}

	return nil
}

// RAMSize returns the amount of physical memory in bytes.
func (p *Profile) RAMSize() uintptr {
	return uintptr(p.RAMMb) * uintptr(mm.Mb)
}

// KernelSections returns the section headers of the kernel image.
func (p *Profile) KernelSections() ([]multiboot.ElfSection, error) {
	if p.Kernel == "" {
		sections := make([]multiboot.ElfSection, 0, len(p.Sections))
		for _, spec := range p.Sections {
			sections = append(sections, spec.section())
		}
		return sections, nil
	}

	path := p.Kernel
	if !filepath.IsAbs(path) {
		path = filepath.Join(p.dir, path)
	}

	return readElfSections(path)
}

func (spec SectionSpec) section() multiboot.ElfSection {
	var flags multiboot.ElfSectionFlag
	for _, letter := range spec.Flags {
		switch letter {
		case 'a':
			flags |= multiboot.ElfSectionAllocated
		case 'w':
			flags |= multiboot.ElfSectionWritable
		case 'x':
			flags |= multiboot.ElfSectionExecutable
		}
	}

	return multiboot.ElfSection{
		Name:    spec.Name,
		Type:    uint32(elf.SHT_PROGBITS),
		Flags:   flags,
		Address: uintptr(spec.Addr),
		Size:    spec.Size,
	}
}

// readElfSections extracts the section headers of an ELF image.
func readElfSections(path string) ([]multiboot.ElfSection, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open kernel image")
	}
	defer f.Close()

	var sections []multiboot.ElfSection
	for _, s := range f.Sections {
		if s.Type == elf.SHT_NULL || s.Type == elf.SHT_STRTAB {
			continue
		}

		// The multiboot section flags share the ELF SHF_* bit values
		sections = append(sections, multiboot.ElfSection{
			Name:    s.Name,
			Type:    uint32(s.Type),
			Flags:   multiboot.ElfSectionFlag(s.Flags & (elf.SHF_WRITE | elf.SHF_ALLOC | elf.SHF_EXECINSTR)),
			Address: uintptr(s.Addr),
			Size:    s.Size,
		})
	}

	return sections, nil
}

// bootTablesAddr returns the physical address of the boot page tables. The
// tables must be covered by a single writable allocated section so that the
// frame allocator never hands out their frames.
func (p *Profile) bootTablesAddr(sections []multiboot.ElfSection) (uintptr, error) {
	fits := func(addr uintptr, s *multiboot.ElfSection) bool {
		return s.Allocated() && s.Flags&multiboot.ElfSectionWritable != 0 &&
			addr >= s.Address && addr+machine.BootTablesSize <= s.EndAddress()
	}

	if p.BootTables != 0 {
		addr := uintptr(p.BootTables)
		if addr&(mm.PageSize-1) != 0 {
			return 0, errors.Errorf("boot_tables 0x%x is not page aligned", addr)
		}
		for i := range sections {
			if fits(addr, &sections[i]) {
				return addr, nil
			}
		}
		return 0, errors.Errorf("boot_tables 0x%x must lie inside a writable kernel section", addr)
	}

	for i := range sections {
		addr := (sections[i].Address + mm.PageSize - 1) &^ (mm.PageSize - 1)
		if fits(addr, &sections[i]) {
			return addr, nil
		}
	}

	return 0, errors.New("no writable kernel section can hold the boot page tables")
}
