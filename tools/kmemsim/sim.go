package main

import (
	"github.com/itamar567/os/kernel/driver/video/console"
	"github.com/itamar567/os/kernel/hal/machine"
	"github.com/itamar567/os/kernel/hal/multiboot"
	"github.com/itamar567/os/kernel/kmain"
	"github.com/itamar567/os/kernel/mm"
	"github.com/itamar567/os/kernel/mm/vmm"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	screenWidth  = 80
	screenHeight = 25
)

// Simulation is a machine prepared the way a multiboot loader leaves it
// before jumping to the kernel entrypoint.
type Simulation struct {
	Machine  *machine.Machine
	Sections []multiboot.ElfSection
	InfoAddr uintptr

	info []byte
}

// NewSimulation builds a machine from p: it installs the boot page tables and
// stores the multiboot info block and the section name table in RAM.
func NewSimulation(p *Profile) (*Simulation, error) {
	sections, err := p.KernelSections()
	if err != nil {
		return nil, err
	}

	bootTables, err := p.bootTablesAddr(sections)
	if err != nil {
		return nil, err
	}

	m := machine.New(p.RAMSize())
	if kerr := m.InstallBootPageTables(bootTables); kerr != nil {
		return nil, errors.Wrap(kerr, "unable to install boot page tables")
	}

	var b multiboot.Builder
	for _, region := range p.MemoryMap {
		b.AddMemoryRegion(region.Addr, region.Length, regionTypes[region.Type])
	}
	for _, section := range sections {
		b.AddElfSection(section)
	}
	b.SetFramebuffer(multiboot.FramebufferInfo{
		PhysAddr: uint64(vmm.DisplayBufferAddr),
		Pitch:    screenWidth * 2,
		Width:    screenWidth,
		Height:   screenHeight,
		Bpp:      16,
		Type:     multiboot.FramebufferTypeEGA,
	})

	// The string table goes on the page after the info block; its address
	// does not affect the size of the info block.
	infoAddr := uintptr(p.InfoAddr)
	probe, _ := b.Build(0)
	strtabAddr := (infoAddr + uintptr(len(probe)) + mm.PageSize - 1) &^ (mm.PageSize - 1)
	info, strtab := b.Build(strtabAddr)

	for _, blob := range []struct {
		addr uintptr
		data []byte
	}{{infoAddr, info}, {strtabAddr, strtab}} {
		if kerr := m.WritePhys(blob.addr, blob.data); kerr != nil {
			return nil, errors.Wrapf(kerr, "unable to store boot information at 0x%x", blob.addr)
		}
	}

	logrus.WithFields(logrus.Fields{
		"ram":        p.RAMSize(),
		"bootTables": bootTables,
		"info":       infoAddr,
		"sections":   len(sections),
	}).Debug("prepared machine")

	return &Simulation{
		Machine:  m,
		Sections: sections,
		InfoAddr: infoAddr,
		info:     info,
	}, nil
}

// Boot runs the kernel entrypoint and reports whether the CPU halted.
func (s *Simulation) Boot() (*kmain.Kernel, bool) {
	var k *kmain.Kernel
	halted := s.Machine.Run(func() {
		k = kmain.Kmain(s.Machine, s.InfoAddr, nil)
	})

	return k, halted
}

// Info parses the multiboot info block stored in RAM.
func (s *Simulation) Info() (*multiboot.Info, error) {
	info, kerr := multiboot.Parse(s.InfoAddr, s.info, s.Machine.ReadPhys)
	if kerr != nil {
		return nil, kerr
	}
	return info, nil
}

// Screen returns the text on the display through the active page tables.
func (s *Simulation) Screen() []string {
	return console.NewEga(s.Machine, screenWidth, screenHeight, vmm.DisplayBufferAddr).Lines()
}
