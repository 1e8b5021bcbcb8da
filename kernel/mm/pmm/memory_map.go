package pmm

import (
	"github.com/itamar567/os/kernel/hal/multiboot"
	"github.com/itamar567/os/kernel/kfmt"
	"github.com/itamar567/os/kernel/mm"
)

// AvailableAreas collects the memory regions that the boot loader reports as
// available.
func AvailableAreas(info *multiboot.Info) []MemoryArea {
	var areas []MemoryArea
	info.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type == multiboot.MemAvailable {
			areas = append(areas, MemoryArea{
				Start: uintptr(region.PhysAddress),
				End:   uintptr(region.PhysAddress + region.Length),
			})
		}
		return true
	})

	return areas
}

// PrintMemoryMap outputs the system memory map and the total amount of
// available memory to the console.
func PrintMemoryMap(info *multiboot.Info) {
	kfmt.Printf("[pmm] system memory map:\n")
	var totalFree mm.Size
	info.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += mm.Size(region.Length)
		}
		return true
	})
	kfmt.Printf("[pmm] available memory: %dKb\n", uint64(totalFree/mm.Kb))
}
