package kmain

import (
	"encoding/binary"

	"github.com/itamar567/os/kernel"
	"github.com/itamar567/os/kernel/cpu"
	"github.com/itamar567/os/kernel/driver/video/console"
	"github.com/itamar567/os/kernel/gate"
	"github.com/itamar567/os/kernel/hal"
	"github.com/itamar567/os/kernel/hal/multiboot"
	"github.com/itamar567/os/kernel/kfmt"
	"github.com/itamar567/os/kernel/mm/memory"
	"github.com/itamar567/os/kernel/mm/vmm"
	"github.com/sirupsen/logrus"
)

const (
	// infoHeaderSize is the size of the fixed multiboot info header that
	// carries the total size of the info block.
	infoHeaderSize = 8

	// maxInfoSize bounds the info block size claimed by the header.
	maxInfoSize = 1 << 20
)

var (
	errInfoHeader   = &kernel.Error{Module: "kmain", Message: "unable to read multiboot info header"}
	errInfoTooLarge = &kernel.Error{Module: "kmain", Message: "multiboot info block exceeds the maximum supported size"}

	log = logrus.WithField("module", "kmain")
)

// Kernel describes the state of a booted kernel.
type Kernel struct {
	Memory  *memory.Controller
	TSS     *gate.TaskStateSegment
	Console *console.Ega
}

// Kmain is the kernel entrypoint. It is invoked with the CPU running on the
// boot page tables, which identity-map the low physical memory, and the
// physical address of the multiboot info payload provided by the bootloader.
//
// Kmain brings up the console, the memory subsystem and the interrupt stacks.
// Any failure is fatal: Kmain reports it through kfmt.Panic, which halts the
// CPU, and never returns. On success it returns the booted kernel state.
func Kmain(c cpu.CPU, multibootInfoPtr uintptr, heap vmm.HeapInitializer) *Kernel {
	kfmt.SetHaltFn(c.Halt)

	info, infoErr := loadInfo(c, multibootInfoPtr)

	// Initialize and clear the terminal
	cons := hal.InitTerminal(c, info)
	kfmt.Printf("Starting kernel\n")

	if infoErr != nil {
		kfmt.Panic(infoErr)
		return nil
	}

	ctrl, err := memory.Init(c, info, heap)
	if err != nil {
		kfmt.Panic(err)
		return nil
	}

	tss, err := gate.Init(ctrl)
	if err != nil {
		kfmt.Panic(err)
		return nil
	}

	log.WithField("pdt", ctrl.Stats().PageTable).Debug("kernel initialized")
	return &Kernel{Memory: ctrl, TSS: tss, Console: cons}
}

// loadInfo reads the multiboot info block through the identity-mapped boot
// page tables and parses it.
func loadInfo(c cpu.CPU, infoPtr uintptr) (*multiboot.Info, *kernel.Error) {
	var hdr [infoHeaderSize]byte
	if err := c.Read(infoPtr, hdr[:]); err != nil {
		return nil, errInfoHeader
	}

	totalSize := binary.LittleEndian.Uint32(hdr[:])
	if totalSize > maxInfoSize {
		return nil, errInfoTooLarge
	}

	data := make([]byte, totalSize)
	if len(data) < infoHeaderSize {
		return multiboot.Parse(infoPtr, hdr[:], c.Read)
	}

	if err := c.Read(infoPtr, data); err != nil {
		return nil, err
	}

	return multiboot.Parse(infoPtr, data, c.Read)
}
