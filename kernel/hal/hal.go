// Package hal sets up the devices that the kernel needs during boot.
package hal

import (
	"github.com/itamar567/os/kernel/cpu"
	"github.com/itamar567/os/kernel/driver/tty"
	"github.com/itamar567/os/kernel/driver/video/console"
	"github.com/itamar567/os/kernel/hal/multiboot"
	"github.com/itamar567/os/kernel/kfmt"
	"github.com/itamar567/os/kernel/mm/vmm"
)

const (
	defaultConsoleWidth  = 80
	defaultConsoleHeight = 25
)

// ActiveTerminal points to the currently active terminal.
var ActiveTerminal = &tty.Vt{}

// InitTerminal provides a basic terminal backed by the EGA text buffer and
// routes kfmt output to it. The console dimensions come from the bootloader
// when it reports an EGA text mode framebuffer that fits the display buffer;
// info may be nil.
func InitTerminal(c cpu.CPU, info *multiboot.Info) *console.Ega {
	width, height := uint16(defaultConsoleWidth), uint16(defaultConsoleHeight)
	if info != nil {
		fb := info.FramebufferInfo()
		if fb != nil && fb.Type == multiboot.FramebufferTypeEGA && fitsDisplayBuffer(fb.Width, fb.Height) {
			width, height = uint16(fb.Width), uint16(fb.Height)
		}
	}

	egaConsole := console.NewEga(c, width, height, vmm.DisplayBufferAddr)
	ActiveTerminal.AttachTo(egaConsole)
	ActiveTerminal.Clear()

	kfmt.SetOutputSink(ActiveTerminal)
	return egaConsole
}

// fitsDisplayBuffer reports whether a width x height text console fits in
// the display buffer window.
func fitsDisplayBuffer(width, height uint32) bool {
	return width > 0 && height > 0 && uint64(width)*uint64(height)*2 <= uint64(vmm.DisplayBufferSize)
}
