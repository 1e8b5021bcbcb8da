package console

import (
	"encoding/binary"
	"strings"

	"github.com/itamar567/os/kernel"
	"github.com/itamar567/os/kernel/cpu"
)

const (
	clearColor = Black
	clearChar  = byte(' ')

	// cellSize is the size of a character cell (char + attribute).
	cellSize = 2
)

// Ega implements an EGA-compatible text console backed by the memory-mapped
// screen buffer at fbAddr. All accesses go through the paging unit so the
// buffer must stay mapped for output to reach the screen.
type Ega struct {
	cpu cpu.CPU

	width  uint16
	height uint16

	fbAddr uintptr

	// err holds the first error returned by a framebuffer access.
	err *kernel.Error
}

// NewEga creates a console with the given dimensions whose screen buffer
// lives at the virtual address fbAddr.
func NewEga(c cpu.CPU, width, height uint16, fbAddr uintptr) *Ega {
	return &Ega{
		cpu:    c,
		width:  width,
		height: height,
		fbAddr: fbAddr,
	}
}

// Err returns the first framebuffer access error, if any.
func (cons *Ega) Err() *kernel.Error {
	return cons.err
}

// Clear clears the specified rectangular region
func (cons *Ega) Clear(x, y, width, height uint16) {
	clr := (uint16(MakeAttr(clearColor, clearColor)) << 8) | uint16(clearChar)

	// clip rectangle
	if x >= cons.width {
		x = cons.width
	}
	if y >= cons.height {
		y = cons.height
	}

	if x+width > cons.width {
		width = cons.width - x
	}
	if y+height > cons.height {
		height = cons.height - y
	}

	if width == 0 {
		return
	}

	row := make([]uint16, width)
	for i := range row {
		row[i] = clr
	}

	for rowOffset := (y * cons.width) + x; height > 0; height, rowOffset = height-1, rowOffset+cons.width {
		cons.store(rowOffset, row)
	}
}

// Dimensions returns the console width and height in characters.
func (cons *Ega) Dimensions() (uint16, uint16) {
	return cons.width, cons.height
}

// Scroll a particular number of lines to the specified direction.
func (cons *Ega) Scroll(dir ScrollDir, lines uint16) {
	if lines == 0 || lines >= cons.height {
		return
	}

	var (
		offset = lines * cons.width
		count  = (cons.height - lines) * cons.width
	)

	switch dir {
	case Up:
		cons.store(0, cons.load(offset, count))
	case Down:
		cons.store(offset, cons.load(0, count))
	}
}

// Write a char to the specified location.
func (cons *Ega) Write(ch byte, attr Attr, x, y uint16) {
	if x >= cons.width || y >= cons.height {
		return
	}

	cons.store((y*cons.width)+x, []uint16{(uint16(attr) << 8) | uint16(ch)})
}

// Lines returns the text currently displayed on each console row with
// trailing blanks removed.
func (cons *Ega) Lines() []string {
	var (
		cells = cons.load(0, cons.width*cons.height)
		lines = make([]string, 0, cons.height)
		row   = make([]byte, cons.width)
	)

	for y := uint16(0); y < cons.height && len(cells) != 0; y++ {
		for x := range row {
			row[x] = byte(cells[int(y*cons.width)+x])
		}
		lines = append(lines, strings.TrimRight(string(row), " \x00"))
	}

	return lines
}

func (cons *Ega) store(offset uint16, cells []uint16) {
	if cons.err != nil || len(cells) == 0 {
		return
	}

	buf := make([]byte, len(cells)*cellSize)
	for i, cell := range cells {
		binary.LittleEndian.PutUint16(buf[i*cellSize:], cell)
	}

	cons.err = cons.cpu.Write(cons.fbAddr+uintptr(offset)*cellSize, buf)
}

func (cons *Ega) load(offset, count uint16) []uint16 {
	if cons.err != nil {
		return nil
	}

	buf := make([]byte, int(count)*cellSize)
	if cons.err = cons.cpu.Read(cons.fbAddr+uintptr(offset)*cellSize, buf); cons.err != nil {
		return nil
	}

	cells := make([]uint16, count)
	for i := range cells {
		cells[i] = binary.LittleEndian.Uint16(buf[i*cellSize:])
	}
	return cells
}
