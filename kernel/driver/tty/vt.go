// Package tty implements terminals on top of console devices.
package tty

import (
	"sync"

	"github.com/itamar567/os/kernel/driver/video/console"
)

const (
	defaultFg = console.LightGrey
	defaultBg = console.Black

	tabWidth = 4
)

// Vt implements a simple terminal that can process LF, CR and TAB
// characters. The terminal uses a console device for its output.
type Vt struct {
	mu   sync.Mutex
	cons console.Console

	width  uint16
	height uint16

	curX    uint16
	curY    uint16
	curAttr console.Attr
}

// AttachTo links the terminal with the specified console device and resets
// the cursor to the top-left corner.
func (t *Vt) AttachTo(cons console.Console) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cons = cons
	t.width, t.height = cons.Dimensions()
	t.curX, t.curY = 0, 0

	// Default to lightgrey on black text.
	t.curAttr = console.MakeAttr(defaultFg, defaultBg)
}

// Dimensions returns the terminal width and height in characters.
func (t *Vt) Dimensions() (uint16, uint16) {
	return t.width, t.height
}

// Clear clears the terminal.
func (t *Vt) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cons.Clear(0, 0, t.width, t.height)
}

// Position returns the current cursor position (x, y).
func (t *Vt) Position() (uint16, uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.curX, t.curY
}

// SetPosition sets the current cursor position to (x,y).
func (t *Vt) SetPosition(x, y uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if x >= t.width {
		x = t.width - 1
	}

	if y >= t.height {
		y = t.height - 1
	}

	t.curX, t.curY = x, y
}

// Write implements io.Writer.
func (t *Vt) Write(data []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, b := range data {
		switch b {
		case '\r':
			t.cr()
		case '\n':
			t.cr()
			t.lf()
		case '\t':
			for n := tabWidth - t.curX%tabWidth; n > 0; n-- {
				t.put(' ')
			}
		default:
			t.put(b)
		}
	}

	return len(data), nil
}

// put writes a char at the cursor position and advances the cursor.
func (t *Vt) put(b byte) {
	t.cons.Write(b, t.curAttr, t.curX, t.curY)
	t.curX++
	if t.curX == t.width {
		t.cr()
		t.lf()
	}
}

// cr resets the x coordinate of the terminal cursor to 0.
func (t *Vt) cr() {
	t.curX = 0
}

// lf advances the y coordinate of the terminal cursor by one line scrolling
// the terminal contents if the end of the last terminal line is reached.
func (t *Vt) lf() {
	if t.curY+1 < t.height {
		t.curY++
		return
	}

	t.cons.Scroll(console.Up, 1)
	t.cons.Clear(0, t.height-1, t.width, 1)
}
