// Package console provides text mode console devices.
package console

// Attr is a text mode color attribute. The low nibble selects the
// foreground color and the high nibble the background color.
type Attr uint16

// Text mode palette.
const (
	Black Attr = iota
	Blue
	Green
	Cyan
	Red
	Magenta
	Brown
	LightGrey
	Grey
	LightBlue
	LightGreen
	LightCyan
	LightRed
	LightMagenta
	LightBrown
	White
)

// MakeAttr combines a foreground and a background color into an attribute.
func MakeAttr(fg, bg Attr) Attr {
	return (bg << 4) | (fg & 0xF)
}

// ScrollDir defines a scroll direction.
type ScrollDir uint8

// Scroll directions accepted by Console.Scroll.
const (
	Up ScrollDir = iota
	Down
)

// Console is a character cell display addressed by (x, y) coordinates with
// the origin at the top-left corner. Out of range coordinates are clipped.
type Console interface {
	// Dimensions returns the width and height in characters.
	Dimensions() (uint16, uint16)

	// Clear blanks a rectangular region.
	Clear(x, y, width, height uint16)

	// Scroll moves the contents by lines rows in direction dir. The rows
	// that are scrolled in keep their previous contents.
	Scroll(dir ScrollDir, lines uint16)

	// Write places ch with the given attribute at (x, y).
	Write(ch byte, attr Attr, x, y uint16)
}

var _ Console = (*Ega)(nil)
