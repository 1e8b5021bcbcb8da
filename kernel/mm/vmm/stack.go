package vmm

import (
	"github.com/itamar567/os/kernel"
	"github.com/itamar567/os/kernel/mm"
	"github.com/sirupsen/logrus"
)

var (
	// ErrZeroSizedStack is returned when requesting a stack with no pages.
	ErrZeroSizedStack = &kernel.Error{Module: "vmm", Message: "stack size must be at least one page"}

	// ErrStackRangeExhausted is returned when the stack window cannot fit a
	// guard page and the requested number of stack pages.
	ErrStackRangeExhausted = &kernel.Error{Module: "vmm", Message: "stack window exhausted"}
)

// Stack describes a mapped kernel stack. Stacks grow downwards: Top is the
// address right after the highest mapped byte and Bottom is the address of
// the lowest mapped page.
type Stack struct {
	Top    uintptr
	Bottom uintptr
}

// Size returns the stack size in bytes.
func (s Stack) Size() uintptr {
	return s.Top - s.Bottom
}

// StackAllocator carves kernel stacks out of a fixed window of virtual
// pages. Each stack is preceded by an unmapped guard page so that an overflow
// faults instead of corrupting the adjacent stack. Stacks are never freed.
type StackAllocator struct {
	// next and last delimit the inclusive range of unused pages. The
	// range is empty when next > last.
	next, last mm.Page
}

// NewStackAllocator creates a stack allocator over the inclusive page range
// [first, last].
func NewStackAllocator(first, last mm.Page) *StackAllocator {
	return &StackAllocator{next: first, last: last}
}

// Remaining returns the number of unused pages in the window.
func (a *StackAllocator) Remaining() uint64 {
	if a.next > a.last {
		return 0
	}
	return uint64(a.last-a.next) + 1
}

// AllocateStack reserves a guard page followed by pages stack pages, backs
// the stack pages with new frames and returns the stack. If the window is
// too small, or a frame cannot be allocated or mapped, the pages mapped so far
// are unmapped and the window is left untouched.
func (a *StackAllocator) AllocateStack(table *ActiveTable, alloc mm.FrameAllocator, pages uint64) (Stack, *kernel.Error) {
	if pages == 0 {
		return Stack{}, ErrZeroSizedStack
	}

	// The guard page plus the stack pages must fit in the window
	if pages >= a.Remaining() {
		return Stack{}, ErrStackRangeExhausted
	}

	var (
		guardPage = a.next
		start     = guardPage + 1
		end       = start + mm.Page(pages-1)
	)

	for page := start; page <= end; page++ {
		err := a.mapStackPage(table, alloc, page)
		if err == nil {
			continue
		}

		for mapped := start; mapped < page; mapped++ {
			table.rollbackUnmap(mapped)
		}
		return Stack{}, err
	}

	a.next = end + 1

	stack := Stack{Top: end.Address() + mm.PageSize, Bottom: start.Address()}
	log.WithFields(logrus.Fields{
		"guard":  guardPage.Address(),
		"bottom": stack.Bottom,
		"top":    stack.Top,
	}).Debug("allocated stack")

	return stack, nil
}

func (a *StackAllocator) mapStackPage(table *ActiveTable, alloc mm.FrameAllocator, page mm.Page) *kernel.Error {
	frame, err := alloc.AllocFrame()
	if err != nil {
		return err
	}

	return table.Map(page, frame, FlagPresent|FlagRW|FlagNoExecute, alloc)
}
