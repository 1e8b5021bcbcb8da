package vmm

import (
	"testing"

	"github.com/itamar567/os/kernel"
	"github.com/itamar567/os/kernel/hal/machine"
	"github.com/itamar567/os/kernel/mm"
)

const (
	testRAMSize       = uintptr(64 << 20)
	testBootTableAddr = uintptr(0x200000)

	// testFrameBase is the first frame handed out by testAllocator (16MiB).
	testFrameBase = mm.Frame(0x1000)
)

var errTestOutOfFrames = &kernel.Error{Module: "test", Message: "out of frames"}

// testAllocator hands out consecutive frames starting at testFrameBase. If
// failAt is non-zero, the failAt-th call and every call after it fail.
type testAllocator struct {
	next   mm.Frame
	calls  int
	failAt int
}

func newTestAllocator() *testAllocator {
	return &testAllocator{next: testFrameBase}
}

func (a *testAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	a.calls++
	if a.failAt != 0 && a.calls >= a.failAt {
		return mm.InvalidFrame, errTestOutOfFrames
	}

	frame := a.next
	a.next++
	return frame, nil
}

// failAfter makes the allocator fail once n more frames have been handed out.
func (a *testAllocator) failAfter(n int) {
	a.failAt = a.calls + n + 1
}

// bootedMachine returns a machine running on the boot page tables, which
// identity-map the first GiB with huge pages.
func bootedMachine(t *testing.T) (*machine.Machine, *ActiveTable) {
	t.Helper()

	m := machine.New(testRAMSize)
	if err := m.InstallBootPageTables(testBootTableAddr); err != nil {
		t.Fatal(err)
	}

	return m, NewActiveTable(m)
}
