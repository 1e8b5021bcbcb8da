package machine

import (
	"github.com/itamar567/os/kernel"
	"github.com/sirupsen/logrus"
)

// BootTablesSize is the amount of physical memory occupied by the page
// tables installed by InstallBootPageTables.
const BootTablesSize = 3 * frameSize

var errMisalignedBootTables = &kernel.Error{Module: "machine", Message: "boot page tables must be frame aligned"}

// InstallBootPageTables performs the work of the assembly boot stub: it
// builds a P4, P3 and P2 table in three consecutive frames starting at base,
// identity-maps the first GiB of physical memory with writable 2 MiB pages,
// installs the recursive mapping in the last P4 entry and loads CR3.
func (m *Machine) InstallBootPageTables(base uintptr) *kernel.Error {
	if base&(frameSize-1) != 0 {
		return errMisalignedBootTables
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		p4 = base
		p3 = base + frameSize
		p2 = base + 2*frameSize
	)

	if err := m.writePhys(base, make([]byte, BootTablesSize)); err != nil {
		return err
	}

	for _, w := range []struct {
		addr  uintptr
		entry uint64
	}{
		{p4, uint64(p3) | entryPresent | entryRW},
		{p4 + recursiveIndex*8, uint64(p4) | entryPresent | entryRW},
		{p3, uint64(p2) | entryPresent | entryRW},
	} {
		if err := m.writePhys64(w.addr, w.entry); err != nil {
			return err
		}
	}

	for index := uintptr(0); index < entriesPerPage; index++ {
		entry := uint64(index*hugePageSize) | entryPresent | entryRW | entryHugePage
		if err := m.writePhys64(p2+index*8, entry); err != nil {
			return err
		}
	}

	m.cr3 = p4
	m.flushTLB()

	log.WithFields(logrus.Fields{"p4": p4, "p3": p3, "p2": p2}).Debug("installed boot page tables")
	return nil
}
