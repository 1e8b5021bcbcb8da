package machine

// Mapping describes a leaf entry of the active page table hierarchy.
type Mapping struct {
	VirtAddr  uintptr
	PhysAddr  uintptr
	Size      uintptr
	Writable  bool
	NoExecute bool
}

// recursiveIndex is the P4 slot that points back to the P4 table itself.
const recursiveIndex = entriesPerPage - 1

// LeafMappings returns every present leaf mapping reachable from CR3 in
// increasing virtual address order. The recursive P4 slot is skipped.
// Permissions are the effective ones, combining all levels.
func (m *Machine) LeafMappings() []Mapping {
	m.mu.Lock()
	defer m.mu.Unlock()

	var mappings []Mapping
	m.collectMappings(m.cr3, 0, 0, true, false, &mappings)
	return mappings
}

func (m *Machine) collectMappings(tableAddr uintptr, level int, virtBase uintptr, writable, noExecute bool, out *[]Mapping) {
	for index := uintptr(0); index < entriesPerPage; index++ {
		if level == 0 && index == recursiveIndex {
			continue
		}

		entry, err := m.readPhys64(tableAddr + index*8)
		if err != nil || entry&entryPresent == 0 {
			continue
		}

		virtAddr := virtBase | index<<pageLevelShifts[level]
		if level == 0 && index >= entriesPerPage/2 {
			// Sign-extend canonical upper-half addresses
			virtAddr |= ^uintptr(1<<48 - 1)
		}

		var (
			w         = writable && entry&entryRW != 0
			nx        = noExecute || entry&entryNoExecute != 0
			frameAddr = uintptr(entry & entryAddrMask)
		)

		switch {
		case level == 2 && entry&entryHugePage != 0:
			*out = append(*out, Mapping{VirtAddr: virtAddr, PhysAddr: frameAddr, Size: hugePageSize, Writable: w, NoExecute: nx})
		case level == pageLevels-1:
			*out = append(*out, Mapping{VirtAddr: virtAddr, PhysAddr: frameAddr, Size: frameSize, Writable: w, NoExecute: nx})
		default:
			m.collectMappings(frameAddr, level+1, virtAddr, w, nx, out)
		}
	}
}
