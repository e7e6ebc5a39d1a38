package emu

// MemMap maps [addr, addr+size) with full rwx permissions. Both addr and
// size must be multiples of the engine page size.
func (e *Engine) MemMap(addr, size uint64) error {
	return e.MemMapProt(addr, size, PROT_ALL)
}

// MemMapProt maps [addr, addr+size) with the given PROT_* bits.
func (e *Engine) MemMapProt(addr, size uint64, prot int) error {
	if err := e.live(); err != nil {
		return err
	}
	return e.backend.MemMap(addr, size, prot)
}

// MemMapPtr maps a region backed by caller-supplied host storage. The
// engine reads and writes host directly, without copying: the slice must
// stay reachable and its backing array unmoved for as long as the region
// is mapped. HostBuffer allocates storage that satisfies both.
func (e *Engine) MemMapPtr(addr uint64, host []byte, prot int) error {
	if err := e.live(); err != nil {
		return err
	}
	return e.backend.MemMapPtr(addr, uint64(len(host)), prot, host)
}

// MemUnmap removes the mapping for [addr, addr+size).
func (e *Engine) MemUnmap(addr, size uint64) error {
	if err := e.live(); err != nil {
		return err
	}
	return e.backend.MemUnmap(addr, size)
}

// MemProtect changes the PROT_* bits of [addr, addr+size).
func (e *Engine) MemProtect(addr, size uint64, prot int) error {
	if err := e.live(); err != nil {
		return err
	}
	return e.backend.MemProtect(addr, size, prot)
}

// MemRead copies size bytes of guest memory starting at addr.
func (e *Engine) MemRead(addr, size uint64) ([]byte, error) {
	p := make([]byte, size)
	if err := e.MemReadInto(p, addr); err != nil {
		return nil, err
	}
	return p, nil
}

// MemReadInto fills p from guest memory starting at addr.
func (e *Engine) MemReadInto(p []byte, addr uint64) error {
	if err := e.live(); err != nil {
		return err
	}
	return e.backend.MemRead(addr, p)
}

// MemWrite copies p into guest memory starting at addr.
func (e *Engine) MemWrite(addr uint64, p []byte) error {
	if err := e.live(); err != nil {
		return err
	}
	return e.backend.MemWrite(addr, p)
}

// MemRegions enumerates the mapped regions. The engine reports them
// non-overlapping in ascending address order; the slice is passed through
// without reordering or merging.
func (e *Engine) MemRegions() ([]MemRegion, error) {
	if err := e.live(); err != nil {
		return nil, err
	}
	return e.backend.MemRegions()
}
