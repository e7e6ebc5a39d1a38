package emu

// Control surface: narrow pass-throughs for engine-wide tunables and
// translation-block cache maintenance. Each call fails with the engine's
// own classification; no retries here.

// CtlGetMode returns the mode the engine was opened with.
func (e *Engine) CtlGetMode() (Mode, error) {
	if err := e.live(); err != nil {
		return 0, err
	}
	return e.backend.CtlGetMode()
}

// CtlGetArch returns the architecture the engine was opened with.
func (e *Engine) CtlGetArch() (Arch, error) {
	if err := e.live(); err != nil {
		return 0, err
	}
	return e.backend.CtlGetArch()
}

// CtlGetTimeout returns the current run's timeout in microseconds.
func (e *Engine) CtlGetTimeout() (uint64, error) {
	if err := e.live(); err != nil {
		return 0, err
	}
	return e.backend.CtlGetTimeout()
}

// CtlGetPageSize returns the engine page size in bytes.
func (e *Engine) CtlGetPageSize() (uint32, error) {
	if err := e.live(); err != nil {
		return 0, err
	}
	return e.backend.CtlGetPageSize()
}

// CtlSetPageSize sets the engine page size. Only some architectures allow
// this, and only before the first mapping.
func (e *Engine) CtlSetPageSize(size uint32) error {
	if err := e.live(); err != nil {
		return err
	}
	return e.backend.CtlSetPageSize(size)
}

// CtlSetUseExits enables or disables the exit-address list. While enabled
// the until argument of Start is ignored in favor of the list.
func (e *Engine) CtlSetUseExits(on bool) error {
	if err := e.live(); err != nil {
		return err
	}
	return e.backend.CtlSetUseExits(on)
}

// CtlGetExitsCnt returns the number of configured exit addresses.
func (e *Engine) CtlGetExitsCnt() (uint64, error) {
	if err := e.live(); err != nil {
		return 0, err
	}
	return e.backend.CtlGetExitsCnt()
}

// CtlGetExits returns the configured exit addresses. Count and contents
// are fetched in two engine calls; mutating the list concurrently from
// another goroutine can truncate the result. Engine handles are
// single-threaded — see the Engine doc.
func (e *Engine) CtlGetExits() ([]uint64, error) {
	if err := e.live(); err != nil {
		return nil, err
	}
	count, err := e.backend.CtlGetExitsCnt()
	if err != nil {
		return nil, err
	}
	exits := make([]uint64, count)
	if count == 0 {
		return exits, nil
	}
	if err := e.backend.CtlGetExits(exits); err != nil {
		return nil, err
	}
	return exits, nil
}

// CtlSetExits replaces the exit-address list.
func (e *Engine) CtlSetExits(exits []uint64) error {
	if err := e.live(); err != nil {
		return err
	}
	return e.backend.CtlSetExits(exits)
}

// CtlGetCPUModel returns the engine's CPU model identifier.
func (e *Engine) CtlGetCPUModel() (int, error) {
	if err := e.live(); err != nil {
		return 0, err
	}
	return e.backend.CtlGetCPUModel()
}

// CtlSetCPUModel selects the CPU model. Must happen before the first
// engine operation that instantiates the vCPU.
func (e *Engine) CtlSetCPUModel(model int) error {
	if err := e.live(); err != nil {
		return err
	}
	return e.backend.CtlSetCPUModel(model)
}

// CtlRequestCache asks for the cached translation block covering addr,
// translating it first if needed. Returns nil when the engine reports no
// block.
func (e *Engine) CtlRequestCache(addr uint64) (*TranslationBlock, error) {
	if err := e.live(); err != nil {
		return nil, err
	}
	rec, err := e.backend.CtlRequestCache(addr)
	if err != nil {
		return nil, err
	}
	return blockFromRecord(rec), nil
}

// CtlRemoveCache drops cached translation blocks intersecting
// [begin, end).
func (e *Engine) CtlRemoveCache(begin, end uint64) error {
	if err := e.live(); err != nil {
		return err
	}
	return e.backend.CtlRemoveCache(begin, end)
}

// CtlFlushTB drops the whole translation-block cache.
func (e *Engine) CtlFlushTB() error {
	if err := e.live(); err != nil {
		return err
	}
	return e.backend.CtlFlushTB()
}

// CtlFlushTLB drops all cached address translations.
func (e *Engine) CtlFlushTLB() error {
	if err := e.live(); err != nil {
		return err
	}
	return e.backend.CtlFlushTLB()
}

// CtlSetTLBMode selects how the engine resolves guest addresses; see
// TLB_CPU and TLB_VIRTUAL.
func (e *Engine) CtlSetTLBMode(mode TLBMode) error {
	if err := e.live(); err != nil {
		return err
	}
	return e.backend.CtlSetTLBMode(mode)
}
