package emu

import (
	"time"

	"github.com/pkg/errors"
)

// Engine is one emulator instance. All methods on a given Engine (and on
// its Hooks and Contexts) must be called from one goroutine at a time;
// cross-engine concurrency is fine.
type Engine struct {
	regState
	backend Backend

	// registry of live hook entries; keeps trampoline closures reachable
	// while the engine side may still fire them
	hooks map[*Hook]struct{}

	// first failure raised by a hook callback during the current run
	hookErr error

	closed bool
}

// NewEngine wraps an opened backend. Backend packages expose their own
// Open returning a ready *Engine; use this only with a custom Backend.
func NewEngine(b Backend) *Engine {
	e := &Engine{
		backend: b,
		hooks:   make(map[*Hook]struct{}),
	}
	e.regState = regState{rio: engineRegs{e}}
	return e
}

// Backend returns the underlying engine contract, for callers that need
// backend-specific behavior.
func (e *Engine) Backend() Backend { return e.backend }

// Close destroys the emulator instance. Hooks and contexts must not be
// used afterward.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	for h := range e.hooks {
		h.clear()
	}
	e.hooks = nil
	return e.backend.Close()
}

// Start runs the engine from begin until the program counter reaches
// until, blocking the calling thread. A failure raised inside a hook
// callback during the run is returned here, taking precedence over the
// engine's own status for the same run.
func (e *Engine) Start(begin, until uint64) error {
	return e.StartWithOptions(begin, until, 0, 0)
}

// StartWithOptions is Start with a wall-clock timeout (0 = none) and an
// instruction count limit (0 = none).
func (e *Engine) StartWithOptions(begin, until uint64, timeout time.Duration, count uint64) error {
	e.hookErr = nil
	err := e.backend.Start(begin, until, uint64(timeout/time.Microsecond), count)
	if e.hookErr != nil {
		return e.hookErr
	}
	return err
}

// Stop requests the engine halt at its next safe point. Safe to call from
// inside a hook callback.
func (e *Engine) Stop() error {
	return e.backend.Stop()
}

// hookFailed records the first callback failure of a run and asks the
// engine to stop. Later failures in the same run are dropped so the
// original error survives to the Start caller.
func (e *Engine) hookFailed(err error) {
	if e.hookErr == nil {
		e.hookErr = err
	}
	e.backend.Stop()
}

// hookDead reports whether a callback already failed this run. Trampolines
// use it to suppress further caller code between the stop request and the
// engine actually halting.
func (e *Engine) hookDead() bool { return e.hookErr != nil }

// Query fetches one engine-wide value (mode, arch, page size, timeout).
func (e *Engine) Query(q Query) (uint64, error) {
	return e.backend.Query(q)
}

// Errno returns the engine's last error classification for this handle.
func (e *Engine) Errno() ErrCode {
	return e.backend.Errno()
}

func (e *Engine) live() error {
	if e.closed {
		return errors.WithStack(NewEngineError(ERR_HANDLE))
	}
	return nil
}
