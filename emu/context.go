package emu

// Context is a saved register state, separate from the live engine. It
// supports the same register accessors as the engine itself.
type Context struct {
	regState
	eng    *Engine
	native NativeContext
	freed  bool
}

// ContextAlloc allocates an empty saved-state object sized for this
// engine's architecture.
func (e *Engine) ContextAlloc() (*Context, error) {
	if err := e.live(); err != nil {
		return nil, err
	}
	native, err := e.backend.ContextAlloc()
	if err != nil {
		return nil, err
	}
	c := &Context{eng: e, native: native}
	c.regState = regState{rio: contextRegs{c}}
	return c, nil
}

// ContextSave snapshots the live register state into ctx.
func (e *Engine) ContextSave(ctx *Context) error {
	if err := e.live(); err != nil {
		return err
	}
	return e.backend.ContextSave(ctx.native)
}

// ContextRestore replaces the live register state with ctx's snapshot.
func (e *Engine) ContextRestore(ctx *Context) error {
	if err := e.live(); err != nil {
		return err
	}
	return e.backend.ContextRestore(ctx.native)
}

// Close frees the saved state. Safe to call twice.
func (c *Context) Close() error {
	if c == nil || c.freed {
		return nil
	}
	c.freed = true
	return c.eng.backend.ContextFree(c.native)
}

// contextRegs routes regState through the saved snapshot instead of live
// engine state.
type contextRegs struct {
	c *Context
}

func (r contextRegs) regRead(reg int) (uint64, error) {
	return r.c.eng.backend.ContextRegRead(r.c.native, reg)
}

func (r contextRegs) regWrite(reg int, val uint64) error {
	return r.c.eng.backend.ContextRegWrite(r.c.native, reg, val)
}

func (r contextRegs) regReadBuf(reg int, buf []byte) error {
	return r.c.eng.backend.ContextRegReadBuf(r.c.native, reg, buf)
}

func (r contextRegs) regWriteBuf(reg int, buf []byte) error {
	return r.c.eng.backend.ContextRegWriteBuf(r.c.native, reg, buf)
}
