package emu

import (
	"github.com/pkg/errors"
)

// Caller-facing hook callback signatures, one per category. Several hook
// types share a category when they share a calling convention (code and
// block hooks; the valid and invalid memory-access masks). Every callback
// returns an error; a non-nil error stops the run and surfaces from the
// Start call that triggered the hook.
type (
	InterruptHook   func(e *Engine, intno uint32, data any) error
	CodeHook        func(e *Engine, addr uint64, size uint32, data any) error
	MemFaultHook    func(e *Engine, access MemType, addr uint64, size int, value int64, data any) (bool, error)
	MemHook         func(e *Engine, access MemType, addr uint64, size int, value int64, data any) error
	InHook          func(e *Engine, port uint32, size int, data any) (uint32, error)
	OutHook         func(e *Engine, port uint32, size int, value uint32, data any) error
	SyscallHook     func(e *Engine, data any) error
	CpuidHook       func(e *Engine, data any) (int, error)
	ARM64SysHook    func(e *Engine, reg int, cp *ARM64CP, data any) (uint32, error)
	InvalidInsnHook func(e *Engine, data any) (bool, error)
	EdgeHook        func(e *Engine, cur, prev *TranslationBlock, data any) error
	TcgOpcodeHook   func(e *Engine, addr, arg1, arg2 uint64, size uint32, data any) error
	TLBFillHook     func(e *Engine, vaddr uint64, access MemType, data any) (uint64, error)
	MMIOReadHook    func(e *Engine, offset uint64, size int, data any) (uint64, error)
	MMIOWriteHook   func(e *Engine, offset uint64, size int, value uint64, data any) error
)

// Hook is one registry entry for a registered callback. It exclusively
// owns the callback and user data; the engine owns the native handle until
// Detach.
type Hook struct {
	eng      *Engine
	native   NativeHook
	cb       any
	data     any
	detached bool
}

// HookAdd registers cb for the trigger typ over [begin, end]. A begin
// greater than end hooks everywhere. HOOK_INSN takes one extra argument
// (the instruction identifier) and HOOK_TCG_OPCODE takes two (sub-opcode,
// operand flags). cb must have the category's signature; a mismatch fails
// here with no engine-side registration.
func (e *Engine) HookAdd(typ HookType, cb any, data any, begin, end uint64, extra ...int) (*Hook, error) {
	if err := e.live(); err != nil {
		return nil, err
	}
	h := &Hook{eng: e, cb: cb, data: data}
	tramp, err := h.trampoline(typ, extra)
	if err != nil {
		h.clear()
		return nil, err
	}
	native, err := e.backend.HookAdd(typ, tramp, begin, end, extra...)
	if err != nil {
		h.clear()
		return nil, err
	}
	h.native = native
	e.hooks[h] = struct{}{}
	return h, nil
}

// Detach asks the engine to stop firing the hook and drops the entry's
// callback and user references. The entry itself stays in the registry
// until Release. No-op on a nil or already-detached hook.
func (h *Hook) Detach() error {
	if h == nil || h.detached || h.eng == nil {
		return nil
	}
	h.detached = true
	err := h.eng.backend.HookDel(h.native)
	h.cb, h.data = nil, nil
	return err
}

// Release frees the registry entry. It does not touch the engine side:
// releasing a still-attached hook leaves the native hook firing into a
// cleared entry (which is suppressed, not fatal) — Detach first, or use
// Close. No-op on a nil or already-released hook.
func (h *Hook) Release() {
	if h == nil || h.eng == nil {
		return
	}
	delete(h.eng.hooks, h)
	h.clear()
}

// Close detaches and releases in one step.
func (h *Hook) Close() error {
	err := h.Detach()
	h.Release()
	return err
}

// HookDel removes a hook entirely (detach + release), mirroring Close.
func (e *Engine) HookDel(h *Hook) error {
	return h.Close()
}

func (h *Hook) clear() {
	if h == nil {
		return
	}
	h.cb, h.data, h.eng = nil, nil, nil
	h.detached = true
}

// run invokes one callback behind the run-failure guard: nothing fires
// after an earlier callback failed this run or after the entry was
// cleared, and a panic inside caller code is converted into a recorded
// failure instead of unwinding through the engine.
func (h *Hook) run(fn func() error) {
	e := h.eng
	if e == nil || h.detached || e.hookDead() {
		return
	}
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Errorf("hook callback panicked: %v", r)
			}
		}()
		return fn()
	}()
	if err != nil {
		e.hookFailed(err)
	}
}

func badShape(typ HookType, cb, want any) error {
	return errors.Errorf("hook type %#x needs a callback of type %T, got %T", int(typ), want, cb)
}

// trampoline picks the category for (typ, extra) and builds the raw
// closure the backend will invoke. Value-returning trampolines substitute
// the category's harmless default (zero, false, miss) whenever the
// callback failed, so the engine never consumes a result produced on the
// failure path.
func (h *Hook) trampoline(typ HookType, extra []int) (any, error) {
	e := h.eng
	switch {
	case typ == HOOK_INTR:
		cb, ok := h.cb.(InterruptHook)
		if !ok {
			return nil, badShape(typ, h.cb, cb)
		}
		return RawInterrupt(func(intno uint32) {
			h.run(func() error { return cb(e, intno, h.data) })
		}), nil

	case typ == HOOK_CODE, typ == HOOK_BLOCK:
		cb, ok := h.cb.(CodeHook)
		if !ok {
			return nil, badShape(typ, h.cb, cb)
		}
		return RawCode(func(addr uint64, size uint32) {
			h.run(func() error { return cb(e, addr, size, h.data) })
		}), nil

	case typ&HOOK_MEM_INVALID != 0 && typ&^HOOK_MEM_INVALID == 0:
		cb, ok := h.cb.(MemFaultHook)
		if !ok {
			return nil, badShape(typ, h.cb, cb)
		}
		return RawMemFault(func(access MemType, addr uint64, size int, value int64) bool {
			handled := false
			h.run(func() error {
				ok, err := cb(e, access, addr, size, value, h.data)
				if err != nil {
					return err
				}
				handled = ok
				return nil
			})
			return handled
		}), nil

	case typ&HOOK_MEM_VALID != 0 && typ&^HOOK_MEM_VALID == 0:
		cb, ok := h.cb.(MemHook)
		if !ok {
			return nil, badShape(typ, h.cb, cb)
		}
		return RawMem(func(access MemType, addr uint64, size int, value int64) {
			h.run(func() error { return cb(e, access, addr, size, value, h.data) })
		}), nil

	case typ == HOOK_INSN_INVALID:
		cb, ok := h.cb.(InvalidInsnHook)
		if !ok {
			return nil, badShape(typ, h.cb, cb)
		}
		return RawInsnInvalid(func() bool {
			handled := false
			h.run(func() error {
				ok, err := cb(e, h.data)
				if err != nil {
					return err
				}
				handled = ok
				return nil
			})
			return handled
		}), nil

	case typ == HOOK_EDGE_GENERATED:
		cb, ok := h.cb.(EdgeHook)
		if !ok {
			return nil, badShape(typ, h.cb, cb)
		}
		return RawEdge(func(cur, prev *TBRecord) {
			h.run(func() error {
				return cb(e, blockFromRecord(cur), blockFromRecord(prev), h.data)
			})
		}), nil

	case typ == HOOK_TLB_FILL:
		cb, ok := h.cb.(TLBFillHook)
		if !ok {
			return nil, badShape(typ, h.cb, cb)
		}
		return RawTLBFill(func(vaddr uint64, access MemType) (TLBEntry, bool) {
			var entry TLBEntry
			mapped := false
			h.run(func() error {
				result, err := cb(e, vaddr, access, h.data)
				if err != nil {
					return err
				}
				if result != NoTLBMapping {
					entry.PAddr = result &^ uint64(PROT_ALL)
					entry.Perms = int(result & uint64(PROT_ALL))
					mapped = true
				}
				return nil
			})
			return entry, mapped
		}), nil

	case typ == HOOK_INSN:
		if len(extra) != 1 {
			return nil, errHook()
		}
		return h.insnTrampoline(extra[0])

	case typ == HOOK_TCG_OPCODE:
		if len(extra) != 2 {
			return nil, errHook()
		}
		cb, ok := h.cb.(TcgOpcodeHook)
		if !ok {
			return nil, badShape(typ, h.cb, cb)
		}
		return RawTcgOpcode(func(addr, arg1, arg2 uint64, size uint32) {
			h.run(func() error { return cb(e, addr, arg1, arg2, size, h.data) })
		}), nil
	}
	return nil, errHook()
}

// insnTrampoline handles the overloaded per-instruction hook: the
// instruction identifier, not the hook type, decides the category.
func (h *Hook) insnTrampoline(insn int) (any, error) {
	e := h.eng
	switch insn {
	case X86_INS_IN:
		cb, ok := h.cb.(InHook)
		if !ok {
			return nil, badShape(HOOK_INSN, h.cb, cb)
		}
		return RawInsnIn(func(port uint32, size int) uint32 {
			var val uint32
			h.run(func() error {
				v, err := cb(e, port, size, h.data)
				if err != nil {
					return err
				}
				val = v
				return nil
			})
			return val
		}), nil

	case X86_INS_OUT:
		cb, ok := h.cb.(OutHook)
		if !ok {
			return nil, badShape(HOOK_INSN, h.cb, cb)
		}
		return RawInsnOut(func(port uint32, size int, value uint32) {
			h.run(func() error { return cb(e, port, size, value, h.data) })
		}), nil

	case X86_INS_SYSCALL, X86_INS_SYSENTER:
		cb, ok := h.cb.(SyscallHook)
		if !ok {
			return nil, badShape(HOOK_INSN, h.cb, cb)
		}
		return RawInsn(func() {
			h.run(func() error { return cb(e, h.data) })
		}), nil

	case X86_INS_CPUID:
		cb, ok := h.cb.(CpuidHook)
		if !ok {
			return nil, badShape(HOOK_INSN, h.cb, cb)
		}
		return RawInsnCpuid(func() int {
			var val int
			h.run(func() error {
				v, err := cb(e, h.data)
				if err != nil {
					return err
				}
				val = v
				return nil
			})
			return val
		}), nil

	case ARM64_INS_MRS, ARM64_INS_MSR, ARM64_INS_SYS, ARM64_INS_SYSL:
		cb, ok := h.cb.(ARM64SysHook)
		if !ok {
			return nil, badShape(HOOK_INSN, h.cb, cb)
		}
		return RawInsnSys(func(reg int, cp *ARM64CP) uint32 {
			var val uint32
			h.run(func() error {
				v, err := cb(e, reg, cp, h.data)
				if err != nil {
					return err
				}
				val = v
				return nil
			})
			return val
		}), nil
	}
	return nil, NewEngineError(ERR_INSN_INVALID)
}
