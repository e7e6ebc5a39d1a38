// Package emu is the core binding layer for a CPU emulation engine: it
// owns hook registration and dispatch, translation-block cache control,
// MMIO callback ranges, and the register/memory/context plumbing around a
// Backend that provides the actual execution pipeline.
//
// Backends live in subpackages: emu/native drives a shared-library engine
// through purego, emu/emutest is an in-process stand-in used by the test
// suite and the tracer's simulator mode. Both expose an Open returning a
// ready *Engine.
//
// A hook callback that returns a non-nil error stops the run; the error
// comes back from the Start call that was executing, not from the hook
// machinery. Hooks are torn down in two steps: Detach stops the engine
// from firing the hook, Release frees the registry entry (Close does
// both). Skipping Release after Detach leaks only the entry storage.
package emu
