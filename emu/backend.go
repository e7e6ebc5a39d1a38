package emu

// This interface abstracts the functionality the binding core requires
// from a CPU emulation engine. emu/native binds a shared-library engine;
// emu/emutest is an in-process stand-in for tests.
type Backend interface {
	// cleanup
	Close() error

	// execution; Start blocks the calling thread until the engine halts
	Start(begin, until uint64, timeoutMicros, count uint64) error
	Stop() error

	// register IO; buffer forms use the engine's own register layout
	RegRead(reg int) (uint64, error)
	RegWrite(reg int, val uint64) error
	RegReadBuf(reg int, buf []byte) error
	RegWriteBuf(reg int, buf []byte) error

	// memory IO and mapping
	MemRead(addr uint64, p []byte) error
	MemWrite(addr uint64, p []byte) error
	MemMap(addr, size uint64, prot int) error
	MemMapPtr(addr, size uint64, prot int, host []byte) error
	MemUnmap(addr, size uint64) error
	MemProtect(addr, size uint64, prot int) error
	MemRegions() ([]MemRegion, error)

	// saved register state
	ContextAlloc() (NativeContext, error)
	ContextFree(ctx NativeContext) error
	ContextSave(ctx NativeContext) error
	ContextRestore(ctx NativeContext) error
	ContextRegRead(ctx NativeContext, reg int) (uint64, error)
	ContextRegWrite(ctx NativeContext, reg int, val uint64) error
	ContextRegReadBuf(ctx NativeContext, reg int, buf []byte) error
	ContextRegWriteBuf(ctx NativeContext, reg int, buf []byte) error

	// hooks; tramp is one of the Raw* closure types matching typ's category
	HookAdd(typ HookType, tramp any, begin, end uint64, extra ...int) (NativeHook, error)
	HookDel(hh NativeHook) error
	MmioMap(addr, size uint64, read RawMMIORead, write RawMMIOWrite) error

	// control and query
	Query(q Query) (uint64, error)
	Errno() ErrCode
	CtlGetMode() (Mode, error)
	CtlGetArch() (Arch, error)
	CtlGetTimeout() (uint64, error)
	CtlGetPageSize() (uint32, error)
	CtlSetPageSize(size uint32) error
	CtlSetUseExits(on bool) error
	CtlGetExitsCnt() (uint64, error)
	CtlGetExits(buf []uint64) error
	CtlSetExits(exits []uint64) error
	CtlGetCPUModel() (int, error)
	CtlSetCPUModel(model int) error
	CtlRequestCache(addr uint64) (*TBRecord, error)
	CtlRemoveCache(begin, end uint64) error
	CtlFlushTB() error
	CtlFlushTLB() error
	CtlSetTLBMode(mode TLBMode) error
}

// NativeHook is the engine's handle for an installed hook. It is owned by
// the engine until HookDel and never reused afterward.
type NativeHook uintptr

// NativeContext is the engine's handle for a saved register state.
type NativeContext uintptr

// MemRegion is one mapped region as reported by the engine. Begin/End are
// inclusive. The engine guarantees regions are non-overlapping and in
// ascending address order; the core passes them through untouched.
type MemRegion struct {
	Begin uint64
	End   uint64
	Prot  int
}

// TBRecord is the engine's raw cached-block record.
type TBRecord struct {
	PC     uint64
	ICount uint32
	Size   uint32
}

// TLBEntry is the translation installed by a TLB-fill trampoline.
type TLBEntry struct {
	PAddr uint64
	Perms int
}

// Raw trampoline signatures the backend invokes during execution. One per
// hook category; built by the core at HookAdd time.
type (
	RawInterrupt   func(intno uint32)
	RawCode        func(addr uint64, size uint32)
	RawMemFault    func(access MemType, addr uint64, size int, value int64) bool
	RawMem         func(access MemType, addr uint64, size int, value int64)
	RawInsnIn      func(port uint32, size int) uint32
	RawInsnOut     func(port uint32, size int, value uint32)
	RawInsn        func()
	RawInsnCpuid   func() int
	RawInsnSys     func(reg int, cp *ARM64CP) uint32
	RawInsnInvalid func() bool
	RawEdge        func(cur, prev *TBRecord)
	RawTcgOpcode   func(addr, arg1, arg2 uint64, size uint32)
	RawTLBFill     func(vaddr uint64, access MemType) (TLBEntry, bool)
	RawMMIORead    func(offset uint64, size int) uint64
	RawMMIOWrite   func(offset uint64, size int, value uint64)
)
