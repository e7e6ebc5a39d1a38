//go:build darwin || linux

package native

import (
	"unsafe"

	"github.com/virthook/virthook/emu"
)

// uc_ctl request encoding: control type in the low bits, argument count
// and direction in the top bits.
const (
	ctlIONone      = 0
	ctlIOWrite     = 1
	ctlIORead      = 2
	ctlIOReadWrite = 3

	ctlUCMode         = 0
	ctlUCPageSize     = 1
	ctlUCArch         = 2
	ctlUCTimeout      = 3
	ctlUCUseExits     = 4
	ctlUCExitsCnt     = 5
	ctlUCExits        = 6
	ctlCPUModel       = 7
	ctlTBRequestCache = 8
	ctlTBRemoveCache  = 9
	ctlTBFlush        = 10
	ctlTLBFlush       = 11
	ctlTLBType        = 12
)

func ctlReq(typ, nargs, rw int) int32 {
	return int32(typ | nargs<<26 | rw<<30)
}

// Backend drives a shared-library engine instance.
type Backend struct {
	uc uintptr

	// native hook handle -> cookie, so HookDel can release the closure
	hookCookies map[emu.NativeHook]uintptr
	// mmio base address -> read/write cookies
	mmioCookies map[uint64][2]uintptr
}

// Open creates an Engine over a fresh native engine instance. The
// engine library is loaded on first use.
func Open(arch emu.Arch, mode emu.Mode) (*emu.Engine, error) {
	b, err := NewBackend(arch, mode)
	if err != nil {
		return nil, err
	}
	return emu.NewEngine(b), nil
}

func NewBackend(arch emu.Arch, mode emu.Mode) (*Backend, error) {
	if err := Load(); err != nil {
		return nil, err
	}
	b := &Backend{
		hookCookies: make(map[emu.NativeHook]uintptr),
		mmioCookies: make(map[uint64][2]uintptr),
	}
	if rc := ucOpen(int32(arch), int32(mode), &b.uc); rc != 0 {
		return nil, emu.NewEngineError(emu.ErrCode(rc))
	}
	return b, nil
}

// errno converts a native return code, asking the engine for the
// message so codes newer than our table still read sensibly.
func errno(rc int32) error {
	if rc == 0 {
		return nil
	}
	return &emu.EngineError{Code: emu.ErrCode(rc), Msg: ucStrerror(rc)}
}

func (b *Backend) Close() error {
	for _, c := range b.hookCookies {
		dropCookie(c)
	}
	for _, pair := range b.mmioCookies {
		dropCookie(pair[0])
		dropCookie(pair[1])
	}
	b.hookCookies = nil
	b.mmioCookies = nil
	return errno(ucClose(b.uc))
}

func (b *Backend) Start(begin, until uint64, timeoutMicros, count uint64) error {
	return errno(ucEmuStart(b.uc, begin, until, timeoutMicros, uintptr(count)))
}

func (b *Backend) Stop() error {
	return errno(ucEmuStop(b.uc))
}

func (b *Backend) Errno() emu.ErrCode {
	return emu.ErrCode(ucErrno(b.uc))
}

func (b *Backend) RegRead(reg int) (uint64, error) {
	var val uint64
	rc := ucRegRead(b.uc, int32(reg), uintptr(unsafe.Pointer(&val)))
	return val, errno(rc)
}

func (b *Backend) RegWrite(reg int, val uint64) error {
	return errno(ucRegWrite(b.uc, int32(reg), uintptr(unsafe.Pointer(&val))))
}

func (b *Backend) RegReadBuf(reg int, buf []byte) error {
	if len(buf) == 0 {
		return errno(int32(emu.ERR_ARG))
	}
	return errno(ucRegRead(b.uc, int32(reg), uintptr(unsafe.Pointer(&buf[0]))))
}

func (b *Backend) RegWriteBuf(reg int, buf []byte) error {
	if len(buf) == 0 {
		return errno(int32(emu.ERR_ARG))
	}
	return errno(ucRegWrite(b.uc, int32(reg), uintptr(unsafe.Pointer(&buf[0]))))
}

func (b *Backend) MemRead(addr uint64, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	return errno(ucMemRead(b.uc, addr, uintptr(unsafe.Pointer(&p[0])), uintptr(len(p))))
}

func (b *Backend) MemWrite(addr uint64, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	return errno(ucMemWrite(b.uc, addr, uintptr(unsafe.Pointer(&p[0])), uintptr(len(p))))
}

func (b *Backend) MemMap(addr, size uint64, prot int) error {
	return errno(ucMemMap(b.uc, addr, size, uint32(prot)))
}

func (b *Backend) MemMapPtr(addr, size uint64, prot int, host []byte) error {
	if uint64(len(host)) < size {
		return errno(int32(emu.ERR_ARG))
	}
	return errno(ucMemMapPtr(b.uc, addr, size, uint32(prot), uintptr(unsafe.Pointer(&host[0]))))
}

func (b *Backend) MemUnmap(addr, size uint64) error {
	if err := errno(ucMemUnmap(b.uc, addr, size)); err != nil {
		return err
	}
	if pair, ok := b.mmioCookies[addr]; ok {
		dropCookie(pair[0])
		dropCookie(pair[1])
		delete(b.mmioCookies, addr)
	}
	return nil
}

func (b *Backend) MemProtect(addr, size uint64, prot int) error {
	return errno(ucMemProtect(b.uc, addr, size, uint32(prot)))
}

// ucMemRegion mirrors the engine's region struct.
type ucMemRegion struct {
	Begin uint64
	End   uint64
	Perms uint32
}

func (b *Backend) MemRegions() ([]emu.MemRegion, error) {
	var raw uintptr
	var count uint32
	if rc := ucMemRegions(b.uc, &raw, &count); rc != 0 {
		return nil, errno(rc)
	}
	out := make([]emu.MemRegion, count)
	if raw != 0 {
		stride := unsafe.Sizeof(ucMemRegion{})
		for i := range out {
			r := (*ucMemRegion)(unsafe.Pointer(raw + uintptr(i)*stride))
			out[i] = emu.MemRegion{Begin: r.Begin, End: r.End, Prot: int(r.Perms)}
		}
		ucFree(raw)
	}
	return out, nil
}

func (b *Backend) ContextAlloc() (emu.NativeContext, error) {
	var ctx uintptr
	rc := ucContextAlloc(b.uc, &ctx)
	return emu.NativeContext(ctx), errno(rc)
}

func (b *Backend) ContextFree(ctx emu.NativeContext) error {
	return errno(ucContextFree(uintptr(ctx)))
}

func (b *Backend) ContextSave(ctx emu.NativeContext) error {
	return errno(ucContextSave(b.uc, uintptr(ctx)))
}

func (b *Backend) ContextRestore(ctx emu.NativeContext) error {
	return errno(ucContextRestore(b.uc, uintptr(ctx)))
}

func (b *Backend) ContextRegRead(ctx emu.NativeContext, reg int) (uint64, error) {
	var val uint64
	rc := ucContextRegRead(uintptr(ctx), int32(reg), uintptr(unsafe.Pointer(&val)))
	return val, errno(rc)
}

func (b *Backend) ContextRegWrite(ctx emu.NativeContext, reg int, val uint64) error {
	return errno(ucContextRegWrite(uintptr(ctx), int32(reg), uintptr(unsafe.Pointer(&val))))
}

func (b *Backend) ContextRegReadBuf(ctx emu.NativeContext, reg int, buf []byte) error {
	if len(buf) == 0 {
		return errno(int32(emu.ERR_ARG))
	}
	return errno(ucContextRegRead(uintptr(ctx), int32(reg), uintptr(unsafe.Pointer(&buf[0]))))
}

func (b *Backend) ContextRegWriteBuf(ctx emu.NativeContext, reg int, buf []byte) error {
	if len(buf) == 0 {
		return errno(int32(emu.ERR_ARG))
	}
	return errno(ucContextRegWrite(uintptr(ctx), int32(reg), uintptr(unsafe.Pointer(&buf[0]))))
}

func (b *Backend) HookAdd(typ emu.HookType, tramp any, begin, end uint64, extra ...int) (emu.NativeHook, error) {
	cb, ok := callbackFor(tramp)
	if !ok {
		return 0, errno(int32(emu.ERR_HOOK))
	}
	cookie := storeCookie(tramp)
	var hh uintptr
	var rc int32
	switch len(extra) {
	case 0:
		rc = ucHookAdd0(b.uc, &hh, int32(typ), cb, cookie, begin, end)
	case 1:
		rc = ucHookAdd1(b.uc, &hh, int32(typ), cb, cookie, begin, end, uintptr(extra[0]))
	case 2:
		rc = ucHookAdd2(b.uc, &hh, int32(typ), cb, cookie, begin, end, uintptr(extra[0]), uintptr(extra[1]))
	default:
		dropCookie(cookie)
		return 0, errno(int32(emu.ERR_ARG))
	}
	if rc != 0 {
		dropCookie(cookie)
		return 0, errno(rc)
	}
	b.hookCookies[emu.NativeHook(hh)] = cookie
	return emu.NativeHook(hh), nil
}

func (b *Backend) HookDel(hh emu.NativeHook) error {
	err := errno(ucHookDel(b.uc, uintptr(hh)))
	if cookie, ok := b.hookCookies[hh]; ok {
		dropCookie(cookie)
		delete(b.hookCookies, hh)
	}
	return err
}

func (b *Backend) MmioMap(addr, size uint64, read emu.RawMMIORead, write emu.RawMMIOWrite) error {
	initCallbacks()
	var readCB, readCookie, writeCB, writeCookie uintptr
	if read != nil {
		readCB = cbMMIORead
		readCookie = storeCookie(read)
	}
	if write != nil {
		writeCB = cbMMIOWrite
		writeCookie = storeCookie(write)
	}
	rc := ucMmioMap(b.uc, addr, size, readCB, readCookie, writeCB, writeCookie)
	if rc != 0 {
		dropCookie(readCookie)
		dropCookie(writeCookie)
		return errno(rc)
	}
	b.mmioCookies[addr] = [2]uintptr{readCookie, writeCookie}
	return nil
}

func (b *Backend) Query(q emu.Query) (uint64, error) {
	var result uintptr
	rc := ucQuery(b.uc, int32(q), &result)
	return uint64(result), errno(rc)
}

// control surface

func (b *Backend) ctlRead(typ int, out *uintptr) error {
	return errno(ucCtl1(b.uc, ctlReq(typ, 1, ctlIORead), uintptr(unsafe.Pointer(out))))
}

func (b *Backend) ctlWrite(typ int, val uintptr) error {
	return errno(ucCtl1(b.uc, ctlReq(typ, 1, ctlIOWrite), val))
}

func (b *Backend) CtlGetMode() (emu.Mode, error) {
	var v uintptr
	err := b.ctlRead(ctlUCMode, &v)
	return emu.Mode(v), err
}

func (b *Backend) CtlGetArch() (emu.Arch, error) {
	var v uintptr
	err := b.ctlRead(ctlUCArch, &v)
	return emu.Arch(v), err
}

func (b *Backend) CtlGetTimeout() (uint64, error) {
	var v uint64
	err := errno(ucCtl1(b.uc, ctlReq(ctlUCTimeout, 1, ctlIORead), uintptr(unsafe.Pointer(&v))))
	return v, err
}

func (b *Backend) CtlGetPageSize() (uint32, error) {
	var v uint32
	err := errno(ucCtl1(b.uc, ctlReq(ctlUCPageSize, 1, ctlIORead), uintptr(unsafe.Pointer(&v))))
	return v, err
}

func (b *Backend) CtlSetPageSize(size uint32) error {
	return b.ctlWrite(ctlUCPageSize, uintptr(size))
}

func (b *Backend) CtlSetUseExits(on bool) error {
	var v uintptr
	if on {
		v = 1
	}
	return b.ctlWrite(ctlUCUseExits, v)
}

func (b *Backend) CtlGetExitsCnt() (uint64, error) {
	var v uintptr
	err := b.ctlRead(ctlUCExitsCnt, &v)
	return uint64(v), err
}

func (b *Backend) CtlGetExits(buf []uint64) error {
	if len(buf) == 0 {
		return nil
	}
	return errno(ucCtl2(b.uc, ctlReq(ctlUCExits, 2, ctlIORead),
		uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf))))
}

func (b *Backend) CtlSetExits(exits []uint64) error {
	if len(exits) == 0 {
		return errno(int32(emu.ERR_ARG))
	}
	return errno(ucCtl2(b.uc, ctlReq(ctlUCExits, 2, ctlIOWrite),
		uintptr(unsafe.Pointer(&exits[0])), uintptr(len(exits))))
}

func (b *Backend) CtlGetCPUModel() (int, error) {
	var v uintptr
	err := b.ctlRead(ctlCPUModel, &v)
	return int(v), err
}

func (b *Backend) CtlSetCPUModel(model int) error {
	return b.ctlWrite(ctlCPUModel, uintptr(model))
}

func (b *Backend) CtlRequestCache(addr uint64) (*emu.TBRecord, error) {
	var tb ucTB
	rc := ucCtl2(b.uc, ctlReq(ctlTBRequestCache, 2, ctlIOReadWrite),
		uintptr(addr), uintptr(unsafe.Pointer(&tb)))
	if rc != 0 {
		return nil, errno(rc)
	}
	return &emu.TBRecord{PC: tb.PC, ICount: uint32(tb.ICount), Size: uint32(tb.Size)}, nil
}

func (b *Backend) CtlRemoveCache(begin, end uint64) error {
	return errno(ucCtl2(b.uc, ctlReq(ctlTBRemoveCache, 2, ctlIOWrite),
		uintptr(begin), uintptr(end)))
}

func (b *Backend) CtlFlushTB() error {
	return errno(ucCtl0(b.uc, ctlReq(ctlTBFlush, 0, ctlIOWrite)))
}

func (b *Backend) CtlFlushTLB() error {
	return errno(ucCtl0(b.uc, ctlReq(ctlTLBFlush, 0, ctlIOWrite)))
}

func (b *Backend) CtlSetTLBMode(mode emu.TLBMode) error {
	return b.ctlWrite(ctlTLBType, uintptr(mode))
}
