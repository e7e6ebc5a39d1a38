//go:build darwin || linux

package native

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/virthook/virthook/emu"
)

// The engine calls back through C function pointers. purego callbacks
// are a scarce resource, so one static callback per hook category is
// created up front and the user-data cookie routes each upcall to its
// Go closure.

var (
	cookies    sync.Map // uintptr -> any (one of the emu.Raw* types)
	nextCookie atomic.Uintptr
)

func storeCookie(tramp any) uintptr {
	c := nextCookie.Add(1)
	cookies.Store(c, tramp)
	return c
}

func dropCookie(c uintptr) {
	cookies.Delete(c)
}

func lookup[T any](c uintptr) (T, bool) {
	var zero T
	v, ok := cookies.Load(c)
	if !ok {
		return zero, false
	}
	fn, ok := v.(T)
	return fn, ok
}

// C struct layouts shared with the engine.

type ucTB struct {
	PC     uint64
	ICount uint16
	Size   uint16
}

type ucTLBEntry struct {
	PAddr uint64
	Perms uint32
}

func recordFromTB(p uintptr) *emu.TBRecord {
	if p == 0 {
		return nil
	}
	tb := (*ucTB)(unsafe.Pointer(p))
	return &emu.TBRecord{PC: tb.PC, ICount: uint32(tb.ICount), Size: uint32(tb.Size)}
}

var (
	cbOnce sync.Once

	cbIntr        uintptr
	cbCode        uintptr
	cbMemFault    uintptr
	cbMem         uintptr
	cbInsnIn      uintptr
	cbInsnOut     uintptr
	cbInsn        uintptr
	cbInsnCpuid   uintptr
	cbInsnSys     uintptr
	cbInsnInvalid uintptr
	cbEdge        uintptr
	cbTcgOpcode   uintptr
	cbTLBFill     uintptr
	cbMMIORead    uintptr
	cbMMIOWrite   uintptr
)

func initCallbacks() {
	cbOnce.Do(func() {
		cbIntr = purego.NewCallback(func(uc uintptr, intno uint32, user uintptr) {
			if fn, ok := lookup[emu.RawInterrupt](user); ok {
				fn(intno)
			}
		})
		cbCode = purego.NewCallback(func(uc uintptr, addr uint64, size uint32, user uintptr) {
			if fn, ok := lookup[emu.RawCode](user); ok {
				fn(addr, size)
			}
		})
		cbMemFault = purego.NewCallback(func(uc uintptr, typ int32, addr uint64, size int32, value int64, user uintptr) uintptr {
			fn, ok := lookup[emu.RawMemFault](user)
			if ok && fn(emu.MemType(typ), addr, int(size), value) {
				return 1
			}
			return 0
		})
		cbMem = purego.NewCallback(func(uc uintptr, typ int32, addr uint64, size int32, value int64, user uintptr) {
			if fn, ok := lookup[emu.RawMem](user); ok {
				fn(emu.MemType(typ), addr, int(size), value)
			}
		})
		cbInsnIn = purego.NewCallback(func(uc uintptr, port uint32, size int32, user uintptr) uint32 {
			if fn, ok := lookup[emu.RawInsnIn](user); ok {
				return fn(port, int(size))
			}
			return 0
		})
		cbInsnOut = purego.NewCallback(func(uc uintptr, port uint32, size int32, value uint32, user uintptr) {
			if fn, ok := lookup[emu.RawInsnOut](user); ok {
				fn(port, int(size), value)
			}
		})
		cbInsn = purego.NewCallback(func(uc uintptr, user uintptr) {
			if fn, ok := lookup[emu.RawInsn](user); ok {
				fn()
			}
		})
		cbInsnCpuid = purego.NewCallback(func(uc uintptr, user uintptr) int32 {
			if fn, ok := lookup[emu.RawInsnCpuid](user); ok {
				return int32(fn())
			}
			return 0
		})
		cbInsnSys = purego.NewCallback(func(uc uintptr, reg int32, cpreg uintptr, user uintptr) uint32 {
			if fn, ok := lookup[emu.RawInsnSys](user); ok {
				return fn(int(reg), (*emu.ARM64CP)(unsafe.Pointer(cpreg)))
			}
			return 0
		})
		cbInsnInvalid = purego.NewCallback(func(uc uintptr, user uintptr) uintptr {
			fn, ok := lookup[emu.RawInsnInvalid](user)
			if ok && fn() {
				return 1
			}
			return 0
		})
		cbEdge = purego.NewCallback(func(uc uintptr, cur, prev uintptr, user uintptr) {
			if fn, ok := lookup[emu.RawEdge](user); ok {
				fn(recordFromTB(cur), recordFromTB(prev))
			}
		})
		cbTcgOpcode = purego.NewCallback(func(uc uintptr, addr, arg1, arg2 uint64, size uint32, user uintptr) {
			if fn, ok := lookup[emu.RawTcgOpcode](user); ok {
				fn(addr, arg1, arg2, size)
			}
		})
		cbTLBFill = purego.NewCallback(func(uc uintptr, vaddr uint64, typ int32, result uintptr, user uintptr) uintptr {
			fn, ok := lookup[emu.RawTLBFill](user)
			if !ok {
				return 0
			}
			entry, mapped := fn(vaddr, emu.MemType(typ))
			if !mapped {
				return 0
			}
			out := (*ucTLBEntry)(unsafe.Pointer(result))
			out.PAddr = entry.PAddr
			out.Perms = uint32(entry.Perms)
			return 1
		})
		cbMMIORead = purego.NewCallback(func(uc uintptr, offset uint64, size int32, user uintptr) uint64 {
			if fn, ok := lookup[emu.RawMMIORead](user); ok {
				return fn(offset, int(size))
			}
			return 0
		})
		cbMMIOWrite = purego.NewCallback(func(uc uintptr, offset uint64, size int32, value uint64, user uintptr) {
			if fn, ok := lookup[emu.RawMMIOWrite](user); ok {
				fn(offset, int(size), value)
			}
		})
	})
}

// callbackFor maps an already-built trampoline to the static C callback
// for its category.
func callbackFor(tramp any) (uintptr, bool) {
	initCallbacks()
	switch tramp.(type) {
	case emu.RawInterrupt:
		return cbIntr, true
	case emu.RawCode:
		return cbCode, true
	case emu.RawMemFault:
		return cbMemFault, true
	case emu.RawMem:
		return cbMem, true
	case emu.RawInsnIn:
		return cbInsnIn, true
	case emu.RawInsnOut:
		return cbInsnOut, true
	case emu.RawInsn:
		return cbInsn, true
	case emu.RawInsnCpuid:
		return cbInsnCpuid, true
	case emu.RawInsnSys:
		return cbInsnSys, true
	case emu.RawInsnInvalid:
		return cbInsnInvalid, true
	case emu.RawEdge:
		return cbEdge, true
	case emu.RawTcgOpcode:
		return cbTcgOpcode, true
	case emu.RawTLBFill:
		return cbTLBFill, true
	case emu.RawMMIORead:
		return cbMMIORead, true
	case emu.RawMMIOWrite:
		return cbMMIOWrite, true
	}
	return 0, false
}
