//go:build darwin || linux

// Package native binds a shared-library CPU engine over purego, so no
// cgo toolchain is needed to link against it.
package native

import (
	"os"
	"sync"

	"github.com/ebitengine/purego"
	"github.com/pkg/errors"
)

// EngineLibEnv overrides the engine library search list with an
// explicit path.
const EngineLibEnv = "VIRTHOOK_ENGINE_LIB"

var (
	loadOnce sync.Once
	loadErr  error
	libh     uintptr
)

func libPaths() []string {
	if p := os.Getenv(EngineLibEnv); p != "" {
		return []string{p}
	}
	return []string{
		"libunicorn.so.2",
		"libunicorn.so",
		"libunicorn.2.dylib",
		"libunicorn.dylib",
	}
}

// Load resolves the engine library and its symbols. It is safe to call
// from multiple goroutines; only the first call does work.
func Load() error {
	loadOnce.Do(func() {
		var err error
		for _, name := range libPaths() {
			libh, err = purego.Dlopen(name, purego.RTLD_NOW|purego.RTLD_GLOBAL)
			if err == nil {
				registerSymbols()
				return
			}
		}
		loadErr = errors.Wrap(err, "loading engine library")
	})
	return loadErr
}

var (
	ucVersion       func(major, minor *uint32) uint32
	ucArchSupported func(arch int32) bool
	ucOpen          func(arch, mode int32, uc *uintptr) int32
	ucClose         func(uc uintptr) int32
	ucErrno         func(uc uintptr) int32
	ucStrerror      func(code int32) string

	ucEmuStart func(uc uintptr, begin, until, timeout uint64, count uintptr) int32
	ucEmuStop  func(uc uintptr) int32

	ucRegRead  func(uc uintptr, regid int32, value uintptr) int32
	ucRegWrite func(uc uintptr, regid int32, value uintptr) int32

	ucMemRead    func(uc uintptr, addr uint64, p uintptr, size uintptr) int32
	ucMemWrite   func(uc uintptr, addr uint64, p uintptr, size uintptr) int32
	ucMemMap     func(uc uintptr, addr, size uint64, perms uint32) int32
	ucMemMapPtr  func(uc uintptr, addr, size uint64, perms uint32, ptr uintptr) int32
	ucMemUnmap   func(uc uintptr, addr, size uint64) int32
	ucMemProtect func(uc uintptr, addr, size uint64, perms uint32) int32
	ucMemRegions func(uc uintptr, regions *uintptr, count *uint32) int32
	ucFree       func(ptr uintptr) int32

	ucQuery func(uc uintptr, typ int32, result *uintptr) int32

	ucContextAlloc    func(uc uintptr, ctx *uintptr) int32
	ucContextFree     func(ctx uintptr) int32
	ucContextSave     func(uc, ctx uintptr) int32
	ucContextRestore  func(uc, ctx uintptr) int32
	ucContextRegRead  func(ctx uintptr, regid int32, value uintptr) int32
	ucContextRegWrite func(ctx uintptr, regid int32, value uintptr) int32

	ucHookDel func(uc uintptr, hh uintptr) int32
	ucMmioMap func(uc uintptr, addr, size uint64, read uintptr, userRead uintptr, write uintptr, userWrite uintptr) int32

	// uc_hook_add and uc_ctl are variadic; one registration per arity
	// actually used.
	ucHookAdd0 func(uc uintptr, hh *uintptr, typ int32, cb, user uintptr, begin, end uint64) int32
	ucHookAdd1 func(uc uintptr, hh *uintptr, typ int32, cb, user uintptr, begin, end uint64, a0 uintptr) int32
	ucHookAdd2 func(uc uintptr, hh *uintptr, typ int32, cb, user uintptr, begin, end uint64, a0, a1 uintptr) int32

	ucCtl0 func(uc uintptr, ctl int32) int32
	ucCtl1 func(uc uintptr, ctl int32, a0 uintptr) int32
	ucCtl2 func(uc uintptr, ctl int32, a0, a1 uintptr) int32
)

func registerSymbols() {
	purego.RegisterLibFunc(&ucVersion, libh, "uc_version")
	purego.RegisterLibFunc(&ucArchSupported, libh, "uc_arch_supported")
	purego.RegisterLibFunc(&ucOpen, libh, "uc_open")
	purego.RegisterLibFunc(&ucClose, libh, "uc_close")
	purego.RegisterLibFunc(&ucErrno, libh, "uc_errno")
	purego.RegisterLibFunc(&ucStrerror, libh, "uc_strerror")

	purego.RegisterLibFunc(&ucEmuStart, libh, "uc_emu_start")
	purego.RegisterLibFunc(&ucEmuStop, libh, "uc_emu_stop")

	purego.RegisterLibFunc(&ucRegRead, libh, "uc_reg_read")
	purego.RegisterLibFunc(&ucRegWrite, libh, "uc_reg_write")

	purego.RegisterLibFunc(&ucMemRead, libh, "uc_mem_read")
	purego.RegisterLibFunc(&ucMemWrite, libh, "uc_mem_write")
	purego.RegisterLibFunc(&ucMemMap, libh, "uc_mem_map")
	purego.RegisterLibFunc(&ucMemMapPtr, libh, "uc_mem_map_ptr")
	purego.RegisterLibFunc(&ucMemUnmap, libh, "uc_mem_unmap")
	purego.RegisterLibFunc(&ucMemProtect, libh, "uc_mem_protect")
	purego.RegisterLibFunc(&ucMemRegions, libh, "uc_mem_regions")
	purego.RegisterLibFunc(&ucFree, libh, "uc_free")

	purego.RegisterLibFunc(&ucQuery, libh, "uc_query")

	purego.RegisterLibFunc(&ucContextAlloc, libh, "uc_context_alloc")
	purego.RegisterLibFunc(&ucContextFree, libh, "uc_context_free")
	purego.RegisterLibFunc(&ucContextSave, libh, "uc_context_save")
	purego.RegisterLibFunc(&ucContextRestore, libh, "uc_context_restore")
	purego.RegisterLibFunc(&ucContextRegRead, libh, "uc_context_reg_read")
	purego.RegisterLibFunc(&ucContextRegWrite, libh, "uc_context_reg_write")

	purego.RegisterLibFunc(&ucHookDel, libh, "uc_hook_del")
	purego.RegisterLibFunc(&ucMmioMap, libh, "uc_mmio_map")

	purego.RegisterLibFunc(&ucHookAdd0, libh, "uc_hook_add")
	purego.RegisterLibFunc(&ucHookAdd1, libh, "uc_hook_add")
	purego.RegisterLibFunc(&ucHookAdd2, libh, "uc_hook_add")

	purego.RegisterLibFunc(&ucCtl0, libh, "uc_ctl")
	purego.RegisterLibFunc(&ucCtl1, libh, "uc_ctl")
	purego.RegisterLibFunc(&ucCtl2, libh, "uc_ctl")
}

// Version reports the engine's major and minor version. It loads the
// library on first use.
func Version() (major, minor uint32, err error) {
	if err := Load(); err != nil {
		return 0, 0, err
	}
	ucVersion(&major, &minor)
	return major, minor, nil
}

// ArchSupported reports whether the engine was built with support for
// the given architecture.
func ArchSupported(arch int) (bool, error) {
	if err := Load(); err != nil {
		return false, err
	}
	return ucArchSupported(int32(arch)), nil
}
