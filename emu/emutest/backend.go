// Package emutest provides an in-process Backend with a deliberately
// small x86-32 interpreter. It exists so the hook, memory and control
// surfaces can be exercised without a native engine library.
package emutest

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/virthook/virthook/emu"
)

const defaultPageSize = 0x1000

type hookSlot struct {
	id    emu.NativeHook
	typ   emu.HookType
	begin uint64
	end   uint64
	extra []int
	tramp any
}

// covers reports whether addr falls in the slot's range. An inverted
// range means the hook is global.
func (s *hookSlot) covers(addr uint64) bool {
	if s.begin > s.end {
		return true
	}
	return addr >= s.begin && addr <= s.end
}

type mmioRange struct {
	addr  uint64
	size  uint64
	read  emu.RawMMIORead
	write emu.RawMMIOWrite
}

type snapshot struct {
	regs map[int]uint64
	msrs map[uint32]uint64
	wide map[int][]byte
}

// Backend interprets a small x86-32 subset in process.
type Backend struct {
	arch emu.Arch
	mode emu.Mode

	pageSize uint32
	pages    pages
	mmio     []*mmioRange

	regs map[int]uint64
	msrs map[uint32]uint64
	wide map[int][]byte

	hooks    []*hookSlot
	nextHook emu.NativeHook

	contexts map[emu.NativeContext]*snapshot
	nextCtx  emu.NativeContext

	exits    []uint64
	useExits bool
	tlbMode  emu.TLBMode
	tlb      map[uint64]emu.TLBEntry
	tbCache  map[uint64]*block

	cpuModel int
	timeout  uint64
	running  bool
	stopReq  bool
	errno    emu.ErrCode
}

// Open builds an Engine over a fresh in-process backend.
func Open(arch emu.Arch, mode emu.Mode) (*emu.Engine, error) {
	b, err := NewBackend(arch, mode)
	if err != nil {
		return nil, err
	}
	return emu.NewEngine(b), nil
}

func NewBackend(arch emu.Arch, mode emu.Mode) (*Backend, error) {
	if arch != emu.ARCH_X86 || mode != emu.MODE_32 {
		return nil, emu.NewEngineError(emu.ERR_ARCH)
	}
	return &Backend{
		arch:     arch,
		mode:     mode,
		pageSize: defaultPageSize,
		regs:     make(map[int]uint64),
		msrs:     make(map[uint32]uint64),
		wide:     make(map[int][]byte),
		contexts: make(map[emu.NativeContext]*snapshot),
		tlb:      make(map[uint64]emu.TLBEntry),
		tbCache:  make(map[uint64]*block),
		nextHook: 1,
		nextCtx:  1,
	}, nil
}

func (b *Backend) Close() error {
	b.pages = nil
	b.hooks = nil
	b.mmio = nil
	b.contexts = nil
	return nil
}

func (b *Backend) Stop() error {
	b.stopReq = true
	return nil
}

func (b *Backend) Errno() emu.ErrCode { return b.errno }

func (b *Backend) Query(q emu.Query) (uint64, error) {
	switch q {
	case emu.QUERY_MODE:
		return uint64(b.mode), nil
	case emu.QUERY_PAGE_SIZE:
		return uint64(b.pageSize), nil
	case emu.QUERY_ARCH:
		return uint64(b.arch), nil
	case emu.QUERY_TIMEOUT:
		return b.timeout, nil
	}
	return 0, emu.NewEngineError(emu.ERR_ARG)
}

// registers

func reg32(id int) bool {
	switch id {
	case emu.X86_REG_EAX, emu.X86_REG_EBX, emu.X86_REG_ECX, emu.X86_REG_EDX,
		emu.X86_REG_ESI, emu.X86_REG_EDI, emu.X86_REG_ESP, emu.X86_REG_EBP,
		emu.X86_REG_EIP, emu.X86_REG_EFLAGS:
		return true
	}
	return false
}

func (b *Backend) RegRead(id int) (uint64, error) {
	return b.regs[id], nil
}

func (b *Backend) RegWrite(id int, val uint64) error {
	if reg32(id) {
		val &= 0xffffffff
	}
	b.regs[id] = val
	return nil
}

// RegReadBuf and RegWriteBuf carry the wide register encodings. MSR
// accesses read the register id from the head of the buffer and move
// the value at offset 8, matching the engine's in/out layout.
func (b *Backend) RegReadBuf(id int, buf []byte) error {
	switch id {
	case emu.X86_REG_MSR:
		if len(buf) < 16 {
			return emu.NewEngineError(emu.ERR_ARG)
		}
		rid := binary.LittleEndian.Uint32(buf[0:4])
		binary.LittleEndian.PutUint64(buf[8:16], b.msrs[rid])
		return nil
	case emu.X86_REG_IDTR, emu.X86_REG_GDTR, emu.X86_REG_LDTR, emu.X86_REG_TR:
		stored := b.wide[id]
		for i := range buf {
			buf[i] = 0
		}
		copy(buf, stored)
		return nil
	}
	switch len(buf) {
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(b.regs[id]))
	case 8:
		binary.LittleEndian.PutUint64(buf, b.regs[id])
	default:
		return emu.NewEngineError(emu.ERR_ARG)
	}
	return nil
}

func (b *Backend) RegWriteBuf(id int, buf []byte) error {
	switch id {
	case emu.X86_REG_MSR:
		if len(buf) < 16 {
			return emu.NewEngineError(emu.ERR_ARG)
		}
		rid := binary.LittleEndian.Uint32(buf[0:4])
		b.msrs[rid] = binary.LittleEndian.Uint64(buf[8:16])
		return nil
	case emu.X86_REG_IDTR, emu.X86_REG_GDTR, emu.X86_REG_LDTR, emu.X86_REG_TR:
		b.wide[id] = append([]byte(nil), buf...)
		return nil
	}
	switch len(buf) {
	case 4:
		b.regs[id] = uint64(binary.LittleEndian.Uint32(buf))
	case 8:
		b.regs[id] = binary.LittleEndian.Uint64(buf)
	default:
		return emu.NewEngineError(emu.ERR_ARG)
	}
	return nil
}

// memory

func (b *Backend) MemMap(addr, size uint64, prot int) error {
	return b.mapPage(&page{addr: addr, size: size, prot: prot, data: make([]byte, size)})
}

func (b *Backend) MemMapPtr(addr, size uint64, prot int, host []byte) error {
	if uint64(len(host)) < size {
		return emu.NewEngineError(emu.ERR_ARG)
	}
	return b.mapPage(&page{addr: addr, size: size, prot: prot, data: host[:size]})
}

func (b *Backend) MemUnmap(addr, size uint64) error {
	return b.unmapRange(addr, size)
}

func (b *Backend) MemProtect(addr, size uint64, prot int) error {
	return b.protRange(addr, size, prot)
}

func (b *Backend) MemRead(addr uint64, p []byte) error {
	return b.memRead(addr, p)
}

func (b *Backend) MemWrite(addr uint64, p []byte) error {
	return b.memWrite(addr, p)
}

func (b *Backend) MemRegions() ([]emu.MemRegion, error) {
	return b.regions(), nil
}

func (b *Backend) MmioMap(addr, size uint64, read emu.RawMMIORead, write emu.RawMMIOWrite) error {
	prot := 0
	if read != nil {
		prot |= emu.PROT_READ
	}
	if write != nil {
		prot |= emu.PROT_WRITE
	}
	if err := b.mapPage(&page{addr: addr, size: size, prot: prot, mmio: true}); err != nil {
		return err
	}
	b.mmio = append(b.mmio, &mmioRange{addr: addr, size: size, read: read, write: write})
	return nil
}

func (b *Backend) mmioFor(addr uint64) *mmioRange {
	for _, r := range b.mmio {
		if addr >= r.addr && addr < r.addr+r.size {
			return r
		}
	}
	return nil
}

// hooks

func (b *Backend) HookAdd(typ emu.HookType, tramp any, begin, end uint64, extra ...int) (emu.NativeHook, error) {
	if tramp == nil {
		return 0, emu.NewEngineError(emu.ERR_HOOK)
	}
	slot := &hookSlot{
		id:    b.nextHook,
		typ:   typ,
		begin: begin,
		end:   end,
		extra: extra,
		tramp: tramp,
	}
	b.nextHook++
	b.hooks = append(b.hooks, slot)
	return slot.id, nil
}

func (b *Backend) HookDel(h emu.NativeHook) error {
	for i, slot := range b.hooks {
		if slot.id == h {
			b.hooks = append(b.hooks[:i], b.hooks[i+1:]...)
			return nil
		}
	}
	return nil
}

// eachHook visits live slots whose mask intersects typ and whose range
// covers addr. The visit order is registration order.
func (b *Backend) eachHook(typ emu.HookType, addr uint64, fn func(*hookSlot) bool) {
	// snapshot: a callback may delete hooks mid-walk
	slots := append([]*hookSlot(nil), b.hooks...)
	for _, slot := range slots {
		if slot.typ&typ == 0 || !slot.covers(addr) {
			continue
		}
		if !fn(slot) {
			return
		}
	}
}

// contexts

func (b *Backend) ContextAlloc() (emu.NativeContext, error) {
	id := b.nextCtx
	b.nextCtx++
	b.contexts[id] = &snapshot{
		regs: make(map[int]uint64),
		msrs: make(map[uint32]uint64),
		wide: make(map[int][]byte),
	}
	return id, nil
}

func (b *Backend) ContextFree(ctx emu.NativeContext) error {
	delete(b.contexts, ctx)
	return nil
}

func (b *Backend) ContextSave(ctx emu.NativeContext) error {
	s, ok := b.contexts[ctx]
	if !ok {
		return emu.NewEngineError(emu.ERR_HANDLE)
	}
	s.regs = make(map[int]uint64, len(b.regs))
	for k, v := range b.regs {
		s.regs[k] = v
	}
	s.msrs = make(map[uint32]uint64, len(b.msrs))
	for k, v := range b.msrs {
		s.msrs[k] = v
	}
	s.wide = make(map[int][]byte, len(b.wide))
	for k, v := range b.wide {
		s.wide[k] = append([]byte(nil), v...)
	}
	return nil
}

func (b *Backend) ContextRestore(ctx emu.NativeContext) error {
	s, ok := b.contexts[ctx]
	if !ok {
		return emu.NewEngineError(emu.ERR_HANDLE)
	}
	b.regs = make(map[int]uint64, len(s.regs))
	for k, v := range s.regs {
		b.regs[k] = v
	}
	b.msrs = make(map[uint32]uint64, len(s.msrs))
	for k, v := range s.msrs {
		b.msrs[k] = v
	}
	b.wide = make(map[int][]byte, len(s.wide))
	for k, v := range s.wide {
		b.wide[k] = append([]byte(nil), v...)
	}
	return nil
}

func (b *Backend) ctxSnapshot(ctx emu.NativeContext) (*snapshot, error) {
	s, ok := b.contexts[ctx]
	if !ok {
		return nil, emu.NewEngineError(emu.ERR_HANDLE)
	}
	return s, nil
}

func (b *Backend) ContextRegRead(ctx emu.NativeContext, id int) (uint64, error) {
	s, err := b.ctxSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	return s.regs[id], nil
}

func (b *Backend) ContextRegWrite(ctx emu.NativeContext, id int, val uint64) error {
	s, err := b.ctxSnapshot(ctx)
	if err != nil {
		return err
	}
	if reg32(id) {
		val &= 0xffffffff
	}
	s.regs[id] = val
	return nil
}

func (b *Backend) ContextRegReadBuf(ctx emu.NativeContext, id int, buf []byte) error {
	s, err := b.ctxSnapshot(ctx)
	if err != nil {
		return err
	}
	switch id {
	case emu.X86_REG_MSR:
		if len(buf) < 16 {
			return emu.NewEngineError(emu.ERR_ARG)
		}
		rid := binary.LittleEndian.Uint32(buf[0:4])
		binary.LittleEndian.PutUint64(buf[8:16], s.msrs[rid])
		return nil
	case emu.X86_REG_IDTR, emu.X86_REG_GDTR, emu.X86_REG_LDTR, emu.X86_REG_TR:
		for i := range buf {
			buf[i] = 0
		}
		copy(buf, s.wide[id])
		return nil
	}
	switch len(buf) {
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(s.regs[id]))
	case 8:
		binary.LittleEndian.PutUint64(buf, s.regs[id])
	default:
		return emu.NewEngineError(emu.ERR_ARG)
	}
	return nil
}

func (b *Backend) ContextRegWriteBuf(ctx emu.NativeContext, id int, buf []byte) error {
	s, err := b.ctxSnapshot(ctx)
	if err != nil {
		return err
	}
	switch id {
	case emu.X86_REG_MSR:
		if len(buf) < 16 {
			return emu.NewEngineError(emu.ERR_ARG)
		}
		rid := binary.LittleEndian.Uint32(buf[0:4])
		s.msrs[rid] = binary.LittleEndian.Uint64(buf[8:16])
		return nil
	case emu.X86_REG_IDTR, emu.X86_REG_GDTR, emu.X86_REG_LDTR, emu.X86_REG_TR:
		s.wide[id] = append([]byte(nil), buf...)
		return nil
	}
	switch len(buf) {
	case 4:
		s.regs[id] = uint64(binary.LittleEndian.Uint32(buf))
	case 8:
		s.regs[id] = binary.LittleEndian.Uint64(buf)
	default:
		return emu.NewEngineError(emu.ERR_ARG)
	}
	return nil
}

// control surface

func (b *Backend) CtlGetMode() (emu.Mode, error)   { return b.mode, nil }
func (b *Backend) CtlGetArch() (emu.Arch, error)   { return b.arch, nil }
func (b *Backend) CtlGetTimeout() (uint64, error)  { return b.timeout, nil }
func (b *Backend) CtlGetPageSize() (uint32, error) { return b.pageSize, nil }

func (b *Backend) CtlSetPageSize(size uint32) error {
	if size == 0 || size&(size-1) != 0 {
		return emu.NewEngineError(emu.ERR_ARG)
	}
	if len(b.pages) > 0 {
		return emu.NewEngineError(emu.ERR_ARG)
	}
	b.pageSize = size
	return nil
}

func (b *Backend) CtlGetCPUModel() (int, error) { return b.cpuModel, nil }

func (b *Backend) CtlSetCPUModel(model int) error {
	if model < 0 {
		return emu.NewEngineError(emu.ERR_ARG)
	}
	b.cpuModel = model
	return nil
}

func (b *Backend) CtlSetUseExits(on bool) error {
	b.useExits = on
	return nil
}

func (b *Backend) CtlGetExitsCnt() (uint64, error) {
	return uint64(len(b.exits)), nil
}

func (b *Backend) CtlGetExits(buf []uint64) error {
	copy(buf, b.exits)
	return nil
}

func (b *Backend) CtlSetExits(exits []uint64) error {
	b.exits = append([]uint64(nil), exits...)
	return nil
}

func (b *Backend) CtlFlushTB() error {
	b.tbCache = make(map[uint64]*block)
	return nil
}

func (b *Backend) CtlFlushTLB() error {
	b.tlb = make(map[uint64]emu.TLBEntry)
	return nil
}

func (b *Backend) CtlRemoveCache(addr, end uint64) error {
	for pc := range b.tbCache {
		if pc >= addr && pc < end {
			delete(b.tbCache, pc)
		}
	}
	return nil
}

// CtlRequestCache translates on demand. An address that cannot be
// translated yields no record rather than an error.
func (b *Backend) CtlRequestCache(addr uint64) (*emu.TBRecord, error) {
	for pc, blk := range b.tbCache {
		if addr >= pc && addr < pc+uint64(blk.size) {
			return &emu.TBRecord{PC: pc, ICount: blk.icount, Size: blk.size}, nil
		}
	}
	pg := b.pages.find(addr)
	if pg == nil || pg.prot&emu.PROT_EXEC == 0 || pg.data == nil {
		return nil, nil
	}
	blk, errc := b.translate(addr)
	if errc != emu.ERR_OK {
		return nil, nil
	}
	return &emu.TBRecord{PC: addr, ICount: blk.icount, Size: blk.size}, nil
}

func (b *Backend) CtlSetTLBMode(mode emu.TLBMode) error {
	switch mode {
	case emu.TLB_CPU, emu.TLB_VIRTUAL:
		b.tlbMode = mode
		b.tlb = make(map[uint64]emu.TLBEntry)
		return nil
	}
	return errors.Errorf("unknown tlb mode %d", mode)
}
