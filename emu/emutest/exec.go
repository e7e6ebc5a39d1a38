package emutest

import (
	"encoding/binary"
	"time"

	"github.com/virthook/virthook/emu"
)

// The interpreter understands just enough x86-32 to drive every hook
// category:
//
//	40+r  inc r32        48+r  dec r32     90  nop
//	a1 m32  mov eax, [m] a3 m32  mov [m], eax
//	e4 ib  in al, ib     e6 ib  out ib, al
//	cd ib  int ib        eb rel8  jmp short
//	0f a2  cpuid         0f 05  syscall    0f 34  sysenter
//	c3  ret              f4  hlt
//
// ret and hlt end the run; anything else routes through the
// invalid-instruction hooks.

type insnKind int

const (
	kindSimple insnKind = iota
	kindHalt
	kindJmp
	kindInvalid
)

type insn struct {
	addr uint64
	size uint32
	op   byte
	op2  byte
	imm  uint64
	kind insnKind
}

type block struct {
	pc     uint64
	size   uint32
	icount uint32
	insns  []insn
}

const maxBlockInsns = 64

// fault gives the unmapped/protection hooks a chance to repair an
// access. True means retry.
func (b *Backend) fault(access emu.MemType, bit emu.HookType, addr uint64, size int, value int64) bool {
	handled := false
	b.eachHook(bit, addr, func(s *hookSlot) bool {
		if fn, ok := s.tramp.(emu.RawMemFault); ok && fn(access, addr, size, value) {
			handled = true
			return false
		}
		return true
	})
	return handled
}

func (b *Backend) fireMem(access emu.MemType, bit emu.HookType, addr uint64, size int, value int64) {
	b.eachHook(bit, addr, func(s *hookSlot) bool {
		if fn, ok := s.tramp.(emu.RawMem); ok {
			fn(access, addr, size, value)
		}
		return true
	})
}

// translateAddr resolves a guest virtual address. In TLB_CPU mode the
// mapping is the identity; in TLB_VIRTUAL mode every miss consults the
// TLB-fill hooks and installs the returned entry.
func (b *Backend) translateAddr(vaddr uint64, access emu.MemType) (uint64, int, bool) {
	if b.tlbMode == emu.TLB_CPU {
		return vaddr, emu.PROT_ALL, true
	}
	pageMask := uint64(b.pageSize) - 1
	vpage := vaddr &^ pageMask
	entry, ok := b.tlb[vpage]
	if !ok {
		b.eachHook(emu.HOOK_TLB_FILL, vaddr, func(s *hookSlot) bool {
			fn, isFill := s.tramp.(emu.RawTLBFill)
			if !isFill {
				return true
			}
			if e, mapped := fn(vaddr, access); mapped {
				entry, ok = e, true
				return false
			}
			return true
		})
		if !ok {
			return 0, 0, false
		}
		b.tlb[vpage] = entry
	}
	return entry.PAddr | (vaddr & pageMask), entry.Perms, true
}

type accessErr struct {
	unmapped     emu.ErrCode
	prot         emu.ErrCode
	unmappedKind emu.MemType
	protKind     emu.MemType
	unmappedBit  emu.HookType
	protBit      emu.HookType
	need         int
}

var (
	readAccess = accessErr{
		unmapped: emu.ERR_READ_UNMAPPED, prot: emu.ERR_READ_PROT,
		unmappedKind: emu.MEM_READ_UNMAPPED, protKind: emu.MEM_READ_PROT,
		unmappedBit: emu.HOOK_MEM_READ_UNMAPPED, protBit: emu.HOOK_MEM_READ_PROT,
		need: emu.PROT_READ,
	}
	writeAccess = accessErr{
		unmapped: emu.ERR_WRITE_UNMAPPED, prot: emu.ERR_WRITE_PROT,
		unmappedKind: emu.MEM_WRITE_UNMAPPED, protKind: emu.MEM_WRITE_PROT,
		unmappedBit: emu.HOOK_MEM_WRITE_UNMAPPED, protBit: emu.HOOK_MEM_WRITE_PROT,
		need: emu.PROT_WRITE,
	}
	fetchAccess = accessErr{
		unmapped: emu.ERR_FETCH_UNMAPPED, prot: emu.ERR_FETCH_PROT,
		unmappedKind: emu.MEM_FETCH_UNMAPPED, protKind: emu.MEM_FETCH_PROT,
		unmappedBit: emu.HOOK_MEM_FETCH_UNMAPPED, protBit: emu.HOOK_MEM_FETCH_PROT,
		need: emu.PROT_EXEC,
	}
)

// resolve finds the page for one guest access, walking the fault hooks
// on failure. A handled fault earns exactly one retry.
func (b *Backend) resolve(vaddr uint64, size int, value int64, ae accessErr, kind emu.MemType) (*page, uint64, emu.ErrCode) {
	for attempt := 0; ; attempt++ {
		paddr, perms, ok := b.translateAddr(vaddr, kind)
		if !ok {
			if attempt == 0 && b.fault(ae.unmappedKind, ae.unmappedBit, vaddr, size, value) {
				continue
			}
			return nil, 0, ae.unmapped
		}
		pg := b.pages.find(paddr)
		if pg == nil {
			if attempt == 0 && b.fault(ae.unmappedKind, ae.unmappedBit, vaddr, size, value) {
				continue
			}
			return nil, 0, ae.unmapped
		}
		prot := pg.prot
		if b.tlbMode == emu.TLB_VIRTUAL {
			prot = perms
		}
		if prot&ae.need == 0 {
			if attempt == 0 && b.fault(ae.protKind, ae.protBit, vaddr, size, value) {
				continue
			}
			return nil, 0, ae.prot
		}
		return pg, paddr, emu.ERR_OK
	}
}

// span is the slice of one guest access that lands in a single page.
type span struct {
	pg    *page
	paddr uint64
	n     int
}

// spans resolves [vaddr, vaddr+size), segment by segment, so an access
// that straddles a region boundary either covers adjacent mappings or
// faults on the part that runs past the end. Nothing is accessed until
// every segment resolved.
func (b *Backend) spans(vaddr uint64, size int, value int64, ae accessErr, kind emu.MemType) ([]span, emu.ErrCode) {
	var out []span
	for done := 0; done < size; {
		addr := vaddr + uint64(done)
		pg, paddr, errc := b.resolve(addr, size-done, value, ae, kind)
		if errc != emu.ERR_OK {
			return nil, errc
		}
		n := int(pg.addr + pg.size - paddr)
		if b.tlbMode == emu.TLB_VIRTUAL {
			// each virtual page has its own translation
			if rem := int(uint64(b.pageSize) - addr&(uint64(b.pageSize)-1)); n > rem {
				n = rem
			}
		}
		if n > size-done {
			n = size - done
		}
		out = append(out, span{pg, paddr, n})
		done += n
	}
	return out, emu.ERR_OK
}

func (b *Backend) load(vaddr uint64, size int) (uint64, emu.ErrCode) {
	spans, errc := b.spans(vaddr, size, 0, readAccess, emu.MEM_READ)
	if errc != emu.ERR_OK {
		return 0, errc
	}
	b.fireMem(emu.MEM_READ, emu.HOOK_MEM_READ, vaddr, size, 0)
	if spans[0].pg.mmio {
		// mmio accesses must fit inside their range
		if len(spans) != 1 {
			return 0, emu.ERR_READ_UNMAPPED
		}
		r := b.mmioFor(spans[0].paddr)
		if r == nil || r.read == nil {
			return 0, emu.ERR_READ_UNMAPPED
		}
		return r.read(spans[0].paddr-r.addr, size), emu.ERR_OK
	}
	var buf [8]byte
	off := 0
	for _, s := range spans {
		if s.pg.mmio || s.pg.data == nil {
			return 0, emu.ERR_READ_UNMAPPED
		}
		o := s.paddr - s.pg.addr
		copy(buf[off:off+s.n], s.pg.data[o:o+uint64(s.n)])
		off += s.n
	}
	return binary.LittleEndian.Uint64(buf[:]), emu.ERR_OK
}

func (b *Backend) store(vaddr uint64, size int, value uint64) emu.ErrCode {
	spans, errc := b.spans(vaddr, size, int64(value), writeAccess, emu.MEM_WRITE)
	if errc != emu.ERR_OK {
		return errc
	}
	b.fireMem(emu.MEM_WRITE, emu.HOOK_MEM_WRITE, vaddr, size, int64(value))
	if spans[0].pg.mmio {
		if len(spans) != 1 {
			return emu.ERR_WRITE_UNMAPPED
		}
		r := b.mmioFor(spans[0].paddr)
		if r == nil || r.write == nil {
			return emu.ERR_WRITE_UNMAPPED
		}
		r.write(spans[0].paddr-r.addr, size, value)
		return emu.ERR_OK
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	off := 0
	for _, s := range spans {
		if s.pg.mmio || s.pg.data == nil {
			return emu.ERR_WRITE_UNMAPPED
		}
		o := s.paddr - s.pg.addr
		copy(s.pg.data[o:o+uint64(s.n)], buf[off:off+s.n])
		off += s.n
	}
	return emu.ERR_OK
}

func (b *Backend) fetchByte(vaddr uint64) (byte, emu.ErrCode) {
	pg, paddr, errc := b.resolve(vaddr, 1, 0, fetchAccess, emu.MEM_FETCH)
	if errc != emu.ERR_OK {
		return 0, errc
	}
	if pg.mmio {
		return 0, emu.ERR_FETCH_UNMAPPED
	}
	return pg.data[paddr-pg.addr], emu.ERR_OK
}

func (b *Backend) fetch(vaddr uint64, n int) ([]byte, emu.ErrCode) {
	out := make([]byte, n)
	for i := range out {
		c, errc := b.fetchByte(vaddr + uint64(i))
		if errc != emu.ERR_OK {
			return nil, errc
		}
		out[i] = c
	}
	return out, emu.ERR_OK
}

// decode reads one instruction at addr. Unknown encodings come back as
// kindInvalid with zero size.
func (b *Backend) decode(addr uint64) (insn, emu.ErrCode) {
	op, errc := b.fetchByte(addr)
	if errc != emu.ERR_OK {
		return insn{}, errc
	}
	in := insn{addr: addr, op: op}
	switch {
	case op >= 0x40 && op <= 0x4f: // inc/dec r32
		in.size = 1
	case op == 0x90:
		in.size = 1
	case op == 0xc3, op == 0xf4:
		in.size = 1
		in.kind = kindHalt
	case op == 0xa1, op == 0xa3:
		buf, errc := b.fetch(addr+1, 4)
		if errc != emu.ERR_OK {
			return insn{}, errc
		}
		in.size = 5
		in.imm = uint64(binary.LittleEndian.Uint32(buf))
	case op == 0xe4, op == 0xe6, op == 0xcd:
		c, errc := b.fetchByte(addr + 1)
		if errc != emu.ERR_OK {
			return insn{}, errc
		}
		in.size = 2
		in.imm = uint64(c)
	case op == 0xeb:
		c, errc := b.fetchByte(addr + 1)
		if errc != emu.ERR_OK {
			return insn{}, errc
		}
		in.size = 2
		in.imm = uint64(c)
		in.kind = kindJmp
	case op == 0x0f:
		c, errc := b.fetchByte(addr + 1)
		if errc != emu.ERR_OK {
			return insn{}, errc
		}
		in.op2 = c
		switch c {
		case 0xa2, 0x05, 0x34:
			in.size = 2
		default:
			in.kind = kindInvalid
		}
	default:
		in.kind = kindInvalid
	}
	return in, emu.ERR_OK
}

// translate decodes a straight-line block starting at pc and caches it.
func (b *Backend) translate(pc uint64) (*block, emu.ErrCode) {
	if blk, ok := b.tbCache[pc]; ok {
		return blk, emu.ERR_OK
	}
	blk := &block{pc: pc}
	addr := pc
	for len(blk.insns) < maxBlockInsns {
		in, errc := b.decode(addr)
		if errc != emu.ERR_OK {
			if len(blk.insns) == 0 {
				return nil, errc
			}
			break
		}
		blk.insns = append(blk.insns, in)
		blk.icount++
		blk.size += in.size
		addr += uint64(in.size)
		if in.kind != kindSimple {
			break
		}
	}
	b.tbCache[pc] = blk
	return blk, emu.ERR_OK
}

func (b *Backend) record(blk *block) *emu.TBRecord {
	if blk == nil {
		return nil
	}
	return &emu.TBRecord{PC: blk.pc, ICount: blk.icount, Size: blk.size}
}

// encoding order of the 32-bit registers in the inc/dec opcodes
var gp32 = [8]int{
	emu.X86_REG_EAX, emu.X86_REG_ECX, emu.X86_REG_EDX, emu.X86_REG_EBX,
	emu.X86_REG_ESP, emu.X86_REG_EBP, emu.X86_REG_ESI, emu.X86_REG_EDI,
}

type runState struct {
	until    uint64
	count    uint64
	executed uint64
	deadline time.Time
	prev     *block
}

func (r *runState) expired() bool {
	return !r.deadline.IsZero() && time.Now().After(r.deadline)
}

func (b *Backend) halted(rs *runState, pc uint64) bool {
	if b.stopReq || rs.expired() {
		return true
	}
	if rs.count > 0 && rs.executed >= rs.count {
		return true
	}
	if b.useExits {
		for _, exit := range b.exits {
			if pc == exit {
				return true
			}
		}
		return false
	}
	return pc == rs.until
}

func (b *Backend) Start(begin, until uint64, timeoutMicros, count uint64) error {
	b.stopReq = false
	b.running = true
	b.errno = emu.ERR_OK
	defer func() { b.running = false }()

	rs := &runState{until: until, count: count}
	if timeoutMicros > 0 {
		b.timeout = timeoutMicros
		rs.deadline = time.Now().Add(time.Duration(timeoutMicros) * time.Microsecond)
	}
	b.regs[emu.X86_REG_EIP] = begin & 0xffffffff

	for {
		pc := b.regs[emu.X86_REG_EIP]
		if b.halted(rs, pc) {
			return nil
		}
		blk, errc := b.translate(pc)
		if errc != emu.ERR_OK {
			return b.fail(errc)
		}
		b.fireEdge(blk, rs.prev)
		b.fireBlock(blk)
		rs.prev = blk
		transfer, err := b.stepBlock(rs, blk)
		if err != nil || !transfer {
			return err
		}
	}
}

func (b *Backend) fail(errc emu.ErrCode) error {
	b.errno = errc
	return emu.NewEngineError(errc)
}

func (b *Backend) fireEdge(cur, prev *block) {
	b.eachHook(emu.HOOK_EDGE_GENERATED, cur.pc, func(s *hookSlot) bool {
		if fn, ok := s.tramp.(emu.RawEdge); ok {
			fn(b.record(cur), b.record(prev))
		}
		return true
	})
}

func (b *Backend) fireBlock(blk *block) {
	b.eachHook(emu.HOOK_BLOCK, blk.pc, func(s *hookSlot) bool {
		if fn, ok := s.tramp.(emu.RawCode); ok {
			fn(blk.pc, blk.size)
		}
		return true
	})
}

func (b *Backend) fireCode(in insn) {
	b.eachHook(emu.HOOK_CODE, in.addr, func(s *hookSlot) bool {
		if fn, ok := s.tramp.(emu.RawCode); ok {
			fn(in.addr, in.size)
		}
		return true
	})
}

func (b *Backend) fireInsn(pc uint64, ids []int, fn func(*hookSlot)) {
	b.eachHook(emu.HOOK_INSN, pc, func(s *hookSlot) bool {
		if len(s.extra) != 1 {
			return true
		}
		for _, id := range ids {
			if s.extra[0] == id {
				fn(s)
				break
			}
		}
		return true
	})
}

// stepBlock runs one translated block. It returns transfer=true when
// control moved to a new block and the outer loop should continue.
func (b *Backend) stepBlock(rs *runState, blk *block) (bool, error) {
	for _, in := range blk.insns {
		pc := b.regs[emu.X86_REG_EIP]
		if b.halted(rs, pc) {
			return false, nil
		}
		if in.kind == kindHalt {
			// run exit; no code hook for the halting instruction
			b.regs[emu.X86_REG_EIP] = pc + uint64(in.size)
			return false, nil
		}
		if in.kind == kindInvalid {
			return b.invalid(rs)
		}
		b.fireCode(in)
		if b.stopReq {
			return false, nil
		}
		next := pc + uint64(in.size)
		if errc := b.execute(in, &next); errc != emu.ERR_OK {
			return false, b.fail(errc)
		}
		b.regs[emu.X86_REG_EIP] = next & 0xffffffff
		rs.executed++
		if in.kind == kindJmp {
			return true, nil
		}
	}
	return true, nil
}

// invalid walks the invalid-instruction hooks; a handler returning true
// means the guest state was repaired and decoding restarts at EIP.
func (b *Backend) invalid(rs *runState) (bool, error) {
	pc := b.regs[emu.X86_REG_EIP]
	handled := false
	b.eachHook(emu.HOOK_INSN_INVALID, pc, func(s *hookSlot) bool {
		if fn, ok := s.tramp.(emu.RawInsnInvalid); ok && fn() {
			handled = true
			return false
		}
		return true
	})
	if b.stopReq {
		return false, nil
	}
	if !handled {
		return false, b.fail(emu.ERR_INSN_INVALID)
	}
	// handler may have moved EIP; the stale block must not be reused
	delete(b.tbCache, pc)
	return true, nil
}

func (b *Backend) execute(in insn, next *uint64) emu.ErrCode {
	switch {
	case in.op >= 0x40 && in.op <= 0x47:
		r := gp32[in.op-0x40]
		b.regs[r] = (b.regs[r] + 1) & 0xffffffff
	case in.op >= 0x48 && in.op <= 0x4f:
		r := gp32[in.op-0x48]
		b.regs[r] = (b.regs[r] - 1) & 0xffffffff
	case in.op == 0x90:
	case in.op == 0xa1:
		val, errc := b.load(in.imm, 4)
		if errc != emu.ERR_OK {
			return errc
		}
		b.regs[emu.X86_REG_EAX] = val & 0xffffffff
	case in.op == 0xa3:
		if errc := b.store(in.imm, 4, b.regs[emu.X86_REG_EAX]); errc != emu.ERR_OK {
			return errc
		}
	case in.op == 0xe4:
		var val uint32
		b.fireInsn(in.addr, []int{emu.X86_INS_IN}, func(s *hookSlot) {
			if fn, ok := s.tramp.(emu.RawInsnIn); ok {
				val = fn(uint32(in.imm), 1)
			}
		})
		b.regs[emu.X86_REG_EAX] = b.regs[emu.X86_REG_EAX]&^0xff | uint64(val&0xff)
	case in.op == 0xe6:
		b.fireInsn(in.addr, []int{emu.X86_INS_OUT}, func(s *hookSlot) {
			if fn, ok := s.tramp.(emu.RawInsnOut); ok {
				fn(uint32(in.imm), 1, uint32(b.regs[emu.X86_REG_EAX]&0xff))
			}
		})
	case in.op == 0xcd:
		fired := false
		b.eachHook(emu.HOOK_INTR, in.addr, func(s *hookSlot) bool {
			if fn, ok := s.tramp.(emu.RawInterrupt); ok {
				fired = true
				fn(uint32(in.imm))
			}
			return true
		})
		if !fired {
			return emu.ERR_EXCEPTION
		}
	case in.op == 0x0f && in.op2 == 0xa2:
		b.fireInsn(in.addr, []int{emu.X86_INS_CPUID}, func(s *hookSlot) {
			if fn, ok := s.tramp.(emu.RawInsnCpuid); ok {
				fn()
			}
		})
	case in.op == 0x0f && in.op2 == 0x05:
		b.fireInsn(in.addr, []int{emu.X86_INS_SYSCALL}, func(s *hookSlot) {
			if fn, ok := s.tramp.(emu.RawInsn); ok {
				fn()
			}
		})
	case in.op == 0x0f && in.op2 == 0x34:
		b.fireInsn(in.addr, []int{emu.X86_INS_SYSENTER}, func(s *hookSlot) {
			if fn, ok := s.tramp.(emu.RawInsn); ok {
				fn()
			}
		})
	case in.op == 0xeb:
		// rel8, sign extended
		*next = (in.addr + 2 + uint64(int64(int8(in.imm)))) & 0xffffffff
	}
	return emu.ERR_OK
}
