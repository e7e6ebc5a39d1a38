package emu

import (
	"bytes"
	"encoding/binary"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

// regIO abstracts register access so live engine state and saved contexts
// share the same plumbing.
type regIO interface {
	regRead(reg int) (uint64, error)
	regWrite(reg int, val uint64) error
	regReadBuf(reg int, buf []byte) error
	regWriteBuf(reg int, buf []byte) error
}

// regState carries the register accessors promoted onto Engine and
// Context.
type regState struct {
	rio regIO
}

// Structured register buffers match the engine's C struct layout,
// including alignment padding; pack/unpack goes through struc with the
// engine's byte order, the same way the savestate format is built.

// X86MMR is an x86 memory-management register (GDTR, IDTR, LDTR, TR).
type X86MMR struct {
	Selector uint16
	Pad0     uint16 /* align Base to 8 */
	Pad1     uint32
	Base     uint64
	Limit    uint32
	Flags    uint32
}

// x86 model-specific register
type x86MSR struct {
	RID   uint32
	Pad0  uint32 /* align Value to 8 */
	Value uint64
}

// ARMCP selects an ARM coprocessor register; Value carries the register
// contents on read and write.
type ARMCP struct {
	CP    uint32
	Is64  uint32
	Sec   uint32
	CRn   uint32
	CRm   uint32
	Opc1  uint32
	Opc2  uint32
	Pad0  uint32 /* align Value to 8 */
	Value uint64
}

// ARM64CP selects an ARM64 system register; also the decoded descriptor
// handed to ARM64SysHook callbacks.
type ARM64CP struct {
	CRn   uint32
	CRm   uint32
	Op0   uint32
	Op1   uint32
	Op2   uint32
	Pad0  uint32 /* align Value to 8 */
	Value uint64
}

var regPackOptions = &struc.Options{Order: binary.LittleEndian}

func packReg(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := struc.PackWithOptions(&buf, v, regPackOptions); err != nil {
		return nil, errors.Wrap(err, "packing register buffer")
	}
	return buf.Bytes(), nil
}

func unpackReg(p []byte, v any) error {
	err := struc.UnpackWithOptions(bytes.NewReader(p), v, regPackOptions)
	return errors.Wrap(err, "unpacking register buffer")
}

// RegRead reads a register as a fixed-width integer.
func (r regState) RegRead(reg int) (uint64, error) {
	return r.rio.regRead(reg)
}

// RegWrite writes a register as a fixed-width integer.
func (r regState) RegWrite(reg int, val uint64) error {
	return r.rio.regWrite(reg, val)
}

// RegReadBytes fills buf with a register's raw contents; buf's length
// must match the register size.
func (r regState) RegReadBytes(reg int, buf []byte) error {
	return r.rio.regReadBuf(reg, buf)
}

// RegWriteBytes writes a register from its raw contents.
func (r regState) RegWriteBytes(reg int, buf []byte) error {
	return r.rio.regWriteBuf(reg, buf)
}

// RegReadX86MMR reads a memory-management register (X86_REG_GDTR etc).
func (r regState) RegReadX86MMR(reg int) (*X86MMR, error) {
	mmr := &X86MMR{}
	buf, err := packReg(mmr)
	if err != nil {
		return nil, err
	}
	if err := r.rio.regReadBuf(reg, buf); err != nil {
		return nil, err
	}
	if err := unpackReg(buf, mmr); err != nil {
		return nil, err
	}
	return mmr, nil
}

// RegWriteX86MMR writes a memory-management register.
func (r regState) RegWriteX86MMR(reg int, mmr *X86MMR) error {
	buf, err := packReg(mmr)
	if err != nil {
		return err
	}
	return r.rio.regWriteBuf(reg, buf)
}

// RegReadX86MSR reads the model-specific register rid.
func (r regState) RegReadX86MSR(rid uint32) (uint64, error) {
	msr := &x86MSR{RID: rid}
	buf, err := packReg(msr)
	if err != nil {
		return 0, err
	}
	if err := r.rio.regReadBuf(X86_REG_MSR, buf); err != nil {
		return 0, err
	}
	if err := unpackReg(buf, msr); err != nil {
		return 0, err
	}
	return msr.Value, nil
}

// RegWriteX86MSR writes the model-specific register rid.
func (r regState) RegWriteX86MSR(rid uint32, value uint64) error {
	buf, err := packReg(&x86MSR{RID: rid, Value: value})
	if err != nil {
		return err
	}
	return r.rio.regWriteBuf(X86_REG_MSR, buf)
}

// RegReadARMCP reads the coprocessor register cp selects; cp.Value is
// ignored on input.
func (r regState) RegReadARMCP(cp *ARMCP) (uint64, error) {
	buf, err := packReg(cp)
	if err != nil {
		return 0, err
	}
	if err := r.rio.regReadBuf(ARM_REG_CP_REG, buf); err != nil {
		return 0, err
	}
	out := &ARMCP{}
	if err := unpackReg(buf, out); err != nil {
		return 0, err
	}
	return out.Value, nil
}

// RegWriteARMCP writes value to the coprocessor register cp selects.
func (r regState) RegWriteARMCP(cp *ARMCP, value uint64) error {
	tmp := *cp
	tmp.Value = value
	buf, err := packReg(&tmp)
	if err != nil {
		return err
	}
	return r.rio.regWriteBuf(ARM_REG_CP_REG, buf)
}

// RegReadARM64CP reads the system register cp selects; cp.Value is
// ignored on input.
func (r regState) RegReadARM64CP(cp *ARM64CP) (uint64, error) {
	buf, err := packReg(cp)
	if err != nil {
		return 0, err
	}
	if err := r.rio.regReadBuf(ARM64_REG_CP_REG, buf); err != nil {
		return 0, err
	}
	out := &ARM64CP{}
	if err := unpackReg(buf, out); err != nil {
		return 0, err
	}
	return out.Value, nil
}

// RegWriteARM64CP writes value to the system register cp selects.
func (r regState) RegWriteARM64CP(cp *ARM64CP, value uint64) error {
	tmp := *cp
	tmp.Value = value
	buf, err := packReg(&tmp)
	if err != nil {
		return err
	}
	return r.rio.regWriteBuf(ARM64_REG_CP_REG, buf)
}

// engineRegs routes regState through the live engine.
type engineRegs struct {
	e *Engine
}

func (r engineRegs) regRead(reg int) (uint64, error) {
	if err := r.e.live(); err != nil {
		return 0, err
	}
	return r.e.backend.RegRead(reg)
}

func (r engineRegs) regWrite(reg int, val uint64) error {
	if err := r.e.live(); err != nil {
		return err
	}
	return r.e.backend.RegWrite(reg, val)
}

func (r engineRegs) regReadBuf(reg int, buf []byte) error {
	if err := r.e.live(); err != nil {
		return err
	}
	return r.e.backend.RegReadBuf(reg, buf)
}

func (r engineRegs) regWriteBuf(reg int, buf []byte) error {
	if err := r.e.live(); err != nil {
		return err
	}
	return r.e.backend.RegWriteBuf(reg, buf)
}
