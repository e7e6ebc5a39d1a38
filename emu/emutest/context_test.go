package emutest

import (
	"testing"

	"github.com/virthook/virthook/emu"
)

func TestContextSaveRestore(t *testing.T) {
	e := testEngine(t, []byte{0xc3})
	if err := e.RegWrite(emu.X86_REG_EAX, 5); err != nil {
		t.Fatal(err)
	}
	ctx, err := e.ContextAlloc()
	if err != nil {
		t.Fatal(err)
	}
	defer ctx.Close()
	if err := e.ContextSave(ctx); err != nil {
		t.Fatal(err)
	}

	if err := e.RegWrite(emu.X86_REG_EAX, 9); err != nil {
		t.Fatal(err)
	}
	// the snapshot reads independently of live state
	if val, err := ctx.RegRead(emu.X86_REG_EAX); err != nil || val != 5 {
		t.Errorf("saved eax = %d, %v", val, err)
	}

	if err := e.ContextRestore(ctx); err != nil {
		t.Fatal(err)
	}
	if eax := readReg(t, e, emu.X86_REG_EAX); eax != 5 {
		t.Errorf("restored eax = %d", eax)
	}
}

func TestContextWriteThrough(t *testing.T) {
	e := testEngine(t, []byte{0xc3})
	ctx, err := e.ContextAlloc()
	if err != nil {
		t.Fatal(err)
	}
	defer ctx.Close()
	if err := e.ContextSave(ctx); err != nil {
		t.Fatal(err)
	}
	if err := ctx.RegWrite(emu.X86_REG_EBX, 77); err != nil {
		t.Fatal(err)
	}
	// editing the snapshot leaves live state alone until restore
	if ebx := readReg(t, e, emu.X86_REG_EBX); ebx != 0 {
		t.Errorf("live ebx = %d", ebx)
	}
	if err := e.ContextRestore(ctx); err != nil {
		t.Fatal(err)
	}
	if ebx := readReg(t, e, emu.X86_REG_EBX); ebx != 77 {
		t.Errorf("restored ebx = %d", ebx)
	}
}

func TestContextCloseIdempotent(t *testing.T) {
	e := testEngine(t, []byte{0xc3})
	ctx, err := e.ContextAlloc()
	if err != nil {
		t.Fatal(err)
	}
	if err := ctx.Close(); err != nil {
		t.Fatal(err)
	}
	if err := ctx.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
	var nilCtx *emu.Context
	if err := nilCtx.Close(); err != nil {
		t.Errorf("nil close: %v", err)
	}
}

func TestStructuredRegisters(t *testing.T) {
	e := testEngine(t, []byte{0xc3})

	mmr := &emu.X86MMR{Base: 0xfffe0000, Limit: 0x1f, Flags: 0x8b}
	if err := e.RegWriteX86MMR(emu.X86_REG_GDTR, mmr); err != nil {
		t.Fatal(err)
	}
	back, err := e.RegReadX86MMR(emu.X86_REG_GDTR)
	if err != nil {
		t.Fatal(err)
	}
	if back.Base != mmr.Base || back.Limit != mmr.Limit || back.Flags != mmr.Flags {
		t.Errorf("gdtr round trip: %+v", back)
	}

	if err := e.RegWriteX86MSR(0x1b, 0xfee00900); err != nil {
		t.Fatal(err)
	}
	val, err := e.RegReadX86MSR(0x1b)
	if err != nil {
		t.Fatal(err)
	}
	if val != 0xfee00900 {
		t.Errorf("msr 0x1b = %#x", val)
	}
	// a different msr id stays independent
	if val, err := e.RegReadX86MSR(0x10); err != nil || val != 0 {
		t.Errorf("msr 0x10 = %#x, %v", val, err)
	}
}
