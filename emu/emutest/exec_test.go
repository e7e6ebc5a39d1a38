package emutest

import (
	"testing"

	"github.com/virthook/virthook/emu"
)

const codeBase = 0x1000

// testEngine maps a page of code at codeBase and returns an engine ready
// to run it.
func testEngine(t *testing.T, code []byte) *emu.Engine {
	t.Helper()
	e, err := Open(emu.ARCH_X86, emu.MODE_32)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })
	if err := e.MemMap(codeBase, 0x1000); err != nil {
		t.Fatal(err)
	}
	if err := e.MemWrite(codeBase, code); err != nil {
		t.Fatal(err)
	}
	return e
}

func readReg(t *testing.T, e *emu.Engine, reg int) uint64 {
	t.Helper()
	val, err := e.RegRead(reg)
	if err != nil {
		t.Fatal(err)
	}
	return val
}

func TestOpenRejectsUnsupported(t *testing.T) {
	if _, err := Open(emu.ARCH_ARM, emu.MODE_ARM); emu.ErrCodeOf(err) != emu.ERR_ARCH {
		t.Fatalf("want ERR_ARCH, got %v", err)
	}
}

func TestCodeHookPerInstruction(t *testing.T) {
	// inc eax; inc eax; ret
	e := testEngine(t, []byte{0x40, 0x40, 0xc3})

	var addrs []uint64
	_, err := e.HookAdd(emu.HOOK_CODE, emu.CodeHook(
		func(e *emu.Engine, addr uint64, size uint32, data any) error {
			addrs = append(addrs, addr)
			return nil
		}), nil, codeBase, codeBase+2)
	if err != nil {
		t.Fatal(err)
	}

	if err := e.Start(codeBase, codeBase+3); err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 2 {
		t.Fatalf("code hook fired %d times, want 2 (%#x)", len(addrs), addrs)
	}
	if addrs[0] != codeBase || addrs[1] != codeBase+1 {
		t.Errorf("hook addresses: %#x", addrs)
	}
	if eax := readReg(t, e, emu.X86_REG_EAX); eax != 2 {
		t.Errorf("eax = %d, want 2", eax)
	}
}

func TestUntilAddressHaltsRun(t *testing.T) {
	// inc eax x4; ret
	e := testEngine(t, []byte{0x40, 0x40, 0x40, 0x40, 0xc3})
	if err := e.Start(codeBase, codeBase+2); err != nil {
		t.Fatal(err)
	}
	if eax := readReg(t, e, emu.X86_REG_EAX); eax != 2 {
		t.Errorf("eax = %d, want 2", eax)
	}
	if eip := readReg(t, e, emu.X86_REG_EIP); eip != codeBase+2 {
		t.Errorf("eip = %#x, want %#x", eip, codeBase+2)
	}
}

func TestInstructionCountLimit(t *testing.T) {
	e := testEngine(t, []byte{0x40, 0x40, 0x40, 0xc3})
	if err := e.StartWithOptions(codeBase, codeBase+4, 0, 1); err != nil {
		t.Fatal(err)
	}
	if eax := readReg(t, e, emu.X86_REG_EAX); eax != 1 {
		t.Errorf("eax = %d, want 1", eax)
	}
}

func TestRegisterOperations(t *testing.T) {
	// inc ebx; dec ecx; nop; ret
	e := testEngine(t, []byte{0x43, 0x49, 0x90, 0xc3})
	if err := e.RegWrite(emu.X86_REG_ECX, 10); err != nil {
		t.Fatal(err)
	}
	if err := e.Start(codeBase, codeBase+4); err != nil {
		t.Fatal(err)
	}
	if ebx := readReg(t, e, emu.X86_REG_EBX); ebx != 1 {
		t.Errorf("ebx = %d", ebx)
	}
	if ecx := readReg(t, e, emu.X86_REG_ECX); ecx != 9 {
		t.Errorf("ecx = %d", ecx)
	}
}

func TestBlockAndEdgeHooks(t *testing.T) {
	// jmp +2; (skipped: inc eax x2); inc ebx; ret
	code := []byte{0xeb, 0x02, 0x40, 0x40, 0x43, 0xc3}
	e := testEngine(t, code)

	var blocks []uint64
	_, err := e.HookAdd(emu.HOOK_BLOCK, emu.CodeHook(
		func(e *emu.Engine, addr uint64, size uint32, data any) error {
			blocks = append(blocks, addr)
			return nil
		}), nil, 1, 0)
	if err != nil {
		t.Fatal(err)
	}

	type edge struct{ cur, prev uint64 }
	var edges []edge
	_, err = e.HookAdd(emu.HOOK_EDGE_GENERATED, emu.EdgeHook(
		func(e *emu.Engine, cur, prev *emu.TranslationBlock, data any) error {
			ev := edge{cur: cur.PC}
			if prev != nil {
				ev.prev = prev.PC
			}
			edges = append(edges, ev)
			return nil
		}), nil, 1, 0)
	if err != nil {
		t.Fatal(err)
	}

	if err := e.Start(codeBase, codeBase+6); err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 2 || blocks[0] != codeBase || blocks[1] != codeBase+4 {
		t.Errorf("blocks: %#x", blocks)
	}
	if len(edges) != 2 {
		t.Fatalf("edges: %+v", edges)
	}
	if edges[0].prev != 0 || edges[1].prev != codeBase {
		t.Errorf("edge predecessors: %+v", edges)
	}
	if eax := readReg(t, e, emu.X86_REG_EAX); eax != 0 {
		t.Errorf("jmp should have skipped the incs, eax = %d", eax)
	}
	if ebx := readReg(t, e, emu.X86_REG_EBX); ebx != 1 {
		t.Errorf("ebx = %d", ebx)
	}
}

func TestStopFromHook(t *testing.T) {
	e := testEngine(t, []byte{0x40, 0x40, 0x40, 0xc3})
	fired := 0
	_, err := e.HookAdd(emu.HOOK_CODE, emu.CodeHook(
		func(e *emu.Engine, addr uint64, size uint32, data any) error {
			fired++
			return e.Stop()
		}), nil, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Start(codeBase, codeBase+4); err != nil {
		t.Fatal(err)
	}
	if fired != 1 {
		t.Errorf("hook fired %d times after stop", fired)
	}
	if eax := readReg(t, e, emu.X86_REG_EAX); eax != 0 {
		t.Errorf("stop should halt before the instruction runs, eax = %d", eax)
	}
}

func TestHookRangeFilter(t *testing.T) {
	e := testEngine(t, []byte{0x40, 0x40, 0x40, 0xc3})
	fired := 0
	_, err := e.HookAdd(emu.HOOK_CODE, emu.CodeHook(
		func(e *emu.Engine, addr uint64, size uint32, data any) error {
			fired++
			return nil
		}), nil, codeBase+1, codeBase+1)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Start(codeBase, codeBase+4); err != nil {
		t.Fatal(err)
	}
	if fired != 1 {
		t.Errorf("range-limited hook fired %d times, want 1", fired)
	}
}
