package emutest

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/virthook/virthook/emu"
)

const dataBase = 0x2000

func TestMemReadWrite(t *testing.T) {
	e := testEngine(t, []byte{0xc3})
	want := []byte{1, 2, 3, 4, 5}
	if err := e.MemWrite(codeBase+0x100, want); err != nil {
		t.Fatal(err)
	}
	got, err := e.MemRead(codeBase+0x100, uint64(len(want)))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("read back % x", got)
	}

	if _, err := e.MemRead(0x9000, 4); emu.ErrCodeOf(err) != emu.ERR_READ_UNMAPPED {
		t.Errorf("unmapped read: %v", err)
	}
	if err := e.MemWrite(0x9000, want); emu.ErrCodeOf(err) != emu.ERR_WRITE_UNMAPPED {
		t.Errorf("unmapped write: %v", err)
	}
}

func TestMemMapErrors(t *testing.T) {
	e := testEngine(t, []byte{0xc3})
	if err := e.MemMap(codeBase, 0x1000); emu.ErrCodeOf(err) != emu.ERR_MAP {
		t.Errorf("overlapping map: %v", err)
	}
	if err := e.MemMap(0x5001, 0x1000); emu.ErrCodeOf(err) != emu.ERR_ARG {
		t.Errorf("unaligned map: %v", err)
	}
	if err := e.MemUnmap(0x7000, 0x1000); emu.ErrCodeOf(err) != emu.ERR_ARG {
		t.Errorf("unmapping nothing: %v", err)
	}
}

func TestMemRegions(t *testing.T) {
	e := testEngine(t, []byte{0xc3})
	if err := e.MemMapProt(dataBase, 0x2000, emu.PROT_READ); err != nil {
		t.Fatal(err)
	}
	regions, err := e.MemRegions()
	if err != nil {
		t.Fatal(err)
	}
	if len(regions) != 2 {
		t.Fatalf("regions: %+v", regions)
	}
	if regions[0].Begin != codeBase || regions[0].End != codeBase+0xfff {
		t.Errorf("code region: %+v", regions[0])
	}
	if regions[1].Begin != dataBase || regions[1].Prot != emu.PROT_READ {
		t.Errorf("data region: %+v", regions[1])
	}
}

func TestMemMapPtrAliasesHost(t *testing.T) {
	e := testEngine(t, []byte{0xc3})
	host := make([]byte, 0x1000)
	if err := e.MemMapPtr(dataBase, host, emu.PROT_ALL); err != nil {
		t.Fatal(err)
	}
	host[5] = 0x7f
	got, err := e.MemRead(dataBase+5, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != 0x7f {
		t.Errorf("guest does not see host write: %#x", got[0])
	}
	if err := e.MemWrite(dataBase+6, []byte{0x55}); err != nil {
		t.Fatal(err)
	}
	if host[6] != 0x55 {
		t.Errorf("host does not see guest write: %#x", host[6])
	}
}

// mov eax, [dataBase]; ret
func loadProgram() []byte {
	code := []byte{0xa1, 0, 0, 0, 0, 0xc3}
	binary.LittleEndian.PutUint32(code[1:5], dataBase)
	return code
}

// mov [dataBase], eax; ret
func storeProgram() []byte {
	code := []byte{0xa3, 0, 0, 0, 0, 0xc3}
	binary.LittleEndian.PutUint32(code[1:5], dataBase)
	return code
}

// mov eax, [addr]; ret
func loadProgramAt(addr uint32) []byte {
	code := []byte{0xa1, 0, 0, 0, 0, 0xc3}
	binary.LittleEndian.PutUint32(code[1:5], addr)
	return code
}

// mov [addr], eax; ret
func storeProgramAt(addr uint32) []byte {
	code := []byte{0xa3, 0, 0, 0, 0, 0xc3}
	binary.LittleEndian.PutUint32(code[1:5], addr)
	return code
}

func TestLoadPastRegionEnd(t *testing.T) {
	e := testEngine(t, loadProgramAt(dataBase+0xffd))
	if err := e.MemMap(dataBase, 0x1000); err != nil {
		t.Fatal(err)
	}

	var faultAddr uint64
	_, err := e.HookAdd(emu.HOOK_MEM_READ_UNMAPPED, emu.MemFaultHook(
		func(e *emu.Engine, kind emu.MemType, addr uint64, size int, value int64, data any) (bool, error) {
			faultAddr = addr
			return false, nil
		}), nil, 1, 0)
	if err != nil {
		t.Fatal(err)
	}

	err = e.Start(codeBase, codeBase+6)
	if emu.ErrCodeOf(err) != emu.ERR_READ_UNMAPPED {
		t.Fatalf("want ERR_READ_UNMAPPED, got %v", err)
	}
	if faultAddr != dataBase+0x1000 {
		t.Errorf("fault at %#x, want start of unmapped tail", faultAddr)
	}
}

func TestStorePastRegionEnd(t *testing.T) {
	e := testEngine(t, storeProgramAt(dataBase+0xffd))
	if err := e.MemMap(dataBase, 0x1000); err != nil {
		t.Fatal(err)
	}
	if err := e.RegWrite(emu.X86_REG_EAX, 0xdeadbeef); err != nil {
		t.Fatal(err)
	}

	err := e.Start(codeBase, codeBase+6)
	if emu.ErrCodeOf(err) != emu.ERR_WRITE_UNMAPPED {
		t.Fatalf("want ERR_WRITE_UNMAPPED, got %v", err)
	}
	got, err := e.MemRead(dataBase+0xffd, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{0, 0, 0}) {
		t.Errorf("partial write landed: % x", got)
	}

	if err := e.MemMap(dataBase+0x1000, 0x1000); err != nil {
		t.Fatal(err)
	}
	if err := e.Start(codeBase, codeBase+6); err != nil {
		t.Fatalf("store after mapping the tail: %v", err)
	}
	got, err = e.MemRead(dataBase+0xffd, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{0xef, 0xbe, 0xad, 0xde}) {
		t.Errorf("straddled store: % x", got)
	}
}

func TestLoadAcrossAdjacentRegions(t *testing.T) {
	e := testEngine(t, loadProgramAt(dataBase+0xffe))
	if err := e.MemMap(dataBase, 0x1000); err != nil {
		t.Fatal(err)
	}
	if err := e.MemMap(dataBase+0x1000, 0x1000); err != nil {
		t.Fatal(err)
	}
	if err := e.MemWrite(dataBase+0xffe, []byte{0xef, 0xbe, 0xad, 0xde}); err != nil {
		t.Fatal(err)
	}

	if err := e.Start(codeBase, codeBase+6); err != nil {
		t.Fatal(err)
	}
	if eax := readReg(t, e, emu.X86_REG_EAX); eax != 0xdeadbeef {
		t.Errorf("eax = %#x", eax)
	}
}

func TestMemValidHooks(t *testing.T) {
	e := testEngine(t, loadProgram())
	if err := e.MemMap(dataBase, 0x1000); err != nil {
		t.Fatal(err)
	}
	if err := e.MemWrite(dataBase, []byte{0xef, 0xbe, 0xad, 0xde}); err != nil {
		t.Fatal(err)
	}

	type access struct {
		kind  emu.MemType
		addr  uint64
		size  int
		value int64
	}
	var seen []access
	_, err := e.HookAdd(emu.HOOK_MEM_READ|emu.HOOK_MEM_WRITE, emu.MemHook(
		func(e *emu.Engine, kind emu.MemType, addr uint64, size int, value int64, data any) error {
			seen = append(seen, access{kind, addr, size, value})
			return nil
		}), nil, 1, 0)
	if err != nil {
		t.Fatal(err)
	}

	if err := e.Start(codeBase, codeBase+6); err != nil {
		t.Fatal(err)
	}
	if eax := readReg(t, e, emu.X86_REG_EAX); eax != 0xdeadbeef {
		t.Errorf("eax = %#x", eax)
	}
	if len(seen) != 1 {
		t.Fatalf("accesses: %+v", seen)
	}
	if seen[0].kind != emu.MEM_READ || seen[0].addr != dataBase || seen[0].size != 4 {
		t.Errorf("read access: %+v", seen[0])
	}
}

func TestMemFaultHandled(t *testing.T) {
	e := testEngine(t, loadProgram())

	faults := 0
	_, err := e.HookAdd(emu.HOOK_MEM_READ_UNMAPPED, emu.MemFaultHook(
		func(e *emu.Engine, kind emu.MemType, addr uint64, size int, value int64, data any) (bool, error) {
			faults++
			if kind != emu.MEM_READ_UNMAPPED || addr != dataBase {
				t.Errorf("fault: kind=%d addr=%#x", kind, addr)
			}
			if err := e.MemMap(dataBase, 0x1000); err != nil {
				return false, err
			}
			if err := e.MemWrite(dataBase, []byte{0x2a, 0, 0, 0}); err != nil {
				return false, err
			}
			return true, nil
		}), nil, 1, 0)
	if err != nil {
		t.Fatal(err)
	}

	if err := e.Start(codeBase, codeBase+6); err != nil {
		t.Fatal(err)
	}
	if faults != 1 {
		t.Errorf("fault hook fired %d times", faults)
	}
	if eax := readReg(t, e, emu.X86_REG_EAX); eax != 0x2a {
		t.Errorf("eax = %#x after repaired fault", eax)
	}
}

func TestMemFaultUnhandled(t *testing.T) {
	e := testEngine(t, loadProgram())
	_, err := e.HookAdd(emu.HOOK_MEM_READ_UNMAPPED, emu.MemFaultHook(
		func(e *emu.Engine, kind emu.MemType, addr uint64, size int, value int64, data any) (bool, error) {
			return false, nil
		}), nil, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	err = e.Start(codeBase, codeBase+6)
	if emu.ErrCodeOf(err) != emu.ERR_READ_UNMAPPED {
		t.Fatalf("want ERR_READ_UNMAPPED, got %v", err)
	}
	if e.Errno() != emu.ERR_READ_UNMAPPED {
		t.Errorf("errno = %d", e.Errno())
	}
}

func TestMemProtectEnforced(t *testing.T) {
	e := testEngine(t, storeProgram())
	if err := e.MemMapProt(dataBase, 0x1000, emu.PROT_READ); err != nil {
		t.Fatal(err)
	}
	err := e.Start(codeBase, codeBase+6)
	if emu.ErrCodeOf(err) != emu.ERR_WRITE_PROT {
		t.Fatalf("want ERR_WRITE_PROT, got %v", err)
	}

	if err := e.MemProtect(dataBase, 0x1000, emu.PROT_READ|emu.PROT_WRITE); err != nil {
		t.Fatal(err)
	}
	if err := e.Start(codeBase, codeBase+6); err != nil {
		t.Errorf("store after protect: %v", err)
	}
}
