package emutest

import (
	"testing"

	"github.com/virthook/virthook/emu"
)

func TestPortHooks(t *testing.T) {
	// in al, 0x10; out 0x20, al; ret
	e := testEngine(t, []byte{0xe4, 0x10, 0xe6, 0x20, 0xc3})

	_, err := e.HookAdd(emu.HOOK_INSN, emu.InHook(
		func(e *emu.Engine, port uint32, size int, data any) (uint32, error) {
			if port != 0x10 || size != 1 {
				t.Errorf("in: port=%#x size=%d", port, size)
			}
			return 0xab, nil
		}), nil, 1, 0, emu.X86_INS_IN)
	if err != nil {
		t.Fatal(err)
	}

	var outPort, outValue uint32
	_, err = e.HookAdd(emu.HOOK_INSN, emu.OutHook(
		func(e *emu.Engine, port uint32, size int, value uint32, data any) error {
			outPort, outValue = port, value
			return nil
		}), nil, 1, 0, emu.X86_INS_OUT)
	if err != nil {
		t.Fatal(err)
	}

	if err := e.Start(codeBase, codeBase+5); err != nil {
		t.Fatal(err)
	}
	if outPort != 0x20 || outValue != 0xab {
		t.Errorf("out saw port=%#x value=%#x", outPort, outValue)
	}
}

func TestInterruptHook(t *testing.T) {
	// int 0x80; ret
	e := testEngine(t, []byte{0xcd, 0x80, 0xc3})
	var intno uint32
	_, err := e.HookAdd(emu.HOOK_INTR, emu.InterruptHook(
		func(e *emu.Engine, n uint32, data any) error {
			intno = n
			return nil
		}), nil, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Start(codeBase, codeBase+3); err != nil {
		t.Fatal(err)
	}
	if intno != 0x80 {
		t.Errorf("intno = %#x", intno)
	}
}

func TestInterruptWithoutHook(t *testing.T) {
	e := testEngine(t, []byte{0xcd, 0x80, 0xc3})
	err := e.Start(codeBase, codeBase+3)
	if emu.ErrCodeOf(err) != emu.ERR_EXCEPTION {
		t.Fatalf("unhandled interrupt: %v", err)
	}
}

func TestCpuidHook(t *testing.T) {
	// cpuid; ret
	e := testEngine(t, []byte{0x0f, 0xa2, 0xc3})
	fired := 0
	_, err := e.HookAdd(emu.HOOK_INSN, emu.CpuidHook(
		func(e *emu.Engine, data any) (int, error) {
			fired++
			return 1, nil
		}), nil, 1, 0, emu.X86_INS_CPUID)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Start(codeBase, codeBase+3); err != nil {
		t.Fatal(err)
	}
	if fired != 1 {
		t.Errorf("cpuid hook fired %d times", fired)
	}
}

func TestSyscallHooks(t *testing.T) {
	// syscall; sysenter; ret
	e := testEngine(t, []byte{0x0f, 0x05, 0x0f, 0x34, 0xc3})
	syscalls, sysenters := 0, 0
	_, err := e.HookAdd(emu.HOOK_INSN, emu.SyscallHook(
		func(e *emu.Engine, data any) error {
			syscalls++
			return nil
		}), nil, 1, 0, emu.X86_INS_SYSCALL)
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.HookAdd(emu.HOOK_INSN, emu.SyscallHook(
		func(e *emu.Engine, data any) error {
			sysenters++
			return nil
		}), nil, 1, 0, emu.X86_INS_SYSENTER)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Start(codeBase, codeBase+5); err != nil {
		t.Fatal(err)
	}
	if syscalls != 1 || sysenters != 1 {
		t.Errorf("syscall=%d sysenter=%d", syscalls, sysenters)
	}
}

func TestInvalidInsnUnhandled(t *testing.T) {
	// 0xf1 has no decoding here
	e := testEngine(t, []byte{0xf1, 0xc3})
	fired := 0
	_, err := e.HookAdd(emu.HOOK_INSN_INVALID, emu.InvalidInsnHook(
		func(e *emu.Engine, data any) (bool, error) {
			fired++
			return false, nil
		}), nil, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	err = e.Start(codeBase, codeBase+2)
	if emu.ErrCodeOf(err) != emu.ERR_INSN_INVALID {
		t.Fatalf("want ERR_INSN_INVALID, got %v", err)
	}
	if fired != 1 {
		t.Errorf("invalid hook fired %d times, want 1", fired)
	}
}

func TestInvalidInsnHandled(t *testing.T) {
	e := testEngine(t, []byte{0xf1, 0x40, 0xc3})
	_, err := e.HookAdd(emu.HOOK_INSN_INVALID, emu.InvalidInsnHook(
		func(e *emu.Engine, data any) (bool, error) {
			// skip the bad byte and resume
			pc, err := e.RegRead(emu.X86_REG_EIP)
			if err != nil {
				return false, err
			}
			return true, e.RegWrite(emu.X86_REG_EIP, pc+1)
		}), nil, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Start(codeBase, codeBase+3); err != nil {
		t.Fatal(err)
	}
	if eax := readReg(t, e, emu.X86_REG_EAX); eax != 1 {
		t.Errorf("eax = %d after repaired instruction", eax)
	}
}
