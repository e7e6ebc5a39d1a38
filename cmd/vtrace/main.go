// vtrace loads a flat x86-32 binary into an engine and traces its
// execution: one line per basic block or instruction, colored when
// stdout is a terminal, with an optional interactive stepper.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/mgutz/ansi"
	"github.com/pkg/errors"

	"github.com/virthook/virthook/emu"
	"github.com/virthook/virthook/emu/emutest"
	"github.com/virthook/virthook/emu/native"
)

type tracer struct {
	eng *emu.Engine
	out io.Writer

	color  bool
	blocks bool

	addrColor func(string) string
	memColor  func(string) string
	sysColor  func(string) string
}

func (t *tracer) paint(f func(string) string, s string) string {
	if !t.color {
		return s
	}
	return f(s)
}

func (t *tracer) install() error {
	codeType := emu.HOOK_CODE
	if t.blocks {
		codeType = emu.HOOK_BLOCK
	}
	_, err := t.eng.HookAdd(codeType, emu.CodeHook(
		func(e *emu.Engine, addr uint64, size uint32, data any) error {
			mem, err := e.MemRead(addr, uint64(size))
			if err != nil {
				return err
			}
			fmt.Fprintf(t.out, "%s  %s\n",
				t.paint(t.addrColor, fmt.Sprintf("%08x", addr)),
				hex.EncodeToString(mem))
			return nil
		}), nil, 1, 0)
	if err != nil {
		return err
	}
	_, err = t.eng.HookAdd(emu.HOOK_MEM_READ|emu.HOOK_MEM_WRITE, emu.MemHook(
		func(e *emu.Engine, access emu.MemType, addr uint64, size int, value int64, data any) error {
			dir := "r"
			if access == emu.MEM_WRITE {
				dir = "w"
			}
			fmt.Fprintf(t.out, "%s %s %#x %d %#x\n",
				t.paint(t.memColor, "mem"), dir, addr, size, value)
			return nil
		}), nil, 1, 0)
	if err != nil {
		return err
	}
	_, err = t.eng.HookAdd(emu.HOOK_INTR, emu.InterruptHook(
		func(e *emu.Engine, intno uint32, data any) error {
			fmt.Fprintf(t.out, "%s %d\n", t.paint(t.sysColor, "int"), intno)
			return nil
		}), nil, 1, 0)
	return err
}

var x86Regs = []struct {
	name string
	id   int
}{
	{"eax", emu.X86_REG_EAX}, {"ebx", emu.X86_REG_EBX},
	{"ecx", emu.X86_REG_ECX}, {"edx", emu.X86_REG_EDX},
	{"esi", emu.X86_REG_ESI}, {"edi", emu.X86_REG_EDI},
	{"esp", emu.X86_REG_ESP}, {"ebp", emu.X86_REG_EBP},
	{"eip", emu.X86_REG_EIP},
}

func (t *tracer) printRegs() {
	for i, r := range x86Regs {
		val, _ := t.eng.RegRead(r.id)
		sep := "  "
		if (i+1)%3 == 0 || i == len(x86Regs)-1 {
			sep = "\n"
		}
		fmt.Fprintf(t.out, "%s=%08x%s", r.name, val, sep)
	}
}

func (t *tracer) repl(pc, until uint64) error {
	rl, err := readline.New("vtrace> ")
	if err != nil {
		return err
	}
	defer rl.Close()
	for {
		line, err := rl.Readline()
		if err != nil {
			// ^C and ^D both leave the repl
			return nil
		}
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		switch args[0] {
		case "s", "step":
			if err := t.eng.StartWithOptions(pc, until, 0, 1); err != nil {
				fmt.Fprintf(t.out, "error: %s\n", err)
			}
			pc, _ = t.eng.RegRead(emu.X86_REG_EIP)
		case "c", "continue":
			if err := t.eng.Start(pc, until); err != nil {
				fmt.Fprintf(t.out, "error: %s\n", err)
			}
			pc, _ = t.eng.RegRead(emu.X86_REG_EIP)
		case "r", "regs":
			t.printRegs()
		case "x", "read":
			if len(args) < 2 {
				fmt.Fprintln(t.out, "usage: x <addr> [len]")
				continue
			}
			addr, err := strconv.ParseUint(strings.TrimPrefix(args[1], "0x"), 16, 64)
			if err != nil {
				fmt.Fprintf(t.out, "bad address: %s\n", args[1])
				continue
			}
			size := uint64(64)
			if len(args) > 2 {
				if n, err := strconv.ParseUint(args[2], 0, 32); err == nil {
					size = n
				}
			}
			mem, err := t.eng.MemRead(addr, size)
			if err != nil {
				fmt.Fprintf(t.out, "error: %s\n", err)
				continue
			}
			fmt.Fprint(t.out, hex.Dump(mem))
		case "q", "quit", "exit":
			return nil
		default:
			fmt.Fprintln(t.out, "commands: step continue regs x quit")
		}
	}
}

func open(backend string) (*emu.Engine, error) {
	switch backend {
	case "native":
		return native.Open(emu.ARCH_X86, emu.MODE_32)
	case "sim":
		return emutest.Open(emu.ARCH_X86, emu.MODE_32)
	}
	return nil, errors.Errorf("unknown backend %q (want native or sim)", backend)
}

func run() error {
	fs := flag.NewFlagSet("vtrace", flag.ExitOnError)
	backend := fs.String("backend", "sim", "engine backend: native or sim")
	base := fs.Uint64("base", 0x1000, "load address")
	count := fs.Uint64("count", 0, "max instructions (0 = unlimited)")
	timeout := fs.Duration("timeout", 0, "run timeout (0 = none)")
	blocks := fs.Bool("blocks", false, "trace blocks instead of instructions")
	interactive := fs.Bool("i", false, "interactive stepping")
	noColor := fs.Bool("no-color", false, "disable colors")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [options] <flat binary>\n", os.Args[0])
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[1:])
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}

	code, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}

	eng, err := open(*backend)
	if err != nil {
		return err
	}
	defer eng.Close()

	t := &tracer{
		eng:       eng,
		out:       colorable.NewColorableStdout(),
		color:     isatty.IsTerminal(os.Stdout.Fd()) && !*noColor,
		blocks:    *blocks,
		addrColor: ansi.ColorFunc("cyan"),
		memColor:  ansi.ColorFunc("yellow"),
		sysColor:  ansi.ColorFunc("red+b"),
	}

	pageSize, err := eng.Query(emu.QUERY_PAGE_SIZE)
	if err != nil {
		return err
	}
	mapLen := (uint64(len(code)) + pageSize - 1) &^ (pageSize - 1)
	if mapLen == 0 {
		mapLen = pageSize
	}
	if err := eng.MemMap(*base, mapLen); err != nil {
		return errors.Wrap(err, "mapping code")
	}
	if err := eng.MemWrite(*base, code); err != nil {
		return errors.Wrap(err, "loading code")
	}
	if err := t.install(); err != nil {
		return errors.Wrap(err, "installing hooks")
	}

	until := *base + uint64(len(code))
	if *interactive {
		return t.repl(*base, until)
	}
	err = eng.StartWithOptions(*base, until, *timeout, *count)
	t.printRegs()
	return err
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}
