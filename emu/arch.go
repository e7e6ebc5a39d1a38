package emu

// Constants in this file mirror the engine's C ABI. The emutest backend
// reuses the same values so hook and control plumbing is identical across
// backends.

type Arch int

const (
	ARCH_ARM Arch = iota + 1
	ARCH_ARM64
	ARCH_MIPS
	ARCH_X86
	ARCH_PPC
	ARCH_SPARC
	ARCH_M68K
	ARCH_RISCV
	ARCH_S390X
	ARCH_TRICORE
	ARCH_MAX
)

type Mode int

const (
	MODE_LITTLE_ENDIAN Mode = 0
	MODE_BIG_ENDIAN    Mode = 1 << 30

	MODE_ARM   Mode = 0
	MODE_THUMB Mode = 1 << 4

	MODE_16 Mode = 1 << 1
	MODE_32 Mode = 1 << 2
	MODE_64 Mode = 1 << 3
)

// memory permission bits, ORed together
const (
	PROT_NONE  = 0
	PROT_READ  = 1
	PROT_WRITE = 2
	PROT_EXEC  = 4
	PROT_ALL   = PROT_READ | PROT_WRITE | PROT_EXEC
)

// MemType describes the access kind passed to memory hooks.
type MemType int

const (
	MEM_READ MemType = iota + 16
	MEM_WRITE
	MEM_FETCH
	MEM_READ_UNMAPPED
	MEM_WRITE_UNMAPPED
	MEM_FETCH_UNMAPPED
	MEM_WRITE_PROT
	MEM_READ_PROT
	MEM_FETCH_PROT
	MEM_READ_AFTER
)

// HookType selects the trigger condition for HookAdd. The memory bits may
// be ORed together within their category.
type HookType int

const (
	HOOK_INTR HookType = 1 << iota
	HOOK_INSN
	HOOK_CODE
	HOOK_BLOCK
	HOOK_MEM_READ_UNMAPPED
	HOOK_MEM_WRITE_UNMAPPED
	HOOK_MEM_FETCH_UNMAPPED
	HOOK_MEM_READ_PROT
	HOOK_MEM_WRITE_PROT
	HOOK_MEM_FETCH_PROT
	HOOK_MEM_READ
	HOOK_MEM_WRITE
	HOOK_MEM_FETCH
	HOOK_MEM_READ_AFTER
	HOOK_INSN_INVALID
	HOOK_EDGE_GENERATED
	HOOK_TCG_OPCODE
	HOOK_TLB_FILL

	HOOK_MEM_UNMAPPED = HOOK_MEM_READ_UNMAPPED | HOOK_MEM_WRITE_UNMAPPED | HOOK_MEM_FETCH_UNMAPPED
	HOOK_MEM_PROT     = HOOK_MEM_READ_PROT | HOOK_MEM_WRITE_PROT | HOOK_MEM_FETCH_PROT
	HOOK_MEM_INVALID  = HOOK_MEM_UNMAPPED | HOOK_MEM_PROT
	HOOK_MEM_VALID    = HOOK_MEM_READ | HOOK_MEM_WRITE | HOOK_MEM_FETCH
)

// Query selects a value for Engine.Query.
type Query int

const (
	QUERY_MODE Query = iota + 1
	QUERY_PAGE_SIZE
	QUERY_ARCH
	QUERY_TIMEOUT
)

// TLBMode selects the engine's address translation strategy.
type TLBMode int

const (
	// TLB_CPU uses the architecture's own MMU emulation.
	TLB_CPU TLBMode = iota
	// TLB_VIRTUAL routes every translation miss to TLB_FILL hooks.
	TLB_VIRTUAL
)

// NoTLBMapping is returned from a TLB-fill callback to signal that the
// virtual address has no translation. Any other value is split into a
// physical page address (upper bits) and PROT_* permission bits.
const NoTLBMapping = ^uint64(0)

// tcg sub-opcode and operand flags for HOOK_TCG_OPCODE extra args
const (
	TCG_OP_SUB = 0

	TCG_OP_FLAG_CMP    = 1
	TCG_OP_FLAG_DIRECT = 2
)

// x86 instruction identifiers accepted by HOOK_INSN
const (
	X86_INS_IN       = 217
	X86_INS_OUT      = 500
	X86_INS_SYSCALL  = 699
	X86_INS_SYSENTER = 700
	X86_INS_CPUID    = 219
)

// ARM64 instruction identifiers accepted by HOOK_INSN
const (
	ARM64_INS_MRS = iota + 1
	ARM64_INS_MSR
	ARM64_INS_SYS
	ARM64_INS_SYSL
)

// x86 register identifiers (subset used by the structured register forms,
// the emutest backend and the tracer)
const (
	X86_REG_EAX    = 19
	X86_REG_EBP    = 20
	X86_REG_EBX    = 21
	X86_REG_ECX    = 22
	X86_REG_EDI    = 23
	X86_REG_EDX    = 24
	X86_REG_EFLAGS = 25
	X86_REG_EIP    = 26
	X86_REG_ESI    = 29
	X86_REG_ESP    = 30

	X86_REG_IDTR  = 234
	X86_REG_GDTR  = 235
	X86_REG_LDTR  = 236
	X86_REG_TR    = 237
	X86_REG_FPCW  = 238
	X86_REG_FPTAG = 239
	X86_REG_MSR   = 240
)

// ARM and ARM64 coprocessor register identifiers used by the structured
// register forms.
const (
	ARM_REG_CP_REG   = 151
	ARM64_REG_CP_REG = 290
)
