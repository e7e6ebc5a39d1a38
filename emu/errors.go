package emu

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrCode mirrors the engine's native error classification.
type ErrCode int

const (
	ERR_OK ErrCode = iota
	ERR_NOMEM
	ERR_ARCH
	ERR_HANDLE
	ERR_MODE
	ERR_VERSION
	ERR_READ_UNMAPPED
	ERR_WRITE_UNMAPPED
	ERR_FETCH_UNMAPPED
	ERR_HOOK
	ERR_INSN_INVALID
	ERR_MAP
	ERR_WRITE_PROT
	ERR_READ_PROT
	ERR_FETCH_PROT
	ERR_ARG
	ERR_READ_UNALIGNED
	ERR_WRITE_UNALIGNED
	ERR_FETCH_UNALIGNED
	ERR_HOOK_EXIST
	ERR_RESOURCE
	ERR_EXCEPTION
	ERR_OVERFLOW
)

var errStrings = map[ErrCode]string{
	ERR_OK:              "OK (no error)",
	ERR_NOMEM:           "No memory available or memory not present",
	ERR_ARCH:            "Invalid/unsupported architecture",
	ERR_HANDLE:          "Invalid handle",
	ERR_MODE:            "Invalid mode",
	ERR_VERSION:         "Different API version between core & binding",
	ERR_READ_UNMAPPED:   "Invalid memory read",
	ERR_WRITE_UNMAPPED:  "Invalid memory write",
	ERR_FETCH_UNMAPPED:  "Invalid memory fetch",
	ERR_HOOK:            "Invalid hook type",
	ERR_INSN_INVALID:    "Invalid instruction",
	ERR_MAP:             "Invalid memory mapping",
	ERR_WRITE_PROT:      "Write to write-protected memory",
	ERR_READ_PROT:       "Read from non-readable memory",
	ERR_FETCH_PROT:      "Fetch from non-executable memory",
	ERR_ARG:             "Invalid argument",
	ERR_READ_UNALIGNED:  "Read from unaligned memory",
	ERR_WRITE_UNALIGNED: "Write to unaligned memory",
	ERR_FETCH_UNALIGNED: "Fetch from unaligned memory",
	ERR_HOOK_EXIST:      "Hook for this type event already exists",
	ERR_RESOURCE:        "Insufficient resource",
	ERR_EXCEPTION:       "Unhandled CPU exception",
	ERR_OVERFLOW:        "Provided buffer is too small",
}

// Strerror returns the engine's human-readable message for a code.
func Strerror(code ErrCode) string {
	if s, ok := errStrings[code]; ok {
		return s
	}
	return fmt.Sprintf("Unknown error code: %d", code)
}

// EngineError is a failure reported by the engine itself, carrying the
// native classification and the engine's message for it.
type EngineError struct {
	Code ErrCode
	Msg  string
}

func (e *EngineError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return Strerror(e.Code)
}

// Is lets errors.Is match an *EngineError against another by code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && t.Code == e.Code
}

// NewEngineError builds the caller-visible failure for a native code.
// ERR_OK maps to nil.
func NewEngineError(code ErrCode) error {
	if code == ERR_OK {
		return nil
	}
	return &EngineError{Code: code, Msg: Strerror(code)}
}

// ErrCodeOf extracts the native classification from an error chain,
// or ERR_OK if the error did not come from the engine.
func ErrCodeOf(err error) ErrCode {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ERR_OK
}

// errHook reports an unsupported hook type/argument combination. Raised at
// registration time, never deferred to execution.
func errHook() error { return NewEngineError(ERR_HOOK) }
