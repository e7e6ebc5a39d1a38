package emu

import "fmt"

// TranslationBlock describes one cached block of translated guest code.
type TranslationBlock struct {
	// PC is the guest address the block starts at.
	PC uint64
	// ICount is the number of guest instructions in the block.
	ICount uint32
	// Size is the block's guest code size in bytes.
	Size uint32
}

func (tb *TranslationBlock) String() string {
	return fmt.Sprintf("tb[0x%x +0x%x %d insns]", tb.PC, tb.Size, tb.ICount)
}

// blockFromRecord converts the engine's raw record. A nil record means no
// cached block, reported as nil rather than a zeroed descriptor: zero is a
// valid start address.
func blockFromRecord(rec *TBRecord) *TranslationBlock {
	if rec == nil {
		return nil
	}
	return &TranslationBlock{PC: rec.PC, ICount: rec.ICount, Size: rec.Size}
}
