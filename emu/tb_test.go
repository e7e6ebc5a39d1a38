package emu

import "testing"

func TestBlockFromRecord(t *testing.T) {
	if tb := blockFromRecord(nil); tb != nil {
		t.Fatalf("nil record should stay nil, got %+v", tb)
	}
	// zero is a valid start address, distinct from absence
	tb := blockFromRecord(&TBRecord{PC: 0, ICount: 1, Size: 4})
	if tb == nil {
		t.Fatal("zero-pc record should produce a block")
	}
	if tb.PC != 0 || tb.ICount != 1 || tb.Size != 4 {
		t.Errorf("bad conversion: %+v", tb)
	}
}
