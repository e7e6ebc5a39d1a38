//go:build unix

package emu

import "testing"

func TestHostBuffer(t *testing.T) {
	hb, err := NewHostBuffer(0x2000)
	if err != nil {
		t.Fatal(err)
	}
	if len(hb.Mem) != 0x2000 {
		t.Fatalf("len = %#x", len(hb.Mem))
	}
	hb.Mem[0] = 0xaa
	hb.Mem[0x1fff] = 0x55
	if err := hb.Free(); err != nil {
		t.Fatal(err)
	}
	if err := hb.Free(); err != nil {
		t.Errorf("double free: %v", err)
	}
}
