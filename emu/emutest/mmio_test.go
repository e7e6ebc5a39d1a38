package emutest

import (
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"

	"github.com/virthook/virthook/emu"
)

const mmioBase = 0x4000

// mov eax, [mmioBase]; mov [mmioBase+4], eax; ret
func mmioProgram() []byte {
	code := []byte{0xa1, 0, 0, 0, 0, 0xa3, 0, 0, 0, 0, 0xc3}
	binary.LittleEndian.PutUint32(code[1:5], mmioBase)
	binary.LittleEndian.PutUint32(code[6:10], mmioBase+4)
	return code
}

func TestMmioReadWrite(t *testing.T) {
	e := testEngine(t, mmioProgram())

	type write struct {
		offset uint64
		size   int
		value  uint64
	}
	var reads []uint64
	var writes []write
	r, err := e.MmioMap(mmioBase, 0x1000,
		func(e *emu.Engine, offset uint64, size int, data any) (uint64, error) {
			reads = append(reads, offset)
			return 0x55, nil
		}, nil,
		func(e *emu.Engine, offset uint64, size int, value uint64, data any) error {
			writes = append(writes, write{offset, size, value})
			return nil
		}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if r.Read == nil || r.Write == nil {
		t.Fatal("both sides should have entries")
	}

	if err := e.Start(codeBase, codeBase+11); err != nil {
		t.Fatal(err)
	}
	if len(reads) != 1 || reads[0] != 0 {
		t.Errorf("reads: %v", reads)
	}
	if len(writes) != 1 || writes[0] != (write{4, 4, 0x55}) {
		t.Errorf("writes: %+v", writes)
	}
	if eax := readReg(t, e, emu.X86_REG_EAX); eax != 0x55 {
		t.Errorf("eax = %#x", eax)
	}
}

func TestMmioBothNil(t *testing.T) {
	e := testEngine(t, []byte{0xc3})
	if _, err := e.MmioMap(mmioBase, 0x1000, nil, nil, nil, nil); err == nil {
		t.Fatal("mapping with no callbacks should fail")
	}
}

func TestMmioSingleSide(t *testing.T) {
	e := testEngine(t, mmioProgram())
	r, err := e.MmioMap(mmioBase, 0x1000,
		func(e *emu.Engine, offset uint64, size int, data any) (uint64, error) {
			return 1, nil
		}, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if r.Read == nil || r.Write != nil {
		t.Fatalf("entries: read=%v write=%v", r.Read, r.Write)
	}

	// the store to a read-only range faults
	err = e.Start(codeBase, codeBase+11)
	if emu.ErrCodeOf(err) != emu.ERR_WRITE_PROT {
		t.Fatalf("store to read-only mmio: %v", err)
	}
}

func TestMmioCallbackError(t *testing.T) {
	e := testEngine(t, mmioProgram())
	boom := errors.New("device error")
	_, err := e.MmioMap(mmioBase, 0x1000,
		func(e *emu.Engine, offset uint64, size int, data any) (uint64, error) {
			return 0x77, boom
		}, nil,
		func(e *emu.Engine, offset uint64, size int, value uint64, data any) error {
			return nil
		}, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = e.Start(codeBase, codeBase+11)
	if !errors.Is(err, boom) {
		t.Fatalf("want callback error from Start, got %v", err)
	}
	// the failed read must yield zero, not the callback's return value
	if eax := readReg(t, e, emu.X86_REG_EAX); eax != 0 {
		t.Errorf("eax = %#x after failed mmio read", eax)
	}
}

func TestMmioUnmap(t *testing.T) {
	e := testEngine(t, []byte{0xc3})
	r, err := e.MmioMap(mmioBase, 0x1000,
		func(e *emu.Engine, offset uint64, size int, data any) (uint64, error) {
			return 0, nil
		}, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.MmioUnmap(r); err != nil {
		t.Fatal(err)
	}
	if err := e.MmioUnmap(r); err != nil {
		t.Errorf("second unmap: %v", err)
	}
	if err := e.MmioUnmap(nil); err != nil {
		t.Errorf("nil unmap: %v", err)
	}
	regions, err := e.MemRegions()
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range regions {
		if m.Begin == mmioBase {
			t.Errorf("mmio region still mapped: %+v", m)
		}
	}
}
