// Package state serializes a running engine's registers and memory to a
// portable snapshot.
package state

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"

	"github.com/virthook/virthook/emu"
)

// snapshot format:
//
// file header
// uint32(format version)
// uint32(crc32 of compressed body)
// uint32(length of compressed body)
// remainder is gzip-compressed
//
// -- uncompressed body start --
// uint32(arch enum), uint32(mode enum)
//
// registers
// uint64(number of registers)
// 1..num: uint64(register enum), uint64(register value)
//
// memory
// uint64(number of mapped regions)
// 1..num: uint64(addr), uint64(len), uint32(prot), <raw memory bytes of len>

const formatVersion = 1

var packOptions = &struc.Options{Order: binary.BigEndian}

type stream struct {
	rw io.ReadWriter
}

func (s stream) pack(vals ...interface{}) error {
	for _, v := range vals {
		if err := struc.PackWithOptions(s.rw, v, packOptions); err != nil {
			return err
		}
	}
	return nil
}

func (s stream) unpack(vals ...interface{}) error {
	for _, v := range vals {
		if err := struc.UnpackWithOptions(s.rw, v, packOptions); err != nil {
			return err
		}
	}
	return nil
}

type fileHeader struct {
	Version uint32
	Crc     uint32
	Size    uint32
}

// Save captures the values of regs and every mapped region.
func Save(e *emu.Engine, regs []int) ([]byte, error) {
	var body bytes.Buffer
	s := stream{&body}

	arch, err := e.CtlGetArch()
	if err != nil {
		return nil, err
	}
	mode, err := e.CtlGetMode()
	if err != nil {
		return nil, err
	}
	if err := s.pack(uint32(arch), uint32(mode)); err != nil {
		return nil, err
	}

	if err := s.pack(uint64(len(regs))); err != nil {
		return nil, err
	}
	for _, enum := range regs {
		val, err := e.RegRead(enum)
		if err != nil {
			return nil, errors.Wrapf(err, "reading register %d", enum)
		}
		if err := s.pack(uint64(enum), val); err != nil {
			return nil, err
		}
	}

	regions, err := e.MemRegions()
	if err != nil {
		return nil, err
	}
	if err := s.pack(uint64(len(regions))); err != nil {
		return nil, err
	}
	for _, m := range regions {
		size := m.End - m.Begin + 1
		if err := s.pack(m.Begin, size, uint32(m.Prot)); err != nil {
			return nil, err
		}
		mem, err := e.MemRead(m.Begin, size)
		if err != nil {
			return nil, errors.Wrapf(err, "reading region %#x", m.Begin)
		}
		body.Write(mem)
	}

	var packed bytes.Buffer
	gz := gzip.NewWriter(&packed)
	if _, err := body.WriteTo(gz); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	data := packed.Bytes()

	var out bytes.Buffer
	s = stream{&out}
	hdr := &fileHeader{
		Version: formatVersion,
		Crc:     crc32.ChecksumIEEE(data),
		Size:    uint32(len(data)),
	}
	if err := s.pack(hdr); err != nil {
		return nil, err
	}
	out.Write(data)
	return out.Bytes(), nil
}

// Load restores a snapshot produced by Save. Regions absent from the
// engine are mapped; the engine's arch and mode must match the
// snapshot's.
func Load(e *emu.Engine, snapshot []byte) error {
	in := bytes.NewReader(snapshot)
	s := stream{readWriter{in}}

	var hdr fileHeader
	if err := s.unpack(&hdr); err != nil {
		return errors.Wrap(err, "reading snapshot header")
	}
	if hdr.Version != formatVersion {
		return errors.Errorf("unsupported snapshot version %d", hdr.Version)
	}
	data := make([]byte, hdr.Size)
	if _, err := io.ReadFull(in, data); err != nil {
		return errors.Wrap(err, "reading snapshot body")
	}
	if crc := crc32.ChecksumIEEE(data); crc != hdr.Crc {
		return errors.Errorf("snapshot checksum mismatch: %#x != %#x", crc, hdr.Crc)
	}

	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer gz.Close()
	s = stream{readWriter{gz}}

	var arch, mode uint32
	if err := s.unpack(&arch, &mode); err != nil {
		return err
	}
	curArch, err := e.CtlGetArch()
	if err != nil {
		return err
	}
	curMode, err := e.CtlGetMode()
	if err != nil {
		return err
	}
	if emu.Arch(arch) != curArch || emu.Mode(mode) != curMode {
		return errors.Errorf("snapshot is for arch %d mode %#x, engine is arch %d mode %#x",
			arch, mode, curArch, curMode)
	}

	var nregs uint64
	if err := s.unpack(&nregs); err != nil {
		return err
	}
	for i := uint64(0); i < nregs; i++ {
		var enum, val uint64
		if err := s.unpack(&enum, &val); err != nil {
			return err
		}
		if err := e.RegWrite(int(enum), val); err != nil {
			return errors.Wrapf(err, "restoring register %d", enum)
		}
	}

	mapped := make(map[uint64]bool)
	if regions, err := e.MemRegions(); err == nil {
		for _, m := range regions {
			mapped[m.Begin] = true
		}
	}
	var nregions uint64
	if err := s.unpack(&nregions); err != nil {
		return err
	}
	for i := uint64(0); i < nregions; i++ {
		var addr, size uint64
		var prot uint32
		if err := s.unpack(&addr, &size, &prot); err != nil {
			return err
		}
		mem := make([]byte, size)
		if _, err := io.ReadFull(gz, mem); err != nil {
			return errors.Wrapf(err, "reading region %#x contents", addr)
		}
		if !mapped[addr] {
			if err := e.MemMapProt(addr, size, int(prot)); err != nil {
				return errors.Wrapf(err, "mapping region %#x", addr)
			}
		}
		if err := e.MemWrite(addr, mem); err != nil {
			return errors.Wrapf(err, "restoring region %#x", addr)
		}
	}
	return nil
}

// readWriter adapts a reader for the packing helper, which wants both
// directions.
type readWriter struct {
	io.Reader
}

func (readWriter) Write(p []byte) (int, error) {
	return 0, errors.New("read-only stream")
}
