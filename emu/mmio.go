package emu

import (
	"github.com/pkg/errors"
)

// MmioRange is a mapped MMIO region plus the hook entries backing it.
// Sides without a callback are nil.
type MmioRange struct {
	Addr  uint64
	Size  uint64
	Read  *Hook
	Write *Hook
}

// MmioMap maps [addr, addr+size) so loads and stores are serviced by
// callbacks instead of backing storage. Either callback may be nil, but
// not both. If the engine rejects the mapping, any entries built for it
// are released before returning.
func (e *Engine) MmioMap(addr, size uint64, read MMIOReadHook, rdata any, write MMIOWriteHook, wdata any) (*MmioRange, error) {
	if err := e.live(); err != nil {
		return nil, err
	}
	if read == nil && write == nil {
		return nil, errors.New("mmio map needs a read or write callback")
	}

	r := &MmioRange{Addr: addr, Size: size}
	var rawRead RawMMIORead
	var rawWrite RawMMIOWrite

	if read != nil {
		h := &Hook{eng: e, cb: read, data: rdata}
		cb := read
		rawRead = func(offset uint64, size int) uint64 {
			var val uint64
			h.run(func() error {
				v, err := cb(e, offset, size, h.data)
				if err != nil {
					return err
				}
				val = v
				return nil
			})
			return val
		}
		r.Read = h
	}
	if write != nil {
		h := &Hook{eng: e, cb: write, data: wdata}
		cb := write
		rawWrite = func(offset uint64, size int, value uint64) {
			h.run(func() error { return cb(e, offset, size, value, h.data) })
		}
		r.Write = h
	}

	if err := e.backend.MmioMap(addr, size, rawRead, rawWrite); err != nil {
		r.Read.clear()
		r.Write.clear()
		return nil, err
	}
	if r.Read != nil {
		e.hooks[r.Read] = struct{}{}
	}
	if r.Write != nil {
		e.hooks[r.Write] = struct{}{}
	}
	return r, nil
}

// MmioUnmap removes the region and exactly the entries MmioMap created
// for it. Safe to call twice.
func (e *Engine) MmioUnmap(r *MmioRange) error {
	if r == nil || (r.Read == nil && r.Write == nil) {
		return nil
	}
	if err := e.live(); err != nil {
		return err
	}
	err := e.backend.MemUnmap(r.Addr, r.Size)
	// MMIO hooks have no standalone native handle; clearing the entries is
	// enough once the range is gone.
	if r.Read != nil {
		r.Read.Release()
		r.Read = nil
	}
	if r.Write != nil {
		r.Write.Release()
		r.Write = nil
	}
	return err
}
