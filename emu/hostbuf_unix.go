//go:build unix

package emu

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// HostBuffer is page-aligned host memory suitable for MemMapPtr. Mmap'd
// storage never moves, so the engine can safely keep writing through it
// for the lifetime of the mapping.
type HostBuffer struct {
	Mem []byte
}

// NewHostBuffer allocates size bytes of page-aligned anonymous memory.
func NewHostBuffer(size uint64) (*HostBuffer, error) {
	mem, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrap(err, "mmap host buffer")
	}
	return &HostBuffer{Mem: mem}, nil
}

// Free releases the buffer. The caller must unmap it from every engine
// first.
func (b *HostBuffer) Free() error {
	if b == nil || b.Mem == nil {
		return nil
	}
	mem := b.Mem
	b.Mem = nil
	return errors.Wrap(unix.Munmap(mem), "munmap host buffer")
}
