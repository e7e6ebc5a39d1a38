package emutest

import (
	"sort"

	"github.com/virthook/virthook/emu"
)

// page is one mapped run of guest memory. Host-backed pages alias the
// caller's buffer instead of owning storage.
type page struct {
	addr uint64
	size uint64
	prot int
	data []byte
	mmio bool
}

func (p *page) contains(addr uint64) bool {
	return addr >= p.addr && addr < p.addr+p.size
}

func (p *page) overlaps(addr, size uint64) bool {
	return addr < p.addr+p.size && p.addr < addr+size
}

type pages []*page

func (p pages) Len() int           { return len(p) }
func (p pages) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }
func (p pages) Less(i, j int) bool { return p[i].addr < p[j].addr }

func (p pages) find(addr uint64) *page {
	for _, pg := range p {
		if pg.contains(addr) {
			return pg
		}
	}
	return nil
}

func (b *Backend) pageAligned(addr, size uint64) bool {
	mask := uint64(b.pageSize) - 1
	return addr&mask == 0 && size&mask == 0 && size > 0
}

func (b *Backend) mapPage(pg *page) error {
	if !b.pageAligned(pg.addr, pg.size) {
		return emu.NewEngineError(emu.ERR_ARG)
	}
	for _, old := range b.pages {
		if old.overlaps(pg.addr, pg.size) {
			return emu.NewEngineError(emu.ERR_MAP)
		}
	}
	b.pages = append(b.pages, pg)
	sort.Sort(b.pages)
	return nil
}

// splitPage carves [addr, addr+size) out of pg, returning the survivors.
func splitPage(pg *page, addr, size uint64) pages {
	var out pages
	end := addr + size
	pgEnd := pg.addr + pg.size
	if pg.addr < addr {
		left := &page{addr: pg.addr, size: addr - pg.addr, prot: pg.prot, mmio: pg.mmio}
		if pg.data != nil {
			left.data = pg.data[:left.size]
		}
		out = append(out, left)
	}
	if end < pgEnd {
		right := &page{addr: end, size: pgEnd - end, prot: pg.prot, mmio: pg.mmio}
		if pg.data != nil {
			right.data = pg.data[end-pg.addr:]
		}
		out = append(out, right)
	}
	return out
}

func (b *Backend) unmapRange(addr, size uint64) error {
	if !b.pageAligned(addr, size) {
		return emu.NewEngineError(emu.ERR_ARG)
	}
	found := false
	var keep pages
	for _, pg := range b.pages {
		if !pg.overlaps(addr, size) {
			keep = append(keep, pg)
			continue
		}
		found = true
		keep = append(keep, splitPage(pg, addr, size)...)
	}
	if !found {
		return emu.NewEngineError(emu.ERR_ARG)
	}
	b.pages = keep
	sort.Sort(b.pages)
	var mmio []*mmioRange
	for _, r := range b.mmio {
		if !(addr < r.addr+r.size && r.addr < addr+size) {
			mmio = append(mmio, r)
		}
	}
	b.mmio = mmio
	return nil
}

func (b *Backend) protRange(addr, size uint64, prot int) error {
	if !b.pageAligned(addr, size) {
		return emu.NewEngineError(emu.ERR_ARG)
	}
	for _, pg := range b.pages {
		if !pg.overlaps(addr, size) {
			continue
		}
		if pg.addr < addr || pg.addr+pg.size > addr+size {
			// split so only the requested range changes
			rest := splitPage(pg, addr, size)
			lo, hi := pg.addr, pg.addr+pg.size
			if lo < addr {
				lo = addr
			}
			if hi > addr+size {
				hi = addr + size
			}
			mid := &page{addr: lo, size: hi - lo, prot: prot, mmio: pg.mmio}
			if pg.data != nil {
				mid.data = pg.data[lo-pg.addr : hi-pg.addr]
			}
			var keep pages
			for _, other := range b.pages {
				if other != pg {
					keep = append(keep, other)
				}
			}
			b.pages = append(append(keep, rest...), mid)
			sort.Sort(b.pages)
			return b.protRange(addr, size, prot)
		}
		pg.prot = prot
	}
	return nil
}

// raw reads and writes ignore protections, like the engine's debug
// accessors do.
func (b *Backend) memRead(addr uint64, p []byte) error {
	for len(p) > 0 {
		pg := b.pages.find(addr)
		if pg == nil || pg.data == nil {
			return emu.NewEngineError(emu.ERR_READ_UNMAPPED)
		}
		o := addr - pg.addr
		n := copy(p, pg.data[o:])
		p = p[n:]
		addr += uint64(n)
	}
	return nil
}

func (b *Backend) memWrite(addr uint64, p []byte) error {
	for len(p) > 0 {
		pg := b.pages.find(addr)
		if pg == nil || pg.data == nil {
			return emu.NewEngineError(emu.ERR_WRITE_UNMAPPED)
		}
		o := addr - pg.addr
		n := copy(pg.data[o:], p)
		p = p[n:]
		addr += uint64(n)
	}
	return nil
}

func (b *Backend) regions() []emu.MemRegion {
	out := make([]emu.MemRegion, 0, len(b.pages))
	for _, pg := range b.pages {
		out = append(out, emu.MemRegion{
			Begin: pg.addr,
			End:   pg.addr + pg.size - 1,
			Prot:  pg.prot,
		})
	}
	return out
}
