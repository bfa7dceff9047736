package x86pv

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/xenbuild/internal/boot"
)

const (
	ptePresent  = 1 << 0
	pteRW       = 1 << 1
	pteUser     = 1 << 2
	pteAccessed = 1 << 5
	pteDirty    = 1 << 6

	l1Prot = ptePresent | pteRW | pteAccessed | pteUser
	lnProt = ptePresent | pteRW | pteAccessed | pteDirty | pteUser

	entriesPerTable = 512
	entryShift      = 9
)

// Entry shifts of L4, L3, L2 and L1, top down.
var levelShifts = [...]uint64{39, 30, 21, 12}

type ptLevel struct {
	shift uint64
	// first is the index of the first table at this level, counted in units
	// of the range one table covers.
	first uint64
	count uint64
	// offset of the level's first table inside the page-table segment.
	offset uint64
}

// ptLayout describes the tables needed to map [start, end).
type ptLayout struct {
	start, end uint64
	levels     [len(levelShifts)]ptLevel
}

func newLayout(start, end uint64) ptLayout {
	l := ptLayout{start: start, end: end}
	var offset uint64
	for i, shift := range levelShifts {
		span := shift + entryShift
		first := start >> span
		count := (end-1)>>span - first + 1
		l.levels[i] = ptLevel{shift: shift, first: first, count: count, offset: offset}
		offset += count
	}
	return l
}

// pages returns the number of table pages in the layout.
func (l ptLayout) pages() uint64 {
	var n uint64
	for _, lv := range l.levels {
		n += lv.count
	}
	return n
}

func (lv ptLevel) table(va uint64) uint64 {
	return va>>(lv.shift+entryShift) - lv.first
}

// countPageTables returns the layout for a mapping that covers everything up
// to the end of the page tables themselves plus extra bytes of trailing
// allocations, rounded up to 4MiB.
func countPageTables(virtBase, cursor, extra uint64) ptLayout {
	var tables uint64
	for {
		end := alignUp(cursor+tables<<12+extra, 4<<20)
		l := newLayout(virtBase, end)
		if l.pages() <= tables {
			return l
		}
		tables = l.pages()
	}
}

// render builds the content of the page-table segment. Frames inside the
// table segment are mapped read-only as the PV MMU requires.
func (l ptLayout) render(d *boot.Domain, seg boot.Segment) ([]byte, error) {
	if l.pages() > seg.Pages {
		return nil, fmt.Errorf("page tables need %d pages, segment has %d", l.pages(), seg.Pages)
	}
	buf := make([]byte, seg.Pages<<12)
	put := func(lv ptLevel, va, entry uint64) {
		off := (lv.offset+lv.table(va))<<12 + ((va>>lv.shift)&(entriesPerTable-1))*8
		binary.LittleEndian.PutUint64(buf[off:], entry)
	}

	for i, lv := range l.levels {
		step := uint64(1) << lv.shift
		for va := alignDown(l.start, step); va < l.end; va += step {
			if i < len(l.levels)-1 {
				child := l.levels[i+1]
				pfn := seg.PFN + child.offset + child.table(va)
				put(lv, va, d.GFN(pfn)<<12|lnProt)
			} else {
				pfn := (va - d.Image.VirtBase) >> 12
				if pfn >= d.TotalPages {
					break
				}
				prot := uint64(l1Prot)
				if pfn >= seg.PFN && pfn < seg.PFN+seg.Pages {
					prot &^= pteRW
				}
				put(lv, va, d.GFN(pfn)<<12|prot)
			}
			if va+step < va {
				break
			}
		}
	}
	return buf, nil
}

func alignUp(v, a uint64) uint64 { return (v + a - 1) &^ (a - 1) }
func alignDown(v, a uint64) uint64 { return v &^ (a - 1) }
