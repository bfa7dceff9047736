package boot

import "fmt"

// Segment is a claimed range of the guest's boot-time address space. For
// segments backed by allocated frames PFN and Pages locate them in the
// physmap; population itself happens elsewhere.
type Segment struct {
	Name   string
	VStart uint64
	VEnd   uint64
	PFN    uint64
	Pages  uint64
}

// Size returns the byte length of the segment.
func (s Segment) Size() uint64 { return s.VEnd - s.VStart }

// Overlaps reports whether s and o share at least one byte.
func (s Segment) Overlaps(o Segment) bool {
	return s.VStart < o.VEnd && o.VStart < s.VEnd
}

// Contains reports whether addr lies inside the segment.
func (s Segment) Contains(addr uint64) bool {
	return addr >= s.VStart && addr < s.VEnd
}

func (s Segment) String() string {
	return fmt.Sprintf("%s [%#x, %#x) pfn %#x+%d", s.Name, s.VStart, s.VEnd, s.PFN, s.Pages)
}

func segmentLess(a, b Segment) bool { return a.VStart < b.VStart }

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

func alignDown(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	return value &^ (align - 1)
}
