package boot

import (
	"errors"
	"fmt"
)

// Bank is a guest-physical RAM window.
type Bank struct {
	Base uint64
	Size uint64
}

// Geometry is the static memory description of a platform.
type Geometry struct {
	PageShift uint64
	Banks     []Bank
	// Levels lists population orders from largest to smallest. The last entry
	// must be 0, the native page.
	Levels []uint64
	// LevelShift is the order increment between adjacent levels.
	LevelShift uint64
	// ModuleOffset is the preferred offset of boot modules from the start of
	// the first bank.
	ModuleOffset uint64
}

// PageSize returns the native page size in bytes.
func (g Geometry) PageSize() uint64 { return 1 << g.PageShift }

// BankBasePFN returns the first frame of bank i.
func (g Geometry) BankBasePFN(i int) uint64 { return g.Banks[i].Base >> g.PageShift }

// BankMaxPages returns the capacity of bank i in pages.
func (g Geometry) BankMaxPages(i int) uint64 { return g.Banks[i].Size >> g.PageShift }

// Validate checks the level hierarchy and bank layout.
func (g Geometry) Validate() error {
	if g.PageShift == 0 {
		return errors.New("geometry: page shift is zero")
	}
	if len(g.Levels) == 0 {
		return errors.New("geometry: no population levels")
	}
	if g.Levels[len(g.Levels)-1] != 0 {
		return fmt.Errorf("geometry: smallest level is order %d, want 0", g.Levels[len(g.Levels)-1])
	}
	for i := 1; i < len(g.Levels); i++ {
		if g.Levels[i-1] <= g.Levels[i] {
			return fmt.Errorf("geometry: levels not strictly descending at index %d", i)
		}
		if g.LevelShift != 0 && g.Levels[i-1]-g.Levels[i] != g.LevelShift {
			return fmt.Errorf("geometry: level %d is not %d above level %d", g.Levels[i-1], g.LevelShift, g.Levels[i])
		}
	}
	mask := g.PageSize() - 1
	for i, b := range g.Banks {
		if b.Base&mask != 0 || b.Size&mask != 0 {
			return fmt.Errorf("geometry: bank %d [%#x, +%#x) not page aligned", i, b.Base, b.Size)
		}
		if i > 0 {
			prev := g.Banks[i-1]
			if b.Base < prev.Base+prev.Size {
				return fmt.Errorf("geometry: bank %d overlaps bank %d", i, i-1)
			}
		}
	}
	return nil
}

// AssignBanks splits totalPages across the banks in order. Each bank takes
// min(remaining, capacity); banks after the request runs out get zero.
func (g Geometry) AssignBanks(totalPages uint64) []uint64 {
	out := make([]uint64, len(g.Banks))
	remaining := totalPages
	for i := range g.Banks {
		n := min(remaining, g.BankMaxPages(i))
		out[i] = n
		remaining -= n
	}
	return out
}

// Capacity returns the total pages the banks can hold.
func (g Geometry) Capacity() uint64 {
	var total uint64
	for i := range g.Banks {
		total += g.BankMaxPages(i)
	}
	return total
}
