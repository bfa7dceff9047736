package boot

import (
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
)

// ModuleFootprint returns the page-rounded bytes needed by d's modules and
// device tree.
func ModuleFootprint(d *Domain) uint64 {
	var total uint64
	for _, m := range d.Modules {
		total += alignUp(m.Size, d.PageSize())
	}
	if d.DeviceTree != nil {
		total += alignUp(d.DeviceTree.Size, d.PageSize())
	}
	return total
}

// ChooseModuleBase picks the start of the module area inside the first
// bank. Candidates, in order: ModuleOffset into the bank when the kernel
// starts below it; the tail of the bank when it clears the kernel; the gap
// directly below the kernel.
func ChooseModuleBase(geo Geometry, bankPages []uint64, image ImageInfo, modSize uint64) (uint64, error) {
	if len(geo.Banks) == 0 || len(bankPages) == 0 {
		return 0, fmt.Errorf("%w: no RAM banks", ErrModulePlacement)
	}
	bankBase := geo.Banks[0].Base
	bankEnd := bankBase + bankPages[0]<<geo.PageShift
	kernBase := alignDown(image.VirtKStart, geo.PageSize())
	kernEnd := image.VirtKEnd

	if geo.ModuleOffset != 0 {
		preferred := bankBase + geo.ModuleOffset
		if bankEnd >= preferred+modSize && image.VirtKStart < preferred {
			return preferred, nil
		}
	}
	if bankEnd >= bankBase+modSize && bankEnd-modSize > kernEnd {
		return bankEnd - modSize, nil
	}
	if kernBase > bankBase && kernBase-bankBase > modSize {
		return kernBase - modSize, nil
	}
	return 0, fmt.Errorf("%w: %#x bytes of modules, bank 0 [%#x, %#x), kernel [%#x, %#x)",
		ErrModulePlacement, modSize, bankBase, bankEnd, image.VirtKStart, kernEnd)
}

// PlaceModules lays the modules, then the device tree, contiguously from base.
func PlaceModules(d *Domain, base uint64) error {
	cursor := base
	place := func(m *Module) error {
		if m == nil || m.Size == 0 {
			return nil
		}
		seg, err := d.ClaimSegment(m.Name, cursor, m.Size)
		if err != nil {
			return fmt.Errorf("place %s: %w", m.Name, err)
		}
		m.Segment = &seg
		cursor = seg.VEnd
		return nil
	}
	for _, m := range d.Modules {
		if err := place(m); err != nil {
			return err
		}
	}
	return place(d.DeviceTree)
}

// PlaceBootModules chooses a module area for d and places every module in it.
func PlaceBootModules(d *Domain, geo Geometry) error {
	size := ModuleFootprint(d)
	if size == 0 {
		return nil
	}
	base, err := ChooseModuleBase(geo, d.BankPages, d.Image, size)
	if err != nil {
		return err
	}
	slog.Debug("boot: placing modules", "domid", d.DomID, "base", fmt.Sprintf("%#x", base), "size", humanize.IBytes(size))
	return PlaceModules(d, base)
}
