package boot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/tinyrange/xenbuild/internal/xen"
)

// Platform supplies the architecture specific half of a domain build. A
// platform with nothing to do in a phase returns nil.
type Platform interface {
	Name() string
	Geometry() Geometry

	CreateDomainFlags(enableIOMMU bool) xen.CreateDomain
	PageSize() uint64
	PageShift() uint64
	NeedsEarlyKernel() bool
	IsHVM() bool

	InitializeEarly(ctx context.Context, d *Domain) error
	InitializeMemory(ctx context.Context, d *Domain) error
	AllocPageTables(ctx context.Context, d *Domain) (*Segment, error)
	AllocP2MSegment(ctx context.Context, d *Domain) (*Segment, error)
	AllocMagicPages(ctx context.Context, d *Domain) error
	SetupPageTables(ctx context.Context, d *Domain) error
	SetupSharedInfo(ctx context.Context, d *Domain, sharedInfoFrame uint64) error
	SetupStartInfo(ctx context.Context, d *Domain, sharedInfoFrame uint64) error
	SetupHypercallPage(ctx context.Context, d *Domain) error
	SeedGrantTable(ctx context.Context, d *Domain) error
	ConfigureVCPU(ctx context.Context, d *Domain) error
	BootLate(ctx context.Context, d *Domain) error
}

// PopulateBanks spreads d.TotalPages over geo's banks and backs each
// non-empty bank. The assignment is stored in d.BankPages.
func PopulateBanks(ctx context.Context, d *Domain, geo Geometry) error {
	if capacity := geo.Capacity(); d.TotalPages > capacity {
		return fmt.Errorf("%d pages requested, banks hold %d", d.TotalPages, capacity)
	}
	d.BankPages = geo.AssignBanks(d.TotalPages)
	for i, pages := range d.BankPages {
		if pages == 0 {
			break
		}
		base := geo.BankBasePFN(i)
		slog.Debug("boot: populating bank", "domid", d.DomID, "bank", i,
			"base", fmt.Sprintf("%#x", geo.Banks[i].Base), "size", humanize.IBytes(pages<<geo.PageShift))
		if err := PopulatePhysmap(ctx, d, geo, base, pages); err != nil {
			return fmt.Errorf("bank %d: %w", i, err)
		}
	}
	return nil
}

// CopyModules writes the payload of every placed module into guest memory.
func CopyModules(ctx context.Context, d *Domain) error {
	mods := d.Modules
	if d.DeviceTree != nil {
		mods = append(mods[:len(mods):len(mods)], d.DeviceTree)
	}
	for _, m := range mods {
		if m.Segment == nil || len(m.Data) == 0 {
			continue
		}
		if err := d.WriteSegment(ctx, *m.Segment, m.Data); err != nil {
			return fmt.Errorf("copy module %s: %w", m.Name, err)
		}
	}
	return nil
}
