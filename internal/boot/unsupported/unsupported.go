// Package unsupported is the platform used on hosts the builder cannot
// target. Every phase fails with boot.ErrUnsupportedPlatform.
package unsupported

import (
	"context"

	"github.com/tinyrange/xenbuild/internal/boot"
	"github.com/tinyrange/xenbuild/internal/xen"
)

type Platform struct{}

var _ boot.Platform = Platform{}

func New() Platform { return Platform{} }

func (Platform) Name() string { return "unsupported" }
func (Platform) Geometry() boot.Geometry { return boot.Geometry{} }
func (Platform) PageSize() uint64 { return xen.PageSize }
func (Platform) PageShift() uint64 { return xen.PageShift }
func (Platform) NeedsEarlyKernel() bool { return false }
func (Platform) IsHVM() bool { return false }

func (Platform) CreateDomainFlags(enableIOMMU bool) xen.CreateDomain {
	return xen.CreateDomain{}
}

func (Platform) InitializeEarly(ctx context.Context, d *boot.Domain) error {
	return boot.ErrUnsupportedPlatform
}

func (Platform) InitializeMemory(ctx context.Context, d *boot.Domain) error {
	return boot.ErrUnsupportedPlatform
}

func (Platform) AllocPageTables(ctx context.Context, d *boot.Domain) (*boot.Segment, error) {
	return nil, boot.ErrUnsupportedPlatform
}

func (Platform) AllocP2MSegment(ctx context.Context, d *boot.Domain) (*boot.Segment, error) {
	return nil, boot.ErrUnsupportedPlatform
}

func (Platform) AllocMagicPages(ctx context.Context, d *boot.Domain) error {
	return boot.ErrUnsupportedPlatform
}

func (Platform) SetupPageTables(ctx context.Context, d *boot.Domain) error {
	return boot.ErrUnsupportedPlatform
}

func (Platform) SetupSharedInfo(ctx context.Context, d *boot.Domain, sharedInfoFrame uint64) error {
	return boot.ErrUnsupportedPlatform
}

func (Platform) SetupStartInfo(ctx context.Context, d *boot.Domain, sharedInfoFrame uint64) error {
	return boot.ErrUnsupportedPlatform
}

func (Platform) SetupHypercallPage(ctx context.Context, d *boot.Domain) error {
	return boot.ErrUnsupportedPlatform
}

func (Platform) SeedGrantTable(ctx context.Context, d *boot.Domain) error {
	return boot.ErrUnsupportedPlatform
}

func (Platform) ConfigureVCPU(ctx context.Context, d *boot.Domain) error {
	return boot.ErrUnsupportedPlatform
}

func (Platform) BootLate(ctx context.Context, d *boot.Domain) error {
	return boot.ErrUnsupportedPlatform
}
