// Package arm builds AArch64 guests: two RAM banks, guest device tree,
// magic pages published through HVM params.
package arm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/xenbuild/internal/boot"
	"github.com/tinyrange/xenbuild/internal/fdt"
	"github.com/tinyrange/xenbuild/internal/xen"
)

const (
	pageShift = 12

	ram0Base = 0x40000000
	ram0Size = 0xc0000000
	ram1Base = 0x0200000000
	ram1Size = 0xfe00000000

	lpaeShift = 9
	pfn4K     = 0
	pfn2M     = pfn4K + lpaeShift
	pfn1G     = pfn2M + lpaeShift
	pfn512G   = pfn1G + lpaeShift

	// Modules go 128MiB into the first bank when it is large enough.
	moduleOffset = 128 << 20

	magicBase         = 0x39000000
	nrMagicPages      = 4
	consolePFNOffset  = 0
	xenstorePFNOffset = 1
	memaccessOffset   = 2

	gicDistBase   = 0x03001000
	gicDistSize   = 0x00010000
	gicRedistBase = 0x03020000
	gicRedistSize = 0x01000000

	grantTableBase = 0x38000000
	grantTableSize = 0x01000000
	evtchnPPI      = 31

	// EL1h with asynchronous aborts, IRQ and FIQ masked.
	cpsrGuestInit  = 0x1c5
	sctlrGuestInit = 0x00c50078

	deviceTreeName = "devicetree"
)

var geometry = boot.Geometry{
	PageShift: pageShift,
	Banks: []boot.Bank{
		{Base: ram0Base, Size: ram0Size},
		{Base: ram1Base, Size: ram1Size},
	},
	Levels:       []uint64{pfn512G, pfn1G, pfn2M, pfn4K},
	LevelShift:   lpaeShift,
	ModuleOffset: moduleOffset,
}

// Platform implements boot.Platform for AArch64 guests.
type Platform struct {
	// XenVersion is advertised in the guest device tree compatible strings.
	XenVersion string
}

var _ boot.Platform = (*Platform)(nil)

// New returns the ARM platform.
func New() *Platform {
	return &Platform{XenVersion: "4.0"}
}

func (p *Platform) Name() string { return "arm" }

// Geometry returns the ARM guest memory map.
func (p *Platform) Geometry() boot.Geometry {
	geo := geometry
	geo.Banks = append([]boot.Bank(nil), geometry.Banks...)
	geo.Levels = append([]uint64(nil), geometry.Levels...)
	return geo
}

func (p *Platform) CreateDomainFlags(enableIOMMU bool) xen.CreateDomain {
	cfg := xen.CreateDomain{
		ARMGICVersion: xen.ARMGICV3,
	}
	if enableIOMMU {
		cfg.Flags |= xen.CDFIOMMU
	}
	return cfg
}

func (p *Platform) PageSize() uint64 { return 1 << pageShift }
func (p *Platform) PageShift() uint64 { return pageShift }
func (p *Platform) NeedsEarlyKernel() bool { return false }
func (p *Platform) IsHVM() bool { return false }

// InitializeEarly generates the guest device tree when the caller did not
// supply one. Only its size is needed now; BootLate renders the final blob
// once the initrd is placed.
func (p *Platform) InitializeEarly(ctx context.Context, d *boot.Domain) error {
	if d.DeviceTree != nil {
		return nil
	}
	blob, err := p.deviceTree(d, 0, 0)
	if err != nil {
		return fmt.Errorf("generate device tree: %w", err)
	}
	d.DeviceTree = &boot.Module{Name: deviceTreeName, Size: uint64(len(blob))}
	return nil
}

func (p *Platform) deviceTree(d *boot.Domain, initrdStart, initrdEnd uint64) ([]byte, error) {
	geo := p.Geometry()
	banks := geo.AssignBanks(d.TotalPages)
	var mem []fdt.MemoryRange
	for i, pages := range banks {
		if pages == 0 {
			break
		}
		mem = append(mem, fdt.MemoryRange{Base: geo.Banks[i].Base, Size: pages << pageShift})
	}
	return fdt.BuildGuest(fdt.GuestConfig{
		XenVersion:  p.XenVersion,
		Memory:      mem,
		VCPUs:       int(d.VCPUs),
		Cmdline:     d.Cmdline,
		HasInitrd:   hasRamdisk(d),
		InitrdStart: initrdStart,
		InitrdEnd:   initrdEnd,
		GIC: fdt.GICv3{
			DistBase:   gicDistBase,
			DistSize:   gicDistSize,
			RedistBase: gicRedistBase,
			RedistSize: gicRedistSize,
		},
		GrantTableBase: grantTableBase,
		GrantTableSize: grantTableSize,
		EvtchnPPI:      evtchnPPI,
	})
}

func hasRamdisk(d *boot.Domain) bool {
	return len(d.Modules) > 0 && d.Modules[0].Size > 0
}

// InitializeMemory switches the guest to 64-bit, populates both banks and
// places the ramdisk and device tree.
func (p *Platform) InitializeMemory(ctx context.Context, d *boot.Domain) error {
	if err := d.Call.SetAddressSize(ctx, d.DomID, 64); err != nil {
		return fmt.Errorf("set address size: %w", err)
	}
	geo := p.Geometry()
	if err := boot.PopulateBanks(ctx, d, geo); err != nil {
		return err
	}
	return boot.PlaceBootModules(d, geo)
}

func (p *Platform) AllocPageTables(ctx context.Context, d *boot.Domain) (*boot.Segment, error) {
	return nil, nil
}

func (p *Platform) AllocP2MSegment(ctx context.Context, d *boot.Domain) (*boot.Segment, error) {
	return nil, nil
}

// AllocMagicPages backs the console and xenstore rings outside guest RAM and
// publishes them with fresh unbound event channels.
func (p *Platform) AllocMagicPages(ctx context.Context, d *boot.Domain) error {
	basePFN := uint64(magicBase >> pageShift)
	if err := boot.PopulatePhysmap(ctx, d, p.Geometry(), basePFN, nrMagicPages); err != nil {
		return fmt.Errorf("magic pages: %w", err)
	}
	if _, err := d.ClaimSegment("magic", magicBase, nrMagicPages<<pageShift); err != nil {
		return err
	}
	if err := d.WritePages(ctx, basePFN, make([]byte, nrMagicPages<<pageShift)); err != nil {
		return fmt.Errorf("clear magic pages: %w", err)
	}

	console, err := d.Call.AllocUnboundEvtchn(ctx, d.DomID, d.ConsoleDomID)
	if err != nil {
		return fmt.Errorf("console event channel: %w", err)
	}
	store, err := d.Call.AllocUnboundEvtchn(ctx, d.DomID, d.XenstoreDomID)
	if err != nil {
		return fmt.Errorf("xenstore event channel: %w", err)
	}
	d.Console = boot.MagicPage{PFN: basePFN + consolePFNOffset, Evtchn: console}
	d.Xenstore = boot.MagicPage{PFN: basePFN + xenstorePFNOffset, Evtchn: store}

	params := []struct {
		param uint32
		value uint64
	}{
		{xen.HVMParamConsolePFN, d.Console.PFN},
		{xen.HVMParamConsoleEvtchn, uint64(d.Console.Evtchn)},
		{xen.HVMParamStorePFN, d.Xenstore.PFN},
		{xen.HVMParamStoreEvtchn, uint64(d.Xenstore.Evtchn)},
		{xen.HVMParamMonitorRingPFN, basePFN + memaccessOffset},
	}
	for _, prm := range params {
		if err := d.Call.SetHVMParam(ctx, d.DomID, prm.param, prm.value); err != nil {
			return fmt.Errorf("set hvm param %d: %w", prm.param, err)
		}
	}
	slog.Debug("arm: magic pages ready", "domid", d.DomID,
		"console_pfn", d.Console.PFN, "xenstore_pfn", d.Xenstore.PFN)
	return nil
}

func (p *Platform) SetupPageTables(ctx context.Context, d *boot.Domain) error { return nil }

func (p *Platform) SetupSharedInfo(ctx context.Context, d *boot.Domain, sharedInfoFrame uint64) error {
	return nil
}

func (p *Platform) SetupStartInfo(ctx context.Context, d *boot.Domain, sharedInfoFrame uint64) error {
	return nil
}

func (p *Platform) SetupHypercallPage(ctx context.Context, d *boot.Domain) error { return nil }

func (p *Platform) SeedGrantTable(ctx context.Context, d *boot.Domain) error {
	return d.Call.SeedGrantTable(ctx, d.DomID, xen.GrantSeed{
		ConsoleGFN:    d.Console.PFN,
		XenstoreGFN:   d.Xenstore.PFN,
		ConsoleDomID:  d.ConsoleDomID,
		XenstoreDomID: d.XenstoreDomID,
	})
}

// ConfigureVCPU starts vCPU 0 at the kernel entry with x0 pointing at the
// device tree, as the arm64 boot protocol requires.
func (p *Platform) ConfigureVCPU(ctx context.Context, d *boot.Domain) error {
	if d.DeviceTree == nil || d.DeviceTree.Segment == nil {
		return errors.New("arm: device tree not placed")
	}
	return d.Call.SetVCPUContext(ctx, d.DomID, 0, xen.VCPUContext{
		Flags: xen.VGCFOnline,
		ARM: &xen.ARMRegisters{
			PC:    d.Image.VirtEntry,
			X0:    d.DeviceTree.Segment.VStart,
			CPSR:  cpsrGuestInit,
			SCTLR: sctlrGuestInit,
		},
	})
}

// BootLate renders a generated device tree with the final initrd range and
// copies every module into guest memory.
func (p *Platform) BootLate(ctx context.Context, d *boot.Domain) error {
	if dt := d.DeviceTree; dt != nil && dt.Data == nil && dt.Segment != nil {
		var start, end uint64
		if hasRamdisk(d) && d.Modules[0].Segment != nil {
			start = d.Modules[0].Segment.VStart
			end = start + d.Modules[0].Size
		}
		blob, err := p.deviceTree(d, start, end)
		if err != nil {
			return fmt.Errorf("render device tree: %w", err)
		}
		if uint64(len(blob)) > dt.Segment.Size() {
			return fmt.Errorf("device tree grew to %d bytes, segment holds %d", len(blob), dt.Segment.Size())
		}
		dt.Data = blob
	}
	return boot.CopyModules(ctx, d)
}
