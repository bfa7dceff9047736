// Package x86hvm builds PVH guests: hardware virtualized x86 domains entered
// in 32-bit protected mode with an hvm_start_info block.
package x86hvm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/xenbuild/internal/boot"
	"github.com/tinyrange/xenbuild/internal/xen"
)

const (
	pageShift = 12
	pageSize  = 1 << pageShift

	lowMemSize  = 0xf0000000
	highMemBase = 1 << 32
	highMemSize = 1 << 40

	moduleOffset = 128 << 20

	// Special pages sit just below the end of the special region.
	specialRegionEnd = 0xff000
	nrSpecialPages   = 8

	specialPaging   = 0
	specialAccess   = 1
	specialSharing  = 2
	specialBufIOReq = 3
	specialXenstore = 4
	specialIOReq    = 5
	specialIdentPT  = 6
	specialConsole  = 7

	startInfoMagic   = 0x336ec578
	startInfoVersion = 1
	startInfoSize    = 56
	modlistEntrySize = 32
	memmapEntrySize  = 24

	e820RAM      = 1
	e820Reserved = 2

	cr0PE     = 1 << 0
	rflagsRsv = 1 << 1
)

var geometry = boot.Geometry{
	PageShift: pageShift,
	Banks: []boot.Bank{
		{Base: 0, Size: lowMemSize},
		{Base: highMemBase, Size: highMemSize},
	},
	Levels:       []uint64{18, 9, 0},
	LevelShift:   9,
	ModuleOffset: moduleOffset,
}

func specialPFN(idx uint64) uint64 {
	return specialRegionEnd - nrSpecialPages + idx
}

// Platform implements boot.Platform for PVH guests.
type Platform struct{}

var _ boot.Platform = (*Platform)(nil)

// New returns the PVH platform.
func New() *Platform { return &Platform{} }

func (p *Platform) Name() string { return "x86-hvm" }

func (p *Platform) Geometry() boot.Geometry {
	geo := geometry
	geo.Banks = append([]boot.Bank(nil), geometry.Banks...)
	geo.Levels = append([]uint64(nil), geometry.Levels...)
	return geo
}

func (p *Platform) CreateDomainFlags(enableIOMMU bool) xen.CreateDomain {
	cfg := xen.CreateDomain{
		Flags:             xen.CDFHVM | xen.CDFHAP,
		X86EmulationFlags: xen.X86EmulateLAPIC,
	}
	if enableIOMMU {
		cfg.Flags |= xen.CDFIOMMU
	}
	return cfg
}

func (p *Platform) PageSize() uint64 { return pageSize }
func (p *Platform) PageShift() uint64 { return pageShift }
func (p *Platform) NeedsEarlyKernel() bool { return true }
func (p *Platform) IsHVM() bool { return true }

func (p *Platform) InitializeEarly(ctx context.Context, d *boot.Domain) error {
	if d.Image.PhysEntry == 0 {
		return errors.New("x86-hvm: kernel has no PVH entry point")
	}
	if d.DeviceTree != nil {
		return errors.New("x86-hvm: guests do not take a device tree")
	}
	return nil
}

// InitializeMemory populates RAM below the MMIO hole and above 4GiB, then
// places the modules.
func (p *Platform) InitializeMemory(ctx context.Context, d *boot.Domain) error {
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

// AllocMagicPages backs the special page region, publishes it through HVM
// params and reserves a segment for the start info block.
func (p *Platform) AllocMagicPages(ctx context.Context, d *boot.Domain) error {
	base := specialPFN(0)
	if err := boot.PopulatePhysmap(ctx, d, p.Geometry(), base, nrSpecialPages); err != nil {
		return fmt.Errorf("special pages: %w", err)
	}
	if _, err := d.ClaimSegment("special pages", base<<pageShift, nrSpecialPages<<pageShift); err != nil {
		return err
	}
	if err := d.WritePages(ctx, base, make([]byte, nrSpecialPages<<pageShift)); err != nil {
		return fmt.Errorf("clear special pages: %w", err)
	}

	store, err := d.Call.AllocUnboundEvtchn(ctx, d.DomID, d.XenstoreDomID)
	if err != nil {
		return fmt.Errorf("xenstore event channel: %w", err)
	}
	console, err := d.Call.AllocUnboundEvtchn(ctx, d.DomID, d.ConsoleDomID)
	if err != nil {
		return fmt.Errorf("console event channel: %w", err)
	}
	d.Xenstore = boot.MagicPage{PFN: specialPFN(specialXenstore), Evtchn: store}
	d.Console = boot.MagicPage{PFN: specialPFN(specialConsole), Evtchn: console}

	params := []struct {
		param uint32
		value uint64
	}{
		{xen.HVMParamStorePFN, d.Xenstore.PFN},
		{xen.HVMParamStoreEvtchn, uint64(d.Xenstore.Evtchn)},
		{xen.HVMParamConsolePFN, d.Console.PFN},
		{xen.HVMParamConsoleEvtchn, uint64(d.Console.Evtchn)},
		{xen.HVMParamPagingRingPFN, specialPFN(specialPaging)},
		{xen.HVMParamMonitorRingPFN, specialPFN(specialAccess)},
		{xen.HVMParamSharingRingPFN, specialPFN(specialSharing)},
		{xen.HVMParamBufIOReqPFN, specialPFN(specialBufIOReq)},
		{xen.HVMParamIOReqPFN, specialPFN(specialIOReq)},
	}
	for _, prm := range params {
		if err := d.Call.SetHVMParam(ctx, d.DomID, prm.param, prm.value); err != nil {
			return fmt.Errorf("set hvm param %d: %w", prm.param, err)
		}
	}

	size := startInfoLen(d)
	seg, err := d.AllocSegment("start info", size)
	if err != nil {
		return err
	}
	if !p.backed(d, seg) {
		return fmt.Errorf("start info segment %s is not in populated memory", seg)
	}
	d.StartInfo = &seg
	slog.Debug("x86-hvm: special pages ready", "domid", d.DomID,
		"xenstore_pfn", d.Xenstore.PFN, "console_pfn", d.Console.PFN, "start_info", seg)
	return nil
}

// backed reports whether seg lies inside a populated bank.
func (p *Platform) backed(d *boot.Domain, seg boot.Segment) bool {
	geo := p.Geometry()
	for i, pages := range d.BankPages {
		start := geo.BankBasePFN(i)
		if seg.PFN >= start && seg.PFN+seg.Pages <= start+pages {
			return true
		}
	}
	return false
}

func memmap(d *boot.Domain, geo boot.Geometry) [][3]uint64 {
	var out [][3]uint64
	for i, pages := range d.BankPages {
		if pages == 0 {
			break
		}
		out = append(out, [3]uint64{geo.Banks[i].Base, pages << pageShift, e820RAM})
	}
	out = append(out, [3]uint64{specialPFN(0) << pageShift, nrSpecialPages << pageShift, e820Reserved})
	return out
}

func startInfoLen(d *boot.Domain) uint64 {
	n := uint64(startInfoSize+modlistEntrySize*len(d.Modules)) + uint64(memmapEntrySize*(len(d.BankPages)+1))
	n += uint64(len(d.Cmdline) + 1)
	for _, m := range d.Modules {
		n += uint64(len(m.Cmdline) + 1)
	}
	return n
}

func (p *Platform) SetupPageTables(ctx context.Context, d *boot.Domain) error { return nil }

func (p *Platform) SetupSharedInfo(ctx context.Context, d *boot.Domain, sharedInfoFrame uint64) error {
	return nil
}

// SetupStartInfo writes hvm_start_info followed by the module list, the
// memory map and the command lines.
func (p *Platform) SetupStartInfo(ctx context.Context, d *boot.Domain, sharedInfoFrame uint64) error {
	if d.StartInfo == nil {
		return errors.New("x86-hvm: start info not allocated")
	}
	base := d.StartInfo.VStart
	buf := make([]byte, d.StartInfo.Size())
	le := binary.LittleEndian

	var mods []*boot.Module
	for _, m := range d.Modules {
		if m.Segment != nil {
			mods = append(mods, m)
		}
	}
	mm := memmap(d, p.Geometry())

	modOff := uint64(startInfoSize)
	mapOff := modOff + uint64(modlistEntrySize*len(mods))
	strOff := mapOff + uint64(memmapEntrySize*len(mm))
	if strOff > uint64(len(buf)) {
		return fmt.Errorf("start info needs %d bytes, segment has %d", strOff, len(buf))
	}
	putString := func(s string) (uint64, error) {
		if s == "" {
			return 0, nil
		}
		if strOff+uint64(len(s))+1 > uint64(len(buf)) {
			return 0, fmt.Errorf("start info overflows %d bytes", len(buf))
		}
		at := strOff
		copy(buf[at:], s)
		strOff += uint64(len(s)) + 1
		return base + at, nil
	}

	cmdline, err := putString(d.Cmdline)
	if err != nil {
		return err
	}
	le.PutUint32(buf[0:], startInfoMagic)
	le.PutUint32(buf[4:], startInfoVersion)
	le.PutUint32(buf[12:], uint32(len(mods)))
	if len(mods) > 0 {
		le.PutUint64(buf[16:], base+modOff)
	}
	le.PutUint64(buf[24:], cmdline)
	le.PutUint64(buf[40:], base+mapOff)
	le.PutUint32(buf[48:], uint32(len(mm)))

	for i, m := range mods {
		off := modOff + uint64(i*modlistEntrySize)
		mc, err := putString(m.Cmdline)
		if err != nil {
			return err
		}
		le.PutUint64(buf[off:], m.Segment.VStart)
		le.PutUint64(buf[off+8:], m.Size)
		le.PutUint64(buf[off+16:], mc)
	}
	for i, e := range mm {
		off := mapOff + uint64(i*memmapEntrySize)
		le.PutUint64(buf[off:], e[0])
		le.PutUint64(buf[off+8:], e[1])
		le.PutUint32(buf[off+16:], uint32(e[2]))
	}
	return d.WriteSegment(ctx, *d.StartInfo, buf)
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

// ConfigureVCPU enters the PVH entry point in flat protected mode with %ebx
// holding the start info address.
func (p *Platform) ConfigureVCPU(ctx context.Context, d *boot.Domain) error {
	if d.StartInfo == nil {
		return errors.New("x86-hvm: start info not allocated")
	}
	return d.Call.SetVCPUContext(ctx, d.DomID, 0, xen.VCPUContext{
		Flags: xen.VGCFOnline,
		X86: &xen.X86Registers{
			RIP:    d.Image.PhysEntry,
			RBX:    d.StartInfo.VStart,
			RFLAGS: rflagsRsv,
			CR0:    cr0PE,
			CS:     0x08,
			SS:     0x10,
			DS:     0x10,
			ES:     0x10,
		},
	})
}

// BootLate copies the modules into their segments.
func (p *Platform) BootLate(ctx context.Context, d *boot.Domain) error {
	return boot.CopyModules(ctx, d)
}
