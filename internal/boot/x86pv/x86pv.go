// Package x86pv builds paravirtualized x86-64 guests. The guest runs on
// toolstack-built page tables over machine frames, so every allocation is
// tracked through the p2m.
package x86pv

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

	// PV guests see a single contiguous pseudo-physical range from pfn 0.
	ramSize = 1 << 40

	// Bytes reserved past the last boot allocation for the kernel's early
	// page-table growth.
	bootSlack = 512 << 10

	// start info, xenstore, console, boot stack.
	nrMagicPages = 4

	flatKernelCS = 0xe033
	flatKernelDS = 0xe02b
	rflagsIF     = 1 << 9

	startInfoMagic = "xen-3.0-x86_64"
	cmdlineSize    = 1024

	legacyMaxVCPUs = 32
	vcpuInfoSize   = 64
)

var geometry = boot.Geometry{
	PageShift:  pageShift,
	Banks:      []boot.Bank{{Base: 0, Size: ramSize}},
	Levels:     []uint64{18, 9, 0},
	LevelShift: 9,
}

// Platform implements boot.Platform for PV guests. It keeps the page-table
// layout between phases, so each build needs its own Platform.
type Platform struct {
	layout ptLayout
}

var _ boot.Platform = (*Platform)(nil)

// New returns a PV platform for one build.
func New() *Platform { return &Platform{} }

func (p *Platform) Name() string { return "x86-pv" }

func (p *Platform) Geometry() boot.Geometry {
	geo := geometry
	geo.Banks = append([]boot.Bank(nil), geometry.Banks...)
	geo.Levels = append([]uint64(nil), geometry.Levels...)
	return geo
}

func (p *Platform) CreateDomainFlags(enableIOMMU bool) xen.CreateDomain {
	var cfg xen.CreateDomain
	if enableIOMMU {
		cfg.Flags |= xen.CDFIOMMU
	}
	return cfg
}

func (p *Platform) PageSize() uint64 { return pageSize }
func (p *Platform) PageShift() uint64 { return pageShift }
func (p *Platform) NeedsEarlyKernel() bool { return false }
func (p *Platform) IsHVM() bool { return false }

func (p *Platform) InitializeEarly(ctx context.Context, d *boot.Domain) error {
	if d.DeviceTree != nil {
		return errors.New("x86-pv: guests do not take a device tree")
	}
	if d.Image.VirtKStart < d.Image.VirtBase {
		return fmt.Errorf("x86-pv: kernel start %#x below virtual base %#x", d.Image.VirtKStart, d.Image.VirtBase)
	}
	d.EnableP2M()
	return nil
}

// InitializeMemory populates the whole pseudo-physical range and lays the
// modules out after the kernel image.
func (p *Platform) InitializeMemory(ctx context.Context, d *boot.Domain) error {
	if err := d.Call.SetAddressSize(ctx, d.DomID, 64); err != nil {
		return fmt.Errorf("set address size: %w", err)
	}
	if err := boot.PopulateBanks(ctx, d, p.Geometry()); err != nil {
		return err
	}
	for _, m := range d.Modules {
		if m.Size == 0 {
			continue
		}
		seg, err := allocSegment(d, m.Name, m.Size)
		if err != nil {
			return err
		}
		m.Segment = &seg
	}
	return nil
}

// allocSegment claims size bytes at the allocation cursor and checks that the
// segment is backed by populated memory.
func allocSegment(d *boot.Domain, name string, size uint64) (boot.Segment, error) {
	seg, err := d.AllocSegment(name, size)
	if err != nil {
		return boot.Segment{}, err
	}
	if seg.PFN+seg.Pages > d.TotalPages {
		return boot.Segment{}, fmt.Errorf("segment %s: pfn %#x+%d beyond %d guest pages", name, seg.PFN, seg.Pages, d.TotalPages)
	}
	return seg, nil
}

func p2mBytes(d *boot.Domain) uint64 {
	return alignUp(d.TotalPages*8, pageSize)
}

// AllocPageTables sizes the initial 4-level tables so they map every boot
// allocation, including the tables themselves.
func (p *Platform) AllocPageTables(ctx context.Context, d *boot.Domain) (*boot.Segment, error) {
	extra := p2mBytes(d) + nrMagicPages*pageSize + bootSlack
	layout := countPageTables(d.Image.VirtBase, d.VirtAllocEnd(), extra)
	if layout.end <= layout.start {
		return nil, fmt.Errorf("boot mapping [%#x, %#x) wraps the address space", layout.start, layout.end)
	}
	seg, err := allocSegment(d, "page tables", layout.pages()<<pageShift)
	if err != nil {
		return nil, err
	}
	p.layout = layout
	slog.Debug("x86-pv: page tables sized", "domid", d.DomID, "tables", layout.pages(),
		"map_start", fmt.Sprintf("%#x", layout.start), "map_end", fmt.Sprintf("%#x", layout.end))
	return &seg, nil
}

// AllocP2MSegment places the pfn to mfn list and writes it.
func (p *Platform) AllocP2MSegment(ctx context.Context, d *boot.Domain) (*boot.Segment, error) {
	seg, err := allocSegment(d, "phys2mach", p2mBytes(d))
	if err != nil {
		return nil, err
	}
	buf := make([]byte, len(d.P2M)*8)
	for i, mfn := range d.P2M {
		binary.LittleEndian.PutUint64(buf[i*8:], mfn)
	}
	if err := d.WriteSegment(ctx, seg, buf); err != nil {
		return nil, err
	}
	return &seg, nil
}

// AllocMagicPages claims the start info, xenstore, console and boot stack
// pages and binds the ring event channels.
func (p *Platform) AllocMagicPages(ctx context.Context, d *boot.Domain) error {
	var segs [nrMagicPages]boot.Segment
	for i, name := range [nrMagicPages]string{"start info", "xenstore", "console", "boot stack"} {
		seg, err := allocSegment(d, name, pageSize)
		if err != nil {
			return err
		}
		if err := d.WriteSegment(ctx, seg, make([]byte, pageSize)); err != nil {
			return fmt.Errorf("clear %s: %w", name, err)
		}
		segs[i] = seg
	}
	d.StartInfo = &segs[0]
	d.BootStack = &segs[3]

	store, err := d.Call.AllocUnboundEvtchn(ctx, d.DomID, d.XenstoreDomID)
	if err != nil {
		return fmt.Errorf("xenstore event channel: %w", err)
	}
	console, err := d.Call.AllocUnboundEvtchn(ctx, d.DomID, d.ConsoleDomID)
	if err != nil {
		return fmt.Errorf("console event channel: %w", err)
	}
	d.Xenstore = boot.MagicPage{PFN: segs[1].PFN, Evtchn: store}
	d.Console = boot.MagicPage{PFN: segs[2].PFN, Evtchn: console}
	return nil
}

// SetupPageTables writes the tables and pins the L4.
func (p *Platform) SetupPageTables(ctx context.Context, d *boot.Domain) error {
	if d.PageTables == nil {
		return errors.New("x86-pv: page tables not allocated")
	}
	if d.VirtAllocEnd() > p.layout.end {
		return fmt.Errorf("boot allocations end at %#x, past the mapped range end %#x", d.VirtAllocEnd(), p.layout.end)
	}
	buf, err := p.layout.render(d, *d.PageTables)
	if err != nil {
		return err
	}
	if err := d.WriteSegment(ctx, *d.PageTables, buf); err != nil {
		return err
	}
	l4 := d.GFN(d.PageTables.PFN)
	if err := d.Call.PinTable(ctx, d.DomID, 4, l4); err != nil {
		return fmt.Errorf("pin l4 table: %w", err)
	}
	return nil
}

// SetupSharedInfo masks event upcalls on every legacy vCPU slot.
func (p *Platform) SetupSharedInfo(ctx context.Context, d *boot.Domain, sharedInfoFrame uint64) error {
	page := make([]byte, pageSize)
	for i := 0; i < legacyMaxVCPUs; i++ {
		page[i*vcpuInfoSize+1] = 1
	}
	if err := d.Call.WriteFrames(ctx, d.DomID, []uint64{sharedInfoFrame}, page); err != nil {
		return fmt.Errorf("write shared info: %w", err)
	}
	return nil
}

// SetupStartInfo writes the start_info page the kernel finds in %rsi.
func (p *Platform) SetupStartInfo(ctx context.Context, d *boot.Domain, sharedInfoFrame uint64) error {
	if d.StartInfo == nil || d.PageTables == nil || d.P2MTable == nil {
		return errors.New("x86-pv: start info needs page tables, p2m and magic pages")
	}
	page := make([]byte, pageSize)
	le := binary.LittleEndian
	copy(page[0:32], startInfoMagic)
	le.PutUint64(page[32:], d.TotalPages)
	le.PutUint64(page[40:], sharedInfoFrame<<pageShift)
	le.PutUint32(page[48:], 0)
	le.PutUint64(page[56:], d.GFN(d.Xenstore.PFN))
	le.PutUint32(page[64:], d.Xenstore.Evtchn)
	le.PutUint64(page[72:], d.GFN(d.Console.PFN))
	le.PutUint32(page[80:], d.Console.Evtchn)
	le.PutUint64(page[88:], d.PageTables.VStart)
	le.PutUint64(page[96:], d.PageTables.Pages)
	le.PutUint64(page[104:], d.P2MTable.VStart)
	if len(d.Modules) > 0 && d.Modules[0].Segment != nil {
		le.PutUint64(page[112:], d.Modules[0].Segment.VStart)
		le.PutUint64(page[120:], d.Modules[0].Size)
	}
	cmdline := d.Cmdline
	if len(cmdline) > cmdlineSize-1 {
		slog.Warn("x86-pv: command line truncated", "domid", d.DomID, "len", len(cmdline))
		cmdline = cmdline[:cmdlineSize-1]
	}
	copy(page[128:128+cmdlineSize], cmdline)
	return d.WriteSegment(ctx, *d.StartInfo, page)
}

// SetupHypercallPage asks Xen to fill the page the kernel's ELF notes name.
func (p *Platform) SetupHypercallPage(ctx context.Context, d *boot.Domain) error {
	va := d.Image.HypercallPage
	if va == 0 {
		return nil
	}
	if d.Kernel == nil || !d.Kernel.Contains(va) {
		return fmt.Errorf("hypercall page %#x outside the kernel image", va)
	}
	pfn := (va - d.Image.VirtBase) >> pageShift
	if err := d.Call.HypercallInit(ctx, d.DomID, d.GFN(pfn)); err != nil {
		return fmt.Errorf("hypercall init: %w", err)
	}
	return nil
}

func (p *Platform) SeedGrantTable(ctx context.Context, d *boot.Domain) error {
	return d.Call.SeedGrantTable(ctx, d.DomID, xen.GrantSeed{
		ConsoleGFN:    d.GFN(d.Console.PFN),
		XenstoreGFN:   d.GFN(d.Xenstore.PFN),
		ConsoleDomID:  d.ConsoleDomID,
		XenstoreDomID: d.XenstoreDomID,
	})
}

// ConfigureVCPU sets vCPU 0 up per the PV ABI: flat kernel segments, %rsi at
// start info, stack at the top of the boot stack page.
func (p *Platform) ConfigureVCPU(ctx context.Context, d *boot.Domain) error {
	if d.StartInfo == nil || d.BootStack == nil || d.PageTables == nil {
		return errors.New("x86-pv: vcpu needs start info, boot stack and page tables")
	}
	sp := d.BootStack.VEnd
	regs := &xen.X86Registers{
		RIP:      d.Image.VirtEntry,
		RSP:      sp,
		RSI:      d.StartInfo.VStart,
		RFLAGS:   rflagsIF,
		CS:       flatKernelCS,
		SS:       flatKernelDS,
		DS:       flatKernelDS,
		ES:       flatKernelDS,
		FS:       flatKernelDS,
		GS:       flatKernelDS,
		CR3:      d.GFN(d.PageTables.PFN) << pageShift,
		KernelSS: flatKernelDS,
		KernelSP: sp,
	}
	return d.Call.SetVCPUContext(ctx, d.DomID, 0, xen.VCPUContext{
		Flags: xen.VGCFInKernel | xen.VGCFOnline,
		X86:   regs,
	})
}

// BootLate copies the modules into their segments.
func (p *Platform) BootLate(ctx context.Context, d *boot.Domain) error {
	return boot.CopyModules(ctx, d)
}
