package boot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/xenbuild/internal/xen"
)

// Phase is a step of the construction state machine.
type Phase int

const (
	PhaseCreateDomain Phase = iota
	PhaseEarlyInit
	PhaseInitMemory
	PhaseAllocPageTables
	PhaseAllocP2M
	PhaseAllocMagicPages
	PhaseSetupPageTables
	PhaseSetupSharedInfo
	PhaseSetupStartInfo
	PhaseHypercallPage
	PhaseGrantTableSeed
	PhaseVCPUSetup
	PhaseBootLate
	PhaseDone
)

var phaseNames = [...]string{
	PhaseCreateDomain:    "create-domain",
	PhaseEarlyInit:       "early-init",
	PhaseInitMemory:      "init-memory",
	PhaseAllocPageTables: "alloc-page-tables",
	PhaseAllocP2M:        "alloc-p2m",
	PhaseAllocMagicPages: "alloc-magic-pages",
	PhaseSetupPageTables: "setup-page-tables",
	PhaseSetupSharedInfo: "setup-shared-info",
	PhaseSetupStartInfo:  "setup-start-info",
	PhaseHypercallPage:   "hypercall-page",
	PhaseGrantTableSeed:  "grant-table-seed",
	PhaseVCPUSetup:       "vcpu-setup",
	PhaseBootLate:        "boot-late",
	PhaseDone:            "done",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// ImageLoader copies the kernel into its segment once guest memory is
// populated.
type ImageLoader interface {
	Load(ctx context.Context, d *Domain, seg Segment) error
}

// Config is the input of a domain build.
type Config struct {
	// DomID is the domain to build. DomIDAny asks the hypervisor for a new one.
	DomID       xen.DomID
	TotalPages  uint64
	VCPUs       uint32
	EnableIOMMU bool
	Cmdline     string

	Image  ImageInfo
	Loader ImageLoader

	// Modules are placed in order, ramdisk first.
	Modules    []Module
	DeviceTree *Module

	ConsoleDomID  xen.DomID
	XenstoreDomID xen.DomID

	Progress func(frames uint64)
}

type step struct {
	phase Phase
	// pvOnly steps are skipped for HVM platforms.
	pvOnly bool
	run    func(b *builder, ctx context.Context) error
}

var steps = []step{
	{phase: PhaseCreateDomain, run: (*builder).createDomain},
	{phase: PhaseEarlyInit, run: (*builder).earlyInit},
	{phase: PhaseInitMemory, run: (*builder).initMemory},
	{phase: PhaseAllocPageTables, pvOnly: true, run: func(b *builder, ctx context.Context) error {
		seg, err := b.p.AllocPageTables(ctx, b.d)
		b.d.PageTables = seg
		return err
	}},
	{phase: PhaseAllocP2M, pvOnly: true, run: func(b *builder, ctx context.Context) error {
		seg, err := b.p.AllocP2MSegment(ctx, b.d)
		b.d.P2MTable = seg
		return err
	}},
	{phase: PhaseAllocMagicPages, run: func(b *builder, ctx context.Context) error {
		return b.p.AllocMagicPages(ctx, b.d)
	}},
	{phase: PhaseSetupPageTables, pvOnly: true, run: func(b *builder, ctx context.Context) error {
		return b.p.SetupPageTables(ctx, b.d)
	}},
	{phase: PhaseSetupSharedInfo, run: (*builder).setupSharedInfo},
	{phase: PhaseSetupStartInfo, run: func(b *builder, ctx context.Context) error {
		return b.p.SetupStartInfo(ctx, b.d, b.d.SharedInfoFrame)
	}},
	{phase: PhaseHypercallPage, pvOnly: true, run: func(b *builder, ctx context.Context) error {
		return b.p.SetupHypercallPage(ctx, b.d)
	}},
	{phase: PhaseGrantTableSeed, run: func(b *builder, ctx context.Context) error {
		return b.p.SeedGrantTable(ctx, b.d)
	}},
	{phase: PhaseVCPUSetup, run: func(b *builder, ctx context.Context) error {
		return b.p.ConfigureVCPU(ctx, b.d)
	}},
	{phase: PhaseBootLate, run: func(b *builder, ctx context.Context) error {
		return b.p.BootLate(ctx, b.d)
	}},
}

type builder struct {
	call xen.Call
	p    Platform
	cfg  Config
	d    *Domain
}

// Build runs every construction phase for cfg on platform p. The returned
// Domain is non-nil whenever a domain id is known, including on failure, so
// the caller can destroy a half-built domain. Errors are *BuildError.
func Build(ctx context.Context, call xen.Call, p Platform, cfg Config) (*Domain, error) {
	if call == nil {
		return nil, errors.New("build: nil hypercall client")
	}
	if p == nil {
		return nil, errors.New("build: nil platform")
	}
	if cfg.TotalPages == 0 {
		return nil, &BuildError{Phase: PhaseCreateDomain, DomID: cfg.DomID, Err: errors.New("zero page budget")}
	}

	b := &builder{call: call, p: p, cfg: cfg}
	start := time.Now()
	for _, s := range steps {
		if s.pvOnly && p.IsHVM() {
			slog.Debug("boot: phase skipped for hvm", "platform", p.Name(), "phase", s.phase)
			continue
		}
		if err := ctx.Err(); err != nil {
			return b.d, b.fail(s.phase, err)
		}
		phaseStart := time.Now()
		if err := s.run(b, ctx); err != nil {
			return b.d, b.fail(s.phase, err)
		}
		slog.Debug("boot: phase complete", "platform", p.Name(), "domid", b.domid(), "phase", s.phase, "took", time.Since(phaseStart))
	}
	slog.Info("boot: domain built", "platform", p.Name(), "domid", b.d.DomID, "pages", cfg.TotalPages, "took", time.Since(start))
	return b.d, nil
}

func (b *builder) domid() xen.DomID {
	if b.d != nil {
		return b.d.DomID
	}
	return b.cfg.DomID
}

func (b *builder) fail(phase Phase, err error) error {
	slog.Error("boot: phase failed", "platform", b.p.Name(), "domid", b.domid(), "phase", phase, "error", err)
	return &BuildError{Phase: phase, DomID: b.domid(), Err: err}
}

func (b *builder) createDomain(ctx context.Context) error {
	domid := b.cfg.DomID
	if domid == xen.DomIDAny {
		create := b.p.CreateDomainFlags(b.cfg.EnableIOMMU)
		create.MaxVCPUs = max(b.cfg.VCPUs, 1)
		id, err := b.call.CreateDomain(ctx, xen.DomIDAny, create)
		if err != nil {
			return fmt.Errorf("create domain: %w", err)
		}
		domid = id
	}

	d := NewDomain(b.call, domid, b.cfg.TotalPages, b.p.PageShift(), b.cfg.Image)
	d.VCPUs = max(b.cfg.VCPUs, 1)
	d.Cmdline = b.cfg.Cmdline
	d.ConsoleDomID = b.cfg.ConsoleDomID
	d.XenstoreDomID = b.cfg.XenstoreDomID
	d.Progress = b.cfg.Progress
	for i := range b.cfg.Modules {
		m := b.cfg.Modules[i]
		d.Modules = append(d.Modules, &m)
	}
	if b.cfg.DeviceTree != nil {
		dt := *b.cfg.DeviceTree
		d.DeviceTree = &dt
	}
	b.d = d

	if err := b.call.SetMaxVCPUs(ctx, domid, d.VCPUs); err != nil {
		return fmt.Errorf("set max vcpus: %w", err)
	}
	maxKiB := (d.TotalPages << d.PageShift) >> 10
	if err := b.call.SetMaxMem(ctx, domid, maxKiB); err != nil {
		return fmt.Errorf("set max mem: %w", err)
	}
	return nil
}

func (b *builder) earlyInit(ctx context.Context) error {
	if err := b.p.InitializeEarly(ctx, b.d); err != nil {
		return err
	}
	if b.p.NeedsEarlyKernel() {
		return b.claimKernel()
	}
	return nil
}

// initMemory populates guest memory, then places the kernel if the platform
// did not need it early, then copies the image in.
func (b *builder) initMemory(ctx context.Context) error {
	if err := b.p.InitializeMemory(ctx, b.d); err != nil {
		return err
	}
	if !b.p.NeedsEarlyKernel() {
		if err := b.claimKernel(); err != nil {
			return err
		}
	}
	if b.cfg.Loader == nil {
		return nil
	}
	if err := b.cfg.Loader.Load(ctx, b.d, *b.d.Kernel); err != nil {
		return fmt.Errorf("load kernel: %w", err)
	}
	return nil
}

func (b *builder) claimKernel() error {
	img := b.d.Image
	if img.VirtKEnd <= img.VirtKStart {
		return fmt.Errorf("kernel image range [%#x, %#x) is empty", img.VirtKStart, img.VirtKEnd)
	}
	start := alignDown(img.VirtKStart, b.d.PageSize())
	seg, err := b.d.ClaimSegment("kernel", start, img.VirtKEnd-start)
	if err != nil {
		return fmt.Errorf("claim kernel segment: %w", err)
	}
	b.d.Kernel = &seg
	return nil
}

func (b *builder) setupSharedInfo(ctx context.Context) error {
	info, err := b.call.DomainInfo(ctx, b.d.DomID)
	if err != nil {
		return fmt.Errorf("domain info: %w", err)
	}
	b.d.SharedInfoFrame = info.SharedInfoFrame
	return b.p.SetupSharedInfo(ctx, b.d, info.SharedInfoFrame)
}
