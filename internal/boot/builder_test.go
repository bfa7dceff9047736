package boot

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/xenbuild/internal/xen"
	"github.com/tinyrange/xenbuild/internal/xen/sim"
)

// recordingPlatform logs every hook it sees and can fail one of them.
type recordingPlatform struct {
	hvm         bool
	earlyKernel bool
	failAt      string
	failErr     error

	calls          []string
	kernelAtMemory bool
}

var errInjected = errors.New("injected failure")

func (p *recordingPlatform) hit(name string) error {
	p.calls = append(p.calls, name)
	if p.failAt == name {
		if p.failErr != nil {
			return p.failErr
		}
		return errInjected
	}
	return nil
}

func (p *recordingPlatform) Name() string { return "recording" }

func (p *recordingPlatform) Geometry() Geometry {
	return Geometry{PageShift: 12, Banks: []Bank{{Base: 0, Size: 1 << 30}}, Levels: []uint64{18, 9, 0}}
}

func (p *recordingPlatform) CreateDomainFlags(enableIOMMU bool) xen.CreateDomain {
	var cfg xen.CreateDomain
	if p.hvm {
		cfg.Flags |= xen.CDFHVM
	}
	if enableIOMMU {
		cfg.Flags |= xen.CDFIOMMU
	}
	return cfg
}

func (p *recordingPlatform) PageSize() uint64       { return 1 << 12 }
func (p *recordingPlatform) PageShift() uint64      { return 12 }
func (p *recordingPlatform) NeedsEarlyKernel() bool { return p.earlyKernel }
func (p *recordingPlatform) IsHVM() bool            { return p.hvm }

func (p *recordingPlatform) InitializeEarly(ctx context.Context, d *Domain) error {
	return p.hit("early")
}

func (p *recordingPlatform) InitializeMemory(ctx context.Context, d *Domain) error {
	p.kernelAtMemory = d.Kernel != nil
	if err := p.hit("memory"); err != nil {
		return err
	}
	return PopulateBanks(ctx, d, p.Geometry())
}

func (p *recordingPlatform) AllocPageTables(ctx context.Context, d *Domain) (*Segment, error) {
	if err := p.hit("page-tables"); err != nil {
		return nil, err
	}
	seg, err := d.AllocPages("page tables", 2)
	return &seg, err
}

func (p *recordingPlatform) AllocP2MSegment(ctx context.Context, d *Domain) (*Segment, error) {
	return nil, p.hit("p2m")
}

func (p *recordingPlatform) AllocMagicPages(ctx context.Context, d *Domain) error {
	return p.hit("magic")
}

func (p *recordingPlatform) SetupPageTables(ctx context.Context, d *Domain) error {
	return p.hit("setup-page-tables")
}

func (p *recordingPlatform) SetupSharedInfo(ctx context.Context, d *Domain, frame uint64) error {
	return p.hit("shared-info")
}

func (p *recordingPlatform) SetupStartInfo(ctx context.Context, d *Domain, frame uint64) error {
	return p.hit("start-info")
}

func (p *recordingPlatform) SetupHypercallPage(ctx context.Context, d *Domain) error {
	return p.hit("hypercall-page")
}

func (p *recordingPlatform) SeedGrantTable(ctx context.Context, d *Domain) error {
	return p.hit("grant-table")
}

func (p *recordingPlatform) ConfigureVCPU(ctx context.Context, d *Domain) error {
	return p.hit("vcpu")
}

func (p *recordingPlatform) BootLate(ctx context.Context, d *Domain) error {
	return p.hit("late")
}

type recordingLoader struct {
	p   *recordingPlatform
	seg Segment
}

func (l *recordingLoader) Load(ctx context.Context, d *Domain, seg Segment) error {
	l.seg = seg
	return l.p.hit("load")
}

func testConfig() Config {
	return Config{
		TotalPages: 1024,
		VCPUs:      2,
		Cmdline:    "console=hvc0",
		Image: ImageInfo{
			VirtKStart: 0x100000,
			VirtKEnd:   0x180000,
			VirtEntry:  0x100000,
		},
	}
}

func TestBuildRunsPVPhasesInOrder(t *testing.T) {
	h := sim.New(sim.Options{})
	p := &recordingPlatform{}
	cfg := testConfig()
	loader := &recordingLoader{p: p}
	cfg.Loader = loader

	d, err := Build(context.Background(), h, p, cfg)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"early", "memory", "load", "page-tables", "p2m", "magic", "setup-page-tables",
		"shared-info", "start-info", "hypercall-page", "grant-table", "vcpu", "late",
	}, p.calls)
	assert.False(t, p.kernelAtMemory)
	require.NotNil(t, d.Kernel)
	assert.Equal(t, *d.Kernel, loader.seg)
	assert.Equal(t, uint64(0x100000), d.Kernel.VStart)
	require.NotNil(t, d.PageTables)
	assert.Equal(t, uint64(0x180000), d.PageTables.VStart)

	dom, ok := h.Domain(d.DomID)
	require.True(t, ok)
	assert.Equal(t, uint32(2), dom.MaxVCPUs)
	assert.Equal(t, uint64(1024*4), dom.MaxKiB)
	assert.Equal(t, dom.SharedInfoFrame, d.SharedInfoFrame)
	assert.Equal(t, uint64(1024), h.PopulatedPages(d.DomID))
}

func TestBuildSkipsPVPhasesForHVM(t *testing.T) {
	h := sim.New(sim.Options{})
	p := &recordingPlatform{hvm: true, earlyKernel: true}
	cfg := testConfig()
	cfg.Loader = &recordingLoader{p: p}
	cfg.EnableIOMMU = true

	d, err := Build(context.Background(), h, p, cfg)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"early", "memory", "load", "magic", "shared-info", "start-info", "grant-table", "vcpu", "late",
	}, p.calls)
	assert.True(t, p.kernelAtMemory)
	assert.Nil(t, d.PageTables)

	dom, ok := h.Domain(d.DomID)
	require.True(t, ok)
	assert.Equal(t, xen.CDFHVM|xen.CDFIOMMU, dom.Config.Flags)
}

func TestBuildReportsFailingPhase(t *testing.T) {
	cases := []struct {
		failAt string
		phase  Phase
	}{
		{"early", PhaseEarlyInit},
		{"memory", PhaseInitMemory},
		{"load", PhaseInitMemory},
		{"page-tables", PhaseAllocPageTables},
		{"magic", PhaseAllocMagicPages},
		{"start-info", PhaseSetupStartInfo},
		{"vcpu", PhaseVCPUSetup},
		{"late", PhaseBootLate},
	}
	for _, tc := range cases {
		t.Run(tc.failAt, func(t *testing.T) {
			h := sim.New(sim.Options{})
			p := &recordingPlatform{failAt: tc.failAt}
			cfg := testConfig()
			cfg.Loader = &recordingLoader{p: p}

			d, err := Build(context.Background(), h, p, cfg)

			var be *BuildError
			require.ErrorAs(t, err, &be)
			assert.Equal(t, tc.phase, be.Phase)
			assert.ErrorIs(t, err, errInjected)
			require.NotNil(t, d)
			assert.Equal(t, d.DomID, be.DomID)
			assert.Equal(t, tc.failAt, p.calls[len(p.calls)-1])
		})
	}
}

func TestBuildPropagatesPhysmapFailure(t *testing.T) {
	h := sim.New(sim.Options{})
	h.SetPopulateHook(func(sim.PopulateRequest) (int, error) { return 0, nil })
	p := &recordingPlatform{}

	d, err := Build(context.Background(), h, p, testConfig())

	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, PhaseInitMemory, be.Phase)
	assert.ErrorIs(t, err, ErrPopulatePhysmapFailed)
	assert.NotNil(t, d)
}

func TestBuildUsesExistingDomain(t *testing.T) {
	h := sim.New(sim.Options{})
	ctx := context.Background()
	id, err := h.CreateDomain(ctx, 7, xen.CreateDomain{})
	require.NoError(t, err)
	h.FailOp("create_domain", errors.New("must not be called"))

	cfg := testConfig()
	cfg.DomID = id
	d, err := Build(ctx, h, &recordingPlatform{}, cfg)
	require.NoError(t, err)
	assert.Equal(t, xen.DomID(7), d.DomID)
}

func TestBuildCreateDomainFailure(t *testing.T) {
	h := sim.New(sim.Options{})
	h.FailOp("create_domain", errInjected)

	d, err := Build(context.Background(), h, &recordingPlatform{}, testConfig())

	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, PhaseCreateDomain, be.Phase)
	assert.ErrorIs(t, err, errInjected)
	assert.Nil(t, d)
}

func TestBuildRejectsBadInput(t *testing.T) {
	h := sim.New(sim.Options{})
	p := &recordingPlatform{}

	_, err := Build(context.Background(), nil, p, testConfig())
	assert.Error(t, err)
	_, err = Build(context.Background(), h, nil, testConfig())
	assert.Error(t, err)

	cfg := testConfig()
	cfg.TotalPages = 0
	_, err = Build(context.Background(), h, p, cfg)
	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, PhaseCreateDomain, be.Phase)

	cfg = testConfig()
	cfg.Image.VirtKEnd = cfg.Image.VirtKStart
	_, err = Build(context.Background(), h, p, cfg)
	require.ErrorAs(t, err, &be)
	assert.Equal(t, PhaseInitMemory, be.Phase)
}

func TestBuildHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &recordingPlatform{}

	_, err := Build(ctx, sim.New(sim.Options{}), p, testConfig())

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, p.calls)
}

func TestBuildCopiesModulesPerDomain(t *testing.T) {
	h := sim.New(sim.Options{})
	cfg := testConfig()
	cfg.Modules = []Module{{Name: "ramdisk", Size: 10}}

	d1, err := Build(context.Background(), h, &recordingPlatform{}, cfg)
	require.NoError(t, err)
	d1.Modules[0].Size = 99

	assert.Equal(t, uint64(10), cfg.Modules[0].Size)
	assert.NotEqual(t, xen.DomIDAny, d1.DomID)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "alloc-magic-pages", PhaseAllocMagicPages.String())
	assert.Equal(t, "done", PhaseDone.String())
	assert.Equal(t, "Phase(99)", Phase(99).String())
}
