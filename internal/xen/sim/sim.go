// Package sim is an in-memory hypervisor implementing xen.Call. It backs the
// builder's tests and the CLI's dry-run mode.
package sim

import (
	"context"
	"fmt"
	"sync"
	"syscall"

	"github.com/google/btree"

	"github.com/tinyrange/xenbuild/internal/xen"
)

// Options configures a simulated host.
type Options struct {
	// TotalPages bounds the memory the host can hand out. Zero is unlimited.
	TotalPages uint64
	// MFNBase is the first machine frame handed out.
	MFNBase uint64
}

// PopulateRequest records one PopulatePhysmap call.
type PopulateRequest struct {
	DomID   xen.DomID
	Order   uint32
	Extents []uint64
}

// Frames returns the number of frames the request asked for.
func (r PopulateRequest) Frames() uint64 {
	return uint64(len(r.Extents)) << r.Order
}

// PopulateFunc overrides how many extents of a request are satisfied.
type PopulateFunc func(req PopulateRequest) (int, error)

type extent struct {
	start uint64
	count uint64
	mfn   uint64
}

func extentLess(a, b extent) bool { return a.start < b.start }

// Domain is the simulated state of one guest.
type Domain struct {
	ID              xen.DomID
	Config          xen.CreateDomain
	MaxKiB          uint64
	MaxVCPUs        uint32
	AddressSize     uint32
	SharedInfoFrame uint64
	Params          map[uint32]uint64
	VCPUs           map[uint32]xen.VCPUContext
	PinnedTables    map[int]uint64
	HypercallPage   uint64
	Grants          *xen.GrantSeed
	Paused          bool

	frames    map[uint64][]byte
	populated *btree.BTreeG[extent]
	nextPort  uint32
}

func newDomain(id xen.DomID, cfg xen.CreateDomain) *Domain {
	return &Domain{
		ID:              id,
		Config:          cfg,
		SharedInfoFrame: 0xfee00 + uint64(id),
		Params:          make(map[uint32]uint64),
		VCPUs:           make(map[uint32]xen.VCPUContext),
		PinnedTables:    make(map[int]uint64),
		Paused:          true,
		frames:          make(map[uint64][]byte),
		populated:       btree.NewG(16, extentLess),
		nextPort:        1,
	}
}

func (d *Domain) overlaps(start, count uint64) bool {
	hit := false
	d.populated.DescendLessOrEqual(extent{start: start}, func(e extent) bool {
		hit = e.start+e.count > start
		return false
	})
	if hit {
		return true
	}
	d.populated.AscendGreaterOrEqual(extent{start: start}, func(e extent) bool {
		hit = e.start < start+count
		return false
	})
	return hit
}

// Hypervisor is a concurrency-safe simulated hypervisor.
type Hypervisor struct {
	mu sync.Mutex

	opts      Options
	next      xen.DomID
	nextMFN   uint64
	usedPages uint64
	domains   map[xen.DomID]*Domain
	populates []PopulateRequest
	failures  map[string]error
	hook      PopulateFunc
}

var _ xen.Call = (*Hypervisor)(nil)

// New returns an empty simulated host.
func New(opts Options) *Hypervisor {
	return &Hypervisor{
		opts:     opts,
		next:     1,
		nextMFN:  opts.MFNBase,
		domains:  make(map[xen.DomID]*Domain),
		failures: make(map[string]error),
	}
}

// FailOp makes every subsequent call of op return err. A nil err clears it.
func (h *Hypervisor) FailOp(op string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		delete(h.failures, op)
		return
	}
	h.failures[op] = err
}

// SetPopulateHook installs f to decide how many extents each request gets.
func (h *Hypervisor) SetPopulateHook(f PopulateFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hook = f
}

// Populates returns every PopulatePhysmap request seen so far.
func (h *Hypervisor) Populates() []PopulateRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]PopulateRequest, len(h.populates))
	copy(out, h.populates)
	return out
}

// PopulatedPages reports how many frames domid has backed.
func (h *Hypervisor) PopulatedPages(domid xen.DomID) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.domains[domid]
	if !ok {
		return 0
	}
	var total uint64
	d.populated.Ascend(func(e extent) bool {
		total += e.count
		return true
	})
	return total
}

// IsPopulated reports whether pfn is backed in domid.
func (h *Hypervisor) IsPopulated(domid xen.DomID, pfn uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.domains[domid]
	if !ok {
		return false
	}
	return d.overlaps(pfn, 1)
}

// Frame returns a copy of the page last written to frame, or nil.
func (h *Hypervisor) Frame(domid xen.DomID, frame uint64) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.domains[domid]
	if !ok {
		return nil
	}
	page, ok := d.frames[frame]
	if !ok {
		return nil
	}
	return append([]byte(nil), page...)
}

// Domain returns a snapshot of domid's state.
func (h *Hypervisor) Domain(domid xen.DomID) (Domain, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.domains[domid]
	if !ok {
		return Domain{}, false
	}
	return *d, true
}

func (h *Hypervisor) lookup(op string, domid xen.DomID) (*Domain, error) {
	if err, ok := h.failures[op]; ok {
		return nil, err
	}
	d, ok := h.domains[domid]
	if !ok {
		return nil, &xen.HypercallError{Op: op, DomID: domid, Errno: syscall.ESRCH}
	}
	return d, nil
}

func (h *Hypervisor) CreateDomain(ctx context.Context, domid xen.DomID, cfg xen.CreateDomain) (xen.DomID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err, ok := h.failures["create_domain"]; ok {
		return 0, err
	}
	if domid == xen.DomIDAny {
		for {
			if _, used := h.domains[h.next]; !used {
				break
			}
			h.next++
		}
		domid = h.next
		h.next++
	} else if _, exists := h.domains[domid]; exists {
		return 0, &xen.HypercallError{Op: "create_domain", DomID: domid, Errno: syscall.EEXIST}
	}
	h.domains[domid] = newDomain(domid, cfg)
	return domid, nil
}

func (h *Hypervisor) DestroyDomain(ctx context.Context, domid xen.DomID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.lookup("destroy_domain", domid)
	if err != nil {
		return err
	}
	d.populated.Ascend(func(e extent) bool {
		h.usedPages -= e.count
		return true
	})
	delete(h.domains, domid)
	return nil
}

func (h *Hypervisor) DomainInfo(ctx context.Context, domid xen.DomID) (xen.DomainInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.lookup("domain_info", domid)
	if err != nil {
		return xen.DomainInfo{}, err
	}
	var total uint64
	d.populated.Ascend(func(e extent) bool {
		total += e.count
		return true
	})
	maxVCPU := d.MaxVCPUs
	if maxVCPU > 0 {
		maxVCPU--
	}
	return xen.DomainInfo{
		DomID:           domid,
		TotalPages:      total,
		MaxPages:        d.MaxKiB / (xen.PageSize / 1024),
		SharedInfoFrame: d.SharedInfoFrame,
		MaxVCPUID:       maxVCPU,
	}, nil
}

func (h *Hypervisor) SetMaxMem(ctx context.Context, domid xen.DomID, maxKiB uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.lookup("set_max_mem", domid)
	if err != nil {
		return err
	}
	d.MaxKiB = maxKiB
	return nil
}

func (h *Hypervisor) SetMaxVCPUs(ctx context.Context, domid xen.DomID, max uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.lookup("set_max_vcpus", domid)
	if err != nil {
		return err
	}
	d.MaxVCPUs = max
	return nil
}

func (h *Hypervisor) SetAddressSize(ctx context.Context, domid xen.DomID, bits uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.lookup("set_address_size", domid)
	if err != nil {
		return err
	}
	if bits != 32 && bits != 64 {
		return &xen.HypercallError{Op: "set_address_size", DomID: domid, Errno: syscall.EINVAL}
	}
	d.AddressSize = bits
	return nil
}

func (h *Hypervisor) PopulatePhysmap(ctx context.Context, domid xen.DomID, order uint32, flags uint32, extents []uint64) ([]uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.lookup("populate_physmap", domid)
	if err != nil {
		return nil, err
	}

	req := PopulateRequest{DomID: domid, Order: order, Extents: append([]uint64(nil), extents...)}
	h.populates = append(h.populates, req)

	n := len(extents)
	if h.hook != nil {
		n, err = h.hook(req)
		if err != nil {
			return nil, err
		}
		n = max(0, min(n, len(extents)))
	}

	pages := uint64(1) << order
	done := make([]uint64, 0, n)
	for _, base := range extents[:n] {
		if h.opts.TotalPages != 0 && h.usedPages+pages > h.opts.TotalPages {
			break
		}
		if d.overlaps(base, pages) {
			if len(done) == 0 {
				return nil, &xen.HypercallError{Op: "populate_physmap", DomID: domid, Errno: syscall.EEXIST}
			}
			break
		}
		mfn := (h.nextMFN + pages - 1) &^ (pages - 1)
		h.nextMFN = mfn + pages
		d.populated.ReplaceOrInsert(extent{start: base, count: pages, mfn: mfn})
		h.usedPages += pages
		done = append(done, mfn)
	}
	return done, nil
}

func (h *Hypervisor) WriteFrames(ctx context.Context, domid xen.DomID, frames []uint64, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.lookup("write_frames", domid)
	if err != nil {
		return err
	}
	if uint64(len(data)) > uint64(len(frames))*xen.PageSize {
		return fmt.Errorf("sim: %d bytes do not fit in %d frames", len(data), len(frames))
	}
	for i, frame := range frames {
		off := i * xen.PageSize
		if off >= len(data) {
			break
		}
		page := make([]byte, xen.PageSize)
		copy(page, data[off:])
		d.frames[frame] = page
	}
	return nil
}

func (h *Hypervisor) PinTable(ctx context.Context, domid xen.DomID, level int, mfn uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.lookup("pin_table", domid)
	if err != nil {
		return err
	}
	d.PinnedTables[level] = mfn
	return nil
}

func (h *Hypervisor) HypercallInit(ctx context.Context, domid xen.DomID, gmfn uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.lookup("hypercall_init", domid)
	if err != nil {
		return err
	}
	d.HypercallPage = gmfn
	return nil
}

func (h *Hypervisor) SetHVMParam(ctx context.Context, domid xen.DomID, param uint32, value uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.lookup("set_hvm_param", domid)
	if err != nil {
		return err
	}
	d.Params[param] = value
	return nil
}

func (h *Hypervisor) AllocUnboundEvtchn(ctx context.Context, domid xen.DomID, remote xen.DomID) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.lookup("alloc_unbound_evtchn", domid)
	if err != nil {
		return 0, err
	}
	port := d.nextPort
	d.nextPort++
	return port, nil
}

func (h *Hypervisor) SeedGrantTable(ctx context.Context, domid xen.DomID, seed xen.GrantSeed) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.lookup("seed_grant_table", domid)
	if err != nil {
		return err
	}
	d.Grants = &seed
	return nil
}

func (h *Hypervisor) SetVCPUContext(ctx context.Context, domid xen.DomID, vcpu uint32, vc xen.VCPUContext) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.lookup("set_vcpu_context", domid)
	if err != nil {
		return err
	}
	if d.MaxVCPUs != 0 && vcpu >= d.MaxVCPUs {
		return &xen.HypercallError{Op: "set_vcpu_context", DomID: domid, Errno: syscall.EINVAL}
	}
	d.VCPUs[vcpu] = vc
	return nil
}

func (h *Hypervisor) Unpause(ctx context.Context, domid xen.DomID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.lookup("unpause", domid)
	if err != nil {
		return err
	}
	d.Paused = false
	return nil
}
