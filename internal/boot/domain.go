package boot

import (
	"context"
	"fmt"

	"github.com/google/btree"

	"github.com/tinyrange/xenbuild/internal/xen"
)

// ImageInfo is the kernel metadata supplied by the image loader.
type ImageInfo struct {
	// VirtBase is the virtual address mapped to pfn 0.
	VirtBase   uint64
	VirtKStart uint64
	VirtKEnd   uint64
	VirtEntry  uint64
	// HypercallPage is the virtual address of the PV hypercall page, if the
	// kernel asks for one.
	HypercallPage uint64
	// PhysEntry is the 32-bit PVH entry point, if the kernel has one.
	PhysEntry uint64
}

// Module is a blob handed to the guest alongside the kernel.
type Module struct {
	Name    string
	Size    uint64
	Data    []byte
	Cmdline string
	// Segment is set once the module has been placed.
	Segment *Segment
}

// MagicPage is a toolstack-shared ring page and its event channel.
type MagicPage struct {
	PFN    uint64
	Evtchn uint32
}

// Domain is the construction context threaded through every phase. It is
// owned by a single build and must not be shared while the build runs.
type Domain struct {
	DomID      xen.DomID
	Call       xen.Call
	TotalPages uint64
	PageShift  uint64
	VCPUs      uint32
	Cmdline    string

	Image      ImageInfo
	Modules    []*Module
	DeviceTree *Module

	ConsoleDomID  xen.DomID
	XenstoreDomID xen.DomID
	Console       MagicPage
	Xenstore      MagicPage

	SharedInfoFrame uint64
	BankPages       []uint64

	Kernel     *Segment
	PageTables *Segment
	P2MTable   *Segment
	StartInfo  *Segment
	BootStack  *Segment

	// P2M maps guest pfns to the frames returned by the hypervisor. It is
	// only maintained for platforms that call EnableP2M.
	P2M []uint64

	// Progress receives the number of frames covered by each populate batch.
	Progress func(frames uint64)

	segments     *btree.BTreeG[Segment]
	virtAllocEnd uint64
}

// NewDomain returns a construction context for domid.
func NewDomain(call xen.Call, domid xen.DomID, totalPages, pageShift uint64, image ImageInfo) *Domain {
	d := &Domain{
		DomID:      domid,
		Call:       call,
		TotalPages: totalPages,
		PageShift:  pageShift,
		VCPUs:      1,
		Image:      image,
		segments:   btree.NewG(8, segmentLess),
	}
	d.virtAllocEnd = alignUp(max(image.VirtKEnd, image.VirtBase), d.PageSize())
	return d
}

// PageSize returns the guest page size in bytes.
func (d *Domain) PageSize() uint64 { return 1 << d.PageShift }

// ClaimSegment records [vstart, vstart+size) as used. vstart must be page
// aligned; size is rounded up to whole pages.
func (d *Domain) ClaimSegment(name string, vstart, size uint64) (Segment, error) {
	if size == 0 {
		return Segment{}, fmt.Errorf("segment %s: zero size", name)
	}
	if vstart&(d.PageSize()-1) != 0 {
		return Segment{}, fmt.Errorf("segment %s: start %#x not page aligned", name, vstart)
	}
	if vstart < d.Image.VirtBase {
		return Segment{}, fmt.Errorf("segment %s: start %#x below virtual base %#x", name, vstart, d.Image.VirtBase)
	}
	size = alignUp(size, d.PageSize())
	seg := Segment{
		Name:   name,
		VStart: vstart,
		VEnd:   vstart + size,
		PFN:    (vstart - d.Image.VirtBase) >> d.PageShift,
		Pages:  size >> d.PageShift,
	}
	if seg.VEnd <= seg.VStart {
		return Segment{}, fmt.Errorf("segment %s: range [%#x, +%#x) wraps", name, vstart, size)
	}
	if other, ok := d.overlapping(seg); ok {
		return Segment{}, fmt.Errorf("%w: %s collides with %s", ErrSegmentOverlap, seg, other)
	}
	d.segments.ReplaceOrInsert(seg)
	return seg, nil
}

func (d *Domain) overlapping(seg Segment) (Segment, bool) {
	var hit Segment
	found := false
	d.segments.DescendLessOrEqual(seg, func(s Segment) bool {
		if s.Overlaps(seg) {
			hit, found = s, true
		}
		return false
	})
	if found {
		return hit, true
	}
	d.segments.AscendGreaterOrEqual(seg, func(s Segment) bool {
		if s.Overlaps(seg) {
			hit, found = s, true
		}
		return false
	})
	return hit, found
}

// AllocSegment claims size bytes at the virtual allocation cursor, which
// starts just past the kernel image, and advances the cursor.
func (d *Domain) AllocSegment(name string, size uint64) (Segment, error) {
	seg, err := d.ClaimSegment(name, d.virtAllocEnd, size)
	if err != nil {
		return Segment{}, err
	}
	d.virtAllocEnd = seg.VEnd
	return seg, nil
}

// AllocPages claims n pages at the allocation cursor.
func (d *Domain) AllocPages(name string, n uint64) (Segment, error) {
	return d.AllocSegment(name, n<<d.PageShift)
}

// VirtAllocEnd returns the virtual allocation cursor.
func (d *Domain) VirtAllocEnd() uint64 { return d.virtAllocEnd }

// Segments returns every claimed segment in address order.
func (d *Domain) Segments() []Segment {
	out := make([]Segment, 0, d.segments.Len())
	d.segments.Ascend(func(s Segment) bool {
		out = append(out, s)
		return true
	})
	return out
}

// EnableP2M starts recording pfn to frame translations for every populated
// extent.
func (d *Domain) EnableP2M() {
	d.P2M = make([]uint64, d.TotalPages)
}

func (d *Domain) recordExtents(basePFN uint64, order uint64, frames []uint64) {
	if d.P2M == nil {
		return
	}
	pages := uint64(1) << order
	for i, frame := range frames {
		pfn := basePFN + uint64(i)*pages
		for j := uint64(0); j < pages; j++ {
			if pfn+j < uint64(len(d.P2M)) {
				d.P2M[pfn+j] = frame + j
			}
		}
	}
}

// GFN returns the frame number the hypervisor expects for pfn: the machine
// frame when a p2m is kept, the pfn itself otherwise.
func (d *Domain) GFN(pfn uint64) uint64 {
	if d.P2M != nil && pfn < uint64(len(d.P2M)) {
		return d.P2M[pfn]
	}
	return pfn
}

// WriteSegment copies data into the frames backing seg.
func (d *Domain) WriteSegment(ctx context.Context, seg Segment, data []byte) error {
	if uint64(len(data)) > seg.Size() {
		return fmt.Errorf("write %s: %d bytes exceed segment size %#x", seg.Name, len(data), seg.Size())
	}
	return d.WritePages(ctx, seg.PFN, data)
}

// WritePages copies data into consecutive pfns starting at pfn.
func (d *Domain) WritePages(ctx context.Context, pfn uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	n := alignUp(uint64(len(data)), d.PageSize()) >> d.PageShift
	frames := make([]uint64, n)
	for i := range frames {
		frames[i] = d.GFN(pfn + uint64(i))
	}
	if err := d.Call.WriteFrames(ctx, d.DomID, frames, data); err != nil {
		return fmt.Errorf("write guest pfn %#x (+%d): %w", pfn, n, err)
	}
	return nil
}
