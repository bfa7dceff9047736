package boot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/xenbuild/internal/xen"
)

// maxBatchFrames caps the frames asked for at one cursor position.
const maxBatchFrames = 1 << 20

// CoverageResult classifies a single-level population attempt.
type CoverageResult int

const (
	// Rejected means the level could not be used here (misaligned, too small,
	// or the hypervisor populated nothing). The caller tries a smaller level.
	Rejected CoverageResult = iota
	// Partial means fewer extents than requested were populated.
	Partial
	// Full means every requested extent was populated.
	Full
)

func (r CoverageResult) String() string {
	switch r {
	case Rejected:
		return "rejected"
	case Partial:
		return "partial"
	case Full:
		return "full"
	default:
		return fmt.Sprintf("CoverageResult(%d)", int(r))
	}
}

// Coverage is the outcome of one level attempt.
type Coverage struct {
	Result CoverageResult
	Frames uint64
}

// PhysmapCaller is the slice of xen.Call the allocator needs.
type PhysmapCaller interface {
	PopulatePhysmap(ctx context.Context, domid xen.DomID, order uint32, flags uint32, extents []uint64) ([]uint64, error)
}

// Allocator backs guest frame ranges, preferring the largest aligned
// superpage order and falling back to smaller ones.
type Allocator struct {
	Call  PhysmapCaller
	DomID xen.DomID
	// Levels are population orders, largest first, ending in 0.
	Levels []uint64
	// OnExtents, if set, receives the frames the hypervisor returned for each
	// successful batch.
	OnExtents func(basePFN uint64, order uint64, frames []uint64)
	// Progress, if set, receives the frames covered by each batch.
	Progress func(frames uint64)
}

// Populate backs [basePFN, basePFN+nrPFNs).
func (a *Allocator) Populate(ctx context.Context, basePFN, nrPFNs uint64) error {
	if len(a.Levels) == 0 {
		return errors.New("physmap: no population levels")
	}
	var pfn uint64
	for pfn < nrPFNs {
		if err := ctx.Err(); err != nil {
			return err
		}
		remaining := min(uint64(maxBatchFrames), nrPFNs-pfn)
		covered, err := a.populateAt(ctx, basePFN+pfn, remaining)
		if err != nil {
			return err
		}
		pfn += covered
		if a.Progress != nil {
			a.Progress(covered)
		}
	}
	return nil
}

func (a *Allocator) populateAt(ctx context.Context, base, remaining uint64) (uint64, error) {
	for i := range a.Levels {
		cov, err := a.tryLevel(ctx, i, base, remaining)
		if err != nil {
			return 0, err
		}
		if cov.Result != Rejected {
			return cov.Frames, nil
		}
	}
	return 0, fmt.Errorf("%w: domain %d pfn range [%#x, %#x)", ErrPopulatePhysmapFailed, a.DomID, base, base+remaining)
}

// tryLevel attempts to cover the front of [base, base+remaining) with
// extents of order Levels[idx].
func (a *Allocator) tryLevel(ctx context.Context, idx int, base, remaining uint64) (Coverage, error) {
	// The top of a multi-level hierarchy has no coarser level to bound it.
	if idx == 0 && len(a.Levels) > 1 {
		return Coverage{Result: Rejected}, nil
	}
	order := a.Levels[idx]
	if base&(uint64(1)<<order-1) != 0 {
		return Coverage{Result: Rejected}, nil
	}

	end := base + remaining
	if idx > 0 {
		next := a.Levels[idx-1]
		nextMask := uint64(1)<<next - 1
		if base&nextMask != 0 {
			boundary := (base + uint64(1)<<next) &^ nextMask
			if end > boundary {
				end = boundary
			}
		}
	}

	count := (end - base) >> order
	if count == 0 {
		return Coverage{Result: Rejected}, nil
	}

	extents := make([]uint64, count)
	for i := range extents {
		extents[i] = base + uint64(i)<<order
	}

	done, err := a.Call.PopulatePhysmap(ctx, a.DomID, uint32(order), 0, extents)
	if err != nil {
		return Coverage{}, fmt.Errorf("populate physmap order %d at pfn %#x: %w", order, base, err)
	}
	if len(done) > len(extents) {
		return Coverage{}, fmt.Errorf("populate physmap order %d at pfn %#x: hypervisor returned %d extents, asked for %d", order, base, len(done), len(extents))
	}
	if len(done) == 0 {
		slog.Debug("physmap: level yielded nothing", "domid", a.DomID, "order", order, "pfn", base)
		return Coverage{Result: Rejected}, nil
	}
	if a.OnExtents != nil {
		a.OnExtents(base, order, done)
	}

	res := Full
	if uint64(len(done)) < count {
		res = Partial
		slog.Debug("physmap: partial population", "domid", a.DomID, "order", order, "pfn", base, "requested", count, "populated", len(done))
	}
	return Coverage{Result: res, Frames: uint64(len(done)) << order}, nil
}

// PopulatePhysmap backs [basePFN, basePFN+nrPFNs) of d using geo's levels.
func PopulatePhysmap(ctx context.Context, d *Domain, geo Geometry, basePFN, nrPFNs uint64) error {
	a := &Allocator{
		Call:      d.Call,
		DomID:     d.DomID,
		Levels:    geo.Levels,
		OnExtents: d.recordExtents,
		Progress:  d.Progress,
	}
	return a.Populate(ctx, basePFN, nrPFNs)
}
