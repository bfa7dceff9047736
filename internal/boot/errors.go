package boot

import (
	"errors"
	"fmt"

	"github.com/tinyrange/xenbuild/internal/xen"
)

var (
	// ErrPopulatePhysmapFailed means even native pages could not be backed.
	ErrPopulatePhysmapFailed = errors.New("physmap population failed")
	// ErrModulePlacement means no candidate region fits the boot modules.
	ErrModulePlacement = errors.New("no room to place boot modules")
	// ErrSegmentOverlap means a segment claim collides with an existing one.
	ErrSegmentOverlap = errors.New("segment overlaps an existing segment")
	// ErrUnsupportedPlatform is returned by every phase of the stub platform.
	ErrUnsupportedPlatform = errors.New("platform not supported")
)

// BuildError reports the phase that aborted a domain build.
type BuildError struct {
	Phase Phase
	DomID xen.DomID
	Err   error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build domain %d: %s: %v", e.DomID, e.Phase, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }
