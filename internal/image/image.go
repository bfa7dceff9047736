// Package image reads guest kernels and copies them into a domain being
// built.
package image

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/tinyrange/xenbuild/internal/boot"
)

// Kernel is a parsed kernel image ready to be loaded.
type Kernel struct {
	Info     boot.ImageInfo
	segments []loadSegment
}

var _ boot.ImageLoader = (*Kernel)(nil)

type loadSegment struct {
	addr    uint64
	memSize uint64
	data    []byte
}

// Open reads the kernel at path in the layout platform expects: an arm64
// Image for "arm", an ELF linked for the PV virtual layout for "x86-pv" and
// an ELF with a PVH entry note for "x86-hvm".
func Open(path, platform string) (*Kernel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read kernel: %w", err)
	}
	return Parse(data, platform)
}

// Parse is Open for a kernel already in memory.
func Parse(data []byte, platform string) (*Kernel, error) {
	r := bytes.NewReader(data)
	switch platform {
	case "arm":
		return LoadARM64(r, int64(len(data)))
	case "x86-pv":
		return LoadELF(r, false)
	case "x86-hvm":
		return LoadELF(r, true)
	default:
		return nil, fmt.Errorf("no kernel format for platform %q", platform)
	}
}

// Size returns the bytes the kernel occupies once loaded.
func (k *Kernel) Size() uint64 { return k.Info.VirtKEnd - k.Info.VirtKStart }

// Load copies the image into seg, zero filling any bss.
func (k *Kernel) Load(ctx context.Context, d *boot.Domain, seg boot.Segment) error {
	buf := make([]byte, seg.Size())
	for _, s := range k.segments {
		if s.addr < seg.VStart || s.addr+s.memSize > seg.VEnd {
			return fmt.Errorf("image segment [%#x, %#x) outside %s", s.addr, s.addr+s.memSize, seg)
		}
		copy(buf[s.addr-seg.VStart:], s.data)
	}
	return d.WriteSegment(ctx, seg, buf)
}
