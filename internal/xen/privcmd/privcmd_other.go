//go:build !linux

package privcmd

import (
	"fmt"
	"runtime"

	"github.com/tinyrange/xenbuild/internal/xen"
)

// Options locates the driver nodes.
type Options struct {
	PrivcmdPath   string
	HypercallPath string
	DomctlVersion uint32
}

// Client is unavailable off Linux.
type Client struct {
	xen.Call
}

// Open always fails off Linux.
func Open(opts Options) (*Client, error) {
	return nil, fmt.Errorf("%w: privcmd on %s", xen.ErrTransportUnsupported, runtime.GOOS)
}

func (c *Client) Close() error { return nil }
