//go:build linux

package privcmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/xenbuild/internal/xen"
)

const (
	ioctlPrivcmdHypercall   = 0x305000
	ioctlPrivcmdMmapBatchV2 = 0x205004
)

type privcmdHypercall struct {
	op  uint64
	arg [5]uint64
}

type privcmdMmapBatchV2 struct {
	num  uint32
	dom  uint16
	_    uint16
	addr uint64
	arr  uint64
	err  uint64
}

// Options locates the driver nodes.
type Options struct {
	PrivcmdPath   string
	HypercallPath string
	DomctlVersion uint32
}

// Client issues hypercalls through /dev/xen/privcmd. It is safe for
// concurrent use; calls are serialized.
type Client struct {
	mu            sync.Mutex
	privcmd       *os.File
	bufdev        *os.File
	domctlVersion uint32
}

var _ xen.Call = (*Client)(nil)

// Open opens the privcmd and hypercall buffer devices.
func Open(opts Options) (*Client, error) {
	if opts.PrivcmdPath == "" {
		opts.PrivcmdPath = "/dev/xen/privcmd"
	}
	if opts.HypercallPath == "" {
		opts.HypercallPath = "/dev/xen/hypercall"
	}
	if opts.DomctlVersion == 0 {
		opts.DomctlVersion = DefaultDomctlVersion
	}
	pc, err := os.OpenFile(opts.PrivcmdPath, os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s missing (not running in a Xen control domain?)", xen.ErrTransportUnsupported, opts.PrivcmdPath)
		}
		return nil, fmt.Errorf("open privcmd: %w", err)
	}
	buf, err := os.OpenFile(opts.HypercallPath, os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("open hypercall buffer device: %w", err)
	}
	slog.Debug("privcmd: opened", "privcmd", opts.PrivcmdPath, "domctl_version", opts.DomctlVersion)
	return &Client{privcmd: pc, bufdev: buf, domctlVersion: opts.DomctlVersion}, nil
}

// Close releases the driver handles.
func (c *Client) Close() error {
	return errors.Join(c.privcmd.Close(), c.bufdev.Close())
}

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, err := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if err != 0 {
		return 0, err
	}
	return v1, nil
}

func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v1, err
	}
}

// buffer is hypercall-safe memory: locked pages the hypervisor may access.
type buffer struct {
	mem []byte
}

func (c *Client) alloc(size int) (*buffer, error) {
	size = (size + xen.PageSize - 1) &^ (xen.PageSize - 1)
	mem, err := unix.Mmap(int(c.bufdev.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map hypercall buffer: %w", err)
	}
	return &buffer{mem: mem}, nil
}

func (b *buffer) addr() uintptr { return uintptr(unsafe.Pointer(&b.mem[0])) }

func (b *buffer) free() { _ = unix.Munmap(b.mem) }

func (c *Client) hypercall(op uint64, args ...uint64) (uintptr, error) {
	hc := privcmdHypercall{op: op}
	copy(hc.arg[:], args)
	return ioctlWithRetry(c.privcmd.Fd(), ioctlPrivcmdHypercall, uintptr(unsafe.Pointer(&hc)))
}

// call copies in into a hypercall buffer, runs op with the buffer address as
// the argument after cmd, and copies the buffer back into in.
func (c *Client) call(name string, domid xen.DomID, op, cmd uint64, in []byte, extra ...uint64) (uintptr, error) {
	buf, err := c.alloc(len(in))
	if err != nil {
		return 0, err
	}
	defer buf.free()
	copy(buf.mem, in)
	args := append([]uint64{cmd, uint64(buf.addr())}, extra...)
	ret, err := c.hypercall(op, args...)
	copy(in, buf.mem)
	if err != nil {
		return 0, hypercallError(name, domid, err)
	}
	return ret, nil
}

func hypercallError(name string, domid xen.DomID, err error) error {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return xen.NewHypercallError(name, domid, errno)
	}
	return fmt.Errorf("xen: %s (domain %d): %w", name, domid, err)
}

func (c *Client) domctl(ctx context.Context, name string, d *domctl) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, err := c.alloc(len(d))
	if err != nil {
		return err
	}
	defer buf.free()
	copy(buf.mem, d[:])
	_, err = c.hypercall(hypercallDomctl, uint64(buf.addr()))
	copy(d[:], buf.mem)
	if err != nil {
		return hypercallError(name, d.domain(), err)
	}
	return nil
}

func (c *Client) CreateDomain(ctx context.Context, domid xen.DomID, cfg xen.CreateDomain) (xen.DomID, error) {
	d := newDomctl(domctlCreateDomain, c.domctlVersion, domid)
	encodeCreateDomain(d.payload(), cfg, runtime.GOARCH == "arm64")
	if err := c.domctl(ctx, "create_domain", d); err != nil {
		return 0, err
	}
	return d.domain(), nil
}

func (c *Client) DestroyDomain(ctx context.Context, domid xen.DomID) error {
	return c.domctl(ctx, "destroy_domain", newDomctl(domctlDestroyDomain, c.domctlVersion, domid))
}

func (c *Client) DomainInfo(ctx context.Context, domid xen.DomID) (xen.DomainInfo, error) {
	d := newDomctl(domctlGetDomainInfo, c.domctlVersion, domid)
	if err := c.domctl(ctx, "domain_info", d); err != nil {
		return xen.DomainInfo{}, err
	}
	info := decodeDomainInfo(d.payload()[:getInfoSize])
	if info.DomID != domid {
		return xen.DomainInfo{}, fmt.Errorf("%w: %d", xen.ErrNoSuchDomain, domid)
	}
	return info, nil
}

func (c *Client) SetMaxMem(ctx context.Context, domid xen.DomID, maxKiB uint64) error {
	d := newDomctl(domctlMaxMem, c.domctlVersion, domid)
	le.PutUint64(d.payload(), maxKiB)
	return c.domctl(ctx, "set_max_mem", d)
}

func (c *Client) SetMaxVCPUs(ctx context.Context, domid xen.DomID, max uint32) error {
	d := newDomctl(domctlMaxVCPUs, c.domctlVersion, domid)
	le.PutUint32(d.payload(), max)
	return c.domctl(ctx, "set_max_vcpus", d)
}

func (c *Client) SetAddressSize(ctx context.Context, domid xen.DomID, bits uint32) error {
	d := newDomctl(domctlSetAddressSize, c.domctlVersion, domid)
	le.PutUint32(d.payload(), bits)
	return c.domctl(ctx, "set_address_size", d)
}

func (c *Client) HypercallInit(ctx context.Context, domid xen.DomID, gmfn uint64) error {
	d := newDomctl(domctlHypercallInit, c.domctlVersion, domid)
	le.PutUint64(d.payload(), gmfn)
	return c.domctl(ctx, "hypercall_init", d)
}

func (c *Client) Unpause(ctx context.Context, domid xen.DomID) error {
	return c.domctl(ctx, "unpause", newDomctl(domctlUnpauseDomain, c.domctlVersion, domid))
}

func (c *Client) SetVCPUContext(ctx context.Context, domid xen.DomID, vcpu uint32, vc xen.VCPUContext) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	ctxt := encodeVCPUContext(vc)
	buf, err := c.alloc(len(ctxt))
	c.mu.Unlock()
	if err != nil {
		return err
	}
	defer buf.free()
	copy(buf.mem, ctxt)

	d := newDomctl(domctlSetVCPUContext, c.domctlVersion, domid)
	le.PutUint32(d.payload()[0:], vcpu)
	le.PutUint64(d.payload()[8:], uint64(buf.addr()))
	return c.domctl(ctx, "set_vcpu_context", d)
}

func (c *Client) PopulatePhysmap(ctx context.Context, domid xen.DomID, order uint32, flags uint32, extents []uint64) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(extents) == 0 {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	list, err := c.alloc(len(extents) * 8)
	if err != nil {
		return nil, err
	}
	defer list.free()
	for i, e := range extents {
		le.PutUint64(list.mem[i*8:], e)
	}

	res := encodeReservation(list.addr(), uint64(len(extents)), order, flags, domid)
	ret, err := c.call("populate_physmap", domid, hypercallMemoryOp, memPopulatePhysmap, res)
	if err != nil {
		return nil, err
	}
	n := int(ret)
	if n > len(extents) {
		return nil, fmt.Errorf("xen: populate_physmap (domain %d): %d extents done, %d asked", domid, n, len(extents))
	}
	out := make([]uint64, n)
	for i := range out {
		out[i] = le.Uint64(list.mem[i*8:])
	}
	return out, nil
}

// WriteFrames maps the frames into this process, copies data and unmaps.
func (c *Client) WriteFrames(ctx context.Context, domid xen.DomID, frames []uint64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(frames) == 0 {
		return nil
	}
	if len(data) > len(frames)*xen.PageSize {
		return fmt.Errorf("xen: %d bytes do not fit in %d frames", len(data), len(frames))
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	mem, err := unix.Mmap(int(c.privcmd.Fd()), 0, len(frames)*xen.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("reserve foreign mapping: %w", err)
	}
	defer unix.Munmap(mem)

	errs := make([]int32, len(frames))
	batch := privcmdMmapBatchV2{
		num:  uint32(len(frames)),
		dom:  uint16(domid),
		addr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
		arr:  uint64(uintptr(unsafe.Pointer(&frames[0]))),
		err:  uint64(uintptr(unsafe.Pointer(&errs[0]))),
	}
	_, err = ioctlWithRetry(c.privcmd.Fd(), ioctlPrivcmdMmapBatchV2, uintptr(unsafe.Pointer(&batch)))
	runtime.KeepAlive(frames)
	if err != nil {
		return hypercallError("write_frames", domid, err)
	}
	for i, e := range errs {
		if e != 0 {
			return fmt.Errorf("map frame %#x: %w", frames[i], xen.NewHypercallError("write_frames", domid, syscall.Errno(-e)))
		}
	}
	copy(mem, data)
	return nil
}

func (c *Client) PinTable(ctx context.Context, domid xen.DomID, level int, mfn uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if level != 4 {
		return fmt.Errorf("xen: pinning level %d tables is not supported", level)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	op := make([]byte, 24)
	le.PutUint32(op[0:], mmuextPinL4Table)
	le.PutUint64(op[8:], mfn)
	buf, err := c.alloc(len(op))
	if err != nil {
		return err
	}
	defer buf.free()
	copy(buf.mem, op)
	if _, err := c.hypercall(hypercallMMUExtOp, uint64(buf.addr()), 1, 0, uint64(domid)); err != nil {
		return hypercallError("pin_table", domid, err)
	}
	return nil
}

func (c *Client) SetHVMParam(ctx context.Context, domid xen.DomID, param uint32, value uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	arg := make([]byte, 16)
	le.PutUint16(arg[0:], uint16(domid))
	le.PutUint32(arg[4:], param)
	le.PutUint64(arg[8:], value)
	_, err := c.call("set_hvm_param", domid, hypercallHVMOp, hvmSetParam, arg)
	return err
}

func (c *Client) AllocUnboundEvtchn(ctx context.Context, domid xen.DomID, remote xen.DomID) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	arg := make([]byte, 8)
	le.PutUint16(arg[0:], uint16(domid))
	le.PutUint16(arg[2:], uint16(remote))
	if _, err := c.call("alloc_unbound_evtchn", domid, hypercallEvtchnOp, evtchnAllocUnbound, arg); err != nil {
		return 0, err
	}
	return le.Uint32(arg[4:]), nil
}

// SeedGrantTable writes the reserved console and xenstore entries into the
// first grant table frame of domid.
func (c *Client) SeedGrantTable(ctx context.Context, domid xen.DomID, seed xen.GrantSeed) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	frames, err := c.alloc(8)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	arg := make([]byte, 24)
	le.PutUint16(arg[0:], uint16(domid))
	le.PutUint32(arg[4:], 1)
	le.PutUint64(arg[16:], uint64(frames.addr()))
	_, err = c.call("seed_grant_table", domid, hypercallGrantTable, gnttabSetupTable, arg, 1)
	frame := le.Uint64(frames.mem)
	frames.free()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if status := int16(le.Uint16(arg[8:])); status != 0 {
		return fmt.Errorf("xen: grant table setup for domain %d: status %d", domid, status)
	}
	return c.WriteFrames(ctx, domid, []uint64{frame}, encodeGrantSeed(seed))
}
