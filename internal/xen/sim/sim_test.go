package sim

import (
	"context"
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/xenbuild/internal/xen"
)

func TestCreateDomainAssignsIDs(t *testing.T) {
	ctx := context.Background()
	h := New(Options{})

	a, err := h.CreateDomain(ctx, xen.DomIDAny, xen.CreateDomain{})
	require.NoError(t, err)
	_, err = h.CreateDomain(ctx, 2, xen.CreateDomain{})
	require.NoError(t, err)
	b, err := h.CreateDomain(ctx, xen.DomIDAny, xen.CreateDomain{})
	require.NoError(t, err)

	assert.Equal(t, xen.DomID(1), a)
	assert.Equal(t, xen.DomID(3), b)

	_, err = h.CreateDomain(ctx, 2, xen.CreateDomain{})
	assert.ErrorIs(t, err, syscall.EEXIST)
}

func TestUnknownDomain(t *testing.T) {
	h := New(Options{})
	_, err := h.DomainInfo(context.Background(), 9)
	var he *xen.HypercallError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, syscall.ESRCH, he.Errno)
}

func TestPopulateReturnsAlignedFrames(t *testing.T) {
	ctx := context.Background()
	h := New(Options{MFNBase: 3})
	id, err := h.CreateDomain(ctx, xen.DomIDAny, xen.CreateDomain{})
	require.NoError(t, err)

	mfns, err := h.PopulatePhysmap(ctx, id, 9, 0, []uint64{0, 512})
	require.NoError(t, err)
	require.Len(t, mfns, 2)
	for _, m := range mfns {
		assert.Zero(t, m%512)
	}
	assert.Equal(t, uint64(1024), h.PopulatedPages(id))

	_, err = h.PopulatePhysmap(ctx, id, 0, 0, []uint64{100})
	assert.ErrorIs(t, err, syscall.EEXIST)
}

func TestPopulateRespectsHostLimit(t *testing.T) {
	ctx := context.Background()
	h := New(Options{TotalPages: 3})
	id, err := h.CreateDomain(ctx, xen.DomIDAny, xen.CreateDomain{})
	require.NoError(t, err)

	mfns, err := h.PopulatePhysmap(ctx, id, 0, 0, []uint64{0, 1, 2, 3, 4})
	require.NoError(t, err)
	assert.Len(t, mfns, 3)

	require.NoError(t, h.DestroyDomain(ctx, id))
	id, err = h.CreateDomain(ctx, xen.DomIDAny, xen.CreateDomain{})
	require.NoError(t, err)
	mfns, err = h.PopulatePhysmap(ctx, id, 0, 0, []uint64{0, 1, 2})
	require.NoError(t, err)
	assert.Len(t, mfns, 3, "destroying a domain returns its memory")
}

func TestFailOpAndHook(t *testing.T) {
	ctx := context.Background()
	h := New(Options{})
	id, err := h.CreateDomain(ctx, xen.DomIDAny, xen.CreateDomain{})
	require.NoError(t, err)

	boom := errors.New("boom")
	h.FailOp("set_hvm_param", boom)
	assert.ErrorIs(t, h.SetHVMParam(ctx, id, xen.HVMParamStorePFN, 1), boom)
	h.FailOp("set_hvm_param", nil)
	assert.NoError(t, h.SetHVMParam(ctx, id, xen.HVMParamStorePFN, 1))

	h.SetPopulateHook(func(req PopulateRequest) (int, error) { return 1, nil })
	mfns, err := h.PopulatePhysmap(ctx, id, 0, 0, []uint64{10, 11, 12})
	require.NoError(t, err)
	assert.Len(t, mfns, 1)
	reqs := h.Populates()
	require.Len(t, reqs, 1)
	assert.Equal(t, uint64(3), reqs[0].Frames())
}

func TestWriteFramesStoresPages(t *testing.T) {
	ctx := context.Background()
	h := New(Options{})
	id, err := h.CreateDomain(ctx, xen.DomIDAny, xen.CreateDomain{})
	require.NoError(t, err)

	data := make([]byte, xen.PageSize+1)
	data[xen.PageSize] = 7
	require.NoError(t, h.WriteFrames(ctx, id, []uint64{50, 60}, data))
	assert.Equal(t, byte(7), h.Frame(id, 60)[0])
	assert.Len(t, h.Frame(id, 50), xen.PageSize)

	assert.Error(t, h.WriteFrames(ctx, id, []uint64{50}, data))
}

func TestVCPUContextBounds(t *testing.T) {
	ctx := context.Background()
	h := New(Options{})
	id, err := h.CreateDomain(ctx, xen.DomIDAny, xen.CreateDomain{})
	require.NoError(t, err)
	require.NoError(t, h.SetMaxVCPUs(ctx, id, 1))

	assert.NoError(t, h.SetVCPUContext(ctx, id, 0, xen.VCPUContext{}))
	assert.ErrorIs(t, h.SetVCPUContext(ctx, id, 1, xen.VCPUContext{}), syscall.EINVAL)

	dom, ok := h.Domain(id)
	require.True(t, ok)
	assert.True(t, dom.Paused)
	require.NoError(t, h.Unpause(ctx, id))
	dom, _ = h.Domain(id)
	assert.False(t, dom.Paused)
}
