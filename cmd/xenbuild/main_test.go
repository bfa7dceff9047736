package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/xenbuild/internal/xen"
	"github.com/tinyrange/xenbuild/internal/xen/sim"
)

// writeDomainFile lays out an arm64 Image, a ramdisk and a domain file
// describing two guests in a temp dir.
func writeDomainFile(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	img := make([]byte, 4096)
	binary.LittleEndian.PutUint64(img[8:], 0x80000)
	binary.LittleEndian.PutUint64(img[16:], 1<<20)
	binary.LittleEndian.PutUint32(img[56:], 0x644d5241)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Image"), img, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "initrd"), []byte("initramfs"), 0o644))

	doc := `
domains:
  - name: alpha
    platform: arm
    memory: 256MiB
    kernel: Image
    ramdisk: initrd
    cmdline: console=hvc0
    unpause: true
  - name: beta
    platform: arm
    memory: 128MiB
    vcpus: 2
    kernel: Image
`
	path := filepath.Join(dir, "domains.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestLoadJobsSelectsDomains(t *testing.T) {
	path := writeDomainFile(t)

	jobs, err := loadJobs(path, nil)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "alpha", jobs[0].name)
	assert.Equal(t, "arm", jobs[0].platform.Name())
	assert.Equal(t, uint64(256<<20>>12), jobs[0].cfg.TotalPages)
	require.Len(t, jobs[0].cfg.Modules, 1)
	assert.Equal(t, uint64(9), jobs[0].cfg.Modules[0].Size)
	assert.True(t, jobs[0].unpause)
	assert.Equal(t, uint64(0x40080000), jobs[0].cfg.Image.VirtKStart)

	jobs, err = loadJobs(path, []string{"beta"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, uint32(2), jobs[0].cfg.VCPUs)

	_, err = loadJobs(path, []string{"gamma"})
	assert.ErrorContains(t, err, "no domains selected")
}

func TestRunJobsBuildsConcurrently(t *testing.T) {
	jobs, err := loadJobs(writeDomainFile(t), nil)
	require.NoError(t, err)
	h := sim.New(sim.Options{})

	var frames uint64
	results, err := runJobs(context.Background(), h, jobs, 2, func(n uint64) {})
	require.NoError(t, err)
	require.Len(t, results, 2)

	for _, r := range results {
		require.NoError(t, r.err)
		require.NotNil(t, r.domain)
		dom, ok := h.Domain(r.domain.DomID)
		require.True(t, ok)
		assert.Equal(t, !r.job.unpause, dom.Paused, r.job.name)
		frames += h.PopulatedPages(r.domain.DomID)
	}
	assert.NotEqual(t, results[0].domain.DomID, results[1].domain.DomID)
	assert.Equal(t, uint64((256+128)<<20>>12+2*4), frames)
}

func TestRunJobsDestroysFailedDomains(t *testing.T) {
	jobs, err := loadJobs(writeDomainFile(t), nil)
	require.NoError(t, err)
	h := sim.New(sim.Options{})
	boom := errors.New("vcpu rejected")
	h.FailOp("set_vcpu_context", boom)

	results, err := runJobs(context.Background(), h, jobs, 0, nil)
	require.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "alpha")
	assert.ErrorContains(t, err, "beta")
	for _, r := range results {
		require.NotNil(t, r.domain)
		_, ok := h.Domain(r.domain.DomID)
		assert.False(t, ok, "%s should have been destroyed", r.job.name)
	}
}

func TestRunJobsKeepsPinnedDomainsOnFailure(t *testing.T) {
	jobs, err := loadJobs(writeDomainFile(t), []string{"beta"})
	require.NoError(t, err)
	h := sim.New(sim.Options{})
	ctx := context.Background()
	id, err := h.CreateDomain(ctx, 5, xen.CreateDomain{})
	require.NoError(t, err)
	jobs[0].cfg.DomID = id
	h.FailOp("set_vcpu_context", errors.New("no"))

	_, err = runJobs(ctx, h, jobs, 1, nil)
	require.Error(t, err)
	_, ok := h.Domain(id)
	assert.True(t, ok, "a domain this run did not create is left alone")
}

func TestPlanPrintsSegments(t *testing.T) {
	jobs, err := loadJobs(writeDomainFile(t), []string{"alpha"})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, plan(context.Background(), &out, jobs[0]))

	text := out.String()
	assert.Contains(t, text, "alpha (arm, 256 MiB, 1 vcpus)")
	for _, seg := range []string{"magic", "ramdisk", "devicetree", "kernel"} {
		assert.Contains(t, text, seg)
	}
	assert.Contains(t, text, "0x48000000")
}

func TestPlatformsCommandListsKinds(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"platforms"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	text := out.String()
	for _, kind := range []string{"arm", "x86-pv", "x86-hvm", "unsupported"} {
		assert.Contains(t, text, kind)
	}
	assert.Contains(t, text, "bank 1: 0x200000000")
}
