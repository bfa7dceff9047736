package main

import (
	"fmt"
	"os"

	"github.com/tinyrange/xenbuild/internal/boot"
	"github.com/tinyrange/xenbuild/internal/boot/factory"
	"github.com/tinyrange/xenbuild/internal/config"
	"github.com/tinyrange/xenbuild/internal/image"
	"github.com/tinyrange/xenbuild/internal/xen"
	"github.com/tinyrange/xenbuild/internal/xen/privcmd"
	"github.com/tinyrange/xenbuild/internal/xen/sim"
)

// job is one domain ready to be handed to boot.Build.
type job struct {
	name     string
	platform boot.Platform
	cfg      boot.Config
	unpause  bool
}

func prepare(dom config.Domain) (*job, error) {
	p, err := factory.New(dom.Platform)
	if err != nil {
		return nil, err
	}
	kernel, err := image.Open(dom.Kernel, p.Name())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dom.Name, err)
	}
	pages, err := dom.Pages(p.PageShift())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dom.Name, err)
	}

	cfg := boot.Config{
		DomID:         xen.DomID(dom.DomID),
		TotalPages:    pages,
		VCPUs:         dom.VCPUs,
		EnableIOMMU:   dom.IOMMU,
		Cmdline:       dom.Cmdline,
		Image:         kernel.Info,
		Loader:        kernel,
		ConsoleDomID:  xen.DomID(dom.ConsoleBackend),
		XenstoreDomID: xen.DomID(dom.XenstoreBackend),
	}
	if dom.Ramdisk != "" {
		m, err := readModule("ramdisk", dom.Ramdisk)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", dom.Name, err)
		}
		cfg.Modules = append(cfg.Modules, m)
	}
	if dom.DeviceTree != "" {
		m, err := readModule("devicetree", dom.DeviceTree)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", dom.Name, err)
		}
		cfg.DeviceTree = &m
	}
	return &job{name: dom.Name, platform: p, cfg: cfg, unpause: dom.Unpause}, nil
}

func readModule(name, path string) (boot.Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return boot.Module{}, fmt.Errorf("read %s: %w", name, err)
	}
	return boot.Module{Name: name, Size: uint64(len(data)), Data: data}, nil
}

// openTransport returns the hypercall client selected by env and a function
// releasing it.
func openTransport(env config.Env) (xen.Call, func() error, error) {
	if env.DryRun {
		return sim.New(sim.Options{}), func() error { return nil }, nil
	}
	c, err := privcmd.Open(privcmd.Options{
		PrivcmdPath:   env.PrivcmdPath,
		HypercallPath: env.HypercallPath,
		DomctlVersion: env.DomctlVersion,
	})
	if err != nil {
		return nil, nil, err
	}
	return c, c.Close, nil
}
