package fdt

import (
	"errors"
	"fmt"
)

const (
	gicPhandle = 65000

	irqTypePPI          = 1
	irqLevelLowActivate = 0xf08
)

// MemoryRange is a guest RAM window reported in the memory node.
type MemoryRange struct {
	Base uint64
	Size uint64
}

// GICv3 locates the virtual interrupt controller.
type GICv3 struct {
	DistBase   uint64
	DistSize   uint64
	RedistBase uint64
	RedistSize uint64
}

// GuestConfig describes the device tree of a Xen ARM guest.
type GuestConfig struct {
	XenVersion string
	Memory     []MemoryRange
	VCPUs      int
	Cmdline    string

	// HasInitrd emits linux,initrd-start/end even when the range is still
	// unknown, so a later rebuild with the final range keeps the blob size.
	HasInitrd   bool
	InitrdStart uint64
	InitrdEnd   uint64

	GIC            GICv3
	GrantTableBase uint64
	GrantTableSize uint64
	// EvtchnPPI is the interrupt Xen raises for event channel upcalls.
	EvtchnPPI uint32
}

// GuestTree returns the device tree describing a Xen ARM guest.
func GuestTree(cfg GuestConfig) (Node, error) {
	if cfg.VCPUs <= 0 {
		return Node{}, errors.New("fdt: guest needs at least one vcpu")
	}
	var reg []uint64
	for _, m := range cfg.Memory {
		if m.Size == 0 {
			continue
		}
		reg = append(reg, m.Base, m.Size)
	}
	if len(reg) == 0 {
		return Node{}, errors.New("fdt: guest has no memory")
	}
	if cfg.EvtchnPPI < 16 {
		return Node{}, fmt.Errorf("fdt: event channel interrupt %d is not a PPI", cfg.EvtchnPPI)
	}
	ver := cfg.XenVersion
	if ver == "" {
		ver = "4.0"
	}

	chosen := Node{Name: "chosen", Properties: map[string]Property{}}
	if cfg.Cmdline != "" {
		chosen.Properties["bootargs"] = Strings(cfg.Cmdline)
	}
	if cfg.HasInitrd {
		chosen.Properties["linux,initrd-start"] = U64(cfg.InitrdStart)
		chosen.Properties["linux,initrd-end"] = U64(cfg.InitrdEnd)
	}

	cpus := Node{
		Name: "cpus",
		Properties: map[string]Property{
			"#address-cells": U32(1),
			"#size-cells":    U32(0),
		},
	}
	for i := 0; i < cfg.VCPUs; i++ {
		cpus.Children = append(cpus.Children, Node{
			Name: fmt.Sprintf("cpu@%d", i),
			Properties: map[string]Property{
				"device_type":   Strings("cpu"),
				"compatible":    Strings("arm,armv8"),
				"enable-method": Strings("psci"),
				"reg":           U32(uint32(i)),
			},
		})
	}

	ppi := func(n uint32) []uint32 { return []uint32{irqTypePPI, n - 16, irqLevelLowActivate} }
	var timerIRQs []uint32
	for _, n := range []uint32{29, 30, 27, 26} {
		timerIRQs = append(timerIRQs, ppi(n)...)
	}

	root := Node{
		Name: "",
		Properties: map[string]Property{
			"#address-cells":   U32(2),
			"#size-cells":      U32(2),
			"compatible":       Strings("xen,xenvm-"+ver, "xen,xenvm"),
			"model":            Strings("XENVM-" + ver),
			"interrupt-parent": U32(gicPhandle),
		},
		Children: []Node{
			chosen,
			cpus,
			{
				Name: "psci",
				Properties: map[string]Property{
					"compatible": Strings("arm,psci-1.0", "arm,psci-0.2", "arm,psci"),
					"method":     Strings("hvc"),
					"cpu_off":    U32(0x84000002),
					"cpu_on":     U32(0xc4000003),
				},
			},
			{
				Name: fmt.Sprintf("memory@%x", reg[0]),
				Properties: map[string]Property{
					"device_type": Strings("memory"),
					"reg":         U64(reg...),
				},
			},
			{
				Name: fmt.Sprintf("interrupt-controller@%x", cfg.GIC.DistBase),
				Properties: map[string]Property{
					"compatible":             Strings("arm,gic-v3"),
					"#interrupt-cells":       U32(3),
					"#address-cells":         U32(0),
					"interrupt-controller":   Flag(),
					"redistributor-stride":   U32(0x20000),
					"#redistributor-regions": U32(1),
					"reg":                    U64(cfg.GIC.DistBase, cfg.GIC.DistSize, cfg.GIC.RedistBase, cfg.GIC.RedistSize),
					"phandle":                U32(gicPhandle),
					"linux,phandle":          U32(gicPhandle),
				},
			},
			{
				Name: "timer",
				Properties: map[string]Property{
					"compatible": Strings("arm,armv8-timer"),
					"interrupts": U32(timerIRQs...),
					"always-on":  Flag(),
				},
			},
			{
				Name: fmt.Sprintf("hypervisor@%x", cfg.GrantTableBase),
				Properties: map[string]Property{
					"compatible": Strings("xen,xen-"+ver, "xen,xen"),
					"reg":        U64(cfg.GrantTableBase, cfg.GrantTableSize),
					"interrupts": U32(ppi(cfg.EvtchnPPI)...),
				},
			},
		},
	}
	return root, nil
}

// BuildGuest renders the guest device tree for cfg.
func BuildGuest(cfg GuestConfig) ([]byte, error) {
	root, err := GuestTree(cfg)
	if err != nil {
		return nil, err
	}
	return Build(root)
}
