// Package config loads domain definitions from YAML and host settings from
// the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

const (
	defaultMemory = "512MiB"
	defaultVCPUs  = 1
)

// Env holds the settings taken from the environment.
type Env struct {
	PrivcmdPath   string `env:"XENBUILD_PRIVCMD"        envDefault:"/dev/xen/privcmd"`
	HypercallPath string `env:"XENBUILD_HYPERCALL_DEV"  envDefault:"/dev/xen/hypercall"`
	DomctlVersion uint32 `env:"XENBUILD_DOMCTL_VERSION"`
	LogLevel      string `env:"XENBUILD_LOG_LEVEL"      envDefault:"info"`
	DryRun        bool   `env:"XENBUILD_DRY_RUN"`
}

// LoadEnv parses Env from the process environment.
func LoadEnv() (Env, error) {
	return env.ParseAs[Env]()
}

// SlogLevel maps LogLevel onto a slog level.
func (e Env) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("XENBUILD_LOG_LEVEL: %w", err)
	}
	return lvl, nil
}

// Domain is one guest definition.
type Domain struct {
	Name     string `yaml:"name"`
	Platform string `yaml:"platform"`
	// DomID pins the domain id; zero lets the hypervisor choose.
	DomID   uint32 `yaml:"domid"`
	Memory  string `yaml:"memory"`
	VCPUs   uint32 `yaml:"vcpus"`
	Kernel  string `yaml:"kernel"`
	Ramdisk string `yaml:"ramdisk"`
	// DeviceTree replaces the generated ARM device tree.
	DeviceTree string `yaml:"device_tree"`
	Cmdline    string `yaml:"cmdline"`
	IOMMU      bool   `yaml:"iommu"`

	ConsoleBackend  uint32 `yaml:"console_backend"`
	XenstoreBackend uint32 `yaml:"xenstore_backend"`

	Unpause bool `yaml:"unpause"`
}

// File is the top level of a domain file.
type File struct {
	Domains []Domain `yaml:"domains"`
}

// LoadFile reads and validates a domain file. Relative paths inside it are
// resolved against the file's directory.
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read domain file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return File{}, fmt.Errorf("%s: %w", path, err)
	}
	dir := filepath.Dir(path)
	for i := range f.Domains {
		f.Domains[i].resolve(dir)
	}
	return f, nil
}

// Parse decodes a domain file, applies defaults and validates it.
func Parse(data []byte) (File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return File{}, fmt.Errorf("decode domain file: %w", err)
	}
	if len(f.Domains) == 0 {
		return File{}, errors.New("no domains defined")
	}
	seen := make(map[string]bool)
	for i := range f.Domains {
		d := &f.Domains[i]
		d.applyDefaults()
		if err := d.Validate(); err != nil {
			return File{}, fmt.Errorf("domain %d (%s): %w", i, d.Name, err)
		}
		if seen[d.Name] {
			return File{}, fmt.Errorf("duplicate domain name %q", d.Name)
		}
		seen[d.Name] = true
	}
	return f, nil
}

func (d *Domain) applyDefaults() {
	if d.Memory == "" {
		d.Memory = defaultMemory
	}
	if d.VCPUs == 0 {
		d.VCPUs = defaultVCPUs
	}
	if d.Name == "" && d.Kernel != "" {
		d.Name = strings.TrimSuffix(filepath.Base(d.Kernel), filepath.Ext(d.Kernel))
	}
}

func (d *Domain) resolve(dir string) {
	for _, p := range []*string{&d.Kernel, &d.Ramdisk, &d.DeviceTree} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
}

// Validate checks the fields that have no sensible default.
func (d Domain) Validate() error {
	if d.Name == "" {
		return errors.New("name is required")
	}
	if d.Kernel == "" {
		return errors.New("kernel is required")
	}
	if _, err := d.MemoryBytes(); err != nil {
		return err
	}
	if d.DeviceTree != "" && d.Platform != "" && d.Platform != "arm" {
		return fmt.Errorf("device_tree is only valid for arm, not %s", d.Platform)
	}
	return nil
}

// MemoryBytes parses Memory ("512MiB", "2G", ...).
func (d Domain) MemoryBytes() (uint64, error) {
	n, err := humanize.ParseBytes(d.Memory)
	if err != nil {
		return 0, fmt.Errorf("memory %q: %w", d.Memory, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("memory %q: must be positive", d.Memory)
	}
	return n, nil
}

// Pages returns the memory size in pages of 1<<pageShift bytes, rounded up.
func (d Domain) Pages(pageShift uint64) (uint64, error) {
	n, err := d.MemoryBytes()
	if err != nil {
		return 0, err
	}
	return (n + 1<<pageShift - 1) >> pageShift, nil
}
