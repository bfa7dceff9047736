// Package xen describes the hypercall surface the domain builder consumes.
// Transports (privcmd on Linux, the in-memory simulator) implement Call.
package xen

import (
	"context"
	"errors"
	"fmt"
	"syscall"
)

var (
	ErrTransportUnsupported = errors.New("xen: hypercall transport unsupported on this platform")
	ErrNoSuchDomain         = errors.New("xen: no such domain")
)

// DomID identifies a hypervisor domain. Zero passed to CreateDomain asks the
// hypervisor to pick a free identifier.
type DomID uint32

const (
	DomIDAny  DomID = 0
	DomIDSelf DomID = 0x7ff0
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

// Domain creation flags (XEN_DOMCTL_CDF_*).
const (
	CDFHVM          uint32 = 1 << 0
	CDFHAP          uint32 = 1 << 1
	CDFS3Integrity  uint32 = 1 << 2
	CDFOOSOff       uint32 = 1 << 3
	CDFXSDomain     uint32 = 1 << 4
	CDFIOMMU        uint32 = 1 << 5
	CDFNestedVirt   uint32 = 1 << 6
	CDFVPMU         uint32 = 1 << 7
	X86EmulateLAPIC uint32 = 1 << 0
)

// ARM GIC versions accepted in CreateDomain.ARMGICVersion.
const (
	ARMGICNative uint8 = 0
	ARMGICV2     uint8 = 1
	ARMGICV3     uint8 = 2
)

// CreateDomain mirrors struct xen_domctl_createdomain.
type CreateDomain struct {
	SSIDRef           uint32
	Handle            [16]byte
	Flags             uint32
	IOMMUOpts         uint32
	MaxVCPUs          uint32
	MaxEvtchnPort     uint32
	MaxGrantFrames    int32
	MaxMaptrackFrames int32
	GrantOpts         uint32

	// Architecture specific configuration.
	X86EmulationFlags uint32
	ARMGICVersion     uint8
	ARMNrSPIs         uint32
}

// DomainInfo is the subset of XEN_DOMCTL_getdomaininfo the builder uses.
type DomainInfo struct {
	DomID           DomID
	Flags           uint32
	TotalPages      uint64
	MaxPages        uint64
	SharedInfoFrame uint64
	MaxVCPUID       uint32
}

// HVM parameter indexes (HVM_PARAM_*).
const (
	HVMParamCallbackIRQ    uint32 = 0
	HVMParamStorePFN       uint32 = 1
	HVMParamStoreEvtchn    uint32 = 2
	HVMParamPagingRingPFN  uint32 = 27
	HVMParamMonitorRingPFN uint32 = 28
	HVMParamSharingRingPFN uint32 = 29
	HVMParamConsolePFN     uint32 = 17
	HVMParamConsoleEvtchn  uint32 = 18
	HVMParamIOReqPFN       uint32 = 5
	HVMParamBufIOReqPFN    uint32 = 6
)

// vCPU context flags (VGCF_*).
const (
	VGCFI387Valid uint32 = 1 << 0
	VGCFInKernel  uint32 = 1 << 2
	VGCFOnline    uint32 = 1 << 5
)

// X86Registers carries the initial register file of an x86 vCPU.
type X86Registers struct {
	RIP, RSP, RSI, RBX, RFLAGS uint64
	CS, SS, DS, ES, FS, GS     uint16
	CR0, CR3, CR4              uint64
	KernelSS, KernelSP         uint64
}

// ARMRegisters carries the initial register file of an ARM vCPU.
type ARMRegisters struct {
	PC, X0, CPSR uint64
	SCTLR        uint64
	TTBCR        uint64
	TTBR0, TTBR1 uint64
}

// VCPUContext is handed to SetVCPUContext. Exactly one of X86 and ARM is set.
type VCPUContext struct {
	Flags uint32
	X86   *X86Registers
	ARM   *ARMRegisters
}

// GrantSeed describes the grant entries the toolstack reserves for the guest
// console and xenstore rings.
type GrantSeed struct {
	ConsoleGFN    uint64
	XenstoreGFN   uint64
	ConsoleDomID  DomID
	XenstoreDomID DomID
}

// Call is the hypercall collaborator. Implementations must be safe for
// concurrent use by independent domain builds.
type Call interface {
	CreateDomain(ctx context.Context, domid DomID, cfg CreateDomain) (DomID, error)
	DestroyDomain(ctx context.Context, domid DomID) error
	DomainInfo(ctx context.Context, domid DomID) (DomainInfo, error)
	SetMaxMem(ctx context.Context, domid DomID, maxKiB uint64) error
	SetMaxVCPUs(ctx context.Context, domid DomID, max uint32) error
	SetAddressSize(ctx context.Context, domid DomID, bits uint32) error

	// PopulatePhysmap asks the hypervisor to back each extent with 1<<order
	// frames. It returns the extents that were populated, which may be fewer
	// than requested; for non-translated guests the values are machine frames.
	PopulatePhysmap(ctx context.Context, domid DomID, order uint32, flags uint32, extents []uint64) ([]uint64, error)

	// WriteFrames copies data into the listed guest frames, one page per frame.
	WriteFrames(ctx context.Context, domid DomID, frames []uint64, data []byte) error

	PinTable(ctx context.Context, domid DomID, level int, mfn uint64) error
	HypercallInit(ctx context.Context, domid DomID, gmfn uint64) error
	SetHVMParam(ctx context.Context, domid DomID, param uint32, value uint64) error
	AllocUnboundEvtchn(ctx context.Context, domid DomID, remote DomID) (uint32, error)
	SeedGrantTable(ctx context.Context, domid DomID, seed GrantSeed) error
	SetVCPUContext(ctx context.Context, domid DomID, vcpu uint32, vc VCPUContext) error
	Unpause(ctx context.Context, domid DomID) error
}

// HypercallError reports a failed hypercall together with its errno.
type HypercallError struct {
	Op    string
	DomID DomID
	Errno syscall.Errno
}

func (e *HypercallError) Error() string {
	return fmt.Sprintf("xen: %s (domain %d): %v", e.Op, e.DomID, e.Errno)
}

func (e *HypercallError) Unwrap() error { return e.Errno }

// NewHypercallError wraps errno for op. A zero errno yields nil.
func NewHypercallError(op string, domid DomID, errno syscall.Errno) error {
	if errno == 0 {
		return nil
	}
	return &HypercallError{Op: op, DomID: domid, Errno: errno}
}
