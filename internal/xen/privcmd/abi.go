// Package privcmd talks to Xen through the Linux privcmd driver. The
// structure encoders in this file are host independent; the transport
// itself only builds on Linux.
package privcmd

import (
	"encoding/binary"

	"github.com/tinyrange/xenbuild/internal/xen"
)

// Hypercall numbers.
const (
	hypercallMMUExtOp   = 26
	hypercallMemoryOp   = 12
	hypercallGrantTable = 20
	hypercallEvtchnOp   = 32
	hypercallHVMOp      = 34
	hypercallDomctl     = 36
)

// Domctl commands.
const (
	domctlCreateDomain   = 1
	domctlDestroyDomain  = 2
	domctlUnpauseDomain  = 4
	domctlGetDomainInfo  = 5
	domctlMaxMem         = 11
	domctlSetVCPUContext = 12
	domctlMaxVCPUs       = 15
	domctlHypercallInit  = 22
	domctlSetAddressSize = 35
)

const (
	memPopulatePhysmap = 6
	evtchnAllocUnbound = 6
	hvmSetParam        = 0
	mmuextPinL4Table   = 3
	gnttabSetupTable   = 2
	grantPermitAccess  = 1
	grantEntrySize     = 8
	grantConsoleEntry  = 0
	grantXenstoreEntry = 1

	// DefaultDomctlVersion is XEN_DOMCTL_INTERFACE_VERSION of Xen 4.19.
	DefaultDomctlVersion = 0x17

	domctlSize      = 16 + 128
	domctlPayload   = 16
	getInfoSize     = 128
	reservationSize = 32
)

var le = binary.LittleEndian

// domctl is the fixed header of struct xen_domctl followed by its union.
type domctl [domctlSize]byte

func newDomctl(cmd, version uint32, domid xen.DomID) *domctl {
	var d domctl
	le.PutUint32(d[0:], cmd)
	le.PutUint32(d[4:], version)
	le.PutUint16(d[8:], uint16(domid))
	return &d
}

func (d *domctl) domain() xen.DomID { return xen.DomID(le.Uint16(d[8:])) }

func (d *domctl) payload() []byte { return d[domctlPayload:] }

// encodeCreateDomain fills struct xen_domctl_createdomain. The arch block is
// laid out for arm when arm is set and for x86 otherwise.
func encodeCreateDomain(p []byte, cfg xen.CreateDomain, arm bool) {
	le.PutUint32(p[0:], cfg.SSIDRef)
	copy(p[4:20], cfg.Handle[:])
	le.PutUint32(p[20:], cfg.Flags)
	le.PutUint32(p[24:], cfg.IOMMUOpts)
	le.PutUint32(p[28:], cfg.MaxVCPUs)
	le.PutUint32(p[32:], cfg.MaxEvtchnPort)
	le.PutUint32(p[36:], uint32(cfg.MaxGrantFrames))
	le.PutUint32(p[40:], uint32(cfg.MaxMaptrackFrames))
	le.PutUint32(p[44:], cfg.GrantOpts)
	if arm {
		p[56] = cfg.ARMGICVersion
		le.PutUint32(p[60:], cfg.ARMNrSPIs)
	} else {
		le.PutUint32(p[56:], cfg.X86EmulationFlags)
	}
}

// decodeDomainInfo reads struct xen_domctl_getdomaininfo.
func decodeDomainInfo(p []byte) xen.DomainInfo {
	return xen.DomainInfo{
		DomID:           xen.DomID(le.Uint16(p[0:])),
		Flags:           le.Uint32(p[4:]),
		TotalPages:      le.Uint64(p[8:]),
		MaxPages:        le.Uint64(p[16:]),
		SharedInfoFrame: le.Uint64(p[48:]),
		MaxVCPUID:       le.Uint32(p[68:]),
	}
}

// encodeReservation fills struct xen_memory_reservation.
func encodeReservation(extents uintptr, n uint64, order, flags uint32, domid xen.DomID) []byte {
	b := make([]byte, reservationSize)
	le.PutUint64(b[0:], uint64(extents))
	le.PutUint64(b[8:], n)
	le.PutUint32(b[16:], order)
	le.PutUint32(b[20:], flags)
	le.PutUint16(b[24:], uint16(domid))
	return b
}

// vcpu_guest_context offsets for x86-64 and arm64.
const (
	x86CtxSize     = 5168
	x86CtxFlags    = 512
	x86CtxUserRegs = 520
	x86CtxKernelSS = 4968
	x86CtxKernelSP = 4976
	x86CtxCtrlRegs = 4984
	x86RegRBX      = 40
	x86RegRSI      = 104
	x86RegRIP      = 128
	x86RegCS       = 136
	x86RegRFLAGS   = 144
	x86RegRSP      = 152
	x86RegSS       = 160
	x86RegES       = 168
	x86RegDS       = 176
	x86RegFS       = 184
	x86RegGS       = 192
	armCtxSize     = 352
	armCtxUserRegs = 8
	armRegPC       = 248
	armRegCPSR     = 256
	armCtxSCTLR    = 320
	armCtxTTBCR    = 328
	armCtxTTBR0    = 336
	armCtxTTBR1    = 344
)

// encodeVCPUContext renders struct vcpu_guest_context for the register set
// present in vc.
func encodeVCPUContext(vc xen.VCPUContext) []byte {
	if r := vc.ARM; r != nil {
		b := make([]byte, armCtxSize)
		le.PutUint32(b[0:], vc.Flags)
		regs := b[armCtxUserRegs:]
		le.PutUint64(regs[0:], r.X0)
		le.PutUint64(regs[armRegPC:], r.PC)
		le.PutUint32(regs[armRegCPSR:], uint32(r.CPSR))
		le.PutUint64(b[armCtxSCTLR:], r.SCTLR)
		le.PutUint64(b[armCtxTTBCR:], r.TTBCR)
		le.PutUint64(b[armCtxTTBR0:], r.TTBR0)
		le.PutUint64(b[armCtxTTBR1:], r.TTBR1)
		return b
	}
	b := make([]byte, x86CtxSize)
	le.PutUint64(b[x86CtxFlags:], uint64(vc.Flags))
	if r := vc.X86; r != nil {
		regs := b[x86CtxUserRegs:]
		le.PutUint64(regs[x86RegRBX:], r.RBX)
		le.PutUint64(regs[x86RegRSI:], r.RSI)
		le.PutUint64(regs[x86RegRIP:], r.RIP)
		le.PutUint16(regs[x86RegCS:], r.CS)
		le.PutUint64(regs[x86RegRFLAGS:], r.RFLAGS)
		le.PutUint64(regs[x86RegRSP:], r.RSP)
		le.PutUint16(regs[x86RegSS:], r.SS)
		le.PutUint16(regs[x86RegES:], r.ES)
		le.PutUint16(regs[x86RegDS:], r.DS)
		le.PutUint16(regs[x86RegFS:], r.FS)
		le.PutUint16(regs[x86RegGS:], r.GS)
		le.PutUint64(b[x86CtxKernelSS:], r.KernelSS)
		le.PutUint64(b[x86CtxKernelSP:], r.KernelSP)
		le.PutUint64(b[x86CtxCtrlRegs+0*8:], r.CR0)
		le.PutUint64(b[x86CtxCtrlRegs+3*8:], r.CR3)
		le.PutUint64(b[x86CtxCtrlRegs+4*8:], r.CR4)
	}
	return b
}

// encodeGrantSeed renders the two reserved v1 grant entries.
func encodeGrantSeed(seed xen.GrantSeed) []byte {
	b := make([]byte, 2*grantEntrySize)
	put := func(idx int, domid xen.DomID, gfn uint64) {
		e := b[idx*grantEntrySize:]
		le.PutUint16(e[0:], grantPermitAccess)
		le.PutUint16(e[2:], uint16(domid))
		le.PutUint32(e[4:], uint32(gfn))
	}
	put(grantConsoleEntry, seed.ConsoleDomID, seed.ConsoleGFN)
	put(grantXenstoreEntry, seed.XenstoreDomID, seed.XenstoreGFN)
	return b
}
