package privcmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/xenbuild/internal/xen"
)

func TestDomctlHeader(t *testing.T) {
	d := newDomctl(domctlMaxMem, DefaultDomctlVersion, 42)
	assert.Equal(t, uint32(domctlMaxMem), le.Uint32(d[0:]))
	assert.Equal(t, uint32(DefaultDomctlVersion), le.Uint32(d[4:]))
	assert.Equal(t, xen.DomID(42), d.domain())
	assert.Len(t, d.payload(), domctlSize-domctlPayload)
}

func TestEncodeCreateDomain(t *testing.T) {
	cfg := xen.CreateDomain{
		Flags:             xen.CDFHVM | xen.CDFHAP,
		MaxVCPUs:          4,
		MaxGrantFrames:    -1,
		X86EmulationFlags: xen.X86EmulateLAPIC,
		ARMGICVersion:     xen.ARMGICV3,
		ARMNrSPIs:         32,
	}
	cfg.Handle[0] = 0xab

	x86 := make([]byte, 128)
	encodeCreateDomain(x86, cfg, false)
	assert.Equal(t, byte(0xab), x86[4])
	assert.Equal(t, xen.CDFHVM|xen.CDFHAP, le.Uint32(x86[20:]))
	assert.Equal(t, uint32(4), le.Uint32(x86[28:]))
	assert.Equal(t, uint32(0xffffffff), le.Uint32(x86[36:]))
	assert.Equal(t, xen.X86EmulateLAPIC, le.Uint32(x86[56:]))

	arm := make([]byte, 128)
	encodeCreateDomain(arm, cfg, true)
	assert.Equal(t, xen.ARMGICV3, arm[56])
	assert.Equal(t, uint32(32), le.Uint32(arm[60:]))
}

func TestDecodeDomainInfo(t *testing.T) {
	p := make([]byte, getInfoSize)
	le.PutUint16(p[0:], 7)
	le.PutUint64(p[8:], 1024)
	le.PutUint64(p[16:], 2048)
	le.PutUint64(p[48:], 0xfee07)
	le.PutUint32(p[68:], 3)

	info := decodeDomainInfo(p)
	assert.Equal(t, xen.DomainInfo{DomID: 7, TotalPages: 1024, MaxPages: 2048, SharedInfoFrame: 0xfee07, MaxVCPUID: 3}, info)
}

func TestEncodeReservation(t *testing.T) {
	b := encodeReservation(0x7fff0000, 8, 9, 0, 5)
	require.Len(t, b, reservationSize)
	assert.Equal(t, uint64(0x7fff0000), le.Uint64(b[0:]))
	assert.Equal(t, uint64(8), le.Uint64(b[8:]))
	assert.Equal(t, uint32(9), le.Uint32(b[16:]))
	assert.Equal(t, uint16(5), le.Uint16(b[24:]))
}

func TestEncodeVCPUContextX86(t *testing.T) {
	b := encodeVCPUContext(xen.VCPUContext{
		Flags: xen.VGCFInKernel | xen.VGCFOnline,
		X86: &xen.X86Registers{
			RIP:      0xffffffff81000000,
			RSP:      0xffffffff82000000,
			RSI:      0xffffffff81800000,
			CS:       0xe033,
			SS:       0xe02b,
			CR3:      0x1234000,
			KernelSP: 0xffffffff82000000,
		},
	})
	require.Len(t, b, x86CtxSize)
	regs := b[x86CtxUserRegs:]
	assert.Equal(t, uint64(xen.VGCFInKernel|xen.VGCFOnline), le.Uint64(b[x86CtxFlags:]))
	assert.Equal(t, uint64(0xffffffff81000000), le.Uint64(regs[x86RegRIP:]))
	assert.Equal(t, uint64(0xffffffff81800000), le.Uint64(regs[x86RegRSI:]))
	assert.Equal(t, uint16(0xe033), le.Uint16(regs[x86RegCS:]))
	assert.Equal(t, uint16(0xe02b), le.Uint16(regs[x86RegSS:]))
	assert.Equal(t, uint64(0x1234000), le.Uint64(b[x86CtxCtrlRegs+3*8:]))
	assert.Equal(t, uint64(0xffffffff82000000), le.Uint64(b[x86CtxKernelSP:]))
}

func TestEncodeVCPUContextARM(t *testing.T) {
	b := encodeVCPUContext(xen.VCPUContext{
		Flags: xen.VGCFOnline,
		ARM:   &xen.ARMRegisters{PC: 0x40080000, X0: 0x48000000, CPSR: 0x1c5, SCTLR: 0xc50078},
	})
	require.Len(t, b, armCtxSize)
	assert.Equal(t, xen.VGCFOnline, le.Uint32(b[0:]))
	regs := b[armCtxUserRegs:]
	assert.Equal(t, uint64(0x48000000), le.Uint64(regs[0:]))
	assert.Equal(t, uint64(0x40080000), le.Uint64(regs[armRegPC:]))
	assert.Equal(t, uint32(0x1c5), le.Uint32(regs[armRegCPSR:]))
	assert.Equal(t, uint64(0xc50078), le.Uint64(b[armCtxSCTLR:]))
}

func TestEncodeGrantSeed(t *testing.T) {
	b := encodeGrantSeed(xen.GrantSeed{ConsoleGFN: 0x39000, XenstoreGFN: 0x39001, ConsoleDomID: 0, XenstoreDomID: 3})
	require.Len(t, b, 2*grantEntrySize)

	console := b[grantConsoleEntry*grantEntrySize:]
	assert.Equal(t, uint16(grantPermitAccess), le.Uint16(console[0:]))
	assert.Equal(t, uint16(0), le.Uint16(console[2:]))
	assert.Equal(t, uint32(0x39000), le.Uint32(console[4:]))

	store := b[grantXenstoreEntry*grantEntrySize:]
	assert.Equal(t, uint16(3), le.Uint16(store[2:]))
	assert.Equal(t, uint32(0x39001), le.Uint32(store[4:]))
}
