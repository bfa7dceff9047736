package image

import (
	"bytes"
	"context"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/tinyrange/xenbuild/internal/boot"
	"github.com/tinyrange/xenbuild/internal/xen"
	"github.com/tinyrange/xenbuild/internal/xen/sim"
)

const (
	testVirtBase = 0xffffffff80000000
	testVaddr    = 0xffffffff81000000
	testPaddr    = 0x1000000
	testDataOff  = 0x1000
)

type testELF struct {
	machine uint16
	entry   uint64
	notes   [][2]uint64 // type, value
	data    []byte
	memsz   uint64
}

func (e testELF) build(t *testing.T) []byte {
	t.Helper()
	le := binary.LittleEndian

	var notes bytes.Buffer
	for _, n := range e.notes {
		var rec [24]byte
		le.PutUint32(rec[0:], 4)
		le.PutUint32(rec[4:], 8)
		le.PutUint32(rec[8:], uint32(n[0]))
		copy(rec[12:], "Xen\x00")
		le.PutUint64(rec[16:], n[1])
		notes.Write(rec[:])
	}

	const ehdrSize, phdrSize = 64, 56
	noteOff := uint64(ehdrSize + 2*phdrSize)
	buf := make([]byte, testDataOff+len(e.data))
	copy(buf[0:], "\x7fELF")
	buf[4], buf[5], buf[6] = 2, 1, 1
	le.PutUint16(buf[16:], 2)
	le.PutUint16(buf[18:], e.machine)
	le.PutUint32(buf[20:], 1)
	le.PutUint64(buf[24:], e.entry)
	le.PutUint64(buf[32:], ehdrSize)
	le.PutUint16(buf[52:], ehdrSize)
	le.PutUint16(buf[54:], phdrSize)
	le.PutUint16(buf[56:], 2)
	le.PutUint16(buf[58:], 64)

	load := buf[ehdrSize:]
	le.PutUint32(load[0:], 1) // PT_LOAD
	le.PutUint32(load[4:], 7)
	le.PutUint64(load[8:], testDataOff)
	le.PutUint64(load[16:], testVaddr)
	le.PutUint64(load[24:], testPaddr)
	le.PutUint64(load[32:], uint64(len(e.data)))
	le.PutUint64(load[40:], e.memsz)
	le.PutUint64(load[48:], 0x1000)

	note := buf[ehdrSize+phdrSize:]
	le.PutUint32(note[0:], 4) // PT_NOTE
	le.PutUint64(note[8:], noteOff)
	le.PutUint64(note[32:], uint64(notes.Len()))
	le.PutUint64(note[40:], uint64(notes.Len()))
	le.PutUint64(note[48:], 4)

	if noteOff+uint64(notes.Len()) > testDataOff {
		t.Fatalf("too many notes for the test layout")
	}
	copy(buf[noteOff:], notes.Bytes())
	copy(buf[testDataOff:], e.data)
	return buf
}

func pvELF() testELF {
	return testELF{
		machine: 62,
		entry:   testVaddr + 0x40,
		notes: [][2]uint64{
			{noteVirtBase, testVirtBase},
			{noteEntry, testVaddr + 0x10},
			{noteHypercallPage, testVaddr + 0x1000},
		},
		data:  bytes.Repeat([]byte{0xcc}, 0x1800),
		memsz: 0x3000,
	}
}

func TestLoadELFVirtualLayout(t *testing.T) {
	k, err := Parse(pvELF().build(t), "x86-pv")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := boot.ImageInfo{
		VirtBase:      testVirtBase,
		VirtKStart:    testVaddr,
		VirtKEnd:      testVaddr + 0x3000,
		VirtEntry:     testVaddr + 0x10,
		HypercallPage: testVaddr + 0x1000,
	}
	if k.Info != want {
		t.Fatalf("Info = %+v, want %+v", k.Info, want)
	}
	if k.Size() != 0x3000 {
		t.Fatalf("Size = %#x, want 0x3000", k.Size())
	}
}

func TestLoadELFFallsBackToHeaderEntry(t *testing.T) {
	e := pvELF()
	e.notes = e.notes[:1]
	k, err := Parse(e.build(t), "x86-pv")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if k.Info.VirtEntry != testVaddr+0x40 {
		t.Fatalf("VirtEntry = %#x, want e_entry", k.Info.VirtEntry)
	}
}

func TestLoadELFRequiresVirtBase(t *testing.T) {
	e := pvELF()
	e.notes = nil
	_, err := Parse(e.build(t), "x86-pv")
	if err == nil || !strings.Contains(err.Error(), "VIRT_BASE") {
		t.Fatalf("Parse error = %v, want missing VIRT_BASE", err)
	}
}

func TestLoadELFRejectsHypercallPageOutsideImage(t *testing.T) {
	e := pvELF()
	e.notes[2][1] = testVaddr + 0x10000
	if _, err := Parse(e.build(t), "x86-pv"); err == nil {
		t.Fatalf("Parse accepted a hypercall page outside the image")
	}
}

func TestLoadELFRejectsOtherMachines(t *testing.T) {
	e := pvELF()
	e.machine = 183 // aarch64
	if _, err := Parse(e.build(t), "x86-pv"); err == nil {
		t.Fatalf("Parse accepted an aarch64 ELF")
	}
}

func TestLoadELFPhysicalLayout(t *testing.T) {
	e := pvELF()
	e.notes = [][2]uint64{{notePhys32Entry, testPaddr + 0x20}}
	k, err := Parse(e.build(t), "x86-hvm")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if k.Info.VirtBase != 0 || k.Info.VirtKStart != testPaddr || k.Info.VirtKEnd != testPaddr+0x3000 {
		t.Fatalf("Info = %+v, want physical layout", k.Info)
	}
	if k.Info.PhysEntry != testPaddr+0x20 {
		t.Fatalf("PhysEntry = %#x", k.Info.PhysEntry)
	}
}

func TestLoadELFPhysicalRequiresEntryNote(t *testing.T) {
	e := pvELF()
	if _, err := Parse(e.build(t), "x86-hvm"); err == nil {
		t.Fatalf("Parse accepted a kernel without a PVH entry note")
	}
}

func TestParseNotesSkipsForeignNotes(t *testing.T) {
	le := binary.LittleEndian
	var buf bytes.Buffer
	rec := func(name string, typ uint32, desc []byte) {
		var hdr [12]byte
		le.PutUint32(hdr[0:], uint32(len(name)))
		le.PutUint32(hdr[4:], uint32(len(desc)))
		le.PutUint32(hdr[8:], typ)
		buf.Write(hdr[:])
		buf.WriteString(name)
		buf.Write(make([]byte, int(align4(uint64(len(name))))-len(name)))
		buf.Write(desc)
		buf.Write(make([]byte, int(align4(uint64(len(desc))))-len(desc)))
	}
	rec("GNU\x00", noteVirtBase, []byte{1, 2, 3, 4})
	rec("Xen\x00", noteVirtBase, []byte{0x00, 0x10, 0x00, 0x00})

	var notes XenNotes
	if err := parseNotes(buf.Bytes(), le, &notes); err != nil {
		t.Fatalf("parseNotes: %v", err)
	}
	if notes.VirtBase != 0x1000 {
		t.Fatalf("VirtBase = %#x, want 0x1000", notes.VirtBase)
	}

	if err := parseNotes(buf.Bytes()[:36], le, &notes); err == nil {
		t.Fatalf("parseNotes accepted a truncated note")
	}
}

func TestKernelLoadZeroFillsBSS(t *testing.T) {
	k, err := Parse(pvELF().build(t), "x86-pv")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	h := sim.New(sim.Options{})
	ctx := context.Background()
	id, err := h.CreateDomain(ctx, xen.DomIDAny, xen.CreateDomain{})
	if err != nil {
		t.Fatalf("CreateDomain: %v", err)
	}
	d := boot.NewDomain(h, id, 8192, 12, k.Info)
	seg, err := d.ClaimSegment("kernel", k.Info.VirtKStart, k.Size())
	if err != nil {
		t.Fatalf("ClaimSegment: %v", err)
	}
	if err := k.Load(ctx, d, seg); err != nil {
		t.Fatalf("Load: %v", err)
	}

	first := h.Frame(id, seg.PFN)
	second := h.Frame(id, seg.PFN+1)
	third := h.Frame(id, seg.PFN+2)
	if first[0] != 0xcc || second[0x7ff] != 0xcc {
		t.Fatalf("image bytes not copied")
	}
	if second[0x800] != 0 || third == nil || third[0] != 0 {
		t.Fatalf("bss not zero filled")
	}
}

func TestKernelLoadRejectsSmallSegment(t *testing.T) {
	k, err := Parse(pvELF().build(t), "x86-pv")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	d := boot.NewDomain(sim.New(sim.Options{}), 1, 8192, 12, k.Info)
	seg := boot.Segment{Name: "kernel", VStart: testVaddr, VEnd: testVaddr + 0x1000}
	if err := k.Load(context.Background(), d, seg); err == nil {
		t.Fatalf("Load accepted a segment smaller than the image")
	}
}

func TestParseRejectsUnknownPlatform(t *testing.T) {
	if _, err := Parse([]byte{1}, "mips"); err == nil {
		t.Fatalf("Parse accepted an unknown platform")
	}
}
