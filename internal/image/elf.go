package image

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/tinyrange/xenbuild/internal/boot"
)

// Xen ELF note types.
const (
	noteEntry         = 1
	noteHypercallPage = 2
	noteVirtBase      = 3
	notePaddrOffset   = 4
	notePhys32Entry   = 18
)

// XenNotes holds the Xen ELF notes of a kernel. Absent notes are zero.
type XenNotes struct {
	Entry         uint64
	HypercallPage uint64
	VirtBase      uint64
	PaddrOffset   uint64
	Phys32Entry   uint64
}

// LoadELF parses an x86-64 ELF kernel. With physical set the kernel is laid
// out by physical address and entered at its PVH entry note; otherwise it is
// laid out by virtual address against the VIRT_BASE note.
func LoadELF(r io.ReaderAt, physical bool) (*Kernel, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("open elf kernel: %w", err)
	}
	defer f.Close()

	if f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("unsupported ELF machine %v (want x86_64)", f.Machine)
	}
	if len(f.Progs) == 0 {
		return nil, errors.New("ELF kernel has no program headers")
	}

	notes, err := readXenNotes(f)
	if err != nil {
		return nil, err
	}

	k := &Kernel{}
	var minAddr uint64 = math.MaxUint64
	var maxAddr uint64
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("ELF segment file size %#x exceeds mem size %#x", prog.Filesz, prog.Memsz)
		}
		if prog.Filesz > uint64(math.MaxInt) {
			return nil, fmt.Errorf("ELF segment file size %#x exceeds host limits", prog.Filesz)
		}
		data := make([]byte, int(prog.Filesz))
		if prog.Filesz > 0 {
			if _, err := prog.ReadAt(data, 0); err != nil {
				return nil, fmt.Errorf("read ELF segment @%#x: %w", prog.Off, err)
			}
		}
		addr := prog.Vaddr
		if physical {
			addr = prog.Paddr
		}
		k.segments = append(k.segments, loadSegment{addr: addr, memSize: prog.Memsz, data: data})
		minAddr = min(minAddr, addr)
		maxAddr = max(maxAddr, addr+prog.Memsz)
	}
	if len(k.segments) == 0 {
		return nil, errors.New("ELF kernel has no loadable segments")
	}
	if maxAddr <= minAddr {
		return nil, fmt.Errorf("invalid ELF kernel span [%#x, %#x)", minAddr, maxAddr)
	}

	if physical {
		if notes.Phys32Entry == 0 {
			return nil, errors.New("ELF kernel has no PVH entry note")
		}
		k.Info = boot.ImageInfo{
			VirtKStart: minAddr,
			VirtKEnd:   maxAddr,
			VirtEntry:  notes.Phys32Entry,
			PhysEntry:  notes.Phys32Entry,
		}
		return k, nil
	}

	if notes.VirtBase == 0 {
		return nil, errors.New("ELF kernel has no Xen VIRT_BASE note")
	}
	if minAddr < notes.VirtBase {
		return nil, fmt.Errorf("ELF kernel starts at %#x, below virtual base %#x", minAddr, notes.VirtBase)
	}
	entry := notes.Entry
	if entry == 0 {
		entry = f.Entry
	}
	if entry < minAddr || entry >= maxAddr {
		return nil, fmt.Errorf("ELF entry %#x outside loaded span [%#x, %#x)", entry, minAddr, maxAddr)
	}
	if hp := notes.HypercallPage; hp != 0 && (hp < minAddr || hp >= maxAddr) {
		return nil, fmt.Errorf("hypercall page %#x outside loaded span [%#x, %#x)", hp, minAddr, maxAddr)
	}
	k.Info = boot.ImageInfo{
		VirtBase:      notes.VirtBase,
		VirtKStart:    minAddr,
		VirtKEnd:      maxAddr,
		VirtEntry:     entry,
		HypercallPage: notes.HypercallPage,
	}
	return k, nil
}

func readXenNotes(f *elf.File) (XenNotes, error) {
	var notes XenNotes
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_NOTE {
			continue
		}
		data, err := io.ReadAll(prog.Open())
		if err != nil {
			return notes, fmt.Errorf("read ELF notes @%#x: %w", prog.Off, err)
		}
		if err := parseNotes(data, f.ByteOrder, &notes); err != nil {
			return notes, err
		}
	}
	return notes, nil
}

func parseNotes(data []byte, order binary.ByteOrder, notes *XenNotes) error {
	for len(data) >= 12 {
		namesz := uint64(order.Uint32(data[0:4]))
		descsz := uint64(order.Uint32(data[4:8]))
		typ := order.Uint32(data[8:12])
		nameEnd := 12 + align4(namesz)
		descEnd := nameEnd + align4(descsz)
		if descEnd > uint64(len(data)) {
			return fmt.Errorf("ELF note type %d truncated", typ)
		}
		name := data[12 : 12+namesz]
		desc := data[nameEnd : nameEnd+descsz]
		data = data[descEnd:]

		if string(trimNUL(name)) != "Xen" {
			continue
		}
		var v uint64
		switch len(desc) {
		case 4:
			v = uint64(order.Uint32(desc))
		case 8:
			v = order.Uint64(desc)
		default:
			continue
		}
		switch typ {
		case noteEntry:
			notes.Entry = v
		case noteHypercallPage:
			notes.HypercallPage = v
		case noteVirtBase:
			notes.VirtBase = v
		case notePaddrOffset:
			notes.PaddrOffset = v
		case notePhys32Entry:
			notes.Phys32Entry = v
		}
	}
	return nil
}

func align4(n uint64) uint64 { return (n + 3) &^ 3 }

func trimNUL(b []byte) []byte {
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return b
}
