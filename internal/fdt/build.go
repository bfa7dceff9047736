package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	headerSize  = 0x28
	version     = 17
	lastCompVer = 16
	magic       = 0xd00dfeed

	tokenBeginNode = 0x1
	tokenEndNode   = 0x2
	tokenProp      = 0x3
	tokenEnd       = 0x9
)

// Build serializes root and its subtree into an FDT blob. Properties are
// emitted in name order so equal trees give identical blobs.
func Build(root Node, reservations ...Reservation) ([]byte, error) {
	w := &writer{stringsOff: make(map[string]uint32)}
	if err := w.node(root); err != nil {
		return nil, err
	}
	return w.finish(reservations), nil
}

type writer struct {
	structBuf  bytes.Buffer
	strings    bytes.Buffer
	stringsOff map[string]uint32
}

func (w *writer) node(n Node) error {
	w.token(tokenBeginNode)
	w.structBuf.WriteString(n.Name)
	w.structBuf.WriteByte(0)
	w.pad()

	names := make([]string, 0, len(n.Properties))
	for name := range n.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := encode(name, n.Properties[name])
		if err != nil {
			return fmt.Errorf("node %q: %w", n.Name, err)
		}
		w.property(name, data)
	}

	for _, child := range n.Children {
		if err := w.node(child); err != nil {
			return err
		}
	}

	w.token(tokenEndNode)
	return nil
}

func encode(name string, prop Property) ([]byte, error) {
	switch prop.kinds() {
	case 0:
		return nil, fmt.Errorf("property %q has no values", name)
	case kindStrings:
		var buf bytes.Buffer
		for _, v := range prop.Strings {
			buf.WriteString(v)
			buf.WriteByte(0)
		}
		return buf.Bytes(), nil
	case kindU32:
		data := make([]byte, 4*len(prop.U32))
		for i, v := range prop.U32 {
			binary.BigEndian.PutUint32(data[4*i:], v)
		}
		return data, nil
	case kindU64:
		data := make([]byte, 8*len(prop.U64))
		for i, v := range prop.U64 {
			binary.BigEndian.PutUint64(data[8*i:], v)
		}
		return data, nil
	case kindBytes:
		return append([]byte(nil), prop.Bytes...), nil
	case kindFlag:
		return nil, nil
	default:
		return nil, fmt.Errorf("property %q has multiple value kinds", name)
	}
}

func (w *writer) property(name string, value []byte) {
	w.token(tokenProp)
	w.u32(uint32(len(value)))
	w.u32(w.stringOffset(name))
	w.structBuf.Write(value)
	w.pad()
}

func (w *writer) finish(reservations []Reservation) []byte {
	w.token(tokenEnd)

	structBytes := w.structBuf.Bytes()
	stringsBytes := w.strings.Bytes()

	// Reservation block ends with an all-zero entry.
	memReserve := make([]byte, 16*(len(reservations)+1))
	for i, r := range reservations {
		binary.BigEndian.PutUint64(memReserve[16*i:], r.Address)
		binary.BigEndian.PutUint64(memReserve[16*i+8:], r.Size)
	}

	offMemReserve := headerSize
	offStruct := offMemReserve + len(memReserve)
	offStrings := offStruct + len(structBytes)
	totalSize := offStrings + len(stringsBytes)

	blob := make([]byte, totalSize)
	hdr := blob[:headerSize]
	binary.BigEndian.PutUint32(hdr[0:4], magic)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(totalSize))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(offStruct))
	binary.BigEndian.PutUint32(hdr[12:16], uint32(offStrings))
	binary.BigEndian.PutUint32(hdr[16:20], uint32(offMemReserve))
	binary.BigEndian.PutUint32(hdr[20:24], version)
	binary.BigEndian.PutUint32(hdr[24:28], lastCompVer)
	binary.BigEndian.PutUint32(hdr[28:32], 0) // boot_cpuid_phys
	binary.BigEndian.PutUint32(hdr[32:36], uint32(len(stringsBytes)))
	binary.BigEndian.PutUint32(hdr[36:40], uint32(len(structBytes)))

	copy(blob[offMemReserve:], memReserve)
	copy(blob[offStruct:], structBytes)
	copy(blob[offStrings:], stringsBytes)
	return blob
}

func (w *writer) stringOffset(name string) uint32 {
	if off, ok := w.stringsOff[name]; ok {
		return off
	}
	off := uint32(w.strings.Len())
	w.strings.WriteString(name)
	w.strings.WriteByte(0)
	w.stringsOff[name] = off
	return off
}

func (w *writer) token(t uint32) { w.u32(t) }

func (w *writer) u32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	w.structBuf.Write(tmp[:])
}

func (w *writer) pad() {
	for w.structBuf.Len()%4 != 0 {
		w.structBuf.WriteByte(0)
	}
}

// Header is the decoded fixed header of a blob.
type Header struct {
	TotalSize     uint32
	OffStruct     uint32
	OffStrings    uint32
	OffMemReserve uint32
	Version       uint32
	SizeStrings   uint32
	SizeStruct    uint32
}

// ParseHeader validates the magic and returns the header of blob.
func ParseHeader(blob []byte) (Header, error) {
	if len(blob) < headerSize {
		return Header{}, fmt.Errorf("fdt: blob truncated: %d bytes", len(blob))
	}
	if m := binary.BigEndian.Uint32(blob[0:4]); m != magic {
		return Header{}, fmt.Errorf("fdt: bad magic %#x", m)
	}
	h := Header{
		TotalSize:     binary.BigEndian.Uint32(blob[4:8]),
		OffStruct:     binary.BigEndian.Uint32(blob[8:12]),
		OffStrings:    binary.BigEndian.Uint32(blob[12:16]),
		OffMemReserve: binary.BigEndian.Uint32(blob[16:20]),
		Version:       binary.BigEndian.Uint32(blob[20:24]),
		SizeStrings:   binary.BigEndian.Uint32(blob[32:36]),
		SizeStruct:    binary.BigEndian.Uint32(blob[36:40]),
	}
	if int(h.TotalSize) > len(blob) {
		return Header{}, fmt.Errorf("fdt: header claims %d bytes, blob has %d", h.TotalSize, len(blob))
	}
	return h, nil
}
