// Package fdt builds flattened device tree blobs for guest domains.
package fdt

// Property is a single device-tree property. Exactly one value field is set.
type Property struct {
	Strings []string
	U32     []uint32
	U64     []uint64
	Bytes   []byte
	Flag    bool
}

// Strings returns a string-list property.
func Strings(v ...string) Property { return Property{Strings: v} }

// U32 returns a property of big-endian 32-bit cells.
func U32(v ...uint32) Property { return Property{U32: v} }

// U64 returns a property of big-endian 64-bit values.
func U64(v ...uint64) Property { return Property{U64: v} }

// Flag returns an empty, present-only property.
func Flag() Property { return Property{Flag: true} }

type kind uint8

const (
	kindStrings kind = 1 << iota
	kindU32
	kindU64
	kindBytes
	kindFlag
)

// kinds returns the set of populated value fields.
func (p Property) kinds() kind {
	var k kind
	if len(p.Strings) > 0 {
		k |= kindStrings
	}
	if len(p.U32) > 0 {
		k |= kindU32
	}
	if len(p.U64) > 0 {
		k |= kindU64
	}
	if len(p.Bytes) > 0 {
		k |= kindBytes
	}
	if p.Flag {
		k |= kindFlag
	}
	return k
}

// Node is one device-tree node and its subtree.
type Node struct {
	Name       string
	Properties map[string]Property
	Children   []Node
}

// Child returns the direct child called name.
func (n Node) Child(name string) (Node, bool) {
	for _, c := range n.Children {
		if c.Name == name {
			return c, true
		}
	}
	return Node{}, false
}

// Reservation is a /memreserve/ entry.
type Reservation struct {
	Address uint64
	Size    uint64
}
