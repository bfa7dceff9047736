package image

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/xenbuild/internal/boot"
)

const (
	arm64HeaderSize = 64
	arm64Magic      = 0x644d5241 // "ARM\x64"

	// The kernel sits text_offset bytes past a 2 MiB aligned base.
	arm64LoadAlign = 2 << 20
	// Start of the first guest RAM bank.
	arm64LoadBase = 0x40000000

	// Compressed images carry a decompressor stub; the gzip stream must
	// start within this many bytes.
	maxGzipScan = 1 << 20
)

// ARM64Header is the 64-byte header at the start of a decompressed Image.
type ARM64Header struct {
	TextOffset uint64
	ImageSize  uint64
	Flags      uint64
}

func parseARM64Header(b []byte) (ARM64Header, error) {
	if len(b) < arm64HeaderSize {
		return ARM64Header{}, fmt.Errorf("arm64 kernel header truncated: got %d bytes", len(b))
	}
	if m := binary.LittleEndian.Uint32(b[56:60]); m != arm64Magic {
		return ARM64Header{}, fmt.Errorf("invalid arm64 kernel magic %#x", m)
	}
	return ARM64Header{
		TextOffset: binary.LittleEndian.Uint64(b[8:16]),
		ImageSize:  binary.LittleEndian.Uint64(b[16:24]),
		Flags:      binary.LittleEndian.Uint64(b[24:32]),
	}, nil
}

// LoadARM64 reads a raw or gzip compressed arm64 Image and places it at
// text_offset into the first RAM bank.
func LoadARM64(r io.ReaderAt, size int64) (*Kernel, error) {
	if size <= 0 {
		return nil, fmt.Errorf("arm64 kernel image size must be positive (got %d)", size)
	}
	payload, err := extractARM64(r, size)
	if err != nil {
		return nil, err
	}
	hdr, err := parseARM64Header(payload)
	if err != nil {
		return nil, err
	}

	start := alignUpAddr(arm64LoadBase, arm64LoadAlign) + hdr.TextOffset
	memSize := max(hdr.ImageSize, uint64(len(payload)))
	return &Kernel{
		Info: boot.ImageInfo{
			VirtKStart: start,
			VirtKEnd:   start + memSize,
			VirtEntry:  start,
		},
		segments: []loadSegment{{addr: start, memSize: memSize, data: payload}},
	}, nil
}

func extractARM64(r io.ReaderAt, size int64) ([]byte, error) {
	head := make([]byte, arm64HeaderSize)
	if _, err := r.ReadAt(head, 0); err == nil {
		if _, err := parseARM64Header(head); err == nil {
			data := make([]byte, size)
			if _, err := r.ReadAt(data, 0); err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("read raw arm64 image: %w", err)
			}
			return data, nil
		}
	}

	off, err := findGzip(r, size)
	if err != nil {
		return nil, fmt.Errorf("arm64 kernel header not found: %w", err)
	}
	gz, err := gzip.NewReader(io.NewSectionReader(r, off, size-off))
	if err != nil {
		return nil, fmt.Errorf("open gzip reader: %w", err)
	}
	defer gz.Close()
	data, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("decompress arm64 image: %w", err)
	}
	return data, nil
}

func findGzip(r io.ReaderAt, size int64) (int64, error) {
	buf := make([]byte, min(size, maxGzipScan))
	n, err := r.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("read kernel prefix: %w", err)
	}
	idx := bytes.Index(buf[:n], []byte{0x1f, 0x8b})
	if idx == -1 {
		return 0, fmt.Errorf("gzip header not found within first %d bytes", n)
	}
	return int64(idx), nil
}

func alignUpAddr(v, a uint64) uint64 { return (v + a - 1) &^ (a - 1) }
