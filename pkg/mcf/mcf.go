// Package mcf implements the Model Container File format used for traced
// graphs.
//
// An MCF file is a fixed header, a run of 8-byte aligned section payloads and
// a section directory. A traced graph holds its signature, its step list, the
// source config and tokenizer, and a tensor index over one data section of
// float32 parameters.
package mcf

// MCF global constants must never change.
const (
	// MagicMCF is the file magic for all MCF containers, "MCF\0".
	MagicMCF = "MCF\x00"

	// CurrentMajor changes only when old readers can no longer parse a file.
	CurrentMajor uint16 = 2
	CurrentMinor uint16 = 0

	// FlagTensorDataAligned64 marks files whose tensor payloads start on
	// 64-byte boundaries.
	FlagTensorDataAligned64 uint64 = 1 << 0
)

const (
	headerSize   = 40
	dirEntrySize = 24
	sectionAlign = 8
)

// Header is the fixed little-endian header at offset 0.
type Header struct {
	Magic            [4]byte
	Major            uint16
	Minor            uint16
	HeaderSize       uint32
	SectionCount     uint32
	SectionDirOffset uint64
	FileSize         uint64
	Flags            uint64
}

// DirEntry locates one section payload. Offset is absolute.
type DirEntry struct {
	Type    SectionType
	Version uint32
	Offset  uint64
	Size    uint64
}

// End is the first byte past the payload.
func (e DirEntry) End() uint64 { return e.Offset + e.Size }
