package mcf

import (
	"encoding/binary"
	"fmt"
)

// SectionType identifies a section payload. Values are stable forever.
type SectionType uint32

const (
	// SectionGraphInfo holds the graph signature as JSON.
	SectionGraphInfo SectionType = 0x0001
	// SectionTraceProgram holds the recorded step list as JSON.
	SectionTraceProgram SectionType = 0x0002
	SectionTensorIndex  SectionType = 0x0003
	SectionTensorData   SectionType = 0x0004
	// SectionHFConfigJSON holds the source config.json verbatim.
	SectionHFConfigJSON SectionType = 0x0005
	// SectionTokenizerJSON holds the source tokenizer.json verbatim.
	SectionTokenizerJSON SectionType = 0x0006
)

var sectionNames = map[SectionType]string{
	SectionGraphInfo:     "graph-info",
	SectionTraceProgram:  "trace-program",
	SectionTensorIndex:   "tensor-index",
	SectionTensorData:    "tensor-data",
	SectionHFConfigJSON:  "hf-config",
	SectionTokenizerJSON: "tokenizer",
}

// Known reports whether t is a section a traced graph can contain.
func (t SectionType) Known() bool {
	_, ok := sectionNames[t]
	return ok
}

func (t SectionType) String() string {
	if name, ok := sectionNames[t]; ok {
		return name
	}
	return fmt.Sprintf("section(%#x)", uint32(t))
}

func (e DirEntry) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(e.Type))
	binary.LittleEndian.PutUint32(b[4:8], e.Version)
	binary.LittleEndian.PutUint64(b[8:16], e.Offset)
	binary.LittleEndian.PutUint64(b[16:24], e.Size)
}

func decodeDirEntry(b []byte) DirEntry {
	return DirEntry{
		Type:    SectionType(binary.LittleEndian.Uint32(b[0:4])),
		Version: binary.LittleEndian.Uint32(b[4:8]),
		Offset:  binary.LittleEndian.Uint64(b[8:16]),
		Size:    binary.LittleEndian.Uint64(b[16:24]),
	}
}
