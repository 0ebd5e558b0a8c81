package mcf

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
	"slices"
	"strings"
)

// TensorIndexVersion is the on-disk version of the tensor index payload.
const TensorIndexVersion uint32 = 2

// maxRank bounds the dims of one tensor. Traced parameters are vectors and
// matrices.
const maxRank = 4

// DType identifies the element encoding of a stored tensor. Traced graphs
// store float32 parameters only.
type DType uint32

const DTypeF32 DType = 1

// Size is the byte width of one element, or 0 for an unsupported dtype.
func (d DType) Size() int {
	if d == DTypeF32 {
		return 4
	}
	return 0
}

func (d DType) String() string {
	if d == DTypeF32 {
		return "F32"
	}
	return fmt.Sprintf("dtype(%d)", uint32(d))
}

// TensorEntry locates one tensor. DataOff is an absolute file offset.
type TensorEntry struct {
	Name     string
	DType    DType
	Shape    []uint64
	DataOff  uint64
	DataSize uint64
}

// Elements is the product of the shape.
func (e TensorEntry) Elements() (uint64, error) {
	if len(e.Shape) == 0 || len(e.Shape) > maxRank {
		return 0, fmt.Errorf("%w: tensor %q has rank %d", ErrCorruptFile, e.Name, len(e.Shape))
	}
	n := uint64(1)
	for _, d := range e.Shape {
		if d == 0 {
			return 0, fmt.Errorf("%w: tensor %q has a zero dim", ErrCorruptFile, e.Name)
		}
		hi, lo := bits.Mul64(n, d)
		if hi != 0 {
			return 0, fmt.Errorf("%w: tensor %q is too large", ErrCorruptFile, e.Name)
		}
		n = lo
	}
	return n, nil
}

func (e TensorEntry) validate() error {
	if e.Name == "" {
		return fmt.Errorf("%w: empty tensor name", ErrCorruptFile)
	}
	if e.DType.Size() == 0 {
		return fmt.Errorf("%w: tensor %q is %s", ErrUnsupportedDType, e.Name, e.DType)
	}
	n, err := e.Elements()
	if err != nil {
		return err
	}
	if n > math.MaxUint64/uint64(e.DType.Size()) || n*uint64(e.DType.Size()) != e.DataSize {
		return fmt.Errorf("%w: tensor %q holds %d bytes for shape %v", ErrCorruptFile, e.Name, e.DataSize, e.Shape)
	}
	return nil
}

// TensorIndex is the parsed tensor table, sorted by name.
type TensorIndex struct {
	entries []TensorEntry
}

func (ti *TensorIndex) Len() int { return len(ti.entries) }

// Entries returns the table in name order. Callers must not modify it.
func (ti *TensorIndex) Entries() []TensorEntry { return ti.entries }

// Find looks a tensor up by name.
func (ti *TensorIndex) Find(name string) (TensorEntry, bool) {
	if ti == nil {
		return TensorEntry{}, false
	}
	i, ok := slices.BinarySearchFunc(ti.entries, name, func(e TensorEntry, n string) int {
		return strings.Compare(e.Name, n)
	})
	if !ok {
		return TensorEntry{}, false
	}
	return ti.entries[i], true
}

// EncodeTensorIndex builds a tensor index payload. Entries are written in
// name order; duplicate names are an error.
//
//	u32 version | u32 count | count * record
//	record: u32 name_len | u32 dtype | u32 rank | name | rank * u64 dim | u64 off | u64 size
func EncodeTensorIndex(entries []TensorEntry) ([]byte, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: empty tensor index", ErrCorruptFile)
	}
	sorted := slices.Clone(entries)
	slices.SortFunc(sorted, func(a, b TensorEntry) int { return strings.Compare(a.Name, b.Name) })

	out := binary.LittleEndian.AppendUint32(nil, TensorIndexVersion)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(sorted)))
	for i, e := range sorted {
		if err := e.validate(); err != nil {
			return nil, err
		}
		if i > 0 && sorted[i-1].Name == e.Name {
			return nil, fmt.Errorf("%w: duplicate tensor %q", ErrCorruptFile, e.Name)
		}
		out = binary.LittleEndian.AppendUint32(out, uint32(len(e.Name)))
		out = binary.LittleEndian.AppendUint32(out, uint32(e.DType))
		out = binary.LittleEndian.AppendUint32(out, uint32(len(e.Shape)))
		out = append(out, e.Name...)
		for _, d := range e.Shape {
			out = binary.LittleEndian.AppendUint64(out, d)
		}
		out = binary.LittleEndian.AppendUint64(out, e.DataOff)
		out = binary.LittleEndian.AppendUint64(out, e.DataSize)
	}
	return out, nil
}

// ParseTensorIndex decodes a tensor index payload. Names are copied out of
// b. Any dtype other than F32 is rejected.
func ParseTensorIndex(b []byte) (*TensorIndex, error) {
	c := &cursor{b: b}
	if v := c.u32(); c.err == nil && v != TensorIndexVersion {
		return nil, fmt.Errorf("%w: tensor index v%d", ErrUnsupportedVersion, v)
	}
	count := c.u32()
	if c.err != nil {
		return nil, c.err
	}
	if count == 0 {
		return nil, fmt.Errorf("%w: empty tensor index", ErrCorruptFile)
	}
	// Every record takes at least 29 bytes.
	if uint64(count) > uint64(len(b))/29 {
		return nil, fmt.Errorf("%w: tensor index claims %d tensors", ErrCorruptFile, count)
	}

	ti := &TensorIndex{entries: make([]TensorEntry, 0, count)}
	for range count {
		nameLen, dtype, rank := c.u32(), DType(c.u32()), c.u32()
		if c.err == nil && rank > maxRank {
			return nil, fmt.Errorf("%w: tensor rank %d", ErrCorruptFile, rank)
		}
		e := TensorEntry{Name: string(c.next(int(nameLen))), DType: dtype}
		for range rank {
			e.Shape = append(e.Shape, c.u64())
		}
		e.DataOff, e.DataSize = c.u64(), c.u64()
		if c.err != nil {
			return nil, c.err
		}
		if err := e.validate(); err != nil {
			return nil, err
		}
		if n := len(ti.entries); n > 0 && ti.entries[n-1].Name >= e.Name {
			return nil, fmt.Errorf("%w: tensor %q out of order", ErrCorruptFile, e.Name)
		}
		ti.entries = append(ti.entries, e)
	}
	if c.off != len(b) {
		return nil, fmt.Errorf("%w: %d trailing bytes in tensor index", ErrCorruptFile, len(b)-c.off)
	}
	return ti, nil
}

type cursor struct {
	b   []byte
	off int
	err error
}

func (c *cursor) next(n int) []byte {
	if c.err != nil {
		return nil
	}
	if n < 0 || n > len(c.b)-c.off {
		c.err = fmt.Errorf("%w: tensor index truncated at byte %d", ErrCorruptFile, c.off)
		return nil
	}
	p := c.b[c.off : c.off+n]
	c.off += n
	return p
}

func (c *cursor) u32() uint32 {
	if p := c.next(4); p != nil {
		return binary.LittleEndian.Uint32(p)
	}
	return 0
}

func (c *cursor) u64() uint64 {
	if p := c.next(8); p != nil {
		return binary.LittleEndian.Uint64(p)
	}
	return 0
}
