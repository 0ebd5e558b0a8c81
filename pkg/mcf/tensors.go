package mcf

import (
	"encoding/binary"
	"fmt"
	"math"
)

// tensorAlign is the alignment of every tensor payload.
const tensorAlign = 64

// Tensor is one float32 parameter to store.
type Tensor struct {
	Name  string
	Shape []uint64
	Data  []float32
}

// WriteTensors writes every tensor into a TensorData section, each payload
// 64-byte aligned, followed by the matching TensorIndex section.
func (w *Writer) WriteTensors(tensors []Tensor) error {
	if len(tensors) == 0 {
		return fmt.Errorf("%w: no tensors to write", ErrCorruptFile)
	}
	start, err := w.begin(SectionTensorData)
	if err != nil {
		return err
	}
	entries := make([]TensorEntry, 0, len(tensors))
	var raw []byte
	for _, t := range tensors {
		if err := w.align(tensorAlign); err != nil {
			return err
		}
		e := TensorEntry{Name: t.Name, DType: DTypeF32, Shape: t.Shape, DataOff: w.off, DataSize: uint64(4 * len(t.Data))}
		if err := e.validate(); err != nil {
			return err
		}
		raw = raw[:0]
		for _, v := range t.Data {
			raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(v))
		}
		if err := w.write(raw); err != nil {
			return err
		}
		entries = append(entries, e)
	}
	w.end(SectionTensorData, 1, start)
	w.flags |= FlagTensorDataAligned64

	index, err := EncodeTensorIndex(entries)
	if err != nil {
		return err
	}
	return w.WriteSection(SectionTensorIndex, TensorIndexVersion, index)
}

// ReadF32 decodes a stored tensor.
func (f *File) ReadF32(name string) ([]float32, TensorEntry, error) {
	if f == nil || f.Tensors == nil {
		return nil, TensorEntry{}, ErrTensorNotFound
	}
	e, ok := f.Tensors.Find(name)
	if !ok {
		return nil, TensorEntry{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	raw := f.Data[e.DataOff : e.DataOff+e.DataSize]
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out, e, nil
}
