// Package mcfstore reads and writes float32 tensor stores inside MCF
// containers.
package mcfstore

import (
	"errors"
	"fmt"
	"math"
	"os"
	"slices"

	"github.com/samcharles93/slimline/pkg/mcf"
)

var ErrTensorNotFound = errors.New("mcfstore: tensor not found")

// Tensor is a named float32 tensor to store.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// Contents is everything written into one container.
type Contents struct {
	Sections map[mcf.SectionType][]byte
	Tensors  []Tensor
}

// Create writes c to path, replacing any existing file.
func Create(path string, c Contents) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	w, err := mcf.NewWriter(f)
	if err != nil {
		return err
	}
	types := make([]mcf.SectionType, 0, len(c.Sections))
	for t := range c.Sections {
		types = append(types, t)
	}
	slices.Sort(types)
	for _, t := range types {
		if err := w.WriteSection(t, 1, c.Sections[t]); err != nil {
			return fmt.Errorf("section %s: %w", t, err)
		}
	}

	tensors := make([]mcf.Tensor, 0, len(c.Tensors))
	for _, t := range c.Tensors {
		shape := make([]uint64, len(t.Shape))
		for i, d := range t.Shape {
			if d <= 0 {
				return fmt.Errorf("tensor %s: invalid dim %d", t.Name, d)
			}
			shape[i] = uint64(d)
		}
		tensors = append(tensors, mcf.Tensor{Name: t.Name, Shape: shape, Data: t.Data})
	}
	if err := w.WriteTensors(tensors); err != nil {
		return err
	}
	if err := w.Finalise(); err != nil {
		return err
	}
	return f.Close()
}

// File is an opened tensor store.
type File struct {
	file *mcf.File
}

// Open maps a store written by Create.
func Open(path string) (*File, error) {
	mf, err := mcf.Open(path)
	if err != nil {
		return nil, err
	}
	return &File{file: mf}, nil
}

func (f *File) Close() error {
	if f == nil || f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

// SectionData returns a copy of the payload of section t, or nil when the
// file has no such section.
func (f *File) SectionData(t mcf.SectionType) []byte {
	if f == nil || f.file == nil {
		return nil
	}
	return slices.Clone(f.file.Section(t))
}

// Names lists the stored tensors in name order.
func (f *File) Names() []string {
	entries := f.file.Tensors.Entries()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

// Tensor returns the stored shape of name.
func (f *File) Tensor(name string) ([]int, error) {
	if f == nil || f.file == nil {
		return nil, ErrTensorNotFound
	}
	e, ok := f.file.Tensors.Find(name)
	if !ok {
		return nil, ErrTensorNotFound
	}
	return shapeToInt(e.Shape)
}

// ReadTensorF32 decodes name and its shape.
func (f *File) ReadTensorF32(name string) ([]float32, []int, error) {
	if f == nil || f.file == nil {
		return nil, nil, ErrTensorNotFound
	}
	data, e, err := f.file.ReadF32(name)
	if errors.Is(err, mcf.ErrTensorNotFound) {
		return nil, nil, ErrTensorNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	shape, err := shapeToInt(e.Shape)
	if err != nil {
		return nil, nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	return data, shape, nil
}

func shapeToInt(shape []uint64) ([]int, error) {
	out := make([]int, len(shape))
	for i, v := range shape {
		if v > uint64(math.MaxInt) {
			return nil, errors.New("dimension too large")
		}
		out[i] = int(v)
	}
	return out, nil
}
