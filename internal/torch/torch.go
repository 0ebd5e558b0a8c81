// Package torch reads PyTorch pickle checkpoints (pytorch_model.bin) as a
// read-only tensor source.
package torch

import (
	"fmt"
	"slices"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

// Tensor is a dense float32 tensor decoded from a checkpoint.
type Tensor struct {
	Shape []int
	Data  []float32
}

// File is a fully decoded checkpoint.
type File struct {
	Path    string
	Tensors map[string]Tensor
}

// Open decodes every floating point tensor of the checkpoint at path.
func Open(path string) (*File, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("torch: load %s: %w", path, err)
	}
	entries, err := stateDict(obj)
	if err != nil {
		return nil, fmt.Errorf("torch: %s: %w", path, err)
	}
	f := &File{Path: path, Tensors: make(map[string]Tensor, len(entries))}
	for name, v := range entries {
		pt, ok := v.(*pytorch.Tensor)
		if !ok {
			continue
		}
		t, err := decode(pt)
		if err != nil {
			return nil, fmt.Errorf("torch: tensor %s: %w", name, err)
		}
		f.Tensors[name] = t
	}
	return f, nil
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for n := range f.Tensors {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func stateDict(obj any) (map[string]any, error) {
	out := make(map[string]any)
	switch d := obj.(type) {
	case *types.Dict:
		for _, k := range d.Keys() {
			name, ok := k.(string)
			if !ok {
				continue
			}
			out[name] = d.MustGet(k)
		}
	case *types.OrderedDict:
		for e := d.List.Front(); e != nil; e = e.Next() {
			entry := e.Value.(*types.OrderedDictEntry)
			name, ok := entry.Key.(string)
			if !ok {
				continue
			}
			out[name] = entry.Value
		}
	default:
		return nil, fmt.Errorf("unexpected checkpoint root %T", obj)
	}
	return out, nil
}

func decode(t *pytorch.Tensor) (Tensor, error) {
	var data []float32
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		data = s.Data
	case *pytorch.HalfStorage:
		data = s.Data
	case *pytorch.BFloat16Storage:
		data = s.Data
	default:
		return Tensor{}, fmt.Errorf("unsupported storage %T", t.Source)
	}
	n := 1
	for _, d := range t.Size {
		n *= d
	}
	want := 1
	for i := len(t.Size) - 1; i >= 0; i-- {
		if t.Size[i] != 1 && t.Stride[i] != want {
			return Tensor{}, fmt.Errorf("non-contiguous layout stride %v for shape %v", t.Stride, t.Size)
		}
		want *= t.Size[i]
	}
	if t.StorageOffset+n > len(data) {
		return Tensor{}, fmt.Errorf("storage holds %d values, need %d at offset %d", len(data), n, t.StorageOffset)
	}
	return Tensor{
		Shape: slices.Clone(t.Size),
		Data:  slices.Clone(data[t.StorageOffset : t.StorageOffset+n]),
	}, nil
}
