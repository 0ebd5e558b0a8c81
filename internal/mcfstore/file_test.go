package mcfstore

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/samcharles93/slimline/pkg/mcf"
)

func TestCreateAndReadTensorF32(t *testing.T) {
	t.Parallel()

	modelPath := filepath.Join(t.TempDir(), "test.mcf")
	err := Create(modelPath, Contents{
		Sections: map[mcf.SectionType][]byte{mcf.SectionGraphInfo: []byte("{}")},
		Tensors: []Tensor{
			{Name: "weight", Shape: []int{2, 2}, Data: []float32{1.5, -2.0, 3.25, 4.5}},
			{Name: "bias", Shape: []int{2}, Data: []float32{0.5, 1}},
		},
	})
	if err != nil {
		t.Fatalf("create mcf: %v", err)
	}

	f, err := Open(modelPath)
	if err != nil {
		t.Fatalf("open mcfstore: %v", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			t.Fatalf("close mcfstore: %v", cerr)
		}
	}()

	shape, err := f.Tensor("weight")
	if err != nil {
		t.Fatalf("tensor metadata: %v", err)
	}
	if len(shape) != 2 || shape[0] != 2 || shape[1] != 2 {
		t.Fatalf("shape mismatch: got %v", shape)
	}

	vals, _, err := f.ReadTensorF32("weight")
	if err != nil {
		t.Fatalf("read tensor f32: %v", err)
	}
	want := []float32{1.5, -2.0, 3.25, 4.5}
	if len(vals) != len(want) {
		t.Fatalf("length mismatch: got %d want %d", len(vals), len(want))
	}
	for i := range vals {
		if vals[i] != want[i] {
			t.Fatalf("value mismatch at %d: got %v want %v", i, vals[i], want[i])
		}
	}

	if got := f.SectionData(mcf.SectionGraphInfo); !bytes.Equal(got, []byte("{}")) {
		t.Fatalf("graph info = %q", got)
	}
	if got := f.SectionData(mcf.SectionTraceProgram); got != nil {
		t.Fatalf("absent section returned %q", got)
	}
	names := f.Names()
	if len(names) != 2 || names[0] != "bias" || names[1] != "weight" {
		t.Fatalf("names = %v", names)
	}
}

func TestTensorMissing(t *testing.T) {
	t.Parallel()

	modelPath := filepath.Join(t.TempDir(), "test.mcf")
	if err := Create(modelPath, Contents{Tensors: []Tensor{{Name: "weight", Shape: []int{1}, Data: []float32{42}}}}); err != nil {
		t.Fatalf("create mcf: %v", err)
	}
	f, err := Open(modelPath)
	if err != nil {
		t.Fatalf("open mcfstore: %v", err)
	}
	defer func() { _ = f.Close() }()

	_, err = f.Tensor("missing")
	if err == nil {
		t.Fatalf("expected missing tensor error")
	}
	if err != ErrTensorNotFound {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := f.ReadTensorF32("missing"); err != ErrTensorNotFound {
		t.Fatalf("read missing tensor: %v", err)
	}
}

func TestCreateRejectsShapeMismatch(t *testing.T) {
	t.Parallel()

	modelPath := filepath.Join(t.TempDir(), "bad.mcf")
	err := Create(modelPath, Contents{Tensors: []Tensor{{Name: "w", Shape: []int{2, 2}, Data: []float32{1}}}})
	if err == nil {
		t.Fatalf("expected shape mismatch error")
	}
}
