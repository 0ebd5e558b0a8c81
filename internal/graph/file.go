package graph

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// File names of an interchange artifact.
const (
	ModelFile = "model.onnx"
	DataFile  = "model.onnx.data"
)

// ExternalThreshold is the payload size from which initializers are moved to
// the external data file.
const ExternalThreshold = 1024

// externalAlign aligns each external payload in the data file.
const externalAlign = 64

// Save writes model.onnx and, when any initializer is large enough,
// model.onnx.data into dir.
func Save(dir string, m *Model) error {
	if err := m.Validate(); err != nil {
		return err
	}
	dataPath := filepath.Join(dir, DataFile)
	df, err := os.Create(dataPath)
	if err != nil {
		return err
	}
	defer func() { _ = df.Close() }()
	w := bufio.NewWriter(df)

	var off int64
	place := func(t *Tensor, raw []byte) (ExternalRef, bool, error) {
		if len(raw) < ExternalThreshold {
			return ExternalRef{}, false, nil
		}
		if pad := (externalAlign - off%externalAlign) % externalAlign; pad > 0 {
			if _, err := w.Write(make([]byte, pad)); err != nil {
				return ExternalRef{}, false, err
			}
			off += pad
		}
		if _, err := w.Write(raw); err != nil {
			return ExternalRef{}, false, err
		}
		ref := ExternalRef{Location: DataFile, Offset: off, Length: int64(len(raw))}
		off += int64(len(raw))
		return ref, true, nil
	}
	data, err := Marshal(m, place)
	if err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if err := df.Close(); err != nil {
		return err
	}
	if off == 0 {
		if err := os.Remove(dataPath); err != nil {
			return err
		}
	}
	return os.WriteFile(filepath.Join(dir, ModelFile), data, 0o644)
}

// Load reads dir/model.onnx, resolving external data relative to dir.
func Load(dir string) (*Model, error) {
	data, err := os.ReadFile(filepath.Join(dir, ModelFile))
	if err != nil {
		return nil, err
	}
	files := map[string]*os.File{}
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()
	resolve := func(ref ExternalRef) ([]byte, error) {
		if filepath.IsAbs(ref.Location) || strings.Contains(filepath.ToSlash(ref.Location), "..") {
			return nil, fmt.Errorf("external location %q escapes the model directory", ref.Location)
		}
		f, ok := files[ref.Location]
		if !ok {
			f, err = os.Open(filepath.Join(dir, ref.Location))
			if err != nil {
				return nil, err
			}
			files[ref.Location] = f
		}
		if ref.Length < 0 {
			return io.ReadAll(io.NewSectionReader(f, ref.Offset, 1<<62))
		}
		buf := make([]byte, ref.Length)
		if _, err := f.ReadAt(buf, ref.Offset); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("external data %s truncated at offset %d", ref.Location, ref.Offset)
			}
			return nil, err
		}
		return buf, nil
	}
	m, err := Unmarshal(data, resolve)
	if err != nil {
		return nil, err
	}
	return m, m.Validate()
}
