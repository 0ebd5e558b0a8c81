package mcf

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
)

var errFinalised = errors.New("mcf: writer already finalised")

// Writer streams an MCF file. Offsets are counted as bytes go out, so the
// file is written front to back and only the header is patched in place by
// Finalise. A Writer is not safe for concurrent use.
type Writer struct {
	f     *os.File
	bw    *bufio.Writer
	off   uint64
	dir   []DirEntry
	flags uint64
	done  bool
}

// NewWriter truncates f and reserves the header.
func NewWriter(f *os.File) (*Writer, error) {
	if f == nil {
		return nil, errors.New("mcf: nil file")
	}
	if err := f.Truncate(0); err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	w := &Writer{f: f, bw: bufio.NewWriterSize(f, 1<<20)}
	if err := w.pad(headerSize); err != nil {
		return nil, err
	}
	return w, nil
}

// WriteSection appends one section payload. Each known section type may be
// written once.
func (w *Writer) WriteSection(t SectionType, version uint32, data []byte) error {
	start, err := w.begin(t)
	if err != nil {
		return err
	}
	if err := w.write(data); err != nil {
		return err
	}
	w.end(t, version, start)
	return nil
}

func (w *Writer) begin(t SectionType) (uint64, error) {
	if w.done {
		return 0, errFinalised
	}
	if !t.Known() {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSection, t)
	}
	if w.has(t) {
		return 0, fmt.Errorf("mcf: duplicate %s section", t)
	}
	if err := w.align(sectionAlign); err != nil {
		return 0, err
	}
	return w.off, nil
}

func (w *Writer) end(t SectionType, version uint32, start uint64) {
	w.dir = append(w.dir, DirEntry{Type: t, Version: version, Offset: start, Size: w.off - start})
}

func (w *Writer) has(t SectionType) bool {
	return slices.ContainsFunc(w.dir, func(e DirEntry) bool { return e.Type == t })
}

// Finalise writes the section directory and patches the header. The tensor
// sections must have been written.
func (w *Writer) Finalise() error {
	if w.done {
		return errFinalised
	}
	for _, t := range []SectionType{SectionTensorIndex, SectionTensorData} {
		if !w.has(t) {
			return fmt.Errorf("%w: %s", ErrMissingSection, t)
		}
	}
	w.done = true

	if err := w.align(sectionAlign); err != nil {
		return err
	}
	dirOff := w.off
	slices.SortFunc(w.dir, func(a, b DirEntry) int { return int(a.Type) - int(b.Type) })
	var buf [dirEntrySize]byte
	for _, e := range w.dir {
		e.encode(buf[:])
		if err := w.write(buf[:]); err != nil {
			return err
		}
	}
	if err := w.bw.Flush(); err != nil {
		return err
	}

	h := Header{
		Major:            CurrentMajor,
		Minor:            CurrentMinor,
		HeaderSize:       headerSize,
		SectionCount:     uint32(len(w.dir)),
		SectionDirOffset: dirOff,
		FileSize:         w.off,
		Flags:            w.flags,
	}
	copy(h.Magic[:], MagicMCF)
	if _, err := w.f.WriteAt(h.encode(), 0); err != nil {
		return err
	}
	return w.f.Sync()
}

func (w *Writer) write(p []byte) error {
	n, err := w.bw.Write(p)
	w.off += uint64(n)
	return err
}

var zeros [64]byte

func (w *Writer) pad(n int) error {
	for n > 0 {
		k := min(n, len(zeros))
		if err := w.write(zeros[:k]); err != nil {
			return err
		}
		n -= k
	}
	return nil
}

func (w *Writer) align(n uint64) error {
	if r := w.off % n; r != 0 {
		return w.pad(int(n - r))
	}
	return nil
}
