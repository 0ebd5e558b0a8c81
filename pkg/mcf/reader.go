package mcf

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// File is a parsed MCF container. Section payloads and tensor data are views
// into Data and must not be retained after Close.
type File struct {
	Data    []byte
	Header  Header
	Dir     []DirEntry
	Tensors *TensorIndex
	mmapped bool
}

// Open maps path read-only and parses it. When mmap fails the file is read
// into memory instead.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() < headerSize || st.Size() > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorruptFile, st.Size())
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		raw, rerr := os.ReadFile(path)
		if rerr != nil {
			return nil, rerr
		}
		return Parse(raw)
	}
	mf, err := Parse(data)
	if err != nil {
		_ = unix.Munmap(data)
		return nil, err
	}
	mf.mmapped = true
	return mf, nil
}

// Parse validates an in-memory container. Every section must be one a traced
// graph can hold, at most once, and the tensor index and data sections are
// required.
func Parse(data []byte) (*File, error) {
	h, ok := decodeHeader(data)
	if !ok {
		return nil, fmt.Errorf("%w: short header", ErrCorruptFile)
	}
	if !h.valid() {
		return nil, ErrInvalidMagic
	}
	if h.Major != CurrentMajor {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedMajor, h.Major)
	}
	size := uint64(len(data))
	if h.FileSize != size || uint64(h.HeaderSize) > size {
		return nil, fmt.Errorf("%w: header claims %d bytes, file has %d", ErrCorruptFile, h.FileSize, size)
	}

	dirStart := h.SectionDirOffset
	dirEnd := dirStart + uint64(h.SectionCount)*dirEntrySize
	if dirStart < uint64(h.HeaderSize) || dirEnd < dirStart || dirEnd > size {
		return nil, fmt.Errorf("%w: section directory out of bounds", ErrCorruptFile)
	}

	mf := &File{Data: data, Header: h, Dir: make([]DirEntry, 0, h.SectionCount)}
	for i := range uint64(h.SectionCount) {
		at := dirStart + i*dirEntrySize
		e := decodeDirEntry(data[at : at+dirEntrySize])
		if err := mf.checkEntry(e, dirStart, dirEnd); err != nil {
			return nil, err
		}
		mf.Dir = append(mf.Dir, e)
	}

	idx, ok := mf.entry(SectionTensorIndex)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingSection, SectionTensorIndex)
	}
	tensorData, ok := mf.entry(SectionTensorData)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingSection, SectionTensorData)
	}
	ti, err := ParseTensorIndex(data[idx.Offset:idx.End()])
	if err != nil {
		return nil, err
	}
	for _, t := range ti.Entries() {
		end := t.DataOff + t.DataSize
		if t.DataOff < tensorData.Offset || end < t.DataOff || end > tensorData.End() {
			return nil, fmt.Errorf("%w: tensor %q outside the data section", ErrCorruptFile, t.Name)
		}
	}
	mf.Tensors = ti
	return mf, nil
}

func (f *File) checkEntry(e DirEntry, dirStart, dirEnd uint64) error {
	if !e.Type.Known() {
		return fmt.Errorf("%w: %s", ErrUnknownSection, e.Type)
	}
	if _, dup := f.entry(e.Type); dup {
		return fmt.Errorf("%w: duplicate %s section", ErrCorruptFile, e.Type)
	}
	if e.Type != SectionTensorIndex && e.Version != 1 {
		return fmt.Errorf("%w: %s v%d", ErrUnsupportedVersion, e.Type, e.Version)
	}
	end := e.End()
	switch {
	case end < e.Offset || end > uint64(len(f.Data)):
		return fmt.Errorf("%w: %s section out of bounds", ErrCorruptFile, e.Type)
	case e.Offset < uint64(f.Header.HeaderSize):
		return fmt.Errorf("%w: %s section overlaps the header", ErrCorruptFile, e.Type)
	case e.Offset < dirEnd && dirStart < end:
		return fmt.Errorf("%w: %s section overlaps the directory", ErrCorruptFile, e.Type)
	case e.Offset%sectionAlign != 0:
		return fmt.Errorf("%w: %s section is not %d-byte aligned", ErrCorruptFile, e.Type, sectionAlign)
	}
	return nil
}

func (f *File) entry(t SectionType) (DirEntry, bool) {
	for _, e := range f.Dir {
		if e.Type == t {
			return e, true
		}
	}
	return DirEntry{}, false
}

// Section returns the payload of section t, or nil when the file has none.
func (f *File) Section(t SectionType) []byte {
	if f == nil || f.Data == nil {
		return nil
	}
	e, ok := f.entry(t)
	if !ok {
		return nil
	}
	return f.Data[e.Offset:e.End()]
}

// Close releases the mapping.
func (f *File) Close() error {
	if f == nil || f.Data == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unix.Munmap(f.Data)
	}
	f.Data, f.Dir, f.Tensors, f.mmapped = nil, nil, nil, false
	return err
}
