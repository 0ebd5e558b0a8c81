package artifact

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

var (
	// ErrOutputExists is returned when staging over an existing path
	// without overwrite.
	ErrOutputExists = errors.New("output already exists")
	// ErrOutputOverlapsInput is returned when an output path is its input,
	// lies inside it, or contains it.
	ErrOutputOverlapsInput = errors.New("output overlaps input")
)

// Staging is a temporary sibling of an output path. Work is written to Temp
// and only appears at Final once Commit succeeds.
type Staging struct {
	Final     string
	Temp      string
	overwrite bool
	done      bool
}

// StageDir creates a temporary directory next to final.
func StageDir(final string, overwrite bool) (*Staging, error) {
	parent, err := prepare(final, overwrite)
	if err != nil {
		return nil, err
	}
	tmp, err := os.MkdirTemp(parent, "."+filepath.Base(final)+".tmp-")
	if err != nil {
		return nil, Persist("stage", final, err)
	}
	return &Staging{Final: final, Temp: tmp, overwrite: overwrite}, nil
}

// StageFile reserves a temporary file path next to final. The file itself
// is not created.
func StageFile(final string, overwrite bool) (*Staging, error) {
	parent, err := prepare(final, overwrite)
	if err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(parent, "."+filepath.Base(final)+".tmp-")
	if err != nil {
		return nil, Persist("stage", final, err)
	}
	name := f.Name()
	_ = f.Close()
	return &Staging{Final: final, Temp: name, overwrite: overwrite}, nil
}

// CheckOutput rejects writing output where it would land inside input or
// replace it.
func CheckOutput(input, output string) error {
	if input == "" || output == "" {
		return nil
	}
	in, out := canonical(input), canonical(output)
	if within(in, out) || within(out, in) {
		return Persist("stage", output, fmt.Errorf("%w %s", ErrOutputOverlapsInput, input))
	}
	return nil
}

// canonical makes p absolute and resolves symlinks in its longest existing
// prefix.
func canonical(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	var rest []string
	for cur := abs; ; cur = filepath.Dir(cur) {
		if resolved, err := filepath.EvalSymlinks(cur); err == nil {
			return filepath.Join(append([]string{resolved}, rest...)...)
		}
		if filepath.Dir(cur) == cur {
			return abs
		}
		rest = append([]string{filepath.Base(cur)}, rest...)
	}
}

func within(parent, p string) bool {
	rel, err := filepath.Rel(parent, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func prepare(final string, overwrite bool) (string, error) {
	if final == "" {
		return "", Persist("stage", final, errors.New("empty output path"))
	}
	if _, err := os.Lstat(final); err == nil && !overwrite {
		return "", Persist("stage", final, ErrOutputExists)
	}
	parent := filepath.Dir(final)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", Persist("stage", final, err)
	}
	return parent, nil
}

// Path joins name onto the staging directory.
func (s *Staging) Path(name string) string {
	return filepath.Join(s.Temp, name)
}

// Commit renames the staged output into place.
func (s *Staging) Commit() error {
	if s.done {
		return fmt.Errorf("stage %s: already finished", s.Final)
	}
	if s.overwrite {
		if err := os.RemoveAll(s.Final); err != nil {
			return Persist("commit", s.Final, err)
		}
	}
	if err := os.Rename(s.Temp, s.Final); err != nil {
		return Persist("commit", s.Final, err)
	}
	s.done = true
	return nil
}

// Abort discards the staged output. It is a no-op after Commit, so it can be
// deferred unconditionally.
func (s *Staging) Abort() {
	if s.done {
		return
	}
	s.done = true
	_ = os.RemoveAll(s.Temp)
}

// CopyTree copies the regular files below src into dst byte for byte.
func CopyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return CopyFile(path, target)
	})
}

// CopyFile copies one file, creating or truncating dst.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// CopyNamed copies the named files from src to dst, skipping absent ones.
// It returns the names that were copied.
func CopyNamed(src, dst string, names []string) ([]string, error) {
	var copied []string
	for _, name := range names {
		from := filepath.Join(src, name)
		if !exists(from) {
			continue
		}
		if err := CopyFile(from, filepath.Join(dst, name)); err != nil {
			return copied, err
		}
		copied = append(copied, name)
	}
	return copied, nil
}

// Size returns the total size in bytes of a file or of every regular file
// below a directory.
func Size(path string) (int64, error) {
	var total int64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

// Files lists regular files below path relative to it, sorted.
func Files(path string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	slices.Sort(out)
	return out, err
}
