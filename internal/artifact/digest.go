package artifact

import (
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"
)

// Digest returns a BLAKE2b-256 content digest of a file or directory. For a
// directory every file's relative path and contents feed the hash in sorted
// order, so equal trees have equal digests.
func Digest(path string) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	st, err := os.Stat(path)
	if err != nil {
		return "", Persist("digest", path, err)
	}
	if !st.IsDir() {
		if err := hashFile(h, path); err != nil {
			return "", Persist("digest", path, err)
		}
		return hex.EncodeToString(h.Sum(nil)), nil
	}
	names, err := Files(path)
	if err != nil {
		return "", Persist("digest", path, err)
	}
	for _, name := range names {
		_, _ = io.WriteString(h, name)
		_, _ = h.Write([]byte{0})
		if err := hashFile(h, filepath.Join(path, filepath.FromSlash(name))); err != nil {
			return "", Persist("digest", path, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = io.Copy(w, f)
	return err
}
