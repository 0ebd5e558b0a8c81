// Package eval scores artifacts on labeled text and compares their logits.
package eval

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/samcharles93/slimline/internal/artifact"
)

// Example is one labeled text.
type Example struct {
	Label string
	Text  string
}

// ReadTSV parses label<TAB>text lines. Blank lines and lines starting with
// '#' are skipped, as is a leading "label<TAB>text" header.
func ReadTSV(r io.Reader) ([]Example, error) {
	var out []Example
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		s := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(s) == "" || strings.HasPrefix(s, "#") {
			continue
		}
		label, text, ok := strings.Cut(s, "\t")
		if !ok {
			return nil, fmt.Errorf("line %d: expected label<TAB>text", line)
		}
		label = strings.TrimSpace(label)
		if len(out) == 0 && strings.EqualFold(label, "label") && strings.EqualFold(strings.TrimSpace(text), "text") {
			continue
		}
		if label == "" {
			return nil, fmt.Errorf("line %d: empty label", line)
		}
		out = append(out, Example{Label: label, Text: text})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// LoadTSV reads a dataset file.
func LoadTSV(path string) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, artifact.Persist("load dataset", path, err)
	}
	defer func() { _ = f.Close() }()
	data, err := ReadTSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return data, nil
}
