package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Location is a resolved model/tokenizer pair.
type Location struct {
	Model     ModelArtifact
	Tokenizer string
}

// Locate resolves the model and tokenizer paths of a transformation input.
// An empty tokenizerPath means the tokenizer lives with the model; for a
// single-file artifact that is the file's directory.
func Locate(modelPath, tokenizerPath string) (Location, error) {
	abs, err := filepath.Abs(modelPath)
	if err != nil {
		return Location{}, Persist("locate", modelPath, err)
	}
	a, err := Detect(abs)
	if err != nil {
		return Location{}, err
	}
	if tokenizerPath == "" {
		tokenizerPath = abs
		if a.Format == FormatTracedGraph {
			tokenizerPath = filepath.Dir(abs)
		}
	}
	st, err := os.Stat(tokenizerPath)
	if err != nil {
		return Location{}, Persist("locate", tokenizerPath, err)
	}
	if !st.IsDir() {
		return Location{}, Persist("locate", tokenizerPath, errors.New("tokenizer path is not a directory"))
	}
	return Location{Model: a, Tokenizer: tokenizerPath}, nil
}

// OutputDir derives the default output path for a stage.
func OutputDir(workDir string, index int, kind string) string {
	return filepath.Join(workDir, fmt.Sprintf("%02d-%s", index, kind))
}
