package api

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/samcharles93/slimline/internal/artifact"
	"github.com/samcharles93/slimline/internal/runner"
)

type RunnerProvider interface {
	WithRunner(ctx context.Context, modelID string, fn func(r *runner.Runner) error) error
	ListModels() ([]ModelObject, error)
}

type RunnerProviderConfig struct {
	DefaultModelPath string
	ModelsPath       string
	// TokenizerPath overrides the tokenizer stored with every artifact.
	TokenizerPath string
	SeqLen        int
	Workers       int
}

type CachedRunnerProvider struct {
	cfg   RunnerProviderConfig
	mu    sync.Mutex
	cache map[string]*runnerEntry
}

type runnerEntry struct {
	runner *runner.Runner
	mu     sync.Mutex
}

const envModelsDir = "SLIMLINE_MODELS_DIR"

func NewCachedRunnerProvider(cfg RunnerProviderConfig) *CachedRunnerProvider {
	return &CachedRunnerProvider{
		cfg:   cfg,
		cache: make(map[string]*runnerEntry),
	}
}

func (p *CachedRunnerProvider) WithRunner(ctx context.Context, modelID string, fn func(r *runner.Runner) error) error {
	path, err := p.resolveModelPath(modelID)
	if err != nil {
		return err
	}
	entry, err := p.getOrLoad(path)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(entry.runner)
}

// Evict drops a cached runner so the next request reloads it from disk.
func (p *CachedRunnerProvider) Evict(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cache, filepath.Clean(path))
}

func (p *CachedRunnerProvider) getOrLoad(path string) (*runnerEntry, error) {
	p.mu.Lock()
	entry, ok := p.cache[path]
	p.mu.Unlock()
	if ok {
		return entry, nil
	}

	r, err := runner.Open(path, p.cfg.TokenizerPath, runner.Options{SeqLen: p.cfg.SeqLen, Workers: p.cfg.Workers})
	if err != nil {
		return nil, err
	}
	newEntry := &runnerEntry{runner: r}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.cache[path]; ok {
		return existing, nil
	}
	p.cache[path] = newEntry
	return newEntry, nil
}

// ListModels reports every artifact under the models path, plus the default
// model when one is configured.
func (p *CachedRunnerProvider) ListModels() ([]ModelObject, error) {
	var paths []string
	if p.cfg.DefaultModelPath != "" {
		paths = append(paths, filepath.Clean(p.cfg.DefaultModelPath))
	}
	if dir := p.modelsDir(); dir != "" {
		found, err := discoverModels(dir)
		if err != nil {
			return nil, err
		}
		for _, f := range found {
			if !slices.Contains(paths, f) {
				paths = append(paths, f)
			}
		}
	}
	out := make([]ModelObject, 0, len(paths))
	for _, path := range paths {
		a, err := artifact.Detect(path)
		if err != nil {
			return nil, err
		}
		out = append(out, ModelObject{
			ID:        filepath.Base(path),
			Object:    "model",
			Path:      path,
			Format:    a.Format.String(),
			State:     string(a.State()),
			HeadCount: a.HeadCount,
		})
	}
	return out, nil
}

func (p *CachedRunnerProvider) resolveModelPath(modelID string) (string, error) {
	modelID = strings.TrimSpace(modelID)
	if modelID != "" {
		if looksLikePath(modelID) {
			return filepath.Clean(modelID), nil
		}
		modelsDir := p.modelsDir()
		if modelsDir == "" {
			return "", newInvalidRequest(fmt.Sprintf("models-path is required to resolve model %q", modelID))
		}
		if resolved := resolveInDir(modelsDir, modelID); resolved != "" {
			return resolved, nil
		}
		return "", modelNotFoundError{msg: fmt.Sprintf("model %q not found in %s", modelID, modelsDir)}
	}

	if p.cfg.DefaultModelPath != "" {
		return filepath.Clean(p.cfg.DefaultModelPath), nil
	}
	modelsDir := p.modelsDir()
	if modelsDir == "" {
		return "", newInvalidRequest("model is required")
	}
	models, err := discoverModels(modelsDir)
	if err != nil {
		return "", err
	}
	if len(models) == 1 {
		return models[0], nil
	}
	if len(models) == 0 {
		return "", modelNotFoundError{msg: fmt.Sprintf("no models found in %s", modelsDir)}
	}
	return "", newInvalidRequest(fmt.Sprintf("multiple models found in %s; specify model", modelsDir))
}

func (p *CachedRunnerProvider) modelsDir() string {
	if strings.TrimSpace(p.cfg.ModelsPath) != "" {
		return strings.TrimSpace(p.cfg.ModelsPath)
	}
	return strings.TrimSpace(os.Getenv(envModelsDir))
}

func looksLikePath(v string) bool {
	if strings.Contains(v, string(filepath.Separator)) {
		return true
	}
	return strings.HasSuffix(strings.ToLower(v), filepath.Ext(artifact.TracedFileDefault))
}

func resolveInDir(dir, name string) string {
	if dir == "" {
		return ""
	}
	cand := filepath.Join(dir, name)
	if fileExists(cand) {
		return cand
	}
	ext := filepath.Ext(artifact.TracedFileDefault)
	if !strings.HasSuffix(strings.ToLower(name), ext) {
		cand = filepath.Join(dir, name+ext)
		if fileExists(cand) {
			return cand
		}
	}
	return ""
}

// discoverModels lists the entries of dir that hold a recognisable artifact.
func discoverModels(dir string) ([]string, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, newInvalidRequest("models path is not a directory: " + dir)
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	models := make([]string, 0, len(ents))
	for _, e := range ents {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if _, err := artifact.Detect(path); err != nil {
			continue
		}
		models = append(models, path)
	}
	return models, nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
