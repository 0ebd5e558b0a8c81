package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/slimline/internal/artifact"
	"github.com/samcharles93/slimline/internal/quantize"
)

func TestParseConfig(t *testing.T) {
	t.Parallel()

	cfg := parseConfig([]byte(`
models_dir: /srv/models
threads: 4
seed: 7
overwrite: false
allow_transform: true
`))
	if cfg.ModelsDir != "/srv/models" {
		t.Fatalf("models_dir = %q", cfg.ModelsDir)
	}
	if cfg.Threads == nil || *cfg.Threads != 4 {
		t.Fatalf("threads = %v", cfg.Threads)
	}
	if cfg.Seed == nil || *cfg.Seed != 7 {
		t.Fatalf("seed = %v", cfg.Seed)
	}
	if cfg.Overwrite == nil || *cfg.Overwrite {
		t.Fatalf("overwrite = %v, want explicit false", cfg.Overwrite)
	}
	if cfg.Workers != nil || cfg.SeqLen != nil {
		t.Fatalf("unset fields should stay nil: %+v", cfg)
	}

	if got := parseConfig([]byte("threads: [")); got.Threads != nil {
		t.Fatalf("invalid yaml should yield a zero config, got %+v", got)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("work_dir: /tmp/runs\nlog_format: json\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SLIMLINE_CONFIG", path)

	cfg := LoadConfig()
	if cfg.WorkDir != "/tmp/runs" || cfg.LogFormat != "json" {
		t.Fatalf("LoadConfig() = %+v", cfg)
	}
}

// TestConfigDoesNotOverrideFlags runs a command so IsSet reflects the
// parsed arguments.
func TestConfigDoesNotOverrideFlags(t *testing.T) {
	t.Parallel()

	seven, one := uint64(7), 1
	cfg := Config{Seed: &seven, SeqLen: &one}
	var seed uint64
	var seqLen int
	cmd := &cli.Command{
		Name: "test",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "seed", Value: 42, Destination: &seed},
			&cli.IntFlag{Name: "seq-len", Destination: &seqLen},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			applySeedConfig(c, cfg, &seed)
			applySeqLenConfig(c, cfg, &seqLen)
			return nil
		},
	}
	if err := cmd.Run(context.Background(), []string{"test", "--seq-len", "32"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if seed != 7 {
		t.Fatalf("seed = %d, want config value 7", seed)
	}
	if seqLen != 32 {
		t.Fatalf("seq-len = %d, want flag value 32", seqLen)
	}
}

func TestQuantizeSpecFollowsInputFormat(t *testing.T) {
	t.Parallel()

	native := artifact.ModelArtifact{Format: artifact.FormatNative}
	graph := artifact.ModelArtifact{Format: artifact.FormatInterchangeGraph}

	spec, err := quantizeSpec(native, "", "linear", "dynamic")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := spec.Backend.(quantize.BackendNative); !ok {
		t.Fatalf("native input backend = %v", spec.Backend)
	}
	spec, err = quantizeSpec(graph, "", "linear+embedding", "dynamic")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := spec.Backend.(quantize.BackendInterchangeGraph); !ok || spec.Scope != quantize.ScopeLinearEmbedding {
		t.Fatalf("graph input spec = %+v", spec)
	}
	if _, err := quantizeSpec(graph, "nativ", "linear", "dynamic"); err == nil {
		t.Fatal("expected an unknown backend to fail")
	}
}

func TestFormatBytes(t *testing.T) {
	t.Parallel()
	for in, want := range map[int64]string{
		512:     "512 B",
		2048:    "2.00 KiB",
		5 << 20: "5.00 MiB",
	} {
		if got := formatBytes(in); got != want {
			t.Fatalf("formatBytes(%d) = %q, want %q", in, got, want)
		}
	}
	if got := formatRatio(400, 100); got != "4.00x" {
		t.Fatalf("formatRatio = %q", got)
	}
}
