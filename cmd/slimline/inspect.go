package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/slimline/internal/artifact"
	"github.com/samcharles93/slimline/internal/graph"
	"github.com/samcharles93/slimline/internal/model"
	"github.com/samcharles93/slimline/internal/trace"
)

type tensorRow struct {
	Name  string
	DType string
	Shape []int
	Bytes int64
}

func inspectCmd() *cli.Command {
	var (
		path         string
		showTensors  bool
		showFiles    bool
		tensorLimit  int
		tensorFilter string
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Describe an artifact: format, precision, heads, tensors, size and digest",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to the artifact",
				Destination: &path,
				Required:    true,
			},
			&cli.BoolFlag{Name: "tensors", Usage: "list tensors", Destination: &showTensors},
			&cli.BoolFlag{Name: "files", Usage: "list files", Destination: &showFiles},
			&cli.IntFlag{Name: "tensors-limit", Usage: "limit tensor listing (0 = no limit)", Value: 50, Destination: &tensorLimit},
			&cli.StringFlag{Name: "tensor-filter", Usage: "substring filter for tensor listing", Destination: &tensorFilter},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			a, err := artifact.Detect(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			size, err := artifact.Size(a.Path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			digest, err := artifact.Digest(a.Path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			fmt.Printf("Artifact:  %s\n", a.Path)
			fmt.Printf("Format:    %s\n", a.Format)
			fmt.Printf("Precision: %s\n", a.Precision)
			fmt.Printf("State:     %s\n", a.State())
			if len(a.HeadCount) > 0 {
				fmt.Printf("Heads:     %s\n", formatHeads(a.HeadCount))
			}
			fmt.Printf("Size:      %s\n", formatBytes(size))
			fmt.Printf("Digest:    blake2b-256:%s\n", digest)

			rows, err := tensorRows(a)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: read tensors: %v", err), 1)
			}
			var total int64
			for _, r := range rows {
				total += r.Bytes
			}
			fmt.Printf("Tensors:   %d (%s)\n", len(rows), formatBytes(total))

			if showTensors {
				printTensors(rows, tensorFilter, tensorLimit)
			}
			if showFiles {
				files, err := artifact.Files(a.Path)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				fmt.Println()
				for _, f := range files {
					fmt.Println(f)
				}
			}
			return nil
		},
	}
}

func tensorRows(a artifact.ModelArtifact) ([]tensorRow, error) {
	switch a.Format {
	case artifact.FormatTracedGraph:
		g, err := trace.Load(a.Path)
		if err != nil {
			return nil, err
		}
		rows := make([]tensorRow, 0, len(g.Tensors))
		for _, t := range g.Tensors {
			rows = append(rows, tensorRow{Name: t.Name, DType: "float32", Shape: t.Shape, Bytes: int64(len(t.Data)) * 4})
		}
		return rows, nil

	case artifact.FormatInterchangeGraph:
		m, err := graph.Load(a.Path)
		if err != nil {
			return nil, err
		}
		var rows []tensorRow
		for _, t := range m.Graph.InitializerList() {
			shape := make([]int, len(t.Dims))
			for i, d := range t.Dims {
				shape[i] = int(d)
			}
			rows = append(rows, tensorRow{Name: t.Name, DType: t.DType.String(), Shape: shape, Bytes: int64(t.ByteSize())})
		}
		return rows, nil

	default:
		m, err := model.Load(a.Path)
		if err != nil {
			return nil, err
		}
		var l tensorLister
		if err := model.Walk(m, &l); err != nil {
			return nil, err
		}
		return l.rows, nil
	}
}

// tensorLister collects the weight tensors of a native model.
type tensorLister struct {
	rows []tensorRow
}

func (t *tensorLister) VisitLinear(l *model.Linear) error {
	row := tensorRow{Name: l.LayerName + ".weight", DType: "float32", Shape: []int{l.Out(), l.In()}}
	row.Bytes = int64(l.Out() * l.In() * 4)
	if l.Quantized() {
		row.DType = "int8"
		row.Bytes = int64(l.Out() * l.In())
	}
	t.rows = append(t.rows, row)
	if len(l.B) > 0 {
		t.rows = append(t.rows, tensorRow{Name: l.LayerName + ".bias", DType: "float32", Shape: []int{len(l.B)}, Bytes: int64(len(l.B)) * 4})
	}
	return nil
}

func (t *tensorLister) VisitEmbedding(e *model.Embedding) error {
	t.rows = append(t.rows, tensorRow{
		Name: e.LayerName + ".weight", DType: "float32",
		Shape: []int{e.Table.R, e.Table.C}, Bytes: int64(e.Table.R*e.Table.C) * 4,
	})
	return nil
}

func (t *tensorLister) VisitAttention(a *model.Attention) error {
	for _, p := range a.Projections() {
		if err := t.VisitLinear(p); err != nil {
			return err
		}
	}
	return nil
}

func (t *tensorLister) VisitOther(o *model.Other) error {
	t.rows = append(t.rows,
		tensorRow{Name: o.LayerName + ".weight", DType: "float32", Shape: []int{len(o.Weight)}, Bytes: int64(len(o.Weight)) * 4},
		tensorRow{Name: o.LayerName + ".bias", DType: "float32", Shape: []int{len(o.Bias)}, Bytes: int64(len(o.Bias)) * 4},
	)
	return nil
}

func printTensors(rows []tensorRow, filter string, limit int) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"tensor", "dtype", "shape", "size"})
	table.SetBorder(false)
	shown := 0
	for _, r := range rows {
		if filter != "" && !strings.Contains(r.Name, filter) {
			continue
		}
		if limit > 0 && shown == limit {
			break
		}
		table.Append([]string{r.Name, r.DType, formatShape(r.Shape), formatBytes(r.Bytes)})
		shown++
	}
	fmt.Println()
	table.Render()
}
