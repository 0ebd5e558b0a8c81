package main

import (
	"fmt"
	"strings"
)

func formatBytes(b int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
		tb = 1024 * gb
	)
	switch {
	case b >= tb:
		return fmt.Sprintf("%.2f TiB", float64(b)/float64(tb))
	case b >= gb:
		return fmt.Sprintf("%.2f GiB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MiB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KiB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

func formatRatio(src, out int64) string {
	if out == 0 {
		return "-"
	}
	return fmt.Sprintf("%.2fx", float64(src)/float64(out))
}

func formatHeads(heads []int) string {
	if len(heads) == 0 {
		return "-"
	}
	parts := make([]string, len(heads))
	for i, h := range heads {
		parts[i] = fmt.Sprint(h)
	}
	return strings.Join(parts, " ")
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
