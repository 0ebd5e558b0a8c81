// Package profile measures the latency and memory of one artifact inside the
// current process.
package profile

import (
	"context"
	"fmt"
	"runtime"
	"slices"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Latency summarises repeated timings.
type Latency struct {
	Runs int           `json:"runs"`
	Mean time.Duration `json:"mean"`
	P50  time.Duration `json:"p50"`
	P95  time.Duration `json:"p95"`
	Min  time.Duration `json:"min"`
	Max  time.Duration `json:"max"`
}

// Summarize computes mean, percentiles and extremes of samples.
func Summarize(samples []time.Duration) Latency {
	if len(samples) == 0 {
		return Latency{}
	}
	xs := make([]float64, len(samples))
	for i, s := range samples {
		xs[i] = float64(s)
	}
	slices.Sort(xs)
	return Latency{
		Runs: len(xs),
		Mean: time.Duration(stat.Mean(xs, nil)),
		P50:  time.Duration(stat.Quantile(0.5, stat.Empirical, xs, nil)),
		P95:  time.Duration(stat.Quantile(0.95, stat.Empirical, xs, nil)),
		Min:  time.Duration(xs[0]),
		Max:  time.Duration(xs[len(xs)-1]),
	}
}

func (l Latency) String() string {
	return fmt.Sprintf("mean %v p50 %v p95 %v (%d runs)", l.Mean, l.P50, l.P95, l.Runs)
}

// Usage is a snapshot of process resources.
type Usage struct {
	HeapInuse  uint64 `json:"heap_inuse"`
	HeapSys    uint64 `json:"heap_sys"`
	TotalAlloc uint64 `json:"total_alloc"`
	// MaxRSS is the peak resident set in bytes, 0 where unavailable.
	MaxRSS int64         `json:"max_rss"`
	User   time.Duration `json:"user"`
	System time.Duration `json:"system"`
}

// ReadUsage samples the Go heap and the process rusage.
func ReadUsage() (Usage, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	u := Usage{HeapInuse: ms.HeapInuse, HeapSys: ms.HeapSys, TotalAlloc: ms.TotalAlloc}
	if err := readRusage(&u); err != nil {
		return Usage{}, err
	}
	return u, nil
}

// Profile is the result of Run.
type Profile struct {
	Load    time.Duration `json:"load"`
	Latency Latency       `json:"latency"`
	Before  Usage         `json:"before"`
	After   Usage         `json:"after"`
}

// CPU is the processor time spent between the two snapshots.
func (p Profile) CPU() time.Duration {
	return (p.After.User - p.Before.User) + (p.After.System - p.Before.System)
}

// Run times load once, then fn warmup times unmeasured and runs times
// measured. Cancellation is checked between calls.
func Run(ctx context.Context, runs, warmup int, load func() error, fn func() error) (Profile, error) {
	var p Profile
	var err error
	if runs <= 0 {
		return p, fmt.Errorf("profile: runs must be positive, got %d", runs)
	}
	runtime.GC()
	if p.Before, err = ReadUsage(); err != nil {
		return p, err
	}
	if load != nil {
		start := time.Now()
		if err := load(); err != nil {
			return p, err
		}
		p.Load = time.Since(start)
	}
	for range warmup {
		if err := ctx.Err(); err != nil {
			return p, err
		}
		if err := fn(); err != nil {
			return p, err
		}
	}
	samples := make([]time.Duration, 0, runs)
	for range runs {
		if err := ctx.Err(); err != nil {
			return p, err
		}
		start := time.Now()
		if err := fn(); err != nil {
			return p, err
		}
		samples = append(samples, time.Since(start))
	}
	p.Latency = Summarize(samples)
	if p.After, err = ReadUsage(); err != nil {
		return p, err
	}
	return p, nil
}
