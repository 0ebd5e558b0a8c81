package profile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	t.Parallel()
	var samples []time.Duration
	for i := 1; i <= 100; i++ {
		samples = append(samples, time.Duration(i)*time.Millisecond)
	}
	l := Summarize(samples)
	assert.Equal(t, 100, l.Runs)
	assert.Equal(t, 50500*time.Microsecond, l.Mean)
	assert.Equal(t, 50*time.Millisecond, l.P50)
	assert.Equal(t, 95*time.Millisecond, l.P95)
	assert.Equal(t, time.Millisecond, l.Min)
	assert.Equal(t, 100*time.Millisecond, l.Max)

	assert.Equal(t, Latency{}, Summarize(nil))
}

func TestRunCountsCalls(t *testing.T) {
	t.Parallel()
	loads, calls := 0, 0
	p, err := Run(context.Background(), 5, 2,
		func() error { loads++; return nil },
		func() error { calls++; return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, loads)
	assert.Equal(t, 7, calls)
	assert.Equal(t, 5, p.Latency.Runs)
	assert.NotZero(t, p.After.HeapSys)
	assert.GreaterOrEqual(t, p.CPU(), time.Duration(0))
}

func TestRunStopsOnError(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	_, err := Run(context.Background(), 3, 0, nil, func() error { return boom })
	require.ErrorIs(t, err, boom)

	_, err = Run(context.Background(), 0, 0, nil, func() error { return nil })
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Run(ctx, 3, 0, nil, func() error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}
