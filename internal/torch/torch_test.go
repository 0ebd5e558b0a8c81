package torch

import (
	"testing"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeContiguous(t *testing.T) {
	t.Parallel()
	pt := &pytorch.Tensor{
		Source:        &pytorch.FloatStorage{Data: []float32{9, 1, 2, 3, 4, 5, 6}},
		StorageOffset: 1,
		Size:          []int{2, 3},
		Stride:        []int{3, 1},
	}
	got, err := decode(pt)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, got.Shape)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, got.Data)
}

func TestDecodeRejectsTransposedView(t *testing.T) {
	t.Parallel()
	pt := &pytorch.Tensor{
		Source: &pytorch.FloatStorage{Data: make([]float32, 6)},
		Size:   []int{2, 3},
		Stride: []int{1, 2},
	}
	_, err := decode(pt)
	require.Error(t, err)
}

func TestDecodeRejectsShortStorage(t *testing.T) {
	t.Parallel()
	pt := &pytorch.Tensor{
		Source: &pytorch.FloatStorage{Data: make([]float32, 3)},
		Size:   []int{4},
		Stride: []int{1},
	}
	_, err := decode(pt)
	require.Error(t, err)
}

func TestStateDictOrdered(t *testing.T) {
	t.Parallel()
	d := types.NewOrderedDict()
	d.Set("a.weight", 1)
	d.Set(7, 2)
	out, err := stateDict(d)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a.weight": 1}, out)

	_, err = stateDict("nope")
	require.Error(t, err)
}
