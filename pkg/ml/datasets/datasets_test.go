package datasets

import (
	"io"
	"slices"
	"testing"

	"github.com/gomlx/pruning/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestData(numExamples int) (inputs, labels []*tensors.Tensor) {
	x := make([]float64, 0, 2*numExamples)
	y := make([]float64, 0, numExamples)
	for ii := range numExamples {
		x = append(x, float64(ii), float64(-ii))
		y = append(y, float64(ii))
	}
	return []*tensors.Tensor{tensors.FromFlatDataAndDimensions(x, numExamples, 2)},
		[]*tensors.Tensor{tensors.FromFlatDataAndDimensions(y, numExamples)}
}

func TestInMemoryDataset(t *testing.T) {
	inputs, labels := newTestData(7)
	mds, err := InMemory("test", inputs, labels)
	require.NoError(t, err)
	require.Equal(t, 7, mds.NumExamples())

	// Batches of 3, keeping the incomplete last batch.
	mds.BatchSize(3, false)
	var sizes []int
	for {
		x, y, err := mds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Len(t, x, 1)
		require.Len(t, y, 1)
		sizes = append(sizes, y[0].Shape().Dimensions[0])
		// Rows must stay aligned between inputs and labels.
		for row, label := range y[0].Data() {
			assert.Equal(t, label, x[0].Data()[2*row])
		}
	}
	assert.Equal(t, []int{3, 3, 1}, sizes)

	// Dropping the incomplete batch.
	mds.Reset()
	mds.BatchSize(3, true)
	count := 0
	for {
		_, _, err := mds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 2, count)

	// Shuffled epochs see all examples exactly once.
	mds.BatchSize(1, false).WithSeed(42).Shuffle()
	mds.Reset()
	var seen []float64
	for {
		_, y, err := mds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		seen = append(seen, y[0].Data()...)
	}
	slices.Sort(seen)
	assert.Equal(t, []float64{0, 1, 2, 3, 4, 5, 6}, seen)

	// Infinite never returns io.EOF.
	mds.Infinite(true)
	mds.Reset()
	for range 20 {
		_, _, err := mds.Yield()
		require.NoError(t, err)
	}
}

func TestInMemoryErrors(t *testing.T) {
	inputs, _ := newTestData(3)
	_, labels := newTestData(4)
	_, err := InMemory("bad", inputs, labels)
	require.Error(t, err)

	_, err = InMemory("scalar", []*tensors.Tensor{tensors.FromScalar(1)}, nil)
	require.Error(t, err)

	_, err = InMemory("empty", nil, nil)
	require.Error(t, err)
}

func TestTake(t *testing.T) {
	inputs, labels := newTestData(5)
	mds, err := InMemory("test", inputs, labels)
	require.NoError(t, err)
	ds := Take(mds.Infinite(true), 2)
	assert.Equal(t, "test [Take 2]", ds.Name())
	for range 2 {
		_, _, err := ds.Yield()
		require.NoError(t, err)
	}
	_, _, err = ds.Yield()
	require.ErrorIs(t, err, io.EOF)
	ds.Reset()
	_, _, err = ds.Yield()
	require.NoError(t, err)
}
