// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package params

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/pruning/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// twoLayers builds a tree with two layers: dense_0 with weights [2] and bias [1], and a nested
// block/dense_1 with weights [1].
func twoLayers(w0, b0, w1 []float64) *Tree {
	return New().
		SetTree("dense_0", New().
			Set("weights", tensors.FromFlatDataAndDimensions(w0, len(w0))).
			Set("bias", tensors.FromFlatDataAndDimensions(b0, len(b0)))).
		SetTree("block", New().
			SetTree("dense_1", New().
				Set("weights", tensors.FromFlatDataAndDimensions(w1, len(w1)))))
}

func TestTree(t *testing.T) {
	tree := twoLayers([]float64{1, -2}, []float64{0}, []float64{0.5})
	assert.Equal(t, []string{"dense_0", "block"}, tree.Keys())
	assert.Equal(t, 3, tree.NumLeaves())
	assert.Equal(t, 4, tree.NumParameters())
	assert.Equal(t, 3, tree.CountNonZero(0))

	var paths []string
	for path := range tree.Leaves() {
		paths = append(paths, path)
	}
	assert.Equal(t, []string{"/dense_0/weights", "/dense_0/bias", "/block/dense_1/weights"}, paths)
	assert.Equal(t, []float64{0.5}, tree.GetPath("/block/dense_1/weights").Value())
	assert.Nil(t, tree.GetPath("/block/missing"))
	assert.Nil(t, tree.GetPath("no_root"))

	// Clone is deep.
	clone := tree.Clone()
	clone.GetPath("/dense_0/weights").Data()[0] = 10
	assert.Equal(t, 1.0, tree.GetPath("/dense_0/weights").Data()[0])

	// FullLike keeps the structure.
	ones := tree.FullLike(1)
	require.NoError(t, CheckCongruent(tree, ones))
	assert.Equal(t, 4, ones.CountNonZero(0))

	// Without is shallow.
	view := tree.Without("block")
	assert.Equal(t, []string{"dense_0"}, view.Keys())
	assert.Same(t, tree.GetPath("/dense_0/bias"), view.GetPath("/dense_0/bias"))

	tree.Delete("dense_0")
	assert.Equal(t, []string{"block"}, tree.Keys())
	assert.False(t, tree.Has("dense_0"))

	require.Panics(t, func() { tree.Set("a/b", tensors.Zeros(1)) })
}

func TestSetPath(t *testing.T) {
	tree := New()
	require.NoError(t, tree.SetPath("/a/b/c", tensors.FromScalar(3)))
	require.NoError(t, tree.SetPath("/a/d", tensors.FromScalar(4)))
	assert.Equal(t, 3.0, tree.GetPath("/a/b/c").Scalar())
	assert.Equal(t, []string{"b", "d"}, tree.Subtree("a").Keys())
	require.Error(t, tree.SetPath("/a/d/e", tensors.FromScalar(5)))
	require.Error(t, tree.SetPath("/a/b", tensors.FromScalar(5)))
	require.Error(t, tree.SetPath("a", tensors.FromScalar(5)))
	require.Error(t, tree.SetPath("/a//b", tensors.FromScalar(5)))
}

func TestWalk(t *testing.T) {
	weights := twoLayers([]float64{1, -2}, []float64{0}, []float64{0.5})
	grads := twoLayers([]float64{0.2, -0.1}, []float64{0.3}, []float64{0.05})

	var visited []string
	Walk(func(path string, leaves []*tensors.Tensor) {
		visited = append(visited, path)
		require.Len(t, leaves, 2)
		assert.True(t, leaves[0].Shape().Equal(leaves[1].Shape()))
	}, weights, grads)
	assert.Len(t, visited, 3)

	// Map writes into an output that is also an input.
	Map2(grads, grads, weights, func(g, w float64) float64 { return g + 2*w })
	assert.InDeltaSlice(t, []float64{2.2, -4.1}, grads.GetPath("/dense_0/weights").Value(), 1e-12)
	assert.InDeltaSlice(t, []float64{1.05}, grads.GetPath("/block/dense_1/weights").Value(), 1e-12)

	Map(grads, func(values ...float64) float64 { return values[0] * values[1] }, weights, weights)
	assert.InDeltaSlice(t, []float64{1, 4}, grads.GetPath("/dense_0/weights").Value(), 1e-12)

	assert.InDelta(t, -0.5, Sum(func(v ...float64) float64 { return v[0] }, weights), 1e-12)

	// Empty subtrees are no-ops.
	emptyA := New().SetTree("empty", New())
	emptyB := New().SetTree("empty", New())
	Walk(func(string, []*tensors.Tensor) { t.Fatal("no leaves expected") }, emptyA, emptyB)
}

func TestWalkMismatch(t *testing.T) {
	weights := twoLayers([]float64{1, -2}, []float64{0}, []float64{0.5})

	testCases := []struct {
		name  string
		other *Tree
		path  string
	}{
		{"shape", twoLayers([]float64{1, -2, 3}, []float64{0}, []float64{0.5}), "/dense_0/weights"},
		{"missing key", New().
			SetTree("dense_0", New().
				Set("weights", tensors.Zeros(2)).
				Set("kernel", tensors.Zeros(1))).
			SetTree("block", New()), "/dense_0/bias"},
		{"leaf vs tree", New().
			SetTree("dense_0", New().
				Set("weights", tensors.Zeros(2)).
				Set("bias", tensors.Zeros(1))).
			Set("block", tensors.Zeros(1)), "/block"},
		{"number of keys", weights.Without("block"), "/"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := exceptions.TryCatch[error](func() {
				Map2(weights.ZerosLike(), weights, tc.other, func(a, b float64) float64 { return a + b })
			})
			require.Error(t, err)
			var mismatch *ShapeMismatchError
			require.ErrorAs(t, err, &mismatch)
			assert.Equal(t, tc.path, mismatch.Path)
			require.Error(t, CheckCongruent(weights, tc.other))
		})
	}
}
