// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package params

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/pruning/pkg/core/tensors"
)

// ShapeMismatchError is the exception (panic) raised when trees traversed together are not congruent.
//
// Use exceptions.TryCatch[error] (or CheckCongruent) to convert it to an error.
type ShapeMismatchError struct {
	// Path where the trees diverged.
	Path string

	// Reason describes the divergence.
	Reason string
}

// Error implements the error interface.
func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("params: trees are not congruent at %q: %s", e.Path, e.Reason)
}

func panicMismatch(path, format string, args ...any) {
	panic(&ShapeMismatchError{Path: path, Reason: fmt.Sprintf(format, args...)})
}

// Walk visits the given trees in lockstep, calling fn at each leaf with the path and the tensors
// of every tree at that path, in the order the trees were given.
//
// Keys are visited in the order of the first tree. Empty subtrees are a no-op.
// If the trees are not congruent, it panics with a *ShapeMismatchError naming the offending path.
func Walk(fn func(path string, leaves []*tensors.Tensor), trees ...*Tree) {
	if len(trees) == 0 {
		exceptions.Panicf("params.Walk requires at least one tree")
	}
	walk(RootPath, fn, trees, make([]*Node, len(trees)))
}

func walk(path string, fn func(path string, leaves []*tensors.Tensor), trees []*Tree, nodes []*Node) {
	ref := trees[0]
	for ii, tree := range trees[1:] {
		if tree.Len() != ref.Len() {
			panicMismatch(path, "tree #%d has %d keys %q, tree #0 has %d keys %q",
				ii+1, tree.Len(), tree.keys, ref.Len(), ref.keys)
		}
	}
	for _, key := range ref.keys {
		keyPath := JoinPath(path, key)
		for ii, tree := range trees {
			nodes[ii] = tree.nodes[key]
			if nodes[ii] == nil {
				panicMismatch(keyPath, "key %q missing in tree #%d", key, ii)
			}
		}
		if nodes[0].IsLeaf() {
			leaves := make([]*tensors.Tensor, len(nodes))
			refShape := nodes[0].Tensor.Shape()
			for ii, node := range nodes {
				if !node.IsLeaf() {
					panicMismatch(keyPath, "tree #%d has a subtree where tree #0 has a tensor %s", ii, refShape)
				}
				if !node.Tensor.Shape().Equal(refShape) {
					panicMismatch(keyPath, "tree #%d has shape %s, tree #0 has shape %s",
						ii, node.Tensor.Shape(), refShape)
				}
				leaves[ii] = node.Tensor
			}
			fn(keyPath, leaves)
			continue
		}
		subtrees := make([]*Tree, len(nodes))
		for ii, node := range nodes {
			if node.IsLeaf() {
				panicMismatch(keyPath, "tree #%d has a tensor %s where tree #0 has a subtree", ii, node.Tensor.Shape())
			}
			subtrees[ii] = node.Tree
		}
		walk(keyPath, fn, subtrees, nodes)
	}
}

// CheckCongruent returns a *ShapeMismatchError if the trees are not congruent, nil otherwise.
func CheckCongruent(a, b *Tree, others ...*Tree) error {
	trees := append([]*Tree{a, b}, others...)
	return exceptions.TryCatch[error](func() {
		Walk(func(string, []*tensors.Tensor) {}, trees...)
	})
}

// Map writes fn(inputs...) element-wise into out. out must be congruent to the inputs, and may be one of them.
func Map(out *Tree, fn func(values ...float64) float64, inputs ...*Tree) {
	trees := append([]*Tree{out}, inputs...)
	Walk(func(_ string, leaves []*tensors.Tensor) {
		dst := leaves[0].Data()
		values := make([]float64, len(inputs))
		for idx := range dst {
			for ii, leaf := range leaves[1:] {
				values[ii] = leaf.Data()[idx]
			}
			dst[idx] = fn(values...)
		}
	}, trees...)
}

// Map1 writes fn(a) element-wise into out.
func Map1(out, a *Tree, fn func(a float64) float64) {
	Walk(func(_ string, leaves []*tensors.Tensor) {
		dst, aData := leaves[0].Data(), leaves[1].Data()
		for idx := range dst {
			dst[idx] = fn(aData[idx])
		}
	}, out, a)
}

// Map2 writes fn(a, b) element-wise into out.
func Map2(out, a, b *Tree, fn func(a, b float64) float64) {
	Walk(func(_ string, leaves []*tensors.Tensor) {
		dst, aData, bData := leaves[0].Data(), leaves[1].Data(), leaves[2].Data()
		for idx := range dst {
			dst[idx] = fn(aData[idx], bData[idx])
		}
	}, out, a, b)
}

// Map3 writes fn(a, b, c) element-wise into out.
func Map3(out, a, b, c *Tree, fn func(a, b, c float64) float64) {
	Walk(func(_ string, leaves []*tensors.Tensor) {
		dst, aData, bData, cData := leaves[0].Data(), leaves[1].Data(), leaves[2].Data(), leaves[3].Data()
		for idx := range dst {
			dst[idx] = fn(aData[idx], bData[idx], cData[idx])
		}
	}, out, a, b, c)
}

// Sum returns the sum over all elements of fn(values...) for the congruent trees.
func Sum(fn func(values ...float64) float64, trees ...*Tree) float64 {
	var total float64
	Walk(func(_ string, leaves []*tensors.Tensor) {
		values := make([]float64, len(leaves))
		for idx := range leaves[0].Data() {
			for ii, leaf := range leaves {
				values[ii] = leaf.Data()[idx]
			}
			total += fn(values...)
		}
	}, trees...)
	return total
}
