// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package params implements Tree, the recursive container of a model's learnable tensors, and the
// lockstep co-traversal of congruent trees used to compute and apply gradient corrections.
//
// A Tree is an ordered mapping from names to Nodes, where each Node is either a tensor leaf or a
// nested Tree. Two trees are congruent if they have the same keys at every level,
// and leaves at the same path have the same shape. Weights, gradients and any auxiliary state traversed
// together must be congruent.
//
// Leaves are addressed by paths, names separated by PathSeparator, e.g.: "/dense_0/weights".
package params

import (
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/pruning/pkg/core/tensors"
	"github.com/pkg/errors"
)

const (
	// PathSeparator is used between levels of a path. Names cannot use this character.
	PathSeparator = "/"

	// RootPath is the path of the root tree.
	RootPath = PathSeparator
)

// JoinPath joins a path and a name.
func JoinPath(path, name string) string {
	if strings.HasSuffix(path, PathSeparator) {
		return path + name
	}
	return path + PathSeparator + name
}

// Node is either a tensor leaf or a nested Tree. Exactly one of Tensor or Tree is set.
type Node struct {
	Tensor *tensors.Tensor
	Tree   *Tree
}

// IsLeaf returns whether the node holds a tensor.
func (n *Node) IsLeaf() bool { return n.Tensor != nil }

// String implements fmt.Stringer.
func (n *Node) String() string {
	if n.IsLeaf() {
		return n.Tensor.Shape().String()
	}
	return fmt.Sprintf("tree(%d keys)", n.Tree.Len())
}

// Tree is an ordered mapping of names to Node. The zero value is not usable, use New.
//
// It's not safe for concurrent use.
type Tree struct {
	keys  []string
	nodes map[string]*Node
}

// New returns an empty Tree.
func New() *Tree {
	return &Tree{nodes: make(map[string]*Node)}
}

func checkName(name string) {
	if name == "" || strings.Contains(name, PathSeparator) {
		exceptions.Panicf("params: invalid name %q, it must be non-empty and cannot contain %q", name, PathSeparator)
	}
}

func (t *Tree) setNode(name string, node *Node) *Tree {
	checkName(name)
	if _, found := t.nodes[name]; !found {
		t.keys = append(t.keys, name)
	}
	t.nodes[name] = node
	return t
}

// Set the tensor leaf under name, replacing any previous value. New names are appended at the end.
// It returns the tree itself, so calls can be chained.
func (t *Tree) Set(name string, tensor *tensors.Tensor) *Tree {
	if tensor == nil {
		exceptions.Panicf("params: Tree.Set(%q) with nil tensor", name)
	}
	return t.setNode(name, &Node{Tensor: tensor})
}

// SetTree sets a nested tree under name, replacing any previous value.
// It returns the tree itself (not the subtree), so calls can be chained.
func (t *Tree) SetTree(name string, subtree *Tree) *Tree {
	if subtree == nil {
		exceptions.Panicf("params: Tree.SetTree(%q) with nil tree", name)
	}
	return t.setNode(name, &Node{Tree: subtree})
}

// Get returns the node under name, or nil if not present.
func (t *Tree) Get(name string) *Node {
	return t.nodes[name]
}

// Has returns whether name is present in the tree.
func (t *Tree) Has(name string) bool {
	_, found := t.nodes[name]
	return found
}

// Leaf returns the tensor under name, or nil if it's not present or not a leaf.
func (t *Tree) Leaf(name string) *tensors.Tensor {
	if node := t.nodes[name]; node != nil {
		return node.Tensor
	}
	return nil
}

// Subtree returns the tree under name, or nil if it's not present or if it is a leaf.
func (t *Tree) Subtree(name string) *Tree {
	if node := t.nodes[name]; node != nil {
		return node.Tree
	}
	return nil
}

// Delete removes name from the tree. It's a no-op if name is not present.
func (t *Tree) Delete(name string) {
	if _, found := t.nodes[name]; !found {
		return
	}
	delete(t.nodes, name)
	t.keys = slices.DeleteFunc(t.keys, func(k string) bool { return k == name })
}

// Len returns the number of keys at the top level of the tree.
func (t *Tree) Len() int { return len(t.keys) }

// Keys returns the top-level names, in insertion order.
func (t *Tree) Keys() []string { return slices.Clone(t.keys) }

// Leaves iterates over all tensor leaves, depth-first in key order, yielding their paths.
func (t *Tree) Leaves() iter.Seq2[string, *tensors.Tensor] {
	return func(yield func(string, *tensors.Tensor) bool) {
		t.leaves(RootPath, yield)
	}
}

func (t *Tree) leaves(path string, yield func(string, *tensors.Tensor) bool) bool {
	for _, key := range t.keys {
		node := t.nodes[key]
		keyPath := JoinPath(path, key)
		if node.IsLeaf() {
			if !yield(keyPath, node.Tensor) {
				return false
			}
			continue
		}
		if !node.Tree.leaves(keyPath, yield) {
			return false
		}
	}
	return true
}

// NumLeaves returns the number of tensors in the tree.
func (t *Tree) NumLeaves() int {
	count := 0
	for range t.Leaves() {
		count++
	}
	return count
}

// NumParameters returns the total number of scalar values held by the tree.
func (t *Tree) NumParameters() int {
	total := 0
	for _, leaf := range t.Leaves() {
		total += leaf.Size()
	}
	return total
}

// CountNonZero returns the number of scalar values whose absolute value is larger than eps.
func (t *Tree) CountNonZero(eps float64) int {
	count := 0
	for _, leaf := range t.Leaves() {
		for _, v := range leaf.Data() {
			if v > eps || v < -eps {
				count++
			}
		}
	}
	return count
}

// mapLeaves returns a new tree with the same structure, with each leaf replaced by fn(leaf).
func (t *Tree) mapLeaves(fn func(leaf *tensors.Tensor) *tensors.Tensor) *Tree {
	out := New()
	for _, key := range t.keys {
		node := t.nodes[key]
		if node.IsLeaf() {
			out.Set(key, fn(node.Tensor))
		} else {
			out.SetTree(key, node.Tree.mapLeaves(fn))
		}
	}
	return out
}

// Clone returns a deep copy of the tree: all tensors are copied.
func (t *Tree) Clone() *Tree {
	return t.mapLeaves((*tensors.Tensor).Clone)
}

// ZerosLike returns a congruent tree with all leaves set to 0.
func (t *Tree) ZerosLike() *Tree {
	return t.FullLike(0)
}

// FullLike returns a congruent tree with all leaves filled with value.
func (t *Tree) FullLike(value float64) *Tree {
	return t.mapLeaves(func(leaf *tensors.Tensor) *tensors.Tensor {
		out := tensors.FromShape(leaf.Shape())
		out.Fill(value)
		return out
	})
}

// Without returns a shallow view of the tree without the given top-level keys.
// Tensors and subtrees are shared with the original tree.
func (t *Tree) Without(keys ...string) *Tree {
	out := New()
	for _, key := range t.keys {
		if slices.Contains(keys, key) {
			continue
		}
		out.setNode(key, t.nodes[key])
	}
	return out
}

// splitPath validates and splits an absolute path into its names.
func splitPath(path string) ([]string, error) {
	if !strings.HasPrefix(path, PathSeparator) {
		return nil, errors.Errorf("params: path %q must start with %q", path, PathSeparator)
	}
	names := strings.Split(strings.TrimPrefix(path, PathSeparator), PathSeparator)
	for _, name := range names {
		if name == "" {
			return nil, errors.Errorf("params: path %q has an empty name", path)
		}
	}
	return names, nil
}

// SetPath sets the tensor at the given absolute path, creating intermediary trees as needed.
func (t *Tree) SetPath(path string, tensor *tensors.Tensor) error {
	names, err := splitPath(path)
	if err != nil {
		return err
	}
	current := t
	for _, name := range names[:len(names)-1] {
		node := current.nodes[name]
		switch {
		case node == nil:
			sub := New()
			current.SetTree(name, sub)
			current = sub
		case node.IsLeaf():
			return errors.Errorf("params: cannot set %q, %q is a leaf", path, name)
		default:
			current = node.Tree
		}
	}
	last := names[len(names)-1]
	if node := current.nodes[last]; node != nil && !node.IsLeaf() {
		return errors.Errorf("params: cannot set %q, it is a tree", path)
	}
	current.Set(last, tensor)
	return nil
}

// GetPath returns the tensor at the given absolute path, or nil if not found.
func (t *Tree) GetPath(path string) *tensors.Tensor {
	names, err := splitPath(path)
	if err != nil {
		return nil
	}
	current := t
	for _, name := range names[:len(names)-1] {
		current = current.Subtree(name)
		if current == nil {
			return nil
		}
	}
	return current.Leaf(names[len(names)-1])
}

// String pretty-prints the tree, one leaf per line.
func (t *Tree) String() string {
	var sb strings.Builder
	for path, leaf := range t.Leaves() {
		_, _ = fmt.Fprintf(&sb, "%s: %s\n", path, leaf.Shape())
	}
	return sb.String()
}
