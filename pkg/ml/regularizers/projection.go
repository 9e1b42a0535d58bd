// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package regularizers

import (
	"github.com/gomlx/pruning/pkg/core/tensors"
	"github.com/gomlx/pruning/pkg/ml/params"
	"github.com/pkg/errors"
)

// Projection clamps every value of a tree into [Min, Max]. It's idempotent.
type Projection struct {
	Min, Max float64
}

// DefaultProjection keeps the keep probabilities in [0, 1].
func DefaultProjection() Projection {
	return Projection{Min: 0, Max: 1}
}

// Validate checks that the interval is not empty.
func (p Projection) Validate() error {
	if !(p.Min < p.Max) {
		return errors.Errorf("invalid projection interval [%g, %g]", p.Min, p.Max)
	}
	return nil
}

// Apply clamps all leaves of the tree in place.
func (p Projection) Apply(tree *params.Tree) {
	for _, leaf := range tree.Leaves() {
		tensors.ClampInPlace(leaf, p.Min, p.Max)
	}
}
