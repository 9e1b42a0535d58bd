// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package regularizers

import (
	"math"
	"slices"
	"strings"

	"github.com/gomlx/pruning/pkg/core/tensors"
	"github.com/gomlx/pruning/pkg/ml/params"
)

// Correction returns the amount to add to the gradient of a weight with the given value.
//
// Corrections are pure element-wise functions, applied to congruent gradients and weights trees with Apply.
type Correction func(weight float64) float64

// L2 creates the correction of the L2 regularizer (rho * w^2), that is 2 * rho * w.
// It returns nil if rho is 0.
func L2(rho float64) Correction {
	if rho == 0 {
		return nil
	}
	return func(weight float64) float64 {
		return 2 * rho * weight
	}
}

// L1 creates the correction of the L1 regularizer (alpha * |w|), that is alpha * sign(w), with sign(0) = 0.
// It returns nil if alpha is 0.
func L1(alpha float64) Correction {
	if alpha == 0 {
		return nil
	}
	return func(weight float64) float64 {
		return alpha * tensors.Sign(weight)
	}
}

// DRR creates the correction of the exponential decay regularizer (alpha * (1 - exp(-beta * |w|))), scaled by scale:
// alpha * sign(w) * beta * exp(-beta * |w|) * scale.
// It returns nil if alpha is 0.
func DRR(alpha, beta, scale float64) Correction {
	if alpha == 0 {
		return nil
	}
	return func(weight float64) float64 {
		return alpha * tensors.Sign(weight) * beta * math.Exp(-beta*math.Abs(weight)) * scale
	}
}

// Combine the provided corrections into one, summing their values.
// If any of the corrections is nil, it is skipped.
// If no corrections are left it returns nil, and if only one is left it is returned.
func Combine(corrections ...Correction) Correction {
	corrections = slices.DeleteFunc(corrections, func(c Correction) bool { return c == nil })
	if len(corrections) == 0 {
		return nil
	}
	if len(corrections) == 1 {
		return corrections[0]
	}
	return func(weight float64) float64 {
		var sum float64
		for _, c := range corrections {
			sum += c(weight)
		}
		return sum
	}
}

// Apply adds the correction to the gradients in place: grads += correction(weights).
// grads and weights must be congruent. A nil correction is a no-op.
func Apply(grads, weights *params.Tree, correction Correction) {
	if correction == nil {
		return
	}
	params.Map2(grads, grads, weights, func(g, w float64) float64 {
		return g + correction(w)
	})
}

// ApplyPerLayer is like Apply, but the correction is selected per top-level layer of the trees.
// correctionFn may return nil for layers that are not corrected.
func ApplyPerLayer(grads, weights *params.Tree, correctionFn func(layer string) Correction) {
	params.Walk(func(path string, leaves []*tensors.Tensor) {
		correction := correctionFn(TopLayer(path))
		if correction == nil {
			return
		}
		gData, wData := leaves[0].Data(), leaves[1].Data()
		for idx := range gData {
			gData[idx] += correction(wData[idx])
		}
	}, grads, weights)
}

// TopLayer returns the top-level name of a leaf path, e.g. "dense_0" for "/dense_0/weights".
func TopLayer(path string) string {
	name := strings.TrimPrefix(path, params.PathSeparator)
	if idx := strings.Index(name, params.PathSeparator); idx >= 0 {
		name = name[:idx]
	}
	return name
}

// LayerScales returns the per-layer normalization factors of the DRR regularizer, for each top-level
// layer of weights: total_params / layer_params / num_layers.
//
// Weighted by the number of parameters of each layer, the factors sum to the total number of parameters,
// so the normalization redistributes the regularization pressure across layers without changing its total.
func LayerScales(weights *params.Tree) map[string]float64 {
	sizes := make(map[string]int)
	for _, key := range weights.Keys() {
		node := weights.Get(key)
		var size int
		if node.IsLeaf() {
			size = node.Tensor.Size()
		} else {
			size = node.Tree.NumParameters()
		}
		if size > 0 {
			sizes[key] = size
		}
	}
	total := float64(weights.NumParameters())
	scales := make(map[string]float64, len(sizes))
	for layer, size := range sizes {
		scales[layer] = total / float64(size) / float64(len(sizes))
	}
	return scales
}
