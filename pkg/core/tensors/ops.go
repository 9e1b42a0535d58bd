// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"math"

	"github.com/gomlx/exceptions"
	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/floats"
)

// Sign returns -1, 0 or 1 for negative, zero and positive values. Sign(NaN) is NaN.
func Sign[T constraints.Float](x T) T {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return x // 0, -0 or NaN.
}

// Clamp returns x limited to [lo, hi].
func Clamp[T constraints.Float](x, lo, hi T) T {
	return max(lo, min(x, hi))
}

func mustSameShape(op string, a, b *Tensor) {
	if !a.shape.Equal(b.shape) {
		exceptions.Panicf("tensors.%s: shape mismatch %s != %s", op, a.shape, b.shape)
	}
}

// AddScaled sets dst = dst + alpha * src, in place. Shapes must match.
func AddScaled(dst *Tensor, alpha float64, src *Tensor) {
	mustSameShape("AddScaled", dst, src)
	floats.AddScaled(dst.flat, alpha, src.flat)
}

// MulInPlace sets dst = dst * src element-wise. Shapes must match.
func MulInPlace(dst, src *Tensor) {
	mustSameShape("MulInPlace", dst, src)
	floats.Mul(dst.flat, src.flat)
}

// Scale multiplies all elements of t by alpha, in place.
func Scale(t *Tensor, alpha float64) {
	floats.Scale(alpha, t.flat)
}

// ClampInPlace limits all elements of t to [lo, hi].
func ClampInPlace(t *Tensor, lo, hi float64) {
	for ii, v := range t.flat {
		t.flat[ii] = Clamp(v, lo, hi)
	}
}

// Apply replaces each element x of t by fn(x).
func Apply(t *Tensor, fn func(x float64) float64) {
	for ii, v := range t.flat {
		t.flat[ii] = fn(v)
	}
}

// Sum of all elements.
func Sum(t *Tensor) float64 {
	return floats.Sum(t.flat)
}

// L1Norm returns the sum of absolute values of t.
func L1Norm(t *Tensor) float64 {
	return floats.Norm(t.flat, 1)
}

// SquaredNorm returns the sum of squares of t.
func SquaredNorm(t *Tensor) float64 {
	return floats.Dot(t.flat, t.flat)
}

// CountNonZero returns the number of elements different from 0.
func CountNonZero(t *Tensor) int {
	count := 0
	for _, v := range t.flat {
		if v != 0 {
			count++
		}
	}
	return count
}

// HasNonFinite returns whether any element of t is NaN or ±Inf.
func HasNonFinite(t *Tensor) bool {
	for _, v := range t.flat {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

// InDelta returns whether a and b have the same shape and all values within delta of each other.
func InDelta(a, b *Tensor, delta float64) bool {
	if !a.shape.Equal(b.shape) {
		return false
	}
	return floats.EqualApprox(a.flat, b.flat, delta)
}
