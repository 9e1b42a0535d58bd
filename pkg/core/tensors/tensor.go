// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement a host resident `Tensor`, a representation of a multidimensional array of float64.
//
// Tensors are multidimensional arrays (from scalar with 0 dimensions, to arbitrarily large dimensions), defined
// by their shape (a data type and its axes' dimensions) and their actual content, stored as a flat slice in
// row-major order.
//
// There are various ways to construct a Tensor:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//
//   - FromScalarAndDimensions(value float64, dimensions ...int): creates a Tensor with the
//     given dimensions, filled with the scalar value given.
//
//   - FromFlatDataAndDimensions(data []float64, dimensions ...int): creates a Tensor with the
//     given dimensions and set the flattened values with the given data. Example:
//
//     t := FromFlatDataAndDimensions([]float64{1, 2, 3, 4}, 2, 2}) // Tensor with [[1,2], [3,4]]
//
// Tensors are not safe for concurrent use: a training step owns the tensors it mutates until it returns.
package tensors

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/pruning/pkg/core/shapes"
	"github.com/pkg/errors"
)

// DType of all tensors in this package.
const DType = dtypes.Float64

// Tensor represents a multidimensional array of float64, defined by its shape and its content
// stored as a flat (1D) slice of values.
type Tensor struct {
	// shape of the tensor, considered immutable.
	shape shapes.Shape

	// flat holds the array with actual data. It's owned by the Tensor.
	flat []float64
}

// FromShape returns a Tensor with the given shape, with the data initialized with zeros.
//
// It panics if you provide an invalid shape or a dtype other than Float64.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape(%s): invalid shape", shape)
	}
	if shape.DType != DType {
		exceptions.Panicf("tensors.FromShape(%s): only %s tensors are supported", shape, DType)
	}
	return &Tensor{
		shape: shape.Clone(),
		flat:  make([]float64, shape.Size()),
	}
}

// Zeros returns a zero initialized Tensor with the given dimensions. No dimensions means a scalar.
func Zeros(dimensions ...int) *Tensor {
	return FromShape(shapes.Make(DType, dimensions...))
}

// FromScalarAndDimensions creates a Tensor with the given dimensions, filled with the given value.
func FromScalarAndDimensions(value float64, dimensions ...int) *Tensor {
	t := Zeros(dimensions...)
	t.Fill(value)
	return t
}

// FromScalar creates a scalar Tensor with the given value.
func FromScalar(value float64) *Tensor {
	return FromScalarAndDimensions(value)
}

// FromFlatDataAndDimensions creates a Tensor with the given dimensions, and copies over the
// flat data given.
//
// It panics if len(data) doesn't match the size of the shape.
func FromFlatDataAndDimensions(data []float64, dimensions ...int) *Tensor {
	t := Zeros(dimensions...)
	if len(data) != t.Size() {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions: got %d values for shape %s, which requires %d values",
			len(data), t.shape, t.Size())
	}
	copy(t.flat, data)
	return t
}

// Shape of the tensor, includes DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
func (t *Tensor) DType() dtypes.DType {
	if t == nil {
		return dtypes.InvalidDType
	}
	return t.shape.DType
}

// Rank returns the rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// IsScalar returns whether the tensor represents a scalar value.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Data returns the flat storage of the tensor.
//
// It is the actual Tensor data (not a copy), and it's owned by the Tensor. Changes to it are changes to the Tensor.
func (t *Tensor) Data() []float64 { return t.flat }

// Value returns a copy of the flat data of the tensor.
func (t *Tensor) Value() []float64 {
	out := make([]float64, len(t.flat))
	copy(out, t.flat)
	return out
}

// Scalar returns the value of a scalar tensor, or of the first element of a tensor with a single element.
//
// It panics if the tensor has more than one element.
func (t *Tensor) Scalar() float64 {
	if len(t.flat) != 1 {
		exceptions.Panicf("Tensor.Scalar() called on tensor with shape %s", t.shape)
	}
	return t.flat[0]
}

// Clone creates a deep copy of the Tensor.
func (t *Tensor) Clone() *Tensor {
	clone := FromShape(t.shape)
	copy(clone.flat, t.flat)
	return clone
}

// Fill sets all elements of the tensor to value.
func (t *Tensor) Fill(value float64) {
	for ii := range t.flat {
		t.flat[ii] = value
	}
}

// Zero sets all elements of the tensor to 0.
func (t *Tensor) Zero() {
	clear(t.flat)
}

// CopyFrom copies over the contents of src, which must have the same shape.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if !t.shape.Equal(src.shape) {
		return errors.Errorf("Tensor.CopyFrom: shape mismatch, %s != %s", t.shape, src.shape)
	}
	copy(t.flat, src.flat)
	return nil
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	if t == nil {
		return "<nil>"
	}
	const maxValues = 16
	var sb strings.Builder
	sb.WriteString(t.shape.String())
	sb.WriteString("{")
	for ii, v := range t.flat {
		if ii == maxValues {
			sb.WriteString(", …")
			break
		}
		if ii > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%g", v)
	}
	sb.WriteString("}")
	return sb.String()
}
