// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package regularizers

import (
	"math"
	"testing"

	"github.com/gomlx/pruning/pkg/core/tensors"
	"github.com/gomlx/pruning/pkg/ml/params"
	"github.com/gomlx/pruning/pkg/ml/trainstate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// twoLayers returns a tree with layers "layer_0" and "layer_1", each with a single "weights" leaf.
func twoLayers(w0, w1 []float64) *params.Tree {
	return params.New().
		SetTree("layer_0", params.New().Set("weights", tensors.FromFlatDataAndDimensions(w0, len(w0)))).
		SetTree("layer_1", params.New().Set("weights", tensors.FromFlatDataAndDimensions(w1, len(w1))))
}

func TestCorrections(t *testing.T) {
	// L1 sign property.
	l1 := L1(0.1)
	assert.Equal(t, 0.1, l1(3))
	assert.Equal(t, -0.1, l1(-1e-9))
	assert.Equal(t, 0.0, l1(0))
	assert.Nil(t, L1(0))

	// L2 linearity.
	for _, w := range []float64{-2, 0, 0.5, 7} {
		assert.InDelta(t, 2*0.01*w, L2(0.01)(w), 1e-15)
		assert.InDelta(t, 2*L2(0.01)(w), L2(0.02)(w), 1e-15)
	}
	assert.Nil(t, L2(0))

	drr := DRR(0.5, 2, 3)
	assert.InDelta(t, 0.5*2*math.Exp(-2*0.25)*3, drr(0.25), 1e-12)
	assert.InDelta(t, -0.5*2*math.Exp(-2*0.25)*3, drr(-0.25), 1e-12)
	assert.Equal(t, 0.0, drr(0))

	assert.Nil(t, Combine(nil, nil))
	combined := Combine(nil, L1(0.1), L2(0.01))
	assert.InDelta(t, 0.1+0.02, combined(1), 1e-12)
	assert.Equal(t, "layer_0", TopLayer("/layer_0/weights"))
	assert.Equal(t, "bias", TopLayer("/bias"))
}

func TestRL1EndToEnd(t *testing.T) {
	state := trainstate.New(twoLayers([]float64{1, -2}, []float64{0.5}))
	grads := twoLayers([]float64{0.2, -0.1}, []float64{0.05})
	cfg := DefaultConfig(KindRL1)
	cfg.Alpha, cfg.Rho = 0.1, 0.01
	reg, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, reg.Prepare(state))

	target, updates, err := reg.ApplyCorrections(state, grads)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.32, -0.24}, updates.GetPath("/layer_0/weights").Value(), 1e-12)
	assert.InDeltaSlice(t, []float64{0.16}, updates.GetPath("/layer_1/weights").Value(), 1e-12)
	require.NoError(t, params.CheckCongruent(target, updates))
	require.NoError(t, params.CheckCongruent(state.Weights(), grads))
	assert.Same(t, state.Parameters.GetPath("/layer_0/weights"), target.GetPath("/layer_0/weights"))

	// Penalty: 0.1*(1+2+0.5) + 0.01*(1+4+0.25)
	assert.InDelta(t, 0.35+0.0525, reg.Penalty(state), 1e-12)
}

func TestDRRNormalization(t *testing.T) {
	// Layers with 1 and 3 parameters, all with the same weight value.
	weights := twoLayers([]float64{0.5}, []float64{0.5, 0.5, 0.5})
	scales := LayerScales(weights)
	assert.InDelta(t, 4.0/1/2, scales["layer_0"], 1e-12)
	assert.InDelta(t, 4.0/3/2, scales["layer_1"], 1e-12)
	assert.InDelta(t, 4.0, scales["layer_0"]*1+scales["layer_1"]*3, 1e-12)

	cfg := DefaultConfig(KindDRR)
	cfg.Alpha, cfg.Beta, cfg.Norm = 0.2, 3, true
	reg, err := New(cfg)
	require.NoError(t, err)
	state := trainstate.New(weights)
	require.NoError(t, reg.Prepare(state))
	grads := weights.ZerosLike()
	_, updates, err := reg.ApplyCorrections(state, grads)
	require.NoError(t, err)
	c0 := updates.GetPath("/layer_0/weights").Data()[0]
	c1 := updates.GetPath("/layer_1/weights").Data()[0]
	assert.InDelta(t, 3.0, c0/c1, 1e-12)
	assert.InDelta(t, 0.2*3*math.Exp(-1.5)*2, c0, 1e-12)

	// Without normalization every layer gets the same correction, and rho adds the L2 term.
	cfg.Norm, cfg.Rho = false, 0.1
	reg, err = New(cfg)
	require.NoError(t, err)
	grads = weights.ZerosLike()
	_, updates, err = reg.ApplyCorrections(state, grads)
	require.NoError(t, err)
	want := 0.2*3*math.Exp(-1.5) + 0.1
	assert.InDeltaSlice(t, []float64{want}, updates.GetPath("/layer_0/weights").Value(), 1e-12)
	assert.InDeltaSlice(t, []float64{want, want, want}, updates.GetPath("/layer_1/weights").Value(), 1e-12)
}

func TestProjection(t *testing.T) {
	tree := twoLayers([]float64{-0.5, 0.3, 1.7}, []float64{1})
	p := DefaultProjection()
	p.Apply(tree)
	once := tree.Clone()
	p.Apply(tree)
	assert.Equal(t, []float64{0, 0.3, 1}, tree.GetPath("/layer_0/weights").Value())
	for path, leaf := range tree.Leaves() {
		assert.Equal(t, once.GetPath(path).Value(), leaf.Value(), path)
	}
	require.Error(t, Projection{Min: 1, Max: 1}.Validate())
}

func TestKinds(t *testing.T) {
	for ii, name := range KindNames() {
		kind, err := ParseKind(name)
		require.NoError(t, err)
		assert.Equal(t, Kind(ii), kind)
		assert.Equal(t, name, kind.String())
	}
	kind, err := ParseKind("PMMP_Gauss")
	require.NoError(t, err)
	assert.True(t, kind.Gaussian())
	kind, err = ParseKind("plain")
	require.NoError(t, err)
	assert.Equal(t, KindNone, kind)

	_, err = ParseKind("l0")
	require.ErrorIs(t, err, ErrUnknownKind)
	_, err = New(Config{Kind: Kind(42)})
	require.ErrorIs(t, err, ErrUnknownKind)

	cfg := DefaultConfig(KindDRR)
	cfg.Beta = 0
	_, err = New(cfg)
	require.Error(t, err)
	cfg = DefaultConfig(KindRL1)
	cfg.Rho = -1
	_, err = New(cfg)
	require.Error(t, err)

	// WithAlpha doesn't change the original.
	cfg = DefaultConfig(KindPMMP)
	cfg.Alpha = 0.5
	fineTune := cfg.WithAlpha(0)
	assert.Equal(t, 0.5, cfg.Alpha)
	assert.Equal(t, 0.0, fineTune.Alpha)
}

func TestPlain(t *testing.T) {
	state := trainstate.New(twoLayers([]float64{1}, []float64{2}))
	reg, err := New(DefaultConfig(KindNone))
	require.NoError(t, err)
	grads := twoLayers([]float64{0.1}, []float64{0.2})
	target, updates, err := reg.ApplyCorrections(state, grads)
	require.NoError(t, err)
	assert.Same(t, grads, updates)
	assert.Same(t, state.Parameters, target)
	assert.Equal(t, 0.0, reg.Penalty(state))
}

func TestGaussianRequiresNoiseScale(t *testing.T) {
	reg, err := New(DefaultConfig(KindRL1Gauss))
	require.NoError(t, err)
	state := trainstate.New(twoLayers([]float64{1}, []float64{2}))
	require.Error(t, reg.Prepare(state))

	state.Parameters.Set(trainstate.KeyNoiseScale, tensors.FromScalar(1))
	require.NoError(t, reg.Prepare(state))
	grads := state.Parameters.FullLike(0.5)
	target, updates, err := reg.ApplyCorrections(state, grads)
	require.NoError(t, err)
	assert.Equal(t, 0.5, updates.Leaf(trainstate.KeyNoiseScale).Scalar())
	assert.Same(t, state.NoiseScale(), target.Leaf(trainstate.KeyNoiseScale))

	// Non-Gaussian kinds don't train sigma.
	reg, err = New(DefaultConfig(KindRL1))
	require.NoError(t, err)
	target, updates, err = reg.ApplyCorrections(state, state.Parameters.FullLike(0.5))
	require.NoError(t, err)
	assert.False(t, target.Has(trainstate.KeyNoiseScale))
	assert.False(t, updates.Has(trainstate.KeyNoiseScale))
}
