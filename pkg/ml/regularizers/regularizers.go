// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package regularizers implements the gradient corrections of the pruning regularizers, and the Regularizer
// variants that apply them to a training step.
//
// Regularization here is applied directly on the gradients: each regularizer adds its correction (the gradient of
// its penalty) to the gradients computed for the model loss, before they are handed to the optimizer.
//
// The supported kinds are:
//
//   - KindNone: gradients are passed through unchanged.
//   - KindRL1: L1 (alpha) and L2 (rho) corrections.
//   - KindDRR: exponential decay correction (alpha, beta), optionally normalized per layer, plus L2 (rho).
//   - KindPMMP: probabilistic mask minimax L0 relaxation (alpha), plus L1 (l1_alpha) and L2 (rho) on the
//     shadow weights. See package pmmp.
//
// And the "Gauss" variants of each, that also learn the shared Gaussian-noise scale "sigma" of the model.
package regularizers

import (
	"fmt"
	"strings"

	"github.com/gomlx/pruning/pkg/ml/params"
	"github.com/gomlx/pruning/pkg/ml/pmmp"
	"github.com/gomlx/pruning/pkg/ml/trainstate"
	"github.com/pkg/errors"
)

// Kind of regularizer.
type Kind int

const (
	KindNone Kind = iota
	KindRL1
	KindRL1Gauss
	KindDRR
	KindDRRGauss
	KindPMMP
	KindPMMPGauss
)

var kindNames = []string{"none", "rl1", "rl1_gauss", "drr", "drr_gauss", "pmmp", "pmmp_gauss"}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Gaussian returns whether the kind also learns the Gaussian-noise scale "sigma".
func (k Kind) Gaussian() bool {
	return k == KindRL1Gauss || k == KindDRRGauss || k == KindPMMPGauss
}

// KindNames returns the names of all known kinds.
func KindNames() []string {
	return append([]string(nil), kindNames...)
}

// ErrUnknownKind is returned when the regularizer kind is not recognized.
var ErrUnknownKind = errors.New("unknown regularizer kind")

// ParseKind converts a kind name (case-insensitive) to a Kind. "" and "plain" are accepted for KindNone.
func ParseKind(name string) (Kind, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == "plain" {
		return KindNone, nil
	}
	for ii, kindName := range kindNames {
		if name == kindName {
			return Kind(ii), nil
		}
	}
	return KindNone, errors.Wrapf(ErrUnknownKind, "%q, valid values are %q", name, kindNames)
}

// Config of a Regularizer. It's immutable once passed to New: use WithAlpha to derive a new one.
type Config struct {
	Kind    Kind
	Alpha   float64
	L1Alpha float64
	Rho     float64
	Beta    float64
	Norm    bool

	// PMMP options for the initialization of the auxiliary state.
	PMMP pmmp.Options

	// Projection of the keep probabilities pp, applied after every update.
	Projection Projection

	// Relaxation creates the mask relaxation used by the PMMP kinds, once the number of model
	// weights is known. If nil, pmmp.MinimaxRelaxation is used.
	Relaxation func(cfg Config, paramNumber int) pmmp.Relaxation
}

// DefaultConfig returns the configuration for the given kind with default values.
func DefaultConfig(kind Kind) Config {
	return Config{
		Kind:       kind,
		Beta:       1,
		PMMP:       pmmp.DefaultOptions(),
		Projection: DefaultProjection(),
	}
}

// WithAlpha returns a copy of the configuration with a new alpha. Setting alpha to 0 on a PMMP kind
// switches to fine-tuning: the mask is no longer pressured.
func (c Config) WithAlpha(alpha float64) Config {
	c.Alpha = alpha
	return c
}

// Validate the configuration values.
func (c Config) Validate() error {
	if c.Kind < KindNone || c.Kind > KindPMMPGauss {
		return errors.Wrapf(ErrUnknownKind, "%s", c.Kind)
	}
	if c.Alpha < 0 || c.L1Alpha < 0 || c.Rho < 0 {
		return errors.Errorf("regularizer %s: alpha (%g), l1_alpha (%g) and rho (%g) must be >= 0",
			c.Kind, c.Alpha, c.L1Alpha, c.Rho)
	}
	if (c.Kind == KindDRR || c.Kind == KindDRRGauss) && c.Beta <= 0 {
		return errors.Errorf("regularizer %s: beta must be > 0, got %g", c.Kind, c.Beta)
	}
	if c.Kind == KindPMMP || c.Kind == KindPMMPGauss {
		if err := c.Projection.Validate(); err != nil {
			return errors.WithMessagef(err, "regularizer %s", c.Kind)
		}
	}
	return nil
}

// Regularizer applies the corrections of one kind of regularization to the gradients of a training step.
type Regularizer interface {
	// Kind of the regularizer.
	Kind() Kind

	// Config returns a copy of the configuration.
	Config() Config

	// Prepare the training state before a step. For the PMMP kinds it augments the state with the auxiliary
	// variables the first time it's called.
	Prepare(state *trainstate.State) error

	// ApplyCorrections corrects grads, congruent to state.ModelParameters(), in place.
	//
	// It returns the parameters to update (target, a view of state.Parameters) and the update
	// gradients, congruent to target, to be given to the optimizer.
	ApplyCorrections(state *trainstate.State, grads *params.Tree) (target, updates *params.Tree, err error)

	// Penalty returns the current value of the regularization terms, for logging.
	Penalty(state *trainstate.State) float64
}

// Projector is implemented by regularizers that constrain the parameters after the optimizer update.
type Projector interface {
	Project(state *trainstate.State) error
}

// New creates the Regularizer variant for the configured kind.
func New(cfg Config) (Regularizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case KindNone:
		return &plain{cfg: cfg}, nil
	case KindRL1, KindRL1Gauss:
		return &rl1{base{cfg: cfg}}, nil
	case KindDRR, KindDRRGauss:
		return &drr{base{cfg: cfg}}, nil
	case KindPMMP, KindPMMPGauss:
		return &pmmpRegularizer{base: base{cfg: cfg}}, nil
	}
	return nil, errors.Wrapf(ErrUnknownKind, "%s", cfg.Kind)
}
