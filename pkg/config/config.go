// Package config holds the run configuration of the pruning procedure, read from a YAML file.
//
// Values not given in the file keep the defaults of Default(). Single values can be overridden with
// Config.Set, using the dotted YAML path of the field, e.g. "regularizer.alpha=0.01". Keys without a
// section refer to the regularizer section, so "kind=pmmp" is the same as "regularizer.kind=pmmp".
package config

import (
	"bytes"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gomlx/pruning/pkg/ml/pmmp"
	"github.com/gomlx/pruning/pkg/ml/regularizers"
	"github.com/gomlx/pruning/pkg/ml/train/optimizers"
	"github.com/gomlx/pruning/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/pruning/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// MaxFileSize is the largest configuration file accepted.
const MaxFileSize = 1 << 20

// Config of a pruning run.
type Config struct {
	Regularizer Regularizer `yaml:"regularizer"`
	Optimizer   Optimizer   `yaml:"optimizer"`
	Training    Training    `yaml:"training"`
	Pruning     Pruning     `yaml:"pruning"`
	Checkpoint  Checkpoint  `yaml:"checkpoint"`
	Data        Data        `yaml:"data"`
}

// Regularizer options.
type Regularizer struct {
	Kind    string  `yaml:"kind" validate:"oneof=none plain rl1 rl1_gauss drr drr_gauss pmmp pmmp_gauss"`
	Alpha   float64 `yaml:"alpha" validate:"gte=0"`
	L1Alpha float64 `yaml:"l1_alpha" validate:"gte=0"`
	Rho     float64 `yaml:"rho" validate:"gte=0"`
	Beta    float64 `yaml:"beta" validate:"gte=0"`
	Norm    bool    `yaml:"norm"`

	InitialPValue        float64 `yaml:"initial_p_value" validate:"gte=0,lte=1"`
	InitialUValue        float64 `yaml:"initial_u_value"`
	UValueMultiplyFactor float64 `yaml:"u_value_multiply_factor" validate:"gte=0"`
	PMin                 float64 `yaml:"p_min"`
	PMax                 float64 `yaml:"p_max"`

	DType  string `yaml:"dtype" validate:"eq=float64"`
	Device string `yaml:"device" validate:"eq=cpu"`
}

// Optimizer options.
type Optimizer struct {
	Name         string  `yaml:"name" validate:"oneof=sgd momentum adam adamax adamw rmsprop"`
	LearningRate float64 `yaml:"learning_rate" validate:"gt=0"`
	Beta1        float64 `yaml:"beta1" validate:"gte=0,lt=1"`
	Beta2        float64 `yaml:"beta2" validate:"gte=0,lt=1"`
	Epsilon      float64 `yaml:"epsilon" validate:"gt=0"`
	Momentum     float64 `yaml:"momentum" validate:"gte=0,lt=1"`

	// CosineSchedule anneals the learning rate over the training steps.
	CosineSchedule bool `yaml:"cosine_schedule"`
}

// Training options.
type Training struct {
	Steps         int    `yaml:"steps" validate:"gt=0"`
	FinetuneSteps int    `yaml:"finetune_steps" validate:"gte=0"`
	BatchSize     int    `yaml:"batch_size" validate:"gt=0"`
	Seed          uint64 `yaml:"seed"`
	LogEvery      int    `yaml:"log_every" validate:"gt=0"`
}

// Pruning (threshold search) options.
type Pruning struct {
	Criterion       string  `yaml:"criterion" validate:"oneof=sparsity loss"`
	TargetSparsity  float64 `yaml:"target_sparsity" validate:"gte=0,lte=1"`
	MaxLossIncrease float64 `yaml:"max_loss_increase" validate:"gte=0"`
	Tolerance       float64 `yaml:"tolerance" validate:"gt=0"`
	MaxEvaluations  int     `yaml:"max_evaluations" validate:"gte=0"`
}

// Checkpoint options. Checkpointing is disabled if Dir is empty.
type Checkpoint struct {
	Dir         string        `yaml:"dir"`
	Experiment  string        `yaml:"experiment" validate:"omitempty,excludesall=/\\"`
	Keep        int           `yaml:"keep" validate:"gte=-1"`
	EveryNSteps int           `yaml:"every_n_steps" validate:"gte=0"`
	Every       time.Duration `yaml:"every" validate:"gte=0"`
	MaxRuntime  time.Duration `yaml:"max_runtime" validate:"gte=0"`
}

// Data options of the synthetic sparse regression problem.
type Data struct {
	NumExamples int     `yaml:"num_examples" validate:"gt=0"`
	NumFeatures int     `yaml:"num_features" validate:"gt=0"`
	NumRelevant int     `yaml:"num_relevant" validate:"gt=0,ltefield=NumFeatures"`
	Noise       float64 `yaml:"noise" validate:"gte=0"`

	// Gaussian models the noise scale sigma, trained with a Gaussian negative log-likelihood.
	Gaussian bool `yaml:"gaussian"`
}

// Default returns the default configuration.
func Default() *Config {
	opts := pmmp.DefaultOptions()
	projection := regularizers.DefaultProjection()
	return &Config{
		Regularizer: Regularizer{
			Kind:                 "pmmp",
			Alpha:                0.01,
			Beta:                 1,
			InitialPValue:        opts.InitialP,
			InitialUValue:        opts.InitialU,
			UValueMultiplyFactor: opts.UFactor,
			PMin:                 projection.Min,
			PMax:                 projection.Max,
			DType:                "float64",
			Device:               "cpu",
		},
		Optimizer: Optimizer{
			Name:         "adam",
			LearningRate: 0.01,
			Beta1:        0.9,
			Beta2:        0.999,
			Epsilon:      1e-7,
			Momentum:     0.9,
		},
		Training: Training{
			Steps:         2000,
			FinetuneSteps: 500,
			BatchSize:     32,
			Seed:          42,
			LogEvery:      50,
		},
		Pruning: Pruning{
			Criterion:       "sparsity",
			TargetSparsity:  0.8,
			MaxLossIncrease: 0.05,
			Tolerance:       1e-4,
		},
		Checkpoint: Checkpoint{
			Keep:        2,
			EveryNSteps: 500,
			Every:       time.Minute,
		},
		Data: Data{
			NumExamples: 1024,
			NumFeatures: 50,
			NumRelevant: 5,
			Noise:       0.1,
		},
	}
}

// Load reads the YAML configuration file on top of the defaults and validates it.
// Unknown keys are reported as errors.
func Load(path string) (*Config, error) {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: reading %q", path)
	}
	if info.Size() > MaxFileSize {
		return nil, errors.Errorf("config: file %q too large (%d bytes, max %d)", path, info.Size(), MaxFileSize)
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: reading %q", path)
	}
	cfg, err := Parse(contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "config file %q", path)
	}
	return cfg, nil
}

// Parse the YAML contents on top of the defaults and validates the result.
func Parse(contents []byte) (*Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(contents)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(contents))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, errors.Wrap(err, "config: failed to parse YAML")
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the individual values and the relations between them.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "config: invalid values")
	}
	kind, err := regularizers.ParseKind(c.Regularizer.Kind)
	if err != nil {
		return err
	}
	if (kind == regularizers.KindDRR || kind == regularizers.KindDRRGauss) && c.Regularizer.Beta <= 0 {
		return errors.Errorf("config: regularizer %s requires beta > 0, got %g", kind, c.Regularizer.Beta)
	}
	if !(c.Regularizer.PMin < c.Regularizer.PMax) {
		return errors.Errorf("config: p_min (%g) must be smaller than p_max (%g)", c.Regularizer.PMin, c.Regularizer.PMax)
	}
	if kind.Gaussian() != c.Data.Gaussian {
		return errors.Errorf("config: regularizer %s requires data.gaussian=%v", kind, kind.Gaussian())
	}
	if c.Pruning.Criterion == "loss" && c.Pruning.MaxLossIncrease <= 0 {
		return errors.Errorf("config: loss criterion requires max_loss_increase > 0")
	}
	return nil
}

// Set overrides one value given as "key=value", where key is the dotted YAML path of the field
// (e.g. "training.steps=100"). A key without a section refers to the regularizer section.
//
// The configuration is not validated: call Validate after all values are set.
func (c *Config) Set(assignment string) error {
	key, value, found := strings.Cut(assignment, "=")
	key = strings.TrimSpace(key)
	if !found || key == "" {
		return errors.Errorf("config: invalid assignment %q, expected key=value", assignment)
	}
	path := strings.Split(key, ".")
	if len(path) == 1 {
		path = []string{"regularizer", path[0]}
	}

	var root yaml.Node
	if err := root.Encode(c); err != nil {
		return errors.Wrap(err, "config: encoding")
	}
	node := &root
	for _, name := range path {
		node = mappingValue(node, name)
		if node == nil {
			return errors.Errorf("config: unknown key %q", key)
		}
	}
	if node.Kind != yaml.ScalarNode {
		return errors.Errorf("config: key %q is a section, not a value", key)
	}
	node.Value = strings.TrimSpace(value)
	node.Tag = "" // Resolved again from the new value.
	node.Style = 0

	newConfig := &Config{}
	if err := root.Decode(newConfig); err != nil {
		return errors.Wrapf(err, "config: invalid value for %q", key)
	}
	*c = *newConfig
	return nil
}

// mappingValue returns the value node for the key in a mapping node, or nil.
func mappingValue(node *yaml.Node, key string) *yaml.Node {
	if node.Kind == yaml.DocumentNode && len(node.Content) == 1 {
		node = node.Content[0]
	}
	if node.Kind != yaml.MappingNode {
		return nil
	}
	for ii := 0; ii+1 < len(node.Content); ii += 2 {
		if node.Content[ii].Value == key {
			return node.Content[ii+1]
		}
	}
	return nil
}

// String returns the configuration as YAML.
func (c *Config) String() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "config: " + err.Error()
	}
	return string(out)
}

// RegularizerConfig converts the regularizer options.
func (c *Config) RegularizerConfig() (regularizers.Config, error) {
	kind, err := regularizers.ParseKind(c.Regularizer.Kind)
	if err != nil {
		return regularizers.Config{}, err
	}
	rc := regularizers.DefaultConfig(kind)
	rc.Alpha = c.Regularizer.Alpha
	rc.L1Alpha = c.Regularizer.L1Alpha
	rc.Rho = c.Regularizer.Rho
	rc.Beta = c.Regularizer.Beta
	rc.Norm = c.Regularizer.Norm
	rc.PMMP = pmmp.Options{
		InitialP: c.Regularizer.InitialPValue,
		InitialU: c.Regularizer.InitialUValue,
		UFactor:  c.Regularizer.UValueMultiplyFactor,
	}
	rc.Projection = regularizers.Projection{Min: c.Regularizer.PMin, Max: c.Regularizer.PMax}
	if err = rc.Validate(); err != nil {
		return regularizers.Config{}, err
	}
	return rc, nil
}

// NewOptimizer creates a new optimizer for a run of the given number of steps.
// The steps are only used by the cosine schedule.
func (c *Config) NewOptimizer(steps int) (optimizers.Interface, error) {
	opt := c.Optimizer
	var schedule optimizers.Schedule
	if opt.CosineSchedule {
		var err error
		schedule, err = cosineschedule.New(opt.LearningRate).PeriodInSteps(steps).Done()
		if err != nil {
			return nil, err
		}
	}
	switch opt.Name {
	case "sgd", "momentum":
		sgd := optimizers.StochasticGradientDescent().WithLearningRate(opt.LearningRate)
		if opt.Name == "momentum" {
			sgd = sgd.WithMomentum(opt.Momentum).WithDecay(false)
		}
		if schedule != nil {
			sgd = sgd.WithSchedule(schedule)
		}
		return sgd.Done(), nil
	case "adam", "adamax", "adamw", "rmsprop":
		var adam *optimizers.AdamConfig
		if opt.Name == "rmsprop" {
			adam = optimizers.RMSProp()
		} else {
			adam = optimizers.Adam().Betas(opt.Beta1, opt.Beta2)
		}
		adam = adam.LearningRate(opt.LearningRate).Epsilon(opt.Epsilon)
		switch opt.Name {
		case "adamax":
			adam = adam.Adamax()
		case "adamw":
			adam = adam.WeightDecay(0.004)
		}
		if schedule != nil {
			adam = adam.Schedule(schedule)
		}
		return adam.Done(), nil
	}
	return optimizers.ByName(opt.Name, opt.LearningRate)
}
