package main

import (
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/pruning/examples/linear"
	"github.com/gomlx/pruning/pkg/config"
	"github.com/gomlx/pruning/pkg/core/tensors"
	"github.com/gomlx/pruning/pkg/ml/checkpoints"
	"github.com/gomlx/pruning/pkg/ml/datasets"
	"github.com/gomlx/pruning/pkg/ml/params"
	"github.com/gomlx/pruning/pkg/ml/pruning"
	"github.com/gomlx/pruning/pkg/ml/regularizers"
	"github.com/gomlx/pruning/pkg/ml/train"
	"github.com/gomlx/pruning/pkg/ml/train/metrics"
	"github.com/gomlx/pruning/pkg/ml/trainstate"
	"github.com/gomlx/pruning/pkg/support/fsutil"
	"github.com/gomlx/pruning/ui/commandline"
	"github.com/gomlx/pruning/ui/plots"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
)

// runOptions of the procedure that are not part of the run configuration.
type runOptions struct {
	// ProgressBar displays a progress bar while training.
	ProgressBar bool

	// PlotsDir, if set, is where the plot points and PNG images are saved.
	PlotsDir string

	// Registerer for the training metrics. If nil, metrics are not exported.
	Registerer prometheus.Registerer
}

// runReport holds the outcome of the procedure.
type runReport struct {
	Kind           regularizers.Kind
	TrainSteps     int64
	TrainLoss      float64
	Threshold      float64
	Evaluations    int
	SearchBudget   int
	Pruned         bool
	Sparsity       float64
	Kept, Total    int
	FinalLoss      float64
	Relevant       []int
	Recovered      []int
	ResumedAtStep  int64
	CheckpointBase string

	TrainLogs, FineTuneLogs *metrics.Logs
	SearchTrace             []pruning.Evaluation
}

// FeaturesMatch returns whether exactly the relevant features were recovered.
func (r *runReport) FeaturesMatch() bool {
	relevant := slices.Clone(r.Relevant)
	slices.Sort(relevant)
	return slices.Equal(relevant, r.Recovered)
}

// Summary of the report as a command-line table.
func (r *runReport) Summary() *commandline.Summary {
	s := commandline.NewSummary("Pruning run").
		Add("Regularizer", r.Kind).
		Add("Training steps", humanize.Comma(r.TrainSteps)).
		Add("Training loss", r.TrainLoss, "%.5g")
	if r.ResumedAtStep > 0 {
		s.Add("Resumed at step", humanize.Comma(r.ResumedAtStep))
	}
	if r.Pruned {
		s.Add("Threshold", r.Threshold, "%.5g").
			Add("Search evaluations", r.Evaluations, "%d of "+humanize.Comma(int64(r.SearchBudget)))
	} else {
		s.Add("Threshold", "search failed, not pruned")
	}
	return s.Add("Weights kept", humanize.Comma(int64(r.Kept))+" of "+humanize.Comma(int64(r.Total))).
		Add("Sparsity", 100*r.Sparsity, "%.1f%%").
		Add("Final loss", r.FinalLoss, "%.5g").
		Add("Relevant features", r.Relevant).
		Add("Recovered features", r.Recovered).
		Add("Exact recovery", r.FeaturesMatch())
}

// runProcedure: regularized training, threshold search, hardening of the mask and fine-tuning.
func runProcedure(cfg *config.Config, opts runOptions) (*runReport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	regCfg, err := cfg.RegularizerConfig()
	if err != nil {
		return nil, err
	}
	problem, err := linear.Generate(cfg.Data.NumExamples, cfg.Data.NumFeatures, cfg.Data.NumRelevant,
		cfg.Data.Noise, cfg.Training.Seed)
	if err != nil {
		return nil, err
	}
	ds, err := datasets.InMemory("train", []*tensors.Tensor{problem.Inputs}, []*tensors.Tensor{problem.Labels})
	if err != nil {
		return nil, err
	}
	ds.BatchSize(min(cfg.Training.BatchSize, ds.NumExamples()), false).WithSeed(cfg.Training.Seed).Shuffle().Infinite(true)
	model := linear.Model{NumFeatures: cfg.Data.NumFeatures, Gaussian: cfg.Data.Gaussian}
	report := &runReport{Kind: regCfg.Kind, Relevant: problem.Relevant}

	// Restore from checkpoint if available.
	state := trainstate.New(model.NewParameters())
	logs := metrics.NewLogs()
	var handler *checkpoints.Handler
	if cfg.Checkpoint.Dir != "" {
		experiment := cfg.Checkpoint.Experiment
		if experiment == "" {
			experiment = "pruning-" + uuid.NewString()[:8]
		}
		handler, err = checkpoints.Build(cfg.Checkpoint.Dir).Experiment(experiment).Keep(cfg.Checkpoint.Keep).
			Every(cfg.Checkpoint.Every).MaxRuntime(cfg.Checkpoint.MaxRuntime).Done()
		if err != nil {
			return nil, err
		}
		ckpt, err := handler.Load()
		if err != nil {
			return nil, err
		}
		if ckpt != nil {
			if err = params.CheckCongruent(model.NewParameters(), ckpt.State.ModelParameters()); err != nil {
				return nil, errors.WithMessagef(err, "checkpoint %s doesn't match the model", ckpt.BaseName)
			}
			state, logs = ckpt.State, ckpt.Logs
			report.ResumedAtStep = state.Step
		}
	}

	// Regularized training.
	reg, err := regularizers.New(regCfg)
	if err != nil {
		return nil, err
	}
	opt, err := cfg.NewOptimizer(cfg.Training.Steps)
	if err != nil {
		return nil, err
	}
	trainer := train.NewTrainer(reg, model.GradientFn(), opt)
	loop := train.NewLoop(trainer, state)
	var recorder *metrics.Recorder
	if opts.Registerer != nil {
		recorder = metrics.NewRecorder(opts.Registerer, "pruning")
	}
	metrics.Attach(loop, logs, recorder, cfg.Training.LogEvery)
	if handler != nil {
		handler.AttachTo(loop, logs, cfg.Checkpoint.EveryNSteps)
	}
	if opts.ProgressBar {
		commandline.AttachProgressBar(loop)
	}
	if remaining := cfg.Training.Steps - int(state.Step); remaining > 0 {
		klog.Infof("training %s for %s steps", reg.Kind(), humanize.Comma(int64(remaining)))
		if _, err = loop.RunSteps(ds, remaining); err != nil {
			return nil, errors.WithMessage(err, "regularized training")
		}
	}
	evalFn := model.EvalFn(state, problem.Inputs, problem.Labels)
	report.TrainSteps = state.Step
	report.TrainLogs = logs
	if report.TrainLoss, err = evalFn(state.Weights()); err != nil {
		return nil, err
	}

	// Threshold search.
	scores := pruning.Scores(state)
	var criterion pruning.Criterion
	switch cfg.Pruning.Criterion {
	case "loss":
		criterion = pruning.LossCriterion(scores, state.Weights(), evalFn, report.TrainLoss+cfg.Pruning.MaxLossIncrease)
	default:
		criterion = pruning.SparsityCriterion(scores, cfg.Pruning.TargetSparsity)
	}
	lo, hi := pruning.ScoreRange(scores)
	searcher, err := pruning.Search(criterion).Range(lo, hi+2*cfg.Pruning.Tolerance).
		Tolerance(cfg.Pruning.Tolerance).MaxEvaluations(cfg.Pruning.MaxEvaluations).Done()
	if err != nil {
		return nil, err
	}
	report.SearchBudget = searcher.Budget()
	result, err := searcher.Run()
	var notConverged *pruning.NotConvergedError
	switch {
	case err == nil:
		report.Pruned, report.Threshold = true, result.Threshold
		report.Evaluations, report.SearchTrace = result.Evaluations, result.Trace
	case errors.As(err, &notConverged):
		report.Evaluations, report.SearchTrace = notConverged.Evaluations, notConverged.Trace
		if notConverged.Satisfied {
			klog.Warningf("threshold search: %v, using best satisfying threshold", err)
			report.Pruned, report.Threshold = true, notConverged.Best
		} else {
			klog.Warningf("threshold search: %v, weights are not pruned", err)
		}
	default:
		return nil, errors.WithMessage(err, "threshold search")
	}

	// Harden and fine-tune.
	if report.Pruned {
		mask := pruning.MaskFromScores(scores, report.Threshold)
		if err = pruning.Harden(state, mask); err != nil {
			return nil, err
		}
		trainer.FreezeMask(mask)
	}
	fineTuneReg, err := regularizers.New(regCfg.WithAlpha(0))
	if err != nil {
		return nil, err
	}
	trainer.SetRegularizer(fineTuneReg)
	trainer.Optimizer().Reset()
	report.FineTuneLogs = metrics.NewLogs()
	if cfg.Training.FinetuneSteps > 0 {
		fineTuneLoop := train.NewLoop(trainer, state)
		metrics.Attach(fineTuneLoop, report.FineTuneLogs, recorder, cfg.Training.LogEvery)
		if opts.ProgressBar {
			commandline.AttachProgressBar(fineTuneLoop)
		}
		klog.Infof("fine-tuning for %s steps", humanize.Comma(int64(cfg.Training.FinetuneSteps)))
		if _, err = fineTuneLoop.RunSteps(ds, cfg.Training.FinetuneSteps); err != nil {
			return nil, errors.WithMessage(err, "fine-tuning")
		}
	}

	weights := state.Weights()
	report.Total = weights.NumParameters()
	report.Kept = weights.CountNonZero(0)
	report.Sparsity = 1 - float64(report.Kept)/float64(report.Total)
	report.Recovered = linear.RecoveredFeatures(weights)
	if report.FinalLoss, err = evalFn(weights); err != nil {
		return nil, err
	}
	if math.IsNaN(report.FinalLoss) {
		return nil, errors.New("fine-tuning diverged: final loss is NaN")
	}

	if handler != nil {
		final, err := checkpoints.Build(handler.Dir()).Experiment(handler.Experiment() + "-pruned").Keep(1).Done()
		if err != nil {
			return nil, err
		}
		if err = final.Save(state, report.FineTuneLogs); err != nil {
			return nil, err
		}
		report.CheckpointBase = final.Experiment()
	}
	if opts.PlotsDir != "" {
		if err = savePlots(opts.PlotsDir, report); err != nil {
			return nil, err
		}
	}
	return report, nil
}

// savePlots saves the plot points and one PNG per metric type.
func savePlots(dir string, report *runReport) error {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(dir, checkpoints.DirPermMode); err != nil {
		return errors.Wrapf(err, "creating plots directory %q", dir)
	}
	points := plots.FromLogs("Train", report.TrainLogs)
	points = append(points, plots.FromLogs("Fine-tune", report.FineTuneLogs)...)
	points = append(points, plots.FromSearch(report.SearchTrace)...)
	if err = plots.AppendPoints(filepath.Join(dir, plots.TrainingPlotFileName), points); err != nil {
		return err
	}
	collection := plots.NewPoints(points)
	for _, metricType := range []string{plots.TypeLoss, plots.TypeL0Norm, plots.TypeThreshold} {
		err := collection.SavePNG(filepath.Join(dir, metricType+".png"), metricType, metricType)
		if err != nil {
			klog.Warningf("plots: %v", err)
		}
	}
	return nil
}

// printReport prints the summary of the run.
func printReport(w io.Writer, report *runReport) error {
	return report.Summary().Print(w)
}
