package metrics

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gomlx/pruning/pkg/core/tensors"
	"github.com/gomlx/pruning/pkg/ml/params"
	"github.com/gomlx/pruning/pkg/ml/regularizers"
	"github.com/gomlx/pruning/pkg/ml/train"
	"github.com/gomlx/pruning/pkg/ml/train/optimizers"
	"github.com/gomlx/pruning/pkg/ml/trainstate"
	"github.com/janpfeifer/must"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type infiniteDataset struct{}

func (infiniteDataset) Name() string { return "infinite" }
func (infiniteDataset) Reset()       {}
func (infiniteDataset) Yield() (inputs, labels []*tensors.Tensor, err error) {
	return
}

func TestLogsJSON(t *testing.T) {
	logs := NewLogs()
	logs.RecordLoss(10, 0, 0.5)
	logs.RecordL0Norm(10, 0, 3, 0.1)
	logs.RecordRuntime(time.Millisecond)
	require.NoError(t, logs.Validate())
	assert.InDelta(t, 0.25, logs.RuntimePerBatches[0], 1e-12)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(must.M1(json.Marshal(logs)), &decoded))
	for _, key := range []string{"train_loss", "train_loss_X", "train_loss_X_epoch", "runtime_per_250_batches",
		"l0_norm", "l0_norm_X", "l0_norm_X_epoch"} {
		assert.Contains(t, decoded, key)
	}

	logs.TrainLossX = nil
	require.Error(t, logs.Validate())
}

func TestAttach(t *testing.T) {
	weights := params.New().SetTree("dense", params.New().Set("w",
		tensors.FromFlatDataAndDimensions([]float64{1, 0, -2, 0}, 4)))
	state := trainstate.New(weights)
	gradFn := func(state *trainstate.State, _, _ []*tensors.Tensor) (*params.Tree, float64, error) {
		return state.ModelParameters().ZerosLike(), 2, nil
	}
	reg := must.M1(regularizers.New(regularizers.DefaultConfig(regularizers.KindNone)))
	opt := optimizers.StochasticGradientDescent().WithDecay(false).Done()
	loop := train.NewLoop(train.NewTrainer(reg, gradFn, opt), state)

	registry := prometheus.NewRegistry()
	recorder := NewRecorder(registry, "pruning")
	logs := NewLogs()
	Attach(loop, logs, recorder, 4)
	_ = must.M1(loop.RunSteps(infiniteDataset{}, 10))

	// Records at steps 4 and 8, plus the end of the loop.
	require.NoError(t, logs.Validate())
	assert.Equal(t, []int64{4, 8, 10}, logs.TrainLossX)
	assert.Equal(t, []float64{2, 2, 2}, logs.TrainLoss)
	assert.Equal(t, []float64{2, 2, 2}, logs.L0Norm)
	assert.Len(t, logs.RuntimePerBatches, 3)

	assert.Equal(t, 10.0, testutil.ToFloat64(recorder.steps))
	assert.Equal(t, 2.0, testutil.ToFloat64(recorder.l0Norm))
	assert.InDelta(t, 0.5, testutil.ToFloat64(recorder.sparsity), 1e-12)
	assert.Equal(t, 5, must.M1(testutil.GatherAndCount(registry)))
}
