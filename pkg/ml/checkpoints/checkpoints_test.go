package checkpoints

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/pruning/pkg/core/tensors"
	"github.com/gomlx/pruning/pkg/ml/params"
	"github.com/gomlx/pruning/pkg/ml/regularizers"
	"github.com/gomlx/pruning/pkg/ml/train"
	"github.com/gomlx/pruning/pkg/ml/train/metrics"
	"github.com/gomlx/pruning/pkg/ml/train/optimizers"
	"github.com/gomlx/pruning/pkg/ml/trainstate"
	"github.com/gomlx/pruning/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newState() *trainstate.State {
	dense := params.New().
		Set("w", tensors.FromFlatDataAndDimensions([]float64{1, -2, 0, 3.5}, 2, 2)).
		Set("b", tensors.FromScalar(0.25))
	state := trainstate.New(params.New().SetTree("dense", dense))
	state.Step = 17
	return state
}

func TestSaveLoad(t *testing.T) {
	for _, bf := range []BinFormat{BinGZIP, BinUncompressed} {
		t.Run(bf.String(), func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "ckpt")
			handler := must.M1(Build(dir).Experiment("linear").WithCompression(bf).Keep(2).Done())
			assert.False(t, must.M1(handler.HasCheckpoints()))
			ckpt, err := handler.Load()
			require.NoError(t, err)
			require.Nil(t, ckpt)

			state := newState()
			logs := metrics.NewLogs()
			logs.RecordLoss(10, 0, 0.5)
			logs.RecordL0Norm(10, 0, 3, 0.1)
			handler.Update(2, 5)
			require.NoError(t, handler.Save(state, logs))
			require.True(t, must.M1(fsutil.FileExists(dir)))

			// Loading with a new handler, as if restarting the program.
			handler2 := must.M1(Build(dir).Experiment("linear").WithCompression(bf).Keep(2).Done())
			ckpt = must.M1(handler2.Load())
			require.NotNil(t, ckpt)
			assert.Equal(t, int64(17), ckpt.State.Step)
			assert.False(t, ckpt.State.Augmented)
			assert.Equal(t, 2, ckpt.Epoch)
			assert.Equal(t, 5, ckpt.Chunk)
			assert.Equal(t, []float64{1, -2, 0, 3.5}, ckpt.State.Weights().GetPath("/dense/w").Value())
			assert.Equal(t, []int{2, 2}, ckpt.State.Weights().GetPath("/dense/w").Shape().Dimensions)
			assert.Equal(t, 0.25, ckpt.State.Weights().GetPath("/dense/b").Scalar())
			assert.Equal(t, logs.TrainLoss, ckpt.Logs.TrainLoss)
			assert.Equal(t, logs.L0Norm, ckpt.Logs.L0Norm)

			// The next checkpoint continues the count.
			require.NoError(t, handler2.Save(state, logs))
			list := must.M1(handler2.ListCheckpoints())
			require.Len(t, list, 2)
			assert.Equal(t, "linear-n0000000-step-00000017", list[0])
			assert.Equal(t, "linear-n0000001-step-00000017", list[1])
		})
	}
}

func TestKeepAndBackup(t *testing.T) {
	dir := t.TempDir()
	handler := must.M1(Build(dir).Experiment("exp").Keep(2).Done())
	require.Error(t, handler.Backup())

	state := newState()
	for range 4 {
		state.Step++
		require.NoError(t, handler.Save(state, nil))
	}
	list := must.M1(handler.ListCheckpoints())
	assert.Equal(t, []string{"exp-n0000002-step-00000020", "exp-n0000003-step-00000021"}, list)

	// Other experiments in the same directory are not listed.
	other := must.M1(Build(dir).Experiment("other").Done())
	assert.False(t, must.M1(other.HasCheckpoints()))
	require.NoError(t, other.Save(state, nil))
	assert.Equal(t, []string{"exp", "other"}, must.M1(Experiments(dir)))

	require.NoError(t, handler.Backup())
	for _, suffix := range []string{JsonNameSuffix, BinDataSuffix} {
		_, err := os.Stat(filepath.Join(dir, BackupDir, list[1]+suffix))
		require.NoError(t, err)
	}

	// Missing logs are loaded as empty logs.
	ckpt := must.M1(handler.Load())
	require.NotNil(t, ckpt.Logs)
	assert.Empty(t, ckpt.Logs.TrainLoss)
	assert.Equal(t, int64(21), ckpt.State.Step)
}

func TestBuildErrors(t *testing.T) {
	_, err := Build("").Done()
	require.Error(t, err)
	_, err = Build(t.TempDir()).Experiment("a/b").Done()
	require.Error(t, err)
	_, err = Build(t.TempDir()).WithCompression(BinFormat(7)).Done()
	require.ErrorIs(t, err, ErrUnsupportedCompression)
	_, err = Build(t.TempDir()).Every(-time.Second).Done()
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err = Build(file).Done()
	require.Error(t, err)
}

func TestShouldCheckpoint(t *testing.T) {
	handler := must.M1(Build(t.TempDir()).Every(time.Minute).MaxRuntime(time.Hour).Done())
	now := handler.startTime
	handler.lastCheckTime = now
	handler.now = func() time.Time { return now }

	now = now.Add(30 * time.Second)
	assert.False(t, handler.ShouldCheckpoint(), "checked before the interval")
	now = now.Add(time.Minute)
	assert.False(t, handler.ShouldCheckpoint(), "below max runtime")
	now = now.Add(time.Hour)
	assert.True(t, handler.ShouldCheckpoint())
	assert.False(t, handler.ShouldCheckpoint(), "just checked")

	noMax := must.M1(Build(t.TempDir()).Done())
	assert.False(t, noMax.ShouldCheckpoint())
}

type infiniteDataset struct{}

func (infiniteDataset) Name() string { return "infinite" }
func (infiniteDataset) Reset()       {}
func (infiniteDataset) Yield() (inputs, labels []*tensors.Tensor, err error) {
	return
}

func noRegularizer() regularizers.Regularizer {
	return must.M1(regularizers.New(regularizers.DefaultConfig(regularizers.KindNone)))
}

func sgd() optimizers.Interface {
	return optimizers.StochasticGradientDescent().WithLearningRate(0.1).Done()
}

func TestAttachTo(t *testing.T) {
	dir := t.TempDir()
	handler := must.M1(Build(dir).Experiment("loop").Keep(-1).Done())
	state := newState()
	state.Step = 0
	trainer := train.NewTrainer(noRegularizer(), func(state *trainstate.State, _, _ []*tensors.Tensor) (*params.Tree, float64, error) {
		return state.ModelParameters().ZerosLike(), 1, nil
	}, sgd())
	loop := train.NewLoop(trainer, state)
	handler.AttachTo(loop, metrics.NewLogs(), 4)
	_ = must.M1(loop.RunSteps(infiniteDataset{}, 10))

	// Saved at steps 4 and 8, and at the end.
	list := must.M1(handler.ListCheckpoints())
	assert.Equal(t, []string{
		"loop-n0000000-step-00000004",
		"loop-n0000001-step-00000008",
		"loop-n0000002-step-00000010",
	}, list)
}
