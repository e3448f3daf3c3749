// Copyright (c) Meridian authors.
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package trainer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-ml/meridian/pkg/checkpoint"
	"github.com/meridian-ml/meridian/pkg/data"
	"github.com/meridian-ml/meridian/pkg/engine/hostengine"
	"github.com/meridian-ml/meridian/pkg/optim"
	"github.com/meridian-ml/meridian/pkg/prng"
	"github.com/meridian-ml/meridian/pkg/tensor"
	"github.com/meridian-ml/meridian/pkg/tracker"
)

var testFeatureAxis = tensor.Axis{Name: "feature", Size: 2}

// regressionFixture wires a tiny least-squares problem through the full
// trainer: hidden weights [2, -1], exact targets, frozen scale leaf.
type regressionFixture struct {
	objective *hostengine.LeastSquares
	trainer   *Trainer
	dataset   *data.SliceDataset
	mask      tensor.Mask
}

func newFixture(t *testing.T, cfg Config) *regressionFixture {
	t.Helper()
	rt := hostengine.NewLocalRuntime(2)
	objective := hostengine.NewLeastSquares(cfg.BatchAxis, testFeatureAxis)
	tr, err := New(cfg, optim.NewSGD(optim.SGDConfig{LearningRate: 0.1}), objective, rt, tracker.NoopTracker{}, WithoutDefaultHooks())
	require.NoError(t, err)

	hidden := []float64{2, -1}
	r := prng.NewKey(99).Rand()
	examples := make([]tensor.Tree, 64)
	for i := range examples {
		x := []float64{r.NormFloat64(), r.NormFloat64()}
		y := x[0]*hidden[0] + x[1]*hidden[1]
		xt, err := tensor.New(x, testFeatureAxis)
		require.NoError(t, err)
		examples[i] = tensor.Tree{
			hostengine.XLeaf: xt,
			hostengine.YLeaf: tensor.Scalar(y),
		}
	}
	return &regressionFixture{
		objective: objective,
		trainer:   tr,
		dataset:   &data.SliceDataset{Examples: examples, Loop: true},
		mask:      tensor.Mask{hostengine.ScaleLeaf: false},
	}
}

func testConfig(t *testing.T, steps int) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ID = "test-run"
	cfg.TrainBatchSize = 8
	cfg.PerDeviceParallelism = 2
	cfg.NumTrainSteps = steps
	cfg.FSDPAxes = []string{testFeatureAxis.Name}
	cfg.Checkpointer.BasePath = t.TempDir()
	cfg.Checkpointer.EverySteps = 0
	cfg.Checkpointer.EverySeconds = 0
	return cfg
}

func (f *regressionFixture) modelInit() func() (tensor.Tree, error) {
	return func() (tensor.Tree, error) {
		return f.objective.InitModel([]float64{0, 0})
	}
}

func (f *regressionFixture) initialState(t *testing.T) *TrainerState {
	t.Helper()
	state, err := f.trainer.InitialState(prng.NewKey(1), nil, f.modelInit(), f.mask)
	require.NoError(t, err)
	return state
}

func (f *regressionFixture) loader(t *testing.T) data.BatchLoader {
	t.Helper()
	loader, err := f.trainer.ShardedLoader(f.dataset)
	require.NoError(t, err)
	return loader
}

func TestInitialStateRequiresExactlyOneModelSource(t *testing.T) {
	f := newFixture(t, testConfig(t, 5))
	_, err := f.trainer.InitialState(prng.NewKey(1), nil, nil, nil)
	assert.Error(t, err)

	concrete, err := f.modelInit()()
	require.NoError(t, err)
	_, err = f.trainer.InitialState(prng.NewKey(1), concrete, f.modelInit(), nil)
	assert.Error(t, err)
}

func TestInitialStateFromScratch(t *testing.T) {
	f := newFixture(t, testConfig(t, 5))
	state := f.initialState(t)
	assert.Equal(t, 0, state.Step)
	assert.Contains(t, state.Model, hostengine.WeightLeaf)
	assert.Contains(t, state.OptState, "mu/"+hostengine.WeightLeaf)
	assert.NotContains(t, state.OptState, "mu/"+hostengine.ScaleLeaf, "frozen leaves get no optimizer state")
	// Parameter sharding applies at initialization.
	assert.Equal(t, "data", state.Model[hostengine.WeightLeaf].Placement[testFeatureAxis.Name])
}

func TestInitialStateRejectsUnknownMaskLeaf(t *testing.T) {
	f := newFixture(t, testConfig(t, 5))
	_, err := f.trainer.InitialState(prng.NewKey(1), nil, f.modelInit(), tensor.Mask{"nonexistent": false})
	assert.Error(t, err)
}

func TestTrainStepReducesLossAndAdvancesState(t *testing.T) {
	f := newFixture(t, testConfig(t, 5))
	state := f.initialState(t)
	batches := f.loader(t).Batches()

	batch, err := batches.Next()
	require.NoError(t, err)
	first, err := f.trainer.TrainStep(state, batch)
	require.NoError(t, err)
	assert.Equal(t, 1, first.State.Step)
	assert.Equal(t, 0, first.Step())
	assert.Equal(t, 1, first.NextStep())
	assert.NotEqual(t, state.TrainingKey, first.State.TrainingKey, "training key re-splits every step")
	assert.Equal(t, 1.0, first.State.Model[hostengine.ScaleLeaf].ScalarValue(), "frozen leaf never changes")
	assert.Positive(t, first.StepDuration)

	// The same batch must hurt less after a step on it.
	second, err := f.trainer.TrainStep(first.State, batch)
	require.NoError(t, err)
	assert.Less(t, second.Loss, first.Loss)
}

func TestTrainRunsToCompletion(t *testing.T) {
	f := newFixture(t, testConfig(t, 30))
	state := f.initialState(t)

	var steps []int
	require.NoError(t, f.trainer.AddHook(func(info StepInfo) error {
		steps = append(steps, info.Step())
		return nil
	}, 10))

	last, err := f.trainer.Train(state, f.loader(t))
	require.NoError(t, err)
	assert.Equal(t, 30, last.State.Step)
	assert.Equal(t, 29, last.Step())
	assert.Less(t, last.Loss, 0.05, "loss converges on an exactly-solvable problem")
	// Period-10 firings at completed steps 0, 10, 20 plus the final forced
	// pass at 29.
	assert.Equal(t, []int{0, 10, 20, 29}, steps)
}

func TestTrainingStepsStopsAtConfiguredSteps(t *testing.T) {
	f := newFixture(t, testConfig(t, 3))
	state := f.initialState(t)
	var infos []StepInfo
	for info, err := range f.trainer.TrainingSteps(state, f.loader(t), false) {
		require.NoError(t, err)
		infos = append(infos, info)
	}
	require.Len(t, infos, 3)
	for i, info := range infos {
		assert.Equal(t, i, info.Step())
	}
}

func TestCheckpointResume(t *testing.T) {
	cfg := testConfig(t, 3)
	f := newFixture(t, cfg)
	state := f.initialState(t)
	batches := f.loader(t).Batches()
	for i := 0; i < 3; i++ {
		batch, err := batches.Next()
		require.NoError(t, err)
		info, err := f.trainer.TrainStep(state, batch)
		require.NoError(t, err)
		state = info.State
	}

	dir := filepath.Join(cfg.Checkpointer.ExpandedPath(cfg.ID), checkpoint.StepDir(state.Step))
	require.NoError(t, checkpoint.Save(state.ToSaved(), dir))

	// A new trainer with the same run id resumes from the checkpoint. The
	// fresh initializer deliberately disagrees with the trained weights to
	// prove loaded leaves win, and its scale leaf proves frozen leaves are
	// re-derived rather than loaded.
	f2 := newFixture(t, cfg)
	resumedInit := func() (tensor.Tree, error) {
		model, err := f2.objective.InitModel([]float64{7, 7})
		if err != nil {
			return nil, err
		}
		model[hostengine.ScaleLeaf] = tensor.Scalar(1)
		return model, nil
	}
	resumed, err := f2.trainer.InitialState(prng.NewKey(555), nil, resumedInit, f2.mask)
	require.NoError(t, err)
	assert.Equal(t, 3, resumed.Step)
	assert.Equal(t, state.Model[hostengine.WeightLeaf].Data, resumed.Model[hostengine.WeightLeaf].Data)
	assert.Equal(t, state.OptState["mu/"+hostengine.WeightLeaf].Data, resumed.OptState["mu/"+hostengine.WeightLeaf].Data)
	assert.Equal(t, state.TrainingKey, resumed.TrainingKey)
	assert.Equal(t, 1.0, resumed.Model[hostengine.ScaleLeaf].ScalarValue())
}

func TestRequiredCheckpointMissingFails(t *testing.T) {
	cfg := testConfig(t, 3)
	required := true
	cfg.LoadCheckpoint = &required
	f := newFixture(t, cfg)
	_, err := f.trainer.InitialState(prng.NewKey(1), nil, f.modelInit(), f.mask)
	require.Error(t, err)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestLoadCheckpointFalseSkipsExistingCheckpoint(t *testing.T) {
	cfg := testConfig(t, 3)
	f := newFixture(t, cfg)
	state := f.initialState(t)
	state.Step = 2
	dir := filepath.Join(cfg.Checkpointer.ExpandedPath(cfg.ID), checkpoint.StepDir(2))
	require.NoError(t, checkpoint.Save(state.ToSaved(), dir))

	skip := false
	cfg.LoadCheckpoint = &skip
	f2 := newFixture(t, cfg)
	fresh, err := f2.trainer.InitialState(prng.NewKey(1), nil, f2.modelInit(), f2.mask)
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.Step)
}

func TestInitializeFromModelCheckpoint(t *testing.T) {
	cfg := testConfig(t, 3)
	f := newFixture(t, cfg)

	pretrained, err := f.objective.InitModel([]float64{2, -1})
	require.NoError(t, err)
	initFrom := filepath.Join(t.TempDir(), "pretrained", checkpoint.StepDir(100))
	require.NoError(t, checkpoint.Save(&checkpoint.Saved{
		Step:  100,
		Model: tensor.Tree{hostengine.WeightLeaf: pretrained[hostengine.WeightLeaf]},
	}, initFrom))

	cfg.InitializeFrom = initFrom
	f2 := newFixture(t, cfg)
	state, err := f2.trainer.InitialState(prng.NewKey(1), nil, f2.modelInit(), f2.mask)
	require.NoError(t, err)
	// Model leaves come from the checkpoint; training restarts at step 0
	// with fresh optimizer state.
	assert.Equal(t, 0, state.Step)
	assert.Equal(t, []float64{2, -1}, state.Model[hostengine.WeightLeaf].Data)
	assert.Equal(t, 0.0, state.OptState["mu/"+hostengine.WeightLeaf].Data[0])
}

func TestInitializeFromShapeMismatchFails(t *testing.T) {
	cfg := testConfig(t, 3)
	wrong := tensor.Zeros(tensor.Axis{Name: "feature", Size: 5})
	initFrom := filepath.Join(t.TempDir(), "bad", checkpoint.StepDir(0))
	require.NoError(t, checkpoint.Save(&checkpoint.Saved{
		Model: tensor.Tree{hostengine.WeightLeaf: wrong},
	}, initFrom))

	cfg.InitializeFrom = initFrom
	f := newFixture(t, cfg)
	_, err := f.trainer.InitialState(prng.NewKey(1), nil, f.modelInit(), f.mask)
	require.Error(t, err)
	assert.ErrorIs(t, err, checkpoint.ErrShapeMismatch)
}

func TestEvalHook(t *testing.T) {
	cfg := testConfig(t, 10)
	cfg.StepsPerEval = 5
	cfg.PerDeviceEvalParallelism = 2
	cfg.MaxEvalBatches = 2
	f := newFixture(t, cfg)
	require.NoError(t, f.trainer.AddEvalHook(f.dataset, "holdout"))

	state := f.initialState(t)
	_, err := f.trainer.Train(state, f.loader(t))
	require.NoError(t, err)
}

func TestEvalHookDisabledWhenMaxBatchesZero(t *testing.T) {
	cfg := testConfig(t, 5)
	cfg.MaxEvalBatches = 0
	f := newFixture(t, cfg)
	// Registration is a no-op with evaluation disabled; training proceeds.
	require.NoError(t, f.trainer.AddEvalHook(f.dataset, "holdout"))
	state := f.initialState(t)
	_, err := f.trainer.Train(state, f.loader(t))
	require.NoError(t, err)
}
