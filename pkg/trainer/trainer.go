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

// Package trainer owns the training-step state machine: state
// initialization and resumption, the per-step gradient/update pipeline
// with microbatched accumulation, the production loop, and the hook
// extension surface.
package trainer

import (
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/meridian-ml/meridian/pkg/checkpoint"
	"github.com/meridian-ml/meridian/pkg/data"
	"github.com/meridian-ml/meridian/pkg/engine"
	"github.com/meridian-ml/meridian/pkg/optim"
	"github.com/meridian-ml/meridian/pkg/prng"
	"github.com/meridian-ml/meridian/pkg/tensor"
	"github.com/meridian-ml/meridian/pkg/tracker"
	"github.com/meridian-ml/meridian/pkg/utils/consts"
)

// stepFn is the compiled train-step closure: pure apart from accelerator
// work, so the underlying engine may cache and replay its trace.
type stepFn func(state *TrainerState, batch tensor.Tree) (float64, *TrainerState, error)

// Trainer is the single source of truth for taking one optimization step
// and for initializing or resuming training state. Extension happens
// through hooks; the device mesh and both axis mappings are fixed at
// construction and read-only afterwards.
type Trainer struct {
	cfg       Config
	optimizer optim.Optimizer
	objective engine.Objective
	runtime   engine.Runtime
	tracker   tracker.Tracker
	hooks     Hooks

	mesh           tensor.Mesh
	paramMapping   tensor.AxisMapping
	computeMapping tensor.AxisMapping
	runID          string
	clock          clock.PassiveClock

	step stepFn
}

// Option customizes trainer construction.
type Option func(*options)

type options struct {
	defaultHooks bool
	clock        clock.PassiveClock
}

// WithoutDefaultHooks skips registration of the progress, step-info and
// checkpoint hooks.
func WithoutDefaultHooks() Option {
	return func(o *options) { o.defaultHooks = false }
}

// WithClock injects a clock for tests.
func WithClock(clk clock.PassiveClock) Option {
	return func(o *options) { o.clock = clk }
}

// New builds a trainer. The config must refer to an already-initialized
// runtime; geometry errors (batch divisibility, mesh shape) surface here,
// before any training state exists.
func New(cfg Config, optimizer optim.Optimizer, objective engine.Objective, rt engine.Runtime, trk tracker.Tracker, opts ...Option) (*Trainer, error) {
	o := options{defaultHooks: true, clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	if trk == nil {
		trk = tracker.NoopTracker{}
	}

	if err := cfg.Finalize(rt); err != nil {
		return nil, err
	}
	mesh, err := cfg.Mesh(rt)
	if err != nil {
		return nil, err
	}
	runID, err := cfg.ResolveRunID(rt)
	if err != nil {
		return nil, err
	}

	t := &Trainer{
		cfg:            cfg,
		optimizer:      optimizer,
		objective:      objective,
		runtime:        rt,
		tracker:        trk,
		mesh:           mesh,
		paramMapping:   cfg.ParameterAxisMapping(),
		computeMapping: cfg.ComputeAxisMapping(),
		runID:          runID,
		clock:          o.clock,
	}

	if _, err := planMicrobatches(cfg.TrainBatchAxis(), cfg.PerDeviceParallelism, t.computeMapping, mesh); err != nil {
		return nil, err
	}
	t.step = t.buildTrainStep()

	if o.defaultHooks {
		if err := t.addDefaultHooks(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// RunID returns the resolved run identifier.
func (t *Trainer) RunID() string { return t.runID }

// Mesh returns the device mesh.
func (t *Trainer) Mesh() tensor.Mesh { return t.mesh }

// ParameterAxisMapping returns the parameter/optimizer sharding mapping.
func (t *Trainer) ParameterAxisMapping() tensor.AxisMapping { return t.paramMapping }

// ComputeAxisMapping returns the activation sharding mapping.
func (t *Trainer) ComputeAxisMapping() tensor.AxisMapping { return t.computeMapping }

// Config returns the finalized configuration.
func (t *Trainer) Config() Config { return t.cfg }

// Optimizer returns the trainer's optimizer.
func (t *Trainer) Optimizer() optim.Optimizer { return t.optimizer }

// Runtime returns the distributed runtime the trainer was built against.
func (t *Trainer) Runtime() engine.Runtime { return t.runtime }

// Tracker returns the injected metrics tracker.
func (t *Trainer) Tracker() tracker.Tracker { return t.tracker }

// ShardedLoader builds the per-process training loader for dataset: each
// process assembles its disjoint slice of the global batch.
func (t *Trainer) ShardedLoader(dataset data.ShardableDataset) (data.BatchLoader, error) {
	return data.NewShardedBatchLoader(dataset, t.runtime.ProcessIndex(), t.runtime.ProcessCount(), t.cfg.TrainBatchAxis(), t.computeMapping)
}

// AddHook registers fn to run every `every` completed steps, after the
// already-registered hooks.
func (t *Trainer) AddHook(fn Callback, every int) error {
	return t.hooks.Add(fn, every)
}

// RunHooks fires the registered hooks for info in registration order.
func (t *Trainer) RunHooks(info StepInfo, force bool) error {
	return t.hooks.Run(info, force)
}

func (t *Trainer) addDefaultHooks() error {
	if err := t.hooks.Add(ProgressLogger(t.cfg.NumTrainSteps), 1); err != nil {
		return err
	}
	if err := t.hooks.Add(LogStepInfo(t.tracker), 1); err != nil {
		return err
	}
	// The checkpointer manages its own cadence; the hook fires every step.
	cp := checkpoint.NewCheckpointerWithClock(t.cfg.Checkpointer, t.runID, t.clock)
	return t.hooks.Add(CheckpointHook(cp), 1)
}

// InitialState produces the starting TrainerState. Exactly one of model
// and modelInit must be given. Resolution is a three-stage pipeline, each
// stage returning a fully-determined state: try a full trainer-state
// checkpoint; else try an initialize-from model checkpoint merged with
// fresh initialization; else fresh initialization alone. Loaded leaves win
// on overlap; everything runs under the parameter axis mapping so tensors
// land pre-sharded.
func (t *Trainer) InitialState(trainingKey prng.Key, model tensor.Tree, modelInit func() (tensor.Tree, error), isTrainable tensor.Mask) (*TrainerState, error) {
	if (model == nil) == (modelInit == nil) {
		return nil, fmt.Errorf("exactly one of model and modelInit must be specified")
	}
	if model != nil {
		concrete := model
		modelInit = func() (tensor.Tree, error) { return concrete, nil }
	}

	fresh, err := t.initializeFromScratch(trainingKey, modelInit, isTrainable)
	if err != nil {
		return nil, err
	}

	loadPath := t.cfg.LoadCheckpointPath
	if loadPath == "" {
		loadPath = t.cfg.Checkpointer.ExpandedPath(t.runID)
	}
	required := t.cfg.LoadCheckpoint != nil && *t.cfg.LoadCheckpoint
	skipLoad := t.cfg.LoadCheckpoint != nil && !*t.cfg.LoadCheckpoint

	if !skipLoad {
		// Checkpoints persist only the trainable partition, so the load
		// template is the fresh trainable subset.
		saved, err := checkpoint.Load(loadPath, fresh.Trainable(), fresh.OptState)
		if err == nil {
			state := &TrainerState{
				Step:        saved.Step,
				Model:       tensor.Merge(fresh.Model, saved.Model),
				OptState:    saved.OptState,
				TrainingKey: saved.TrainingKey,
				IsTrainable: isTrainable,
			}
			return t.shardState(state), nil
		}
		if !errors.Is(err, checkpoint.ErrNotFound) {
			return nil, err
		}
		if required {
			return nil, fmt.Errorf("checkpoint required but none found at %s: %w", loadPath, err)
		}
	}

	if t.cfg.InitializeFrom != "" {
		loaded, err := checkpoint.LoadModel(t.cfg.InitializeFrom)
		if err != nil {
			return nil, fmt.Errorf("loading initialize_from checkpoint %s: %w", t.cfg.InitializeFrom, err)
		}
		for name, leaf := range loaded {
			template, ok := fresh.Model[name]
			if !ok {
				return nil, fmt.Errorf("initialize_from leaf %q not present in model: %w", name, checkpoint.ErrShapeMismatch)
			}
			if err := tensor.SameStructure(tensor.Tree{name: template}, tensor.Tree{name: leaf}); err != nil {
				return nil, fmt.Errorf("initialize_from: %v: %w", err, checkpoint.ErrShapeMismatch)
			}
		}
		merged := tensor.Merge(fresh.Model, loaded)
		trainable, _ := tensor.Partition(merged, isTrainable)
		optState, err := t.optimizer.Init(trainable)
		if err != nil {
			return nil, err
		}
		state := &TrainerState{
			Step:        0,
			Model:       merged,
			OptState:    optState,
			TrainingKey: trainingKey,
			IsTrainable: isTrainable,
		}
		return t.shardState(state), nil
	}

	return fresh, nil
}

func (t *Trainer) initializeFromScratch(trainingKey prng.Key, modelInit func() (tensor.Tree, error), isTrainable tensor.Mask) (*TrainerState, error) {
	model, err := modelInit()
	if err != nil {
		return nil, fmt.Errorf("initializing model: %w", err)
	}
	for name := range isTrainable {
		if _, ok := model[name]; !ok {
			return nil, fmt.Errorf("is_trainable names unknown model leaf %q", name)
		}
	}
	trainable, frozen := tensor.Partition(model, isTrainable)
	// Trainable params live in param precision; frozen ones only ever feed
	// compute, so they are held in compute precision.
	trainable = t.cfg.MP.CastToParam(trainable)
	frozen = t.cfg.MP.CastToCompute(frozen)
	model = tensor.Combine(trainable, frozen)

	optState, err := t.optimizer.Init(trainable)
	if err != nil {
		return nil, fmt.Errorf("initializing optimizer state: %w", err)
	}
	state := &TrainerState{
		Step:        0,
		Model:       model,
		OptState:    optState,
		TrainingKey: trainingKey,
		IsTrainable: isTrainable,
	}
	return t.shardState(state), nil
}

func (t *Trainer) shardState(state *TrainerState) *TrainerState {
	tensor.ShardTree(state.Model, t.paramMapping)
	tensor.ShardTree(state.OptState, t.paramMapping)
	return state
}

// TrainStep performs a single training step. The loss is forced to a
// concrete host value before the duration is taken, so timings include the
// accelerator work.
func (t *Trainer) TrainStep(state *TrainerState, batch tensor.Tree) (StepInfo, error) {
	start := time.Now()
	loss, newState, err := t.step(state, batch)
	if err != nil {
		return StepInfo{}, err
	}
	return StepInfo{State: newState, Loss: loss, StepDuration: time.Since(start)}, nil
}

// buildTrainStep constructs the step closure with both axis mappings bound
// at construction time. The closure is side-effect-free apart from the
// tensor computation: no logging, no I/O.
func (t *Trainer) buildTrainStep() stepFn {
	batchAxis := t.cfg.TrainBatchAxis()
	return func(state *TrainerState, batch tensor.Tree) (float64, *TrainerState, error) {
		stepKey, carryKey := state.TrainingKey.Split()

		trainable, frozen := tensor.Partition(state.Model, state.IsTrainable)
		frozen = t.cfg.MP.CastToCompute(frozen)

		lossGrad := func(micro tensor.Tree, key *prng.Key) (tensor.Tree, error) {
			var k prng.Key
			if key != nil {
				k = *key
			}
			loss, grads, err := t.objective.LossAndGrad(trainable, frozen, micro, k)
			if err != nil {
				return nil, err
			}
			return packStepResult(loss, grads), nil
		}
		accumulate, err := Microbatched(lossGrad, batchAxis, t.cfg.PerDeviceParallelism, t.paramMapping, t.computeMapping, t.mesh, ReduceMean)
		if err != nil {
			return 0, nil, err
		}
		result, err := accumulate(batch, &stepKey)
		if err != nil {
			return 0, nil, err
		}
		loss, grads, err := unpackStepResult(result)
		if err != nil {
			return 0, nil, err
		}

		updates, optState, err := t.optimizer.Update(grads, state.OptState, trainable)
		if err != nil {
			return 0, nil, err
		}
		if secondOrder, ok := t.optimizer.(optim.SecondOrder); ok {
			objective := func(params tensor.Tree) (float64, tensor.Tree, error) {
				return t.objective.LossAndGrad(params, frozen, batch, stepKey)
			}
			optState, err = secondOrder.UpdateHessian(optState, objective, trainable)
			if err != nil {
				return 0, nil, err
			}
		}
		newTrainable, err := optim.ApplyUpdates(trainable, updates)
		if err != nil {
			return 0, nil, err
		}

		newState := &TrainerState{
			Step:        state.Step + 1,
			Model:       tensor.Combine(newTrainable, frozen),
			OptState:    optState,
			TrainingKey: carryKey,
			IsTrainable: state.IsTrainable,
		}
		return loss, t.shardState(newState), nil
	}
}

func packStepResult(loss float64, grads tensor.Tree) tensor.Tree {
	out := make(tensor.Tree, len(grads)+1)
	out[consts.LossLeaf] = tensor.Scalar(loss)
	for name, g := range grads {
		out[consts.GradPrefix+name] = g
	}
	return out
}

func unpackStepResult(result tensor.Tree) (float64, tensor.Tree, error) {
	lossLeaf, ok := result[consts.LossLeaf]
	if !ok {
		return 0, nil, fmt.Errorf("step result is missing leaf %q", consts.LossLeaf)
	}
	grads := make(tensor.Tree, len(result)-1)
	for name, leaf := range result {
		if name == consts.LossLeaf {
			continue
		}
		grads[strings.TrimPrefix(name, consts.GradPrefix)] = leaf
	}
	return lossLeaf.ScalarValue(), grads, nil
}

// TrainingSteps drives the production loop: pull a batch (which may block
// on loader I/O), take a step, run due hooks, yield the StepInfo. Steps
// are strictly sequential; this loop is the single authority on step
// ordering. The sequence ends at num_train_steps or on the first error.
func (t *Trainer) TrainingSteps(state *TrainerState, loader data.BatchLoader, runHooks bool) iter.Seq2[StepInfo, error] {
	return func(yield func(StepInfo, error) bool) {
		pop := tracker.DefaultScope().Push(t.tracker)
		defer pop()

		batches := loader.Batches()
		for state.Step < t.cfg.NumTrainSteps {
			loadStart := time.Now()
			batch, err := batches.Next()
			if err != nil {
				yield(StepInfo{}, fmt.Errorf("fetching batch for step %d: %w", state.Step, err))
				return
			}
			t.tracker.LogMetrics(map[string]float64{"throughput/loading_time": time.Since(loadStart).Seconds()}, state.Step)

			info, err := t.TrainStep(state, batch)
			if err != nil {
				yield(StepInfo{}, fmt.Errorf("train step %d: %w", state.Step, err))
				return
			}
			state = info.State

			if runHooks {
				hookStart := time.Now()
				if err := t.RunHooks(info, false); err != nil {
					yield(info, err)
					return
				}
				t.tracker.LogMetrics(map[string]float64{"throughput/hook_time": time.Since(hookStart).Seconds()}, state.Step)
			}

			if !yield(info, nil) {
				return
			}
		}
	}
}

// Train drains the training loop and finally force-runs all hooks once, so
// periodic hooks that never came due still observe the final state. It
// returns the last StepInfo.
func (t *Trainer) Train(state *TrainerState, loader data.BatchLoader) (StepInfo, error) {
	var last StepInfo
	for info, err := range t.TrainingSteps(state, loader, true) {
		if err != nil {
			return StepInfo{}, err
		}
		last = info
	}
	if last.State == nil {
		return StepInfo{}, fmt.Errorf("no training steps ran: state already at step %d of %d", state.Step, t.cfg.NumTrainSteps)
	}
	if err := t.RunHooks(last, true); err != nil {
		return last, err
	}
	klog.Infof("training complete at step %d, final loss %.6f", last.Step(), last.Loss)
	return last, nil
}
