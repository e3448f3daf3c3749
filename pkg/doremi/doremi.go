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

// Package doremi estimates data mixture weights with the DoReMi algorithm
// (https://arxiv.org/abs/2305.10429): a small proxy model is trained on a
// domain-reweighted excess loss against a frozen reference model, and the
// evolving domain weights are averaged into the final mixture.
package doremi

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/samber/lo"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"

	"github.com/meridian-ml/meridian/pkg/data"
	"github.com/meridian-ml/meridian/pkg/engine"
	"github.com/meridian-ml/meridian/pkg/optim"
	"github.com/meridian-ml/meridian/pkg/prng"
	"github.com/meridian-ml/meridian/pkg/tensor"
	"github.com/meridian-ml/meridian/pkg/trainer"
)

// Config holds the DoReMi hyperparameters.
type Config struct {
	// DomainWeightStep is the multiplicative-update step size (eta).
	DomainWeightStep float64 `yaml:"domain_weight_step"`
	// Smoothing pulls the weights back toward the initial distribution
	// after every update, flooring how far any domain can collapse.
	Smoothing float64 `yaml:"smoothing"`
	// EpsAlpha guards the per-domain weights away from exact zero.
	EpsAlpha float64 `yaml:"eps_alpha"`
}

// DefaultConfig mirrors the hyperparameters of the published algorithm.
func DefaultConfig() Config {
	return Config{DomainWeightStep: 1.0, Smoothing: 1e-3, EpsAlpha: 1e-6}
}

// State carries the domain weights alongside the trainer state. Alpha is
// the live weight vector, AverageAlpha its running mean over all completed
// steps; both are indexed by domain and always sum to 1.
type State struct {
	Alpha        []float64
	AverageAlpha []float64
}

// NewState starts both vectors at the initial distribution.
func NewState(initial []float64) *State {
	return &State{Alpha: append([]float64(nil), initial...), AverageAlpha: append([]float64(nil), initial...)}
}

// UpdateAlpha installs alpha and folds it into the running mean, where step
// is the step that just completed (0-based).
func (s *State) UpdateAlpha(alpha []float64, step int) {
	copy(s.Alpha, alpha)
	for i := range s.AverageAlpha {
		s.AverageAlpha[i] += (alpha[i] - s.AverageAlpha[i]) / float64(step+1)
	}
}

// EstimateMixtureWeights runs the DoReMi loop: per step it samples a
// domain-tagged batch, computes the clipped per-example excess loss of the
// proxy over the frozen reference model, multiplicatively reweights the
// domains by their excess, and takes one optimizer step on the proxy
// against the alpha-weighted unclipped excess. It reuses the trainer's
// hooks, checkpointing and run setup, and returns the running mean of alpha
// keyed by domain name.
//
// The excess loss is proxy minus the frozen reference model, per the
// published algorithm.
func EstimateMixtureWeights(
	t *trainer.Trainer,
	objective engine.PerExampleObjective,
	initialProxy tensor.Tree,
	ref tensor.Tree,
	dataSources map[string]data.ShardableDataset,
	refWeights map[string]float64,
	cfg Config,
	key prng.Key,
) (map[string]float64, error) {
	if cfg.DomainWeightStep <= 0 {
		return nil, fmt.Errorf("domain_weight_step must be positive, got %v", cfg.DomainWeightStep)
	}
	if cfg.Smoothing < 0 || cfg.Smoothing > 1 {
		return nil, fmt.Errorf("smoothing must be in [0, 1], got %v", cfg.Smoothing)
	}
	if len(dataSources) == 0 {
		return nil, fmt.Errorf("at least one data source is required")
	}

	trainingKey, dataKey := key.Split()
	domains := lo.Keys(dataSources)
	sort.Strings(domains)
	domainToIndex := lo.SliceToMap(domains, func(d string) (string, int) {
		return d, lo.IndexOf(domains, d)
	})

	initialAlpha := uniform(len(domains))
	doremiState := NewState(initialAlpha)

	mixture, err := data.DomainTaggedMixture(dataSources, refWeights, domainToIndex, dataKey)
	if err != nil {
		return nil, fmt.Errorf("building domain-tagged mixture: %w", err)
	}

	state, err := t.InitialState(trainingKey, initialProxy, nil, nil)
	if err != nil {
		return nil, err
	}
	// The mixture is sharded by hand rather than through ShardedLoader so
	// the estimator keeps a handle for swapping sampling weights each step.
	rt := t.Runtime()
	shard, err := mixture.Shard(rt.ProcessIndex(), rt.ProcessCount())
	if err != nil {
		return nil, fmt.Errorf("sharding mixture for process %d/%d: %w", rt.ProcessIndex(), rt.ProcessCount(), err)
	}
	mixShard := shard.(*data.MixtureDataset)
	trainerCfg := t.Config()
	loader := data.NewReplicatedBatchLoader(mixShard, trainerCfg.TrainBatchAxis(), t.ComputeAxisMapping())
	batches := loader.Batches()
	if state.Step > 0 {
		klog.Infof("resuming mixture estimation at step %d, seeking data loader", state.Step)
		if err := data.Skip(batches, state.Step); err != nil {
			return nil, fmt.Errorf("seeking to resume step %d: %w", state.Step, err)
		}
	}

	for state.Step < t.Config().NumTrainSteps {
		start := time.Now()
		batch, err := batches.Next()
		if err != nil {
			return nil, fmt.Errorf("fetching batch for step %d: %w", state.Step, err)
		}

		loss, newState, alpha, err := doremiStep(t, objective, cfg, state, batch, ref, doremiState.Alpha, initialAlpha)
		if err != nil {
			return nil, fmt.Errorf("mixture step %d: %w", state.Step, err)
		}
		state = newState
		doremiState.UpdateAlpha(alpha, state.Step-1)
		// The next batch is sampled under the new alpha.
		sampling := lo.SliceToMap(domains, func(d string) (string, float64) {
			return d, doremiState.Alpha[domainToIndex[d]]
		})
		if err := mixShard.SetWeights(sampling); err != nil {
			return nil, fmt.Errorf("updating mixture weights at step %d: %w", state.Step-1, err)
		}

		info := trainer.StepInfo{State: state, Loss: loss, StepDuration: time.Since(start)}
		logAlpha(t, domains, doremiState, info.Step())
		if err := t.RunHooks(info, false); err != nil {
			return nil, err
		}
	}

	result := make(map[string]float64, len(domains))
	for i, d := range domains {
		result[d] = doremiState.AverageAlpha[i]
	}
	klog.Infof("estimated mixture weights: %v", result)
	return result, nil
}

// doremiStep performs the interleaved update: new alpha from the clipped
// per-domain excess, then one proxy-model optimizer step against the
// alpha-weighted unclipped excess.
func doremiStep(
	t *trainer.Trainer,
	objective engine.PerExampleObjective,
	cfg Config,
	state *trainer.TrainerState,
	batch tensor.Tree,
	ref tensor.Tree,
	alpha, initialAlpha []float64,
) (float64, *trainer.TrainerState, []float64, error) {
	_, carryKey := state.TrainingKey.Split()

	domainIdx, err := domainIndices(batch, len(alpha))
	if err != nil {
		return 0, nil, nil, err
	}

	proxyLosses, err := objective.PerExampleLoss(state.Model, batch)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("proxy losses: %w", err)
	}
	refLosses, err := objective.PerExampleLoss(ref, batch)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("reference losses: %w", err)
	}
	if len(proxyLosses.Data) != len(refLosses.Data) || len(proxyLosses.Data) != len(domainIdx) {
		return 0, nil, nil, fmt.Errorf("per-example shapes disagree: proxy %d, ref %d, domains %d",
			len(proxyLosses.Data), len(refLosses.Data), len(domainIdx))
	}

	excess := make([]float64, len(proxyLosses.Data))
	floats.SubTo(excess, proxyLosses.Data, refLosses.Data)

	// Per-domain totals of the clipped excess via the one-hot domain
	// contraction.
	perDomain := make([]float64, len(alpha))
	for i, e := range excess {
		perDomain[domainIdx[i]] += math.Max(e, 0)
	}

	newAlpha := updateAlpha(alpha, perDomain, initialAlpha, cfg)

	// The proxy objective is sum_i alpha[domain_i] * excess_i with the new
	// alpha; its cotangent with respect to the per-example losses is just
	// the per-example alpha.
	cotangent := proxyLosses.ZerosLike()
	loss := 0.0
	for i := range excess {
		cotangent.Data[i] = newAlpha[domainIdx[i]]
		loss += newAlpha[domainIdx[i]] * excess[i]
	}

	trainable, frozen := tensor.Partition(state.Model, state.IsTrainable)
	grads, err := objective.PerExampleVJP(trainable, frozen, batch, cotangent)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("proxy gradient: %w", err)
	}

	updates, optState, err := t.Optimizer().Update(grads, state.OptState, trainable)
	if err != nil {
		return 0, nil, nil, err
	}
	newTrainable, err := optim.ApplyUpdates(trainable, updates)
	if err != nil {
		return 0, nil, nil, err
	}

	newState := &trainer.TrainerState{
		Step:        state.Step + 1,
		Model:       tensor.Combine(newTrainable, frozen),
		OptState:    optState,
		TrainingKey: carryKey,
		IsTrainable: state.IsTrainable,
	}
	tensor.ShardTree(newState.Model, t.ParameterAxisMapping())
	tensor.ShardTree(newState.OptState, t.ParameterAxisMapping())
	return loss, newState, newAlpha, nil
}

// updateAlpha applies the multiplicative weights step: exponentiate by the
// per-domain excess, renormalize, then smooth toward the initial
// distribution. The result always sums to 1.
func updateAlpha(alpha, perDomainLoss, initialAlpha []float64, cfg Config) []float64 {
	out := make([]float64, len(alpha))
	for i := range alpha {
		out[i] = alpha[i] * math.Exp(cfg.DomainWeightStep*perDomainLoss[i])
	}
	floats.Scale(1/floats.Sum(out), out)
	for i := range out {
		out[i] = (1-cfg.Smoothing)*out[i] + cfg.Smoothing*initialAlpha[i]
		if out[i] < cfg.EpsAlpha {
			out[i] = cfg.EpsAlpha
		}
	}
	floats.Scale(1/floats.Sum(out), out)
	return out
}

// domainIndices extracts the per-example domain vector from the batch.
func domainIndices(batch tensor.Tree, numDomains int) ([]int, error) {
	leaf, ok := batch[data.DomainLeaf]
	if !ok {
		return nil, fmt.Errorf("batch carries no %q leaf; use a domain-tagged mixture", data.DomainLeaf)
	}
	out := make([]int, len(leaf.Data))
	for i, v := range leaf.Data {
		idx := int(v)
		if idx < 0 || idx >= numDomains {
			return nil, fmt.Errorf("example %d has domain index %d, want [0, %d)", i, idx, numDomains)
		}
		out[i] = idx
	}
	return out, nil
}

func logAlpha(t *trainer.Trainer, domains []string, s *State, step int) {
	metrics := make(map[string]float64, 2*len(domains))
	for i, d := range domains {
		metrics[fmt.Sprintf("mixture/alpha/%s", d)] = s.Alpha[i]
		metrics[fmt.Sprintf("mixture/average_alpha/%s", d)] = s.AverageAlpha[i]
	}
	t.Tracker().LogMetrics(metrics, step)
}

func uniform(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1 / float64(n)
	}
	return out
}
