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

package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"

	"github.com/meridian-ml/meridian/pkg/data"
	"github.com/meridian-ml/meridian/pkg/distributed"
	"github.com/meridian-ml/meridian/pkg/engine/hostengine"
	"github.com/meridian-ml/meridian/pkg/model"
	"github.com/meridian-ml/meridian/pkg/optim"
	"github.com/meridian-ml/meridian/pkg/prng"
	"github.com/meridian-ml/meridian/pkg/tensor"
	"github.com/meridian-ml/meridian/pkg/tracker"
	"github.com/meridian-ml/meridian/pkg/trainer"
	"github.com/meridian-ml/meridian/pkg/version"
)

var exitWithErrorFunc = func() {
	klog.Flush()
	os.Exit(1)
}

func init() {
	klog.InitFlags(nil)
}

// appConfig is the top-level YAML configuration of the training binary.
type appConfig struct {
	Trainer   trainer.Config    `yaml:"trainer"`
	Optimizer optim.AdamWConfig `yaml:"optimizer"`
	Dataset   datasetConfig     `yaml:"dataset"`
}

// datasetConfig describes the synthetic regression dataset the reference
// objective trains on.
type datasetConfig struct {
	NumExamples int     `yaml:"num_examples"`
	NumFeatures int     `yaml:"num_features"`
	NoiseStddev float64 `yaml:"noise_stddev"`
}

func defaultAppConfig() appConfig {
	cfg := appConfig{
		Trainer:   trainer.DefaultConfig(),
		Optimizer: optim.DefaultAdamWConfig(),
		Dataset:   datasetConfig{NumExamples: 4096, NumFeatures: 16, NoiseStddev: 0.01},
	}
	cfg.Trainer.TrainBatchSize = 64
	cfg.Trainer.PerDeviceParallelism = -1
	cfg.Trainer.NumTrainSteps = 1000
	cfg.Trainer.StepsPerEval = 100
	cfg.Trainer.Checkpointer.EverySteps = 200
	return cfg
}

func loadConfig(path string) (appConfig, error) {
	cfg := defaultAppConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func main() {
	var configPath string
	var metricsAddr string
	var numDevices int
	var printVersionAndExit bool
	flag.StringVar(&configPath, "config", "", "Path to the YAML training configuration.")
	flag.StringVar(&metricsAddr, "metrics-bind-address", ":8080", "The address the metric endpoint binds to.")
	flag.IntVar(&numDevices, "num-devices", 1, "Number of local devices to claim when not running under a scheduler.")
	flag.BoolVar(&printVersionAndExit, "version", false, "Print version and exit.")
	flag.Parse()

	if printVersionAndExit {
		fmt.Println(version.VersionInfo())
		os.Exit(0)
	}
	klog.Info("version ", version.VersionInfo())

	cfg, err := loadConfig(configPath)
	if err != nil {
		klog.ErrorS(err, "unable to load configuration")
		exitWithErrorFunc()
	}

	rt := hostengine.NewLocalRuntime(numDevices)
	if err := cfg.Trainer.Distributed.Initialize(rt); err != nil {
		klog.ErrorS(err, "unable to initialize the distributed runtime")
		exitWithErrorFunc()
	}
	if err := cfg.Trainer.Ray.Initialize(rt); err != nil {
		klog.ErrorS(err, "unable to bring up the actor cluster")
		exitWithErrorFunc()
	}
	defer distributed.Shutdown()

	registry := prometheus.NewRegistry()
	promTracker, err := tracker.NewPrometheusTracker(registry)
	if err != nil {
		klog.ErrorS(err, "unable to register training metrics")
		exitWithErrorFunc()
	}
	trk := tracker.CompositeTracker{Trackers: []tracker.Tracker{tracker.LogTracker{Verbosity: 2}, promTracker}}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			klog.ErrorS(err, "metrics endpoint failed", "addr", metricsAddr)
		}
	}()

	if err := run(cfg, rt, trk); err != nil {
		klog.ErrorS(err, "training failed")
		exitWithErrorFunc()
	}
}

func run(cfg appConfig, rt *hostengine.LocalRuntime, trk tracker.Tracker) error {
	objective := hostengine.NewLeastSquares(cfg.Trainer.BatchAxis, tensor.Axis{Name: "feature", Size: cfg.Dataset.NumFeatures})
	optimizer := optim.NewAdamW(cfg.Optimizer)

	t, err := trainer.New(cfg.Trainer, optimizer, objective, rt, trk)
	if err != nil {
		return err
	}

	key := prng.NewKey(uint64(cfg.Trainer.Seed))
	dataKey, modelKey := key.Split()

	train, eval, err := buildDatasets(cfg.Dataset, objective, dataKey)
	if err != nil {
		return err
	}
	if err := t.AddEvalHook(eval, "holdout"); err != nil {
		return err
	}

	model.DefaultRegistry.Register(&hostengine.LinearArch{FeatureAxis: objective.FeatureAxis, InitStddev: 0.01})
	arch := model.DefaultRegistry.MustGet("linear")
	trainingKey, _ := key.Fold(1).Split()
	state, err := t.InitialState(trainingKey, nil,
		func() (tensor.Tree, error) { return arch.InitParams(modelKey) },
		arch.DefaultMask())
	if err != nil {
		return err
	}

	loader, err := t.ShardedLoader(train)
	if err != nil {
		return err
	}
	last, err := t.Train(state, loader)
	if err != nil {
		return err
	}
	trk.LogSummary(map[string]float64{"final/loss": last.Loss, "final/step": float64(last.Step())})
	return nil
}

// buildDatasets synthesizes a linear regression problem: a hidden weight
// vector, Gaussian features and lightly noised targets, split into a
// training set and a small holdout.
func buildDatasets(cfg datasetConfig, objective *hostengine.LeastSquares, key prng.Key) (data.ShardableDataset, data.Dataset, error) {
	if cfg.NumExamples <= 0 || cfg.NumFeatures <= 0 {
		return nil, nil, fmt.Errorf("dataset needs positive num_examples and num_features, got %d and %d", cfg.NumExamples, cfg.NumFeatures)
	}
	r := key.Rand()
	hidden := make([]float64, cfg.NumFeatures)
	for i := range hidden {
		hidden[i] = r.NormFloat64()
	}
	featureAxis := objective.FeatureAxis
	examples := make([]tensor.Tree, 0, cfg.NumExamples)
	for i := 0; i < cfg.NumExamples; i++ {
		x := make([]float64, cfg.NumFeatures)
		y := 0.0
		for j := range x {
			x[j] = r.NormFloat64()
			y += x[j] * hidden[j]
		}
		y += cfg.NoiseStddev * r.NormFloat64()
		xt, err := tensor.New(x, featureAxis)
		if err != nil {
			return nil, nil, err
		}
		examples = append(examples, tensor.Tree{
			hostengine.XLeaf: xt,
			hostengine.YLeaf: tensor.Scalar(y),
		})
	}
	holdout := cfg.NumExamples / 10
	if holdout == 0 {
		holdout = 1
	}
	train := &data.SliceDataset{Examples: examples[:cfg.NumExamples-holdout], Loop: true}
	eval := &data.SliceDataset{Examples: examples[cfg.NumExamples-holdout:]}
	return train, eval, nil
}
