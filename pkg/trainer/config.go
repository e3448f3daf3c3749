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
	"fmt"
	"os"

	"k8s.io/klog/v2"

	"github.com/meridian-ml/meridian/pkg/checkpoint"
	"github.com/meridian-ml/meridian/pkg/distributed"
	"github.com/meridian-ml/meridian/pkg/engine"
	"github.com/meridian-ml/meridian/pkg/prng"
	"github.com/meridian-ml/meridian/pkg/tensor"
	"github.com/meridian-ml/meridian/pkg/utils/consts"
)

// Config is the trainer configuration. It arrives already typed from the
// YAML surface; Finalize validates it and resolves deferred defaults
// against the live device topology.
type Config struct {
	Seed int64  `yaml:"seed"`
	ID   string `yaml:"id"`

	MP tensor.Policy `yaml:"mp"`

	// Partitioning. BatchAxis shards along the data mesh axis; FSDPAxes
	// shard parameters along the data axis; TensorParallelAxes shard
	// compute along the model axis. AxisResources and
	// ParameterAxisResources are explicit logical-to-physical overrides.
	BatchAxis              string            `yaml:"batch_axis"`
	FSDPAxes               []string          `yaml:"fsdp_axes"`
	TensorParallelAxes     []string          `yaml:"tensor_parallel_axes"`
	AxisResources          map[string]string `yaml:"axis_resources"`
	ParameterAxisResources map[string]string `yaml:"parameter_axis_resources"`
	ModelAxisSize          int               `yaml:"model_axis_size"`

	TrainBatchSize           int `yaml:"train_batch_size"`
	PerDeviceParallelism     int `yaml:"per_device_parallelism"`
	PerDeviceEvalParallelism int `yaml:"per_device_eval_parallelism"`

	NumTrainSteps int `yaml:"num_train_steps"`
	StepsPerEval  int `yaml:"steps_per_eval"`
	// MaxEvalBatches bounds evaluation; -1 means all batches, 0 disables
	// evaluation entirely.
	MaxEvalBatches int `yaml:"max_eval_batches"`

	Checkpointer checkpoint.Config `yaml:"checkpointer"`
	// LoadCheckpoint: nil loads a checkpoint if one exists; true requires
	// one; false never loads.
	LoadCheckpoint *bool `yaml:"load_checkpoint"`
	// LoadCheckpointPath overrides the run's own checkpoint path. May be a
	// parent directory, in which case the latest step wins.
	LoadCheckpointPath string `yaml:"load_checkpoint_path"`
	// InitializeFrom is a model-only checkpoint merged with fresh
	// initialization when no trainer-state checkpoint exists.
	InitializeFrom string `yaml:"initialize_from"`

	Distributed distributed.Config    `yaml:"distributed"`
	Ray         distributed.RayConfig `yaml:"ray"`
}

// DefaultConfig mirrors the defaults of a large pretraining run.
func DefaultConfig() Config {
	return Config{
		MP:                       tensor.DefaultPolicy(),
		BatchAxis:                consts.BatchAxis,
		FSDPAxes:                 []string{"embed"},
		ModelAxisSize:            1,
		TrainBatchSize:           512,
		PerDeviceParallelism:     -1,
		PerDeviceEvalParallelism: -1,
		NumTrainSteps:            400000,
		StepsPerEval:             1000,
		MaxEvalBatches:           -1,
		Checkpointer:             checkpoint.DefaultConfig(),
		Distributed:              distributed.DefaultConfig(),
		Ray:                      distributed.DefaultRayConfig(),
	}
}

// TrainBatchAxis returns the named training batch axis.
func (c *Config) TrainBatchAxis() tensor.Axis {
	return tensor.Axis{Name: c.BatchAxis, Size: c.TrainBatchSize}
}

// EvalBatchAxis returns the evaluation batch axis.
func (c *Config) EvalBatchAxis(mesh tensor.Mesh) tensor.Axis {
	return tensor.Axis{Name: c.BatchAxis, Size: c.PerDeviceEvalParallelism * mesh.DataAxisSize}
}

// ComputeAxisMapping is the logical-to-physical mapping for activations:
// tensor-parallel axes on the model axis, the batch axis on the data axis.
func (c *Config) ComputeAxisMapping() tensor.AxisMapping {
	mapping := tensor.AxisMapping{}
	for k, v := range c.AxisResources {
		mapping[k] = v
	}
	if len(c.TensorParallelAxes) > 0 && len(c.AxisResources) > 0 {
		klog.Warningf("tensor parallelism axes %v override axis_resources %v", c.TensorParallelAxes, c.AxisResources)
	}
	for _, ax := range c.TensorParallelAxes {
		mapping[ax] = consts.MeshAxisModel
	}
	if c.BatchAxis != "" {
		mapping[c.BatchAxis] = consts.MeshAxisData
	}
	return mapping
}

// ParameterAxisMapping is the mapping for parameters and optimizer state:
// the compute mapping plus FSDP axes sharded along the data axis.
func (c *Config) ParameterAxisMapping() tensor.AxisMapping {
	mapping := c.ComputeAxisMapping()
	for k, v := range c.ParameterAxisResources {
		mapping[k] = v
	}
	for _, ax := range c.FSDPAxes {
		mapping[ax] = consts.MeshAxisData
	}
	return mapping
}

// Mesh shapes the runtime's devices into the (data, model) mesh.
func (c *Config) Mesh(rt engine.Runtime) (tensor.Mesh, error) {
	return tensor.NewMesh(rt.DeviceCount(), c.ModelAxisSize)
}

// Finalize validates the configuration against the device topology and
// resolves -1 defaults. It must run after distributed initialization.
func (c *Config) Finalize(rt engine.Runtime) error {
	mesh, err := c.Mesh(rt)
	if err != nil {
		return err
	}
	if rt.LocalDeviceCount()%c.ModelAxisSize != 0 && c.ModelAxisSize%rt.LocalDeviceCount() != 0 {
		return fmt.Errorf("either model_axis_size (%d) or local device count (%d) must divide the other",
			c.ModelAxisSize, rt.LocalDeviceCount())
	}
	if c.TrainBatchSize == -1 && c.PerDeviceParallelism == -1 {
		return fmt.Errorf("at most one of train_batch_size and per_device_parallelism may be -1")
	}
	if c.PerDeviceParallelism == -1 {
		c.PerDeviceParallelism = c.TrainBatchSize / mesh.DataAxisSize
	}
	if c.TrainBatchSize == -1 {
		c.TrainBatchSize = c.PerDeviceParallelism * mesh.DataAxisSize
	}
	if c.TrainBatchSize%(c.PerDeviceParallelism*mesh.DataAxisSize) != 0 {
		return fmt.Errorf("train_batch_size (%d) must be divisible by per_device_parallelism * data_axis_size (%d x %d)",
			c.TrainBatchSize, c.PerDeviceParallelism, mesh.DataAxisSize)
	}
	if c.PerDeviceEvalParallelism == -1 {
		c.PerDeviceEvalParallelism = c.PerDeviceParallelism
	}
	if c.NumTrainSteps <= 0 {
		return fmt.Errorf("num_train_steps must be positive, got %d", c.NumTrainSteps)
	}
	return nil
}

// ResolveRunID settles the run id: config wins, then the environment, then
// a random 8-character id generated on process 0 and broadcast so every
// process agrees.
func (c *Config) ResolveRunID(rt engine.Runtime) (string, error) {
	if c.ID != "" {
		return c.ID, nil
	}
	if env := os.Getenv(consts.RunIDEnvVar); env != "" {
		c.ID = env
		return env, nil
	}
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	// The id must not depend on the run seed.
	r := prng.NewKey(uint64(os.Getpid())).Fold(uint64(len(alphabet))).Rand()
	id := make([]byte, consts.DefaultRunIDLen)
	for i := range id {
		id[i] = alphabet[r.IntN(len(alphabet))]
	}
	agreed, err := rt.BroadcastString(string(id))
	if err != nil {
		return "", fmt.Errorf("broadcasting run id: %w", err)
	}
	c.ID = agreed
	klog.Infof("setting run id to %s", agreed)
	return agreed, nil
}
