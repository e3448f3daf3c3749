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

package consts

const (
	// SLURM environment variables consumed by topology discovery.
	SlurmJobIDEnvVar        = "SLURM_JOB_ID"
	SlurmStepNodelistEnvVar = "SLURM_STEP_NODELIST"
	SlurmJobNodelistEnvVar  = "SLURM_JOB_NODELIST"
	SlurmNodelistEnvVar     = "SLURM_NODELIST"
	SlurmNtasksEnvVar       = "SLURM_NTASKS"
	SlurmProcIDEnvVar       = "SLURM_PROCID"
	SlurmLocalIDEnvVar      = "SLURM_LOCALID"
	SlurmTasksPerNodeEnvVar = "SLURM_STEP_TASKS_PER_NODE"
	SlurmNodeNameEnvVar     = "SLURMD_NODENAME"
	VisibleDevicesEnvVar    = "CUDA_VISIBLE_DEVICES"

	// RayAddressEnvVar overrides actor-cluster address discovery when set.
	RayAddressEnvVar = "RAY_ADDRESS"
	// RunIDEnvVar overrides the generated run id when set.
	RunIDEnvVar = "RUN_ID"

	// Physical mesh axis names. Every logical axis maps to one of these;
	// unmapped axes are replicated.
	MeshAxisData  = "data"
	MeshAxisModel = "model"

	// BatchAxis is the default logical batch axis name.
	BatchAxis = "batch"

	// LossLeaf is the reserved leaf name carrying the scalar loss through
	// accumulated step results.
	LossLeaf = "loss"
	// GradPrefix namespaces gradient leaves in accumulated step results.
	GradPrefix = "grads/"

	// Ephemeral port range used for deterministic coordinator ports.
	EphemeralPortSpan = 1 << 12
	MaxPort           = 65535

	// RayPortOffset is added to the coordinator port before re-hashing into
	// the ephemeral range to pick the actor-cluster port.
	RayPortOffset = 240

	// DefaultRunIDLen is the length of generated run ids.
	DefaultRunIDLen = 8

	// CheckpointDirPrefix prefixes per-step checkpoint directories.
	CheckpointDirPrefix = "step-"
	// CheckpointMetaFile holds the step counter and trainable mask.
	CheckpointMetaFile = "trainer_state.json"
	// CheckpointModelFile holds trainable model leaves.
	CheckpointModelFile = "model.json"
	// CheckpointOptFile holds optimizer accumulators.
	CheckpointOptFile = "opt_state.json"
)
