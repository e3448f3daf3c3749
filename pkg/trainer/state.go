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
	"time"

	"github.com/meridian-ml/meridian/pkg/checkpoint"
	"github.com/meridian-ml/meridian/pkg/prng"
	"github.com/meridian-ml/meridian/pkg/tensor"
)

// TrainerState is the complete checkpointable training state, threaded
// through the loop as a single exclusively-owned value. OptState is always
// initialized from, and updated against, the trainable partition of Model;
// frozen leaves never receive gradients.
type TrainerState struct {
	Step        int
	Model       tensor.Tree
	OptState    tensor.Tree
	TrainingKey prng.Key
	IsTrainable tensor.Mask
}

// Trainable returns the trainable partition of the model.
func (s *TrainerState) Trainable() tensor.Tree {
	trainable, _ := tensor.Partition(s.Model, s.IsTrainable)
	return trainable
}

// ToSaved converts the state to its serialized form. Only trainable model
// leaves are persisted.
func (s *TrainerState) ToSaved() *checkpoint.Saved {
	return &checkpoint.Saved{
		Step:        s.Step,
		TrainingKey: s.TrainingKey,
		IsTrainable: s.IsTrainable,
		Model:       s.Trainable(),
		OptState:    s.OptState,
	}
}

// StepInfo describes one completed step. State is the state after the
// step: Step() is the step that just completed, NextStep() the upcoming
// one.
type StepInfo struct {
	State        *TrainerState
	Loss         float64
	StepDuration time.Duration
}

// Step returns the completed step number.
func (i StepInfo) Step() int {
	return i.State.Step - 1
}

// NextStep returns the upcoming step number.
func (i StepInfo) NextStep() int {
	return i.State.Step
}
