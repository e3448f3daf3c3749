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

// Package checkpoint persists trainer state to per-step directories.
// Checkpoints are append-only: each save lands in a fresh step directory
// that is renamed into place, so an in-flight save never corrupts a
// previously complete checkpoint. The latest checkpoint under a parent path
// is discoverable by step number.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"k8s.io/klog/v2"

	"github.com/meridian-ml/meridian/pkg/prng"
	"github.com/meridian-ml/meridian/pkg/tensor"
	"github.com/meridian-ml/meridian/pkg/utils/consts"
)

var (
	// ErrNotFound reports that no checkpoint exists at the given path.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrShapeMismatch reports that a checkpoint's tensors do not match the
	// expected structure. A malformed checkpoint is never partially applied.
	ErrShapeMismatch = errors.New("checkpoint shape mismatch")
)

// Saved is the serialized form of trainer state. Model holds only the
// trainable leaves: frozen leaves are never persisted and are re-derived
// from the initializer on load.
type Saved struct {
	Step        int             `json:"step"`
	TrainingKey prng.Key        `json:"training_key"`
	IsTrainable tensor.Mask     `json:"is_trainable"`
	Model       tensor.Tree     `json:"-"`
	OptState    tensor.Tree     `json:"-"`
	Extra       map[string]any  `json:"extra,omitempty"`
}

// StepDir returns the directory name for a checkpoint at the given step.
func StepDir(step int) string {
	return fmt.Sprintf("%s%d", consts.CheckpointDirPrefix, step)
}

// Save writes the state to dir. The write happens in a temporary sibling
// directory renamed into place at the end.
func Save(state *Saved, dir string) error {
	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("creating checkpoint parent %s: %w", parent, err)
	}
	tmp, err := os.MkdirTemp(parent, ".tmp-"+filepath.Base(dir)+"-")
	if err != nil {
		return fmt.Errorf("creating temp checkpoint dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	files := map[string]any{
		consts.CheckpointMetaFile:  state,
		consts.CheckpointModelFile: state.Model,
		consts.CheckpointOptFile:   state.OptState,
	}
	for name, v := range files {
		if err := writeJSON(filepath.Join(tmp, name), v); err != nil {
			return err
		}
	}
	// An old checkpoint at the same step is replaced whole.
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing stale checkpoint %s: %w", dir, err)
	}
	if err := os.Rename(tmp, dir); err != nil {
		return fmt.Errorf("publishing checkpoint %s: %w", dir, err)
	}
	klog.Infof("saved checkpoint for step %d to %s", state.Step, dir)
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

// Resolve maps path to a concrete checkpoint directory: either path itself
// (if it holds a checkpoint) or its highest-step child.
func Resolve(path string) (string, error) {
	if _, err := os.Stat(filepath.Join(path, consts.CheckpointMetaFile)); err == nil {
		return path, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return "", fmt.Errorf("reading checkpoint parent %s: %w", path, err)
	}
	best, bestStep := "", -1
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), consts.CheckpointDirPrefix) {
			continue
		}
		step, err := strconv.Atoi(strings.TrimPrefix(e.Name(), consts.CheckpointDirPrefix))
		if err != nil {
			continue
		}
		if step > bestStep {
			bestStep = step
			best = filepath.Join(path, e.Name())
		}
	}
	if best == "" {
		return "", fmt.Errorf("no checkpoints under %s: %w", path, ErrNotFound)
	}
	return best, nil
}

// Load reads the checkpoint at path (a checkpoint directory or a parent of
// step directories, in which case the latest wins). Templates, when
// non-nil, pin the expected structure: any deviation fails with
// ErrShapeMismatch.
func Load(path string, modelTemplate, optTemplate tensor.Tree) (*Saved, error) {
	dir, err := Resolve(path)
	if err != nil {
		return nil, err
	}
	var state Saved
	if err := readJSON(filepath.Join(dir, consts.CheckpointMetaFile), &state); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(dir, consts.CheckpointModelFile), &state.Model); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(dir, consts.CheckpointOptFile), &state.OptState); err != nil {
		return nil, err
	}
	if modelTemplate != nil {
		if err := tensor.SameStructure(modelTemplate, state.Model); err != nil {
			return nil, fmt.Errorf("model: %v: %w", err, ErrShapeMismatch)
		}
	}
	if optTemplate != nil {
		if err := tensor.SameStructure(optTemplate, state.OptState); err != nil {
			return nil, fmt.Errorf("opt_state: %v: %w", err, ErrShapeMismatch)
		}
	}
	klog.Infof("loaded checkpoint for step %d from %s", state.Step, dir)
	return &state, nil
}

// LoadModel reads only the model leaves from the checkpoint at path. Used
// by the initialize-from flow, where optimizer state starts fresh.
func LoadModel(path string) (tensor.Tree, error) {
	dir, err := Resolve(path)
	if err != nil {
		return nil, err
	}
	var model tensor.Tree
	if err := readJSON(filepath.Join(dir, consts.CheckpointModelFile), &model); err != nil {
		return nil, err
	}
	return model, nil
}
