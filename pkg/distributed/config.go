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

package distributed

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/meridian-ml/meridian/pkg/engine"
)

// Config configures distributed runtime bring-up. Unset fields are
// auto-discovered from the scheduler environment where possible.
type Config struct {
	CoordinatorAddress string `yaml:"coordinator_address"`
	NumProcesses       int    `yaml:"num_processes"`
	ProcessID          int    `yaml:"process_id"`
	LocalDeviceIDs     []int  `yaml:"local_device_ids"`
}

// DefaultConfig leaves everything to auto-discovery.
func DefaultConfig() Config {
	return Config{NumProcesses: -1, ProcessID: -1}
}

func (c Config) isDistributed() bool {
	return c.CoordinatorAddress != "" || c.NumProcesses > 0 || c.ProcessID >= 0 ||
		len(c.LocalDeviceIDs) > 0 || IsSlurmEnv()
}

// Initialize resolves the coordinator address and this process's device
// assignment, then initializes the distributed runtime. On a single,
// unscheduled process it leaves the runtime local and uninitialized.
func (c Config) Initialize(rt engine.Runtime) error {
	if !c.isDistributed() {
		klog.Info("not initializing distributed runtime: no distributed config provided and no cluster detected")
		return nil
	}

	address := c.CoordinatorAddress
	deviceIDs := c.LocalDeviceIDs

	if IsSlurmEnv() {
		if len(deviceIDs) == 0 {
			ids, err := LocalDeviceIDs()
			if err != nil {
				return fmt.Errorf("discovering local device ids: %w", err)
			}
			deviceIDs = ids
		}
		if address == "" {
			addr, err := CoordinatorAddress()
			if err != nil {
				return fmt.Errorf("discovering coordinator address: %w", err)
			}
			address = addr
		}
	}

	if err := rt.Initialize(address, c.NumProcesses, c.ProcessID, deviceIDs); err != nil {
		return fmt.Errorf("initializing distributed runtime: %w", err)
	}
	klog.Infof("initialized distributed runtime: %d devices, %d processes, coordinator_address=%s, process_id=%d, device_ids=%v",
		rt.DeviceCount(), rt.ProcessCount(), address, rt.ProcessIndex(), deviceIDs)
	return nil
}
