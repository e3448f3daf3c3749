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

// Package hostengine is the host-side reference implementation of the
// engine contracts: a single-process runtime and analytic least-squares
// objectives. It backs tests and the demo runner; production runs plug in a
// device-backed engine instead.
package hostengine

import (
	"fmt"
	"sync"
)

// LocalRuntime is a single-process runtime over a fixed number of virtual
// host devices.
type LocalRuntime struct {
	mu sync.Mutex

	devices            int
	initialized        bool
	coordinatorAddress string
	processCount       int
	processID          int
	localDevices       int
}

// NewLocalRuntime returns a runtime owning the given number of virtual
// devices.
func NewLocalRuntime(devices int) *LocalRuntime {
	if devices <= 0 {
		devices = 1
	}
	return &LocalRuntime{devices: devices, processCount: 1, localDevices: devices}
}

func (r *LocalRuntime) Initialize(coordinatorAddress string, numProcesses, processID int, localDeviceIDs []int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return fmt.Errorf("runtime already initialized")
	}
	r.initialized = true
	r.coordinatorAddress = coordinatorAddress
	if numProcesses > 0 {
		r.processCount = numProcesses
	}
	if processID >= 0 {
		r.processID = processID
	}
	if len(localDeviceIDs) > 0 {
		r.localDevices = len(localDeviceIDs)
	}
	return nil
}

func (r *LocalRuntime) CoordinatorAddress() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.coordinatorAddress
}

func (r *LocalRuntime) ProcessIndex() int { return r.processID }
func (r *LocalRuntime) ProcessCount() int { return r.processCount }

func (r *LocalRuntime) DeviceCount() int      { return r.devices }
func (r *LocalRuntime) LocalDeviceCount() int { return r.localDevices }

// BroadcastString is the identity in a single-process runtime.
func (r *LocalRuntime) BroadcastString(s string) (string, error) {
	return s, nil
}
