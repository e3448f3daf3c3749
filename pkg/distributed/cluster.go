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
	"net"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"

	"k8s.io/klog/v2"

	"github.com/meridian-ml/meridian/pkg/engine"
	"github.com/meridian-ml/meridian/pkg/utils/consts"
)

// CommandRunner executes an external command, returning an error on
// non-zero exit. Injectable for tests.
type CommandRunner func(name string, args ...string) error

func defaultRunner(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	if len(out) > 0 {
		klog.Infof("%s: %s", name, out)
	}
	if err != nil {
		return fmt.Errorf("running %s: %w", name, err)
	}
	return nil
}

var (
	clusterMu          sync.Mutex
	clusterInitialized bool
	exitHandlers       []func()
)

// registerExitHandler records teardown for anything this process started.
func registerExitHandler(fn func()) {
	exitHandlers = append(exitHandlers, fn)
}

// Shutdown runs registered teardown handlers in reverse order. Call it from
// main on exit paths.
func Shutdown() {
	clusterMu.Lock()
	handlers := exitHandlers
	exitHandlers = nil
	clusterMu.Unlock()
	for i := len(handlers) - 1; i >= 0; i-- {
		handlers[i]()
	}
}

// resetClusterForTest clears the once-per-process state.
func resetClusterForTest() {
	clusterMu.Lock()
	defer clusterMu.Unlock()
	clusterInitialized = false
	exitHandlers = nil
}

// RayConfig controls auxiliary actor-cluster bring-up.
type RayConfig struct {
	// Address of an existing cluster; empty means auto-discover.
	Address string `yaml:"address"`
	// StartWorkers controls whether non-zero ranks join as workers.
	StartWorkers bool `yaml:"start_workers"`
	// AutoStartCluster disables the whole mechanism when false.
	AutoStartCluster bool `yaml:"auto_start_cluster"`
}

// DefaultRayConfig starts workers and auto-discovers the address.
func DefaultRayConfig() RayConfig {
	return RayConfig{StartWorkers: true, AutoStartCluster: true}
}

// Initialize brings up or joins the actor cluster once per process.
func (c RayConfig) Initialize(rt engine.Runtime) error {
	if !c.AutoStartCluster {
		return nil
	}
	return AutoRayCluster(c.Address, c.StartWorkers, rt, defaultRunner)
}

// AutoRayCluster connects this process to the actor cluster, discovering
// the address if not supplied: an explicit address or RAY_ADDRESS wins;
// otherwise, if the distributed runtime knows a coordinator, a cluster port
// is derived from the coordinator port and rank 0 starts the head while the
// rest join as workers; failing all that, an implicit local cluster is
// assumed. At most one bring-up happens per process; later calls warn and
// return.
func AutoRayCluster(address string, startWorkers bool, rt engine.Runtime, run CommandRunner) error {
	clusterMu.Lock()
	defer clusterMu.Unlock()
	if clusterInitialized {
		klog.Warning("actor cluster already initialized; ignoring subsequent call")
		return nil
	}

	if address == "" {
		if env := os.Getenv(consts.RayAddressEnvVar); env != "" {
			address = env
			klog.Infof("auto-discovered actor cluster address from %s: %s", consts.RayAddressEnvVar, address)
		} else if coord := rt.CoordinatorAddress(); coord != "" {
			host, portStr, err := net.SplitHostPort(coord)
			if err != nil {
				return fmt.Errorf("malformed coordinator address %q: %w", coord, err)
			}
			coordPort, err := strconv.Atoi(portStr)
			if err != nil {
				return fmt.Errorf("malformed coordinator port %q: %w", portStr, err)
			}
			rayPort := ChoosePort(coordPort + consts.RayPortOffset)
			address = fmt.Sprintf("%s:%d", host, rayPort)
			klog.Infof("derived actor cluster address from coordinator %s: %s", coord, address)

			numCPUs := runtime.NumCPU()
			if rt.ProcessIndex() == 0 {
				klog.Infof("starting actor cluster head on port %d (process 0, %d cpus)", rayPort, numCPUs)
				if err := run("ray", "start", "--head",
					"--port", strconv.Itoa(rayPort),
					"--num-cpus", strconv.Itoa(numCPUs)); err != nil {
					return fmt.Errorf("failed to start actor cluster head: %w", err)
				}
				registerExitHandler(func() {
					if err := run("ray", "stop", "-g", "10", "--force"); err != nil {
						klog.Errorf("stopping actor cluster head: %v", err)
					}
				})
			} else if startWorkers {
				klog.Infof("starting actor cluster worker for %s (process %d, %d cpus)", address, rt.ProcessIndex(), numCPUs)
				if err := run("ray", "start",
					"--address", address,
					"--num-cpus", strconv.Itoa(numCPUs)); err != nil {
					return fmt.Errorf("failed to start actor cluster worker: %w", err)
				}
				registerExitHandler(func() {
					if err := run("ray", "stop", "--force"); err != nil {
						klog.Errorf("stopping actor cluster worker: %v", err)
					}
				})
			}
		} else {
			klog.Info("no actor cluster address discoverable; using implicit local cluster")
		}
	}

	clusterInitialized = true
	return nil
}
