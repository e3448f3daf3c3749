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

// Package distributed discovers process topology from batch-scheduler
// environments and brings up the distributed runtime plus the auxiliary
// actor cluster. Discovery is pure environment parsing: it fails fast with
// errors naming the offending variable and is never retried, since the
// scheduler environment is static for the process lifetime.
package distributed

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/meridian-ml/meridian/pkg/utils/consts"
)

// nodeListEnvVars are checked in order; the first one present wins. Which
// variable is set depends on how the job step was launched.
var nodeListEnvVars = []string{
	consts.SlurmStepNodelistEnvVar,
	consts.SlurmJobNodelistEnvVar,
	consts.SlurmNodelistEnvVar,
}

var (
	rangePartRe  = regexp.MustCompile(`(\[.*?\]|[^\[\]]+)`)
	taskRepeatRe = regexp.MustCompile(`^(\d+)\(x(\d+)\)$`)
)

// IsSlurmEnv reports whether this process runs under a SLURM job step.
func IsSlurmEnv() bool {
	_, ok := os.LookupEnv(consts.SlurmJobIDEnvVar)
	return ok
}

func nodeList() (string, error) {
	for _, name := range nodeListEnvVars {
		if v, ok := os.LookupEnv(name); ok {
			return v, nil
		}
	}
	return "", fmt.Errorf("could not find node list in any of %v; set the coordinator address explicitly",
		sets.New(nodeListEnvVars...).UnsortedList())
}

// ChoosePort maps an integer id deterministically into the ephemeral port
// range [65535-4095, 65535].
func ChoosePort(id int) int {
	return id%consts.EphemeralPortSpan + (consts.MaxPort - consts.EphemeralPortSpan + 1)
}

// CoordinatorAddress derives the rendezvous address from the job id and the
// first hostname of the node list. The node list may be a plain hostname, a
// comma-separated list, or a bracketed range expression; only the first
// hostname is needed, so bracket contents are truncated at the first range
// delimiter rather than fully expanded.
func CoordinatorAddress() (string, error) {
	jobID, ok := os.LookupEnv(consts.SlurmJobIDEnvVar)
	if !ok {
		return "", fmt.Errorf("%s is not set", consts.SlurmJobIDEnvVar)
	}
	id, err := strconv.Atoi(jobID)
	if err != nil {
		return "", fmt.Errorf("%s=%q is not an integer: %w", consts.SlurmJobIDEnvVar, jobID, err)
	}
	port := ChoosePort(id)

	list, err := nodeList()
	if err != nil {
		return "", err
	}
	ind := strings.IndexAny(list, ",[")
	if ind < 0 || list[ind] == ',' {
		// 'node001' or 'node001,host2'
		if ind < 0 {
			ind = len(list)
		}
		return fmt.Sprintf("%s:%d", list[:ind], port), nil
	}
	// 'node[001-015],host2' or 'node[001,007-015],host2'
	prefix := list[:ind]
	suffix := list[ind+1:]
	if end := strings.IndexAny(suffix, ",-]"); end >= 0 {
		suffix = suffix[:end]
	}
	return fmt.Sprintf("%s%s:%d", prefix, suffix, port), nil
}

// ExpandNodeList expands a SLURM node-list expression into the flat ordered
// list of hostnames. Bracketed numeric ranges keep their zero padding:
// "node[001-003,007]" becomes [node001 node002 node003 node007].
func ExpandNodeList(list string) ([]string, error) {
	var expanded []string
	for _, entry := range splitTopLevel(list) {
		nodes, err := expandEntry(entry)
		if err != nil {
			return nil, err
		}
		expanded = append(expanded, nodes...)
	}
	return expanded, nil
}

// splitTopLevel splits on commas not enclosed in brackets.
func splitTopLevel(list string) []string {
	var parts []string
	depth, start := 0, 0
	for i, ch := range list {
		switch ch {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, list[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, list[start:])
	return lo.Filter(parts, func(p string, _ int) bool { return p != "" })
}

func expandEntry(entry string) ([]string, error) {
	parts := rangePartRe.FindAllString(entry, -1)
	variants := [][]string{}
	for _, part := range parts {
		if strings.HasPrefix(part, "[") && strings.HasSuffix(part, "]") {
			var numbers []string
			for _, seq := range strings.Split(strings.Trim(part, "[]"), ",") {
				ns, err := expandNumberRange(seq)
				if err != nil {
					return nil, fmt.Errorf("node list entry %q: %w", entry, err)
				}
				numbers = append(numbers, ns...)
			}
			variants = append(variants, numbers)
		} else {
			variants = append(variants, []string{part})
		}
	}
	// Cartesian product across parts, order preserved.
	nodes := []string{""}
	for _, variant := range variants {
		next := make([]string, 0, len(nodes)*len(variant))
		for _, prefix := range nodes {
			for _, v := range variant {
				next = append(next, prefix+v)
			}
		}
		nodes = next
	}
	return nodes, nil
}

// expandNumberRange expands "001-003" to [001 002 003], preserving the zero
// padding of the range start. A bare number expands to itself.
func expandNumberRange(seq string) ([]string, error) {
	if !strings.Contains(seq, "-") {
		return []string{seq}, nil
	}
	bounds := strings.SplitN(seq, "-", 2)
	start, err := strconv.Atoi(bounds[0])
	if err != nil {
		return nil, fmt.Errorf("bad range start %q: %w", bounds[0], err)
	}
	end, err := strconv.Atoi(bounds[1])
	if err != nil {
		return nil, fmt.Errorf("bad range end %q: %w", bounds[1], err)
	}
	if end < start {
		return nil, fmt.Errorf("range %q runs backwards", seq)
	}
	width := len(bounds[0])
	out := make([]string, 0, end-start+1)
	for i := start; i <= end; i++ {
		out = append(out, fmt.Sprintf("%0*d", width, i))
	}
	return out, nil
}

// UnrollTasksPerNode expands SLURM's run-length-encoded tasks-per-node
// string into one integer per node: "1(x2),3,4(x3)" becomes [1 1 3 4 4 4].
func UnrollTasksPerNode(encoded string) ([]int, error) {
	var unrolled []int
	for _, token := range strings.Split(encoded, ",") {
		if m := taskRepeatRe.FindStringSubmatch(token); m != nil {
			n, _ := strconv.Atoi(m[1])
			k, _ := strconv.Atoi(m[2])
			for i := 0; i < k; i++ {
				unrolled = append(unrolled, n)
			}
			continue
		}
		n, err := strconv.Atoi(token)
		if err != nil {
			return nil, fmt.Errorf("bad tasks-per-node token %q in %q: %w", token, encoded, err)
		}
		unrolled = append(unrolled, n)
	}
	return unrolled, nil
}

// LocalDeviceIDs determines which visible devices this process owns: the
// node's devices are divided into one contiguous block per local task, and
// the block indexed by the local process id is selected.
func LocalDeviceIDs() ([]int, error) {
	visible, ok := os.LookupEnv(consts.VisibleDevicesEnvVar)
	if !ok {
		return nil, fmt.Errorf("%s is not set", consts.VisibleDevicesEnvVar)
	}
	devices, err := parseIntList(visible)
	if err != nil {
		return nil, fmt.Errorf("%s=%q: %w", consts.VisibleDevicesEnvVar, visible, err)
	}

	tasksEncoded, ok := os.LookupEnv(consts.SlurmTasksPerNodeEnvVar)
	if !ok {
		return nil, fmt.Errorf("%s is not set", consts.SlurmTasksPerNodeEnvVar)
	}
	tasksPerNode, err := UnrollTasksPerNode(tasksEncoded)
	if err != nil {
		return nil, err
	}

	list, err := nodeList()
	if err != nil {
		return nil, err
	}
	nodes, err := ExpandNodeList(list)
	if err != nil {
		return nil, err
	}

	localNode, ok := os.LookupEnv(consts.SlurmNodeNameEnvVar)
	if !ok {
		return nil, fmt.Errorf("%s is not set", consts.SlurmNodeNameEnvVar)
	}
	nodeIndex := lo.IndexOf(nodes, localNode)
	if nodeIndex < 0 {
		return nil, fmt.Errorf("local node %q not found in node list %v", localNode, nodes)
	}
	if nodeIndex >= len(tasksPerNode) {
		return nil, fmt.Errorf("node list has %d nodes but tasks-per-node %q unrolls to %d entries",
			len(nodes), tasksEncoded, len(tasksPerNode))
	}
	tasksOnNode := tasksPerNode[nodeIndex]

	localID, err := intEnv(consts.SlurmLocalIDEnvVar)
	if err != nil {
		return nil, err
	}

	if len(devices)%tasksOnNode != 0 {
		return nil, fmt.Errorf("number of visible devices (%d) is not divisible by the number of local tasks (%d)",
			len(devices), tasksOnNode)
	}
	perTask := len(devices) / tasksOnNode
	begin := localID * perTask
	if begin+perTask > len(devices) {
		return nil, fmt.Errorf("local process id %d out of range for %d tasks", localID, tasksOnNode)
	}
	return devices[begin : begin+perTask], nil
}

func parseIntList(s string) ([]int, error) {
	fields := strings.Split(s, ",")
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, fmt.Errorf("bad integer %q: %w", f, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func intEnv(name string) (int, error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, fmt.Errorf("%s is not set", name)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not an integer: %w", name, v, err)
	}
	return n, nil
}
