// Copyright 2026 The Govern Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package govern

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ApplyOutcome is the uniform result every kernel-primitive applier in
// §4.4 returns; a false OK short-circuits the remaining appliers for the
// same message.
type ApplyOutcome struct {
	OK      bool
	Err     error
	Detail  string
	Applied ApplyField
}

// KernelPrimitiveAppliers wraps the raw syscalls C4 describes. It holds
// no state beyond the host CPU count it validates affinity lists
// against.
type KernelPrimitiveAppliers struct {
	hostCPUCount int
}

// NewKernelPrimitiveAppliers probes the host's CPU count via
// sched_getaffinity on pid 0.
func NewKernelPrimitiveAppliers() *KernelPrimitiveAppliers {
	var set unix.CPUSet
	n := MaxCPUs
	if err := unix.SchedGetaffinity(0, &set); err == nil {
		n = set.Count()
	}
	return &KernelPrimitiveAppliers{hostCPUCount: n}
}

// parseCPUList parses a "0-3,5,7" style cpu-list, tolerating whitespace
// around commas and dashes. Every element must be < hostCPUCount; an
// empty list is invalid.
func parseCPUList(raw string, hostCPUCount int) ([]int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrCPUListEmpty
	}
	var cpus []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if dash := strings.IndexByte(part, '-'); dash >= 0 {
			loStr := strings.TrimSpace(part[:dash])
			hiStr := strings.TrimSpace(part[dash+1:])
			lo, err := strconv.Atoi(loStr)
			if err != nil {
				return nil, fmt.Errorf("%w: %q", ErrCPUListInvalid, part)
			}
			hi, err := strconv.Atoi(hiStr)
			if err != nil {
				return nil, fmt.Errorf("%w: %q", ErrCPUListInvalid, part)
			}
			if lo > hi {
				return nil, fmt.Errorf("%w: %q", ErrCPUListInvalid, part)
			}
			for c := lo; c <= hi; c++ {
				cpus = append(cpus, c)
			}
		} else {
			c, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("%w: %q", ErrCPUListInvalid, part)
			}
			cpus = append(cpus, c)
		}
	}
	if len(cpus) == 0 {
		return nil, ErrCPUListEmpty
	}
	for _, c := range cpus {
		if c < 0 || c >= hostCPUCount {
			return nil, fmt.Errorf("%w: cpu %d >= host count %d", ErrCPUListInvalid, c, hostCPUCount)
		}
	}
	return cpus, nil
}

// ApplyAffinity parses cpuList and applies it as a single affinity mask
// on pid via sched_setaffinity.
func (k *KernelPrimitiveAppliers) ApplyAffinity(pid int32, cpuList string) ApplyOutcome {
	cpus, err := parseCPUList(cpuList, k.hostCPUCount)
	if err != nil {
		return ApplyOutcome{OK: false, Err: err, Detail: "affinity"}
	}
	var set unix.CPUSet
	set.Zero()
	for _, c := range cpus {
		set.Set(c)
	}
	if err := unix.SchedSetaffinity(int(pid), &set); err != nil {
		return ApplyOutcome{OK: false, Err: err, Detail: "affinity"}
	}
	return ApplyOutcome{OK: true, Applied: FieldCPUAffinity}
}

// ApplyNice sets pid's scheduling priority via setpriority(PRIO_PROCESS).
// EPERM is reported as a distinct, non-fatal outcome from EINVAL so
// callers can tell "not allowed" apart from "bad value".
func (k *KernelPrimitiveAppliers) ApplyNice(pid int32, nice int8) ApplyOutcome {
	if err := unix.Setpriority(unix.PRIO_PROCESS, int(pid), int(nice)); err != nil {
		detail := "nice"
		if err == unix.EPERM {
			detail = "nice: not permitted"
		}
		return ApplyOutcome{OK: false, Err: err, Detail: detail}
	}
	return ApplyOutcome{OK: true, Applied: FieldCPUNice}
}

// ApplyRlimit sets NOFILE or CORE limits via prlimit(2). If the caller
// supplied only one half of (soft, hard), the other half is read from
// the process's current limit before the combined value is written.
func (k *KernelPrimitiveAppliers) ApplyRlimit(pid int32, resource rlimitResource, hasSoft bool, soft uint64, hasHard bool, hard uint64) ApplyOutcome {
	var field ApplyField
	var detail string
	switch resource {
	case rlimitNofile:
		field, detail = FieldRlimNofile, "rlimit.nofile"
	case rlimitCore:
		field, detail = FieldRlimCore, "rlimit.core"
	}

	var cur unix.Rlimit
	if !hasSoft || !hasHard {
		if err := unix.Prlimit(int(pid), int(resource), nil, &cur); err != nil {
			return ApplyOutcome{OK: false, Err: err, Detail: detail}
		}
	}
	newLim := unix.Rlimit{Cur: cur.Cur, Max: cur.Max}
	if hasSoft {
		newLim.Cur = soft
	}
	if hasHard {
		newLim.Max = hard
	}

	if err := unix.Prlimit(int(pid), int(resource), &newLim, nil); err != nil {
		return ApplyOutcome{OK: false, Err: err, Detail: detail}
	}
	return ApplyOutcome{OK: true, Applied: field}
}

type rlimitResource int

const (
	rlimitNofile rlimitResource = unix.RLIMIT_NOFILE
	rlimitCore   rlimitResource = unix.RLIMIT_CORE
)

// ApplyOomScoreAdj writes a decimal oom_score_adj to
// /proc/<pid>/oom_score_adj. EACCES is reported as a non-fatal outcome.
func (k *KernelPrimitiveAppliers) ApplyOomScoreAdj(pid int32, value int32) ApplyOutcome {
	path := fmt.Sprintf("/proc/%d/oom_score_adj", pid)
	err := os.WriteFile(path, []byte(strconv.Itoa(int(value))), 0644)
	if err != nil {
		detail := "oom_score_adj"
		if os.IsPermission(err) {
			detail = "oom_score_adj: permission denied"
		}
		return ApplyOutcome{OK: false, Err: err, Detail: detail}
	}
	return ApplyOutcome{OK: true, Applied: FieldOomScoreAdj}
}
