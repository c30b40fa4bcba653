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
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// cgroupFsMagic is the superblock magic statfs reports for cgroup2fs.
const cgroupFsMagic = 0x63677270

// CgroupCapability is a bitmask over the controllers CgroupDriver found
// enabled under the unified hierarchy.
type CgroupCapability uint8

const (
	CapNone CgroupCapability = 0
	CapCPU  CgroupCapability = 1 << 0
	CapMem  CgroupCapability = 1 << 1
	CapPids CgroupCapability = 1 << 2
)

// cgroupUnavailableRateLimit is the minimum spacing between
// CGROUP_UNAVAILABLE events, matching the 1-second rate limit in §4.3.
const cgroupUnavailableRateLimit = time.Second

// CgroupDriver applies per-PID cgroup v2 policy. It degrades to a no-op
// when cgroup v2 is not mounted, emitting a rate-limited
// CGROUP_UNAVAILABLE event instead of an error. When the hierarchy is
// mounted but none of the cpu, memory or pids controllers is enabled,
// Apply still creates the pid's sub-cgroup and moves the pid into it,
// and writes no limit.
type CgroupDriver struct {
	basePath     string
	available    bool
	capabilities CgroupCapability

	mu               sync.Mutex
	lastUnavailEvent time.Time
	log              *logrus.Logger
}

// NewCgroupDriver probes /sys/fs/cgroup for a v2 mount and enumerates
// the controllers it makes available, then returns a driver ready to
// apply per-PID policy under basePath (e.g. "/sys/fs/cgroup/govern").
func NewCgroupDriver(basePath string, log *logrus.Logger) *CgroupDriver {
	d := &CgroupDriver{basePath: basePath, log: log}
	d.available, d.capabilities = detectCgroupV2()
	return d
}

func detectCgroupV2() (bool, CgroupCapability) {
	var st unix.Statfs_t
	if err := unix.Statfs("/sys/fs/cgroup", &st); err != nil {
		return false, CapNone
	}
	if uint32(st.Type) != cgroupFsMagic {
		return false, CapNone
	}
	raw, err := os.ReadFile("/sys/fs/cgroup/cgroup.controllers")
	if err != nil {
		return false, CapNone
	}
	var caps CgroupCapability
	for _, tok := range strings.Fields(string(raw)) {
		switch tok {
		case "cpu":
			caps |= CapCPU
		case "memory":
			caps |= CapMem
		case "pids":
			caps |= CapPids
		}
	}
	return true, caps
}

// IsAvailable reports whether a cgroup v2 hierarchy was found at
// construction time.
func (d *CgroupDriver) IsAvailable() bool { return d.available }

// Capabilities reports which controllers were found enabled.
func (d *CgroupDriver) Capabilities() CgroupCapability { return d.capabilities }

// Apply creates (if needed) a sub-cgroup for pid, moves pid into it, and
// writes the subset of policy fields whose controller is available. It
// returns the bitmask of fields that were actually written; a field
// whose controller is missing is silently skipped rather than erroring.
func (d *CgroupDriver) Apply(pid int32, policy GroupPolicy) (ApplyField, error) {
	if !d.available {
		d.emitUnavailable()
		return 0, nil
	}

	dir := filepath.Join(d.basePath, strconv.Itoa(int(pid)))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("mkdir cgroup dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "cgroup.procs"), []byte(strconv.Itoa(int(pid))), 0644); err != nil {
		return 0, fmt.Errorf("write cgroup.procs: %w", err)
	}

	var applied ApplyField

	if d.capabilities&CapCPU != 0 && policy.HasCPUMaxPct {
		period := policy.CPUPeriodUs
		if !policy.HasCPUPeriodUs || period <= 0 {
			period = 100000
		}
		quota := int64(policy.CPUMaxPct) * period / 100
		line := fmt.Sprintf("%d %d\n", quota, period)
		if err := os.WriteFile(filepath.Join(dir, "cpu.max"), []byte(line), 0644); err == nil {
			applied |= FieldCPUMaxPct
		}
	}

	if d.capabilities&CapMem != 0 && policy.HasMemMaxBytes {
		line := strconv.FormatUint(policy.MemMaxBytes, 10)
		if err := os.WriteFile(filepath.Join(dir, "memory.max"), []byte(line), 0644); err == nil {
			applied |= FieldMemMaxBytes
		}
	}

	if d.capabilities&CapPids != 0 && policy.HasPidsMax {
		line := strconv.FormatUint(policy.PidsMax, 10)
		if err := os.WriteFile(filepath.Join(dir, "pids.max"), []byte(line), 0644); err == nil {
			applied |= FieldPidsMax
		}
	}

	return applied, nil
}

// emitUnavailable logs a CGROUP_UNAVAILABLE event, rate-limited to no
// more than once per cgroupUnavailableRateLimit.
func (d *CgroupDriver) emitUnavailable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	if now.Sub(d.lastUnavailEvent) < cgroupUnavailableRateLimit {
		return
	}
	d.lastUnavailEvent = now
	if d.log != nil {
		d.log.Info("event=CGROUP_UNAVAILABLE")
	}
}
