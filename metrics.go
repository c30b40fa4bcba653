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
	"bufio"
	"os"
	"strconv"
	"strings"
	"sync"
)

// MetricsHistoryCap is the default bounded ring size for Sample history.
const MetricsHistoryCap = 300

// SystemMetrics is a single point-in-time resource snapshot, the input
// ResourceGovernor.Decide consumes.
type SystemMetrics struct {
	CPUPct     float64
	MemTotalKb uint64
	MemFreeKb  uint64
	MemPct     float64
	TimestampMs int64
}

type cpuTicks struct {
	user, nice, system, idle, iowait, irq, softirq uint64
}

func (c cpuTicks) busy() uint64 { return c.user + c.nice + c.system + c.irq + c.softirq }
func (c cpuTicks) total() uint64 {
	return c.user + c.nice + c.system + c.idle + c.iowait + c.irq + c.softirq
}

// MetricsSampler reads /proc/stat and /proc/meminfo into SystemMetrics
// snapshots and keeps a bounded tail for `metrics tail <n>`.
type MetricsSampler struct {
	mu       sync.Mutex
	prevCPU  cpuTicks
	havePrev bool

	history []SystemMetrics
	cap     int

	nowMs func() int64
}

// NewMetricsSampler constructs a sampler with the default history
// capacity; nowMs lets tests inject a fixed clock.
func NewMetricsSampler(nowMs func() int64) *MetricsSampler {
	return &MetricsSampler{cap: MetricsHistoryCap, nowMs: nowMs}
}

// Sample reads current /proc/stat and /proc/meminfo and appends the
// resulting snapshot to the history ring. The first call always reports
// CPUPct == 0 since there is no prior sample to delta against.
func (m *MetricsSampler) Sample() (SystemMetrics, error) {
	cpu, err := readCPUTicks()
	if err != nil {
		return SystemMetrics{}, err
	}
	total, free, err := readMemInfo()
	if err != nil {
		return SystemMetrics{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var cpuPct float64
	if m.havePrev {
		dBusy := float64(cpu.busy() - m.prevCPU.busy())
		dTotal := float64(cpu.total() - m.prevCPU.total())
		if dTotal > 0 {
			cpuPct = 100 * dBusy / dTotal
		}
	}
	m.prevCPU = cpu
	m.havePrev = true

	var memPct float64
	if total > 0 {
		memPct = 100 * (1 - float64(free)/float64(total))
	}

	snap := SystemMetrics{
		CPUPct:      cpuPct,
		MemTotalKb:  total,
		MemFreeKb:   free,
		MemPct:      memPct,
		TimestampMs: m.nowMs(),
	}

	if len(m.history) >= m.cap {
		m.history = m.history[1:]
	}
	m.history = append(m.history, snap)

	return snap, nil
}

// Tail returns up to n of the most recent samples, oldest first.
func (m *MetricsSampler) Tail(n int) []SystemMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > len(m.history) {
		n = len(m.history)
	}
	if n <= 0 {
		return nil
	}
	start := len(m.history) - n
	out := make([]SystemMetrics, n)
	copy(out, m.history[start:])
	return out
}

func readCPUTicks() (cpuTicks, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return cpuTicks{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		fields := strings.Fields(line)[1:]
		vals := make([]uint64, len(fields))
		for i, f := range fields {
			vals[i], _ = strconv.ParseUint(f, 10, 64)
		}
		var c cpuTicks
		if len(vals) > 0 {
			c.user = vals[0]
		}
		if len(vals) > 1 {
			c.nice = vals[1]
		}
		if len(vals) > 2 {
			c.system = vals[2]
		}
		if len(vals) > 3 {
			c.idle = vals[3]
		}
		if len(vals) > 4 {
			c.iowait = vals[4]
		}
		if len(vals) > 5 {
			c.irq = vals[5]
		}
		if len(vals) > 6 {
			c.softirq = vals[6]
		}
		return c, nil
	}
	return cpuTicks{}, os.ErrInvalid
}

func readMemInfo() (totalKb, availKb uint64, err error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			totalKb = parseMemInfoLine(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			availKb = parseMemInfoLine(line)
		}
	}
	return totalKb, availKb, nil
}

func parseMemInfoLine(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, _ := strconv.ParseUint(fields[1], 10, 64)
	return v
}
