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
	"math"
	"sync"
)

// GovernorDecision is the verdict ResourceGovernor.Decide returns.
type GovernorDecision int

const (
	StartNow GovernorDecision = iota
	HoldQueue
	RejectQueueFull
)

func (d GovernorDecision) String() string {
	switch d {
	case StartNow:
		return "START_NOW"
	case HoldQueue:
		return "HOLD_QUEUE"
	case RejectQueueFull:
		return "REJECT_QUEUE_FULL"
	default:
		return "UNKNOWN"
	}
}

// BlockReason names which rule produced a non-START_NOW decision.
type BlockReason int

const (
	BlockNone BlockReason = iota
	BlockCPUHigh
	BlockMemHigh
	BlockQueueFull
	BlockRunningLimit
)

func (r BlockReason) String() string {
	switch r {
	case BlockNone:
		return "none"
	case BlockCPUHigh:
		return "cpu_high"
	case BlockMemHigh:
		return "mem_high"
	case BlockQueueFull:
		return "queue_full"
	case BlockRunningLimit:
		return "running_limit"
	default:
		return "unknown"
	}
}

// GovernorResult is the outcome of a single Decide call.
type GovernorResult struct {
	Decision     GovernorDecision
	Reason       BlockReason
	RetryAfterMs int64
}

// GovernorPolicy bounds ResourceGovernor.Decide. Fields are validated by
// ValidateAndUpdate before they ever take effect; a policy in production
// use is always in a validated state.
type GovernorPolicy struct {
	MaxRunningJobs      int     `json:"max_running_jobs"`
	MaxQueueDepth       int     `json:"max_queue_depth"`
	CPUHighWatermarkPct float64 `json:"cpu_high_watermark_pct"`
	MemHighWatermarkPct float64 `json:"mem_high_watermark_pct"`
	CooldownMs          int64   `json:"cooldown_ms"`
	MinStartGapMs       int64   `json:"min_start_gap_ms"`
}

// DefaultGovernorPolicy matches the reference defaults used by
// PolicyFile when no on-disk policy is present.
func DefaultGovernorPolicy() GovernorPolicy {
	return GovernorPolicy{
		MaxRunningJobs:      10,
		MaxQueueDepth:       100,
		CPUHighWatermarkPct: 85.0,
		MemHighWatermarkPct: 90.0,
		CooldownMs:          1000,
		MinStartGapMs:       100,
	}
}

// PolicyValidationError tags a single invalid field in a policy update.
type PolicyValidationError struct {
	Field   string
	Message string
}

func (e PolicyValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// PolicyUpdateResult is returned by ValidateAndUpdate.
type PolicyUpdateResult struct {
	Success         bool
	EffectivePolicy GovernorPolicy
	Errors          []PolicyValidationError
}

// ResourceGovernor is the pure admission-decision function described in
// §4.7: no side effects beyond its own guarded policy field, which is
// only ever replaced wholesale by ValidateAndUpdate.
type ResourceGovernor struct {
	mu     sync.RWMutex
	policy GovernorPolicy
}

// NewResourceGovernor constructs a governor with the given starting
// policy. Callers that want the reference defaults pass
// DefaultGovernorPolicy().
func NewResourceGovernor(policy GovernorPolicy) *ResourceGovernor {
	return &ResourceGovernor{policy: policy}
}

// Policy returns the currently effective policy.
func (g *ResourceGovernor) Policy() GovernorPolicy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.policy
}

// Decide evaluates the five admission rules in their fixed priority
// order and returns on the first match. It takes no lock beyond a single
// read of the current policy and performs no I/O: swapping the order of
// two rules, or calling Decide from any goroutine, must never change the
// verdict for a given (cpuPct, memPct, running, queued, policy) tuple.
func (g *ResourceGovernor) Decide(cpuPct, memPct float64, running, queued int) GovernorResult {
	policy := g.Policy()
	return decide(cpuPct, memPct, running, queued, policy)
}

func decide(cpuPct, memPct float64, running, queued int, policy GovernorPolicy) GovernorResult {
	switch {
	case queued >= policy.MaxQueueDepth:
		return GovernorResult{RejectQueueFull, BlockQueueFull, policy.CooldownMs}
	case running >= policy.MaxRunningJobs:
		return GovernorResult{HoldQueue, BlockRunningLimit, policy.MinStartGapMs}
	case cpuPct >= policy.CPUHighWatermarkPct:
		return GovernorResult{HoldQueue, BlockCPUHigh, policy.CooldownMs}
	case memPct >= policy.MemHighWatermarkPct:
		return GovernorResult{HoldQueue, BlockMemHigh, policy.CooldownMs}
	default:
		return GovernorResult{StartNow, BlockNone, 0}
	}
}

// ValidateAndUpdate validates every field of next before committing any
// of it; on any validation failure the governor's policy is left
// unchanged and every offending field is reported, not just the first.
func (g *ResourceGovernor) ValidateAndUpdate(next GovernorPolicy) PolicyUpdateResult {
	var errs []PolicyValidationError

	if next.MaxRunningJobs < 1 || next.MaxRunningJobs > 1000 {
		errs = append(errs, PolicyValidationError{"max_running_jobs", "must be in [1,1000]"})
	}
	if next.MaxQueueDepth < 1 || next.MaxQueueDepth > 10000 {
		errs = append(errs, PolicyValidationError{"max_queue_depth", "must be in [1,10000]"})
	}
	if math.IsNaN(next.CPUHighWatermarkPct) {
		errs = append(errs, PolicyValidationError{"cpu_high_watermark_pct", "must not be NaN"})
	} else if next.CPUHighWatermarkPct < 0 || next.CPUHighWatermarkPct > 100 {
		errs = append(errs, PolicyValidationError{"cpu_high_watermark_pct", "must be in [0,100]"})
	}
	if math.IsNaN(next.MemHighWatermarkPct) {
		errs = append(errs, PolicyValidationError{"mem_high_watermark_pct", "must not be NaN"})
	} else if next.MemHighWatermarkPct < 0 || next.MemHighWatermarkPct > 100 {
		errs = append(errs, PolicyValidationError{"mem_high_watermark_pct", "must be in [0,100]"})
	}
	if next.CooldownMs < 0 {
		errs = append(errs, PolicyValidationError{"cooldown_ms", "must be >= 0"})
	}
	if next.MinStartGapMs < 0 {
		errs = append(errs, PolicyValidationError{"min_start_gap_ms", "must be >= 0"})
	}

	if len(errs) > 0 {
		return PolicyUpdateResult{Success: false, EffectivePolicy: g.Policy(), Errors: errs}
	}

	g.mu.Lock()
	g.policy = next
	g.mu.Unlock()

	return PolicyUpdateResult{Success: true, EffectivePolicy: next}
}
