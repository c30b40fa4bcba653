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
	"io"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/sirupsen/logrus"
)

// ResourcePolicy bounds the JobRunner itself; it is distinct from
// GovernorPolicy, which bounds the admission decision function the
// runner consults.
type ResourcePolicy struct {
	MaxConcurrentJobs    int
	MaxQueueDepth        int
	MaxProcessesPerJob   int
	KillGraceMs          int64
	MaxJobStartsPerTick  int
	MaxJobScansPerTick   int
}

// DefaultResourcePolicy matches the reference defaults: a 2-second kill
// grace, and the §2 composition's recommended start/scan budgets.
func DefaultResourcePolicy() ResourcePolicy {
	return ResourcePolicy{
		MaxConcurrentJobs:   10,
		MaxQueueDepth:       100,
		MaxProcessesPerJob:  64,
		KillGraceMs:         2000,
		MaxJobStartsPerTick: 5,
		MaxJobScansPerTick:  10,
	}
}

// TickDiagnostics is published after every tick and reflects exactly
// the tick that just completed.
type TickDiagnostics struct {
	NowMs                int64
	Decision             GovernorDecision
	BlockReason          BlockReason
	RetryAfterMs         int64
	RunningCount         int
	QueuedCount          int
	JobsStartedThisTick  int
	JobsScannedThisTick  int
	ScanCursorPosition   int
}

// JobRunner is the tick-driven admission, start-queue, scan-cursor, and
// kill-escalation state machine for submitted commands. Starts, scans
// and kill escalation happen only inside Tick; outside it, Submit adds
// Pending jobs and Cancel cancels a Pending job or sends a Running
// job's first SIGTERM.
type JobRunner struct {
	mu sync.Mutex

	jobs    []*Job // physical order == submission order
	byID    map[string]int

	policy ResourcePolicy
	gov    *ResourceGovernor

	spawner   Spawner
	inspector Inspector

	scanCursor int
	idCounter  int64

	rejectedCount int64

	diag TickDiagnostics

	log *logrus.Logger
}

// JobRunnerOption configures optional collaborators at construction.
type JobRunnerOption func(*JobRunner)

// WithLogger attaches a structured logger; without one the runner logs
// nothing.
func WithLogger(log *logrus.Logger) JobRunnerOption {
	return func(r *JobRunner) { r.log = log }
}

// NewJobRunner constructs a runner with no jobs, ready to accept
// submissions and be ticked. spawner and inspector are the two
// capabilities §9 calls out as breaking the Job/Spawner/Inspector
// reference cycle.
func NewJobRunner(policy ResourcePolicy, gov *ResourceGovernor, spawner Spawner, inspector Inspector, opts ...JobRunnerOption) *JobRunner {
	r := &JobRunner{
		policy:    policy,
		gov:       gov,
		spawner:   spawner,
		inspector: inspector,
		byID:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// nextID produces a monotone-unique job id, replacing the reference
// implementation's global atomic counter + wall-clock timestamp with a
// per-runner counter, per §9's note on re-architecting global mutable
// state.
func (r *JobRunner) nextID() string {
	n := atomic.AddInt64(&r.idCounter, 1)
	return fmt.Sprintf("job_%d", n)
}

// Submit enqueues command as a Pending job with limits (zero value
// becomes DefaultJobLimits), and returns its id. Admission against
// max_queue_depth is the caller's responsibility via Submit's bool
// return: a full queue returns ("", false) rather than silently
// enqueuing past the bound.
func (r *JobRunner) Submit(command string, limits JobLimits) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	queued := r.countLocked(Pending)
	if queued >= r.policy.MaxQueueDepth {
		r.rejectedCount++
		return "", false
	}

	id := r.nextID()
	job := newJob(id, command, limits)
	r.jobs = append(r.jobs, job)
	r.byID[id] = len(r.jobs) - 1
	return id, true
}

func (r *JobRunner) countLocked(status JobStatus) int {
	n := 0
	for _, j := range r.jobs {
		if j != nil && j.Status == status {
			n++
		}
	}
	return n
}

// GetJobStatus returns a snapshot of job id, or false if unknown.
func (r *JobRunner) GetJobStatus(id string) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.byID[id]
	if !ok || r.jobs[idx] == nil {
		return Job{}, false
	}
	return r.jobs[idx].snapshot(), true
}

// RecentJobs returns up to limit of the most recently created jobs,
// newest first.
func (r *JobRunner) RecentJobs(limit int) []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Job
	for i := len(r.jobs) - 1; i >= 0 && len(out) < limit; i-- {
		if r.jobs[i] != nil {
			out = append(out, r.jobs[i].snapshot())
		}
	}
	return out
}

// Cancel implements §4.8's cancellation contract: Pending jobs are
// cancelled immediately; Running jobs have kill_signal_sent set and
// receive SIGTERM, with escalation proceeding on later ticks exactly as
// for a timeout. Terminal-state jobs return false.
func (r *JobRunner) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.byID[id]
	if !ok || r.jobs[idx] == nil {
		return false
	}
	job := r.jobs[idx]

	switch job.Status {
	case Pending:
		job.Status = Cancelled
		job.FinishedAtMs = job.CreatedAtMs
		return true
	case Running:
		if job.KillSignalSent {
			return false
		}
		job.KillSignalSent = true
		job.SigtermSentAtMs = job.LastScannedAtMs
		job.awaitingKill = true
		if r.inspector != nil {
			r.inspector.Signal(job.Pgid, syscall.SIGTERM)
		}
		return true
	default:
		return false
	}
}

// RejectedCount returns the number of Submit calls turned away because
// the queue was at max_queue_depth, for the `rejected_jobs` status field.
func (r *JobRunner) RejectedCount() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rejectedCount
}

// Diagnostics returns the TickDiagnostics published by the most recently
// completed tick.
func (r *JobRunner) Diagnostics() TickDiagnostics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.diag
}

// Tick is the sole progression primitive: at most
// MaxJobStartsPerTick Pending→Running transitions, at most
// MaxJobScansPerTick scans of Running jobs, then publish diagnostics.
// cpuPct and memPct are the latest SystemMetrics sample the caller
// obtained before calling Tick; the governor is consulted exactly once
// per tick, per §9's open-question reference choice.
func (r *JobRunner) Tick(nowMs int64, cpuPct, memPct float64) TickDiagnostics {
	r.mu.Lock()
	defer r.mu.Unlock()

	running := r.countLocked(Running)
	queued := r.countLocked(Pending)

	result := r.gov.Decide(cpuPct, memPct, running, queued)

	started := 0
	if result.Decision == StartNow {
		started = r.startPendingLocked(nowMs, running)
	}

	scanned := r.scanRunningLocked(nowMs)

	r.diag = TickDiagnostics{
		NowMs:               nowMs,
		Decision:            result.Decision,
		BlockReason:         result.Reason,
		RetryAfterMs:        result.RetryAfterMs,
		RunningCount:        r.countLocked(Running),
		QueuedCount:         r.countLocked(Pending),
		JobsStartedThisTick: started,
		JobsScannedThisTick: scanned,
		ScanCursorPosition:  r.scanCursor,
	}
	return r.diag
}

// startPendingLocked starts Pending jobs in submission order until the
// start budget, MaxConcurrentJobs, or the Pending list is exhausted.
func (r *JobRunner) startPendingLocked(nowMs int64, running int) int {
	started := 0
	for _, job := range r.jobs {
		if started >= r.policy.MaxJobStartsPerTick {
			break
		}
		if running+started >= r.policy.MaxConcurrentJobs {
			break
		}
		if job == nil || job.Status != Pending {
			continue
		}

		pgid, stdout, stderr, err := r.spawner.Spawn(job.Command)
		if err != nil {
			job.Status = Failed
			job.FinishedAtMs = nowMs
			if r.log != nil {
				r.log.WithError(err).WithField("job", job.ID).Warn("spawn failed")
			}
			continue
		}

		job.Status = Running
		job.Pgid = pgid
		job.StartedAtMs = nowMs
		job.stdout = stdout
		job.stderr = stderr
		started++
	}
	return started
}

// scanRunningLocked scans up to MaxJobScansPerTick Running jobs starting
// at scanCursor, wrapping through the job list, and advances the cursor
// by the number actually scanned.
func (r *JobRunner) scanRunningLocked(nowMs int64) int {
	n := len(r.jobs)
	if n == 0 {
		return 0
	}
	if r.scanCursor >= n {
		r.scanCursor = 0
	}

	scanned := 0
	idx := r.scanCursor
	visited := 0
	for visited < n && scanned < r.policy.MaxJobScansPerTick {
		job := r.jobs[idx]
		visited++
		idx = (idx + 1) % n

		if job == nil {
			continue
		}
		if job.Status != Running && !job.awaitingKill {
			continue
		}
		scanned++
		r.scanJobLocked(job, nowMs)
	}

	r.scanCursor = (r.scanCursor + scanned) % n
	return scanned
}

func (r *JobRunner) scanJobLocked(job *Job, nowMs int64) {
	job.LastScannedAtMs = nowMs

	if job.Status == Running {
		if done, exitCode, ok := r.inspector.CheckCompletion(job.Pgid); ok && done {
			r.drainOutputLocked(job)
			job.ExitCode = exitCode
			job.FinishedAtMs = nowMs
			if exitCode == 0 {
				job.Status = Completed
			} else {
				job.Status = Failed
			}
			job.closePipes()
			job.awaitingKill = false
			return
		}

		if job.Limits.MaxRuntimeMs > 0 && nowMs-job.StartedAtMs > job.Limits.MaxRuntimeMs {
			r.inspector.Signal(job.Pgid, syscall.SIGTERM)
			// Latched at first terminal transition; the reference choice
			// in §9 means a later kill-grace expiry does not regress
			// this to ProcLimit. awaitingKill keeps the job reachable by
			// the scan loop so the follow-up SIGKILL still fires.
			job.Status = Timeout
			job.FinishedAtMs = nowMs
			job.KillSignalSent = true
			job.SigtermSentAtMs = nowMs
			job.awaitingKill = true
			return
		}

		r.enforceLogCapLocked(job)

		if job.Limits.MaxChildProcesses > 0 && !job.KillSignalSent {
			if r.inspector.ProcessCount(job.Pgid) > job.Limits.MaxChildProcesses {
				r.inspector.Signal(job.Pgid, syscall.SIGTERM)
				job.KillSignalSent = true
				job.SigtermSentAtMs = nowMs
				job.awaitingKill = true
				return
			}
		}
	}

	if job.KillSignalSent && job.awaitingKill && nowMs-job.SigtermSentAtMs >= r.policy.KillGraceMs {
		r.inspector.Signal(job.Pgid, syscall.SIGKILL)
		if job.Status == Running {
			job.Status = ProcLimit
			job.FinishedAtMs = nowMs
		}
		job.closePipes()
		job.awaitingKill = false
	}
}

// drainOutputLocked reads whatever remains buffered on the job's
// stdout/stderr pipes before they are closed, so a fast-exiting command
// does not lose its final output.
func (r *JobRunner) drainOutputLocked(job *Job) {
	if job.stdout != nil {
		if b, err := io.ReadAll(job.stdout); err == nil {
			job.Output = append(job.Output, b...)
			job.BytesWritten += uint64(len(b))
		}
	}
	if job.stderr != nil {
		if b, err := io.ReadAll(job.stderr); err == nil {
			job.Error = append(job.Error, b...)
			job.BytesWritten += uint64(len(b))
		}
	}
	r.enforceLogCapLocked(job)
}

// enforceLogCapLocked truncates output+error to the job's MaxLogBytes
// ceiling, keeping the last MaxLogBytes/2 of each half.
func (r *JobRunner) enforceLogCapLocked(job *Job) {
	cap := job.Limits.MaxLogBytes
	if cap <= 0 {
		return
	}
	if int64(len(job.Output)+len(job.Error)) <= cap {
		return
	}
	half := cap / 2
	job.Output = tailBytes(job.Output, half)
	job.Error = tailBytes(job.Error, half)
	job.LogTruncated = true
	job.BytesWritten = uint64(len(job.Output) + len(job.Error))
}

func tailBytes(b []byte, n int64) []byte {
	if n < 0 {
		n = 0
	}
	if int64(len(b)) <= n {
		return b
	}
	return append([]byte(nil), b[int64(len(b))-n:]...)
}
