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

import "io"

// JobStatus is the lifecycle state of a Job. Pending is the only
// non-terminal state besides Running; every other value is terminal and,
// once reached, never regresses (see the Timeout/ProcLimit note in
// JobRunner.scanJobLocked).
type JobStatus int

const (
	Pending JobStatus = iota
	Running
	Completed
	Failed
	Cancelled
	Timeout
	ProcLimit
)

func (s JobStatus) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	case Timeout:
		return "timeout"
	case ProcLimit:
		return "proc_limit"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a terminal state; a terminal Job is never
// reintroduced to the scan cursor.
func (s JobStatus) Terminal() bool {
	switch s {
	case Completed, Failed, Cancelled, Timeout, ProcLimit:
		return true
	default:
		return false
	}
}

// JobLimits are the per-job ceilings enforced during the scan phase of a
// tick. A zero field disables its check; newJob fills in the defaults
// below when the caller passes an all-zero JobLimits.
type JobLimits struct {
	MaxRuntimeMs       int64
	MaxLogBytes        int64
	MaxOutputLineBytes int64
	MaxChildProcesses  int
}

// DefaultJobLimits mirrors the reference ceilings: a ten-minute runtime
// budget, a ten-megabyte combined output cap, 64KB per output line, and at
// most 64 processes alive under the job's process group.
func DefaultJobLimits() JobLimits {
	return JobLimits{
		MaxRuntimeMs:       600000,
		MaxLogBytes:        10485760,
		MaxOutputLineBytes: 65536,
		MaxChildProcesses:  64,
	}
}

// Job is a single submitted command and everything the runner needs to
// supervise it. A Job is owned exclusively by the JobRunner that created
// it; callers observe copies returned from the runner's accessors, never
// the live struct, so that a reader never races the scan phase.
type Job struct {
	ID      string
	Command string
	Status  JobStatus
	ExitCode int32

	Output []byte
	Error  []byte

	BytesWritten  uint64
	LogTruncated  bool

	CreatedAtMs     int64
	StartedAtMs     int64
	FinishedAtMs    int64
	LastScannedAtMs int64

	Pgid int

	KillSignalSent  bool
	SigtermSentAtMs int64

	Limits JobLimits

	stdout io.ReadCloser
	stderr io.ReadCloser

	// awaitingKill keeps a job reachable by the scan cursor after its
	// public Status has already latched to a terminal value (Timeout),
	// so the follow-up SIGKILL and pipe close still happen once
	// KillGraceMs elapses.
	awaitingKill bool
}

// newJob constructs a Pending job ready for admission. limits, if the
// zero value, is replaced with DefaultJobLimits.
func newJob(id, command string, limits JobLimits) *Job {
	if limits == (JobLimits{}) {
		limits = DefaultJobLimits()
	}
	return &Job{
		ID:       id,
		Command:  command,
		Status:   Pending,
		ExitCode: -1,
		Pgid:     -1,
		Limits:   limits,
	}
}

// closePipes releases the job's stdout/stderr handles. It is safe to call
// more than once and is invoked on every exit path, including
// failure-to-spawn, so that a Job never leaks a file descriptor.
func (j *Job) closePipes() {
	if j.stdout != nil {
		j.stdout.Close()
		j.stdout = nil
	}
	if j.stderr != nil {
		j.stderr.Close()
		j.stderr = nil
	}
}

// snapshot returns a copy of the job safe to hand to a caller outside the
// runner's lock; the pipe handles are never copied out.
func (j *Job) snapshot() Job {
	cp := *j
	cp.stdout = nil
	cp.stderr = nil
	cp.Output = append([]byte(nil), j.Output...)
	cp.Error = append([]byte(nil), j.Error...)
	return cp
}
