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
	"io"
	"sync"
	"syscall"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

// fakeSpawner and fakeInspector are the test-side capability
// implementations §9 calls for: they satisfy Spawner/Inspector with no
// shared base type, letting tests drive JobRunner deterministically
// without touching a real kernel.
type fakeSpawner struct {
	mu      sync.Mutex
	nextPgid int
	fail    bool
}

func (f *fakeSpawner) Spawn(command string) (int, io.ReadCloser, io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, nil, nil, io.ErrClosedPipe
	}
	f.nextPgid++
	return f.nextPgid, io.NopCloser(emptyReader{}), io.NopCloser(emptyReader{}), nil
}

type emptyReader struct{}

func (emptyReader) Read(p []byte) (int, error) { return 0, io.EOF }

type fakeInspector struct {
	mu           sync.Mutex
	processCount map[int]int
	completed    map[int]int32
	signals      []signalCall
}

type signalCall struct {
	pgid int
	sig  syscall.Signal
}

func newFakeInspector() *fakeInspector {
	return &fakeInspector{processCount: map[int]int{}, completed: map[int]int32{}}
}

func (f *fakeInspector) CheckCompletion(pgid int) (bool, int32, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if code, ok := f.completed[pgid]; ok {
		return true, code, true
	}
	return false, 0, false
}

func (f *fakeInspector) ProcessCount(pgid int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processCount[pgid]
}

func (f *fakeInspector) Signal(pgid int, sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, signalCall{pgid, sig})
	return nil
}

func TestQueueFullRejects(t *testing.T) {
	Convey("Given a runner with max_queue_depth=2", t, func() {
		policy := DefaultResourcePolicy()
		policy.MaxQueueDepth = 2
		gov := NewResourceGovernor(DefaultGovernorPolicy())
		runner := NewJobRunner(policy, gov, &fakeSpawner{}, newFakeInspector())

		Convey("submitting 3 jobs admits only 2 to the queue", func() {
			_, ok1 := runner.Submit("echo 1", JobLimits{})
			_, ok2 := runner.Submit("echo 2", JobLimits{})
			_, ok3 := runner.Submit("echo 3", JobLimits{})

			So(ok1, ShouldBeTrue)
			So(ok2, ShouldBeTrue)
			So(ok3, ShouldBeFalse)
			So(runner.RejectedCount(), ShouldEqual, int64(1))

			Convey("ticking once with cpu=10,mem=50 admits the 2 queued jobs", func() {
				diag := runner.Tick(1000, 10, 50)
				So(diag.RunningCount, ShouldEqual, 2)
			})
		})
	})
}

func TestRunningCapHolds(t *testing.T) {
	Convey("Given a runner with max_running_jobs=2 and 5 pending jobs", t, func() {
		policy := DefaultResourcePolicy()
		policy.MaxConcurrentJobs = 2
		policy.MaxJobStartsPerTick = 5
		govPolicy := DefaultGovernorPolicy()
		govPolicy.MaxRunningJobs = 2
		gov := NewResourceGovernor(govPolicy)
		runner := NewJobRunner(policy, gov, &fakeSpawner{}, newFakeInspector())

		for i := 0; i < 5; i++ {
			runner.Submit("sleep 100", JobLimits{})
		}

		Convey("ticking once starts exactly 2 and holds the rest", func() {
			diag := runner.Tick(1000, 10, 10)
			So(diag.RunningCount, ShouldEqual, 2)
			So(diag.Decision, ShouldEqual, StartNow)

			Convey("a second tick observes the running cap and holds", func() {
				diag2 := runner.Tick(1500, 10, 10)
				So(diag2.Decision, ShouldEqual, HoldQueue)
				So(diag2.BlockReason, ShouldEqual, BlockRunningLimit)
			})
		})
	})
}

func TestTimeoutKillsProcessGroup(t *testing.T) {
	Convey("Given a job with max_runtime_ms=100", t, func() {
		policy := DefaultResourcePolicy()
		policy.KillGraceMs = 50
		gov := NewResourceGovernor(DefaultGovernorPolicy())
		inspector := newFakeInspector()
		runner := NewJobRunner(policy, gov, &fakeSpawner{}, inspector)

		id, _ := runner.Submit("sleep 1000", JobLimits{MaxRuntimeMs: 100, MaxLogBytes: 1 << 20, MaxChildProcesses: 64})
		runner.Tick(0, 10, 10)

		Convey("ticking past the deadline sends SIGTERM and marks Timeout", func() {
			diag := runner.Tick(101, 10, 10)
			So(diag.JobsScannedThisTick, ShouldBeGreaterThan, 0)

			job, ok := runner.GetJobStatus(id)
			So(ok, ShouldBeTrue)
			So(job.Status, ShouldEqual, Timeout)
			So(inspector.signals, ShouldNotBeEmpty)
			So(inspector.signals[len(inspector.signals)-1].sig, ShouldEqual, syscall.SIGTERM)

			Convey("ticking again after the kill grace sends SIGKILL without regressing the latched status", func() {
				runner.Tick(101+50+1, 10, 10)
				job, _ := runner.GetJobStatus(id)
				So(job.Status, ShouldEqual, Timeout)
				So(inspector.signals[len(inspector.signals)-1].sig, ShouldEqual, syscall.SIGKILL)
			})
		})
	})
}

func TestProcessCapTriggersProcLimit(t *testing.T) {
	Convey("Given a job limited to 10 child processes and an over-limit pgid", t, func() {
		policy := DefaultResourcePolicy()
		policy.KillGraceMs = 100
		gov := NewResourceGovernor(DefaultGovernorPolicy())
		inspector := newFakeInspector()
		runner := NewJobRunner(policy, gov, &fakeSpawner{}, inspector)

		id, _ := runner.Submit("fork bomb", JobLimits{MaxRuntimeMs: 1 << 30, MaxLogBytes: 1 << 20, MaxChildProcesses: 10})
		runner.Tick(0, 10, 10)

		job, _ := runner.GetJobStatus(id)
		inspector.processCount[job.Pgid] = 11

		Convey("the first scan sends SIGTERM", func() {
			runner.Tick(10, 10, 10)
			job, _ := runner.GetJobStatus(id)
			So(job.KillSignalSent, ShouldBeTrue)
			So(job.Status, ShouldEqual, Running)

			Convey("scanning again after kill_grace_ms elapses escalates to SIGKILL/ProcLimit", func() {
				runner.Tick(job.SigtermSentAtMs+policy.KillGraceMs+1, 10, 10)
				job, _ := runner.GetJobStatus(id)
				So(job.Status, ShouldEqual, ProcLimit)
			})
		})
	})
}

func TestCancelPendingIsImmediate(t *testing.T) {
	Convey("Cancelling a Pending job transitions it directly to Cancelled", t, func() {
		gov := NewResourceGovernor(DefaultGovernorPolicy())
		runner := NewJobRunner(DefaultResourcePolicy(), gov, &fakeSpawner{}, newFakeInspector())
		id, _ := runner.Submit("echo hi", JobLimits{})

		ok := runner.Cancel(id)
		So(ok, ShouldBeTrue)

		job, _ := runner.GetJobStatus(id)
		So(job.Status, ShouldEqual, Cancelled)
	})
}

func TestCancelTerminalReturnsFalse(t *testing.T) {
	Convey("Cancelling an already-terminal job returns false", t, func() {
		gov := NewResourceGovernor(DefaultGovernorPolicy())
		runner := NewJobRunner(DefaultResourcePolicy(), gov, &fakeSpawner{}, newFakeInspector())
		id, _ := runner.Submit("echo hi", JobLimits{})
		runner.Cancel(id)

		So(runner.Cancel(id), ShouldBeFalse)
	})
}
