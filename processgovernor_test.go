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
	"errors"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

// fakeTracker, fakeGroups, fakeCgroups and fakeKernel are the test-side
// collaborators for ProcessGovernor's worker loop, mirroring the
// fakeSpawner/fakeInspector pattern used against JobRunner.
type fakeTracker struct {
	mu      sync.Mutex
	dead    map[int32]bool
	tracked []int32
}

func (f *fakeTracker) Track(pid int32, nowNs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead[pid] {
		return errors.New("no such process")
	}
	f.tracked = append(f.tracked, pid)
	return nil
}

func (f *fakeTracker) CleanupDeadPids() []PidEvent { return nil }
func (f *fakeTracker) Wait(time.Duration) []PidEvent { return nil }
func (f *fakeTracker) Close() error                  { return nil }

type fakeGroups struct {
	mu       sync.Mutex
	policies map[string]GroupPolicy
	pidGroup map[int32]string
}

func newFakeGroups() *fakeGroups {
	return &fakeGroups{policies: map[string]GroupPolicy{}, pidGroup: map[int32]string{}}
}

func (f *fakeGroups) UpsertGroup(id string, upd GroupPolicy) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policies[id] = upd
	return false
}

func (f *fakeGroups) MapPidToGroup(pid int32, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pidGroup[pid] = id
}

func (f *fakeGroups) GetGroupForPid(pid int32) (GroupPolicy, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.pidGroup[pid]
	if !ok {
		return GroupPolicy{}, false
	}
	p, ok := f.policies[id]
	return p, ok
}

func (f *fakeGroups) Stats() GroupPolicyStats { return GroupPolicyStats{} }

type fakeCgroups struct {
	fail    bool
	applied []int32
}

func (f *fakeCgroups) Apply(pid int32, policy GroupPolicy) (ApplyField, error) {
	if f.fail {
		return 0, errors.New("cgroup apply failed")
	}
	f.applied = append(f.applied, pid)
	return FieldCPUMaxPct, nil
}

type fakeKernel struct {
	failAffinity bool
}

func (f *fakeKernel) ApplyAffinity(pid int32, cpuList string) ApplyOutcome {
	if f.failAffinity {
		return ApplyOutcome{OK: false, Err: errors.New("bad affinity"), Detail: "affinity"}
	}
	return ApplyOutcome{OK: true, Applied: FieldCPUAffinity}
}

func (f *fakeKernel) ApplyNice(pid int32, nice int8) ApplyOutcome {
	return ApplyOutcome{OK: true, Applied: FieldCPUNice}
}

func (f *fakeKernel) ApplyRlimit(pid int32, resource rlimitResource, hasSoft bool, soft uint64, hasHard bool, hard uint64) ApplyOutcome {
	return ApplyOutcome{OK: true, Applied: FieldRlimNofile}
}

func (f *fakeKernel) ApplyOomScoreAdj(pid int32, value int32) ApplyOutcome {
	return ApplyOutcome{OK: true, Applied: FieldOomScoreAdj}
}

func TestProcessMessageAppliesAndRecordsLastRule(t *testing.T) {
	Convey("Given a governor with fake collaborators", t, func() {
		tracker := &fakeTracker{dead: map[int32]bool{}}
		groups := newFakeGroups()
		cgroups := &fakeCgroups{}
		kernel := &fakeKernel{}
		g := newProcessGovernorWithCollaborators(tracker, groups, cgroups, kernel, nil)

		msg := GovApplyMsg{
			Pid:      100,
			HasGroup: true,
			Group:    "web",
			HasCPU:   true,
			CPU:      CPUPolicy{HasAffinity: true, Affinity: "0-1", HasNice: true, Nice: 5},
		}

		Convey("processing a full message applies the group's cgroup policy and records the rule", func() {
			g.processMessage(msg)

			processed, failed, _, _ := g.Stats()
			So(processed, ShouldEqual, int64(1))
			So(failed, ShouldEqual, int64(0))
			So(cgroups.applied, ShouldResemble, []int32{100})

			last, ok := g.LastApplied(100)
			So(ok, ShouldBeTrue)
			So(last, ShouldResemble, msg)

			ev := <-g.Events()
			So(ev.Kind, ShouldEqual, "APPLY_SUCCESS")
			So(ev.Pid, ShouldEqual, int32(100))
		})

		Convey("a dead pid short-circuits before any apply and is never recorded", func() {
			tracker.dead[100] = true
			g.processMessage(msg)

			_, failed, _, lastDetail := g.Stats()
			So(failed, ShouldEqual, int64(1))
			So(lastDetail, ShouldEqual, "process_dead")

			_, ok := g.LastApplied(100)
			So(ok, ShouldBeFalse)

			ev := <-g.Events()
			So(ev.Kind, ShouldEqual, "APPLY_FAILURE")
			So(ev.Detail, ShouldEqual, "ESRCH")
		})

		Convey("a failing kernel applier stops the fixed-order chain and is not recorded", func() {
			kernel.failAffinity = true
			g.processMessage(msg)

			_, failed, lastErr, _ := g.Stats()
			So(failed, ShouldEqual, int64(1))
			So(lastErr, ShouldNotBeNil)

			_, ok := g.LastApplied(100)
			So(ok, ShouldBeFalse)

			ev := <-g.Events()
			So(ev.Kind, ShouldEqual, "APPLY_FAILURE")
			So(ev.Detail, ShouldEqual, "affinity")
		})

		Convey("a second successful message for the same pid overwrites the recorded rule", func() {
			g.processMessage(msg)
			second := msg
			second.CPU.Nice = 9
			g.processMessage(second)

			last, ok := g.LastApplied(100)
			So(ok, ShouldBeTrue)
			So(last.CPU.Nice, ShouldEqual, int8(9))
		})
	})
}

func TestProcessMessageWithoutGroupSkipsCgroupApply(t *testing.T) {
	Convey("Given a message with no group policy", t, func() {
		tracker := &fakeTracker{dead: map[int32]bool{}}
		groups := newFakeGroups()
		cgroups := &fakeCgroups{}
		kernel := &fakeKernel{}
		g := newProcessGovernorWithCollaborators(tracker, groups, cgroups, kernel, nil)

		Convey("processMessage never calls the cgroup applier", func() {
			g.processMessage(GovApplyMsg{Pid: 7, HasOomScoreAdj: true, OomScoreAdj: 100})

			So(cgroups.applied, ShouldBeEmpty)
			last, ok := g.LastApplied(7)
			So(ok, ShouldBeTrue)
			So(last.OomScoreAdj, ShouldEqual, int32(100))
		})
	})
}
