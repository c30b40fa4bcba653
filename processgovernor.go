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
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// IngressQueueCapacity is the bounded FIFO capacity §4.6 specifies for
// ProcessGovernor's ingress queue.
const IngressQueueCapacity = 256

// pidLivenessTracker, groupPolicyBackend, cgroupApplier and
// kernelApplier are the narrow collaborator interfaces the worker loop
// drives; *PidTracker, *GroupPolicyStore, *CgroupDriver and
// *KernelPrimitiveAppliers satisfy them in production, and tests supply
// fakes the same way jobrunner_test.go's fakeSpawner/fakeInspector
// stand in for Spawner/Inspector.
type pidLivenessTracker interface {
	Track(pid int32, nowNs int64) error
	CleanupDeadPids() []PidEvent
	Wait(timeout time.Duration) []PidEvent
	Close() error
}

type groupPolicyBackend interface {
	UpsertGroup(id string, upd GroupPolicy) bool
	MapPidToGroup(pid int32, id string)
	GetGroupForPid(pid int32) (GroupPolicy, bool)
	Stats() GroupPolicyStats
}

type cgroupApplier interface {
	Apply(pid int32, policy GroupPolicy) (ApplyField, error)
}

type kernelApplier interface {
	ApplyAffinity(pid int32, cpuList string) ApplyOutcome
	ApplyNice(pid int32, nice int8) ApplyOutcome
	ApplyRlimit(pid int32, resource rlimitResource, hasSoft bool, soft uint64, hasHard bool, hard uint64) ApplyOutcome
	ApplyOomScoreAdj(pid int32, value int32) ApplyOutcome
}

// GovEvent is one of the taxonomy entries C6 publishes. PidTracker
// evictions and CGROUP_UNAVAILABLE are not published here: the former
// are only counted by PidTracker.Evictions, the latter is only logged by
// CgroupDriver.
type GovEvent struct {
	Kind   string // APPLY_SUCCESS, APPLY_FAILURE, PID_EXIT, GROUP_EVICTED, PIDMAP_EVICTED
	Pid    int32
	Detail string
}

// ProcessGovernor pumps the ingress queue: parse → track → apply group
// policy (via GroupPolicyStore + CgroupDriver) → apply per-PID rules (via
// KernelPrimitiveAppliers), emitting exactly one APPLY_SUCCESS or
// APPLY_FAILURE event per message, preceded by GROUP_EVICTED and/or
// PIDMAP_EVICTED when the message's group upsert evicted an entry. The
// worker never unwinds on a per-message error; only a failure to create
// its epoll fd at construction is fatal.
type ProcessGovernor struct {
	queue chan GovApplyMsg

	tracker pidLivenessTracker
	groups  groupPolicyBackend
	cgroups cgroupApplier
	kernel  kernelApplier

	events chan GovEvent

	messagesProcessed int64
	messagesFailed    int64

	mu          sync.Mutex
	lastErr     error
	lastDetail  string
	lastApplied map[int32]GovApplyMsg

	stop chan struct{}
	wg   sync.WaitGroup

	log *logrus.Logger

	nowFn func() int64
}

// NewProcessGovernor wires the four collaborators C6 drives. It returns
// an error only if the underlying PidTracker failed to create its epoll
// instance, matching §4.6's one fatal-error path.
func NewProcessGovernor(groups *GroupPolicyStore, cgroups *CgroupDriver, kernel *KernelPrimitiveAppliers, log *logrus.Logger) (*ProcessGovernor, error) {
	tracker, err := NewPidTracker()
	if err != nil {
		return nil, err
	}
	return &ProcessGovernor{
		queue:       make(chan GovApplyMsg, IngressQueueCapacity),
		tracker:     tracker,
		groups:      groups,
		cgroups:     cgroups,
		kernel:      kernel,
		events:      make(chan GovEvent, IngressQueueCapacity),
		lastApplied: make(map[int32]GovApplyMsg),
		stop:        make(chan struct{}),
		log:         log,
		nowFn:       func() int64 { return time.Now().UnixNano() },
	}, nil
}

// newProcessGovernorWithCollaborators is the test-facing constructor:
// it skips PidTracker's real epoll setup so tests can inject fakes for
// all four collaborators, exercising processMessage's worker loop
// without touching the kernel.
func newProcessGovernorWithCollaborators(tracker pidLivenessTracker, groups groupPolicyBackend, cgroups cgroupApplier, kernel kernelApplier, log *logrus.Logger) *ProcessGovernor {
	return &ProcessGovernor{
		queue:       make(chan GovApplyMsg, IngressQueueCapacity),
		tracker:     tracker,
		groups:      groups,
		cgroups:     cgroups,
		kernel:      kernel,
		events:      make(chan GovEvent, IngressQueueCapacity),
		lastApplied: make(map[int32]GovApplyMsg),
		stop:        make(chan struct{}),
		log:         log,
		nowFn:       func() int64 { return time.Now().UnixNano() },
	}
}

// Enqueue offers msg to the ingress queue; it returns false when full,
// which the caller surfaces to the submitter as NACK_QUEUE_FULL.
func (g *ProcessGovernor) Enqueue(msg GovApplyMsg) bool {
	select {
	case g.queue <- msg:
		return true
	default:
		return false
	}
}

// Events returns the channel every APPLY_SUCCESS/APPLY_FAILURE, group or
// pid-map eviction, and PID_EXIT event is published on.
func (g *ProcessGovernor) Events() <-chan GovEvent { return g.events }

// Start launches the apply worker and the epoll watcher goroutines.
func (g *ProcessGovernor) Start() {
	g.wg.Add(2)
	go g.applyLoop()
	go g.epollLoop()
}

// Stop signals both goroutines to exit and waits for them; it does not
// drain the ingress queue, matching the tick-driven core's "shuts down
// by simply not being driven again" convention.
func (g *ProcessGovernor) Stop() {
	close(g.stop)
	g.wg.Wait()
	g.tracker.Close()
}

func (g *ProcessGovernor) applyLoop() {
	defer g.wg.Done()
	for {
		select {
		case <-g.stop:
			return
		case msg := <-g.queue:
			g.processMessage(msg)
		case <-time.After(time.Millisecond):
			g.drainDeadPids()
		}
	}
}

func (g *ProcessGovernor) drainDeadPids() {
	for _, ev := range g.tracker.CleanupDeadPids() {
		g.publish(GovEvent{Kind: ev.Kind, Pid: ev.Pid})
	}
}

func (g *ProcessGovernor) epollLoop() {
	defer g.wg.Done()
	for {
		select {
		case <-g.stop:
			return
		default:
		}
		for _, ev := range g.tracker.Wait(10 * time.Millisecond) {
			g.publish(GovEvent{Kind: ev.Kind, Pid: ev.Pid})
		}
	}
}

// processMessage implements the seven-step worker loop of §4.6 for a
// single message.
func (g *ProcessGovernor) processMessage(msg GovApplyMsg) {
	g.drainDeadPids()

	if err := g.tracker.Track(msg.Pid, g.nowFn()); err != nil {
		g.recordFailure(err, "process_dead")
		g.publish(GovEvent{Kind: "APPLY_FAILURE", Pid: msg.Pid, Detail: "ESRCH"})
		return
	}

	var applied ApplyField

	if msg.HasGroup {
		before := g.groups.Stats()
		g.groups.UpsertGroup(msg.Group, groupPolicyFromMsg(msg))
		g.groups.MapPidToGroup(msg.Pid, msg.Group)
		after := g.groups.Stats()
		if after.GroupEvictions > before.GroupEvictions {
			g.publish(GovEvent{Kind: "GROUP_EVICTED", Pid: msg.Pid})
		}
		if after.PidmapEvictions > before.PidmapEvictions {
			g.publish(GovEvent{Kind: "PIDMAP_EVICTED", Pid: msg.Pid})
		}

		if merged, ok := g.groups.GetGroupForPid(msg.Pid); ok {
			if _, err := g.cgroups.Apply(msg.Pid, merged); err != nil {
				g.recordFailure(err, "cgroup")
			}
		}
	}

	// Fixed order is required for idempotence: affinity -> nice ->
	// rlimit -> oom_score_adj.
	if msg.HasCPU && msg.CPU.HasAffinity {
		if out := g.kernel.ApplyAffinity(msg.Pid, msg.CPU.Affinity); !out.OK {
			g.recordFailure(out.Err, out.Detail)
			g.publish(GovEvent{Kind: "APPLY_FAILURE", Pid: msg.Pid, Detail: out.Detail})
			return
		} else {
			applied |= out.Applied
		}
	}
	if msg.HasCPU && msg.CPU.HasNice {
		if out := g.kernel.ApplyNice(msg.Pid, msg.CPU.Nice); !out.OK {
			g.recordFailure(out.Err, out.Detail)
			g.publish(GovEvent{Kind: "APPLY_FAILURE", Pid: msg.Pid, Detail: out.Detail})
			return
		} else {
			applied |= out.Applied
		}
	}
	if msg.HasRlim {
		if msg.Rlim.HasNofileSoft || msg.Rlim.HasNofileHard {
			out := g.kernel.ApplyRlimit(msg.Pid, rlimitNofile, msg.Rlim.HasNofileSoft, msg.Rlim.NofileSoft, msg.Rlim.HasNofileHard, msg.Rlim.NofileHard)
			if !out.OK {
				g.recordFailure(out.Err, out.Detail)
				g.publish(GovEvent{Kind: "APPLY_FAILURE", Pid: msg.Pid, Detail: out.Detail})
				return
			}
			applied |= out.Applied
		}
		if msg.Rlim.HasCoreSoft || msg.Rlim.HasCoreHard {
			out := g.kernel.ApplyRlimit(msg.Pid, rlimitCore, msg.Rlim.HasCoreSoft, msg.Rlim.CoreSoft, msg.Rlim.HasCoreHard, msg.Rlim.CoreHard)
			if !out.OK {
				g.recordFailure(out.Err, out.Detail)
				g.publish(GovEvent{Kind: "APPLY_FAILURE", Pid: msg.Pid, Detail: out.Detail})
				return
			}
			applied |= out.Applied
		}
	}
	if msg.HasOomScoreAdj {
		if out := g.kernel.ApplyOomScoreAdj(msg.Pid, msg.OomScoreAdj); !out.OK {
			g.recordFailure(out.Err, out.Detail)
			g.publish(GovEvent{Kind: "APPLY_FAILURE", Pid: msg.Pid, Detail: out.Detail})
			return
		} else {
			applied |= out.Applied
		}
	}

	atomic.AddInt64(&g.messagesProcessed, 1)
	g.mu.Lock()
	g.lastApplied[msg.Pid] = msg
	g.mu.Unlock()
	g.publish(GovEvent{Kind: "APPLY_SUCCESS", Pid: msg.Pid})
}

// LastApplied returns the most recently applied message for pid, and
// whether one has ever been recorded.
func (g *ProcessGovernor) LastApplied(pid int32) (GovApplyMsg, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	msg, ok := g.lastApplied[pid]
	return msg, ok
}

func groupPolicyFromMsg(msg GovApplyMsg) GroupPolicy {
	var gp GroupPolicy
	if msg.HasCPU && msg.CPU.HasMaxPct {
		gp.HasCPUMaxPct, gp.CPUMaxPct = true, msg.CPU.MaxPct
	}
	if msg.HasMem && msg.Mem.HasMaxBytes {
		gp.HasMemMaxBytes, gp.MemMaxBytes = true, msg.Mem.MaxBytes
	}
	if msg.HasPids && msg.Pids.HasMax {
		gp.HasPidsMax, gp.PidsMax = true, msg.Pids.Max
	}
	return gp
}

func (g *ProcessGovernor) recordFailure(err error, detail string) {
	atomic.AddInt64(&g.messagesFailed, 1)
	g.mu.Lock()
	g.lastErr = err
	g.lastDetail = detail
	g.mu.Unlock()
	if g.log != nil {
		g.log.WithError(err).WithField("detail", detail).Warn("apply failed")
	}
}

func (g *ProcessGovernor) publish(ev GovEvent) {
	select {
	case g.events <- ev:
	default:
		// events channel is sized to the ingress queue; a full events
		// channel means the reader has stopped draining, which is the
		// reader's bug, not the worker's to block on.
	}
}

// Stats reports the worker's lifetime message counters.
func (g *ProcessGovernor) Stats() (processed, failed int64, lastErr error, lastDetail string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return atomic.LoadInt64(&g.messagesProcessed), atomic.LoadInt64(&g.messagesFailed), g.lastErr, g.lastDetail
}
