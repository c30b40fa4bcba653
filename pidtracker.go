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
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// MaxTrackedPids bounds the PidTracker's table; insertion past this
// capacity evicts the least-recently-seen entry.
const MaxTrackedPids = 4096

// epollMaxEvents bounds a single epoll_wait batch.
const epollMaxEvents = 64

// pidTrackState is the per-PID state machine §4.5 describes.
type pidTrackState int

const (
	trackedByFd pidTrackState = iota
	trackedByStartTime
)

type trackedPid struct {
	pid       int32
	state     pidTrackState
	fd        int   // valid when state == trackedByFd
	startTime int64 // valid when state == trackedByStartTime
	lastSeenNs int64
}

// PidTracker discovers process exit without polling, using pidfd+epoll
// where the kernel supports it and a procfs start-time fingerprint
// otherwise. Exactly one goroutine calls Wait (the epoll owner) and
// exactly one calls CleanupDeadPids (the ingress worker); both
// synchronize on the table through mu.
type PidTracker struct {
	mu      sync.Mutex
	byPid   map[int32]*trackedPid
	order   []*trackedPid // physical insertion order, for LRU tie-break
	epollFd int

	evictions int64
}

// PidEvent reports a tracked PID's exit. An entry evicted at capacity
// produces no PidEvent; it is only counted by Evictions.
type PidEvent struct {
	Pid    int32
	Kind   string // always "PID_EXIT"
}

// NewPidTracker creates the epoll instance the tracker will watch
// pidfd-backed entries on. A failure here is the one fatal error the
// tracker can raise; callers must not partially start the worker if it
// occurs.
func NewPidTracker() (*PidTracker, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &PidTracker{
		byPid:   make(map[int32]*trackedPid),
		epollFd: fd,
	}, nil
}

// Close releases the epoll fd and any pidfds the tracker still owns.
func (t *PidTracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.order {
		if e != nil && e.state == trackedByFd {
			unix.Close(e.fd)
		}
	}
	return unix.Close(t.epollFd)
}

// readStartTimeTicks reads field 22 (starttime, in clock ticks) from
// /proc/<pid>/stat. The comm field can itself contain spaces and
// parentheses, so the scan starts after the last ')' rather than
// splitting naively on spaces.
func readStartTimeTicks(pid int32) (int64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}
	line := string(data)
	close := strings.LastIndexByte(line, ')')
	if close < 0 || close+2 > len(line) {
		return 0, fmt.Errorf("malformed /proc/%d/stat", pid)
	}
	fields := strings.Fields(line[close+2:])
	// field 22 overall == index 19 (0-based) in the fields following comm.
	const startTimeFieldAfterComm = 19
	if len(fields) <= startTimeFieldAfterComm {
		return 0, fmt.Errorf("short /proc/%d/stat", pid)
	}
	var ticks int64
	if _, err := fmt.Sscanf(fields[startTimeFieldAfterComm], "%d", &ticks); err != nil {
		return 0, err
	}
	return ticks, nil
}

// pidfdOpen wraps the raw pidfd_open(2) syscall, which golang.org/x/sys
// exposes via the generic Syscall entry point rather than a named
// wrapper on older vendored versions.
func pidfdOpen(pid int32) (int, error) {
	fd, _, errno := unix.Syscall(unix.SYS_PIDFD_OPEN, uintptr(pid), 0, 0)
	if errno != 0 {
		return -1, errno
	}
	return int(fd), nil
}

// Track registers pid for exit notification, preferring pidfd+epoll and
// falling back to a procfs start-time fingerprint. It evicts the
// least-recently-seen entry first if the table is already at capacity.
func (t *PidTracker) Track(pid int32, nowNs int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.byPid[pid]; exists {
		t.touch(pid, nowNs)
		return nil
	}

	if len(t.byPid) >= MaxTrackedPids {
		t.evictOldestLocked()
	}

	entry := &trackedPid{pid: pid, lastSeenNs: nowNs}
	if fd, err := pidfdOpen(pid); err == nil {
		ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP, Fd: int32(fd)}
		if err := unix.EpollCtl(t.epollFd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			unix.Close(fd)
			if err := t.trackByStartTimeLocked(entry, pid); err != nil {
				return err
			}
		} else {
			entry.state = trackedByFd
			entry.fd = fd
		}
	} else {
		if err := t.trackByStartTimeLocked(entry, pid); err != nil {
			return err
		}
	}

	t.byPid[pid] = entry
	t.order = append(t.order, entry)
	return nil
}

func (t *PidTracker) trackByStartTimeLocked(entry *trackedPid, pid int32) error {
	st, err := readStartTimeTicks(pid)
	if err != nil {
		return err
	}
	entry.state = trackedByStartTime
	entry.startTime = st
	return nil
}

func (t *PidTracker) touch(pid int32, nowNs int64) {
	if e, ok := t.byPid[pid]; ok {
		e.lastSeenNs = nowNs
	}
}

// evictOldestLocked removes the entry with the smallest lastSeenNs,
// breaking ties by physical slot index in t.order; callers must hold mu.
func (t *PidTracker) evictOldestLocked() {
	oldestIdx := -1
	var oldestTs int64
	for i, e := range t.order {
		if e == nil {
			continue
		}
		if oldestIdx == -1 || e.lastSeenNs < oldestTs {
			oldestIdx, oldestTs = i, e.lastSeenNs
		}
	}
	if oldestIdx == -1 {
		return
	}
	e := t.order[oldestIdx]
	if e.state == trackedByFd {
		unix.EpollCtl(t.epollFd, unix.EPOLL_CTL_DEL, e.fd, nil)
		unix.Close(e.fd)
	}
	delete(t.byPid, e.pid)
	t.order[oldestIdx] = nil
	t.evictions++
}

// Untrack removes pid from the table without emitting an event, for
// callers that already know the process exited through another path.
func (t *PidTracker) Untrack(pid int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(pid)
}

func (t *PidTracker) removeLocked(pid int32) {
	e, ok := t.byPid[pid]
	if !ok {
		return
	}
	if e.state == trackedByFd {
		unix.EpollCtl(t.epollFd, unix.EPOLL_CTL_DEL, e.fd, nil)
		unix.Close(e.fd)
	}
	delete(t.byPid, pid)
	for i, o := range t.order {
		if o == e {
			t.order[i] = nil
			break
		}
	}
}

// CleanupDeadPids scans the procfs-fallback entries and removes any
// whose /proc/<pid>/stat is missing or whose start-time no longer
// matches, returning a PID_EXIT event per removed entry.
func (t *PidTracker) CleanupDeadPids() []PidEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	var events []PidEvent
	for pid, e := range t.byPid {
		if e.state != trackedByStartTime {
			continue
		}
		st, err := readStartTimeTicks(pid)
		if err != nil || st != e.startTime {
			t.removeLocked(pid)
			events = append(events, PidEvent{Pid: pid, Kind: "PID_EXIT"})
		}
	}
	return events
}

// Wait blocks in epoll_wait up to timeout (callers should pass a small
// bound, e.g. 10ms, to permit shutdown polling) and returns a PID_EXIT
// event for every fd that became readable or hung up.
func (t *PidTracker) Wait(timeout time.Duration) []PidEvent {
	events := make([]unix.EpollEvent, epollMaxEvents)
	n, err := unix.EpollWait(t.epollFd, events, int(timeout/time.Millisecond))
	if err != nil || n <= 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	var out []PidEvent
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		for pid, e := range t.byPid {
			if e.state == trackedByFd && e.fd == fd {
				t.removeLocked(pid)
				out = append(out, PidEvent{Pid: pid, Kind: "PID_EXIT"})
				break
			}
		}
	}
	return out
}

// IsTracked reports whether pid currently has a live entry.
func (t *PidTracker) IsTracked(pid int32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.byPid[pid]
	return ok
}

// Evictions returns the lifetime count of entries evicted at capacity.
func (t *PidTracker) Evictions() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.evictions
}

// Len returns the number of currently tracked PIDs.
func (t *PidTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byPid)
}
