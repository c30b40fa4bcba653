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

// Package control implements the line-oriented request/response
// protocol governd serves over a Unix domain socket. It owns the
// socket; every command it understands is dispatched into read-only or
// mutating accessors on a *govern.Daemon, never into new locking or
// business logic of its own.
package control

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/vireolabs/govern"
)

// Server accepts connections on a Unix socket and dispatches each
// newline-framed request line to Dispatch, writing back its response and
// keeping the connection open for further lines.
type Server struct {
	daemon   *govern.Daemon
	listener net.Listener
	nowMs    func() int64
}

// NewServer binds path and returns a Server ready to Serve. It does not
// remove a stale socket file left behind by an unclean shutdown; binding
// fails if one is present, so the caller removes it first.
func NewServer(path string, daemon *govern.Daemon, nowMs func() int64) (*Server, error) {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	return &Server{daemon: daemon, listener: ln, nowMs: nowMs}, nil
}

// Addr returns the socket's bound address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Close stops accepting new connections.
func (s *Server) Close() error { return s.listener.Close() }

// Serve accepts connections until the listener is closed, handling each
// on its own goroutine.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return err
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			for {
				idx := indexByte(buf, '\n')
				if idx < 0 {
					break
				}
				line := strings.TrimRight(string(buf[:idx]), "\r")
				buf = buf[idx+1:]
				resp := Dispatch(s.daemon, line, s.nowMs())
				conn.Write([]byte(resp))
			}
		}
		if err != nil {
			return
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// Dispatch implements the full command table of the wire protocol,
// consuming a single request line and returning its already
// newline-terminated response. It performs no I/O of its own beyond
// reading state off daemon through the accessors govern already
// exposes.
func Dispatch(d *govern.Daemon, line string, nowMs int64) string {
	line = strings.TrimSpace(line)
	if line == "" {
		return "error\nempty request\n"
	}
	fields := strings.SplitN(line, " ", 2)
	cmd := fields[0]
	var rest string
	if len(fields) > 1 {
		rest = fields[1]
	}

	switch cmd {
	case "ping":
		return "pong\n"
	case "status":
		return dispatchStatus(d)
	case "metrics":
		return dispatchMetrics(d, rest)
	case "governor/policy":
		return dispatchPolicyGet(d)
	case "governor/policy_update":
		return dispatchPolicyUpdate(d, rest)
	case "governor/diagnostics":
		return dispatchDiagnostics(d)
	case "job":
		return dispatchJob(d, rest, nowMs)
	default:
		return "error\nunknown command\n"
	}
}

func dispatchStatus(d *govern.Daemon) string {
	diag := d.Runner.Diagnostics()
	var latest govern.SystemMetrics
	if tail := d.Metrics.Tail(1); len(tail) == 1 {
		latest = tail[0]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "version: %s\n", govern.Version)
	fmt.Fprintf(&b, "cpu_pct: %.2f\n", latest.CPUPct)
	fmt.Fprintf(&b, "mem_total: %d\n", latest.MemTotalKb)
	fmt.Fprintf(&b, "mem_free: %d\n", latest.MemFreeKb)
	fmt.Fprintf(&b, "mem_pct: %.2f\n", latest.MemPct)
	fmt.Fprintf(&b, "running_jobs: %d\n", diag.RunningCount)
	fmt.Fprintf(&b, "queued_jobs: %d\n", diag.QueuedCount)
	fmt.Fprintf(&b, "rejected_jobs: %d\n", d.Runner.RejectedCount())
	fmt.Fprintf(&b, "blocked_reason: %s\n", diag.BlockReason)
	fmt.Fprintf(&b, "retry_after_ms: %d\n", diag.RetryAfterMs)
	return b.String()
}

func dispatchMetrics(d *govern.Daemon, rest string) string {
	args := strings.Fields(rest)
	if len(args) == 0 {
		return "error\nusage: metrics latest|tail <n>\n"
	}
	switch args[0] {
	case "latest":
		tail := d.Metrics.Tail(1)
		if len(tail) == 0 {
			return "error\nno samples yet\n"
		}
		m := tail[0]
		return fmt.Sprintf("ts: %d\ncpu_pct: %.2f\nmem_total: %d\nmem_free: %d\n", m.TimestampMs, m.CPUPct, m.MemTotalKb, m.MemFreeKb)
	case "tail":
		n := 10
		if len(args) > 1 {
			if v, err := strconv.Atoi(args[1]); err == nil {
				n = v
			}
		}
		samples := d.Metrics.Tail(n)
		var b strings.Builder
		for _, m := range samples {
			fmt.Fprintf(&b, "%d,%.2f,%d,%d\n", m.TimestampMs, m.CPUPct, m.MemTotalKb, m.MemFreeKb)
		}
		return b.String()
	default:
		return "error\nusage: metrics latest|tail <n>\n"
	}
}

func dispatchPolicyGet(d *govern.Daemon) string {
	p := d.Governor.Policy()
	var b strings.Builder
	fmt.Fprintf(&b, "max_running_jobs: %d\n", p.MaxRunningJobs)
	fmt.Fprintf(&b, "max_queue_depth: %d\n", p.MaxQueueDepth)
	fmt.Fprintf(&b, "cpu_high_watermark_pct: %g\n", p.CPUHighWatermarkPct)
	fmt.Fprintf(&b, "mem_high_watermark_pct: %g\n", p.MemHighWatermarkPct)
	fmt.Fprintf(&b, "cooldown_ms: %d\n", p.CooldownMs)
	fmt.Fprintf(&b, "min_start_gap_ms: %d\n", p.MinStartGapMs)
	return b.String()
}

func dispatchPolicyUpdate(d *govern.Daemon, body string) string {
	var next govern.GovernorPolicy
	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&next); err != nil {
		if field, ok := unknownFieldName(err); ok {
			return "error\nvalidation_failed\nunknown_field: " + field + "\n"
		}
		return "error\nvalidation_failed\nbody: " + err.Error() + "\n"
	}
	result := d.Governor.ValidateAndUpdate(next)
	if !result.Success {
		var b strings.Builder
		b.WriteString("error\nvalidation_failed\n")
		for _, e := range result.Errors {
			fmt.Fprintf(&b, "%s: %s\n", e.Field, e.Message)
		}
		return b.String()
	}
	out, _ := json.Marshal(result.EffectivePolicy)
	return "policy_updated\n" + string(out) + "\n"
}

// unknownFieldName extracts the offending field name from the error
// encoding/json's DisallowUnknownFields produces ("json: unknown
// field \"foo\""), matching C1's own unknown-field NACK detail so both
// wire protocols report rejections the same way.
func unknownFieldName(err error) (string, bool) {
	const prefix = "json: unknown field "
	msg := err.Error()
	if !strings.HasPrefix(msg, prefix) {
		return "", false
	}
	return strings.Trim(msg[len(prefix):], `"`), true
}

func dispatchDiagnostics(d *govern.Daemon) string {
	diag := d.Runner.Diagnostics()
	var b strings.Builder
	fmt.Fprintf(&b, "now_ms: %d\n", diag.NowMs)
	fmt.Fprintf(&b, "decision: %s\n", diag.Decision)
	fmt.Fprintf(&b, "block_reason: %s\n", diag.BlockReason)
	fmt.Fprintf(&b, "retry_after_ms: %d\n", diag.RetryAfterMs)
	fmt.Fprintf(&b, "running_count: %d\n", diag.RunningCount)
	fmt.Fprintf(&b, "queued_count: %d\n", diag.QueuedCount)
	fmt.Fprintf(&b, "jobs_started_this_tick: %d\n", diag.JobsStartedThisTick)
	fmt.Fprintf(&b, "jobs_scanned_this_tick: %d\n", diag.JobsScannedThisTick)
	fmt.Fprintf(&b, "scan_cursor_position: %d\n", diag.ScanCursorPosition)
	return b.String()
}

func dispatchJob(d *govern.Daemon, rest string, nowMs int64) string {
	args := strings.SplitN(rest, " ", 2)
	if len(args) == 0 || args[0] == "" {
		return "error\nusage: job run|status|tail|cancel\n"
	}
	sub := args[0]
	var arg string
	if len(args) > 1 {
		arg = strings.TrimSpace(args[1])
	}

	switch sub {
	case "run":
		id, ok := d.Runner.Submit(arg, govern.JobLimits{})
		if !ok {
			return "error\nqueue_full\n"
		}
		return "id: " + id + "\nstatus: pending\n"

	case "status":
		if arg == "" {
			jobs := d.Runner.RecentJobs(10)
			var b strings.Builder
			for _, j := range jobs {
				fmt.Fprintf(&b, "id: %s\nstatus: %s\nexit_code: %d\n\n", j.ID, j.Status, j.ExitCode)
			}
			return b.String()
		}
		job, ok := d.Runner.GetJobStatus(arg)
		if !ok {
			return "error\njob not found\n"
		}
		return fmt.Sprintf("id: %s\nstatus: %s\nexit_code: %d\n", job.ID, job.Status, job.ExitCode)

	case "tail":
		job, ok := d.Runner.GetJobStatus(arg)
		if !ok {
			return "error\njob not found\n"
		}
		return fmt.Sprintf("id: %s\nstatus: %s\noutput: %s\nerror: %s\n", job.ID, job.Status, job.Output, job.Error)

	case "cancel":
		if !d.Runner.Cancel(arg) {
			return "error\ncannot cancel\n"
		}
		return "cancelled\n"

	default:
		return "error\nusage: job run|status|tail|cancel\n"
	}
}
