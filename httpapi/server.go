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

// Package httpapi is a read-only HTTP mirror of the control-socket
// protocol's read commands, for a browser or monitoring scraper. It
// never mutates governor or job state: there is no route that runs a
// job or updates a policy, matching the control socket's exclusive
// ownership of mutation.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/vireolabs/govern"
)

const mimeJSON = "application/json"

// Handler wraps a *govern.Daemon, adding http.Handler functionality.
type Handler struct {
	d *govern.Daemon
	r *mux.Router
}

// NewHandler builds the route table described in SPEC_FULL.md §4.11.
func NewHandler(d *govern.Daemon) *Handler {
	h := &Handler{d: d, r: mux.NewRouter()}
	h.r.HandleFunc("/status", h.getStatus).Methods("GET")
	h.r.HandleFunc("/governor/diagnostics", h.getDiagnostics).Methods("GET")
	h.r.HandleFunc("/governor/policy", h.getPolicy).Methods("GET")
	h.r.HandleFunc("/jobs", h.listJobs).Methods("GET")
	h.r.HandleFunc("/jobs/{id}", h.getJob).Methods("GET")
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.r.ServeHTTP(w, r)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", mimeJSON)
	w.Write(b)
}

type statusView struct {
	Version      string  `json:"version"`
	CPUPct       float64 `json:"cpu_pct"`
	MemTotalKb   uint64  `json:"mem_total_kb"`
	MemFreeKb    uint64  `json:"mem_free_kb"`
	RunningJobs  int     `json:"running_jobs"`
	QueuedJobs   int     `json:"queued_jobs"`
	RejectedJobs int64   `json:"rejected_jobs"`
	BlockReason  string  `json:"blocked_reason"`
	RetryAfterMs int64   `json:"retry_after_ms"`
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	diag := h.d.Runner.Diagnostics()
	var latest govern.SystemMetrics
	if tail := h.d.Metrics.Tail(1); len(tail) == 1 {
		latest = tail[0]
	}
	h.writeJSON(w, statusView{
		Version:      govern.Version,
		CPUPct:       latest.CPUPct,
		MemTotalKb:   latest.MemTotalKb,
		MemFreeKb:    latest.MemFreeKb,
		RunningJobs:  diag.RunningCount,
		QueuedJobs:   diag.QueuedCount,
		RejectedJobs: h.d.Runner.RejectedCount(),
		BlockReason:  diag.BlockReason.String(),
		RetryAfterMs: diag.RetryAfterMs,
	})
}

func (h *Handler) getDiagnostics(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.d.Runner.Diagnostics())
}

func (h *Handler) getPolicy(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.d.Governor.Policy())
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.d.Runner.RecentJobs(50))
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, ok := h.d.Runner.GetJobStatus(id)
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, job)
}
