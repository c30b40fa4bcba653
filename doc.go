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

// Package govern implements a host-local process governor and job
// supervisor: a tick-driven admission and limit-enforcement engine for
// shell-command jobs (JobRunner, ResourceGovernor), and a queue-driven
// pipeline for applying CPU/memory/pid/rlimit/oom policies to arbitrary
// PIDs or named groups of PIDs via kernel primitives (ProcessGovernor,
// GroupPolicyStore, CgroupDriver).
//
// The engine is deliberately transport-agnostic: it does not own a
// socket or an HTTP listener. Callers feed it submissions, policy
// payloads, and tick timestamps, and read back job state and
// diagnostics. See package control for the line-oriented protocol that
// governd serves over a Unix socket, and package httpapi for the
// read-only HTTP mirror.
package govern
