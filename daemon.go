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
	"github.com/sirupsen/logrus"
)

// Version is the daemon's protocol/release version, reported by the
// `status` command.
const Version = "0.1.0"

// DaemonConfig collects the settings threaded into a Daemon's
// constructors; the core engine itself owns none of these; they exist to
// wire the ambient transports (control socket, HTTP mirror, policy file)
// around it.
type DaemonConfig struct {
	Name           string
	SocketPath     string
	HTTPAddr       string // empty disables the HTTP mirror
	PolicyPath     string
	LogLevel       logrus.Level
	TickIntervalMs int64
}

// DefaultDaemonConfig fills in the reference defaults: a 500ms tick,
// floored at 100ms by NewDaemon if the caller supplies something lower.
func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		Name:           "governd",
		SocketPath:     "/run/governd.sock",
		PolicyPath:     "/etc/governd/policy.json",
		LogLevel:       logrus.InfoLevel,
		TickIntervalMs: 500,
	}
}

// Daemon wires the core engine (JobRunner, ResourceGovernor,
// ProcessGovernor) together with the ambient collaborators (logger,
// metrics sampler, log ring) that a running process needs but that the
// core itself is deliberately ignorant of.
type Daemon struct {
	Config DaemonConfig

	Log     *logrus.Logger
	LogRing *LogRing

	Governor  *ResourceGovernor
	Runner    *JobRunner
	ProcessGov *ProcessGovernor
	Groups    *GroupPolicyStore
	Cgroups   *CgroupDriver
	Metrics   *MetricsSampler

	StartedAtMs int64
}

// NewDaemon constructs every collaborator a Daemon owns, but starts
// none of their background goroutines; call Start once the caller is
// ready to begin ticking.
func NewDaemon(cfg DaemonConfig, nowMs func() int64) (*Daemon, error) {
	if cfg.TickIntervalMs < 100 {
		cfg.TickIntervalMs = 100
	}

	log := logrus.New()
	log.SetLevel(cfg.LogLevel)
	ring := NewLogRing(log)

	gov := NewResourceGovernor(DefaultGovernorPolicy())
	groups := NewGroupPolicyStore()
	cgroups := NewCgroupDriver("/sys/fs/cgroup/govern", log)
	kernel := NewKernelPrimitiveAppliers()

	procGov, err := NewProcessGovernor(groups, cgroups, kernel, log)
	if err != nil {
		return nil, err
	}

	supervisor := NewOSProcessSupervisor()
	runner := NewJobRunner(DefaultResourcePolicy(), gov, supervisor, supervisor, WithLogger(log))

	return &Daemon{
		Config:      cfg,
		Log:         log,
		LogRing:     ring,
		Governor:    gov,
		Runner:      runner,
		ProcessGov:  procGov,
		Groups:      groups,
		Cgroups:     cgroups,
		Metrics:     NewMetricsSampler(nowMs),
		StartedAtMs: nowMs(),
	}, nil
}

// Start launches the ProcessGovernor's background workers. The
// JobRunner is deliberately not started here: it is driven by an
// external ticker calling Tick, per §5's scheduling model.
func (d *Daemon) Start() {
	d.ProcessGov.Start()
}

// Shutdown stops the ProcessGovernor's workers. The caller is
// responsible for simply no longer calling Tick on the JobRunner.
func (d *Daemon) Shutdown() {
	d.ProcessGov.Stop()
}
