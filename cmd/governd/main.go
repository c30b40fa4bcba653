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

package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/vireolabs/govern"
	"github.com/vireolabs/govern/control"
	"github.com/vireolabs/govern/httpapi"
)

func main() {
	app := cli.NewApp()
	app.Name = "governd"
	app.Usage = "host-local process governor and job supervisor"
	app.Version = govern.Version
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "socket-path", Value: "/run/governd.sock", Usage: "control socket path", EnvVar: "GOVERND_SOCK"},
		cli.StringFlag{Name: "http-addr", Value: "", Usage: "HTTP dashboard listen address (empty disables it)"},
		cli.StringFlag{Name: "policy-path", Value: "/etc/governd/policy.json", Usage: "on-disk GovernorPolicy path"},
		cli.StringFlag{Name: "log-level", Value: "info", Usage: "logrus level: debug, info, warn, error"},
		cli.Int64Flag{Name: "tick-interval-ms", Value: 500, Usage: "tick cadence, floor 100ms"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("governd exited")
	}
}

func run(c *cli.Context) error {
	level, err := logrus.ParseLevel(c.String("log-level"))
	if err != nil {
		level = logrus.InfoLevel
	}

	cfg := govern.DaemonConfig{
		Name:           "governd",
		SocketPath:     c.String("socket-path"),
		HTTPAddr:       c.String("http-addr"),
		PolicyPath:     c.String("policy-path"),
		LogLevel:       level,
		TickIntervalMs: c.Int64("tick-interval-ms"),
	}

	nowMs := func() int64 { return time.Now().UnixMilli() }

	d, err := govern.NewDaemon(cfg, nowMs)
	if err != nil {
		logrus.WithError(err).Fatal("failed to initialize daemon")
		return err
	}

	govern.LoadPolicyFile(cfg.PolicyPath, d.Governor, d.Log)

	os.Remove(cfg.SocketPath)
	ctlServer, err := control.NewServer(cfg.SocketPath, d, nowMs)
	if err != nil {
		d.Log.WithError(err).Fatal("failed to bind control socket")
		return err
	}

	d.Start()
	go ctlServer.Serve()

	if cfg.HTTPAddr != "" {
		go func() {
			handler := httpapi.NewHandler(d)
			if err := http.ListenAndServe(cfg.HTTPAddr, handler); err != nil {
				d.Log.WithError(err).Warn("http dashboard listener stopped")
			}
		}()
	}

	ticker := time.NewTicker(time.Duration(d.Config.TickIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	metricsInterval := time.NewTicker(time.Second)
	defer metricsInterval.Stop()

	for {
		select {
		case <-ticker.C:
			var cpuPct, memPct float64
			if tail := d.Metrics.Tail(1); len(tail) == 1 {
				cpuPct, memPct = tail[0].CPUPct, tail[0].MemPct
			}
			d.Runner.Tick(nowMs(), cpuPct, memPct)

		case <-metricsInterval.C:
			if _, err := d.Metrics.Sample(); err != nil {
				d.Log.WithError(err).Warn("metrics sample failed")
			}

		case sig := <-sigs:
			d.Log.WithField("signal", sig).Info("shutting down")
			ctlServer.Close()
			d.Shutdown()
			govern.SavePolicyFile(cfg.PolicyPath, d.Governor.Policy())
			if sig == syscall.SIGINT {
				os.Exit(130)
			}
			os.Exit(0)
		}
	}
}
