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

// Command governctl is a CLI and optional live TUI client for governd,
// speaking the control-socket line protocol described in SPEC_FULL.md
// §6.
package main

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli"

	"github.com/vireolabs/govern/cmd/governctl/ui"
)

func main() {
	app := cli.NewApp()
	app.Name = "governctl"
	app.Usage = "control client for governd"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "socket-path", Value: "/run/governd.sock", Usage: "control socket path", EnvVar: "GOVERND_SOCK"},
	}
	app.Commands = []cli.Command{
		{
			Name:  "status",
			Usage: "print daemon status",
			Action: func(c *cli.Context) error {
				return printRequest(c, "status")
			},
		},
		{
			Name:  "diagnostics",
			Usage: "print the last tick's diagnostics",
			Action: func(c *cli.Context) error {
				return printRequest(c, "governor/diagnostics")
			},
		},
		{
			Name:  "policy",
			Usage: "print the current GovernorPolicy",
			Action: func(c *cli.Context) error {
				return printRequest(c, "governor/policy")
			},
		},
		{
			Name:      "run",
			Usage:     "submit a shell command as a job",
			ArgsUsage: "<command>",
			Action: func(c *cli.Context) error {
				return printRequest(c, "job run "+strings.Join(c.Args(), " "))
			},
		},
		{
			Name:      "status-job",
			Usage:     "show job status; no id lists recent jobs",
			ArgsUsage: "[id]",
			Action: func(c *cli.Context) error {
				return printRequest(c, "job status "+c.Args().First())
			},
		},
		{
			Name:      "cancel",
			Usage:     "cancel a job",
			ArgsUsage: "<id>",
			Action: func(c *cli.Context) error {
				return printRequest(c, "job cancel "+c.Args().First())
			},
		},
		{
			Name:  "watch",
			Usage: "open a live tcell dashboard",
			Action: func(c *cli.Context) error {
				client := newSocketClient(c.GlobalString("socket-path"))
				dash, err := ui.NewDashboard(client, 2*time.Second)
				if err != nil {
					return err
				}
				dash.Run()
				return nil
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func printRequest(c *cli.Context, line string) error {
	client := newSocketClient(c.GlobalString("socket-path"))
	resp, err := client.request(line)
	if err != nil {
		return err
	}
	fmt.Print(resp)
	return nil
}
