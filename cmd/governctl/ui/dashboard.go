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

// Package ui implements governctl's live job dashboard: a single-screen
// tcell view refreshed on a timer from the control-socket protocol,
// replacing the reference client's multi-panel service browser with a
// layout suited to a flat, high-churn job list rather than a dependency
// graph of long-lived services.
package ui

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell"
)

// Client is the subset of governctl's socket client the dashboard needs;
// defined here so the dashboard can be tested against a fake without
// pulling in the real connection.
type Client interface {
	Status() (string, error)
	JobStatus() (string, error)
}

// Dashboard owns the tcell screen and redraws it on every refresh tick
// or key press until the user quits.
type Dashboard struct {
	screen tcell.Screen
	client Client
	period time.Duration
}

// NewDashboard allocates and initializes a tcell screen for client,
// refreshing every period.
func NewDashboard(client Client, period time.Duration) (*Dashboard, error) {
	screen, err := tcell.NewScreen()
	if err != nil {
		return nil, err
	}
	if err := screen.Init(); err != nil {
		return nil, err
	}
	return &Dashboard{screen: screen, client: client, period: period}, nil
}

// Run draws the dashboard and blocks until the user presses 'q', Ctrl-C,
// or Escape.
func (d *Dashboard) Run() {
	defer d.screen.Fini()

	events := make(chan tcell.Event, 8)
	go func() {
		for {
			events <- d.screen.PollEvent()
		}
	}()

	ticker := time.NewTicker(d.period)
	defer ticker.Stop()

	d.redraw()
	for {
		select {
		case ev := <-events:
			switch e := ev.(type) {
			case *tcell.EventKey:
				if e.Key() == tcell.KeyEscape || e.Key() == tcell.KeyCtrlC || e.Rune() == 'q' {
					return
				}
			case *tcell.EventResize:
				d.screen.Sync()
				d.redraw()
			}
		case <-ticker.C:
			d.redraw()
		}
	}
}

func (d *Dashboard) redraw() {
	d.screen.Clear()
	style := tcell.StyleDefault

	drawLine(d.screen, 0, 0, "governctl -- live dashboard  (q to quit)", style.Bold(true))

	status, err := d.client.Status()
	row := 2
	if err != nil {
		drawLine(d.screen, 0, row, fmt.Sprintf("status error: %v", err), style.Foreground(tcell.ColorRed))
		row++
	} else {
		for _, line := range splitLines(status) {
			drawLine(d.screen, 0, row, line, style)
			row++
		}
	}

	row++
	jobs, err := d.client.JobStatus()
	if err != nil {
		drawLine(d.screen, 0, row, fmt.Sprintf("jobs error: %v", err), style.Foreground(tcell.ColorRed))
	} else {
		drawLine(d.screen, 0, row, "recent jobs:", style.Bold(true))
		row++
		for _, line := range splitLines(jobs) {
			drawLine(d.screen, 0, row, line, style)
			row++
		}
	}

	d.screen.Show()
}

func drawLine(s tcell.Screen, x, y int, text string, style tcell.Style) {
	for i, r := range text {
		s.SetContent(x+i, y, r, nil, style)
	}
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
