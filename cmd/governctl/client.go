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
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"
)

// socketClient speaks one request-per-line against a governd control
// socket, reading a response back until a fixed 500ms read deadline,
// counted from the request, elapses (the protocol frames responses as a
// burst of key:value lines rather than with an explicit terminator).
type socketClient struct {
	path string
}

func newSocketClient(path string) *socketClient {
	return &socketClient{path: path}
}

func (c *socketClient) request(line string) (string, error) {
	conn, err := net.DialTimeout("unix", c.path, 2*time.Second)
	if err != nil {
		return "", fmt.Errorf("connect to %s: %w", c.path, err)
	}
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		return "", err
	}

	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	reader := bufio.NewReader(conn)
	var b strings.Builder
	for {
		l, err := reader.ReadString('\n')
		b.WriteString(l)
		if err != nil {
			break
		}
	}
	return b.String(), nil
}

func (c *socketClient) Status() (string, error) {
	return c.request("status")
}

func (c *socketClient) JobStatus() (string, error) {
	return c.request("job status")
}

func (c *socketClient) Ping() (string, error) {
	return c.request("ping")
}

func (c *socketClient) JobRun(cmd string) (string, error) {
	return c.request("job run " + cmd)
}

func (c *socketClient) JobCancel(id string) (string, error) {
	return c.request("job cancel " + id)
}

func (c *socketClient) Diagnostics() (string, error) {
	return c.request("governor/diagnostics")
}

func (c *socketClient) Policy() (string, error) {
	return c.request("governor/policy")
}
