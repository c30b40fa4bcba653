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
	"os"
	"strconv"
	"strings"
)

// countProcessesInGroup walks /proc and counts tasks whose pgid (field 5
// of /proc/<pid>/stat) equals pgid. It is used by the process-count cap
// in the scan phase; a scan error for a single pid is skipped rather
// than aborting the whole count, since /proc entries can disappear
// between the readdir and the read.
func countProcessesInGroup(pgid int) int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0
	}
	count := 0
	for _, ent := range entries {
		pid, err := strconv.Atoi(ent.Name())
		if err != nil {
			continue
		}
		g, err := readPgid(pid)
		if err != nil {
			continue
		}
		if g == pgid {
			count++
		}
	}
	return count
}

func readPgid(pid int) (int, error) {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0, err
	}
	line := string(data)
	close := strings.LastIndexByte(line, ')')
	if close < 0 || close+2 > len(line) {
		return 0, os.ErrInvalid
	}
	fields := strings.Fields(line[close+2:])
	const pgidFieldAfterComm = 2 // overall field 5: state(0) ppid(1) pgrp(2) ... after comm
	if len(fields) <= pgidFieldAfterComm {
		return 0, os.ErrInvalid
	}
	return strconv.Atoi(fields[pgidFieldAfterComm])
}
