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
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MaxLogRecords bounds the in-memory ring LogRing keeps, independent of
// whatever external sink logrus is also writing formatted lines to.
const MaxLogRecords = 1000

// LogRecord is one formatted line captured off the logger, tagged with a
// monotone id suitable for use as a long-poll cursor or an HTTP ETag.
type LogRecord struct {
	ID   int64     `json:"id,string"`
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// LogRing is a logrus.Hook that keeps a bounded ring buffer of the last
// MaxLogRecords formatted lines, so a diagnostics reader can retrieve
// recent daemon output without depending on wherever else logrus is
// configured to write.
type LogRing struct {
	mu         sync.Mutex
	records    []LogRecord
	numRecords int
	maxRecords int
	id         int64
	cvs        map[*sync.Cond]bool
}

// NewLogRing constructs an empty ring and registers it as a hook on log.
func NewLogRing(log *logrus.Logger) *LogRing {
	r := &LogRing{
		maxRecords: MaxLogRecords,
		id:         time.Now().UnixNano(),
		cvs:        make(map[*sync.Cond]bool),
	}
	log.AddHook(r)
	return r
}

// Levels implements logrus.Hook: the ring captures every level.
func (r *LogRing) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook by appending the formatted entry.
func (r *LogRing) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		return err
	}
	r.append(line)
	return nil
}

func (r *LogRing) append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.numRecords % r.maxRecords
	r.id++
	if len(r.records) < r.maxRecords {
		r.records = append(r.records, LogRecord{})
	}
	r.records[idx] = LogRecord{ID: r.id, Time: time.Now(), Text: line}
	r.numRecords++

	for cv := range r.cvs {
		cv.Broadcast()
	}
}

// GetRecords returns the currently retained records in chronological
// order, plus an id an HTTP client can use as an ETag or a caller can
// pass back into Watch. Passing the id previously returned short-circuits
// to (nil, last) when nothing new has arrived.
func (r *LogRing) GetRecords(last int64) ([]LogRecord, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.id == last {
		return nil, last
	}
	cnt := r.numRecords
	if cnt > r.maxRecords {
		cnt = r.maxRecords
	}
	start := r.numRecords - cnt
	out := make([]LogRecord, 0, cnt)
	for j := 0; j < cnt; j++ {
		out = append(out, r.records[(start+j)%r.maxRecords])
	}
	return out, r.id
}

// Watch blocks until the ring's id advances past last or expire elapses
// (0 means return immediately), returning the id observed at wakeup.
func (r *LogRing) Watch(last int64, expire time.Duration) int64 {
	expired := expire <= 0
	var timer *time.Timer
	cv := sync.NewCond(&r.mu)
	if !expired {
		timer = time.AfterFunc(expire, func() {
			r.mu.Lock()
			expired = true
			cv.Broadcast()
			r.mu.Unlock()
		})
	}

	r.mu.Lock()
	r.cvs[cv] = true
	for r.id == last && !expired {
		cv.Wait()
	}
	delete(r.cvs, cv)
	if r.id != last {
		last = r.id
	}
	r.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	return last
}
