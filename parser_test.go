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
	"strings"
	"testing"
)

func TestParseFullPolicy(t *testing.T) {
	input := `{"pid":1234,"cpu":{"affinity":"0-3","nice":10,"max_pct":80},"mem":{"max_bytes":8589934592},"pids":{"max":256},"rlim":{"nofile_soft":1024,"nofile_hard":4096},"oom_score_adj":500}`

	var p PolicyMessageParser
	res := p.Parse([]byte(input))
	if !res.OK {
		t.Fatalf("expected ok, got ack=%v detail=%q", res.Ack, res.Detail)
	}
	if res.Msg.Pid != 1234 {
		t.Errorf("pid = %d, want 1234", res.Msg.Pid)
	}
	if !res.Msg.HasCPU || res.Msg.CPU.Affinity != "0-3" || res.Msg.CPU.Nice != 10 || res.Msg.CPU.MaxPct != 80 {
		t.Errorf("cpu = %+v", res.Msg.CPU)
	}
	if !res.Msg.HasMem || res.Msg.Mem.MaxBytes != 8589934592 {
		t.Errorf("mem = %+v", res.Msg.Mem)
	}
	if !res.Msg.HasPids || res.Msg.Pids.Max != 256 {
		t.Errorf("pids = %+v", res.Msg.Pids)
	}
	if !res.Msg.HasRlim || res.Msg.Rlim.NofileSoft != 1024 || res.Msg.Rlim.NofileHard != 4096 {
		t.Errorf("rlim = %+v", res.Msg.Rlim)
	}
	if !res.Msg.HasOomScoreAdj || res.Msg.OomScoreAdj != 500 {
		t.Errorf("oom_score_adj = %+v", res.Msg.OomScoreAdj)
	}
}

func TestParseRejectsOversize(t *testing.T) {
	body := `{"pid":1,"group":"` + strings.Repeat("x", 600) + `"}`
	var p PolicyMessageParser
	res := p.Parse([]byte(body))
	if res.OK {
		t.Fatalf("expected rejection for oversize payload")
	}
	if res.Ack != NackInvalidPayload {
		t.Errorf("ack = %v, want NACK_INVALID_PAYLOAD", res.Ack)
	}
}

func TestParseRejectsEmpty(t *testing.T) {
	var p PolicyMessageParser
	res := p.Parse([]byte(""))
	if res.OK || res.Ack != NackInvalidPayload {
		t.Fatalf("got ok=%v ack=%v, want rejection with NACK_INVALID_PAYLOAD", res.OK, res.Ack)
	}
}

func TestParseRejectsMissingPid(t *testing.T) {
	var p PolicyMessageParser
	res := p.Parse([]byte(`{"oom_score_adj":10}`))
	if res.OK || res.Ack != NackInvalidPayload {
		t.Fatalf("got ok=%v ack=%v, want NACK_INVALID_PAYLOAD", res.OK, res.Ack)
	}
}

func TestParseRejectsNonPositivePid(t *testing.T) {
	var p PolicyMessageParser
	res := p.Parse([]byte(`{"pid":0}`))
	if res.OK || res.Ack != NackInvalidPid {
		t.Fatalf("got ok=%v ack=%v, want NACK_INVALID_PID", res.OK, res.Ack)
	}
	res = p.Parse([]byte(`{"pid":-5}`))
	if res.OK || res.Ack != NackInvalidPid {
		t.Fatalf("got ok=%v ack=%v, want NACK_INVALID_PID", res.OK, res.Ack)
	}
}

func TestParseRejectsUnknownField(t *testing.T) {
	var p PolicyMessageParser
	res := p.Parse([]byte(`{"pid":1,"bogus":1}`))
	if res.OK || res.Ack != NackUnknownField {
		t.Fatalf("got ok=%v ack=%v, want NACK_UNKNOWN_FIELD", res.OK, res.Ack)
	}
	res = p.Parse([]byte(`{"pid":1,"cpu":{"bogus":1}}`))
	if res.OK || res.Ack != NackUnknownField {
		t.Fatalf("nested unknown field: got ok=%v ack=%v", res.OK, res.Ack)
	}
}

func TestParseRejectsOutOfRange(t *testing.T) {
	cases := []string{
		`{"pid":1,"cpu":{"nice":200}}`,
		`{"pid":1,"cpu":{"max_pct":300}}`,
		`{"pid":1,"cpu":{"max_pct":150}}`,
		`{"pid":1,"oom_score_adj":5000}`,
	}
	var p PolicyMessageParser
	for _, tc := range cases {
		res := p.Parse([]byte(tc))
		if res.OK || res.Ack != NackInvalidRange {
			t.Errorf("%s: got ok=%v ack=%v, want NACK_INVALID_RANGE", tc, res.OK, res.Ack)
		}
	}
}

func TestParseAcceptsMaxPctUpperBound(t *testing.T) {
	var p PolicyMessageParser
	res := p.Parse([]byte(`{"pid":1,"cpu":{"max_pct":100}}`))
	if !res.OK || res.Msg.CPU.MaxPct != 100 {
		t.Fatalf("max_pct=100 should be accepted, got ok=%v ack=%v", res.OK, res.Ack)
	}
}

func TestParseRejectsFractionalIntField(t *testing.T) {
	var p PolicyMessageParser
	res := p.Parse([]byte(`{"pid":1.5}`))
	if res.OK || res.Ack != NackParseError {
		t.Fatalf("got ok=%v ack=%v, want NACK_PARSE_ERROR", res.OK, res.Ack)
	}
}

func TestParseTrailingCommaTolerated(t *testing.T) {
	var p PolicyMessageParser
	res := p.Parse([]byte(`{"pid":1,"oom_score_adj":5,}`))
	if !res.OK {
		t.Fatalf("expected trailing comma to be tolerated, got ack=%v detail=%q", res.Ack, res.Detail)
	}
}

func TestParseDuplicateKeyLastWins(t *testing.T) {
	var p PolicyMessageParser
	res := p.Parse([]byte(`{"pid":1,"pid":2}`))
	if !res.OK || res.Msg.Pid != 2 {
		t.Fatalf("got ok=%v pid=%v, want pid=2", res.OK, res.Msg.Pid)
	}
}

func TestParseSerializeRoundTrip(t *testing.T) {
	var p PolicyMessageParser
	inputs := []string{
		`{"pid":1234,"cpu":{"affinity":"0-3","nice":10,"max_pct":80},"mem":{"max_bytes":8589934592},"pids":{"max":256},"rlim":{"nofile_soft":1024,"nofile_hard":4096},"oom_score_adj":500}`,
		`{"pid":1,"group":"web"}`,
		`{"pid":42}`,
	}
	for _, in := range inputs {
		first := p.Parse([]byte(in))
		if !first.OK {
			t.Fatalf("%s: unexpected rejection ack=%v", in, first.Ack)
		}
		serialized := p.Serialize(first.Msg)
		second := p.Parse(serialized)
		if !second.OK {
			t.Fatalf("round-trip reparse failed for %s: ack=%v detail=%q", serialized, second.Ack, second.Detail)
		}
		if second.Msg != first.Msg {
			t.Errorf("round trip mismatch: got %+v, want %+v", second.Msg, first.Msg)
		}
	}
}
