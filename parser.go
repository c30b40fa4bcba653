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
	"fmt"
	"strconv"
)

// PolicyMessageParser parses length-bounded policy-message payloads into
// a GovApplyMsg. It is pure and holds no state between calls; the zero
// value is ready to use.
type PolicyMessageParser struct{}

// rejectErr is the internal signal a sub-parser uses to unwind to Parse
// with a specific ack code and detail, without needing every helper to
// thread (ParseResult, error) through its signature.
type rejectErr struct {
	ack    AckCode
	detail string
}

func (e *rejectErr) Error() string { return e.detail }

func reject(ack AckCode, detail string) *rejectErr {
	return &rejectErr{ack: ack, detail: detail}
}

// Parse implements the C1 contract described in §4.1: reject oversize or
// empty payloads, require a single top-level object, reject unknown keys
// at any depth, validate ranges inline (first violation wins), and
// tolerate trailing commas.
func (PolicyMessageParser) Parse(payload []byte) ParseResult {
	if len(payload) == 0 {
		return ParseResult{OK: false, Ack: NackInvalidPayload, Detail: "empty payload"}
	}
	if len(payload) > MaxPayloadSize {
		return ParseResult{OK: false, Ack: NackInvalidPayload, Detail: "payload exceeds 512 bytes"}
	}

	s := &scanner{buf: payload}
	msg, sawPid, err := parseTopLevel(s)
	if err != nil {
		if re, ok := err.(*rejectErr); ok {
			return ParseResult{OK: false, Ack: re.ack, Detail: re.detail}
		}
		return ParseResult{OK: false, Ack: NackParseError, Detail: err.Error()}
	}
	if !sawPid {
		return ParseResult{OK: false, Ack: NackInvalidPayload, Detail: "missing required field: pid"}
	}
	if msg.Pid <= 0 {
		return ParseResult{OK: false, Ack: NackInvalidPid, Detail: "pid"}
	}
	return ParseResult{OK: true, Ack: Ack, Msg: msg}
}

// scanner walks payload bytes with a single cursor; every parse helper
// below takes and advances the same scanner so errors can unwind via
// panic/recover-free early returns.
type scanner struct {
	buf []byte
	pos int
}

func (s *scanner) skipWS() {
	for s.pos < len(s.buf) {
		switch s.buf[s.pos] {
		case ' ', '\t', '\n', '\r':
			s.pos++
		default:
			return
		}
	}
}

func (s *scanner) eof() bool { return s.pos >= len(s.buf) }

func (s *scanner) peek() byte {
	if s.eof() {
		return 0
	}
	return s.buf[s.pos]
}

func (s *scanner) expect(b byte) error {
	s.skipWS()
	if s.eof() || s.buf[s.pos] != b {
		return reject(NackParseError, fmt.Sprintf("expected %q", b))
	}
	s.pos++
	return nil
}

// skipComma consumes a single "," followed by whitespace, if
// present, tolerating the trailing commas the contract requires.
func (s *scanner) skipComma() bool {
	s.skipWS()
	if s.peek() == ',' {
		s.pos++
		s.skipWS()
		return true
	}
	return false
}

func (s *scanner) parseKey() (string, error) {
	s.skipWS()
	if s.peek() != '"' {
		return "", reject(NackParseError, "expected string key")
	}
	return s.parseString()
}

func (s *scanner) parseString() (string, error) {
	if err := s.expect('"'); err != nil {
		return "", err
	}
	start := s.pos
	for s.pos < len(s.buf) && s.buf[s.pos] != '"' {
		if s.buf[s.pos] == '\\' {
			s.pos++
		}
		s.pos++
	}
	if s.eof() {
		return "", reject(NackParseError, "unterminated string")
	}
	val := string(s.buf[start:s.pos])
	s.pos++ // closing quote
	return val, nil
}

// parseNumberToken scans a raw numeric token (optional leading '-',
// digits, optional '.' and fractional digits) without interpreting it,
// so the caller can apply strict-integer vs float rules per field.
func (s *scanner) parseNumberToken() (string, error) {
	s.skipWS()
	start := s.pos
	if s.peek() == '-' {
		s.pos++
	}
	digits := 0
	for s.pos < len(s.buf) && s.buf[s.pos] >= '0' && s.buf[s.pos] <= '9' {
		s.pos++
		digits++
	}
	if digits == 0 {
		return "", reject(NackParseError, "expected number")
	}
	if s.pos < len(s.buf) && s.buf[s.pos] == '.' {
		s.pos++
		fracDigits := 0
		for s.pos < len(s.buf) && s.buf[s.pos] >= '0' && s.buf[s.pos] <= '9' {
			s.pos++
			fracDigits++
		}
		if fracDigits == 0 {
			return "", reject(NackParseError, "malformed fractional number")
		}
	}
	return string(s.buf[start:s.pos]), nil
}

// parseStrictInt64 parses a number token and rejects it with
// NACK_PARSE_ERROR if it carries a fractional component; int fields must
// be strict integers per the contract.
func parseStrictInt64(s *scanner, field string) (int64, error) {
	tok, err := s.parseNumberToken()
	if err != nil {
		return 0, err
	}
	if containsDot(tok) {
		return 0, reject(NackParseError, field+": fractional value in integer field")
	}
	v, err := strconv.ParseInt(tok, 10, 64)
	if err != nil {
		return 0, reject(NackParseError, field+": "+err.Error())
	}
	return v, nil
}

func containsDot(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return true
		}
	}
	return false
}

func parseTopLevel(s *scanner) (GovApplyMsg, bool, error) {
	var msg GovApplyMsg
	sawPid := false

	s.skipWS()
	if s.peek() != '{' {
		return msg, sawPid, reject(NackParseError, "expected top-level object")
	}
	s.pos++
	s.skipWS()

	if s.peek() == '}' {
		s.pos++
		return msg, sawPid, nil
	}

	for {
		key, err := s.parseKey()
		if err != nil {
			return msg, sawPid, err
		}
		if err := s.expect(':'); err != nil {
			return msg, sawPid, err
		}
		s.skipWS()

		switch key {
		case "pid":
			v, err := parseStrictInt64(s, "pid")
			if err != nil {
				return msg, sawPid, err
			}
			msg.Pid = int32(v)
			sawPid = true

		case "group":
			v, err := s.parseString()
			if err != nil {
				return msg, sawPid, err
			}
			if len(v) > 32 {
				return msg, sawPid, reject(NackInvalidRange, "group")
			}
			msg.HasGroup = true
			msg.Group = v

		case "cpu":
			cpu, err := parseCPUPolicy(s)
			if err != nil {
				return msg, sawPid, err
			}
			msg.HasCPU = true
			msg.CPU = cpu

		case "mem":
			mem, err := parseMemPolicy(s)
			if err != nil {
				return msg, sawPid, err
			}
			msg.HasMem = true
			msg.Mem = mem

		case "pids":
			pids, err := parsePidsPolicy(s)
			if err != nil {
				return msg, sawPid, err
			}
			msg.HasPids = true
			msg.Pids = pids

		case "rlim":
			rlim, err := parseRlimPolicy(s)
			if err != nil {
				return msg, sawPid, err
			}
			msg.HasRlim = true
			msg.Rlim = rlim

		case "oom_score_adj":
			v, err := parseStrictInt64(s, "oom_score_adj")
			if err != nil {
				return msg, sawPid, err
			}
			if v < -1000 || v > 1000 {
				return msg, sawPid, reject(NackInvalidRange, "oom_score_adj")
			}
			msg.HasOomScoreAdj = true
			msg.OomScoreAdj = int32(v)

		default:
			return msg, sawPid, reject(NackUnknownField, key)
		}

		if s.skipComma() {
			s.skipWS()
			if s.peek() == '}' {
				s.pos++
				return msg, sawPid, nil
			}
			continue
		}
		if err := s.expect('}'); err != nil {
			return msg, sawPid, err
		}
		return msg, sawPid, nil
	}
}

func parseCPUPolicy(s *scanner) (CPUPolicy, error) {
	var p CPUPolicy
	if err := s.expect('{'); err != nil {
		return p, err
	}
	s.skipWS()
	if s.peek() == '}' {
		s.pos++
		return p, nil
	}
	for {
		key, err := s.parseKey()
		if err != nil {
			return p, err
		}
		if err := s.expect(':'); err != nil {
			return p, err
		}
		s.skipWS()

		switch key {
		case "affinity":
			v, err := s.parseString()
			if err != nil {
				return p, err
			}
			p.HasAffinity = true
			p.Affinity = v

		case "nice":
			v, err := parseStrictInt64(s, "nice")
			if err != nil {
				return p, err
			}
			if v < -128 || v > 127 {
				return p, reject(NackInvalidRange, "nice")
			}
			p.HasNice = true
			p.Nice = int8(v)

		case "max_pct":
			v, err := parseStrictInt64(s, "max_pct")
			if err != nil {
				return p, err
			}
			if v < 0 || v > 100 {
				return p, reject(NackInvalidRange, "max_pct")
			}
			p.HasMaxPct = true
			p.MaxPct = uint8(v)

		default:
			return p, reject(NackUnknownField, "cpu."+key)
		}

		if s.skipComma() {
			s.skipWS()
			if s.peek() == '}' {
				s.pos++
				return p, nil
			}
			continue
		}
		if err := s.expect('}'); err != nil {
			return p, err
		}
		return p, nil
	}
}

func parseMemPolicy(s *scanner) (MemPolicy, error) {
	var p MemPolicy
	if err := s.expect('{'); err != nil {
		return p, err
	}
	s.skipWS()
	if s.peek() == '}' {
		s.pos++
		return p, nil
	}
	for {
		key, err := s.parseKey()
		if err != nil {
			return p, err
		}
		if err := s.expect(':'); err != nil {
			return p, err
		}
		s.skipWS()

		switch key {
		case "max_bytes":
			v, err := parseStrictInt64(s, "max_bytes")
			if err != nil {
				return p, err
			}
			if v < 0 {
				return p, reject(NackInvalidRange, "max_bytes")
			}
			p.HasMaxBytes = true
			p.MaxBytes = uint64(v)

		default:
			return p, reject(NackUnknownField, "mem."+key)
		}

		if s.skipComma() {
			s.skipWS()
			if s.peek() == '}' {
				s.pos++
				return p, nil
			}
			continue
		}
		if err := s.expect('}'); err != nil {
			return p, err
		}
		return p, nil
	}
}

func parsePidsPolicy(s *scanner) (PidsPolicy, error) {
	var p PidsPolicy
	if err := s.expect('{'); err != nil {
		return p, err
	}
	s.skipWS()
	if s.peek() == '}' {
		s.pos++
		return p, nil
	}
	for {
		key, err := s.parseKey()
		if err != nil {
			return p, err
		}
		if err := s.expect(':'); err != nil {
			return p, err
		}
		s.skipWS()

		switch key {
		case "max":
			v, err := parseStrictInt64(s, "pids.max")
			if err != nil {
				return p, err
			}
			if v < 0 || v > 0xFFFFFFFF {
				return p, reject(NackInvalidRange, "pids.max")
			}
			p.HasMax = true
			p.Max = uint64(v)

		default:
			return p, reject(NackUnknownField, "pids."+key)
		}

		if s.skipComma() {
			s.skipWS()
			if s.peek() == '}' {
				s.pos++
				return p, nil
			}
			continue
		}
		if err := s.expect('}'); err != nil {
			return p, err
		}
		return p, nil
	}
}

func parseRlimPolicy(s *scanner) (RlimPolicy, error) {
	var p RlimPolicy
	if err := s.expect('{'); err != nil {
		return p, err
	}
	s.skipWS()
	if s.peek() == '}' {
		s.pos++
		return p, nil
	}
	for {
		key, err := s.parseKey()
		if err != nil {
			return p, err
		}
		if err := s.expect(':'); err != nil {
			return p, err
		}
		s.skipWS()

		switch key {
		case "nofile_soft":
			v, err := parseStrictInt64(s, "nofile_soft")
			if err != nil {
				return p, err
			}
			if v < 0 {
				return p, reject(NackInvalidRange, "nofile_soft")
			}
			p.HasNofileSoft = true
			p.NofileSoft = uint64(v)

		case "nofile_hard":
			v, err := parseStrictInt64(s, "nofile_hard")
			if err != nil {
				return p, err
			}
			if v < 0 {
				return p, reject(NackInvalidRange, "nofile_hard")
			}
			p.HasNofileHard = true
			p.NofileHard = uint64(v)

		case "core_soft":
			v, err := parseStrictInt64(s, "core_soft")
			if err != nil {
				return p, err
			}
			if v < 0 {
				return p, reject(NackInvalidRange, "core_soft")
			}
			p.HasCoreSoft = true
			p.CoreSoft = uint64(v)

		case "core_hard":
			v, err := parseStrictInt64(s, "core_hard")
			if err != nil {
				return p, err
			}
			if v < 0 {
				return p, reject(NackInvalidRange, "core_hard")
			}
			p.HasCoreHard = true
			p.CoreHard = uint64(v)

		default:
			return p, reject(NackUnknownField, "rlim."+key)
		}

		if s.skipComma() {
			s.skipWS()
			if s.peek() == '}' {
				s.pos++
				return p, nil
			}
			continue
		}
		if err := s.expect('}'); err != nil {
			return p, err
		}
		return p, nil
	}
}

// Serialize renders msg back into the same payload schema Parse
// accepts, for the parser round-trip law: Parse(Serialize(msg)) == msg
// for every msg in the accepted schema.
func (PolicyMessageParser) Serialize(msg GovApplyMsg) []byte {
	out := fmt.Sprintf(`{"pid":%d`, msg.Pid)
	if msg.HasGroup {
		out += fmt.Sprintf(`,"group":%q`, msg.Group)
	}
	if msg.HasCPU {
		cpu := `{`
		first := true
		if msg.CPU.HasAffinity {
			cpu += fmt.Sprintf(`"affinity":%q`, msg.CPU.Affinity)
			first = false
		}
		if msg.CPU.HasNice {
			if !first {
				cpu += ","
			}
			cpu += fmt.Sprintf(`"nice":%d`, msg.CPU.Nice)
			first = false
		}
		if msg.CPU.HasMaxPct {
			if !first {
				cpu += ","
			}
			cpu += fmt.Sprintf(`"max_pct":%d`, msg.CPU.MaxPct)
		}
		cpu += "}"
		out += `,"cpu":` + cpu
	}
	if msg.HasMem {
		mem := "{}"
		if msg.Mem.HasMaxBytes {
			mem = fmt.Sprintf(`{"max_bytes":%d}`, msg.Mem.MaxBytes)
		}
		out += `,"mem":` + mem
	}
	if msg.HasPids {
		pids := "{}"
		if msg.Pids.HasMax {
			pids = fmt.Sprintf(`{"max":%d}`, msg.Pids.Max)
		}
		out += `,"pids":` + pids
	}
	if msg.HasRlim {
		rlim := "{"
		first := true
		if msg.Rlim.HasNofileSoft {
			rlim += fmt.Sprintf(`"nofile_soft":%d`, msg.Rlim.NofileSoft)
			first = false
		}
		if msg.Rlim.HasNofileHard {
			if !first {
				rlim += ","
			}
			rlim += fmt.Sprintf(`"nofile_hard":%d`, msg.Rlim.NofileHard)
			first = false
		}
		if msg.Rlim.HasCoreSoft {
			if !first {
				rlim += ","
			}
			rlim += fmt.Sprintf(`"core_soft":%d`, msg.Rlim.CoreSoft)
			first = false
		}
		if msg.Rlim.HasCoreHard {
			if !first {
				rlim += ","
			}
			rlim += fmt.Sprintf(`"core_hard":%d`, msg.Rlim.CoreHard)
		}
		rlim += "}"
		out += `,"rlim":` + rlim
	}
	if msg.HasOomScoreAdj {
		out += fmt.Sprintf(`,"oom_score_adj":%d`, msg.OomScoreAdj)
	}
	out += "}"
	return []byte(out)
}
