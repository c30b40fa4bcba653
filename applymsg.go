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

// MaxPayloadSize is the hard ceiling on a policy-message payload; longer
// input is rejected before any parsing is attempted.
const MaxPayloadSize = 512

// MaxCPUs is the host CPU count the affinity applier validates cpu-lists
// against when it cannot probe the real count.
const MaxCPUs = 128

// AckCode is the response taxonomy PolicyMessageParser returns for a
// parsed (or rejected) payload.
type AckCode int

const (
	Ack AckCode = iota
	NackInvalidPayload
	NackInvalidPid
	NackInvalidRange
	NackParseError
	NackUnknownField
	NackQueueFull
	NackProcessDead
)

func (a AckCode) String() string {
	switch a {
	case Ack:
		return "ACK"
	case NackInvalidPayload:
		return "NACK_INVALID_PAYLOAD"
	case NackInvalidPid:
		return "NACK_INVALID_PID"
	case NackInvalidRange:
		return "NACK_INVALID_RANGE"
	case NackParseError:
		return "NACK_PARSE_ERROR"
	case NackUnknownField:
		return "NACK_UNKNOWN_FIELD"
	case NackQueueFull:
		return "NACK_QUEUE_FULL"
	case NackProcessDead:
		return "NACK_PROCESS_DEAD"
	default:
		return "UNKNOWN"
	}
}

// CPUPolicy is the optional "cpu" object of a GovApplyMsg.
type CPUPolicy struct {
	HasAffinity bool
	Affinity    string // raw cpu-list, e.g. "0-3,5,7"

	HasNice bool
	Nice    int8

	HasMaxPct bool
	MaxPct    uint8
}

// MemPolicy is the optional "mem" object of a GovApplyMsg.
type MemPolicy struct {
	HasMaxBytes bool
	MaxBytes    uint64
}

// PidsPolicy is the optional "pids" object of a GovApplyMsg.
type PidsPolicy struct {
	HasMax bool
	Max    uint64
}

// RlimPolicy is the optional "rlim" object of a GovApplyMsg.
type RlimPolicy struct {
	HasNofileSoft bool
	NofileSoft    uint64
	HasNofileHard bool
	NofileHard    uint64
	HasCoreSoft   bool
	CoreSoft      uint64
	HasCoreHard   bool
	CoreHard      uint64
}

// GovApplyMsg is the structured form of a policy-message payload, ready
// for ProcessGovernor to apply. Every optional group carries its own
// Has* flags rather than pointers, matching the fixed-layout style the
// rest of the package uses for wire-derived values.
type GovApplyMsg struct {
	Pid int32

	HasGroup bool
	Group    string

	HasCPU bool
	CPU    CPUPolicy

	HasMem bool
	Mem    MemPolicy

	HasPids bool
	Pids    PidsPolicy

	HasRlim bool
	Rlim    RlimPolicy

	HasOomScoreAdj bool
	OomScoreAdj    int32
}

// ApplyField is a bitmask over the policy schema reporting which
// primitives a component actually committed.
type ApplyField uint16

const (
	FieldCPUAffinity ApplyField = 1 << iota
	FieldCPUNice
	FieldCPUMaxPct
	FieldMemMaxBytes
	FieldPidsMax
	FieldRlimNofile
	FieldRlimCore
	FieldOomScoreAdj
)

// ParseResult is the PolicyMessageParser contract's return value.
type ParseResult struct {
	OK     bool
	Ack    AckCode
	Msg    GovApplyMsg
	Detail string
}
