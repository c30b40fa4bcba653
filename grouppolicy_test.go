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
	"testing"
)

func TestGroupStoreEvictionAt257(t *testing.T) {
	st := NewGroupPolicyStore()
	st.SetTimeForTest(0)

	for i := 0; i < 257; i++ {
		st.Tick(1)
		id := fmt.Sprintf("group_%d", i)
		if !st.UpsertGroup(id, GroupPolicy{HasCPUMaxPct: true, CPUMaxPct: 50}) {
			t.Fatalf("upsert of %s failed", id)
		}
	}

	stats := st.Stats()
	if stats.GroupCount != MaxGroups {
		t.Errorf("group count = %d, want %d", stats.GroupCount, MaxGroups)
	}
	if stats.GroupEvictions != 1 {
		t.Errorf("group_evictions = %d, want 1", stats.GroupEvictions)
	}

	if _, ok := st.GetGroup("group_0"); ok {
		t.Errorf("group_0 should have been evicted")
	}
	if _, ok := st.GetGroup("group_256"); !ok {
		t.Errorf("group_256 should be present")
	}
}

func TestGroupStoreMergeIsLastWriterWinsPerField(t *testing.T) {
	st := NewGroupPolicyStore()
	st.SetTimeForTest(0)

	st.UpsertGroup("web", GroupPolicy{HasCPUMaxPct: true, CPUMaxPct: 50, HasPidsMax: true, PidsMax: 100})
	st.Tick(1)
	st.UpsertGroup("web", GroupPolicy{HasCPUMaxPct: true, CPUMaxPct: 80})

	g, ok := st.GetGroup("web")
	if !ok {
		t.Fatalf("web group missing")
	}
	if g.CPUMaxPct != 80 {
		t.Errorf("cpu_max_pct = %d, want 80 (last writer wins)", g.CPUMaxPct)
	}
	if !g.HasPidsMax || g.PidsMax != 100 {
		t.Errorf("pids_max = %+v, want untouched field preserved from first upsert", g)
	}
}

func TestPidMapEvictionAndLookup(t *testing.T) {
	st := NewGroupPolicyStore()
	st.SetTimeForTest(0)
	st.UpsertGroup("g", GroupPolicy{})

	for i := int32(0); i < MaxPidGroupEntries+1; i++ {
		st.Tick(1)
		st.MapPidToGroup(i+1, "g")
	}

	stats := st.Stats()
	if stats.PidMapCount != MaxPidGroupEntries {
		t.Errorf("pidmap count = %d, want %d", stats.PidMapCount, MaxPidGroupEntries)
	}
	if stats.PidmapEvictions != 1 {
		t.Errorf("pidmap_evictions = %d, want 1", stats.PidmapEvictions)
	}
	if _, ok := st.GetGroupForPid(1); ok {
		t.Errorf("pid 1 should have been evicted")
	}
}

func TestUpsertGroupRejectsMalformedID(t *testing.T) {
	st := NewGroupPolicyStore()
	if st.UpsertGroup("", GroupPolicy{}) {
		t.Errorf("empty id should be rejected")
	}
	tooLong := make([]byte, 33)
	for i := range tooLong {
		tooLong[i] = 'a'
	}
	if st.UpsertGroup(string(tooLong), GroupPolicy{}) {
		t.Errorf("33-byte id should be rejected")
	}
}
