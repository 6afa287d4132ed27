package mapper

import (
	"testing"

	"github.com/jpl-au/bob/internal/record"
)

func testMapper() *Mapper {
	vdisks := []VDisk{
		{ID: 0, Replicas: []Replica{{Node: "n0", Disk: "d0", Path: "/a"}, {Node: "n1", Disk: "d0", Path: "/a"}}},
		{ID: 1, Replicas: []Replica{{Node: "n2", Disk: "d0", Path: "/a"}}},
	}
	return New(vdisks, "n0", []string{"n0", "n1", "n2", "n3", "n4"})
}

func TestVDiskIDForIsStable(t *testing.T) {
	m := testMapper()
	key := record.Key{1, 2, 3, 4}
	a := m.VDiskIDFor(key)
	b := m.VDiskIDFor(key)
	if a != b {
		t.Errorf("VDiskIDFor is not deterministic: %d != %d", a, b)
	}
	if a >= uint32(len(m.vdisks)) {
		t.Errorf("VDiskIDFor returned %d, out of range [0,%d)", a, len(m.vdisks))
	}
}

func TestSupportNodesExcludesTargetsAndIsDeterministic(t *testing.T) {
	m := testMapper()

	var key record.Key
	for k := 0; k < 1000; k++ {
		key = record.Key{byte(k), byte(k >> 8)}
		if m.VDiskIDFor(key) == 0 {
			break
		}
	}

	targets := m.TargetNodesFor(key)
	targetSet := map[string]bool{}
	for _, t := range targets {
		targetSet[t] = true
	}

	support1 := m.SupportNodes(key, 2)
	support2 := m.SupportNodes(key, 2)
	if len(support1) != len(support2) {
		t.Fatalf("SupportNodes not deterministic: %v vs %v", support1, support2)
	}
	for i := range support1 {
		if support1[i] != support2[i] {
			t.Fatalf("SupportNodes not deterministic: %v vs %v", support1, support2)
		}
	}
	for _, s := range support1 {
		if targetSet[s] {
			t.Errorf("SupportNodes returned a target node %q", s)
		}
	}
}

func TestGetOperationReportsLocalPath(t *testing.T) {
	m := testMapper()
	var key record.Key
	for k := 0; k < 1000; k++ {
		key = record.Key{byte(k), byte(k >> 8)}
		if m.VDiskIDFor(key) == 0 {
			break
		}
	}
	vid, path, hasLocal := m.GetOperation(key)
	if vid != 0 {
		t.Fatalf("test setup: expected vdisk 0, got %d", vid)
	}
	if !hasLocal || path != "/a" {
		t.Errorf("GetOperation(key in vdisk 0) = (%d, %q, %v), want local path /a", vid, path, hasLocal)
	}
}
