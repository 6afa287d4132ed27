package backend

import (
	"context"
	"testing"

	"github.com/jpl-au/bob/internal/diskcontroller"
	"github.com/jpl-au/bob/internal/group"
	"github.com/jpl-au/bob/internal/holder"
	"github.com/jpl-au/bob/internal/record"
)

func newTestPearl(t *testing.T) *Pearl {
	t.Helper()
	dir := t.TempDir()
	holderOpts := holder.Options{KeySize: 3, MaxBlobSize: 1 << 20, MaxDataInBlob: 1000, ExpectedRecords: 16}
	groupOpts := group.Options{
		TimestampPeriod: 1000,
		StartTimestamp:  group.StartTimestampConfig{Round: true},
		HolderOptions:   holderOpts,
		FailRetryCount:  1,
	}

	c := diskcontroller.New(diskcontroller.Options{
		DiskName:          "disk0",
		BaseDir:           dir,
		DumpConcurrency:   2,
		AccessConcurrency: 4,
		GroupOptions:      groupOpts,
	}, nil)
	if err := c.Run([]uint32{0}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	alien := diskcontroller.New(diskcontroller.Options{
		DiskName:          "disk0-alien",
		BaseDir:           dir + "-alien",
		DumpConcurrency:   2,
		AccessConcurrency: 4,
		GroupOptions:      groupOpts,
	}, nil)
	if err := alien.Run(nil); err != nil {
		t.Fatalf("Run (alien): %v", err)
	}

	return NewPearl(PearlOptions{
		Controllers:     map[string]*diskcontroller.Controller{"disk0": c},
		AlienController: alien,
		VDiskToDisk:     map[uint32]string{0: "disk0"},
	})
}

func TestPearlAlienPayloadRoundTripsThroughCompression(t *testing.T) {
	ctx := context.Background()
	p := newTestPearl(t)
	key := record.Key{9, 9, 9}
	op := Operation{VDiskID: 0, IsAlien: true, RemoteNodeName: "B"}

	payload := []byte("a payload a support node is holding on B's behalf")
	if err := p.Put(ctx, op, key, record.Meta{Timestamp: 1}, payload); err != nil {
		t.Fatalf("Put: %v", err)
	}

	res, err := p.Get(ctx, op, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.Outcome != holder.ReadFound {
		t.Fatalf("Get() outcome = %v, want Found", res.Outcome)
	}
	if string(res.Record.Payload) != string(payload) {
		t.Errorf("Get() payload = %q, want %q (compression round trip broke the payload)", res.Record.Payload, payload)
	}

	// A normal (non-alien) write and read of the same payload applies
	// no compression or decompression and returns the bytes unchanged.
	normalOp := Operation{VDiskID: 0}
	if err := p.Put(ctx, normalOp, record.Key{8, 8, 8}, record.Meta{Timestamp: 1}, payload); err != nil {
		t.Fatalf("Put (normal): %v", err)
	}
	normalRes, err := p.Get(ctx, normalOp, record.Key{8, 8, 8})
	if err != nil {
		t.Fatalf("Get (normal): %v", err)
	}
	if string(normalRes.Record.Payload) != string(payload) {
		t.Errorf("normal Get() payload = %q, want %q unmodified", normalRes.Record.Payload, payload)
	}
}

func TestPearlIndexMemoryReflectsOffload(t *testing.T) {
	ctx := context.Background()
	p := newTestPearl(t)
	op := Operation{VDiskID: 0}

	for i := 0; i < 5; i++ {
		key := record.Key{byte(i), 1, 1}
		if err := p.Put(ctx, op, key, record.Meta{Timestamp: uint64(i + 1)}, []byte("v")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	g, err := p.opts.Controllers["disk0"].Group(0)
	if err != nil {
		t.Fatalf("Group: %v", err)
	}
	for _, h := range g.Holders() {
		if err := h.CloseActiveBlob(); err != nil {
			t.Fatalf("CloseActiveBlob: %v", err)
		}
	}

	before := p.IndexMemory()
	if before == 0 {
		t.Fatal("IndexMemory() = 0 after sealing a non-empty blob, want > 0")
	}

	if touched := p.OffloadOverBudget(1); touched == 0 {
		t.Error("OffloadOverBudget(1) touched 0 holders, want at least 1")
	}
	if after := p.IndexMemory(); after >= before {
		t.Errorf("IndexMemory() after OffloadOverBudget = %d, want < %d", after, before)
	}

	if p.OffloadOverBudget(0) != 0 {
		t.Error("OffloadOverBudget(0) should be a no-op budget")
	}
}

func TestInMemoryPutGetExistDelete(t *testing.T) {
	b := NewInMemory()
	ctx := context.Background()
	op := Operation{VDiskID: 1}
	key := record.Key{1, 2, 3}

	if err := b.Put(ctx, op, key, record.Meta{Timestamp: 5}, []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	res, err := b.Get(ctx, op, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.Outcome != holder.ReadFound || string(res.Record.Payload) != "v" {
		t.Errorf("Get() = %+v, want Found payload=v", res)
	}

	ex, err := b.Exist(ctx, op, key)
	if err != nil || ex.Status != holder.ExistFound {
		t.Errorf("Exist() = %+v, %v, want Found", ex, err)
	}

	if err := b.Delete(ctx, op, key, record.Meta{Timestamp: 6}, true); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	res2, err := b.Get(ctx, op, key)
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if res2.Outcome != holder.ReadDeleted {
		t.Errorf("Get after delete = %+v, want Deleted", res2)
	}
}

func TestStubNeverFindsAnything(t *testing.T) {
	b := NewStub()
	ctx := context.Background()
	if err := b.Put(ctx, Operation{}, record.Key{1}, record.Meta{Timestamp: 1}, []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	res, err := b.Get(ctx, Operation{}, record.Key{1})
	if err != nil || res.Outcome != holder.ReadNotFound {
		t.Errorf("Get() = %+v, %v, want NotFound (stub never stores)", res, err)
	}
}
