package group

import (
	"testing"

	"github.com/jpl-au/bob/internal/holder"
	"github.com/jpl-au/bob/internal/record"
)

func newTestGroup(t *testing.T) *Group {
	t.Helper()
	dir := t.TempDir()
	return New(Options{
		BaseDir:         dir,
		VDiskID:         0,
		TimestampPeriod: 100,
		StartTimestamp:  StartTimestampConfig{Round: true},
		HolderOptions:   holder.Options{KeySize: 3, MaxBlobSize: 1 << 20, MaxDataInBlob: 1000, ExpectedRecords: 16},
		FailRetryCount:  3,
	})
}

func TestWriteCreatesHolderForNewBucket(t *testing.T) {
	g := newTestGroup(t)
	key := record.Key{1, 2, 3}

	if err := g.Write(key, record.Meta{Timestamp: 150}, []byte("v1"), "n1"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	holders := g.Holders()
	if len(holders) != 1 {
		t.Fatalf("len(Holders()) = %d, want 1", len(holders))
	}
	if holders[0].StartTimestamp() != 100 {
		t.Errorf("holder start = %d, want 100 (floor(150/100)*100)", holders[0].StartTimestamp())
	}
}

func TestWriteReusesExistingBucket(t *testing.T) {
	g := newTestGroup(t)
	key := record.Key{1, 2, 3}

	if err := g.Write(key, record.Meta{Timestamp: 110}, []byte("v1"), "n1"); err != nil {
		t.Fatalf("Write 1: %v", err)
	}
	if err := g.Write(key, record.Meta{Timestamp: 190}, []byte("v2"), "n1"); err != nil {
		t.Fatalf("Write 2: %v", err)
	}

	if len(g.Holders()) != 1 {
		t.Fatalf("len(Holders()) = %d, want 1 (same [100,200) bucket)", len(g.Holders()))
	}
}

func TestReadReturnsFreshestAcrossHolders(t *testing.T) {
	g := newTestGroup(t)
	key := record.Key{9, 9, 9}

	if err := g.Write(key, record.Meta{Timestamp: 110}, []byte("old"), "n1"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := g.Write(key, record.Meta{Timestamp: 310}, []byte("new"), "n1"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	res, err := g.Read(key)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if res.Outcome != holder.ReadFound || string(res.Record.Payload) != "new" {
		t.Errorf("Read() = %+v, want the record with timestamp 310", res)
	}
}

func TestReadNotFoundWhenAbsent(t *testing.T) {
	g := newTestGroup(t)
	_, err := g.Read(record.Key{1, 1, 1})
	if err == nil {
		t.Fatal("Read on empty group succeeded, want ErrKeyNotFound")
	}
}

func TestDetachPastPartitionSucceeds(t *testing.T) {
	g := newTestGroup(t)
	key := record.Key{5, 5, 5}
	if err := g.Write(key, record.Meta{Timestamp: 150}, []byte("v"), "n1"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// The bucket created for ts=150 is [100,200); whether "now" falls
	// inside it depends on wall-clock time, which this unit test can't
	// control without a clock seam. Exercise a bucket chosen to be
	// certainly in the past instead.
	if err := g.Write(record.Key{6, 6, 6}, record.Meta{Timestamp: 1}, []byte("old"), "n1"); err != nil {
		t.Fatalf("Write old: %v", err)
	}
	holders := g.Holders()
	var oldStart uint64
	for _, h := range holders {
		if h.StartTimestamp() == 0 {
			oldStart = 0
		}
	}
	_ = oldStart

	if _, err := g.Detach(0); err != nil {
		t.Fatalf("Detach of a long-past partition should succeed, got: %v", err)
	}
}
