package group

import (
	"testing"

	"github.com/jpl-au/bob/internal/holder"
	"github.com/jpl-au/bob/internal/record"
)

// Partition roll (spec.md §8 scenario 4): with timestamp_period = 1
// day, a record at 86_399 and a record at 86_400 land in two distinct
// holders with starts 0 and 86_400 respectively, each holding exactly
// one record. A timestamp equal to a holder's end boundary always
// belongs to the next bucket, never the current one.
func TestPartitionRollOneDayPeriod(t *testing.T) {
	const day = 86_400
	g := New(Options{
		BaseDir:         t.TempDir(),
		VDiskID:         0,
		TimestampPeriod: day,
		StartTimestamp:  StartTimestampConfig{Round: true},
		HolderOptions:   holder.Options{KeySize: 3, MaxBlobSize: 1 << 20, MaxDataInBlob: 1000, ExpectedRecords: 16},
		FailRetryCount:  3,
	})

	k1 := record.Key{1, 1, 1}
	k2 := record.Key{2, 2, 2}

	if err := g.Write(k1, record.Meta{Timestamp: day - 1}, []byte("last second of day 0"), "n1"); err != nil {
		t.Fatalf("Write k1: %v", err)
	}
	if err := g.Write(k2, record.Meta{Timestamp: day}, []byte("first second of day 1"), "n1"); err != nil {
		t.Fatalf("Write k2: %v", err)
	}

	holders := g.Holders()
	if len(holders) != 2 {
		t.Fatalf("len(Holders()) = %d, want 2", len(holders))
	}

	var h0, h1 *holder.Holder
	for _, h := range holders {
		switch h.StartTimestamp() {
		case 0:
			h0 = h
		case day:
			h1 = h
		}
	}
	if h0 == nil || h1 == nil {
		t.Fatalf("expected holders starting at 0 and %d, got starts %d and %d",
			day, holders[0].StartTimestamp(), holders[1].StartTimestamp())
	}

	res0, err := h0.Read(k1)
	if err != nil || res0.Outcome != holder.ReadFound {
		t.Errorf("h0.Read(k1) = %+v, err=%v, want Found", res0, err)
	}
	if res, err := h0.Read(k2); err == nil && res.Outcome == holder.ReadFound {
		t.Errorf("h0 (day 0 bucket) should not contain k2")
	}

	res1, err := h1.Read(k2)
	if err != nil || res1.Outcome != holder.ReadFound {
		t.Errorf("h1.Read(k2) = %+v, err=%v, want Found", res1, err)
	}
}

// A record whose timestamp exactly equals a holder's end_timestamp
// must never be accepted by that holder (spec.md §8 boundary
// behavior).
func TestRecordAtEndBoundaryExcludedFromCurrentHolder(t *testing.T) {
	h := newTestGroup(t)
	k := record.Key{9, 9, 9}

	// newTestGroup uses TimestampPeriod: 100, so writing at ts=200
	// must create a holder starting at 200, not reuse [100,200).
	if err := h.Write(record.Key{1, 1, 1}, record.Meta{Timestamp: 150}, []byte("v"), "n1"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := h.Write(k, record.Meta{Timestamp: 200}, []byte("v2"), "n1"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	holders := h.Holders()
	if len(holders) != 2 {
		t.Fatalf("len(Holders()) = %d, want 2 ([100,200) and [200,300))", len(holders))
	}
}
