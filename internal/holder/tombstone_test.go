package holder

import (
	"testing"

	"github.com/jpl-au/bob/internal/record"
)

func newTestHolder(t *testing.T) *Holder {
	t.Helper()
	h := New(t.TempDir(), 0, 1000, true, Options{KeySize: 3, MaxBlobSize: 1 << 20, MaxDataInBlob: 1000, ExpectedRecords: 16})
	if err := h.PrepareStorage(); err != nil {
		t.Fatalf("PrepareStorage: %v", err)
	}
	return h
}

// Tombstone precedence (spec.md §8 scenario 3): PUT(K,v,10);
// DELETE(K,20); PUT(K,v',15); GET(K) -> Deleted(20), since the latest
// timestamp wins regardless of write order.
func TestTombstonePrecedenceLatestTimestampWins(t *testing.T) {
	h := newTestHolder(t)
	key := record.Key{1, 2, 3}

	if err := h.Write(key, record.Meta{Timestamp: 10}, []byte("v")); err != nil {
		t.Fatalf("Write@10: %v", err)
	}
	if err := h.Delete(key, record.Meta{Timestamp: 20}, true); err != nil {
		t.Fatalf("Delete@20: %v", err)
	}
	if err := h.Write(key, record.Meta{Timestamp: 15}, []byte("v-prime")); err != nil {
		t.Fatalf("Write@15: %v", err)
	}

	res, err := h.Read(key)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if res.Outcome != ReadDeleted || res.Timestamp != 20 {
		t.Errorf("Read() = %+v, want Deleted at timestamp 20", res)
	}
}

// A later live write must still beat an earlier tombstone.
func TestLiveWriteAfterTombstoneWins(t *testing.T) {
	h := newTestHolder(t)
	key := record.Key{4, 5, 6}

	if err := h.Delete(key, record.Meta{Timestamp: 20}, true); err != nil {
		t.Fatalf("Delete@20: %v", err)
	}
	if err := h.Write(key, record.Meta{Timestamp: 30}, []byte("resurrected")); err != nil {
		t.Fatalf("Write@30: %v", err)
	}

	res, err := h.Read(key)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if res.Outcome != ReadFound || string(res.Record.Payload) != "resurrected" {
		t.Errorf("Read() = %+v, want Found payload=resurrected", res)
	}
}
