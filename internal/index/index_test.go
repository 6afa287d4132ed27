package index

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jpl-au/bob/internal/blob"
	"github.com/jpl-au/bob/internal/bloomfilter"
	"github.com/jpl-au/bob/internal/bobmisc"
	"github.com/jpl-au/bob/internal/record"
)

func newTestBlob(t *testing.T) (*blob.Blob, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "0.blob")
	b, err := blob.Open(path, blob.CreateActive, blob.Options{ExpectedRecords: 16})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return b, dir
}

func TestBuildFromBlobAndLookup(t *testing.T) {
	b, _ := newTestBlob(t)
	defer b.Close()

	k1 := record.Key{1, 2, 3}
	k2 := record.Key{4, 5, 6}

	if _, err := b.Append(k1, record.Meta{Timestamp: 10}, []byte("hello"), 0); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := b.Append(k2, record.Meta{Timestamp: 11}, []byte("world"), 0); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := b.Append(k1, record.Meta{Timestamp: 12}, nil, record.FlagDeleted); err != nil {
		t.Fatalf("Append tombstone: %v", err)
	}

	idx := BuildFromBlob(b, 3)

	if idx.RecordCount() != 3 {
		t.Errorf("RecordCount() = %d, want 3", idx.RecordCount())
	}

	res := idx.Lookup(k1)
	if len(res.Offsets) != 2 {
		t.Fatalf("Lookup(k1).Offsets has %d entries, want 2", len(res.Offsets))
	}
	if res.TombstoneTS == nil || *res.TombstoneTS != 12 {
		t.Errorf("Lookup(k1).TombstoneTS = %v, want 12", res.TombstoneTS)
	}

	res2 := idx.Lookup(k2)
	if res2.TombstoneTS != nil {
		t.Errorf("Lookup(k2).TombstoneTS = %v, want nil (never deleted)", res2.TombstoneTS)
	}

	if idx.Contains(k1) == bloomfilter.Definitely {
		t.Error("Contains(k1) = Definitely, but k1 was added")
	}
	missing := record.Key{9, 9, 9}
	if got := idx.Lookup(missing); got.Offsets != nil {
		t.Errorf("Lookup of an unknown key returned offsets %v, want none", got.Offsets)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	b, dir := newTestBlob(t)
	defer b.Close()

	k := record.Key{7, 7, 7}
	if _, err := b.Append(k, record.Meta{Timestamp: 100}, []byte("payload"), 0); err != nil {
		t.Fatalf("Append: %v", err)
	}

	idx := BuildFromBlob(b, 3)
	path := filepath.Join(dir, "0.index")
	if err := idx.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path, 3)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.RecordCount() != 1 {
		t.Errorf("loaded RecordCount() = %d, want 1", loaded.RecordCount())
	}
	res := loaded.Lookup(k)
	if len(res.Offsets) != 1 {
		t.Fatalf("loaded Lookup(k).Offsets has %d entries, want 1", len(res.Offsets))
	}
	if loaded.Contains(k) == bloomfilter.Definitely {
		t.Error("loaded filter says Definitely absent for a key that was present")
	}
}

// TestLoadRejectsUnwrittenIndex covers the crash-recovery path: an index
// file that was never marked is_written (crash mid-save, or a stale file
// left from a killed node) must force the caller back to rebuilding from
// the blob, never be served as-is.
func TestLoadRejectsUnwrittenIndex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "0.index")
	buf := make([]byte, HeaderSize)
	// is_written left at zero (version and key_size are zero too; Load
	// checks is_written before either of them).
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := Load(path, 3)
	if err != bobmisc.ErrNeedsRebuild {
		t.Errorf("Load() error = %v, want ErrNeedsRebuild", err)
	}
}

func TestLoadRejectsKeySizeMismatch(t *testing.T) {
	b, dir := newTestBlob(t)
	defer b.Close()

	if _, err := b.Append(record.Key{1, 2, 3}, record.Meta{Timestamp: 1}, []byte("x"), 0); err != nil {
		t.Fatalf("Append: %v", err)
	}
	idx := BuildFromBlob(b, 3)
	path := filepath.Join(dir, "0.index")
	if err := idx.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	_, err := Load(path, 8)
	if err == nil {
		t.Fatal("Load with mismatched key size succeeded, want an error")
	}
}

func TestOffloadDropsCachesAndDegradesContains(t *testing.T) {
	b, _ := newTestBlob(t)
	defer b.Close()

	k := record.Key{1, 1, 1}
	if _, err := b.Append(k, record.Meta{Timestamp: 1}, []byte("v"), 0); err != nil {
		t.Fatalf("Append: %v", err)
	}
	idx := BuildFromBlob(b, 3)

	idx.Offload(Level0)
	if got := idx.Lookup(k); got.Offsets != nil {
		t.Errorf("Lookup after Level0 offload = %v, want none (entries dropped)", got.Offsets)
	}

	idx.Offload(Level1)
	if idx.Contains(k) != bloomfilter.NeedAdditionalCheck {
		t.Error("Contains after Level1 offload should degrade to NeedAdditionalCheck")
	}
}
