package holder

import (
	"errors"
	"testing"

	"github.com/jpl-au/bob/internal/bobmisc"
	"github.com/jpl-au/bob/internal/record"
)

// Key-size mismatch (spec.md §8 scenario 6): a partition written with
// key_size=16 must make a node configured with key_size=8 abort with
// Validation{KeySize} before serving traffic, rather than silently
// rebuilding the index at the wrong key width.
func TestPrepareStorageAbortsOnKeySizeMismatch(t *testing.T) {
	dir := t.TempDir()

	written := New(dir, 0, 1000, true, Options{KeySize: 16, MaxBlobSize: 1 << 20, MaxDataInBlob: 1000, ExpectedRecords: 16})
	if err := written.PrepareStorage(); err != nil {
		t.Fatalf("PrepareStorage (key_size=16): %v", err)
	}
	key16 := make(record.Key, 16)
	copy(key16, []byte("0123456789abcdef"))
	if err := written.Write(key16, record.Meta{Timestamp: 1}, []byte("v")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := written.CloseActiveBlob(); err != nil {
		t.Fatalf("CloseActiveBlob: %v", err)
	}

	mismatched := New(dir, 0, 1000, true, Options{KeySize: 8, MaxBlobSize: 1 << 20, MaxDataInBlob: 1000, ExpectedRecords: 16})
	err := mismatched.PrepareStorage()
	if err == nil {
		t.Fatal("PrepareStorage (key_size=8) on a key_size=16 partition succeeded, want Validation{KeySize}")
	}
	var ve *bobmisc.ValidationError
	if !errors.As(err, &ve) || ve.Kind != bobmisc.KeySize {
		t.Errorf("PrepareStorage error = %v, want a Validation{KeySize} error", err)
	}
	if State(mismatched.state.Load()) == Running {
		t.Error("holder transitioned to Running despite the key-size mismatch")
	}
}
