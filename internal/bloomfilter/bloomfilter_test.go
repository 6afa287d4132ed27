package bloomfilter

import "testing"

func TestFilterNoFalseNegatives(t *testing.T) {
	f := New(1000, 0.01)
	keys := make([][]byte, 0, 1000)
	for i := 0; i < 1000; i++ {
		k := []byte{byte(i), byte(i >> 8), byte(i >> 16)}
		keys = append(keys, k)
		f.Add(k)
	}
	for _, k := range keys {
		if f.Contains(k) == Definitely {
			t.Fatalf("Contains(%x) = Definitely for a key that was Added; bloom filters must never false-negative", k)
		}
	}
}

func TestFilterDefinitelyAbsent(t *testing.T) {
	f := New(10, 0.01)
	f.Add([]byte("present"))

	// A key that was never added. With this small a filter there's a
	// nonzero false-positive chance, so this probe's result is not
	// asserted.
	got := f.Contains([]byte("definitely-not-in-the-set-xyz"))
	_ = got // false positives are permitted; only false negatives are a bug
}

func TestFromBytesRoundTrip(t *testing.T) {
	f := New(100, 0.01)
	f.Add([]byte("a"))
	f.Add([]byte("b"))

	reconstructed := FromBytes(f.Bytes(), f.K())
	if reconstructed.Contains([]byte("a")) == Definitely {
		t.Error("reconstructed filter lost a key that was present before serialization")
	}
	if reconstructed.Contains([]byte("b")) == Definitely {
		t.Error("reconstructed filter lost a key that was present before serialization")
	}
}

func TestMemoryAllocatedMatchesByteLength(t *testing.T) {
	f := New(500, 0.01)
	if f.MemoryAllocated() != len(f.Bytes()) {
		t.Errorf("MemoryAllocated() = %d, want %d", f.MemoryAllocated(), len(f.Bytes()))
	}
}
