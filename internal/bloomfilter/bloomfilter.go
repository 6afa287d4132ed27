// Package bloomfilter implements the Bloom filter gating blob and
// index lookups (spec.md §4.2-§4.3). A negative is authoritative for a
// sealed blob; a positive only means "check the index" (§3 invariants).
//
// The bitset and hashing scheme are adapted from the teacher's
// internal bloom filter (bloom.go in the retrieval pack's jpl-au-folio
// repo), generalised from a fixed 10k-entry sizing to a size computed
// from the expected entry count and target false-positive rate, since
// a partition's record count is not known in advance the way a
// document-label count is.
package bloomfilter

import (
	"math"

	"github.com/zeebo/xxh3"
)

// FilterResult is the outcome of a Contains check (spec.md §4.3).
type FilterResult int

const (
	// Definitely means the key is certainly absent: a sealed blob's
	// negative is authoritative and the caller may skip the index
	// entirely.
	Definitely FilterResult = iota
	// NeedAdditionalCheck means the key might be present: the caller
	// must consult the index to confirm.
	NeedAdditionalCheck
)

// Filter is a classic k-hash-function Bloom filter over arbitrary byte
// keys, sized at construction time for a target entry count and false
// positive rate.
type Filter struct {
	bits []byte
	m    uint64 // bit count
	k    uint64 // hash function count
}

// New sizes a filter for expectedEntries entries at the given target
// false-positive rate (e.g. 0.01 for 1%). m and k are computed with the
// standard optimal-parameters formulas.
func New(expectedEntries int, falsePositiveRate float64) *Filter {
	if expectedEntries < 1 {
		expectedEntries = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}
	n := float64(expectedEntries)
	m := math.Ceil(-n * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2))
	if m < 64 {
		m = 64
	}
	k := math.Round((m / n) * math.Ln2)
	if k < 1 {
		k = 1
	}
	bitBytes := (uint64(m) + 7) / 8
	return &Filter{
		bits: make([]byte, bitBytes),
		m:    bitBytes * 8,
		k:    uint64(k),
	}
}

// positions derives k bit positions from a key using the standard
// double-hashing construction (Kirsch-Mitzenmacher): two independent
// 64-bit hashes combined linearly simulate k independent hash
// functions without k separate hash computations.
func (f *Filter) positions(key []byte) []uint64 {
	h1 := xxh3.Hash(key)
	h2 := xxh3.HashSeed(key, 0x9E3779B97F4A7C15)
	out := make([]uint64, f.k)
	for i := uint64(0); i < f.k; i++ {
		out[i] = (h1 + i*h2) % f.m
	}
	return out
}

// Add inserts a key into the filter.
func (f *Filter) Add(key []byte) {
	for _, pos := range f.positions(key) {
		f.bits[pos/8] |= 1 << (pos % 8)
	}
}

// Contains reports whether key might be present. A Definitely result
// is authoritative; NeedAdditionalCheck requires an index lookup.
func (f *Filter) Contains(key []byte) FilterResult {
	for _, pos := range f.positions(key) {
		if f.bits[pos/8]&(1<<(pos%8)) == 0 {
			return Definitely
		}
	}
	return NeedAdditionalCheck
}

// Bytes returns the raw bitset for persistence in the index file.
func (f *Filter) Bytes() []byte {
	return f.bits
}

// K returns the configured hash function count, needed alongside Bytes
// to reconstruct a Filter on load.
func (f *Filter) K() uint64 {
	return f.k
}

// FromBytes reconstructs a Filter from a persisted bitset and hash
// count, as read back from an index file header.
func FromBytes(bits []byte, k uint64) *Filter {
	return &Filter{bits: bits, m: uint64(len(bits)) * 8, k: k}
}

// MemoryAllocated reports the filter's resident size in bytes, used by
// Index.memory_allocated (spec.md §4.3) and the cluster-wide filter
// memory budget (pearl.bloom_filter_max_buf_bits_count).
func (f *Filter) MemoryAllocated() int {
	return len(f.bits)
}
