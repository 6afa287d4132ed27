// Package record implements the key and record codec: fixed-width
// keys, the framed record header, and checksum validation (SPEC_FULL.md
// §4.1). The on-disk header layout is bit-exact with spec.md §6.
package record

import "bytes"

// Key is a fixed-width, opaque byte string. Keys are always compared
// byte-wise; callers never interpret the bytes beyond routing (the
// mapper hashes the key bytes only to pick a vdisk, see
// internal/mapper).
type Key []byte

// Equal reports whether two keys hold the same bytes.
func (k Key) Equal(other Key) bool {
	return bytes.Equal(k, other)
}

// Compare orders keys byte-wise, matching bytes.Compare.
func (k Key) Compare(other Key) int {
	return bytes.Compare(k, other)
}

// Clone returns an independent copy of the key's bytes. Callers that
// retain a key beyond the lifetime of a borrowed buffer (e.g. as a map
// key in an in-memory index) must clone it first.
func (k Key) Clone() Key {
	out := make(Key, len(k))
	copy(out, k)
	return out
}

// String renders a key as a fixed-width hex string for logs and
// partition-directory derivation inputs.
func (k Key) String() string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(k)*2)
	for i, b := range k {
		out[i*2] = hexDigits[b>>4]
		out[i*2+1] = hexDigits[b&0x0f]
	}
	return string(out)
}
