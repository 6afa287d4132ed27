package record

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"

	"github.com/jpl-au/bob/internal/bobmisc"
)

// RecordMagic marks the start of every record frame. Forward recovery
// scans for this value when a checksum failure forces a skip to the
// next plausible record (spec.md §4.1, "skip-wrong-record").
const RecordMagic uint32 = 0xB0B0FEED

// HeaderSize is the fixed, self-describing record header: magic, size,
// key/meta/data sizes, flags, and two checksums. Bit-exact with
// spec.md §6 "Record header (fixed)".
const HeaderSize = 4 + 8 + 4 + 4 + 8 + 1 + 4 + 4

// metaSize is the serialized size of Meta (a single u64 timestamp).
// Kept as an explicit header field (MetaSize) rather than assumed, so
// a future Meta extension only changes this constant.
const metaSize = 8

const headerChecksumOffset = 4 + 8 + 4 + 4 + 8 + 1

// Header is the decoded, fixed-size frame prefix. It is self-
// describing: Size gives the scanner the exact byte count to skip to
// reach the next frame without re-parsing the payload.
type Header struct {
	Magic           uint32
	Size            uint64 // total frame size: header + key + meta + payload
	KeySize         uint32
	MetaSize        uint32
	DataSize        uint64 // payload size only
	Flags           uint8
	HeaderChecksum  uint32
	PayloadChecksum uint32
}

// checksum32 truncates a fast 64-bit hash to 32 bits. xxh3 is used
// throughout this package for the same reason the teacher's hash.go
// defaults to it: it is the fastest of the three algorithms available
// in the corpus, and every PUT computes at least one of these.
func checksum32(b []byte) uint32 {
	return uint32(xxh3.Hash(b))
}

// frameLayout returns the byte offsets of each section within an
// encoded frame, given the key and payload sizes.
func frameLayout(keySize, dataSize int) (keyOff, metaOff, payloadOff, total int) {
	keyOff = HeaderSize
	metaOff = keyOff + keySize
	payloadOff = metaOff + metaSize
	total = payloadOff + dataSize
	return
}

// Encode serializes a record into a single contiguous frame:
// header || key || meta || payload. The header checksum covers every
// header byte preceding it; the payload checksum covers the payload
// only, so ValidateChecksum can run without touching the key or meta.
func Encode(key Key, meta Meta, payload []byte, flags uint8) []byte {
	keyOff, metaOff, payloadOff, total := frameLayout(len(key), len(payload))

	frame := make([]byte, total)
	binary.LittleEndian.PutUint32(frame[0:], RecordMagic)
	binary.LittleEndian.PutUint64(frame[4:], uint64(total))
	binary.LittleEndian.PutUint32(frame[12:], uint32(len(key)))
	binary.LittleEndian.PutUint32(frame[16:], metaSize)
	binary.LittleEndian.PutUint64(frame[20:], uint64(len(payload)))
	frame[28] = flags

	copy(frame[keyOff:], key)
	binary.LittleEndian.PutUint64(frame[metaOff:], meta.Timestamp)
	copy(frame[payloadOff:], payload)

	binary.LittleEndian.PutUint32(frame[headerChecksumOffset:], checksum32(frame[:headerChecksumOffset]))
	binary.LittleEndian.PutUint32(frame[headerChecksumOffset+4:], checksum32(payload))

	return frame
}

// DecodeHeader parses the fixed-size header prefix of buf. It returns
// bobmisc.ErrCorruptHeader if buf is too short or the magic does not
// match — the caller (Scanner) uses a magic mismatch to decide whether
// to treat this as "end of written data" or "corruption to skip past".
func DecodeHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, bobmisc.ErrCorruptHeader
	}
	h := &Header{}
	h.Magic = binary.LittleEndian.Uint32(buf[0:])
	if h.Magic != RecordMagic {
		return nil, bobmisc.ErrCorruptHeader
	}
	h.Size = binary.LittleEndian.Uint64(buf[4:])
	h.KeySize = binary.LittleEndian.Uint32(buf[12:])
	h.MetaSize = binary.LittleEndian.Uint32(buf[16:])
	h.DataSize = binary.LittleEndian.Uint64(buf[20:])
	h.Flags = buf[28]
	h.HeaderChecksum = binary.LittleEndian.Uint32(buf[headerChecksumOffset:])
	h.PayloadChecksum = binary.LittleEndian.Uint32(buf[headerChecksumOffset+4:])
	return h, nil
}

// ValidateChecksum verifies both the header and payload checksums of a
// full frame (header || key || meta || payload, exactly as produced by
// Encode). It never panics on malformed input; any length mismatch is
// reported as a checksum failure.
func ValidateChecksum(frame []byte) bool {
	h, err := DecodeHeader(frame)
	if err != nil {
		return false
	}
	if uint64(len(frame)) != h.Size {
		return false
	}
	if checksum32(frame[:headerChecksumOffset]) != h.HeaderChecksum {
		return false
	}
	_, _, payloadOff, total := frameLayout(int(h.KeySize), int(h.DataSize))
	if total != len(frame) {
		return false
	}
	return checksum32(frame[payloadOff:total]) == h.PayloadChecksum
}

// Decode fully parses a frame into a Record, after checksum
// validation. Callers that only need to skip past a record (e.g. a
// sequential iterator that isn't interested in the payload) should
// call DecodeHeader instead to avoid the copy.
func Decode(frame []byte) (*Record, error) {
	h, err := DecodeHeader(frame)
	if err != nil {
		return nil, err
	}
	if !ValidateChecksum(frame) {
		return nil, bobmisc.NewValidationError(bobmisc.Checksum, bobmisc.ErrCorruptFrame)
	}
	keyOff, metaOff, payloadOff, total := frameLayout(int(h.KeySize), int(h.DataSize))
	if total != len(frame) {
		return nil, bobmisc.ErrCorruptFrame
	}
	key := make(Key, h.KeySize)
	copy(key, frame[keyOff:metaOff])
	ts := binary.LittleEndian.Uint64(frame[metaOff:payloadOff])
	payload := make([]byte, h.DataSize)
	copy(payload, frame[payloadOff:total])
	return &Record{
		Key:     key,
		Meta:    Meta{Timestamp: ts},
		Payload: payload,
		Flags:   h.Flags,
	}, nil
}
