package record

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/jpl-au/bob/internal/bobmisc"
)

// Scanner walks a sequence of record frames forward, used by
// Blob.Iter and Index.BuildFromBlob (spec.md §4.1-§4.3). It is
// restartable: callers construct a fresh Scanner over an io.ReaderAt
// each time they need to re-walk the data.
type Scanner struct {
	r               io.ReaderAt
	off             int64
	end             int64
	skipWrongRecord bool
}

// NewScanner builds a Scanner over [start, end) of r. When
// skipWrongRecord is true, a checksum failure does not abort the
// scan: the scanner searches forward for the next occurrence of
// RecordMagic and resumes from there, matching the "skip-wrong-record"
// recovery mode described in spec.md §4.1.
func NewScanner(r io.ReaderAt, start, end int64, skipWrongRecord bool) *Scanner {
	return &Scanner{r: r, off: start, end: end, skipWrongRecord: skipWrongRecord}
}

// Frame is one scanned record frame together with its starting offset
// within the blob.
type Frame struct {
	Offset int64
	Record *Record
	Err    error
}

// Next returns the next frame, or io.EOF once the scanner reaches end.
// What happens at a frame whose header or checksum fails depends on
// skipWrongRecord: if false, the frame is reported via Frame.Err
// (bobmisc.ErrCorruptHeader, or an error wrapping
// bobmisc.ErrCorruptFrame) and the scan stops there (the rest of the
// blob is presumed lost); if true, the frame is not reported and the
// scan resumes at the next plausible magic value.
func (s *Scanner) Next() (*Frame, error) {
	if s.off >= s.end {
		return nil, io.EOF
	}

	headerBuf := make([]byte, HeaderSize)
	if _, err := s.r.ReadAt(headerBuf, s.off); err != nil {
		return nil, err
	}
	h, err := DecodeHeader(headerBuf)
	if err != nil {
		if s.skipWrongRecord {
			next, ok := s.findNextMagic(s.off + 1)
			if !ok {
				s.off = s.end
				return nil, io.EOF
			}
			s.off = next
			return s.Next()
		}
		badOff := s.off
		s.off = s.end
		return &Frame{Offset: badOff, Err: bobmisc.ErrCorruptHeader}, nil
	}

	frameStart := s.off
	frameBuf := make([]byte, h.Size)
	if _, err := s.r.ReadAt(frameBuf, frameStart); err != nil {
		return nil, err
	}

	rec, err := Decode(frameBuf)
	if err != nil {
		if s.skipWrongRecord {
			next, ok := s.findNextMagic(s.off + 1)
			if !ok {
				s.off = s.end
				return nil, io.EOF
			}
			s.off = next
			return s.Next()
		}
		s.off = s.end
		return &Frame{Offset: frameStart, Err: err}, nil
	}

	s.off = frameStart + int64(h.Size)
	return &Frame{Offset: frameStart, Record: rec}, nil
}

// findNextMagic searches forward from off for the next 4-byte
// occurrence of RecordMagic, used to resynchronise the scanner after a
// corrupt frame when skipWrongRecord is enabled.
func (s *Scanner) findNextMagic(off int64) (int64, bool) {
	magic := make([]byte, 4)
	binary.LittleEndian.PutUint32(magic, RecordMagic)

	const chunk = 64 * 1024
	buf := make([]byte, chunk+3)
	for pos := off; pos < s.end; pos += chunk {
		readLen := chunk + 3
		if pos+int64(readLen) > s.end {
			readLen = int(s.end - pos)
		}
		if readLen < 4 {
			break
		}
		n, err := s.r.ReadAt(buf[:readLen], pos)
		if n == 0 && err != nil {
			break
		}
		if idx := bytes.Index(buf[:n], magic); idx >= 0 {
			return pos + int64(idx), true
		}
	}
	return 0, false
}
