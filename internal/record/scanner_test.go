package record

import (
	"bytes"
	"io"
	"testing"
)

// sectionReaderAt adapts a byte slice to io.ReaderAt for scanner tests.
type sectionReaderAt struct{ buf []byte }

func (s *sectionReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(s.buf)) {
		return 0, io.EOF
	}
	n := copy(p, s.buf[off:])
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

func TestScannerWalksSequentialFrames(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(Encode(Key{1}, Meta{Timestamp: 1}, []byte("a"), 0))
	buf.Write(Encode(Key{2}, Meta{Timestamp: 2}, []byte("bb"), 0))
	buf.Write(Encode(Key{3}, Meta{Timestamp: 3}, []byte("ccc"), 0))

	r := &sectionReaderAt{buf: buf.Bytes()}
	sc := NewScanner(r, 0, int64(buf.Len()), false)

	var seen []byte
	for {
		f, err := sc.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if f.Err != nil {
			t.Fatalf("frame error: %v", f.Err)
		}
		seen = append(seen, f.Record.Key[0])
	}
	if !bytes.Equal(seen, []byte{1, 2, 3}) {
		t.Errorf("keys seen = %v, want [1 2 3]", seen)
	}
}

func TestScannerSkipsWrongRecordOnCorruption(t *testing.T) {
	var buf bytes.Buffer
	good1 := Encode(Key{1}, Meta{Timestamp: 1}, []byte("a"), 0)
	bad := Encode(Key{2}, Meta{Timestamp: 2}, []byte("bb"), 0)
	bad[len(bad)-1] ^= 0xFF // corrupt payload checksum
	good2 := Encode(Key{3}, Meta{Timestamp: 3}, []byte("ccc"), 0)

	buf.Write(good1)
	buf.Write(bad)
	buf.Write(good2)

	r := &sectionReaderAt{buf: buf.Bytes()}
	sc := NewScanner(r, 0, int64(buf.Len()), true)

	var seen []byte
	for {
		f, err := sc.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if f.Err != nil {
			continue
		}
		seen = append(seen, f.Record.Key[0])
	}
	if !bytes.Equal(seen, []byte{1, 3}) {
		t.Errorf("keys seen after skip = %v, want [1 3]", seen)
	}
}
