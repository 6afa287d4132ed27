// Package blob implements the append-only blob file (spec.md §4.2): a
// single-writer sequence of record frames, gated by an in-memory
// offset index and Bloom filter, that is either active (open for
// append) or sealed (immutable, indexed on disk).
//
// Layout, ownership, and the active/sealed lifecycle follow the
// teacher's append-only document file (db.go in jpl-au-folio),
// generalised from newline-delimited JSON records to the fixed binary
// frames in internal/record, and from a single shared file to one
// file per blob generation with an external seal step.
package blob

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"sync"
	"syscall"

	"github.com/jpl-au/bob/internal/bloomfilter"
	"github.com/jpl-au/bob/internal/bobmisc"
	"github.com/jpl-au/bob/internal/record"
)

// BlobMagic and BlobVersion identify the on-disk blob header
// (spec.md §6, "Blob header (bit-exact)"). A version mismatch at open
// is fatal, per spec.md §7.
const (
	BlobMagic   uint64 = 0xB0B5_1EA1_0000_0001
	BlobVersion uint32 = 1

	// HeaderSize is 64-byte aligned as required by spec.md §6.
	HeaderSize = 64
)

// Mode selects how Open treats the underlying file.
type Mode int

const (
	// CreateActive creates a new blob file open for append.
	CreateActive Mode = iota
	// OpenSealed opens an existing, immutable blob for reads only.
	OpenSealed
	// OpenForRepair opens an existing blob for read and, if
	// necessary, truncation back to the last valid frame boundary
	// (used when the index could not confirm a clean shutdown).
	OpenForRepair
)

// Blob owns one on-disk append-only file: its write handle (if
// active), its in-memory offset index, and its Bloom filter. Holder
// exclusively owns one Blob at a time per generation; no other
// component holds a reference to the write handle.
type Blob struct {
	mu   sync.RWMutex
	path string
	mode Mode
	file *os.File

	sealed bool
	tail   int64 // append offset, valid only while active

	offsets map[string][]int64 // hex(key) -> ascending offsets
	filter  *bloomfilter.Filter

	maxBlobSize   int64
	maxDataInBlob int64
	recordCount   int64
}

// Options configures active-blob roll policy (spec.md §4.2).
type Options struct {
	MaxBlobSize   int64
	MaxDataInBlob int64
	// ExpectedRecords sizes the Bloom filter; it need not be exact.
	ExpectedRecords int
}

// Open opens path under the given mode. CreateActive creates the file
// and writes a fresh header; the other modes read an existing header
// and validate its magic/version.
func Open(path string, mode Mode, opts Options) (*Blob, error) {
	b := &Blob{
		path:          path,
		mode:          mode,
		offsets:       make(map[string][]int64),
		filter:        bloomfilter.New(max(opts.ExpectedRecords, 1), 0.01),
		maxBlobSize:   opts.MaxBlobSize,
		maxDataInBlob: opts.MaxDataInBlob,
	}

	switch mode {
	case CreateActive:
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return nil, classifyIOErr(err)
		}
		if _, err := f.Write(encodeHeader()); err != nil {
			f.Close()
			return nil, classifyIOErr(err)
		}
		b.file = f
		b.tail = HeaderSize
		return b, nil
	case OpenSealed, OpenForRepair:
		flags := os.O_RDONLY
		if mode == OpenForRepair {
			flags = os.O_RDWR
		}
		f, err := os.OpenFile(path, flags, 0o644)
		if err != nil {
			return nil, classifyIOErr(err)
		}
		hdrBuf := make([]byte, HeaderSize)
		if _, err := io.ReadFull(f, hdrBuf); err != nil {
			f.Close()
			return nil, bobmisc.ErrCorruptHeader
		}
		magic := binary.LittleEndian.Uint64(hdrBuf[0:8])
		version := binary.LittleEndian.Uint32(hdrBuf[8:12])
		if magic != BlobMagic {
			f.Close()
			return nil, bobmisc.ErrCorruptHeader
		}
		if version != BlobVersion {
			f.Close()
			return nil, bobmisc.NewValidationError(bobmisc.BlobVersion, fmt.Errorf("blob version %d, binary supports %d", version, BlobVersion))
		}
		b.file = f
		b.sealed = mode == OpenSealed
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, classifyIOErr(err)
		}
		b.tail = info.Size()
		if err := b.rebuildInMemoryIndex(mode == OpenForRepair); err != nil {
			f.Close()
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("blob: unknown mode %d", mode)
	}
}

func encodeHeader() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], BlobMagic)
	binary.LittleEndian.PutUint32(buf[8:12], BlobVersion)
	// bytes 12:16 are flags, reserved (zero); remainder is padding to
	// the 64-byte alignment spec.md §6 requires.
	return buf
}

// rebuildInMemoryIndex scans the whole blob, used both for fresh
// OpenSealed/OpenForRepair and as the fallback Holder drives when the
// persisted index can't be trusted (spec.md §4.3 NeedsRebuild).
// In repair mode, a corrupt tail frame truncates the file back to the
// last valid boundary rather than aborting.
func (b *Blob) rebuildInMemoryIndex(repair bool) error {
	sc := record.NewScanner(b.file, HeaderSize, b.tail, repair)
	lastGood := int64(HeaderSize)
	for {
		f, err := sc.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return classifyIOErr(err)
		}
		if f.Err != nil {
			if repair {
				// Scanner already resynchronised past this frame;
				// lastGood stays at the last confirmed boundary.
				continue
			}
			return f.Err
		}
		key := hexKey(f.Record.Key)
		b.offsets[key] = append(b.offsets[key], f.Offset)
		b.filter.Add(f.Record.Key)
		b.recordCount++
		lastGood = f.Offset + int64(len(record.Encode(f.Record.Key, f.Record.Meta, f.Record.Payload, f.Record.Flags)))
	}
	if repair && lastGood < b.tail {
		if err := b.file.Truncate(lastGood); err != nil {
			return classifyIOErr(err)
		}
		b.tail = lastGood
	}
	return nil
}

func hexKey(k record.Key) string { return k.String() }

// Append writes a record to the active blob and returns its offset.
// It returns bobmisc.ErrBlobFull if the write would breach the active
// blob's size or record-count cap; the caller (Holder) reacts by
// sealing this blob and creating a new active one, then retrying the
// append there.
func (b *Blob) Append(key record.Key, meta record.Meta, payload []byte, flags uint8) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sealed {
		return 0, fmt.Errorf("blob: append on sealed blob")
	}

	frame := record.Encode(key, meta, payload, flags)

	if b.maxDataInBlob > 0 && b.recordCount >= b.maxDataInBlob {
		return 0, bobmisc.ErrBlobFull
	}
	if b.maxBlobSize > 0 && b.tail+int64(len(frame)) > b.maxBlobSize {
		return 0, bobmisc.ErrBlobFull
	}

	offset := b.tail
	if _, err := b.file.WriteAt(frame, offset); err != nil {
		return 0, classifyIOErr(err)
	}
	b.tail += int64(len(frame))
	b.recordCount++

	k := hexKey(key)
	b.offsets[k] = append(b.offsets[k], offset)
	b.filter.Add(key)

	return offset, nil
}

// ReadAt reads and decodes the full record frame starting at offset.
func (b *Blob) ReadAt(offset int64) (*record.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	headerBuf := make([]byte, record.HeaderSize)
	if _, err := b.file.ReadAt(headerBuf, offset); err != nil {
		return nil, classifyIOErr(err)
	}
	h, err := record.DecodeHeader(headerBuf)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, h.Size)
	if _, err := b.file.ReadAt(frame, offset); err != nil {
		return nil, classifyIOErr(err)
	}
	return record.Decode(frame)
}

// Offsets returns the ascending list of offsets at which key has been
// written, most recent last (spec.md §4.3: "ascending by blob offset").
func (b *Blob) Offsets(key record.Key) []int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]int64(nil), b.offsets[hexKey(key)]...)
}

// Contains reports the Bloom-filter verdict for key, without touching
// disk (spec.md §4.3).
func (b *Blob) Contains(key record.Key) bloomfilter.FilterResult {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.filter.Contains(key)
}

// RecordCount returns the number of frames written to this blob.
func (b *Blob) RecordCount() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.recordCount
}

// Size returns the current file length.
func (b *Blob) Size() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tail
}

// Sealed reports whether this blob has been sealed.
func (b *Blob) Sealed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sealed
}

// Path returns the blob's file path, for logging and partition
// bookkeeping.
func (b *Blob) Path() string { return b.path }

// Seal flushes, fsyncs, and marks the blob immutable. It does not
// itself write the index file: the caller (Holder) builds and persists
// the Index separately via internal/index so the two on-disk artifacts
// can be versioned independently, matching spec.md §4.2's contract
// that Seal "writes the index file" as a description of the overall
// operation rather than this method's sole responsibility.
func (b *Blob) Seal() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return nil
	}
	if err := b.file.Sync(); err != nil {
		return classifyIOErr(err)
	}
	b.sealed = true
	return nil
}

// Close releases the file handle.
func (b *Blob) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.file == nil {
		return nil
	}
	err := b.file.Close()
	b.file = nil
	return err
}

// Iter returns a lazy, restartable sequence over every frame in the
// blob from the beginning. skipWrongRecord controls corruption
// recovery as described in spec.md §4.1.
func (b *Blob) Iter(skipWrongRecord bool) iter.Seq2[int64, *record.Record] {
	return func(yield func(int64, *record.Record) bool) {
		b.mu.RLock()
		end := b.tail
		f := b.file
		b.mu.RUnlock()

		sc := record.NewScanner(f, HeaderSize, end, skipWrongRecord)
		for {
			fr, err := sc.Next()
			if err != nil {
				return
			}
			if fr.Err != nil {
				continue
			}
			if !yield(fr.Offset, fr.Record) {
				return
			}
		}
	}
}

// classifyIOErr maps a write-side I/O error to ErrPossibleDiskDisconnection
// when it looks like the underlying device went away, and to
// ErrStorageIO otherwise (spec.md §4.2 failure semantics, §7
// propagation rules). Go's os package does not expose a single
// "device gone" errno the way Rust's io::ErrorKind does; PathError's
// embedded syscall.Errno is matched against the POSIX codes associated
// with a vanished block device.
func classifyIOErr(err error) error {
	if err == nil {
		return nil
	}
	if isDeviceGoneErr(err) {
		return fmt.Errorf("%w: %v", bobmisc.ErrPossibleDiskDisconnection, err)
	}
	return fmt.Errorf("%w: %v", bobmisc.ErrStorageIO, err)
}

// isDeviceGoneErr reports whether err indicates the underlying block
// device disappeared mid-operation (ENODEV/ENXIO/EIO), as opposed to
// an ordinary, retryable I/O error. This is the Go equivalent of the
// "work dir unavailable" classification spec.md §4.2 requires.
func isDeviceGoneErr(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.ENODEV, syscall.ENXIO, syscall.EIO:
		return true
	default:
		return false
	}
}
