// Package bobmisc holds error kinds shared across every layer of the
// node: storage, replication, and the wire boundary all return these
// same sentinels so callers can use errors.Is regardless of which
// layer produced the failure.
package bobmisc

import "errors"

// Sentinel errors returned by storage and replication operations.
var (
	// ErrDuplicateKey is returned on write when allow_duplicates=false
	// and the key already has a live copy in the active blob.
	ErrDuplicateKey = errors.New("bob: duplicate key")

	// ErrKeyNotFound is returned when a key is absent from every tier
	// consulted (all holders, all replicas, alien areas).
	ErrKeyNotFound = errors.New("bob: key not found")

	// ErrVDiskNotReady is returned when an operation targets a holder
	// that is still Initializing.
	ErrVDiskNotReady = errors.New("bob: vdisk not ready")

	// ErrDiskControllerUnavailable is returned when the disk
	// controller owning the target vdisk is Stopped or NotReady.
	ErrDiskControllerUnavailable = errors.New("bob: disk controller unavailable")

	// ErrHolderTemporarilyUnavailable is returned when a second caller
	// observes a reinit already in progress on the same holder.
	ErrHolderTemporarilyUnavailable = errors.New("bob: holder temporarily unavailable")

	// ErrPossibleDiskDisconnection marks an I/O error classified as
	// "device gone"; it escalates to a disk-controller-wide stop.
	ErrPossibleDiskDisconnection = errors.New("bob: possible disk disconnection")

	// ErrTimeout is returned when an outbound RPC's independent
	// timeout elapses before a response arrives.
	ErrTimeout = errors.New("bob: operation timed out")

	// ErrInternal covers failures with no more specific classification
	// (e.g. both target and alien writes failed).
	ErrInternal = errors.New("bob: internal error")

	// ErrStorageIO wraps an I/O failure that is retryable at the
	// record level and does not imply disk disconnection.
	ErrStorageIO = errors.New("bob: storage io error")

	// ErrBlobFull is returned by Blob.Append when the active-blob
	// size or record-count cap is breached; the holder reacts by
	// sealing the active blob and creating a new one.
	ErrBlobFull = errors.New("bob: active blob full")

	// ErrNeedsRebuild is returned by Index.Load when the on-disk
	// index cannot be trusted (is_written=false, hash mismatch, or a
	// version/key-size mismatch). Holders rebuild the index from the
	// blob in every case except a key-size mismatch, which they return
	// as an error without rebuilding.
	ErrNeedsRebuild = errors.New("bob: index needs rebuild")

	// ErrCorruptFrame is returned when a record frame fails checksum
	// validation during a blob scan.
	ErrCorruptFrame = errors.New("bob: corrupt record frame")

	// ErrCorruptHeader is returned when a blob or index header cannot
	// be parsed.
	ErrCorruptHeader = errors.New("bob: corrupt header")
)

// ValidationKind distinguishes the specific mismatch behind a
// ValidationError.
type ValidationKind int

const (
	// BlobVersion marks a blob whose on-disk format version does not
	// match this binary. blob.Open refuses to open such a blob; the
	// error is returned to the caller and does not abort the process.
	BlobVersion ValidationKind = iota + 1
	// IndexVersion marks an index file whose format version does not
	// match this binary.
	IndexVersion
	// KeySize marks a partition written with a different key width
	// than the node's configured KeySize.
	KeySize
	// Checksum marks a record or header whose checksum does not
	// match its content.
	Checksum
)

func (k ValidationKind) String() string {
	switch k {
	case BlobVersion:
		return "BlobVersion"
	case IndexVersion:
		return "IndexVersion"
	case KeySize:
		return "KeySize"
	case Checksum:
		return "Checksum"
	default:
		return "Unknown"
	}
}

// ValidationError reports a structural mismatch between on-disk data
// and the running configuration. No caller treats BlobVersion
// specially: like every other kind, it is returned up the normal call
// chain.
type ValidationError struct {
	Kind  ValidationKind
	Cause error
}

func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return "bob: validation failed (" + e.Kind.String() + "): " + e.Cause.Error()
	}
	return "bob: validation failed (" + e.Kind.String() + ")"
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// NewValidationError builds a ValidationError of the given kind.
func NewValidationError(kind ValidationKind, cause error) error {
	return &ValidationError{Kind: kind, Cause: cause}
}
