package record

// Meta carries the user-supplied recency timestamp. Timestamps are not
// interpreted by storage beyond ordering: the caller is the sole
// authority on what "recent" means for their workload.
type Meta struct {
	Timestamp uint64
}

// Flag bits for Record.Flags.
const (
	FlagDeleted uint8 = 1 << 0
)

// Record is the logical unit of storage: a key, its recency metadata,
// an opaque payload, and flags. flags.deleted marks a tombstone; the
// payload of a tombstone is empty.
type Record struct {
	Key     Key
	Meta    Meta
	Payload []byte
	Flags   uint8
}

// Deleted reports whether this record is a tombstone.
func (r *Record) Deleted() bool {
	return r.Flags&FlagDeleted != 0
}

// NewTombstone builds a zero-payload deleted record for the given key
// and timestamp, as appended by Holder.Delete.
func NewTombstone(key Key, ts uint64) *Record {
	return &Record{Key: key, Meta: Meta{Timestamp: ts}, Flags: FlagDeleted}
}
