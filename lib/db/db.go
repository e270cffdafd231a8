package db

import "io"

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplMaple Implementation = "maple"
)

// Feature represents database features as bit flags
type Feature uint64

const (
	FeatureSet            Feature = 1 << iota // Support for Set operations
	FeatureSetIfUnset                         // Support for SetIfUnset operations
	FeatureCompareAndSet                      // Support for CompareAndSet operations
	FeatureGet                                // Support for Get operations
	FeatureDelete                             // Support for Delete operations
	FeatureHas                                // Support for Has operations
	FeatureRange                              // Support for Range operations
	FeatureSave                               // Support for Save operations
	FeatureLoad                               // Support for Load operations
	FeatureGarbageCollect                     // Support for tombstone garbage collection
)

func (f Feature) String() string {
	switch f {
	case FeatureSet:
		return "Set"
	case FeatureSetIfUnset:
		return "SetIfUnset"
	case FeatureCompareAndSet:
		return "CompareAndSet"
	case FeatureGet:
		return "Get"
	case FeatureDelete:
		return "Delete"
	case FeatureHas:
		return "Has"
	case FeatureRange:
		return "Range"
	case FeatureSave:
		return "Save"
	case FeatureLoad:
		return "Load"
	case FeatureGarbageCollect:
		return "GarbageCollect"
	default:
		return "Unknown"
	}
}

// Flags describe the role of a stored value on this node.
type Flags uint8

const (
	// FlagReplica marks a copy held for fault tolerance; the key's home holds the authoritative value.
	FlagReplica Flags = 1 << iota
	// FlagDurableCache marks an in-memory cache of an object that also lives in a persistent backend.
	FlagDurableCache
	// FlagTombstone marks a removed key. Tombstones are kept for a while to reject stale writes.
	FlagTombstone
)

func (f Flags) Has(flag Flags) bool { return f&flag == flag }

// Entry is a value together with its metadata as stored by a KVDB.
type Entry struct {
	Value []byte
	Stamp uint64 // write stamp of the last accepted write
	Flags Flags
}

type DatabaseInfo struct {
	SizeBytes         int            `json:"size_bytes"`
	DbType            Implementation `json:"db_type"`
	SupportedFeatures []Feature      `json:"supported_features"`
	Metadata          interface{}    `json:"metadata"`
}

// --------------------------------------------------------------------------
// Database Interface
// --------------------------------------------------------------------------

// KVDB defines an interface for node-local key-value database implementations.
// Every write carries a write stamp. A write is only applied when its stamp is greater than or
// equal to the stamp of the current entry (last writer wins), stale writes are ignored.
// Implementations can vary in their feature support, which can be queried with SupportsFeature.
type KVDB interface {

	// --------------------------------------------------------------------------
	// Write Operations
	// --------------------------------------------------------------------------

	// Set inserts or updates an entry. It returns false if the write was stale.
	Set(key string, value []byte, stamp uint64, flags Flags) (applied bool)

	// SetIfUnset inserts an entry only if no live entry exists for the key.
	SetIfUnset(key string, value []byte, stamp uint64, flags Flags) (applied bool)

	// CompareAndSet replaces the entry only if the stamp of the current live entry equals expect.
	// An expect of 0 matches a missing (or removed) key.
	CompareAndSet(key string, value []byte, stamp uint64, flags Flags, expect uint64) (applied bool)

	// Delete replaces the entry with a tombstone carrying the given stamp.
	// The key is not findable anymore; writes older than the tombstone are ignored until it is collected.
	Delete(key string, stamp uint64) (applied bool)

	// --------------------------------------------------------------------------
	// Query Operations
	// --------------------------------------------------------------------------

	// Get retrieves the live entry for a key. The returned value is a copy.
	Get(key string) (entry Entry, loaded bool)

	// Has checks whether a live entry exists for the key.
	Has(key string) (loaded bool)

	// Range calls fn for every live entry until fn returns false. The order is unspecified.
	Range(fn func(key string, entry Entry) bool)

	// --------------------------------------------------------------------------
	// Persistence Operations
	// --------------------------------------------------------------------------

	// Save persists the current state of the database to the provided io.Writer.
	Save(w io.Writer) (err error)

	// Load restores the database state data provided by an io.Reader.
	Load(r io.Reader) (err error)

	// --------------------------------------------------------------------------
	// Feature Support
	// --------------------------------------------------------------------------

	// SupportsFeature checks if the database implementation supports the specified feature.
	// Multiple features can be checked at once using bitwise OR (|) operator.
	SupportsFeature(feature Feature) (ok bool)

	// GetInfo returns information about the database.
	GetInfo() (info DatabaseInfo)

	// --------------------------------------------------------------------------
	// Write Index Operations
	// --------------------------------------------------------------------------

	// SetWriteIdx advances the highest stamp seen by the database (never decreases it).
	SetWriteIdx(index uint64)

	// WriteIdx returns the highest stamp seen by the database.
	WriteIdx() (index uint64)

	// Close closes the database.
	Close() (err error)
}
