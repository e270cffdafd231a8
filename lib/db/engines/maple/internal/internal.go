package internal

import (
	"fmt"

	"github.com/ValentinKolb/dFrame/lib/db"
	"github.com/ValentinKolb/dFrame/lib/db/util"
	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Event Types are used to signal changes in the database state
// --------------------------------------------------------------------------

type EventType int

const (
	// EventTTombstone is sent when a key was replaced by a tombstone
	EventTTombstone EventType = iota
	// EventTRevive is sent when a tombstone was overwritten by a live value
	EventTRevive
)

func (e EventType) String() string {
	switch e {
	case EventTTombstone:
		return "Tombstone"
	case EventTRevive:
		return "Revive"
	default:
		return "Unknown"
	}
}

type Event struct {
	Type  EventType
	Key   string
	Stamp uint64
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Type: %s, Key: %q, Stamp: %d}", e.Type, e.Key, e.Stamp)
}

// --------------------------------------------------------------------------
// Entry Type (value with metadata)
// --------------------------------------------------------------------------

// Entry stores a value with its write stamp and flags
type Entry struct {
	Value []byte
	Stamp uint64
	Flags db.Flags
}

// IsTombstone returns whether the entry marks a removed key
func (e Entry) IsTombstone() bool {
	return e.Flags.Has(db.FlagTombstone)
}

// --------------------------------------------------------------------------
// Shard Type (partition of the database)
// --------------------------------------------------------------------------

// Shard represents a partition of the database
type Shard struct {
	Data *xsync.MapOf[string, Entry]

	// only touched by the gc goroutine of the shard
	Tombs *util.TombHeap

	Events *util.Queue[Event]
}

// NewShard creates a new empty shard
func NewShard() *Shard {
	return &Shard{
		Data:   xsync.NewMapOf[string, Entry](),
		Tombs:  util.NewTombHeap(),
		Events: util.NewQueue[Event](), // closed to stop the gc of the shard
	}
}

// GetShard returns the appropriate shard for a given key hash
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func GetShard[T any](key util.UintKey, shards []*T) *T {
	// Shift right by 7 bits to use higher-quality bits for distribution
	shiftedKey := uint64(key) >> 7
	shardPos := shiftedKey % uint64(len(shards))
	return shards[shardPos]
}
