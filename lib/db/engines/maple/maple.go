package maple

import (
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dFrame/lib/codec"
	"github.com/ValentinKolb/dFrame/lib/db"
	"github.com/ValentinKolb/dFrame/lib/db/engines/maple/internal"
	"github.com/ValentinKolb/dFrame/lib/db/util"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

// Constants for database behavior and structure
const (
	magicNum                  = "MAPLEDB\x00"          // File format identifier
	mapleVersion              = 4                      // Database version
	defaultGCInterval         = 100 * time.Millisecond // Default interval between GC runs
	defaultTombstoneRetention = uint64(30 * time.Second)
)

// --------------------------------------------------------------------------
// Core Maple database structure
// --------------------------------------------------------------------------

// mapleImpl implements a high-performance database with sharded data
type mapleImpl struct {
	numShards int               // Number of shards
	seed      uint64            // Seed for hash function
	shards    []*internal.Shard // Array of shards
	currIndex atomic.Uint64     // Highest write stamp seen

	tombstoneRetention uint64

	// garbage collection
	gcInterval  time.Duration
	gcIsRunning atomic.Bool
}

// DBOptions configures the mapleImpl behavior during initialization
type DBOptions struct {
	NumShards  int           // Number of shards (0 = auto)
	GCInterval time.Duration // Time between GC runs (0 = use default)
	// TombstoneRetention is the distance in write stamps after which a tombstone is collected.
	// With wall clock based stamps this is a duration in nanoseconds.
	TombstoneRetention uint64
}

// DefaultOptions returns the default mapleImpl options
func DefaultOptions() *DBOptions {
	return &DBOptions{
		NumShards:          runtime.NumCPU(),
		GCInterval:         defaultGCInterval,
		TombstoneRetention: defaultTombstoneRetention,
	}
}

// --------------------------------------------------------------------------
// Initialization and Setup
// --------------------------------------------------------------------------

// NewMapleDB creates a new MapleDB instance with the specified options (optional)
//
// Thread-safety: This function is not thread-safe and should only be called once
// during initialization.
func NewMapleDB(opts *DBOptions) db.KVDB {

	// Generate default options if not provided
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.NumShards <= 0 {
		opts.NumShards = runtime.NumCPU()
	}
	if opts.GCInterval <= 0 {
		opts.GCInterval = defaultGCInterval
	}
	if opts.TombstoneRetention == 0 {
		opts.TombstoneRetention = defaultTombstoneRetention
	}

	newDB := &mapleImpl{
		numShards:          opts.NumShards,
		seed:               util.GenerateSeed(),
		shards:             newShards(opts.NumShards),
		gcInterval:         opts.GCInterval,
		tombstoneRetention: opts.TombstoneRetention,
	}

	// start garbage collection
	newDB.startGC()

	return newDB
}

func newShards(n int) []*internal.Shard {
	shards := make([]*internal.Shard, n)
	for i := range shards {
		shards[i] = internal.NewShard()
	}
	return shards
}

// shardOf returns the shard responsible for key
func (maple *mapleImpl) shardOf(key string) *internal.Shard {
	return internal.GetShard(util.HashString(key, maple.seed), maple.shards)
}

// --------------------------------------------------------------------------
// Core KVDB Interface Methods - Write Operations
// --------------------------------------------------------------------------

// Set inserts or updates an entry. Writes with a stamp lower than the stored one are ignored.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) Set(key string, value []byte, stamp uint64, flags db.Flags) bool {
	return maple.compute(key, value, stamp, flags, func(_ internal.Entry, _ bool) bool {
		return true
	})
}

// SetIfUnset inserts an entry only if there is no live entry for the key.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) SetIfUnset(key string, value []byte, stamp uint64, flags db.Flags) bool {
	return maple.compute(key, value, stamp, flags, func(_ internal.Entry, live bool) bool {
		return !live
	})
}

// CompareAndSet replaces the entry if the stamp of the live entry equals expect (0 = no live entry).
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) CompareAndSet(key string, value []byte, stamp uint64, flags db.Flags, expect uint64) bool {
	return maple.compute(key, value, stamp, flags, func(old internal.Entry, live bool) bool {
		if !live {
			return expect == 0
		}
		return old.Stamp == expect
	})
}

// Delete replaces a live entry with a tombstone.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) Delete(key string, stamp uint64) bool {
	return maple.compute(key, nil, stamp, db.FlagTombstone, func(_ internal.Entry, _ bool) bool {
		return true
	})
}

// compute is the shared implementation of all write operations.
// It ignores stale writes, lets accept decide about the write based on the old entry
// (live is false if there is no entry or only a tombstone) and informs the gc about tombstones.
//
// Thread-safety: This function uses linearizability control to ensure thread-safety.
func (maple *mapleImpl) compute(key string, value []byte, stamp uint64, flags db.Flags, accept func(old internal.Entry, live bool) bool) bool {

	// update the current index
	maple.SetWriteIdx(stamp)

	shard := maple.shardOf(key)

	// Copy value to prevent memory corruption
	var valueCopy []byte
	if value != nil {
		valueCopy = make([]byte, len(value))
		copy(valueCopy, value)
	}
	isTomb := flags.Has(db.FlagTombstone)

	var (
		applied bool
		event   internal.Event
		notify  bool
	)

	shard.Data.Compute(key, func(old internal.Entry, exists bool) (internal.Entry, bool) {
		// stale writes are ignored
		if exists && stamp < old.Stamp {
			return old, false
		}
		live := exists && !old.IsTombstone()

		// deleting something that does not exist creates no tombstone
		if isTomb && !exists {
			return old, true
		}
		if !accept(old, live) {
			return old, !exists
		}

		applied = true
		switch {
		case isTomb:
			event, notify = internal.Event{Type: internal.EventTTombstone, Key: key, Stamp: stamp}, true
		case exists && old.IsTombstone():
			event, notify = internal.Event{Type: internal.EventTRevive, Key: key, Stamp: stamp}, true
		}
		return internal.Entry{Value: valueCopy, Stamp: stamp, Flags: flags}, false
	})

	// add event to gc events queue
	if notify {
		shard.Events.Push(event)
	}
	return applied
}

// --------------------------------------------------------------------------
// Core KVDB Interface Methods - Read Operations
// --------------------------------------------------------------------------

// Get retrieves the live entry for a key.
// The returned value is a copy of the stored data and therefore safe to use and modify.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) Get(key string) (db.Entry, bool) {
	e, ok := maple.shardOf(key).Data.Load(key)
	if !ok || e.IsTombstone() {
		return db.Entry{}, false
	}
	return toDBEntry(e), true
}

// Has checks if a live entry exists for the key.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) Has(key string) bool {
	e, ok := maple.shardOf(key).Data.Load(key)
	return ok && !e.IsTombstone()
}

// Range calls fn for each live entry. Values passed to fn are copies.
//
// Thread-safety: This method is thread-safe; concurrent writes may or may not be observed.
func (maple *mapleImpl) Range(fn func(key string, entry db.Entry) bool) {
	for _, shard := range maple.shards {
		cont := true
		shard.Data.Range(func(key string, e internal.Entry) bool {
			if e.IsTombstone() {
				return true
			}
			cont = fn(key, toDBEntry(e))
			return cont
		})
		if !cont {
			return
		}
	}
}

func toDBEntry(e internal.Entry) db.Entry {
	var value []byte
	if e.Value != nil {
		value = make([]byte, len(e.Value))
		copy(value, e.Value)
	}
	return db.Entry{Value: value, Stamp: e.Stamp, Flags: e.Flags}
}

// --------------------------------------------------------------------------
// Garbage Collection
// --------------------------------------------------------------------------

// startGC starts the garbage collector
// if the GC is already running, this function does nothing
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) startGC() {
	if maple.gcIsRunning.CompareAndSwap(false, true) {
		go maple.garbageCollector(maple.shards)
	}
}

// stopGC stops the garbage collector.
// if the GC is not running, this function does nothing.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) stopGC() {
	if maple.gcIsRunning.CompareAndSwap(true, false) {
		for _, shard := range maple.shards {
			shard.Events.Close()
		}
	}
}

// garbageCollector removes tombstones once the write stamp moved past their retention.
// WARNING: this method should never be called directly! to enable GC, use startGC() and stopGC()
func (maple *mapleImpl) garbageCollector(shards []*internal.Shard) {

	// wait group for all shards
	var wg sync.WaitGroup
	wg.Add(len(shards))

	for i := range shards {
		go func(shard *internal.Shard) {
			defer wg.Done()

			ticker := time.NewTicker(maple.gcInterval)
			defer ticker.Stop()

			for {
				select {
				case <-shard.Events.Done():
					return
				case <-shard.Events.Ready():
					shard.Events.Drain(func(ev internal.Event) { maple.track(shard, ev) })
				case <-ticker.C:
					shard.Events.Drain(func(ev internal.Event) { maple.track(shard, ev) })
					maple.collect(shard)
				}
			}
		}(shards[i])
	}

	// wait until gc is done for all shards
	wg.Wait()
}

// track updates the tombstone heap of a shard with one event
func (maple *mapleImpl) track(shard *internal.Shard, ev internal.Event) {
	switch ev.Type {
	case internal.EventTTombstone:
		shard.Tombs.Push(ev.Key, ev.Stamp+maple.tombstoneRetention)
	case internal.EventTRevive:
		shard.Tombs.Remove(ev.Key)
	default:
		panic(fmt.Sprintf("unknown event %s", ev))
	}
}

// collect removes the tombstones of a shard that are due
func (maple *mapleImpl) collect(shard *internal.Shard) {
	// read once per cycle so that concurrent writes cannot keep the loop running
	writeIndex := maple.currIndex.Load()

	for {
		key, due, ok := shard.Tombs.Peek()
		if !ok || due > writeIndex {
			return
		}
		shard.Data.Compute(key, func(e internal.Entry, loaded bool) (internal.Entry, bool) {
			if !loaded {
				return e, true
			}
			// the key could have been revived or removed again in the meantime
			if !e.IsTombstone() || e.Stamp+maple.tombstoneRetention > writeIndex {
				return e, false
			}
			return internal.Entry{}, true
		})

		// a newer tombstone of the same key has queued an event that adds it again
		shard.Tombs.Remove(key)
	}
}

// --------------------------------------------------------------------------
// Persistence Operations
// --------------------------------------------------------------------------

type savedEntry struct {
	key   string
	entry internal.Entry
}

// Save persists all live entries to the writer using the wire codec.
// Concurrent reading and writing is allowed during Save operation (fuzzy snapshot).
func (maple *mapleImpl) Save(w io.Writer) error {
	var entries []savedEntry
	for _, shard := range maple.shards {
		shard.Data.Range(func(key string, e internal.Entry) bool {
			if !e.IsTombstone() {
				entries = append(entries, savedEntry{key: key, entry: e})
			}
			return true
		})
	}

	cw := codec.NewWriter(w)
	cw.PutString(magicNum)
	cw.PutU8(mapleVersion)
	cw.PutU64(maple.seed)
	cw.PutU64(uint64(len(entries)))
	for _, item := range entries {
		cw.PutString(item.key)
		cw.PutU64(item.entry.Stamp)
		cw.PutU8(uint8(item.entry.Flags))
		cw.PutBytes(item.entry.Value)
	}
	return cw.Flush()
}

// Load replaces the database content with a state written by Save.
//
// Thread-safety: This function is not thread-safe and should not be called concurrently
func (maple *mapleImpl) Load(r io.Reader) error {
	cr := codec.NewReader(r)

	if magic := cr.Str(); cr.Err() == nil && magic != magicNum {
		return fmt.Errorf("invalid file format: magic number mismatch")
	}
	if version := cr.U8(); cr.Err() == nil && int(version) != mapleVersion {
		return fmt.Errorf("unsupported version: %d (expected %d)", version, mapleVersion)
	}
	seed := cr.U64()
	count := cr.U64()
	if err := cr.Err(); err != nil {
		return err
	}

	// stop gc during load, it is restarted on the new shards
	maple.stopGC()
	defer maple.startGC()

	maple.shards = newShards(maple.numShards)
	maple.seed = seed
	maple.currIndex.Store(0)

	var maxStamp uint64
	for i := uint64(0); i < count; i++ {
		key := cr.Str()
		stamp := cr.U64()
		flags := db.Flags(cr.U8())
		value := cr.Bytes()
		if err := cr.Err(); err != nil {
			return err
		}
		if stamp > maxStamp {
			maxStamp = stamp
		}
		maple.shardOf(key).Data.Store(key, internal.Entry{Value: value, Stamp: stamp, Flags: flags})
	}

	maple.SetWriteIdx(maxStamp)
	return nil
}

// --------------------------------------------------------------------------
// KVDB Interface Implementation - Features and Metadata
// --------------------------------------------------------------------------

// GetInfo returns statistics about the database
func (maple *mapleImpl) GetInfo() db.DatabaseInfo {

	currentWriteIndex := maple.currIndex.Load()

	sizes := util.NewSizeSampler()
	samplesPerShard := 100
	wg := sync.WaitGroup{}
	wg.Add(len(maple.shards))

	mu := sync.Mutex{}
	samplesCount := 0
	tombstones := 0
	replicas := 0
	shardSizes := make([]int64, len(maple.shards))

	// concurrently collect samples from all shards
	for shardIndex, shard := range maple.shards {
		go func(i int, s *internal.Shard) {
			defer wg.Done()
			count, tombCount, replicaCount := 0, 0, 0
			s.Data.Range(func(key string, entry internal.Entry) bool {
				sizes.Add(len(key) + len(entry.Value))
				if entry.IsTombstone() {
					tombCount++
				}
				if entry.Flags.Has(db.FlagReplica) {
					replicaCount++
				}
				count++
				return count < samplesPerShard
			})

			mu.Lock()
			defer mu.Unlock()
			samplesCount += count
			tombstones += tombCount
			replicas += replicaCount
			shardSizes[i] = int64(s.Data.Size())
		}(shardIndex, shard)
	}
	wg.Wait()

	entryOverhead := 17 // stamp, flags and slice header share
	var entries int64
	for _, n := range shardSizes {
		entries += n
	}
	sizeBytes := int(entries) * (sizes.Estimate() + entryOverhead)

	ratio := func(n int) float64 {
		if samplesCount == 0 {
			return 0
		}
		return float64(n) / float64(samplesCount)
	}

	meta := &struct {
		CurrentWriteIndex uint64            `json:"current_write_index"`
		ShardCount        int               `json:"shard_count"`
		ShardBalance      util.ShardBalance `json:"shard_balance"`
		TombstoneBacklog  float64           `json:"tombstone_backlog"`
		ReplicaShare      float64           `json:"replica_share"`
		Info              string            `json:"info"`
	}{
		CurrentWriteIndex: currentWriteIndex,
		ShardCount:        len(maple.shards),
		ShardBalance:      util.NewShardBalance(shardSizes),
		TombstoneBacklog:  ratio(tombstones),
		ReplicaShare:      ratio(replicas),
		Info:              "All values (including SizeBytes) are estimates and may vary depending on the database state.",
	}

	supportedFeatures := []db.Feature{
		db.FeatureSet, db.FeatureSetIfUnset, db.FeatureCompareAndSet,
		db.FeatureDelete, db.FeatureGet, db.FeatureHas, db.FeatureRange,
		db.FeatureSave, db.FeatureLoad, db.FeatureGarbageCollect,
	}

	return db.DatabaseInfo{
		SizeBytes:         sizeBytes,
		DbType:            db.ImplMaple,
		SupportedFeatures: supportedFeatures,
		Metadata:          meta,
	}
}

// SupportsFeature checks if this implementation supports a specific KVDB feature
func (maple *mapleImpl) SupportsFeature(feature db.Feature) bool {
	supportedFeatures := db.FeatureSet |
		db.FeatureSetIfUnset |
		db.FeatureCompareAndSet |
		db.FeatureGet |
		db.FeatureDelete |
		db.FeatureHas |
		db.FeatureRange |
		db.FeatureSave |
		db.FeatureLoad |
		db.FeatureGarbageCollect
	return supportedFeatures&feature == feature
}

// Close stops the garbage collector
func (maple *mapleImpl) Close() error {
	maple.stopGC()
	return nil
}

// --------------------------------------------------------------------------
// Index and Timestamp Management
// --------------------------------------------------------------------------

// SetWriteIdx safely updates the current index
// It only updates if the new index is greater than the current one
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) SetWriteIdx(newIdx uint64) {
	for {
		currIdx := maple.currIndex.Load()
		if newIdx <= currIdx {
			return
		}
		if maple.currIndex.CompareAndSwap(currIdx, newIdx) {
			return
		}
	}
}

// WriteIdx returns the current index of the database
func (maple *mapleImpl) WriteIdx() uint64 {
	return maple.currIndex.Load()
}
