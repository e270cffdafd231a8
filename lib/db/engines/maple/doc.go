// Package maple implements the node-local key-value database (KVDB) every dFrame node stores
// its share of the distributed store in. It provides a complete implementation of the db.KVDB
// interface with a focus on thread safety, throughput and memory efficiency.
//
// The package focuses on:
//   - Concurrent access through sharding and lock-free data structures
//   - Stamp ordered writes: a write is only applied when its stamp is not older than the stored one
//   - Tombstones for removed keys that are collected in the background
//   - A compact binary persistence format
//
// Key Components:
//
//   - mapleImpl: The central database structure implementing db.KVDB. It manages the shards,
//     runs the tombstone collection and tracks the highest stamp it has seen. The stamps are
//     generated by the caller; the distributed store uses the home node's wall clock.
//
//   - Shard: A partition of the key space. Every shard holds an xsync.MapOf with its entries,
//     a heap of its tombstones and an event queue. Keys are spread over the shards by a seeded
//     hash of the key.
//
//   - Entry: A value with the stamp of the write that produced it and its db.Flags (replica,
//     durable cache, tombstone).
//
// Stale Write Prevention:
//
// Replicas receive writes asynchronously and possibly out of order. Comparing stamps makes
// the last write win on every copy: a delayed older write never overwrites a newer value, and
// a tombstone rejects writes older than the removal until it is collected.
//
// Garbage Collection:
//
// Delete replaces the entry with a tombstone and pushes an event to the shard's event queue.
// One goroutine per shard drains the queue into the shard's tombstone heap and removes
// tombstones once the highest stamp has moved TombstoneRetention past them. A write that
// revives a key sends an event that takes it off the heap. The heaps are only touched by the
// gc goroutine of their shard, so they need no locks. Get and Has never report tombstones,
// whatever the state of the collection.
//
// Persistence Format:
//  1. Magic number "MAPLEDB\x00"
//  2. Version number (currently 4)
//  3. Database seed
//  4. Number of entries
//  5. For each entry: key, stamp, flags and value
//
// Save does not stop writers, the result is a fuzzy snapshot and not a consistent cut.
package maple
