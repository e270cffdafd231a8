// Package db defines the interface of node-local key-value databases. The distributed store
// keeps the values a node is home or replica for in a KVDB.
//
// Every write carries a stamp. An implementation applies a write only when its stamp is not
// older than the stamp of the stored entry, so replicas that receive writes out of order still
// converge on the newest value. Removing a key leaves a tombstone that rejects older writes
// until it is collected.
//
// Key Components:
//
//   - KVDB: The interface all implementations satisfy. It has stamped writes (Set, SetIfUnset,
//     CompareAndSet, Delete), queries (Get, Has, Range), persistence (Save, Load) and the
//     highest stamp seen (SetWriteIdx, WriteIdx).
//
//   - Flags: The role of a stored value on the node (FlagReplica, FlagDurableCache,
//     FlagTombstone).
//
//   - Feature: Capability flags an implementation advertises via SupportsFeature.
//
//   - DatabaseInfo: Size statistics and implementation specific metadata. Most sizes are
//     estimates.
//
// Related Packages:
//
// The engines/maple package provides the sharded in-memory implementation used by every node.
//
// The util package provides the building blocks of maple: the seeded key hash, the event
// queue, the tombstone heap and the size statistics.
//
// The testing package provides a conformance suite and benchmarks for KVDB implementations.
package db
