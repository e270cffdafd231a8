// Package util provides the building blocks of the maple engine.
//
// The package contains:
//   - hash: the seeded key hash that spreads keys over shards
//   - queue: an unbounded multi-producer single-consumer queue drained in batches
//   - tombheap: the per-shard heap ordering tombstones by the stamp they may be collected at
//   - stats: size sampling and shard balance figures reported by KVDB.GetInfo
package util
