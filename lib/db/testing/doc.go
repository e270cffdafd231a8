// Package testing provides a conformance suite and benchmarks for implementations of the
// db.KVDB interface.
//
// The suite checks the contract the distributed store relies on: stamp ordered writes,
// tombstones that reject stale writes, the compare-and-set path, Range and Save/Load.
//
// Example usage:
//
//	factory := func() db.KVDB {
//		return maple.NewMapleDB(nil)
//	}
//
//	func TestMaple(t *testing.T)      { dbtesting.RunKVDBTests(t, "maple", factory) }
//	func BenchmarkMaple(b *testing.B) { dbtesting.RunKVDBBenchmarks(b, "maple", factory) }
package testing
