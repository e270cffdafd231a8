package testing

import (
	"bytes"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/dFrame/lib/db"
)

// RunKVDBBenchmarks runs all benchmarks for a key-value database implementations
func RunKVDBBenchmarks(b *testing.B, name string, factory DBFactory) {

	b.Run("Set", func(b *testing.B) {
		benchmarkSet(b, factory())
	})

	b.Run("SetExisting", func(b *testing.B) {
		benchmarkSetExisting(b, factory())
	})

	b.Run("Get", func(b *testing.B) {
		benchmarkGet(b, factory())
	})

	b.Run("Delete", func(b *testing.B) {
		benchmarkDelete(b, factory())
	})

	b.Run("SaveLoad", func(b *testing.B) {
		benchmarkSaveLoad(b, factory)
	})

	b.Run("MixedUsage", func(b *testing.B) {
		benchmarkMixedUsage(b, factory())
	})
}

// --------------------------------------------------------------------------
// Benchmark functions
// --------------------------------------------------------------------------

func benchmarkSet(b *testing.B, database db.KVDB) {
	b.Cleanup(func() { database.Close() })
	requireFeature(b, database, db.FeatureSet)

	var stamp atomic.Uint64
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			key := fmt.Sprintf("test-key-%d", counter)
			database.Set(key, []byte(key), stamp.Add(1), 0)
			counter++
		}
	})
}

func benchmarkSetExisting(b *testing.B, database db.KVDB) {
	b.Cleanup(func() { database.Close() })
	requireFeature(b, database, db.FeatureSet)

	numKeys := 10_000
	var stamp atomic.Uint64
	for i := 0; i < numKeys; i++ {
		database.Set(fmt.Sprintf("test-key-%d", i), []byte("v"), stamp.Add(1), 0)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			database.Set(fmt.Sprintf("test-key-%d", counter%numKeys), []byte("w"), stamp.Add(1), 0)
			counter++
		}
	})
}

func benchmarkGet(b *testing.B, database db.KVDB) {
	b.Cleanup(func() { database.Close() })
	requireFeature(b, database, db.FeatureSet|db.FeatureGet)

	numKeys := 10_000
	for i := 0; i < numKeys; i++ {
		database.Set(fmt.Sprintf("test-key-%d", i), []byte("value"), uint64(i+1), 0)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			database.Get(fmt.Sprintf("test-key-%d", counter%numKeys))
			counter++
		}
	})
}

func benchmarkDelete(b *testing.B, database db.KVDB) {
	b.Cleanup(func() { database.Close() })
	requireFeature(b, database, db.FeatureSet|db.FeatureDelete)

	for i := 0; i < b.N; i++ {
		database.Set(fmt.Sprintf("test-key-%d", i), []byte("value"), uint64(i+1), 0)
	}
	base := uint64(b.N + 1)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		database.Delete(fmt.Sprintf("test-key-%d", i), base+uint64(i))
	}
}

func benchmarkSaveLoad(b *testing.B, factory DBFactory) {
	database := factory()
	b.Cleanup(func() { database.Close() })
	requireFeature(b, database, db.FeatureSave|db.FeatureLoad|db.FeatureSet)

	for i := 0; i < 100_000; i++ {
		database.Set(fmt.Sprintf("test-key-%d", i), []byte("some value of moderate size"), uint64(i+1), 0)
	}

	var buf bytes.Buffer
	b.Run("Save", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			buf.Reset()
			if err := database.Save(&buf); err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("Load", func(b *testing.B) {
		target := factory()
		defer target.Close()
		for i := 0; i < b.N; i++ {
			if err := target.Load(bytes.NewReader(buf.Bytes())); err != nil {
				b.Fatal(err)
			}
		}
	})
}

func benchmarkMixedUsage(b *testing.B, database db.KVDB) {
	b.Cleanup(func() { database.Close() })
	requireFeature(b, database, db.FeatureSet|db.FeatureGet|db.FeatureDelete|db.FeatureHas)

	numKeys := 10_000
	var stamp atomic.Uint64
	for i := 0; i < numKeys; i++ {
		database.Set(fmt.Sprintf("test-key-%d", i), []byte("value"), stamp.Add(1), 0)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			key := fmt.Sprintf("test-key-%d", r.Intn(numKeys))
			switch op := r.Intn(10); {
			case op < 6:
				database.Get(key)
			case op < 8:
				database.Set(key, []byte("new value"), stamp.Add(1), 0)
			case op < 9:
				database.Has(key)
			default:
				database.Delete(key, stamp.Add(1))
			}
		}
	})
}
