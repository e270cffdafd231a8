package testing

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/dFrame/lib/db"
)

// DBFactory is a function that creates a new instance of a KVDB implementation
type DBFactory func() db.KVDB

// RunKVDBTests runs a comprehensive test suite for a KVDB implementation.
func RunKVDBTests(t *testing.T, name string, factory DBFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Set&Get", func(t *testing.T) {
			testSetGet(t, factory())
		})

		t.Run("StaleWrites", func(t *testing.T) {
			testStaleWrites(t, factory())
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, factory())
		})

		t.Run("Has", func(t *testing.T) {
			testHas(t, factory())
		})

		t.Run("SetIfUnset", func(t *testing.T) {
			testSetIfUnset(t, factory())
		})

		t.Run("CompareAndSet", func(t *testing.T) {
			testCompareAndSet(t, factory())
		})

		t.Run("Flags", func(t *testing.T) {
			testFlags(t, factory())
		})

		t.Run("Range", func(t *testing.T) {
			testRange(t, factory())
		})

		t.Run("SaveLoad", func(t *testing.T) {
			testSaveLoad(t, factory)
		})

		t.Run("EdgeCases", func(t *testing.T) {
			testEdgeCases(t, factory())
		})

		t.Run("ConcurrentWriters", func(t *testing.T) {
			testConcurrentWriters(t, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// Checks if the database supports the specified feature
// Skip the test if it is not supported
func requireFeature(t testing.TB, database db.KVDB, feature db.Feature) {
	if !database.SupportsFeature(feature) {
		t.Skip()
	}
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testSetGet(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureGet)

	testKey := "test-key"
	testValue1 := []byte("test-value1")
	testValue2 := []byte("test-value2")

	if !database.Set(testKey, testValue1, 1, 0) {
		t.Fatalf("Expected first Set to be applied")
	}

	result, exists := database.Get(testKey)
	if !exists {
		t.Errorf("Expected key %s to exist after Set", testKey)
	}
	if !bytes.Equal(result.Value, testValue1) {
		t.Errorf("Expected value %s, got %s", testValue1, result.Value)
	}
	if result.Stamp != 1 {
		t.Errorf("Expected stamp 1, got %d", result.Stamp)
	}

	database.Set(testKey, testValue2, 2, 0)

	result, exists = database.Get(testKey)
	if !exists || !bytes.Equal(result.Value, testValue2) {
		t.Errorf("Expected value %s, got %s", testValue2, result.Value)
	}

	if _, exists = database.Get("nonexistent-key"); exists {
		t.Errorf("Expected nonexistent key to return exists=false")
	}

	retrieved, _ := database.Get(testKey)
	retrieved.Value[0] = 'X'

	original, _ := database.Get(testKey)
	if bytes.Equal(retrieved.Value, original.Value) {
		t.Errorf("Get should return a copy, not a reference to the stored value")
	}

	if database.WriteIdx() != 2 {
		t.Errorf("Expected write index 2, got %d", database.WriteIdx())
	}
}

func testStaleWrites(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureGet)

	database.Set("k", []byte("new"), 10, 0)

	if database.Set("k", []byte("old"), 9, 0) {
		t.Errorf("A write with a lower stamp must not be applied")
	}
	if got, _ := database.Get("k"); string(got.Value) != "new" {
		t.Errorf("Stale write overwrote value: %s", got.Value)
	}

	// equal stamps are idempotent re-deliveries of the same write
	if !database.Set("k", []byte("new"), 10, 0) {
		t.Errorf("A write with an equal stamp should be applied")
	}
}

func testDelete(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureGet|db.FeatureDelete|db.FeatureHas)

	database.Set("del", []byte("v"), 5, 0)
	if !database.Delete("del", 6) {
		t.Fatalf("Delete of a live key should be applied")
	}
	if _, ok := database.Get("del"); ok {
		t.Errorf("Deleted key should not be returned by Get")
	}
	if database.Has("del") {
		t.Errorf("Deleted key should not be reported by Has")
	}

	// the tombstone rejects a delayed older write
	if database.Set("del", []byte("late"), 5, 0) {
		t.Errorf("Write older than the tombstone must be rejected")
	}
	if database.Has("del") {
		t.Errorf("Stale write revived a deleted key")
	}

	// a newer write revives the key
	if !database.Set("del", []byte("again"), 7, 0) {
		t.Errorf("Write newer than the tombstone must be applied")
	}
	if got, ok := database.Get("del"); !ok || string(got.Value) != "again" {
		t.Errorf("Expected revived value, got %v %s", ok, got.Value)
	}

	// deleting a missing key is a no-op
	if database.Delete("missing", 8) {
		t.Errorf("Delete of a missing key should not be applied")
	}
}

func testHas(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureHas)

	if database.Has("key") {
		t.Errorf("Empty database should not have key")
	}
	database.Set("key", nil, 1, 0)
	if !database.Has("key") {
		t.Errorf("Key with nil value should exist")
	}
}

func testSetIfUnset(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSetIfUnset|db.FeatureGet|db.FeatureDelete)

	if !database.SetIfUnset("once", []byte("first"), 1, 0) {
		t.Errorf("SetIfUnset on a new key should be applied")
	}
	if database.SetIfUnset("once", []byte("second"), 2, 0) {
		t.Errorf("SetIfUnset on an existing key should not be applied")
	}
	if got, _ := database.Get("once"); string(got.Value) != "first" {
		t.Errorf("Expected first, got %s", got.Value)
	}

	database.Delete("once", 3)
	if !database.SetIfUnset("once", []byte("third"), 4, 0) {
		t.Errorf("SetIfUnset after delete should be applied")
	}
}

func testCompareAndSet(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureCompareAndSet|db.FeatureGet)

	if !database.CompareAndSet("cas", []byte("v1"), 10, 0, 0) {
		t.Fatalf("CAS with expect=0 on a missing key should be applied")
	}
	if database.CompareAndSet("cas", []byte("v2"), 11, 0, 0) {
		t.Errorf("CAS with expect=0 on an existing key must fail")
	}
	if database.CompareAndSet("cas", []byte("v2"), 11, 0, 9) {
		t.Errorf("CAS with a wrong expected stamp must fail")
	}
	if !database.CompareAndSet("cas", []byte("v2"), 11, 0, 10) {
		t.Errorf("CAS with the current stamp should be applied")
	}
	if got, _ := database.Get("cas"); string(got.Value) != "v2" || got.Stamp != 11 {
		t.Errorf("Unexpected entry after CAS: %s@%d", got.Value, got.Stamp)
	}
}

func testFlags(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureGet)

	database.Set("replica", []byte("r"), 1, db.FlagReplica)
	got, _ := database.Get("replica")
	if !got.Flags.Has(db.FlagReplica) || got.Flags.Has(db.FlagDurableCache) {
		t.Errorf("Unexpected flags %b", got.Flags)
	}

	// an authoritative write replaces the replica flag
	database.Set("replica", []byte("a"), 2, 0)
	if got, _ := database.Get("replica"); got.Flags != 0 {
		t.Errorf("Expected no flags, got %b", got.Flags)
	}
}

func testRange(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureRange|db.FeatureDelete)

	for i := 0; i < 100; i++ {
		database.Set(fmt.Sprintf("key-%d", i), []byte{byte(i)}, uint64(i+1), 0)
	}
	database.Delete("key-0", 1000)

	seen := make(map[string]bool)
	database.Range(func(key string, e db.Entry) bool {
		seen[key] = true
		return true
	})
	if len(seen) != 99 || seen["key-0"] {
		t.Errorf("Range returned %d keys (key-0 included: %v)", len(seen), seen["key-0"])
	}

	count := 0
	database.Range(func(string, db.Entry) bool {
		count++
		return count < 10
	})
	if count != 10 {
		t.Errorf("Range should stop when fn returns false, visited %d", count)
	}
}

func testSaveLoad(t *testing.T, factory DBFactory) {
	database := factory()
	defer database.Close()

	requireFeature(t, database, db.FeatureSave|db.FeatureLoad|db.FeatureSet|db.FeatureGet)

	for i := 0; i < 1000; i++ {
		database.Set(fmt.Sprintf("key-%d", i), []byte(fmt.Sprintf("value-%d", i)), uint64(i+1), db.Flags(i%2))
	}
	database.Delete("key-5", 2000)

	var buf bytes.Buffer
	if err := database.Save(&buf); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded := factory()
	defer loaded.Close()
	if err := loaded.Load(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("key-%d", i)
		got, ok := loaded.Get(key)
		if i == 5 {
			if ok {
				t.Errorf("Deleted key %s restored", key)
			}
			continue
		}
		if !ok || string(got.Value) != fmt.Sprintf("value-%d", i) || got.Stamp != uint64(i+1) || got.Flags != db.Flags(i%2) {
			t.Fatalf("Key %s not restored correctly: %v %+v", key, ok, got)
		}
	}
	if loaded.WriteIdx() < 1000 {
		t.Errorf("Write index should be restored, got %d", loaded.WriteIdx())
	}

	if err := loaded.Load(bytes.NewReader([]byte("garbage"))); err == nil {
		t.Errorf("Loading garbage should fail")
	}
}

func testEdgeCases(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureGet)

	database.Set("", []byte("empty key"), 1, 0)
	if got, ok := database.Get(""); !ok || string(got.Value) != "empty key" {
		t.Errorf("Empty key not supported")
	}

	database.Set("nil", nil, 1, 0)
	if got, ok := database.Get("nil"); !ok || got.Value != nil {
		t.Errorf("Expected nil value, got %v", got.Value)
	}

	database.Set("empty", []byte{}, 1, 0)
	if got, ok := database.Get("empty"); !ok || got.Value == nil || len(got.Value) != 0 {
		t.Errorf("Expected empty non-nil value, got %v", got.Value)
	}

	big := bytes.Repeat([]byte{7}, 1<<20)
	database.Set("big", big, 1, 0)
	if got, _ := database.Get("big"); !bytes.Equal(got.Value, big) {
		t.Errorf("Large value not stored correctly")
	}
}

func testConcurrentWriters(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureGet)

	const writers = 8
	const writes = 1000
	var stamp atomic.Uint64
	var wg sync.WaitGroup
	wg.Add(writers)
	for w := 0; w < writers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < writes; i++ {
				s := stamp.Add(1)
				database.Set(fmt.Sprintf("shared-%d", i%10), []byte(fmt.Sprintf("%d", s)), s, 0)
			}
		}()
	}
	wg.Wait()

	// every key must hold the value of its highest accepted stamp
	for i := 0; i < 10; i++ {
		got, ok := database.Get(fmt.Sprintf("shared-%d", i))
		if !ok {
			t.Fatalf("shared-%d missing", i)
		}
		if string(got.Value) != fmt.Sprintf("%d", got.Stamp) {
			t.Errorf("Value %s does not match stamp %d", got.Value, got.Stamp)
		}
	}
}
