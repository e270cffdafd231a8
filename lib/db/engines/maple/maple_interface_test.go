package maple

import (
	"testing"
	"time"

	"github.com/ValentinKolb/dFrame/lib/db"
	dbtesting "github.com/ValentinKolb/dFrame/lib/db/testing"
)

func Test(t *testing.T) {
	dbtesting.RunKVDBTests(t, "MapleDB", func() db.KVDB {
		return NewMapleDB(nil)
	})
}

func Benchmark(t *testing.B) {
	dbtesting.RunKVDBBenchmarks(t, "MapleDB", func() db.KVDB {
		return NewMapleDB(nil)
	})
}

func TestTombstoneCollection(t *testing.T) {
	database := NewMapleDB(&DBOptions{NumShards: 2, GCInterval: 5 * time.Millisecond, TombstoneRetention: 100})
	defer database.Close()

	database.Set("k", []byte("v"), 10, 0)
	database.Delete("k", 20)

	// still within the retention window: older writes are rejected
	if database.Set("k", []byte("stale"), 15, 0) {
		t.Fatalf("stale write accepted while tombstone is retained")
	}

	// advance the stamp past the retention and let the gc run
	database.Set("other", []byte("x"), 500, 0)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if database.Set("k", []byte("after-gc"), 15, 0) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("tombstone was not collected")
}
