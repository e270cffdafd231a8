package store

import (
	"sort"

	"github.com/ValentinKolb/dFrame/lib/db"
)

// ScanKeys returns the keys of the given kind stored in database, sorted by their string form.
// Entries whose names are not valid keys are skipped.
func ScanKeys(database db.KVDB, kind Kind) []Key {
	var keys []Key
	database.Range(func(s string, _ db.Entry) bool {
		k, err := ParseKey(s)
		if err == nil && k.Kind == kind {
			keys = append(keys, k)
		}
		return true
	})
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
