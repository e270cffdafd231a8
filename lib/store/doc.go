// Package store provides the key-value model of the cluster (Key, Value, placement) and the
// IStore interface implemented by the single node store (lstore) and the distributed store
// (dstore).
//
// Key Components:
//
//   - Key: an immutable (kind, name, chunk index) triple. Its string form ("vec:prices",
//     "chk:prices#3") is the name under which the value is stored in the node-local db.KVDB.
//
//   - Placement: HomeIndex maps a key to the index of its home node in a view. Chunk keys are
//     placed by chunk index only, so chunk i of every Vec lives on the same node; all other
//     keys are placed with jump consistent hashing over the xxhash of their name.
//     Replicas are the next nodes of the view after the home.
//
//   - Value: a payload with its write stamp and flags. Stamps come from a Clock, flags tell
//     whether a value is a replica or the in-memory cache of a durable object.
//
//   - IStore Interface: the operations every store offers: Get, Put, PutAsync, Remove,
//     CompareAndPut, Has. PutAsync returns a Future; Futures waits for many of them at once.
//
//   - DBFactory: A function type that abstracts the creation of underlying db.KVDB
//     instances, providing dependency injection and flexible configuration of
//     storage backends.
//
// Implementations:
//
//	- Local Store (lstore): directly uses a db.KVDB instance, every key is local.
//	  Available in the "github.com/ValentinKolb/dFrame/lib/store/lstore" package.
//
//	- Distributed Store (dstore): routes every key to its home node.
//	  Available in the "github.com/ValentinKolb/dFrame/lib/store/dstore" package.
package store
