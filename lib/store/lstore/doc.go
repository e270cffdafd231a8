// Package lstore implements a local, in-memory, single-node key-value store based on the
// store.IStore interface. It is a thin wrapper around any db.KVDB implementation and is used
// by tests and by nodes started without a cluster.
//
// Implementation Details:
//
//   - Write Stamps: every write gets a stamp from a store.Clock, so later writes always win.
//
//   - Feature Detection: Before executing operations, the store checks if the underlying
//     db.KVDB implementation supports the requested feature through the SupportsFeature
//     method. Unsupported operations return appropriate error codes rather than failing
//     silently or producing undefined behavior.
//
//   - Asynchronous Writes: PutAsync completes before it returns, the returned Future is
//     already resolved.
//
// Usage Example:
//
//	factory := func() db.KVDB { return maple.NewMapleDB(nil) }
//	s := lstore.NewLocalStore(factory)
//	err := s.Put(ctx, store.DataKey("session:123"), sessionData)
//	value, exists, err := s.Get(ctx, store.DataKey("session:123"))
package lstore
