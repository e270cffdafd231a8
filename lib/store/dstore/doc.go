// Package dstore implements the distributed key-value store (DKV): a sharded map where every
// key is owned by exactly one home node of the current cluster view.
//
// Architecture:
//
// The dstore implementation consists of three main components:
//
//   - Store Client: Implements the store.IStore interface. Reads are served locally when the
//     node is the key's home, holds a replica or has a cached copy; otherwise the value is
//     fetched from the home and cached. Writes are wrapped into a Command and sent to the home.
//
//   - Home Handlers: HandleFetch and Apply execute requests of other nodes on the local
//     db.KVDB. The home serializes all writes of its keys, pushes replicas to the next nodes of
//     the view and invalidates the cached copies it handed out.
//
//   - Communication Protocol: Command and Result are codec records. The transport is not part
//     of this package; it is injected through the Remote interface (see rpc/client.PeerPool).
//
// Consistency Model:
//
//   - Single writer per key: the home applies writes in stamp order. Every write carries a
//     write stamp (hybrid wall clock, see store.Clock); a write with a lower stamp than the
//     stored value is rejected (last writer wins).
//
//   - Read-your-own-writes: a remote writer caches its own value before the home acknowledged it.
//
//   - Eventual visibility: other nodes may read a cached copy until the home's invalidation
//     arrives. An invalidation that arrives while a fetch of the same key is running prevents
//     the fetched value from being cached.
//
// Membership Changes:
//
//	Keys are routed with the last locked-in view of the membership. After a new view was
//	committed, authoritative values whose home moved are handed off to the new home, replicas
//	that became homed locally are promoted and the cache is dropped. Until the local node is
//	part of a view, every operation fails with errs.MembershipNotConvergedError.
//
// Error Handling:
//
//	An unreachable home is retried with exponential backoff (jpillora/backoff) a bounded number
//	of times, then the operation fails with errs.NodeUnavailableError. Failed replica pushes
//	and invalidations are logged; the write itself already succeeded at the home.
//
// Usage:
//
//	members := cluster.NewMembership(...)
//	peers := client.NewPeerPool(...)
//	s, err := dstore.NewDistributedStore(members, peers, func() db.KVDB { return maple.NewMapleDB(nil) }, dstore.Config{Replication: 2})
//	if err != nil { ... }
//	err = s.Put(ctx, store.DataKey("answer"), []byte("42"))
package dstore
