// Package client implements the RPC clients of a dFrame cluster.
//
// There are two kinds of clients:
//
//   - PeerPool is used by a node to talk to the other nodes of the cluster. It implements
//     cluster.Messenger (heartbeats and view changes), dstore.Remote (fetches and writes
//     sent to the home of a key) and task.Dispatcher (ranges of a task executed on the node
//     owning their chunks). It holds one client transport per peer, connects lazily and
//     reports unreachable peers as *errs.NodeUnavailableError.
//
//   - NewRPCStore, NewRPCLockMgr and NewRPCFrameClient are used by programs outside the
//     cluster (e.g. the CLI). They implement store.IStore and lockmgr.ILockManager, or save
//     and restore frames, by forwarding every operation to one of the configured nodes.
//
// Errors returned by a node keep their type across the wire: a *errs.LockConflictError
// raised on the server is a *errs.LockConflictError on the client.
//
// Usage Example:
//
//	config := common.ClientConfig{
//	  Endpoints:              []string{"localhost:7000"},
//	  TimeoutSecond:          5,
//	  RetryCount:             3,
//	  ConnectionsPerEndpoint: 1,
//	}
//	s := serializer.NewBinarySerializer()
//
//	kv, _ := client.NewRPCStore(config, tcp.NewTCPClientTransport(), s)
//	_ = kv.Put(ctx, store.DataKey("greeting"), []byte("hello"))
//	v, ok, _ := kv.Get(ctx, store.DataKey("greeting"))
//
//	locks, _ := client.NewRPCLockMgr(config, tcp.NewTCPClientTransport(), s)
//	if err := locks.Lock(ctx, frameKey, "job-1", lockmgr.ModeWrite); err == nil {
//	  defer locks.Unlock(ctx, frameKey, "job-1")
//	}
//
// Timeouts:
//
//	Short requests are bounded by ClientConfig.TimeoutSecond. Lock acquisition, task
//	dispatches and frame snapshots are bounded by the caller's context only.
//
// Thread Safety:
//
//	All clients are safe for concurrent use.
package client
