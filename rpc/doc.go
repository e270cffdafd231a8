// Package rpc provides the communication layer of a dFrame cluster. Nodes use it to
// exchange heartbeats, DKV reads and writes, task dispatches and lock requests with each
// other, and clients use it to reach the nodes.
//
// The package is organized into several subpackages:
//
//   - common: the Message protocol, the configuration structures and logging.
//
//   - transport: Network communication abstractions with pluggable implementations
//     (TCP, Unix sockets, and an in-process transport for tests).
//
//   - serializer: Message serialization (Binary, JSON) for converting between Message
//     objects and byte arrays.
//
//   - client: the PeerPool used between nodes, and RPC clients for the store, the lock
//     manager and frame snapshots.
//
//   - server: the RPC server building and serving one cluster node.
package rpc
