// Package common provides the data structures shared by the RPC clients and servers.
//
// Key Components:
//
//   - Message: the single structure used for all requests and responses. Simple requests
//     use its fields (Key, Value, Stamp, ...); requests between nodes carry a codec record
//     (heartbeat, proposal, DKV command, task dispatch) in Body.
//
//   - MessageType: the operation of a message. Each type belongs to a service
//     (ServiceCluster, ServiceDKV, ServiceTask, ServiceLock); the service selects the
//     server adapter that handles it.
//
//   - Error: the wire form of an error. It keeps the error code and the fields of the
//     typed errors of the errs package, so a *errs.TaskError or *errs.LockConflictError
//     raised on one node arrives as the same type on the other.
//
//   - ServerConfig: configuration of a node (identity, transport, membership timing,
//     replication, snapshots) with conversions to the configs of the node components.
//
//   - ClientConfig: configuration of clients (endpoints, timeouts, retries).
//
//   - Logger: a custom implementation of dragonboat's logger interface that gives all
//     packages the same format. InitLoggers installs it and sets the level.
package common
