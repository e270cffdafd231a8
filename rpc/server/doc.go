// Package server implements the RPC server of a dFrame node.
//
// NewRPCServer builds all components of one cluster node (see Node) and exposes them over
// an IRPCServerTransport:
//
//   - the cluster membership, heartbeating with the other nodes through a client.PeerPool
//   - the distributed store (DKV) holding keys, Vec headers, chunks and lock states
//   - the task engine running map/reduce tasks over the chunks homed on this node
//   - the lock manager guarding Frames
//   - the snapshot manager saving and restoring Frames
//
// Every request carries the service it belongs to. The server passes it to the adapter of
// that service:
//
//   - NewClusterServerAdapter: heartbeats, view proposals and commits
//   - NewIStoreServerAdapter: node to node fetches and writes, client key-value requests and
//     frame snapshots
//   - NewTaskServerAdapter: ranges of a task dispatched by another node, and their cancellation
//   - NewLockManagerServerAdapter: frame locks
//
// Errors are returned as error responses that keep their code and structured fields, so
// that the caller receives the same error type the node raised.
//
// Usage Example:
//
//	config := common.ServerConfig{
//	  Name:          "n1",
//	  Endpoint:      "0.0.0.0:7001",
//	  Seeds:         []string{"10.0.0.1:7000"},
//	  TimeoutSecond: 5,
//	  HeartbeatMs:   500,
//	  Replication:   2,
//	  LogLevel:      "info",
//	}
//
//	s, err := server.NewRPCServer(
//	  config,
//	  tcp.NewTCPServerTransport(),
//	  tcp.NewTCPClientTransport,
//	  serializer.NewBinarySerializer(),
//	)
//	if err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
//	defer s.Close()
//
//	// Serve blocks until the server is closed
//	if err := s.Serve(); err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
//
// A node started without seeds creates a new cluster. Nodes started with seeds join the
// cluster of their seeds once all members voted for the new view.
//
// Thread Safety:
//
//	The server handles requests of many connections concurrently. Serve must be called
//	only once.
package server
