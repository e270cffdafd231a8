// Package transport defines the interfaces for RPC communication between the nodes of a
// cluster and between CLI clients and a node. Implementations move opaque request and
// response payloads; the message format is owned by the serializer package.
//
// The package focuses on:
//   - Defining clear interfaces for client and server transport layers
//   - Supporting service-based request routing (cluster, dkv, task, lock)
//   - Enabling multiple transport implementations (TCP, Unix sockets, in-process)
//
// Key Components:
//
//   - IRPCClientTransport: Interface for client-side transport implementations that
//     handles connection management and request sending.
//
//   - IRPCServerTransport: Interface for server-side transport implementations that
//     receives requests and routes them to the registered handler.
//
//   - ServerHandleFunc: Function type for request handling callbacks.
//
//   - ClientFactory: Creates one client transport per remote endpoint.
package transport
