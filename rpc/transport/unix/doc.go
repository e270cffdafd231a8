// Package unix implements the dFrame transport over Unix domain sockets. It serves clusters
// whose nodes all run on one machine, e.g. one node per NUMA socket, and local CLI access
// to a node.
//
// The package only provides the connectors; pooling, request multiplexing, retries and the
// per-connection worker limit come from the base package. The endpoint of a node is the path
// of its socket file, which is replaced when the node starts.
//
// The default server buffer size is 64 KB. Large chunk payloads are read beyond the pooled
// buffer, so the size only affects the common case of small messages.
package unix
