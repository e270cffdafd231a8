// Package cmd implements the command-line interface of dFrame. It provides a hierarchical
// command structure for running a node and for talking to a running cluster as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Starts a node and joins or founds a cluster
//   - kv: Commands for key-value operations on the distributed store (get, put, cas, del, has, perf)
//   - lock: Commands for frame locks (acquire, release, status)
//   - frame: Builds a demo frame on an embedded node, saves and restores frame snapshots
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// All flags can also be set with environment variables of the form DFRAME_<FLAG>, where dashes
// become underscores (e.g. DFRAME_HEARTBEAT_MS=200). A .env file in the working directory is
// loaded first.
//
// A three node cluster on one machine:
//
//	dframe serve --name n0 --endpoint 127.0.0.1:7000
//	dframe serve --name n1 --endpoint 127.0.0.1:7001 --seeds 127.0.0.1:7000
//	dframe serve --name n2 --endpoint 127.0.0.1:7002 --seeds 127.0.0.1:7000
//	dframe frame demo --seeds 127.0.0.1:7000 --min-nodes 4
//
// See dframe -help for a list of all commands.
package cmd
