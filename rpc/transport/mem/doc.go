// Package mem implements an in-process transport. Servers register under their endpoint in
// a process wide table and clients call the registered handler directly, so a whole cluster
// can run inside one process without sockets (tests, the embedded demo node).
//
// Requests and responses are copied on both sides; a handler never shares memory with the
// caller. Closing a server makes its endpoint unreachable, which is how tests simulate a
// failed node.
package mem
