// Package codec implements the binary wire format used for every value that leaves a node:
// RPC payloads, DKV values and persisted snapshot blobs share the same encoding.
//
// Values are written big-endian with fixed widths for numbers and a 32 bit length prefix for
// byte slices, strings and arrays. The length 0xFFFFFFFF marks a nil slice, so nil and empty
// values survive a round trip unchanged.
//
// Structured values implement Record and are registered by name in a Registry:
//
//	func init() {
//	    codec.Register("fvec.Vec", func() codec.Record { return &Vec{} })
//	}
//
// The registry assigns compact type ids in sorted name order when it is first used, which
// makes the ids identical on every node that registered the same types. Nodes exchange the
// registry Fingerprint when they join a cluster. Persisted data is accompanied by a TypeMap
// so that it can be read back by a build with a different set of types (see WithTypeMap).
//
// Writer and Reader keep the first error they run into; callers check Err (or Flush) once
// after a sequence of calls. A Reader that runs out of input inside a value reports an
// *errs.TruncatedInputError, an unknown type id an *errs.DecodeError.
package codec
