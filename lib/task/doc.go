// Package task runs map/reduce functions over the chunks of distributed Vecs.
//
// A Func maps one chunk (the same chunk index of every input Vec) to a Result and reduces two
// Results into one. The engine splits the chunk range [0, n) of a task in halves until a range
// is either a single chunk or owned by one remote node. Remote ranges are sent to their owner
// in one DispatchRequest, which splits them the same way. Because the split points only
// depend on the range, the reduce tree (and therefore the result, even for floating point
// reductions) does not depend on the cluster size or on where a task was submitted.
//
// Key Components:
//
//   - Pool: a fixed set of workers with work-stealing deques. Worker.Fork pushes a job,
//     Worker.Join runs other jobs (own, injected or stolen) until the joined job finished,
//     so a worker waiting for a remote result keeps serving dispatch requests of other nodes.
//
//   - Engine: plans and executes tasks. Submit runs a Func over Vec keys, SubmitFrame over
//     the columns of a Frame and Execute additionally writes output Vecs (OutputSpec).
//     HandleDispatch and HandleCancel are the server side of the rpc layer.
//
//   - Failover: a range whose owner is unreachable is retried on the nodes holding replicas
//     of its chunks. Without a reachable copy the task fails with
//     errs.PartitionUnavailableError.
//
//   - Builtins: ColumnSums, RowCount and RollupStats (count, NAs, min, max, mean, sigma,
//     zeros per column). VecRollups is a shortcut for the rollups of a single Vec.
//
// Funcs and Results travel as codec Records and must be registered with codec.Register
// under the same name on every node:
//
//	func init() {
//		codec.Register("myapp.maxabs", func() codec.Record { return &MaxAbs{} })
//		codec.Register("myapp.maxabs.result", func() codec.Record { return &Max{} })
//	}
//
// Map is called on the node holding the chunks. It must not keep references to the chunks
// after it returned. Reduce gets the result of the lower chunk range as left.
package task
