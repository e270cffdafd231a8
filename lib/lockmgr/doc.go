// Package lockmgr implements read/write locks on Frames, keyed by the job that holds them.
//
// The lock manager only ever stores in the provided IStore and has no other internal state.
// Therefore it is safe to be created multiple times on the same store, on any node of the
// cluster. As long as the stores share one DKV, all locks work as expected.
//
// Core Functionality:
//   - Read locks: any number of jobs may read a Frame while nobody writes it
//   - Write locks: exclusive; a writer queues behind the current holders and new readers queue
//     behind a waiting writer
//   - Reentrancy: a job may lock a Frame it already holds again (also read under write); every
//     Lock must be paired with one Unlock
//   - Upgrade: a sole reader may take the write lock; upgrading while other jobs read fails with
//     errs.LockConflictError
//
// Implementation Approach:
//
//	The State of a Frame's lock (writer, readers, waiting writer) lives under the Frame's lock
//	key (store.LockKey). The lock key has the Frame's name and therefore the same home node.
//	Every change reads the state with store.FreshRead and writes it back with CompareAndPut,
//	retrying when another node changed it in between. A blocked Lock retries with exponential
//	backoff (jpillora/backoff). A waiting writer refreshes its mark on every attempt; a mark
//	older than Config.WaitExpiry belongs to a writer that is gone and is ignored.
//
// Usage Example:
//
//	lm := lockmgr.NewLockManager(st, lockmgr.Config{})
//	job := lockmgr.NewJobID()
//	err := lockmgr.With(ctx, lm, store.FrameKey("prices"), job, lockmgr.ModeWrite,
//	    func(ctx context.Context) error {
//	        // modify the Frame
//	        return nil
//	    })
//
// Unlock is idempotent, but a Frame a job forgets to unlock stays locked. Use With (or a
// deferred Unlock) so the lock is released on every return path.
package lockmgr
