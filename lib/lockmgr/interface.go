package lockmgr

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dFrame/lib/store"
)

// Mode is the kind of lock a job holds on a Frame.
type Mode uint8

const (
	ModeRead Mode = iota + 1
	ModeWrite
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode parses "read"/"r" or "write"/"w".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "read", "r":
		return ModeRead, nil
	case "write", "w":
		return ModeWrite, nil
	}
	return 0, fmt.Errorf("unknown lock mode %q", s)
}

// ILockManager defines the interface for frame locks keyed by job.
type ILockManager interface {
	// Lock acquires a lock on frame for job and blocks until it was granted or ctx is done.
	// Locks are reentrant: every Lock of a job must be paired with one Unlock.
	// A reader that tries to upgrade while other jobs read gets an *errs.LockConflictError.
	Lock(ctx context.Context, frame store.Key, job string, mode Mode) error

	// TryLock acquires a lock without waiting. It returns an *errs.LockConflictError if the lock
	// is not available right now.
	TryLock(ctx context.Context, frame store.Key, job string, mode Mode) error

	// Unlock releases the most recent hold of job on frame (a write hold before read holds).
	// Unlocking a frame the job does not hold does nothing.
	Unlock(ctx context.Context, frame store.Key, job string) error

	// Status returns the current lock state of frame.
	Status(ctx context.Context, frame store.Key) (*State, error)
}
