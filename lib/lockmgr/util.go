package lockmgr

import (
	"context"

	"github.com/ValentinKolb/dFrame/lib/store"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// NewJobID returns a new unique job id.
func NewJobID() string {
	return "job-" + uuid.NewString()
}

// With runs fn while job holds a lock of the given mode on frame. The lock is released on
// every return path of fn, also when fn panics.
func With(ctx context.Context, lm ILockManager, frame store.Key, job string, mode Mode, fn func(ctx context.Context) error) (err error) {
	if err := lm.Lock(ctx, frame, job, mode); err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, lm.Unlock(context.WithoutCancel(ctx), frame, job))
	}()
	return fn(ctx)
}
