package lockmgr

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dFrame/lib/codec"
	"github.com/ValentinKolb/dFrame/lib/db"
	"github.com/ValentinKolb/dFrame/lib/db/engines/maple"
	"github.com/ValentinKolb/dFrame/lib/errs"
	"github.com/ValentinKolb/dFrame/lib/store"
	"github.com/ValentinKolb/dFrame/lib/store/lstore"
	"github.com/stretchr/testify/require"
)

var frame = store.FrameKey("prices")

func newTestManager() (*lockMgrImpl, store.IStore) {
	st := lstore.NewLocalStore(func() db.KVDB { return maple.NewMapleDB(nil) })
	lm := NewLockManager(st, Config{MinWait: time.Millisecond, MaxWait: 10 * time.Millisecond})
	return lm.(*lockMgrImpl), st
}

func requireConflict(t *testing.T, err error) *errs.LockConflictError {
	t.Helper()
	var lc *errs.LockConflictError
	require.ErrorAs(t, err, &lc)
	return lc
}

func TestReadersShareTheLock(t *testing.T) {
	lm, _ := newTestManager()
	ctx := context.Background()

	require.NoError(t, lm.TryLock(ctx, frame, "a", ModeRead))
	require.NoError(t, lm.TryLock(ctx, frame, "b", ModeRead))
	lc := requireConflict(t, lm.TryLock(ctx, frame, "c", ModeWrite))
	require.Equal(t, "prices", lc.Frame)
	require.Equal(t, "c", lc.Requester)

	st, err := lm.Status(ctx, frame)
	require.NoError(t, err)
	require.Equal(t, []Hold{{Job: "a", Depth: 1}, {Job: "b", Depth: 1}}, st.Readers)
	require.Empty(t, st.Writer)
}

func TestWriteLockBlocksUntilUnlock(t *testing.T) {
	lm, _ := newTestManager()
	ctx := context.Background()
	require.NoError(t, lm.Lock(ctx, frame, "a", ModeWrite))

	requireConflict(t, lm.TryLock(ctx, frame, "b", ModeRead))

	var granted atomic.Bool
	done := make(chan error, 1)
	go func() {
		err := lm.Lock(ctx, frame, "b", ModeWrite)
		granted.Store(true)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.False(t, granted.Load())

	require.NoError(t, lm.Unlock(ctx, frame, "a"))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("second writer was never granted")
	}
	st, err := lm.Status(ctx, frame)
	require.NoError(t, err)
	require.Equal(t, "b", st.Writer)
	require.Empty(t, st.Waiting)
}

func TestReentrantLocks(t *testing.T) {
	lm, _ := newTestManager()
	ctx := context.Background()
	require.NoError(t, lm.Lock(ctx, frame, "a", ModeWrite))
	require.NoError(t, lm.Lock(ctx, frame, "a", ModeWrite))
	require.NoError(t, lm.Lock(ctx, frame, "a", ModeRead))

	st, err := lm.Status(ctx, frame)
	require.NoError(t, err)
	require.Equal(t, int32(2), st.WriterDepth)

	for i := 0; i < 3; i++ {
		require.NoError(t, lm.Unlock(ctx, frame, "a"))
	}
	st, err = lm.Status(ctx, frame)
	require.NoError(t, err)
	require.True(t, st.Free(), st.String())

	// unlocking again is a no-op
	require.NoError(t, lm.Unlock(ctx, frame, "a"))
	require.NoError(t, lm.TryLock(ctx, frame, "b", ModeWrite))
}

func TestUpgrade(t *testing.T) {
	lm, _ := newTestManager()
	ctx := context.Background()

	require.NoError(t, lm.Lock(ctx, frame, "a", ModeRead))
	require.NoError(t, lm.Lock(ctx, frame, "a", ModeWrite))
	require.NoError(t, lm.Unlock(ctx, frame, "a"))
	require.NoError(t, lm.Unlock(ctx, frame, "a"))

	require.NoError(t, lm.Lock(ctx, frame, "a", ModeRead))
	require.NoError(t, lm.Lock(ctx, frame, "b", ModeRead))
	lc := requireConflict(t, lm.Lock(ctx, frame, "a", ModeWrite))
	require.Equal(t, "b", lc.Holder)
}

func TestWaitingWriterQueuesNewReaders(t *testing.T) {
	lm, _ := newTestManager()
	ctx := context.Background()
	require.NoError(t, lm.Lock(ctx, frame, "a", ModeRead))

	done := make(chan error, 1)
	go func() { done <- lm.Lock(ctx, frame, "w", ModeWrite) }()
	require.Eventually(t, func() bool {
		st, err := lm.Status(ctx, frame)
		return err == nil && st.Waiting == "w"
	}, 5*time.Second, time.Millisecond)

	requireConflict(t, lm.TryLock(ctx, frame, "c", ModeRead))
	// a current reader may re-enter
	require.NoError(t, lm.TryLock(ctx, frame, "a", ModeRead))

	require.NoError(t, lm.Unlock(ctx, frame, "a"))
	require.NoError(t, lm.Unlock(ctx, frame, "a"))
	require.NoError(t, <-done)
}

func TestAbandonedWaiterExpires(t *testing.T) {
	lm, st := newTestManager()
	ctx := context.Background()
	ghost := &State{Waiting: "ghost", WaitingSince: time.Now().Add(-time.Hour).UnixNano()}
	payload, err := codec.Marshal(ghost)
	require.NoError(t, err)
	require.NoError(t, st.Put(ctx, store.LockKey(frame), payload))

	require.NoError(t, lm.TryLock(ctx, frame, "a", ModeRead))
	require.NoError(t, lm.TryLock(ctx, frame, "a", ModeWrite))
	state, err := lm.Status(ctx, frame)
	require.NoError(t, err)
	require.Empty(t, state.Waiting)
}

func TestCanceledLockLeavesTheQueue(t *testing.T) {
	lm, _ := newTestManager()
	require.NoError(t, lm.Lock(context.Background(), frame, "a", ModeWrite))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := lm.Lock(ctx, frame, "b", ModeWrite)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	st, err := lm.Status(context.Background(), frame)
	require.NoError(t, err)
	require.Equal(t, "a", st.Writer)
	require.Empty(t, st.Waiting)
}

func TestInvalidRequests(t *testing.T) {
	lm, _ := newTestManager()
	ctx := context.Background()
	var inv *errs.InvalidOperationError
	require.ErrorAs(t, lm.Lock(ctx, frame, "", ModeRead), &inv)
	require.ErrorAs(t, lm.Lock(ctx, store.VecKey("v"), "a", ModeRead), &inv)
	require.ErrorAs(t, lm.TryLock(ctx, frame, "a", Mode(9)), &inv)
}

func TestWithReleasesOnError(t *testing.T) {
	lm, _ := newTestManager()
	ctx := context.Background()
	boom := errors.New("boom")

	err := With(ctx, lm, frame, "a", ModeWrite, func(ctx context.Context) error {
		st, err := lm.Status(ctx, frame)
		require.NoError(t, err)
		require.Equal(t, "a", st.Writer)
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, lm.TryLock(ctx, frame, "b", ModeWrite))
}

func TestLockExclusivity(t *testing.T) {
	lm, _ := newTestManager()
	ctx := context.Background()

	var readers, writers atomic.Int32
	var violation atomic.Value
	var wg sync.WaitGroup
	for j := 0; j < 6; j++ {
		job := NewJobID()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				mode := ModeRead
				if rand.IntN(3) == 0 {
					mode = ModeWrite
				}
				err := With(ctx, lm, frame, job, mode, func(context.Context) error {
					if mode == ModeWrite {
						if writers.Add(1) != 1 || readers.Load() != 0 {
							violation.Store("writer overlaps another holder")
						}
						time.Sleep(time.Millisecond)
						writers.Add(-1)
					} else {
						readers.Add(1)
						if writers.Load() != 0 {
							violation.Store("reader overlaps a writer")
						}
						time.Sleep(time.Millisecond)
						readers.Add(-1)
					}
					return nil
				})
				if err != nil {
					violation.Store(err.Error())
					return
				}
			}
		}()
	}
	wg.Wait()
	require.Nil(t, violation.Load())

	st, err := lm.Status(ctx, frame)
	require.NoError(t, err)
	require.True(t, st.Free(), st.String())
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("w")
	require.NoError(t, err)
	require.Equal(t, ModeWrite, m)
	m, err = ParseMode("read")
	require.NoError(t, err)
	require.Equal(t, ModeRead, m)
	_, err = ParseMode("exclusive")
	require.Error(t, err)
}
