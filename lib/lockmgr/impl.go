package lockmgr

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/dFrame/lib/codec"
	"github.com/ValentinKolb/dFrame/lib/errs"
	"github.com/ValentinKolb/dFrame/lib/store"
	"github.com/VictoriaMetrics/metrics"
	"github.com/jpillora/backoff"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/pkg/errors"
)

var log = logger.GetLogger("lockmgr")

// Config configures the lock manager.
type Config struct {
	// MinWait and MaxWait bound the backoff between attempts of a blocked Lock.
	MinWait time.Duration
	MaxWait time.Duration
	// WaitExpiry is after how long without a refresh a queued writer is considered gone.
	WaitExpiry time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinWait <= 0 {
		c.MinWait = 5 * time.Millisecond
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 500 * time.Millisecond
	}
	if c.WaitExpiry <= 0 {
		c.WaitExpiry = 10 * time.Second
	}
	return c
}

type lockMgrImpl struct {
	store store.IStore
	cfg   Config
	now   func() time.Time
}

// NewLockManager creates a lock manager keeping its state in st. It has no state of its own, so
// any number of lock managers may be created on the same store.
func NewLockManager(st store.IStore, cfg Config) ILockManager {
	return &lockMgrImpl{store: st, cfg: cfg.withDefaults(), now: time.Now}
}

// --------------------------------------------------------------------------
// State access
// --------------------------------------------------------------------------

// load reads the lock state of frame and its stamp (0 if there is none yet).
func (lm *lockMgrImpl) load(ctx context.Context, frame store.Key) (*State, uint64, error) {
	v, ok, err := lm.store.Get(store.FreshRead(ctx), store.LockKey(frame))
	if err != nil {
		return nil, 0, errors.Wrapf(err, "reading lock of %s", frame)
	}
	st := &State{}
	if !ok {
		return st, 0, nil
	}
	if err := codec.Unmarshal(v.Payload, st); err != nil {
		return nil, 0, errors.Wrapf(err, "decoding lock of %s", frame)
	}
	return st, v.Stamp, nil
}

// update applies fn to the lock state of frame until the compare-and-put succeeds.
// fn returns whether the state changed.
func (lm *lockMgrImpl) update(ctx context.Context, frame store.Key, fn func(st *State) (bool, error)) error {
	for {
		st, stamp, err := lm.load(ctx, frame)
		if err != nil {
			return err
		}
		changed, err := fn(st)
		if err != nil || !changed {
			return err
		}
		payload, err := codec.Marshal(st)
		if err != nil {
			return err
		}
		_, ok, err := lm.store.CompareAndPut(ctx, store.LockKey(frame), payload, stamp)
		if err != nil {
			return errors.Wrapf(err, "writing lock of %s", frame)
		}
		if ok {
			return nil
		}
		metrics.GetOrCreateCounter(`dframe_lock_cas_retries_total`).Inc()
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// --------------------------------------------------------------------------
// Granting
// --------------------------------------------------------------------------

type verdict int

const (
	granted verdict = iota
	wait
	conflict
)

// grant decides whether job may take a lock of mode on st and updates st if so. A conflict
// comes with the job it conflicts with.
func (lm *lockMgrImpl) grant(st *State, job string, mode Mode) (verdict, string) {
	waitingValid := st.Waiting != "" && st.Waiting != job &&
		lm.now().UnixNano()-st.WaitingSince < int64(lm.cfg.WaitExpiry)

	switch mode {
	case ModeRead:
		switch {
		case st.Writer == job:
		case st.Writer != "":
			return wait, st.Writer
		case waitingValid && st.readerIndex(job) < 0:
			return wait, st.Waiting
		}
		st.addReader(job)
		return granted, ""

	case ModeWrite:
		if st.Writer == job {
			st.WriterDepth++
			return granted, ""
		}
		if st.Writer != "" {
			return wait, st.Writer
		}
		other := st.otherReader(job)
		if other != "" && st.readerIndex(job) >= 0 {
			// two readers upgrading would wait for each other forever
			return conflict, other
		}
		if other != "" {
			return wait, other
		}
		if waitingValid && st.readerIndex(job) < 0 {
			return wait, st.Waiting
		}
		st.Writer, st.WriterDepth = job, 1
		if st.Waiting == job || !waitingValid {
			st.Waiting, st.WaitingSince = "", 0
		}
		return granted, ""

	default:
		return conflict, ""
	}
}

func validate(frame store.Key, job string, mode Mode) error {
	if job == "" {
		return &errs.InvalidOperationError{Msg: "lock needs a job id"}
	}
	if frame.Kind != store.KindFrame {
		return &errs.InvalidOperationError{Msg: fmt.Sprintf("%s is not a frame key", frame)}
	}
	if mode != ModeRead && mode != ModeWrite {
		return &errs.InvalidOperationError{Msg: fmt.Sprintf("invalid lock mode %s", mode)}
	}
	return nil
}

func (lm *lockMgrImpl) attempt(ctx context.Context, frame store.Key, job string, mode Mode, queue bool) (verdict, string, error) {
	var v verdict
	var holder string
	err := lm.update(ctx, frame, func(st *State) (bool, error) {
		v, holder = lm.grant(st, job, mode)
		if v != wait || !queue || mode != ModeWrite {
			return v == granted, nil
		}
		// queue behind the current holders, refreshing our mark
		now := lm.now().UnixNano()
		if st.Waiting == job || st.Waiting == "" || now-st.WaitingSince >= int64(lm.cfg.WaitExpiry) {
			st.Waiting, st.WaitingSince = job, now
			return true, nil
		}
		return false, nil
	})
	return v, holder, err
}

// --------------------------------------------------------------------------
// ILockManager
// --------------------------------------------------------------------------

func (lm *lockMgrImpl) Lock(ctx context.Context, frame store.Key, job string, mode Mode) error {
	if err := validate(frame, job, mode); err != nil {
		return err
	}
	start := lm.now()
	b := &backoff.Backoff{Min: lm.cfg.MinWait, Max: lm.cfg.MaxWait, Factor: 2, Jitter: true}
	for {
		v, holder, err := lm.attempt(ctx, frame, job, mode, true)
		if err != nil {
			lm.dequeue(frame, job)
			return err
		}
		switch v {
		case granted:
			if waited := lm.now().Sub(start); waited > time.Second {
				log.Infof("%s lock on %s for %s granted after %s", mode, frame.Name, job, waited)
			}
			return nil
		case conflict:
			metrics.GetOrCreateCounter(`dframe_lock_conflicts_total`).Inc()
			return &errs.LockConflictError{Frame: frame.Name, Holder: holder, Requester: job,
				Msg: fmt.Sprintf("cannot upgrade to %s while other jobs read", mode)}
		}
		metrics.GetOrCreateCounter(`dframe_lock_waits_total`).Inc()
		if b.Attempt() == 0 {
			log.Debugf("%s lock on %s for %s waits for %s", mode, frame.Name, job, holder)
		}
		t := time.NewTimer(b.Duration())
		select {
		case <-ctx.Done():
			t.Stop()
			lm.dequeue(frame, job)
			return ctx.Err()
		case <-t.C:
		}
	}
}

// dequeue removes job as waiting writer of frame after it gave up.
func (lm *lockMgrImpl) dequeue(frame store.Key, job string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := lm.update(ctx, frame, func(st *State) (bool, error) {
		if st.Waiting != job {
			return false, nil
		}
		st.Waiting, st.WaitingSince = "", 0
		return true, nil
	})
	if err != nil {
		log.Warningf("removing %s from the queue of %s failed: %v", job, frame.Name, err)
	}
}

func (lm *lockMgrImpl) TryLock(ctx context.Context, frame store.Key, job string, mode Mode) error {
	if err := validate(frame, job, mode); err != nil {
		return err
	}
	v, holder, err := lm.attempt(ctx, frame, job, mode, false)
	if err != nil {
		return err
	}
	if v != granted {
		metrics.GetOrCreateCounter(`dframe_lock_conflicts_total`).Inc()
		return &errs.LockConflictError{Frame: frame.Name, Holder: holder, Requester: job,
			Msg: fmt.Sprintf("%s lock not available", mode)}
	}
	return nil
}

func (lm *lockMgrImpl) Unlock(ctx context.Context, frame store.Key, job string) error {
	if job == "" {
		return &errs.InvalidOperationError{Msg: "unlock needs a job id"}
	}
	return lm.update(ctx, frame, func(st *State) (bool, error) {
		if st.Writer == job {
			st.WriterDepth--
			if st.WriterDepth <= 0 {
				st.Writer, st.WriterDepth = "", 0
			}
			return true, nil
		}
		i := st.readerIndex(job)
		if i < 0 {
			return false, nil
		}
		st.Readers[i].Depth--
		if st.Readers[i].Depth <= 0 {
			st.Readers = append(st.Readers[:i], st.Readers[i+1:]...)
		}
		return true, nil
	})
}

func (lm *lockMgrImpl) Status(ctx context.Context, frame store.Key) (*State, error) {
	st, _, err := lm.load(ctx, frame)
	return st, err
}
