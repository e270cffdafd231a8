package task

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"
)

// idleWait bounds how long an idle worker sleeps before looking for work again.
const idleWait = time.Millisecond

const (
	jobPending int32 = iota
	jobRunning
	jobDone
)

// Job is a unit of work of a Pool, or a promise completed from outside the pool.
type Job struct {
	fn    func(w *Worker)
	state atomic.Int32
	done  chan struct{}
}

// Done is closed when the job finished.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finished or ctx is done. Workers use Worker.Join instead.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Complete resolves a promise created by Pool.Promise. Later calls are ignored.
func (j *Job) Complete() {
	if j.state.CompareAndSwap(jobPending, jobDone) {
		close(j.done)
	}
}

func (j *Job) run(w *Worker) {
	if !j.state.CompareAndSwap(jobPending, jobRunning) {
		return
	}
	defer func() {
		j.state.Store(jobDone)
		close(j.done)
	}()
	j.fn(w)
}

// Worker is one goroutine of a Pool. Jobs receive the worker that runs them so they can fork
// and join subtasks.
type Worker struct {
	id    int
	pool  *Pool
	mu    sync.Mutex
	deque []*Job
	timer *time.Timer
}

// ID returns the index of the worker in its pool.
func (w *Worker) ID() int { return w.id }

func (w *Worker) push(j *Job) {
	w.mu.Lock()
	w.deque = append(w.deque, j)
	w.mu.Unlock()
}

// pop takes the newest job (LIFO) of the own deque.
func (w *Worker) pop() *Job {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.deque)
	if n == 0 {
		return nil
	}
	j := w.deque[n-1]
	w.deque[n-1] = nil
	w.deque = w.deque[:n-1]
	return j
}

// steal takes the oldest job (FIFO) of the deque.
func (w *Worker) steal() *Job {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.deque) == 0 {
		return nil
	}
	j := w.deque[0]
	w.deque[0] = nil
	w.deque = w.deque[1:]
	return j
}

// Fork schedules fn on the worker's own deque, where idle workers may steal it.
func (w *Worker) Fork(fn func(w *Worker)) *Job {
	j := &Job{fn: fn, done: make(chan struct{})}
	w.push(j)
	w.pool.wake()
	return j
}

// Join waits for j without blocking the worker: while j is not done the worker runs its own
// jobs, stolen jobs and injected jobs.
func (w *Worker) Join(j *Job) {
	for {
		select {
		case <-j.done:
			return
		default:
		}
		if next := w.find(); next != nil {
			next.run(w)
			continue
		}
		w.sleep(j.done)
	}
}

func (w *Worker) find() *Job {
	if j := w.pop(); j != nil {
		return j
	}
	if j := w.pool.takeInjected(); j != nil {
		return j
	}
	return w.pool.stealFor(w)
}

// sleep waits for new work, done, the pool closing or the idle timeout.
func (w *Worker) sleep(done <-chan struct{}) {
	w.timer.Reset(idleWait)
	select {
	case <-done:
	case <-w.pool.notify:
	case <-w.pool.quit:
	case <-w.timer.C:
	}
	if !w.timer.Stop() {
		select {
		case <-w.timer.C:
		default:
		}
	}
}

func (w *Worker) loop() {
	defer w.pool.wg.Done()
	for {
		select {
		case <-w.pool.quit:
			return
		default:
		}
		if j := w.find(); j != nil {
			j.run(w)
			continue
		}
		w.sleep(nil)
	}
}

// Pool is a fixed set of workers with per-worker deques and work stealing.
// Jobs submitted from outside the pool go through a shared inject queue.
type Pool struct {
	workers []*Worker
	notify  chan struct{}
	quit    chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool

	injectMu sync.Mutex
	inject   []*Job
}

// NewPool starts a pool with n workers (at least one).
func NewPool(n int) *Pool {
	n = max(n, 1)
	p := &Pool{
		notify: make(chan struct{}, n),
		quit:   make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		w := &Worker{id: i, pool: p, timer: time.NewTimer(idleWait)}
		w.timer.Stop()
		p.workers = append(p.workers, w)
	}
	p.wg.Add(n)
	for _, w := range p.workers {
		go w.loop()
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Submit schedules fn from outside the pool.
func (p *Pool) Submit(fn func(w *Worker)) *Job {
	j := &Job{fn: fn, done: make(chan struct{})}
	p.injectMu.Lock()
	p.inject = append(p.inject, j)
	p.injectMu.Unlock()
	p.wake()
	return j
}

// Promise returns a job that no worker runs; it is done when Complete is called.
// Workers waiting for a remote reply Join a promise and keep executing other jobs meanwhile.
func (p *Pool) Promise() *Job {
	return &Job{done: make(chan struct{})}
}

// Close stops the workers after their current jobs. Queued jobs are dropped.
func (p *Pool) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.quit)
	p.wg.Wait()
}

func (p *Pool) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Pool) takeInjected() *Job {
	p.injectMu.Lock()
	defer p.injectMu.Unlock()
	if len(p.inject) == 0 {
		return nil
	}
	j := p.inject[0]
	p.inject[0] = nil
	p.inject = p.inject[1:]
	return j
}

// stealFor tries every other worker once, starting at a random victim.
func (p *Pool) stealFor(w *Worker) *Job {
	n := len(p.workers)
	if n == 1 {
		return nil
	}
	start := rand.IntN(n)
	for i := 0; i < n; i++ {
		victim := p.workers[(start+i)%n]
		if victim == w {
			continue
		}
		if j := victim.steal(); j != nil {
			return j
		}
	}
	return nil
}
