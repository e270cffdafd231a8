package task

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/ValentinKolb/dFrame/lib/cluster"
	"github.com/ValentinKolb/dFrame/lib/errs"
	"github.com/ValentinKolb/dFrame/lib/fvec"
	"github.com/ValentinKolb/dFrame/lib/scope"
	"github.com/ValentinKolb/dFrame/lib/store"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

var log = logger.GetLogger("task")

// Membership is the part of the cluster membership the engine needs.
type Membership interface {
	Self() cluster.NodeInfo
	View() *cluster.View
	RequireConverged() error
}

// Dispatcher sends work to other nodes. Implementations return *errs.NodeUnavailableError
// when the node cannot be reached; errors raised by the remote engine are returned as they
// were raised there.
type Dispatcher interface {
	Dispatch(ctx context.Context, node cluster.NodeInfo, req *DispatchRequest) (Result, error)
	Cancel(ctx context.Context, node cluster.NodeInfo, taskID string) error
}

// Config configures an Engine.
type Config struct {
	// Workers is the size of the local pool (default: number of CPUs).
	Workers int
	// CancelTimeout bounds the best-effort cancel messages sent to other nodes.
	CancelTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = 2 * time.Second
	}
	return c
}

// Task is a submitted computation.
type Task struct {
	ID      string // generated if empty
	Func    Func
	Inputs  []store.Key // vec keys, all with the same layout
	Outputs []OutputSpec
}

// Outcome is the result of a task.
type Outcome struct {
	Result  Result
	Outputs []*fvec.Vec
}

// taskState is shared by all runs of one task on one node (the submitted run or several
// dispatched ranges) so that a single cancel stops all of them.
type taskState struct {
	ctx    context.Context
	cancel context.CancelFunc
	refs   int

	mu    sync.Mutex
	nodes map[string]cluster.NodeInfo // nodes work was dispatched to
}

// Engine runs tasks over Vecs stored in the DKV.
type Engine struct {
	members Membership
	st      store.IStore
	disp    Dispatcher
	load    *cluster.LoadMeter
	pool    *Pool
	cfg     Config
	tasks   *xsync.MapOf[string, *taskState]
}

// NewEngine creates an engine and starts its worker pool. load may be nil.
func NewEngine(members Membership, st store.IStore, disp Dispatcher, load *cluster.LoadMeter, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		members: members,
		st:      st,
		disp:    disp,
		load:    load,
		pool:    NewPool(cfg.Workers),
		cfg:     cfg,
		tasks:   xsync.NewMapOf[string, *taskState](),
	}
}

// Close stops the worker pool.
func (e *Engine) Close() { e.pool.Close() }

// Pool returns the local worker pool.
func (e *Engine) Pool() *Pool { return e.pool }

// --------------------------------------------------------------------------
// Submission
// --------------------------------------------------------------------------

// Submit runs fn over the given vecs and returns the reduced result.
func (e *Engine) Submit(ctx context.Context, fn Func, inputs ...store.Key) (Result, error) {
	out, err := e.Execute(ctx, &Task{Func: fn, Inputs: inputs})
	if err != nil {
		return nil, err
	}
	return out.Result, nil
}

// SubmitFrame runs fn over every column of a frame.
func (e *Engine) SubmitFrame(ctx context.Context, fn Func, frame store.Key) (Result, error) {
	f, err := fvec.LoadFrame(store.FreshRead(ctx), e.st, frame)
	if err != nil {
		return nil, err
	}
	return e.Submit(ctx, fn, f.Vecs...)
}

// Execute runs a task. It requires a converged membership; the Vec headers are re-read from
// their homes. Map errors fail the whole task with a *errs.TaskError; chunk ranges without a
// reachable owner or replica fail it with a *errs.PartitionUnavailableError.
func (e *Engine) Execute(ctx context.Context, t *Task) (*Outcome, error) {
	if t.Func == nil || len(t.Inputs) == 0 {
		return nil, &errs.InvalidOperationError{Msg: "task needs a function and at least one input"}
	}
	if err := e.members.RequireConverged(); err != nil {
		return nil, err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	start := time.Now()
	defer metrics.GetOrCreateHistogram(`dframe_task_duration_seconds`).UpdateDuration(start)

	r, err := e.newRun(ctx, t.ID, t.Func, t.Inputs, t.Outputs, e.members.View(), false)
	if err != nil {
		return nil, err
	}
	defer e.release(t.ID)

	res, err := e.runRange(ctx, r, 0, r.layout.NChunks())
	if err != nil {
		metrics.GetOrCreateCounter(`dframe_task_failed_total`).Inc()
		e.discardOutputs(t.Outputs, r.layout.NChunks())
		return nil, err
	}

	out := &Outcome{Result: res}
	for _, spec := range t.Outputs {
		v, err := spec.builder(e.st, r.replication).PublishLayout(ctx, r.layout)
		if err != nil {
			return nil, errors.Wrapf(err, "task %s", t.ID)
		}
		out.Outputs = append(out.Outputs, v)
		scope.Track(ctx, v.Key)
	}
	log.Debugf("task %s over %d chunks done in %s", t.ID, r.layout.NChunks(), time.Since(start))
	return out, nil
}

// discardOutputs removes the chunks a failed task already wrote.
func (e *Engine) discardOutputs(outputs []OutputSpec, nChunks int) {
	if len(outputs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CancelTimeout)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(32)
	for _, spec := range outputs {
		for i := 0; i < nChunks; i++ {
			g.Go(func() error {
				if err := e.st.Remove(gctx, store.ChunkKey(spec.Key, i)); err != nil {
					log.Debugf("discarding chunk %d of %s failed: %v", i, spec.Key, err)
				}
				return nil
			})
		}
	}
	_ = g.Wait()
}

// Cancel stops a running task on this node and tells the nodes it dispatched work to.
// Leaves that already finished are kept, but no further reduce runs.
func (e *Engine) Cancel(taskID string) {
	ts, ok := e.tasks.Load(taskID)
	if !ok {
		return
	}
	ts.cancel()
	ts.mu.Lock()
	nodes := make([]cluster.NodeInfo, 0, len(ts.nodes))
	for _, n := range ts.nodes {
		nodes = append(nodes, n)
	}
	ts.mu.Unlock()
	for _, node := range nodes {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CancelTimeout)
			defer cancel()
			if err := e.disp.Cancel(ctx, node, taskID); err != nil {
				log.Debugf("cancelling task %s on %s failed: %v", taskID, node.Name, err)
			}
		}()
	}
}

// --------------------------------------------------------------------------
// Request handlers (called by the rpc server)
// --------------------------------------------------------------------------

// HandleDispatch runs the chunk range of req on this node and returns its reduced result.
func (e *Engine) HandleDispatch(ctx context.Context, req *DispatchRequest) (Result, error) {
	if req.Func == nil || req.Lo < 0 || req.Hi <= req.Lo {
		return nil, &errs.InvalidOperationError{Msg: fmt.Sprintf("invalid dispatch of task %s [%d, %d)", req.TaskID, req.Lo, req.Hi)}
	}
	v := e.members.View()
	if v == nil {
		return nil, &errs.MembershipNotConvergedError{Reason: "no view installed"}
	}
	if v.Version != req.ViewVersion {
		log.Warningf("task %s from %s was planned with view %d, local view is %d", req.TaskID, req.From, req.ViewVersion, v.Version)
	}
	r, err := e.newRun(ctx, req.TaskID, req.Func, req.Inputs, req.Outputs, v, true)
	if err != nil {
		return nil, err
	}
	defer e.release(req.TaskID)
	if int(req.Hi) > r.layout.NChunks() {
		return nil, &errs.InvalidOperationError{Msg: fmt.Sprintf("task %s: range [%d, %d) outside of %d chunks", req.TaskID, req.Lo, req.Hi, r.layout.NChunks())}
	}
	return e.runRange(ctx, r, int(req.Lo), int(req.Hi))
}

// HandleCancel cancels the local runs of a task.
func (e *Engine) HandleCancel(taskID string) {
	e.Cancel(taskID)
}

// --------------------------------------------------------------------------
// Runs
// --------------------------------------------------------------------------

// run is the execution of a chunk range of a task on this node.
type run struct {
	id          string
	ctx         context.Context
	state       *taskState
	fn          Func
	inputs      []store.Key
	vecs        []*fvec.Vec
	outputs     []OutputSpec
	layout      fvec.RowLayout
	view        *cluster.View
	replication int
	self        cluster.NodeInfo
	// local runs never dispatch; they execute ranges sent by another node or ranges this node
	// holds replicas of.
	local bool
}

func (e *Engine) newRun(ctx context.Context, id string, fn Func, inputs []store.Key, outputs []OutputSpec, v *cluster.View, local bool) (*run, error) {
	ts, _ := e.tasks.Compute(id, func(old *taskState, loaded bool) (*taskState, bool) {
		if !loaded {
			tctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			old = &taskState{ctx: tctx, cancel: cancel, nodes: map[string]cluster.NodeInfo{}}
		}
		old.refs++
		return old, false
	})

	r := &run{id: id, ctx: ts.ctx, state: ts, fn: fn, inputs: inputs, outputs: outputs, view: v, self: e.members.Self(), local: local}
	fresh := store.FreshRead(ts.ctx)
	for _, k := range inputs {
		vec, err := fvec.LoadVec(fresh, e.st, k)
		if err != nil {
			e.release(id)
			return nil, err
		}
		r.vecs = append(r.vecs, vec)
	}
	layout, err := fvec.SharedLayout(r.vecs)
	if err != nil {
		e.release(id)
		return nil, err
	}
	r.layout = layout
	r.replication = int(r.vecs[0].Replication)
	for _, vec := range r.vecs[1:] {
		r.replication = min(r.replication, int(vec.Replication))
	}
	return r, nil
}

func (e *Engine) release(id string) {
	e.tasks.Compute(id, func(old *taskState, loaded bool) (*taskState, bool) {
		if !loaded {
			return old, true
		}
		old.refs--
		if old.refs <= 0 {
			old.cancel()
			return old, true
		}
		return old, false
	})
}

// runRange executes [lo, hi) on the pool and waits for the result. Cancelling ctx cancels the
// task.
func (e *Engine) runRange(ctx context.Context, r *run, lo, hi int) (Result, error) {
	if e.load != nil {
		e.load.TaskStarted()
		defer e.load.TaskDone()
	}
	var res Result
	var err error
	job := e.pool.Submit(func(w *Worker) {
		res, err = e.split(w, r, lo, hi)
	})
	select {
	case <-job.Done():
		return res, err
	case <-ctx.Done():
		e.Cancel(r.id)
		// leaves still running may write output chunks
		<-job.Done()
		return nil, &errs.CanceledError{Task: r.id}
	case <-r.ctx.Done():
		// cancelled by a remote cancel; the tree stops at its next boundary
		<-job.Done()
		if err == nil {
			err = &errs.CanceledError{Task: r.id}
		}
		return nil, err
	}
}

// owner returns the home index shared by every chunk in [lo, hi), or -1.
func (r *run) owner(lo, hi int) int {
	n := r.view.Size()
	home := store.ChunkHomeIndex(lo, n)
	for i := lo + 1; i < hi; i++ {
		if store.ChunkHomeIndex(i, n) != home {
			return -1
		}
	}
	return home
}

// split computes [lo, hi). Ranges owned by one remote node are dispatched as a whole, other
// ranges are split at their midpoint. Every node splits the same way, so the reduce tree is
// the same no matter where the leaves run.
func (e *Engine) split(w *Worker, r *run, lo, hi int) (Result, error) {
	if r.ctx.Err() != nil {
		return nil, &errs.CanceledError{Task: r.id}
	}
	if !r.local {
		if home := r.owner(lo, hi); home >= 0 && r.view.Member(home).Name != r.self.Name {
			return e.remote(w, r, home, lo, hi)
		}
	}
	if hi-lo == 1 {
		return e.leaf(r, lo)
	}

	mid := lo + (hi-lo)/2
	var left Result
	var leftErr error
	job := w.Fork(func(w *Worker) {
		left, leftErr = e.split(w, r, lo, mid)
	})
	right, rightErr := e.split(w, r, mid, hi)
	w.Join(job)
	if leftErr != nil {
		return nil, leftErr
	}
	if rightErr != nil {
		return nil, rightErr
	}
	if r.ctx.Err() != nil {
		return nil, &errs.CanceledError{Task: r.id}
	}
	return r.fn.Reduce(left, right), nil
}

// remote runs a range homed on another node there, falling back to the nodes holding replicas
// of the range's chunks. A replica on this node runs locally.
func (e *Engine) remote(w *Worker, r *run, home, lo, hi int) (Result, error) {
	n := r.view.Size()
	copies := min(max(r.replication, 1), n)
	homeNode := r.view.Member(home)
	for k := 0; k < copies; k++ {
		node := r.view.Member(store.ReplicaIndex(home, k, n))
		if node.Name == r.self.Name {
			sub := *r
			sub.local = true
			return e.split(w, &sub, lo, hi)
		}
		res, err := e.dispatch(w, r, node, lo, hi)
		if err == nil {
			return res, nil
		}
		var unavailable *errs.NodeUnavailableError
		if !errors.As(err, &unavailable) {
			return nil, err
		}
		metrics.GetOrCreateCounter(`dframe_task_dispatch_failures_total`).Inc()
		log.Warningf("task %s: chunks [%d, %d) unavailable on %s: %v", r.id, lo, hi, node.Name, err)
	}
	return nil, &errs.PartitionUnavailableError{Lo: lo, Hi: hi, Node: homeNode.Name}
}

// dispatch sends [lo, hi) to node and joins the reply without blocking the worker.
func (e *Engine) dispatch(w *Worker, r *run, node cluster.NodeInfo, lo, hi int) (Result, error) {
	r.state.mu.Lock()
	r.state.nodes[node.Name] = node
	r.state.mu.Unlock()

	req := &DispatchRequest{
		TaskID:      r.id,
		From:        r.self.Name,
		ViewVersion: r.view.Version,
		Lo:          int32(lo),
		Hi:          int32(hi),
		Func:        r.fn,
		Inputs:      r.inputs,
		Outputs:     r.outputs,
	}
	var res Result
	var err error
	promise := e.pool.Promise()
	go func() {
		defer promise.Complete()
		res, err = e.disp.Dispatch(r.ctx, node, req)
	}()
	metrics.GetOrCreateCounter(`dframe_task_dispatched_total`).Inc()
	w.Join(promise)
	if err != nil && r.ctx.Err() != nil {
		return nil, &errs.CanceledError{Task: r.id}
	}
	return res, err
}

// leaf runs Map on chunk i.
func (e *Engine) leaf(r *run, i int) (Result, error) {
	cs := &Chunks{
		Index: i,
		Start: r.layout.ChunkStart(i),
		Len:   r.layout.ChunkLen(i),
		Vecs:  r.vecs,
		st:    e.st,
		node:  r.self.Name,
	}
	for _, v := range r.vecs {
		c, err := v.Chunk(r.ctx, i)
		if err != nil {
			return nil, &errs.TaskError{Chunk: i, Node: r.self.Name, Cause: err}
		}
		cs.Cols = append(cs.Cols, c)
	}
	builders := make([]*fvec.VecBuilder, len(r.outputs))
	for j, spec := range r.outputs {
		builders[j] = spec.builder(e.st, r.replication)
		cs.outs = append(cs.outs, builders[j].NewChunk(i))
	}

	res, err := r.fn.Map(r.ctx, cs)
	if e.load != nil {
		e.load.MarkMap(1)
	}
	if err != nil {
		return nil, &errs.TaskError{Chunk: i, Node: r.self.Name, Cause: err}
	}
	for j, b := range builders {
		nc := cs.outs[j]
		if nc.Len() != cs.Len {
			return nil, &errs.TaskError{Chunk: i, Node: r.self.Name,
				Cause: fmt.Errorf("output %s has %d rows, input has %d", r.outputs[j].Key, nc.Len(), cs.Len)}
		}
		if b.Domain() != nil && b.Domain().Len() != len(r.outputs[j].Domain) {
			return nil, &errs.TaskError{Chunk: i, Node: r.self.Name,
				Cause: fmt.Errorf("output %s: map added categorical levels", r.outputs[j].Key)}
		}
		if err := b.Close(r.ctx, nc); err != nil {
			return nil, &errs.TaskError{Chunk: i, Node: r.self.Name, Cause: err}
		}
		if err := b.Flush(r.ctx); err != nil {
			return nil, &errs.TaskError{Chunk: i, Node: r.self.Name, Cause: err}
		}
	}
	return res, nil
}
