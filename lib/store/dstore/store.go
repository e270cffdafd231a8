package dstore

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dFrame/lib/cluster"
	"github.com/ValentinKolb/dFrame/lib/db"
	"github.com/ValentinKolb/dFrame/lib/errs"
	"github.com/ValentinKolb/dFrame/lib/store"
	"github.com/VictoriaMetrics/metrics"
	lru "github.com/hashicorp/golang-lru"
	"github.com/jpillora/backoff"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	retries = 5
	log     = logger.GetLogger("dkv")
)

// Membership is the view of the cluster the store routes keys with.
// It is implemented by cluster.Membership.
type Membership interface {
	Self() cluster.NodeInfo
	// View returns the last locked-in view (nil before the first one).
	View() *cluster.View
	// OnViewChange registers fn to be called after a new view was installed.
	OnViewChange(fn func(prev, next *cluster.View))
}

// Remote sends DKV requests to other nodes.
// Errors caused by an unreachable node must be *errs.NodeUnavailableError.
type Remote interface {
	// Fetch reads a key from its home. The home records the caller as a cacher of the key.
	Fetch(ctx context.Context, node cluster.NodeInfo, key store.Key) (value store.Value, loaded bool, err error)
	// Apply sends a write command to node.
	Apply(ctx context.Context, node cluster.NodeInfo, cmd *Command) (Result, error)
}

// Config configures the distributed store.
type Config struct {
	Replication int           // default number of copies of a value (1 = home only)
	CacheSize   int           // max number of cached remote values
	Timeout     time.Duration // timeout of background requests (replication, invalidation, handoff)
	Retries     int           // attempts per request to an unreachable home
}

func (c Config) withDefaults() Config {
	if c.Replication <= 0 {
		c.Replication = 1
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 4096
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Retries <= 0 {
		c.Retries = retries
	}
	return c
}

// Store is the distributed home-routed store.
//
// Every key has exactly one home in the current view. The home holds the authoritative value,
// serializes all writes to it and pushes copies to replica holders. Other nodes fetch values on
// demand and keep them in a bounded cache until the home invalidates them.
type Store struct {
	members Membership
	remote  Remote
	db      db.KVDB
	cfg     Config
	clock   store.Clock

	cache *lru.Cache // key string -> store.Value

	// cachers records, per key homed here, the nodes that may hold a cached copy
	cachers *xsync.MapOf[string, *xsync.MapOf[string, struct{}]]
	// replication remembers the replication factor of keys homed here (only if > 1)
	replication *xsync.MapOf[string, int]
	// fetches tracks running remote fetches so invalidations can stop them from caching
	fetches *xsync.MapOf[string, *fetch]

	rehomeMu sync.Mutex
	closed   atomic.Bool
}

type fetch struct {
	mu          sync.Mutex
	invalidated bool
	done        chan struct{}
	value       store.Value
	loaded      bool
	err         error
}

// NewDistributedStore creates a store that routes every key to its home in the views published
// by members. The store re-homes its authoritative keys whenever a new view is installed.
func NewDistributedStore(members Membership, remote Remote, factory store.DBFactory, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	cache, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create value cache: %w", err)
	}
	s := &Store{
		members:     members,
		remote:      remote,
		db:          factory(),
		cfg:         cfg,
		cache:       cache,
		cachers:     xsync.NewMapOf[string, *xsync.MapOf[string, struct{}]](),
		replication: xsync.NewMapOf[string, int](),
		fetches:     xsync.NewMapOf[string, *fetch](),
	}
	members.OnViewChange(s.rehome)
	return s, nil
}

// --------------------------------------------------------------------------
// Routing
// --------------------------------------------------------------------------

func (s *Store) self() string { return s.members.Self().Name }

// view returns the locked view, or an error if this node is not part of one.
func (s *Store) view() (*cluster.View, error) {
	v := s.members.View()
	if v == nil || !v.Contains(s.self()) {
		var version uint64
		if v != nil {
			version = v.Version
		}
		return nil, &errs.MembershipNotConvergedError{Version: version, Reason: "local node is not part of a locked view"}
	}
	return v, nil
}

// route returns the home of key and whether it is the local node.
func (s *Store) route(key store.Key) (cluster.NodeInfo, bool, error) {
	v, err := s.view()
	if err != nil {
		return cluster.NodeInfo{}, false, err
	}
	home, _ := store.Home(key, v)
	return home, home.Name == s.self(), nil
}

// call sends cmd to the home of its key. Unreachable homes are retried with backoff; the home is
// resolved again on every attempt so a view change during the retries is picked up.
func (s *Store) call(ctx context.Context, cmd *Command) (Result, error) {
	b := &backoff.Backoff{Min: 20 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: true}
	var lastErr error
	for i := 0; i < s.cfg.Retries; i++ {
		home, local, err := s.route(cmd.Key)
		if err != nil {
			return Result{}, err
		}
		if local {
			return s.Apply(cmd)
		}
		res, err := s.remote.Apply(ctx, home, cmd)
		if err == nil {
			s.clock.Observe(res.Stamp)
			return res, nil
		}
		if errs.CodeOf(err) != errs.CodeNodeUnavailable {
			return Result{}, err
		}
		lastErr = &errs.NodeUnavailableError{Node: home.Name, Cause: err}
		log.Infof("%s %s: home %s unavailable, retrying (%d/%d)...", cmd.Type, cmd.Key, home.Name, i+1, s.cfg.Retries)
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	return Result{}, lastErr
}

// fetchRemote reads key from home, sharing the request with concurrent readers of the same key.
// The value is cached unless an invalidation arrived while the request was running.
func (s *Store) fetchRemote(ctx context.Context, home cluster.NodeInfo, key store.Key) (store.Value, bool, error) {
	ks := key.String()
	f, running := s.fetches.LoadOrCompute(ks, func() *fetch { return &fetch{done: make(chan struct{})} })
	if running {
		select {
		case <-f.done:
			return f.value, f.loaded, f.err
		case <-ctx.Done():
			return store.Value{}, false, ctx.Err()
		}
	}

	b := &backoff.Backoff{Min: 20 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: true}
	for i := 0; i < s.cfg.Retries; i++ {
		f.value, f.loaded, f.err = s.remote.Fetch(ctx, home, key)
		if errs.CodeOf(f.err) != errs.CodeNodeUnavailable {
			break
		}
		f.err = &errs.NodeUnavailableError{Node: home.Name, Cause: f.err}
		if i+1 < s.cfg.Retries {
			select {
			case <-time.After(b.Duration()):
			case <-ctx.Done():
				i = s.cfg.Retries
			}
		}
	}

	f.mu.Lock()
	if f.err == nil && f.loaded && !f.invalidated {
		s.clock.Observe(f.value.Stamp)
		s.cache.Add(ks, f.value)
	}
	f.mu.Unlock()
	s.fetches.Delete(ks)
	close(f.done)
	return f.value, f.loaded, f.err
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (s *Store) Get(ctx context.Context, key store.Key) (store.Value, bool, error) {
	home, local, err := s.route(key)
	if err != nil {
		return store.Value{}, false, err
	}
	ks := key.String()

	// home or replica holder
	if e, ok := s.db.Get(ks); ok || local {
		metrics.GetOrCreateCounter(`dframe_dkv_get_total{path="local"}`).Inc()
		return store.Value{Payload: e.Value, Stamp: e.Stamp, Flags: e.Flags &^ db.FlagReplica}, ok, nil
	}
	if v, ok := s.cache.Get(ks); ok && !store.IsFreshRead(ctx) {
		metrics.GetOrCreateCounter(`dframe_dkv_get_total{path="cache"}`).Inc()
		return v.(store.Value), true, nil
	}

	metrics.GetOrCreateCounter(`dframe_dkv_get_total{path="remote"}`).Inc()
	start := time.Now()
	defer metrics.GetOrCreateHistogram(`dframe_dkv_fetch_duration_seconds`).UpdateDuration(start)
	return s.fetchRemote(ctx, home, key)
}

func (s *Store) Put(ctx context.Context, key store.Key, payload []byte, opts ...store.PutOption) error {
	return s.PutAsync(ctx, key, payload, opts...).Wait(ctx)
}

func (s *Store) PutAsync(ctx context.Context, key store.Key, payload []byte, opts ...store.PutOption) *store.Future {
	o := store.BuildPutOptions(opts)
	if o.Replication <= 0 {
		o.Replication = s.cfg.Replication
	}
	cmd := &Command{
		Type:        CommandTPut,
		Key:         key,
		Value:       store.Value{Payload: payload, Stamp: s.clock.Next(), Flags: o.Flags &^ (db.FlagReplica | db.FlagTombstone)},
		Replication: int32(o.Replication),
		From:        s.self(),
	}
	metrics.GetOrCreateCounter(`dframe_dkv_put_total`).Inc()

	_, local, err := s.route(key)
	if err != nil {
		return store.CompletedFuture(err)
	}
	f := store.NewFuture()
	if local {
		// installed now, replicas are pushed in the background
		if !s.db.Set(key.String(), cmd.Value.Payload, cmd.Value.Stamp, cmd.Value.Flags) {
			f.Resolve(nil)
			return f
		}
		go func() { f.Resolve(s.afterWrite(context.WithoutCancel(ctx), cmd)) }()
		return f
	}

	// read-your-own-writes: the writer sees its value before the home acknowledged it
	ks := key.String()
	s.cache.Add(ks, cmd.Value)
	go func() {
		res, err := s.call(ctx, cmd)
		if err != nil || !res.Applied {
			// the home kept a newer value, the optimistic copy must not be served
			s.cache.Remove(ks)
		}
		f.Resolve(err)
	}()
	return f
}

func (s *Store) Remove(ctx context.Context, key store.Key) error {
	cmd := &Command{Type: CommandTRemove, Key: key, Value: store.Value{Stamp: s.clock.Next(), Flags: db.FlagTombstone}, From: s.self()}
	metrics.GetOrCreateCounter(`dframe_dkv_remove_total`).Inc()
	s.cache.Remove(key.String())
	_, err := s.call(ctx, cmd)
	return err
}

func (s *Store) CompareAndPut(ctx context.Context, key store.Key, payload []byte, expect uint64) (uint64, bool, error) {
	cmd := &Command{
		Type:        CommandTCompareAndPut,
		Key:         key,
		Value:       store.Value{Payload: payload, Stamp: s.clock.Next()},
		Expect:      expect,
		Replication: int32(s.cfg.Replication),
		From:        s.self(),
	}
	s.cache.Remove(key.String())
	res, err := s.call(ctx, cmd)
	if err != nil {
		return 0, false, err
	}
	return res.Stamp, res.Applied, nil
}

func (s *Store) Has(ctx context.Context, key store.Key) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

func (s *Store) LocalKeys(kind store.Kind) []store.Key {
	return store.ScanKeys(s.db, kind)
}

func (s *Store) GetDBInfo() (db.DatabaseInfo, error) {
	return s.db.GetInfo(), nil
}

// --------------------------------------------------------------------------
// Snapshot and lifecycle
// --------------------------------------------------------------------------

// SaveLocal writes the local engine (authoritative values and replicas) to w.
func (s *Store) SaveLocal(w io.Writer) error {
	if !s.db.SupportsFeature(db.FeatureSave) {
		return store.NewError(store.RetCUnsupportedOperation, "Save operation is not supported")
	}
	return s.db.Save(w)
}

// LoadLocal replaces the local engine state with a snapshot written by SaveLocal.
func (s *Store) LoadLocal(r io.Reader) error {
	if !s.db.SupportsFeature(db.FeatureLoad) {
		return store.NewError(store.RetCUnsupportedOperation, "Load operation is not supported")
	}
	if err := s.db.Load(r); err != nil {
		return err
	}
	s.clock.Observe(s.db.WriteIdx())
	s.cache.Purge()
	return nil
}

// Close releases the local engine.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cache.Purge()
	return s.db.Close()
}
