package dstore

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/dFrame/lib/cluster"
	"github.com/ValentinKolb/dFrame/lib/db"
	"github.com/ValentinKolb/dFrame/lib/errs"
	"github.com/ValentinKolb/dFrame/lib/store"
	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

// --------------------------------------------------------------------------
// Request handlers (called by the rpc server for requests of other nodes)
// --------------------------------------------------------------------------

// HandleFetch returns the locally stored value of key and records from as a cacher.
func (s *Store) HandleFetch(from string, key store.Key) (store.Value, bool) {
	ks := key.String()
	e, ok := s.db.Get(ks)
	if !ok {
		return store.Value{}, false
	}
	if from != "" && from != s.self() {
		s.addCacher(ks, from)
	}
	return store.Value{Payload: e.Value, Stamp: e.Stamp, Flags: e.Flags &^ db.FlagReplica}, true
}

// Apply executes a write command on this node.
func (s *Store) Apply(cmd *Command) (Result, error) {
	feat, err := cmd.Type.ToDBFeature()
	if err != nil {
		return Result{}, &errs.InvalidOperationError{Msg: err.Error()}
	}
	if !s.db.SupportsFeature(feat) {
		return Result{}, &errs.InvalidOperationError{Msg: fmt.Sprintf("%s operation is not supported", cmd.Type)}
	}
	s.clock.Observe(cmd.Value.Stamp)

	start := time.Now()
	defer func() {
		if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
			log.Infof("%s %s took long: %.2fms", cmd.Type, cmd.Key, float64(elapsed)/float64(time.Millisecond))
		}
	}()

	ks := cmd.Key.String()
	switch cmd.Type {
	case CommandTPut, CommandTHandoff:
		flags := cmd.Value.Flags &^ (db.FlagReplica | db.FlagTombstone)
		// a remote writer caches its own value, so it is a cacher even if the write loses
		if cmd.From != "" && cmd.From != s.self() && cmd.Type == CommandTPut {
			s.addCacher(ks, cmd.From)
		}
		if !s.db.Set(ks, cmd.Value.Payload, cmd.Value.Stamp, flags) {
			return s.current(ks, false), nil
		}
		return Result{Applied: true, Stamp: cmd.Value.Stamp}, s.afterWrite(context.Background(), cmd)

	case CommandTRemove:
		if !s.db.Delete(ks, cmd.Value.Stamp) {
			return s.current(ks, false), nil
		}
		return Result{Applied: true, Stamp: cmd.Value.Stamp}, s.afterWrite(context.Background(), cmd)

	case CommandTCompareAndPut:
		if !s.db.CompareAndSet(ks, cmd.Value.Payload, cmd.Value.Stamp, 0, cmd.Expect) {
			return s.current(ks, false), nil
		}
		return Result{Applied: true, Stamp: cmd.Value.Stamp}, s.afterWrite(context.Background(), cmd)

	case CommandTInvalidate:
		s.invalidateLocal(ks)
		return Result{Applied: true}, nil

	case CommandTReplicate:
		if cmd.Value.Flags.Has(db.FlagTombstone) {
			s.replication.Delete(ks)
			return Result{Applied: s.db.Delete(ks, cmd.Value.Stamp), Stamp: cmd.Value.Stamp}, nil
		}
		s.replication.Store(ks, int(cmd.Replication))
		flags := (cmd.Value.Flags | db.FlagReplica) &^ db.FlagTombstone
		return Result{Applied: s.db.Set(ks, cmd.Value.Payload, cmd.Value.Stamp, flags), Stamp: cmd.Value.Stamp}, nil

	default:
		return Result{}, &errs.InvalidOperationError{Msg: fmt.Sprintf("unknown command %s", cmd.Type)}
	}
}

func (s *Store) current(ks string, applied bool) Result {
	e, _ := s.db.Get(ks)
	return Result{Applied: applied, Stamp: e.Stamp}
}

// --------------------------------------------------------------------------
// Home side effects of a write
// --------------------------------------------------------------------------

// afterWrite runs after a write was applied at the home: cached copies on other nodes are
// invalidated in the background and replicas are updated before it returns.
// Replication failures are logged, not returned; the write itself succeeded.
func (s *Store) afterWrite(ctx context.Context, cmd *Command) error {
	ks := cmd.Key.String()
	s.cache.Remove(ks)

	repl := int(cmd.Replication)
	switch cmd.Type {
	case CommandTPut, CommandTHandoff, CommandTCompareAndPut:
		if repl > 1 {
			s.replication.Store(ks, repl)
		} else {
			s.replication.Delete(ks)
		}
	case CommandTRemove:
		if r, ok := s.replication.LoadAndDelete(ks); ok {
			repl = r
		}
	}

	v := s.members.View()
	s.invalidateCachers(v, ks, cmd)

	if repl <= 1 {
		return nil
	}
	replicas := store.Replicas(cmd.Key, v, repl)
	if len(replicas) == 0 {
		return nil
	}
	value := cmd.Value
	if cmd.Type == CommandTRemove {
		value = store.Value{Stamp: cmd.Value.Stamp, Flags: db.FlagTombstone}
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	for _, node := range replicas {
		if node.Name == s.self() {
			continue
		}
		g.Go(func() error {
			rc := &Command{Type: CommandTReplicate, Key: cmd.Key, Value: value, Replication: int32(repl), From: s.self()}
			_, err := s.remote.Apply(gctx, node, rc)
			if err != nil {
				metrics.GetOrCreateCounter(`dframe_dkv_replication_errors_total`).Inc()
				log.Warningf("replicating %s to %s failed: %v", cmd.Key, node.Name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Store) addCacher(ks, node string) {
	set, _ := s.cachers.LoadOrCompute(ks, func() *xsync.MapOf[string, struct{}] {
		return xsync.NewMapOf[string, struct{}]()
	})
	set.Store(node, struct{}{})
}

// invalidateCachers tells every node caching ks (except the writer) to drop its copy.
func (s *Store) invalidateCachers(v *cluster.View, ks string, cmd *Command) {
	set, ok := s.cachers.Load(ks)
	if !ok {
		return
	}
	set.Range(func(name string, _ struct{}) bool {
		if name == cmd.From {
			return true
		}
		set.Delete(name)
		i := v.IndexOf(name)
		if i < 0 {
			return true
		}
		node := v.Member(i)
		metrics.GetOrCreateCounter(`dframe_dkv_invalidations_total`).Inc()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
			defer cancel()
			inv := &Command{Type: CommandTInvalidate, Key: cmd.Key, Value: store.Value{Stamp: cmd.Value.Stamp}, From: s.self()}
			if _, err := s.remote.Apply(ctx, node, inv); err != nil {
				log.Debugf("invalidating %s on %s failed: %v", ks, node.Name, err)
			}
		}()
		return true
	})
}

// invalidateLocal drops the cached copy of ks and prevents a running fetch from caching it.
func (s *Store) invalidateLocal(ks string) {
	if f, ok := s.fetches.Load(ks); ok {
		f.mu.Lock()
		f.invalidated = true
		f.mu.Unlock()
	}
	s.cache.Remove(ks)
}

// --------------------------------------------------------------------------
// Re-homing
// --------------------------------------------------------------------------

type handoff struct {
	key   store.Key
	entry db.Entry
	home  cluster.NodeInfo
}

// holdsReplica reports whether node keeps a replica of k in view v.
func holdsReplica(k store.Key, v *cluster.View, replication int, node string) bool {
	for _, r := range store.Replicas(k, v, replication) {
		if r.Name == node {
			return true
		}
	}
	return false
}

// rehome moves authoritative keys whose home changed with the new view to the new home. The old
// home keeps a key as replica if it is one of the key's replica holders in the new view.
// Replicas homed here in the new view become authoritative, replicas this node no longer has to
// hold are dropped. Cached copies are dropped because their homes may have moved.
func (s *Store) rehome(prev, next *cluster.View) {
	s.rehomeMu.Lock()
	defer s.rehomeMu.Unlock()

	self := s.self()
	if next == nil || !next.Contains(self) || s.closed.Load() {
		return
	}
	s.cache.Purge()
	s.cachers.Clear()

	var moves []handoff
	var promote, drop []handoff
	s.db.Range(func(ks string, e db.Entry) bool {
		k, err := store.ParseKey(ks)
		if err != nil {
			return true
		}
		home, _ := store.Home(k, next)
		replica := e.Flags.Has(db.FlagReplica)
		switch {
		case home.Name == self && replica:
			promote = append(promote, handoff{key: k, entry: e})
		case home.Name != self && !replica:
			moves = append(moves, handoff{key: k, entry: e, home: home})
		case home.Name != self && replica:
			repl, _ := s.replication.Load(ks)
			if !holdsReplica(k, next, repl, self) {
				drop = append(drop, handoff{key: k, entry: e})
			}
		}
		return true
	})
	for _, p := range promote {
		s.db.Set(p.key.String(), p.entry.Value, p.entry.Stamp, p.entry.Flags&^db.FlagReplica)
	}
	for _, d := range drop {
		s.db.Delete(d.key.String(), d.entry.Stamp)
		s.replication.Delete(d.key.String())
	}
	promoted, dropped := len(promote), len(drop)
	if len(moves) == 0 && promoted == 0 && dropped == 0 {
		return
	}
	var prevVersion uint64
	if prev != nil {
		prevVersion = prev.Version
	}
	log.Infof("view %d -> %d: handing off %d keys, promoted %d replicas, dropped %d replicas",
		prevVersion, next.Version, len(moves), promoted, dropped)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for _, m := range moves {
		g.Go(func() error {
			ks := m.key.String()
			repl, _ := s.replication.Load(ks)
			cmd := &Command{
				Type:        CommandTHandoff,
				Key:         m.key,
				Value:       store.Value{Payload: m.entry.Value, Stamp: m.entry.Stamp, Flags: m.entry.Flags},
				Replication: int32(repl),
				From:        self,
			}
			if _, err := s.remote.Apply(gctx, m.home, cmd); err != nil {
				log.Warningf("handoff of %s to %s failed: %v", m.key, m.home.Name, err)
				return nil
			}
			if holdsReplica(m.key, next, repl, self) {
				s.db.Set(ks, m.entry.Value, m.entry.Stamp, m.entry.Flags|db.FlagReplica)
			} else {
				s.db.Delete(ks, m.entry.Stamp)
				s.replication.Delete(ks)
			}
			return nil
		})
	}
	_ = g.Wait()
	metrics.GetOrCreateCounter(`dframe_dkv_handoffs_total`).Add(len(moves))
}
