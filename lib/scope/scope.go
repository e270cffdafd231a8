package scope

import (
	"context"
	"fmt"
	"sync"

	"github.com/ValentinKolb/dFrame/lib/errs"
	"github.com/ValentinKolb/dFrame/lib/fvec"
	"github.com/ValentinKolb/dFrame/lib/store"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

var log = logger.GetLogger("scope")

type scopeKey struct{}

// Scope tracks the temporary keys created while it is open. Exit removes every tracked key
// that was not promoted.
type Scope struct {
	st     store.IStore
	parent *Scope

	mu       sync.Mutex
	keys     []store.Key // in tracking order
	tracked  map[store.Key]struct{}
	cascade  map[store.Key]struct{} // frames whose columns go with them
	promoted map[store.Key]struct{}
	children int
	exited   bool
}

// Enter opens a new scope nested in the scope of ctx (if any) and returns the context carrying
// it. Keys tracked with the returned context belong to the new scope.
func Enter(ctx context.Context, st store.IStore) (context.Context, *Scope) {
	s := &Scope{
		st:       st,
		parent:   Current(ctx),
		tracked:  map[store.Key]struct{}{},
		cascade:  map[store.Key]struct{}{},
		promoted: map[store.Key]struct{}{},
	}
	if s.parent != nil {
		s.parent.mu.Lock()
		s.parent.children++
		s.parent.mu.Unlock()
	}
	return context.WithValue(ctx, scopeKey{}, s), s
}

// Current returns the innermost open scope of ctx, or nil.
func Current(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}

// Track adds keys to the innermost scope of ctx. Without a scope it does nothing.
func Track(ctx context.Context, keys ...store.Key) {
	if s := Current(ctx); s != nil {
		s.Track(keys...)
	}
}

// TrackCascade adds frames to the innermost scope of ctx. On exit their columns are removed
// along with them, except promoted ones.
func TrackCascade(ctx context.Context, frames ...store.Key) {
	if s := Current(ctx); s != nil {
		s.TrackCascade(frames...)
	}
}

// Promote keeps keys alive when the innermost scope of ctx exits.
func Promote(ctx context.Context, keys ...store.Key) {
	if s := Current(ctx); s != nil {
		s.Promote(keys...)
	}
}

// Track adds keys to the scope.
func (s *Scope) Track(keys ...store.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exited {
		log.Warningf("tracking %d keys in an exited scope", len(keys))
	}
	for _, k := range keys {
		if _, ok := s.tracked[k]; ok {
			continue
		}
		s.tracked[k] = struct{}{}
		s.keys = append(s.keys, k)
	}
}

// TrackCascade adds frames to the scope and removes their columns with them on Exit. Keys
// that are not frames are tracked like with Track.
func (s *Scope) TrackCascade(frames ...store.Key) {
	s.Track(frames...)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range frames {
		if k.Kind == store.KindFrame {
			s.cascade[k] = struct{}{}
		}
	}
}

// Promote excludes keys from the removal on Exit.
func (s *Scope) Promote(keys ...store.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.promoted[k] = struct{}{}
	}
}

// Tracked returns the keys Exit would remove.
func (s *Scope) Tracked() []store.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Key
	for _, k := range s.keys {
		if _, ok := s.promoted[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}

// Exit removes every tracked key that was not promoted. The keys are removed even when Exit
// returns an error. Exiting a scope twice or a scope with open nested scopes is an
// *errs.InvalidOperationError.
func (s *Scope) Exit(ctx context.Context) error {
	s.mu.Lock()
	if s.exited {
		s.mu.Unlock()
		return &errs.InvalidOperationError{Msg: "scope exited twice"}
	}
	s.exited = true
	children := s.children
	s.mu.Unlock()

	var result error
	if children > 0 {
		result = &errs.InvalidOperationError{Msg: fmt.Sprintf("scope exited with %d open nested scopes", children)}
	}
	if s.parent != nil {
		s.parent.mu.Lock()
		s.parent.children--
		s.parent.mu.Unlock()
	}

	keys := s.Tracked()
	promoted, cascade := s.snapshot()
	// frames first: a cascaded frame removes its columns unless they were promoted
	for _, k := range keys {
		if k.Kind != store.KindFrame {
			continue
		}
		if _, ok := cascade[k]; ok {
			result = multierr.Append(result, s.removeFrame(ctx, k, promoted))
		} else {
			result = multierr.Append(result, s.remove(ctx, k))
		}
	}
	for _, k := range keys {
		if k.Kind != store.KindFrame {
			result = multierr.Append(result, s.remove(ctx, k))
		}
	}
	metrics.GetOrCreateCounter(`dframe_scope_removed_keys_total`).Add(len(keys))
	if result != nil {
		log.Warningf("scope exit: %v", result)
	}
	return result
}

func (s *Scope) snapshot() (promoted, cascade map[store.Key]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	promoted = make(map[store.Key]struct{}, len(s.promoted))
	for k := range s.promoted {
		promoted[k] = struct{}{}
	}
	cascade = make(map[store.Key]struct{}, len(s.cascade))
	for k := range s.cascade {
		cascade[k] = struct{}{}
	}
	return promoted, cascade
}

func (s *Scope) removeFrame(ctx context.Context, k store.Key, promoted map[store.Key]struct{}) error {
	f, err := fvec.LoadFrame(ctx, s.st, k)
	if errors.Is(err, fvec.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var result error
	for _, vk := range f.Vecs {
		if _, ok := promoted[vk]; ok {
			continue
		}
		result = multierr.Append(result, s.remove(ctx, vk))
	}
	return multierr.Append(result, s.st.Remove(ctx, k))
}

// remove deletes one key; a Vec key takes its chunks along.
func (s *Scope) remove(ctx context.Context, k store.Key) error {
	if k.Kind != store.KindVec {
		return errors.Wrapf(s.st.Remove(ctx, k), "removing %s", k)
	}
	v, err := fvec.LoadVec(ctx, s.st, k)
	if errors.Is(err, fvec.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return errors.Wrapf(v.Remove(ctx), "removing %s", k)
}

// Run calls fn in a new scope and exits the scope on every return path of fn, also when fn
// panics. Errors of fn and of the exit are combined.
func Run(ctx context.Context, st store.IStore, fn func(ctx context.Context) error) (err error) {
	ctx, s := Enter(ctx, st)
	defer func() {
		err = multierr.Append(err, s.Exit(context.WithoutCancel(ctx)))
	}()
	return fn(ctx)
}
