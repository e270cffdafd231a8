package scope

import (
	"context"
	"errors"
	"testing"

	"github.com/ValentinKolb/dFrame/lib/db"
	"github.com/ValentinKolb/dFrame/lib/db/engines/maple"
	"github.com/ValentinKolb/dFrame/lib/errs"
	"github.com/ValentinKolb/dFrame/lib/fvec"
	"github.com/ValentinKolb/dFrame/lib/store"
	"github.com/ValentinKolb/dFrame/lib/store/lstore"
	"github.com/stretchr/testify/require"
)

func newStore() store.IStore {
	return lstore.NewLocalStore(func() db.KVDB { return maple.NewMapleDB(nil) })
}

func makeVec(t *testing.T, st store.IStore, name string) *fvec.Vec {
	t.Helper()
	v, err := fvec.MakeVec(context.Background(), st, store.VecKey(name), fvec.TypeInteger, fvec.UniformLayout(100, 3),
		func(nc *fvec.NewChunk, row int64) { nc.AddInt(row) })
	require.NoError(t, err)
	return v
}

func requireExists(t *testing.T, st store.IStore, k store.Key, exists bool) {
	t.Helper()
	ok, err := st.Has(context.Background(), k)
	require.NoError(t, err)
	require.Equal(t, exists, ok, "%s", k)
}

func TestExitRemovesTrackedKeys(t *testing.T) {
	st := newStore()
	ctx, s := Enter(context.Background(), st)

	tmp := makeVec(t, st, "tmp")
	a, b := makeVec(t, st, "f/a"), makeVec(t, st, "f/b")
	f, err := fvec.NewFrame(st, store.FrameKey("f"), []string{"a", "b"}, []*fvec.Vec{a, b})
	require.NoError(t, err)
	require.NoError(t, f.Publish(ctx))
	data := store.DataKey("scratch")
	require.NoError(t, st.Put(ctx, data, []byte("x")))

	Track(ctx, tmp.Key, data, tmp.Key)
	TrackCascade(ctx, f.Key)
	Promote(ctx, b.Key)
	require.Len(t, s.Tracked(), 3)

	require.NoError(t, s.Exit(context.Background()))
	for _, k := range []store.Key{tmp.Key, tmp.ChunkKey(0), tmp.ChunkKey(2), a.Key, a.ChunkKey(1), f.Key, data} {
		requireExists(t, st, k, false)
	}
	requireExists(t, st, b.Key, true)
	requireExists(t, st, b.ChunkKey(0), true)
}

func TestFrameExitKeepsSharedVecs(t *testing.T) {
	st := newStore()
	ctx := context.Background()

	shared := makeVec(t, st, "perm/a")
	perm, err := fvec.NewFrame(st, store.FrameKey("perm"), []string{"a"}, []*fvec.Vec{shared})
	require.NoError(t, err)
	require.NoError(t, perm.Publish(ctx))

	var view store.Key
	require.NoError(t, Run(ctx, st, func(ctx context.Context) error {
		own := makeVec(t, st, "view/b")
		f, err := fvec.NewFrame(st, store.FrameKey("view"), []string{"a", "b"}, []*fvec.Vec{shared, own})
		if err != nil {
			return err
		}
		view = f.Key
		Track(ctx, f.Key, own.Key)
		return f.Publish(ctx)
	}))

	requireExists(t, st, view, false)
	requireExists(t, st, store.VecKey("view/b"), false)
	requireExists(t, st, perm.Key, true)
	requireExists(t, st, shared.Key, true)
	requireExists(t, st, shared.ChunkKey(1), true)

	loaded, err := fvec.LoadFrame(ctx, st, perm.Key)
	require.NoError(t, err)
	require.Equal(t, []store.Key{shared.Key}, loaded.Vecs)
}

func TestNestedScopes(t *testing.T) {
	st := newStore()
	outerCtx, outer := Enter(context.Background(), st)
	x := makeVec(t, st, "x")
	Track(outerCtx, x.Key)

	innerCtx, inner := Enter(outerCtx, st)
	require.Same(t, inner, Current(innerCtx))
	y := makeVec(t, st, "y")
	Track(innerCtx, y.Key)

	// exiting the outer scope first is a violation, but still cleans up
	err := outer.Exit(outerCtx)
	var inv *errs.InvalidOperationError
	require.ErrorAs(t, err, &inv)
	requireExists(t, st, x.Key, false)

	require.NoError(t, inner.Exit(innerCtx))
	requireExists(t, st, y.Key, false)
	require.ErrorAs(t, inner.Exit(innerCtx), &inv)
}

func TestRunExitsOnEveryPath(t *testing.T) {
	st := newStore()
	boom := errors.New("boom")

	var key store.Key
	err := Run(context.Background(), st, func(ctx context.Context) error {
		v := makeVec(t, st, "err")
		key = v.Key
		Track(ctx, v.Key)
		return boom
	})
	require.ErrorIs(t, err, boom)
	requireExists(t, st, key, false)

	require.Panics(t, func() {
		_ = Run(context.Background(), st, func(ctx context.Context) error {
			v := makeVec(t, st, "panic")
			key = v.Key
			Track(ctx, v.Key)
			panic("map failed")
		})
	})
	requireExists(t, st, key, false)

	var kept store.Key
	require.NoError(t, Run(context.Background(), st, func(ctx context.Context) error {
		v := makeVec(t, st, "kept")
		kept = v.Key
		Track(ctx, v.Key)
		Promote(ctx, v.Key)
		return nil
	}))
	requireExists(t, st, kept, true)
}

func TestTrackWithoutScope(t *testing.T) {
	ctx := context.Background()
	require.Nil(t, Current(ctx))
	Track(ctx, store.VecKey("v"))
	Promote(ctx, store.VecKey("v"))
}

func TestExitIgnoresMissingKeys(t *testing.T) {
	st := newStore()
	ctx, s := Enter(context.Background(), st)
	Track(ctx, store.VecKey("never-published"), store.FrameKey("never-published"))
	require.NoError(t, s.Exit(ctx))
}
