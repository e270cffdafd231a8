package fvec

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/ValentinKolb/dFrame/lib/codec"
	"github.com/ValentinKolb/dFrame/lib/db"
	"github.com/ValentinKolb/dFrame/lib/db/engines/maple"
	"github.com/ValentinKolb/dFrame/lib/errs"
	"github.com/ValentinKolb/dFrame/lib/store"
	"github.com/ValentinKolb/dFrame/lib/store/lstore"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func newStore() store.IStore {
	return lstore.NewLocalStore(func() db.KVDB { return maple.NewMapleDB(nil) })
}

// --------------------------------------------------------------------------
// Row layout
// --------------------------------------------------------------------------

func TestLayoutCoverage(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for round := 0; round < 50; round++ {
		lengths := make([]int, 1+rng.Intn(12))
		for i := range lengths {
			if rng.Intn(4) > 0 { // some chunks stay empty
				lengths[i] = rng.Intn(50)
			}
		}
		l := NewRowLayout(lengths)
		require.NoError(t, l.Validate())
		require.Equal(t, len(lengths), l.NChunks())

		// every row maps to exactly the chunk whose range holds it
		covered := int64(0)
		for i := 0; i < l.NChunks(); i++ {
			require.Equal(t, covered, l.ChunkStart(i))
			covered += int64(l.ChunkLen(i))
		}
		require.Equal(t, l.Len(), covered)
		for row := int64(0); row < l.Len(); row++ {
			c, err := l.ChunkForRow(row)
			require.NoError(t, err)
			require.Positive(t, l.ChunkLen(c))
			require.GreaterOrEqual(t, row, l.ChunkStart(c))
			require.Less(t, row, l.ChunkStart(c)+int64(l.ChunkLen(c)))
		}
		_, err := l.ChunkForRow(l.Len())
		require.Error(t, err)
	}
}

func TestUniformLayout(t *testing.T) {
	l := UniformLayout(10, 4)
	require.Equal(t, []int64{0, 3, 6, 8, 10}, l.Starts)
	c, err := l.ChunkForRow(6)
	require.NoError(t, err)
	require.Equal(t, 2, c)

	bad := RowLayout{Starts: []int64{0, 5, 3}}
	require.Error(t, bad.Validate())
	require.Error(t, RowLayout{Starts: []int64{1, 4}}.Validate())

	data, err := codec.Marshal(&l)
	require.NoError(t, err)
	var back RowLayout
	require.NoError(t, codec.Unmarshal(data, &back))
	require.True(t, l.Equal(back))
}

// --------------------------------------------------------------------------
// Vec
// --------------------------------------------------------------------------

func TestVecBuildAndRead(t *testing.T) {
	ctx := context.Background()
	st := newStore()
	key := store.VecKey("t/x")

	b := NewVecBuilder(st, key, TypeNumeric)
	for i := 2; i >= 0; i-- { // chunks may be closed in any order
		nc := b.NewChunk(i)
		for r := 0; r < 10; r++ {
			row := i*10 + r
			if row == 15 {
				nc.AddNA()
			} else {
				nc.AddNum(float64(row) / 2)
			}
		}
		require.NoError(t, b.Close(ctx, nc))
	}

	// not visible before publishing
	_, err := LoadVec(ctx, st, key)
	require.True(t, errors.Is(err, ErrNotFound))

	_, err = b.Publish(ctx)
	require.NoError(t, err)

	v, err := LoadVec(ctx, st, key)
	require.NoError(t, err)
	require.Equal(t, int64(30), v.Len())
	require.Equal(t, 3, v.NChunks())
	for row := int64(0); row < 30; row++ {
		f, err := v.At(ctx, row)
		require.NoError(t, err)
		na, err := v.IsNA(ctx, row)
		require.NoError(t, err)
		if row == 15 {
			require.True(t, na)
			require.True(t, math.IsNaN(f))
			continue
		}
		require.False(t, na)
		require.Equal(t, float64(row)/2, f)
	}
	_, err = v.At(ctx, 30)
	var inv *errs.InvalidOperationError
	require.ErrorAs(t, err, &inv)
}

func TestVecPublishNeedsEveryChunk(t *testing.T) {
	ctx := context.Background()
	b := NewVecBuilder(newStore(), store.VecKey("gap"), TypeInteger)
	nc := b.NewChunk(1)
	nc.AddInt(1)
	require.NoError(t, b.Close(ctx, nc))
	_, err := b.Publish(ctx)
	var inv *errs.InvalidOperationError
	require.ErrorAs(t, err, &inv)

	again := b.NewChunk(1)
	require.ErrorAs(t, b.Close(ctx, again), &inv)
}

func TestCategoricalVec(t *testing.T) {
	ctx := context.Background()
	st := newStore()
	levels := []string{"red", "green", "red", "blue", "", "green"}
	d := NewDomain()
	v, err := MakeVec(ctx, st, store.VecKey("colors"), TypeCategorical, UniformLayout(int64(len(levels)), 2),
		func(nc *NewChunk, row int64) {
			if levels[row] == "" {
				nc.AddNA()
				return
			}
			nc.AddLevel(d, levels[row])
		}, WithDomain(d))
	require.NoError(t, err)
	require.Equal(t, []string{"red", "green", "blue"}, v.Domain)

	loaded, err := LoadVec(ctx, st, v.Key)
	require.NoError(t, err)
	for row, want := range levels {
		got, err := loaded.AtStr(ctx, int64(row))
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestVecDeepCopyAndRemove(t *testing.T) {
	ctx := context.Background()
	st := newStore()
	v, err := MakeVec(ctx, st, store.VecKey("orig"), TypeString, UniformLayout(9, 3),
		func(nc *NewChunk, row int64) { nc.AddStr(string(rune('a' + row))) })
	require.NoError(t, err)

	cp, err := v.DeepCopy(ctx, store.VecKey("copy"))
	require.NoError(t, err)
	require.NoError(t, v.Remove(ctx))

	_, err = LoadVec(ctx, st, v.Key)
	require.True(t, errors.Is(err, ErrNotFound))
	for i := 0; i < v.NChunks(); i++ {
		ok, err := st.Has(ctx, v.ChunkKey(i))
		require.NoError(t, err)
		require.False(t, ok)
	}

	// the copy does not share chunks with the removed original
	loaded, err := LoadVec(ctx, st, cp.Key)
	require.NoError(t, err)
	s, err := loaded.AtStr(ctx, 8)
	require.NoError(t, err)
	require.Equal(t, "i", s)
	require.Len(t, st.LocalKeys(store.KindChunk), 3)
}

// --------------------------------------------------------------------------
// Frame
// --------------------------------------------------------------------------

func buildFrame(t *testing.T, st store.IStore, name string) *Frame {
	t.Helper()
	ctx := context.Background()
	layout := UniformLayout(100, 4)
	a, err := MakeVec(ctx, st, store.VecKey(name+"/a"), TypeNumeric, layout,
		func(nc *NewChunk, row int64) { nc.AddNum(float64(row)) })
	require.NoError(t, err)
	b, err := MakeVec(ctx, st, store.VecKey(name+"/b"), TypeInteger, layout,
		func(nc *NewChunk, row int64) { nc.AddInt(row * row) })
	require.NoError(t, err)
	f, err := NewFrame(st, store.FrameKey(name), []string{"a", "b"}, []*Vec{a, b})
	require.NoError(t, err)
	require.NoError(t, f.Publish(ctx))
	return f
}

func TestFramePublishLoadRemove(t *testing.T) {
	ctx := context.Background()
	st := newStore()
	buildFrame(t, st, "f")

	f, err := LoadFrame(ctx, st, store.FrameKey("f"))
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, f.Names)
	layout, err := f.Layout(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(100), layout.Len())

	b, err := f.Vec(ctx, "b")
	require.NoError(t, err)
	got, err := b.AtInt(ctx, 99)
	require.NoError(t, err)
	require.Equal(t, int64(99*99), got)
	_, err = f.Vec(ctx, "c")
	require.True(t, errors.Is(err, ErrNotFound))

	cp, err := f.DeepCopy(ctx, store.FrameKey("g"))
	require.NoError(t, err)
	require.Equal(t, store.VecKey("g/a"), cp.Vecs[0])

	require.NoError(t, f.Remove(ctx, true))
	_, err = LoadFrame(ctx, st, f.Key)
	require.True(t, errors.Is(err, ErrNotFound))
	_, err = LoadVec(ctx, st, store.VecKey("f/a"))
	require.True(t, errors.Is(err, ErrNotFound))

	// the copy survives and the non cascading remove keeps the vecs
	require.NoError(t, cp.Remove(ctx, false))
	_, err = LoadVec(ctx, st, store.VecKey("g/b"))
	require.NoError(t, err)
}

func TestFrameRejectsMismatchedLayouts(t *testing.T) {
	ctx := context.Background()
	st := newStore()
	a, err := MakeVec(ctx, st, store.VecKey("a"), TypeNumeric, UniformLayout(10, 2),
		func(nc *NewChunk, row int64) { nc.AddNum(1) })
	require.NoError(t, err)
	b, err := MakeVec(ctx, st, store.VecKey("b"), TypeNumeric, UniformLayout(10, 3),
		func(nc *NewChunk, row int64) { nc.AddNum(1) })
	require.NoError(t, err)

	_, err = NewFrame(st, store.FrameKey("x"), []string{"a", "b"}, []*Vec{a, b})
	var inv *errs.InvalidOperationError
	require.ErrorAs(t, err, &inv)
	_, err = NewFrame(st, store.FrameKey("x"), []string{"a", "a"}, []*Vec{a, a})
	require.ErrorAs(t, err, &inv)
	_, err = NewFrame(st, store.VecKey("x"), []string{"a"}, []*Vec{a})
	require.ErrorAs(t, err, &inv)
}
