package persist

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/ValentinKolb/dFrame/lib/codec"
	"github.com/ValentinKolb/dFrame/lib/db"
	"github.com/ValentinKolb/dFrame/lib/db/engines/maple"
	"github.com/ValentinKolb/dFrame/lib/fvec"
	"github.com/ValentinKolb/dFrame/lib/store"
	"github.com/ValentinKolb/dFrame/lib/store/lstore"
	"github.com/stretchr/testify/require"
)

func newStore() store.IStore {
	return lstore.NewLocalStore(func() db.KVDB { return maple.NewMapleDB(nil) })
}

func put(t *testing.T, b Backend, p, content string) {
	t.Helper()
	w, err := b.Write(context.Background(), p)
	require.NoError(t, err)
	_, err = io.WriteString(w, content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestBackends(t *testing.T) {
	backends := []struct {
		name string
		new  func(t *testing.T) (Backend, string)
	}{
		{"mem", func(t *testing.T) (Backend, string) { return NewMemBackend(), "/snap" }},
		{"file", func(t *testing.T) (Backend, string) { return NewFileBackend(), filepath.ToSlash(t.TempDir()) }},
		{"bolt", func(t *testing.T) (Backend, string) {
			b, err := OpenBoltBackend(filepath.Join(t.TempDir(), "snap.db"))
			require.NoError(t, err)
			return b, "/snap"
		}},
	}
	for _, tt := range backends {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			b, root := tt.new(t)
			defer b.Close()

			put(t, b, root+"/a/1", "hello world")
			put(t, b, root+"/a/2", "second")
			put(t, b, root+"/b/1", "other")
			put(t, b, root+"/a/1", "hello again")

			data, err := b.Read(ctx, root+"/a/1", 0, -1)
			require.NoError(t, err)
			require.Equal(t, "hello again", string(data))
			data, err = b.Read(ctx, root+"/a/1", 6, 5)
			require.NoError(t, err)
			require.Equal(t, "again", string(data))
			_, err = b.Read(ctx, root+"/a/1", 6, 50)
			require.Error(t, err)
			_, err = b.Read(ctx, root+"/missing", 0, -1)
			require.Error(t, err)

			list, err := b.List(ctx, root+"/a/")
			require.NoError(t, err)
			require.Equal(t, []string{root + "/a/1", root + "/a/2"}, list)

			ok, err := b.Exists(ctx, root+"/a/2")
			require.NoError(t, err)
			require.True(t, ok)
			require.NoError(t, b.Delete(ctx, root+"/a/2"))
			require.NoError(t, b.Delete(ctx, root+"/a/2"))
			ok, err = b.Exists(ctx, root+"/a/2")
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestManagerResolve(t *testing.T) {
	m := NewManager()
	defer m.Close()

	b, p, err := m.Resolve("mem:///snap/x")
	require.NoError(t, err)
	require.NotNil(t, b)
	require.Equal(t, "/snap/x", p)

	_, _, err = m.Resolve("s3://bucket/x")
	require.Error(t, err)
	_, _, err = m.Resolve("/no/scheme")
	require.Error(t, err)
}

func buildFrame(t *testing.T, st store.IStore) *fvec.Frame {
	t.Helper()
	ctx := context.Background()
	layout := fvec.UniformLayout(1_000, 5)
	num, err := fvec.MakeVec(ctx, st, store.VecKey("f/x"), fvec.TypeNumeric, layout,
		func(nc *fvec.NewChunk, row int64) {
			if row%7 == 0 {
				nc.AddNA()
				return
			}
			nc.AddNum(float64(row) / 8)
		}, fvec.WithReplication(2))
	require.NoError(t, err)
	d := fvec.NewDomain("red", "green", "blue")
	cat, err := fvec.MakeVec(ctx, st, store.VecKey("f/color"), fvec.TypeCategorical, layout,
		func(nc *fvec.NewChunk, row int64) { nc.AddLevel(d, []string{"red", "green", "blue"}[row%3]) },
		fvec.WithDomain(d))
	require.NoError(t, err)
	f, err := fvec.NewFrame(st, store.FrameKey("f"), []string{"x", "color"}, []*fvec.Vec{num, cat})
	require.NoError(t, err)
	require.NoError(t, f.Publish(ctx))
	return f
}

func TestSaveAndRestoreFrame(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	defer m.Close()

	src := newStore()
	f := buildFrame(t, src)
	require.NoError(t, m.SaveFrame(ctx, src, "mem:///snapshots/f", f.Key))

	dst := newStore()
	keys, err := m.Restore(ctx, dst, "mem:///snapshots/f")
	require.NoError(t, err)
	require.Len(t, keys, 1+2+2*5)

	got, err := fvec.LoadFrame(ctx, dst, f.Key)
	require.NoError(t, err)
	require.Equal(t, f.Names, got.Names)

	x, err := got.Vec(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, int32(2), x.Replication)
	for _, row := range []int64{0, 1, 500, 999} {
		na, err := x.IsNA(ctx, row)
		require.NoError(t, err)
		require.Equal(t, row%7 == 0, na)
		if !na {
			v, err := x.At(ctx, row)
			require.NoError(t, err)
			require.Equal(t, float64(row)/8, v)
		}
	}
	color, err := got.Vec(ctx, "color")
	require.NoError(t, err)
	s, err := color.AtStr(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, "green", s)
}

type legacyRecord struct{}

func (*legacyRecord) MarshalWire(*codec.Writer)   {}
func (*legacyRecord) UnmarshalWire(*codec.Reader) {}

func TestRestoreRemapsTypeIDs(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	defer m.Close()

	// a process that had one more type registered, shifting every id
	old := codec.NewRegistry()
	old.Register("aaa.legacy", func() codec.Record { return &legacyRecord{} })
	old.Register("fvec.chunk.int", func() codec.Record { return &fvec.IntChunk{} })
	old.Register("fvec.vec", func() codec.Record { return &fvec.Vec{} })

	nc := fvec.NewNewChunk(fvec.TypeInteger)
	for i := int64(0); i < 10; i++ {
		nc.AddInt(i * 300)
	}
	c, err := nc.Compress()
	require.NoError(t, err)
	payload, err := codec.Encode(c, codec.WithRegistry(old))
	require.NoError(t, err)
	oldID, _ := old.ID("fvec.chunk.int")
	newID, _ := codec.Default.ID("fvec.chunk.int")
	require.NotEqual(t, oldID, newID)

	b, dir, err := m.Resolve("mem:///legacy")
	require.NoError(t, err)
	tm := old.TypeMap()
	require.NoError(t, writeObject(ctx, b, dir+"/"+TypeMapName, tm.MarshalWire))
	vec := store.VecKey("legacy")
	bl := &blob{Key: store.ChunkKey(vec, 0), Payload: payload}
	require.NoError(t, writeObject(ctx, b, blobPath(dir, bl.Key), bl.MarshalWire))

	st := newStore()
	_, err = m.Restore(ctx, st, "mem:///legacy")
	require.NoError(t, err)
	val, ok, err := st.Get(ctx, store.ChunkKey(vec, 0))
	require.NoError(t, err)
	require.True(t, ok)
	got, err := fvec.DecodeChunk(val.Payload)
	require.NoError(t, err)
	require.Equal(t, 10, got.Len())
	require.Equal(t, int64(2700), got.Int(9))
}
