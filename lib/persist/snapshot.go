package persist

import (
	"context"
	"maps"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ValentinKolb/dFrame/lib/codec"
	"github.com/ValentinKolb/dFrame/lib/fvec"
	"github.com/ValentinKolb/dFrame/lib/store"
	"github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// TypeMapName is the object next to the blobs of a snapshot holding the type map.
const TypeMapName = "_typemap"

// blob is the persisted form of one DKV value.
type blob struct {
	Key     store.Key
	Payload []byte
}

func (b *blob) MarshalWire(w *codec.Writer) {
	b.Key.MarshalWire(w)
	w.PutBytes(b.Payload)
}

func (b *blob) UnmarshalWire(r *codec.Reader) {
	b.Key.UnmarshalWire(r)
	b.Payload = r.Bytes()
}

// blobPath returns the object path of key k in directory dir.
func blobPath(dir string, k store.Key) string {
	return strings.TrimSuffix(dir, "/") + "/" + url.PathEscape(k.String())
}

func writeObject(ctx context.Context, b Backend, path string, fn func(w *codec.Writer)) error {
	out, err := b.Write(ctx, path)
	if err != nil {
		return err
	}
	w := codec.NewWriter(out)
	fn(w)
	if err := w.Flush(); err != nil {
		_ = out.Close()
		return errors.Wrapf(err, "writing %s", path)
	}
	return out.Close()
}

// --------------------------------------------------------------------------
// Save
// --------------------------------------------------------------------------

// SaveKeys writes the values of keys from st to the snapshot directory uri.
// Missing keys are skipped.
func (m *Manager) SaveKeys(ctx context.Context, st store.IStore, uri string, keys []store.Key) error {
	b, dir, err := m.Resolve(uri)
	if err != nil {
		return err
	}
	start := time.Now()
	tm := codec.Default.TypeMap()
	if err := writeObject(ctx, b, strings.TrimSuffix(dir, "/")+"/"+TypeMapName, tm.MarshalWire); err != nil {
		return err
	}

	var size, count int64
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for _, k := range keys {
		g.Go(func() error {
			val, ok, err := st.Get(gctx, k)
			if err != nil {
				return errors.Wrapf(err, "reading %s", k)
			}
			if !ok {
				log.Debugf("snapshot %s: %s does not exist", uri, k)
				return nil
			}
			bl := &blob{Key: k, Payload: val.Payload}
			if err := writeObject(gctx, b, blobPath(dir, k), bl.MarshalWire); err != nil {
				return err
			}
			mu.Lock()
			size += int64(len(val.Payload))
			count++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	metrics.GetOrCreateCounter(`dframe_persist_written_bytes_total`).Add(int(size))
	log.Infof("saved %d keys (%d bytes) to %s in %s", count, size, uri, time.Since(start))
	return nil
}

// SaveFrame writes a Frame with all its Vecs and chunks to the snapshot directory uri.
func (m *Manager) SaveFrame(ctx context.Context, st store.IStore, uri string, frame store.Key) error {
	f, err := fvec.LoadFrame(ctx, st, frame)
	if err != nil {
		return err
	}
	vecs, err := f.LoadVecs(ctx)
	if err != nil {
		return err
	}
	keys := []store.Key{frame}
	for _, v := range vecs {
		keys = append(keys, v.Key)
		for i := 0; i < v.NChunks(); i++ {
			keys = append(keys, v.ChunkKey(i))
		}
	}
	return m.SaveKeys(ctx, st, uri, keys)
}

// --------------------------------------------------------------------------
// Restore
// --------------------------------------------------------------------------

// ReadTypeMap reads the type map of the snapshot directory uri.
func (m *Manager) ReadTypeMap(ctx context.Context, uri string) (codec.TypeMap, error) {
	b, dir, err := m.Resolve(uri)
	if err != nil {
		return nil, err
	}
	data, err := b.Read(ctx, strings.TrimSuffix(dir, "/")+"/"+TypeMapName, 0, -1)
	if err != nil {
		return nil, errors.Wrapf(err, "reading type map of %s", uri)
	}
	r := codec.NewBytesReader(data)
	tm := codec.ReadTypeMap(r)
	return tm, r.Err()
}

// Restore writes every value of the snapshot directory uri into st and returns the restored
// keys. Chunks are written first, then Vec headers, then Frame headers, so a restored Frame is
// only visible once its data is. Chunks written by a process with a different set of
// registered types are re-encoded with the type ids of this process.
func (m *Manager) Restore(ctx context.Context, st store.IStore, uri string) ([]store.Key, error) {
	b, dir, err := m.Resolve(uri)
	if err != nil {
		return nil, err
	}
	tm, err := m.ReadTypeMap(ctx, uri)
	if err != nil {
		return nil, err
	}
	remap := !maps.Equal(tm, codec.Default.TypeMap())

	paths, err := b.List(ctx, strings.TrimSuffix(dir, "/")+"/")
	if err != nil {
		return nil, err
	}
	var blobs []*blob
	for _, p := range paths {
		if strings.HasSuffix(p, "/"+TypeMapName) {
			continue
		}
		data, err := b.Read(ctx, p, 0, -1)
		if err != nil {
			return nil, err
		}
		bl := &blob{}
		if err := codec.Unmarshal(data, bl); err != nil {
			return nil, errors.Wrapf(err, "decoding %s", p)
		}
		if remap && bl.Key.Kind == store.KindChunk {
			rec, err := codec.Decode(bl.Payload, codec.WithTypeMap(tm))
			if err != nil {
				return nil, errors.Wrapf(err, "decoding %s", bl.Key)
			}
			if bl.Payload, err = codec.Encode(rec); err != nil {
				return nil, err
			}
		}
		blobs = append(blobs, bl)
	}

	// chunks keep the replication of their Vec
	replication := map[string]int{}
	for _, bl := range blobs {
		if bl.Key.Kind == store.KindVec {
			v := &fvec.Vec{}
			if err := codec.Unmarshal(bl.Payload, v); err != nil {
				return nil, errors.Wrapf(err, "decoding %s", bl.Key)
			}
			replication[bl.Key.Name] = int(v.Replication)
		}
	}

	rank := func(k store.Kind) int {
		switch k {
		case store.KindChunk:
			return 0
		case store.KindVec:
			return 2
		case store.KindFrame:
			return 3
		default:
			return 1
		}
	}
	sort.SliceStable(blobs, func(i, j int) bool { return rank(blobs[i].Key.Kind) < rank(blobs[j].Key.Kind) })

	var keys []store.Key
	var futures store.Futures
	stage := -1
	for _, bl := range blobs {
		if r := rank(bl.Key.Kind); r != stage {
			if err := futures.Wait(ctx); err != nil {
				return nil, err
			}
			stage = r
		}
		var opts []store.PutOption
		switch bl.Key.Kind {
		case store.KindChunk, store.KindVec:
			if n := replication[bl.Key.Name]; n > 0 {
				opts = append(opts, store.WithReplication(n))
			}
		}
		futures.Add(st.PutAsync(ctx, bl.Key, bl.Payload, opts...))
		keys = append(keys, bl.Key)
	}
	if err := futures.Wait(ctx); err != nil {
		return nil, err
	}
	metrics.GetOrCreateCounter(`dframe_persist_restored_keys_total`).Add(len(keys))
	log.Infof("restored %d keys from %s", len(keys), uri)
	return keys, nil
}
