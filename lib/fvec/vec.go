package fvec

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ValentinKolb/dFrame/lib/codec"
	"github.com/ValentinKolb/dFrame/lib/errs"
	"github.com/ValentinKolb/dFrame/lib/store"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// ErrNotFound is returned (wrapped) when a Vec, Frame or chunk does not exist.
var ErrNotFound = errors.New("fvec: not found")

func init() {
	codec.Register("fvec.vec", func() codec.Record { return &Vec{} })
}

// --------------------------------------------------------------------------
// Decoded chunk cache
// --------------------------------------------------------------------------

// decodedCacheSize bounds the number of decompressed chunks kept per process.
const decodedCacheSize = 512

type decodedKey struct {
	st  store.IStore
	key string
}

type decodedChunk struct {
	stamp uint64
	chunk Chunk
}

var decoded, _ = lru.New(decodedCacheSize)

// --------------------------------------------------------------------------
// Vec
// --------------------------------------------------------------------------

// Vec is the header of a distributed column. The header is stored under Key; chunk i is stored
// under store.ChunkKey(Key, i). A Vec becomes visible when its header is written.
type Vec struct {
	Key         store.Key
	Type        VecType
	Layout      RowLayout
	Domain      []string // levels of a categorical Vec
	Replication int32    // copies of every chunk, including the home

	st store.IStore
}

func (v *Vec) MarshalWire(w *codec.Writer) {
	v.Key.MarshalWire(w)
	w.PutU8(uint8(v.Type))
	v.Layout.MarshalWire(w)
	w.PutStrings(v.Domain)
	w.PutI32(v.Replication)
}

func (v *Vec) UnmarshalWire(r *codec.Reader) {
	v.Key.UnmarshalWire(r)
	v.Type = VecType(r.U8())
	v.Layout.UnmarshalWire(r)
	v.Domain = r.Strings()
	v.Replication = r.I32()
}

// LoadVec reads the header of the Vec with the given key.
func LoadVec(ctx context.Context, st store.IStore, key store.Key) (*Vec, error) {
	val, ok, err := st.Get(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, "loading vec %s", key)
	}
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "vec %s", key)
	}
	v := &Vec{st: st}
	if err := codec.Unmarshal(val.Payload, v); err != nil {
		return nil, errors.Wrapf(err, "decoding vec %s", key)
	}
	return v, nil
}

// Store returns the store the Vec lives in.
func (v *Vec) Store() store.IStore { return v.st }

// Len returns the number of rows.
func (v *Vec) Len() int64 { return v.Layout.Len() }

// NChunks returns the number of chunks.
func (v *Vec) NChunks() int { return v.Layout.NChunks() }

// ChunkKey returns the key of chunk i.
func (v *Vec) ChunkKey(i int) store.Key { return store.ChunkKey(v.Key, i) }

func (v *Vec) String() string {
	return fmt.Sprintf("Vec{%s, %s, %s}", v.Key, v.Type, v.Layout)
}

// Chunk fetches and decompresses chunk i. Decompressed chunks are cached per store as long as
// the stored value keeps its write stamp.
func (v *Vec) Chunk(ctx context.Context, i int) (Chunk, error) {
	if i < 0 || i >= v.NChunks() {
		return nil, &errs.InvalidOperationError{Msg: fmt.Sprintf("chunk %d out of range [0, %d)", i, v.NChunks())}
	}
	key := v.ChunkKey(i)
	val, ok, err := v.st.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "chunk %s", key)
	}
	ck := decodedKey{st: v.st, key: key.String()}
	if cached, ok := decoded.Get(ck); ok {
		if d := cached.(decodedChunk); d.stamp == val.Stamp {
			return d.chunk, nil
		}
	}
	c, err := DecodeChunk(val.Payload)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding chunk %s", key)
	}
	if c.Len() != v.Layout.ChunkLen(i) {
		return nil, errors.Errorf("chunk %s has %d rows, layout expects %d", key, c.Len(), v.Layout.ChunkLen(i))
	}
	decoded.Add(ck, decodedChunk{stamp: val.Stamp, chunk: c})
	return c, nil
}

// EncodeChunk returns the stored form of a chunk.
func EncodeChunk(c Chunk) ([]byte, error) { return codec.Encode(c) }

// DecodeChunk decodes the stored form of a chunk.
func DecodeChunk(data []byte) (Chunk, error) {
	rec, err := codec.Decode(data)
	if err != nil {
		return nil, err
	}
	c, ok := rec.(Chunk)
	if !ok {
		return nil, errors.Errorf("record %T is not a chunk", rec)
	}
	return c, nil
}

func (v *Vec) locate(ctx context.Context, row int64) (Chunk, int, error) {
	cidx, err := v.Layout.ChunkForRow(row)
	if err != nil {
		return nil, 0, err
	}
	c, err := v.Chunk(ctx, cidx)
	if err != nil {
		return nil, 0, err
	}
	return c, int(row - v.Layout.ChunkStart(cidx)), nil
}

// At returns the value of row as float64 (NaN for NA).
func (v *Vec) At(ctx context.Context, row int64) (float64, error) {
	c, i, err := v.locate(ctx, row)
	if err != nil {
		return NA, err
	}
	return c.Float(i), nil
}

// AtInt returns the value of row as int64 (0 for NA).
func (v *Vec) AtInt(ctx context.Context, row int64) (int64, error) {
	c, i, err := v.locate(ctx, row)
	if err != nil {
		return 0, err
	}
	return c.Int(i), nil
}

// AtStr returns the value of row as string. Categorical rows return their level.
func (v *Vec) AtStr(ctx context.Context, row int64) (string, error) {
	c, i, err := v.locate(ctx, row)
	if err != nil {
		return "", err
	}
	if v.Type == TypeCategorical && !c.IsNA(i) {
		code := c.Int(i)
		if code < 0 || code >= int64(len(v.Domain)) {
			return "", errors.Errorf("vec %s row %d: code %d outside of domain", v.Key, row, code)
		}
		return v.Domain[code], nil
	}
	return c.Str(i), nil
}

// IsNA reports whether row is missing.
func (v *Vec) IsNA(ctx context.Context, row int64) (bool, error) {
	c, i, err := v.locate(ctx, row)
	if err != nil {
		return false, err
	}
	return c.IsNA(i), nil
}

// Remove deletes every chunk, then the header.
func (v *Vec) Remove(ctx context.Context) error {
	var mu sync.Mutex
	var result error
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(32)
	for i := 0; i < v.NChunks(); i++ {
		g.Go(func() error {
			if err := v.st.Remove(gctx, v.ChunkKey(i)); err != nil {
				mu.Lock()
				result = multierr.Append(result, errors.Wrapf(err, "removing chunk %d", i))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if result != nil {
		return result
	}
	return v.st.Remove(ctx, v.Key)
}

// DeepCopy copies every chunk to the Vec with the given key and publishes its header.
// The copy shares no chunk keys with v.
func (v *Vec) DeepCopy(ctx context.Context, key store.Key) (*Vec, error) {
	if key.Kind != store.KindVec {
		return nil, &errs.InvalidOperationError{Msg: fmt.Sprintf("%s is not a vec key", key)}
	}
	cp := &Vec{Key: key, Type: v.Type, Layout: RowLayout{Starts: append([]int64(nil), v.Layout.Starts...)},
		Domain: append([]string(nil), v.Domain...), Replication: v.Replication, st: v.st}
	var futures store.Futures
	for i := 0; i < v.NChunks(); i++ {
		val, ok, err := v.st.Get(ctx, v.ChunkKey(i))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.Wrapf(ErrNotFound, "chunk %s", v.ChunkKey(i))
		}
		futures.Add(v.st.PutAsync(ctx, cp.ChunkKey(i), val.Payload, store.WithReplication(int(v.Replication))))
	}
	if err := futures.Wait(ctx); err != nil {
		return nil, errors.Wrapf(err, "copying %s", v.Key)
	}
	if err := cp.publish(ctx); err != nil {
		return nil, err
	}
	return cp, nil
}

func (v *Vec) publish(ctx context.Context) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	return v.st.Put(ctx, v.Key, data, store.WithReplication(int(v.Replication)))
}

// --------------------------------------------------------------------------
// Building
// --------------------------------------------------------------------------

// VecOption configures a VecBuilder.
type VecOption func(*VecBuilder)

// WithReplication stores every chunk and the header n times.
func WithReplication(n int) VecOption { return func(b *VecBuilder) { b.replication = n } }

// WithDomain sets the domain of a categorical Vec. Writers extend it with AddLevel.
func WithDomain(d *Domain) VecOption { return func(b *VecBuilder) { b.domain = d } }

// VecBuilder writes the chunks of a new Vec. Chunks may be closed concurrently and in any
// order; Publish waits for all chunk writes and then writes the header.
type VecBuilder struct {
	st          store.IStore
	key         store.Key
	typ         VecType
	domain      *Domain
	replication int

	mu      sync.Mutex
	lengths map[int]int
	futures store.Futures
}

// NewVecBuilder starts a Vec with the given header key.
func NewVecBuilder(st store.IStore, key store.Key, typ VecType, opts ...VecOption) *VecBuilder {
	b := &VecBuilder{st: st, key: key, typ: typ, replication: 1, lengths: make(map[int]int)}
	for _, opt := range opts {
		opt(b)
	}
	if typ == TypeCategorical && b.domain == nil {
		b.domain = NewDomain()
	}
	return b
}

// Domain returns the domain of a categorical Vec (nil otherwise).
func (b *VecBuilder) Domain() *Domain { return b.domain }

// NewChunk creates the builder of chunk idx.
func (b *VecBuilder) NewChunk(idx int) *NewChunk {
	nc := NewNewChunk(b.typ)
	nc.idx = idx
	return nc
}

// Close compresses nc and writes it asynchronously.
func (b *VecBuilder) Close(ctx context.Context, nc *NewChunk) error {
	if b.key.Kind != store.KindVec {
		return &errs.InvalidOperationError{Msg: fmt.Sprintf("%s is not a vec key", b.key)}
	}
	c, err := nc.Compress()
	if err != nil {
		return errors.Wrapf(err, "chunk %d of %s", nc.idx, b.key)
	}
	data, err := EncodeChunk(c)
	if err != nil {
		return err
	}
	b.mu.Lock()
	if _, dup := b.lengths[nc.idx]; dup {
		b.mu.Unlock()
		return &errs.InvalidOperationError{Msg: fmt.Sprintf("chunk %d of %s closed twice", nc.idx, b.key)}
	}
	b.lengths[nc.idx] = c.Len()
	b.mu.Unlock()
	b.futures.Add(b.st.PutAsync(ctx, store.ChunkKey(b.key, nc.idx), data, store.WithReplication(b.replication)))
	return nil
}

// Publish waits for every chunk write and writes the header, which makes the Vec visible.
// Chunks 0..n-1 must all have been closed.
func (b *VecBuilder) Publish(ctx context.Context) (*Vec, error) {
	if err := b.futures.Wait(ctx); err != nil {
		return nil, errors.Wrapf(err, "writing chunks of %s", b.key)
	}
	b.mu.Lock()
	idxs := make([]int, 0, len(b.lengths))
	for i := range b.lengths {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	lengths := make([]int, len(idxs))
	for pos, i := range idxs {
		if i != pos {
			b.mu.Unlock()
			return nil, &errs.InvalidOperationError{Msg: fmt.Sprintf("chunk %d of %s was never closed", pos, b.key)}
		}
		lengths[pos] = b.lengths[i]
	}
	b.mu.Unlock()
	if len(lengths) == 0 {
		lengths = []int{0}
		b.futures.Add(b.st.PutAsync(ctx, store.ChunkKey(b.key, 0), mustEncode(&ConstChunk{Val: NA}), store.WithReplication(b.replication)))
		if err := b.futures.Wait(ctx); err != nil {
			return nil, err
		}
	}

	v, err := b.PublishLayout(ctx, NewRowLayout(lengths))
	if err != nil {
		return nil, err
	}
	log.Debugf("published %s", v)
	return v, nil
}

// Flush waits for the chunk writes issued so far.
func (b *VecBuilder) Flush(ctx context.Context) error {
	return b.futures.Wait(ctx)
}

// PublishLayout writes the header with a known layout. It is used when the chunks were
// written by builders on other nodes, e.g. the outputs of a distributed task.
func (b *VecBuilder) PublishLayout(ctx context.Context, layout RowLayout) (*Vec, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	if err := b.futures.Wait(ctx); err != nil {
		return nil, errors.Wrapf(err, "writing chunks of %s", b.key)
	}
	v := &Vec{Key: b.key, Type: b.typ, Layout: layout, Replication: int32(b.replication), st: b.st}
	if b.domain != nil {
		v.Domain = b.domain.Levels()
	}
	if err := v.publish(ctx); err != nil {
		return nil, errors.Wrapf(err, "publishing %s", b.key)
	}
	return v, nil
}

func mustEncode(c Chunk) []byte {
	data, err := EncodeChunk(c)
	if err != nil {
		panic(err)
	}
	return data
}

// MakeVec builds and publishes a Vec with the given layout, calling fill once per row.
func MakeVec(ctx context.Context, st store.IStore, key store.Key, typ VecType, layout RowLayout,
	fill func(nc *NewChunk, row int64), opts ...VecOption) (*Vec, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	b := NewVecBuilder(st, key, typ, opts...)
	for i := 0; i < layout.NChunks(); i++ {
		nc := b.NewChunk(i)
		for row := layout.ChunkStart(i); row < layout.Starts[i+1]; row++ {
			fill(nc, row)
		}
		if nc.Len() != layout.ChunkLen(i) {
			return nil, &errs.InvalidOperationError{Msg: fmt.Sprintf("chunk %d: fill added %d rows, want %d", i, nc.Len(), layout.ChunkLen(i))}
		}
		if err := b.Close(ctx, nc); err != nil {
			return nil, err
		}
	}
	return b.Publish(ctx)
}
