package task

import (
	"context"

	"github.com/ValentinKolb/dFrame/lib/codec"
	"github.com/ValentinKolb/dFrame/lib/fvec"
	"github.com/ValentinKolb/dFrame/lib/store"
)

// Result is the partial or final result of a task. Results cross the wire, so every result
// type is registered with the codec.
type Result = codec.Record

// Func is a data-parallel computation. Map runs exactly once per chunk index of the inputs,
// Reduce combines the results of two neighbouring chunk ranges (left, right). The engine
// reduces in a fixed tree over the chunk indices, so results do not depend on which node ran
// which chunk.
//
// A Func is shipped to other nodes with the codec: implementations are registered records and
// carry all their parameters in their wire form.
type Func interface {
	codec.Record
	Map(ctx context.Context, cs *Chunks) (Result, error)
	Reduce(left, right Result) Result
}

// OutputSpec describes a Vec written by the task. Map appends exactly one row per input row to
// Chunks.Out(i); the engine publishes the Vec with the input layout when the task succeeded.
type OutputSpec struct {
	Key    store.Key
	Type   fvec.VecType
	Domain []string // fixed levels of a categorical output
}

func (o *OutputSpec) MarshalWire(w *codec.Writer) {
	o.Key.MarshalWire(w)
	w.PutU8(uint8(o.Type))
	w.PutStrings(o.Domain)
}

func (o *OutputSpec) UnmarshalWire(r *codec.Reader) {
	o.Key.UnmarshalWire(r)
	o.Type = fvec.VecType(r.U8())
	o.Domain = r.Strings()
}

func (o *OutputSpec) builder(st store.IStore, replication int) *fvec.VecBuilder {
	opts := []fvec.VecOption{fvec.WithReplication(replication)}
	if o.Type == fvec.TypeCategorical {
		opts = append(opts, fvec.WithDomain(fvec.NewDomain(o.Domain...)))
	}
	return fvec.NewVecBuilder(st, o.Key, o.Type, opts...)
}

// Chunks is the input of one Map call: chunk Index of every input Vec.
type Chunks struct {
	Index int          // chunk index
	Start int64        // first row of the chunk
	Len   int          // number of rows
	Cols  []fvec.Chunk // one chunk per input vec
	Vecs  []*fvec.Vec  // input vec headers

	st   store.IStore
	outs []*fvec.NewChunk
	node string
}

// Store returns the store of the executing node.
func (cs *Chunks) Store() store.IStore { return cs.st }

// Node returns the name of the executing node.
func (cs *Chunks) Node() string { return cs.node }

// NumOut returns the number of output Vecs.
func (cs *Chunks) NumOut() int { return len(cs.outs) }

// Out returns the builder of output i for this chunk.
func (cs *Chunks) Out(i int) *fvec.NewChunk { return cs.outs[i] }
