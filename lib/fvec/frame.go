package fvec

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dFrame/lib/codec"
	"github.com/ValentinKolb/dFrame/lib/errs"
	"github.com/ValentinKolb/dFrame/lib/store"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

func init() {
	codec.Register("fvec.frame", func() codec.Record { return &Frame{} })
}

// Frame is a named table: an ordered list of column names mapped to Vec keys.
// All Vecs of a Frame share one row layout. Vecs may be shared between Frames.
type Frame struct {
	Key   store.Key
	Names []string
	Vecs  []store.Key

	st store.IStore
}

// NewFrame creates (but does not publish) a Frame over vecs.
func NewFrame(st store.IStore, key store.Key, names []string, vecs []*Vec) (*Frame, error) {
	if key.Kind != store.KindFrame {
		return nil, &errs.InvalidOperationError{Msg: fmt.Sprintf("%s is not a frame key", key)}
	}
	if len(names) != len(vecs) {
		return nil, &errs.InvalidOperationError{Msg: fmt.Sprintf("%d names for %d vecs", len(names), len(vecs))}
	}
	seen := make(map[string]bool, len(names))
	f := &Frame{Key: key, st: st}
	for i, name := range names {
		if seen[name] {
			return nil, &errs.InvalidOperationError{Msg: fmt.Sprintf("duplicate column %q", name)}
		}
		seen[name] = true
		if !vecs[i].Layout.Equal(vecs[0].Layout) {
			return nil, &errs.InvalidOperationError{Msg: fmt.Sprintf("column %q: layout %s differs from %s", name, vecs[i].Layout, vecs[0].Layout)}
		}
		f.Names = append(f.Names, name)
		f.Vecs = append(f.Vecs, vecs[i].Key)
	}
	return f, nil
}

func (f *Frame) MarshalWire(w *codec.Writer) {
	f.Key.MarshalWire(w)
	w.PutStrings(f.Names)
	w.PutU32(uint32(len(f.Vecs)))
	for i := range f.Vecs {
		f.Vecs[i].MarshalWire(w)
	}
}

func (f *Frame) UnmarshalWire(r *codec.Reader) {
	f.Key.UnmarshalWire(r)
	f.Names = r.Strings()
	n := int(r.U32())
	if r.Err() != nil || n != len(f.Names) {
		r.Fail(errors.Errorf("frame %s: %d vec keys for %d names", f.Key, n, len(f.Names)))
		return
	}
	f.Vecs = make([]store.Key, n)
	for i := range f.Vecs {
		f.Vecs[i].UnmarshalWire(r)
	}
}

// LoadFrame reads the Frame header with the given key.
func LoadFrame(ctx context.Context, st store.IStore, key store.Key) (*Frame, error) {
	val, ok, err := st.Get(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, "loading frame %s", key)
	}
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "frame %s", key)
	}
	f := &Frame{st: st}
	if err := codec.Unmarshal(val.Payload, f); err != nil {
		return nil, errors.Wrapf(err, "decoding frame %s", key)
	}
	return f, nil
}

// Publish writes the Frame header.
func (f *Frame) Publish(ctx context.Context) error {
	data, err := codec.Marshal(f)
	if err != nil {
		return err
	}
	return f.st.Put(ctx, f.Key, data)
}

// NumCols returns the number of columns.
func (f *Frame) NumCols() int { return len(f.Names) }

// Find returns the column index of name (-1 if missing).
func (f *Frame) Find(name string) int {
	for i, n := range f.Names {
		if n == name {
			return i
		}
	}
	return -1
}

// Vec loads the header of the named column.
func (f *Frame) Vec(ctx context.Context, name string) (*Vec, error) {
	i := f.Find(name)
	if i < 0 {
		return nil, errors.Wrapf(ErrNotFound, "column %q of %s", name, f.Key)
	}
	return LoadVec(ctx, f.st, f.Vecs[i])
}

// LoadVecs loads the headers of every column in order.
func (f *Frame) LoadVecs(ctx context.Context) ([]*Vec, error) {
	vecs := make([]*Vec, len(f.Vecs))
	for i, k := range f.Vecs {
		v, err := LoadVec(ctx, f.st, k)
		if err != nil {
			return nil, err
		}
		vecs[i] = v
	}
	return vecs, nil
}

// Layout returns the row layout shared by all columns.
func (f *Frame) Layout(ctx context.Context) (RowLayout, error) {
	vecs, err := f.LoadVecs(ctx)
	if err != nil {
		return RowLayout{}, err
	}
	return SharedLayout(vecs)
}

// SharedLayout returns the layout of vecs, which must all be equal.
func SharedLayout(vecs []*Vec) (RowLayout, error) {
	if len(vecs) == 0 {
		return RowLayout{}, &errs.InvalidOperationError{Msg: "no vecs"}
	}
	for _, v := range vecs[1:] {
		if !v.Layout.Equal(vecs[0].Layout) {
			return RowLayout{}, &errs.InvalidOperationError{Msg: fmt.Sprintf("%s and %s have different layouts", vecs[0].Key, v.Key)}
		}
	}
	return vecs[0].Layout, nil
}

// Remove deletes the Frame header and, with cascade, every column Vec.
func (f *Frame) Remove(ctx context.Context, cascade bool) error {
	var result error
	if cascade {
		for _, k := range f.Vecs {
			v, err := LoadVec(ctx, f.st, k)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				result = multierr.Append(result, err)
				continue
			}
			result = multierr.Append(result, v.Remove(ctx))
		}
	}
	return multierr.Append(result, f.st.Remove(ctx, f.Key))
}

// DeepCopy copies every column into new Vecs named "<key name>/<column>" and publishes a new Frame.
func (f *Frame) DeepCopy(ctx context.Context, key store.Key) (*Frame, error) {
	vecs, err := f.LoadVecs(ctx)
	if err != nil {
		return nil, err
	}
	copies := make([]*Vec, len(vecs))
	for i, v := range vecs {
		cp, err := v.DeepCopy(ctx, store.VecKey(key.Name+"/"+f.Names[i]))
		if err != nil {
			return nil, err
		}
		copies[i] = cp
	}
	out, err := NewFrame(f.st, key, f.Names, copies)
	if err != nil {
		return nil, err
	}
	if err := out.Publish(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// Store returns the store the Frame lives in.
func (f *Frame) Store() store.IStore { return f.st }

func (f *Frame) String() string {
	return fmt.Sprintf("Frame{%s, cols=%v}", f.Key, f.Names)
}
