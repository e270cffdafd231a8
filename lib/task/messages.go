package task

import (
	"fmt"

	"github.com/ValentinKolb/dFrame/lib/codec"
	"github.com/ValentinKolb/dFrame/lib/store"
)

func init() {
	codec.Register("task.dispatch", func() codec.Record { return &DispatchRequest{} })
	codec.Register("task.cancel", func() codec.Record { return &CancelRequest{} })
}

// DispatchRequest asks a node to run the chunk range [Lo, Hi) of a task locally.
type DispatchRequest struct {
	TaskID      string
	From        string
	ViewVersion uint64
	Lo, Hi      int32
	Func        Func
	Inputs      []store.Key
	Outputs     []OutputSpec
}

func (d *DispatchRequest) MarshalWire(w *codec.Writer) {
	w.PutString(d.TaskID)
	w.PutString(d.From)
	w.PutU64(d.ViewVersion)
	w.PutI32(d.Lo)
	w.PutI32(d.Hi)
	w.PutRecord(d.Func)
	w.PutU32(uint32(len(d.Inputs)))
	for i := range d.Inputs {
		d.Inputs[i].MarshalWire(w)
	}
	w.PutU32(uint32(len(d.Outputs)))
	for i := range d.Outputs {
		d.Outputs[i].MarshalWire(w)
	}
}

func (d *DispatchRequest) UnmarshalWire(r *codec.Reader) {
	d.TaskID = r.Str()
	d.From = r.Str()
	d.ViewVersion = r.U64()
	d.Lo = r.I32()
	d.Hi = r.I32()
	rec := r.Record()
	if r.Err() != nil {
		return
	}
	fn, ok := rec.(Func)
	if !ok {
		r.Fail(fmt.Errorf("dispatch of task %s: %T is not a task function", d.TaskID, rec))
		return
	}
	d.Func = fn
	n := int(r.U32())
	for i := 0; i < n && r.Err() == nil; i++ {
		var k store.Key
		k.UnmarshalWire(r)
		d.Inputs = append(d.Inputs, k)
	}
	n = int(r.U32())
	for i := 0; i < n && r.Err() == nil; i++ {
		var o OutputSpec
		o.UnmarshalWire(r)
		d.Outputs = append(d.Outputs, o)
	}
}

// CancelRequest tells a node to stop working on a task.
type CancelRequest struct {
	TaskID string
}

func (c *CancelRequest) MarshalWire(w *codec.Writer)   { w.PutString(c.TaskID) }
func (c *CancelRequest) UnmarshalWire(r *codec.Reader) { c.TaskID = r.Str() }
