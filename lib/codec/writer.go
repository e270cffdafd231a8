package codec

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// nilLen marks a nil byte slice or array, so that nil and empty values round-trip distinctly.
const nilLen uint32 = math.MaxUint32

// Writer encodes values into an underlying io.Writer. All values are written big-endian.
//
// The writer keeps the first error that occurred; every later call is a no-op and Err or
// Flush returns that error. This lets Record implementations write without checking every call.
type Writer struct {
	w   *bufio.Writer
	reg *Registry
	buf [8]byte
	n   int64
	err error
}

// NewWriter creates a Writer on top of w.
func NewWriter(w io.Writer, opts ...Option) *Writer {
	o := buildOptions(opts)
	bw, ok := w.(*bufio.Writer)
	if !ok {
		bw = bufio.NewWriter(w)
	}
	return &Writer{w: bw, reg: o.registry}
}

// Err returns the first error encountered by the writer.
func (w *Writer) Err() error { return w.err }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int64 { return w.n }

// Flush writes buffered data to the underlying writer.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	w.err = w.w.Flush()
	return w.err
}

// Fail records err as the writer's error unless one was recorded before.
func (w *Writer) Fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

func (w *Writer) write(p []byte) {
	if w.err != nil {
		return
	}
	n, err := w.w.Write(p)
	w.n += int64(n)
	if err != nil {
		w.err = err
	}
}

// --------------------------------------------------------------------------
// Fixed width values
// --------------------------------------------------------------------------

func (w *Writer) PutU8(v uint8) {
	w.buf[0] = v
	w.write(w.buf[:1])
}

func (w *Writer) PutBool(v bool) {
	if v {
		w.PutU8(1)
	} else {
		w.PutU8(0)
	}
}

func (w *Writer) PutU16(v uint16) {
	binary.BigEndian.PutUint16(w.buf[:2], v)
	w.write(w.buf[:2])
}

func (w *Writer) PutU32(v uint32) {
	binary.BigEndian.PutUint32(w.buf[:4], v)
	w.write(w.buf[:4])
}

func (w *Writer) PutI32(v int32) { w.PutU32(uint32(v)) }

func (w *Writer) PutU64(v uint64) {
	binary.BigEndian.PutUint64(w.buf[:8], v)
	w.write(w.buf[:8])
}

func (w *Writer) PutI64(v int64) { w.PutU64(uint64(v)) }

func (w *Writer) PutF32(v float32) { w.PutU32(math.Float32bits(v)) }

func (w *Writer) PutF64(v float64) { w.PutU64(math.Float64bits(v)) }

// --------------------------------------------------------------------------
// Length prefixed values
// --------------------------------------------------------------------------

func (w *Writer) putLen(n int, isNil bool) bool {
	if isNil {
		w.PutU32(nilLen)
		return false
	}
	if uint64(n) >= uint64(nilLen) {
		w.Fail(fmt.Errorf("codec: length %d exceeds the maximum array length", n))
		return false
	}
	w.PutU32(uint32(n))
	return true
}

// PutBytes writes a length prefixed byte slice. A nil slice is encoded distinctly from an empty one.
func (w *Writer) PutBytes(v []byte) {
	if w.putLen(len(v), v == nil) {
		w.write(v)
	}
}

// PutString writes a length prefixed UTF-8 string.
func (w *Writer) PutString(v string) {
	if w.putLen(len(v), false) {
		if w.err == nil {
			n, err := w.w.WriteString(v)
			w.n += int64(n)
			if err != nil {
				w.err = err
			}
		}
	}
}

func (w *Writer) PutI32s(v []int32) {
	if w.putLen(len(v), v == nil) {
		for _, x := range v {
			w.PutI32(x)
		}
	}
}

func (w *Writer) PutI64s(v []int64) {
	if w.putLen(len(v), v == nil) {
		for _, x := range v {
			w.PutI64(x)
		}
	}
}

func (w *Writer) PutF64s(v []float64) {
	if w.putLen(len(v), v == nil) {
		for _, x := range v {
			w.PutF64(x)
		}
	}
}

func (w *Writer) PutStrings(v []string) {
	if w.putLen(len(v), v == nil) {
		for _, x := range v {
			w.PutString(x)
		}
	}
}

func (w *Writer) PutBytesArr(v [][]byte) {
	if w.putLen(len(v), v == nil) {
		for _, x := range v {
			w.PutBytes(x)
		}
	}
}

// PutStream copies exactly n bytes from src, prefixed by a 64 bit length.
// Used for payloads that should not be materialised in memory.
func (w *Writer) PutStream(n int64, src io.Reader) {
	w.PutU64(uint64(n))
	if w.err != nil {
		return
	}
	copied, err := io.CopyN(w.w, src, n)
	w.n += copied
	if err != nil {
		w.err = fmt.Errorf("codec: stream copied %d of %d bytes: %w", copied, n, err)
	}
}

// --------------------------------------------------------------------------
// Records
// --------------------------------------------------------------------------

// PutRecord writes the registered type id of rec followed by its body.
// A nil record is written as type id 0.
func (w *Writer) PutRecord(rec Record) {
	if rec == nil {
		w.PutU16(0)
		return
	}
	id, err := w.reg.IDOf(rec)
	if err != nil {
		w.Fail(err)
		return
	}
	w.PutU16(id)
	rec.MarshalWire(w)
}
