package codec

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/ValentinKolb/dFrame/lib/errs"
)

// directAllocLimit is the largest length that is allocated up-front. Longer values are read
// incrementally so that a corrupted length prefix cannot force a huge allocation.
const directAllocLimit = 1 << 16

// reader is the subset of io.Reader features the Reader needs.
type reader interface {
	io.Reader
	io.ByteReader
}

// Reader decodes values written by a Writer.
//
// Like the Writer it keeps the first error; after an error all reads return zero values.
// Running out of input inside a value produces an *errs.TruncatedInputError.
type Reader struct {
	r       reader
	reg     *Registry
	typeMap TypeMap
	buf     [8]byte
	err     error
}

// NewReader creates a Reader on top of r.
func NewReader(r io.Reader, opts ...Option) *Reader {
	o := buildOptions(opts)
	rr, ok := r.(reader)
	if !ok {
		rr = bufio.NewReader(r)
	}
	return &Reader{r: rr, reg: o.registry, typeMap: o.typeMap}
}

// NewBytesReader creates a Reader over an in-memory buffer.
func NewBytesReader(data []byte, opts ...Option) *Reader {
	return NewReader(bytes.NewReader(data), opts...)
}

// Err returns the first error encountered by the reader.
func (r *Reader) Err() error { return r.err }

// Fail records err as the reader's error unless one was recorded before.
func (r *Reader) Fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// Done reports whether the input is exhausted.
func (r *Reader) Done() bool {
	if r.err != nil {
		return true
	}
	b, err := r.r.ReadByte()
	if err != nil {
		return true
	}
	// the peeked byte is replayed by the next read
	if p, ok := r.r.(*prefixReader); ok {
		p.b, p.has = b, true
	} else {
		r.r = &prefixReader{b: b, has: true, r: r.r}
	}
	return false
}

func (r *Reader) read(n int, what string) []byte {
	if r.err != nil {
		return nil
	}
	if _, err := io.ReadFull(r.r, r.buf[:n]); err != nil {
		r.err = truncated(err, what, n)
		return nil
	}
	return r.buf[:n]
}

func truncated(err error, what string, need int) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &errs.TruncatedInputError{What: what, Need: need}
	}
	return err
}

// --------------------------------------------------------------------------
// Fixed width values
// --------------------------------------------------------------------------

func (r *Reader) U8() uint8 {
	if b := r.read(1, "u8"); b != nil {
		return b[0]
	}
	return 0
}

func (r *Reader) Bool() bool { return r.U8() != 0 }

func (r *Reader) U16() uint16 {
	if b := r.read(2, "u16"); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *Reader) U32() uint32 {
	if b := r.read(4, "u32"); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *Reader) I32() int32 { return int32(r.U32()) }

func (r *Reader) U64() uint64 {
	if b := r.read(8, "u64"); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *Reader) I64() int64 { return int64(r.U64()) }

func (r *Reader) F32() float32 { return math.Float32frombits(r.U32()) }

func (r *Reader) F64() float64 { return math.Float64frombits(r.U64()) }

// --------------------------------------------------------------------------
// Length prefixed values
// --------------------------------------------------------------------------

// length reads an array length; ok is false for nil arrays and after errors.
func (r *Reader) length() (n int, ok bool) {
	l := r.U32()
	if r.err != nil || l == nilLen {
		return 0, false
	}
	return int(l), true
}

func (r *Reader) Bytes() []byte {
	n, ok := r.length()
	if !ok {
		return nil
	}
	return r.readN(n, "bytes")
}

func (r *Reader) readN(n int, what string) []byte {
	if n <= directAllocLimit {
		out := make([]byte, n)
		if _, err := io.ReadFull(r.r, out); err != nil {
			r.err = truncated(err, what, n)
			return nil
		}
		return out
	}
	var buf bytes.Buffer
	copied, err := io.CopyN(&buf, r.r, int64(n))
	if err != nil {
		r.err = truncated(err, what, n-int(copied))
		return nil
	}
	return buf.Bytes()
}

func (r *Reader) Str() string {
	n, ok := r.length()
	if !ok {
		return ""
	}
	return string(r.readN(n, "string"))
}

func (r *Reader) I32s() []int32 {
	n, ok := r.length()
	if !ok {
		return nil
	}
	out := make([]int32, 0, min(n, directAllocLimit))
	for i := 0; i < n && r.err == nil; i++ {
		out = append(out, r.I32())
	}
	if r.err != nil {
		return nil
	}
	return out
}

func (r *Reader) I64s() []int64 {
	n, ok := r.length()
	if !ok {
		return nil
	}
	out := make([]int64, 0, min(n, directAllocLimit))
	for i := 0; i < n && r.err == nil; i++ {
		out = append(out, r.I64())
	}
	if r.err != nil {
		return nil
	}
	return out
}

func (r *Reader) F64s() []float64 {
	n, ok := r.length()
	if !ok {
		return nil
	}
	out := make([]float64, 0, min(n, directAllocLimit))
	for i := 0; i < n && r.err == nil; i++ {
		out = append(out, r.F64())
	}
	if r.err != nil {
		return nil
	}
	return out
}

func (r *Reader) Strings() []string {
	n, ok := r.length()
	if !ok {
		return nil
	}
	out := make([]string, 0, min(n, directAllocLimit))
	for i := 0; i < n && r.err == nil; i++ {
		out = append(out, r.Str())
	}
	if r.err != nil {
		return nil
	}
	return out
}

func (r *Reader) BytesArr() [][]byte {
	n, ok := r.length()
	if !ok {
		return nil
	}
	out := make([][]byte, 0, min(n, directAllocLimit))
	for i := 0; i < n && r.err == nil; i++ {
		out = append(out, r.Bytes())
	}
	if r.err != nil {
		return nil
	}
	return out
}

// Stream copies a value written with Writer.PutStream into dst and returns its length.
func (r *Reader) Stream(dst io.Writer) int64 {
	n := int64(r.U64())
	if r.err != nil {
		return 0
	}
	if n < 0 {
		r.Fail(&errs.DecodeError{Msg: fmt.Sprintf("stream length %d out of range", uint64(n))})
		return 0
	}
	copied, err := io.CopyN(dst, r.r, n)
	if err != nil {
		r.err = truncated(err, "stream", int(n-copied))
	}
	return copied
}

// --------------------------------------------------------------------------
// Records
// --------------------------------------------------------------------------

// Record reads a type id and decodes the record registered for it.
// Type id 0 decodes to nil. Unknown ids fail with an *errs.DecodeError.
func (r *Reader) Record() Record {
	id := r.U16()
	if r.err != nil || id == 0 {
		return nil
	}
	if r.typeMap != nil {
		name, ok := r.typeMap[id]
		if !ok {
			r.Fail(&errs.DecodeError{TypeID: id, Msg: "type id missing from type map"})
			return nil
		}
		local, ok := r.reg.ID(name)
		if !ok {
			r.Fail(&errs.DecodeError{TypeID: id, Msg: fmt.Sprintf("type %q is not registered", name)})
			return nil
		}
		id = local
	}
	rec, err := r.reg.New(id)
	if err != nil {
		r.Fail(err)
		return nil
	}
	rec.UnmarshalWire(r)
	if r.err != nil {
		return nil
	}
	return rec
}

// prefixReader replays one byte that was consumed by Done.
type prefixReader struct {
	b   byte
	has bool
	r   reader
}

func (p *prefixReader) Read(out []byte) (int, error) {
	if len(out) == 0 {
		return 0, nil
	}
	if p.has {
		p.has = false
		out[0] = p.b
		if len(out) == 1 {
			return 1, nil
		}
		n, err := p.r.Read(out[1:])
		if err == io.EOF {
			err = nil
		}
		return n + 1, err
	}
	return p.r.Read(out)
}

func (p *prefixReader) ReadByte() (byte, error) {
	if p.has {
		p.has = false
		return p.b, nil
	}
	return p.r.ReadByte()
}
