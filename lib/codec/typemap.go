package codec

import (
	"bytes"
	"sort"
)

// TypeMap maps the type ids used in a stream to type names. It is persisted next to
// snapshot blobs so that they can be decoded by a process with a different registry.
type TypeMap map[uint16]string

func (tm TypeMap) MarshalWire(w *Writer) {
	ids := make([]int, 0, len(tm))
	for id := range tm {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	w.PutU32(uint32(len(ids)))
	for _, id := range ids {
		w.PutU16(uint16(id))
		w.PutString(tm[uint16(id)])
	}
}

// ReadTypeMap decodes a type map written with TypeMap.MarshalWire.
func ReadTypeMap(r *Reader) TypeMap {
	n := r.U32()
	tm := make(TypeMap, n)
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		id := r.U16()
		tm[id] = r.Str()
	}
	return tm
}

// --------------------------------------------------------------------------
// Byte slice helpers
// --------------------------------------------------------------------------

// Encode writes rec with its type id into a new byte slice.
func Encode(rec Record, opts ...Option) ([]byte, error) {
	var buf bytes.Buffer
	w := NewWriter(&buf, opts...)
	w.PutRecord(rec)
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reads a record with its type id from data.
func Decode(data []byte, opts ...Option) (Record, error) {
	r := NewBytesReader(data, opts...)
	rec := r.Record()
	if err := r.Err(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Marshal writes the body of rec (without type id) into a new byte slice.
func Marshal(rec Record) ([]byte, error) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	rec.MarshalWire(w)
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal fills rec from a body written by Marshal.
func Unmarshal(data []byte, rec Record) error {
	r := NewBytesReader(data)
	rec.UnmarshalWire(r)
	return r.Err()
}
