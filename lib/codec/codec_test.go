package codec

import (
	"bytes"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"

	"github.com/ValentinKolb/dFrame/lib/errs"
)

// sample exercises every value kind of the codec.
type sample struct {
	U8      uint8
	B       bool
	U16     uint16
	I32     int32
	I64     int64
	U64     uint64
	F32     float32
	F64     float64
	Bytes   []byte
	Str     string
	I32s    []int32
	I64s    []int64
	F64s    []float64
	Strs    []string
	BytesAr [][]byte
}

func (s *sample) MarshalWire(w *Writer) {
	w.PutU8(s.U8)
	w.PutBool(s.B)
	w.PutU16(s.U16)
	w.PutI32(s.I32)
	w.PutI64(s.I64)
	w.PutU64(s.U64)
	w.PutF32(s.F32)
	w.PutF64(s.F64)
	w.PutBytes(s.Bytes)
	w.PutString(s.Str)
	w.PutI32s(s.I32s)
	w.PutI64s(s.I64s)
	w.PutF64s(s.F64s)
	w.PutStrings(s.Strs)
	w.PutBytesArr(s.BytesAr)
}

func (s *sample) UnmarshalWire(r *Reader) {
	s.U8 = r.U8()
	s.B = r.Bool()
	s.U16 = r.U16()
	s.I32 = r.I32()
	s.I64 = r.I64()
	s.U64 = r.U64()
	s.F32 = r.F32()
	s.F64 = r.F64()
	s.Bytes = r.Bytes()
	s.Str = r.Str()
	s.I32s = r.I32s()
	s.I64s = r.I64s()
	s.F64s = r.F64s()
	s.Strs = r.Strings()
	s.BytesAr = r.BytesArr()
}

type other struct{ N int64 }

func (o *other) MarshalWire(w *Writer)   { w.PutI64(o.N) }
func (o *other) UnmarshalWire(r *Reader) { o.N = r.I64() }

type third struct{ N int32 }

func (o *third) MarshalWire(w *Writer)   { w.PutI32(o.N) }
func (o *third) UnmarshalWire(r *Reader) { o.N = r.I32() }

func testRegistry() *Registry {
	reg := NewRegistry()
	reg.Register("test.sample", func() Record { return &sample{} })
	reg.Register("test.other", func() Record { return &other{} })
	return reg
}

func TestRoundTrip(t *testing.T) {
	reg := testRegistry()
	tests := []struct {
		name string
		rec  *sample
	}{
		{"Zero values", &sample{}},
		{"Empty arrays", &sample{Bytes: []byte{}, I32s: []int32{}, I64s: []int64{}, F64s: []float64{}, Strs: []string{}, BytesAr: [][]byte{}}},
		{"Extremes", &sample{
			U8: math.MaxUint8, B: true, U16: math.MaxUint16, I32: math.MinInt32, I64: math.MinInt64,
			U64: math.MaxUint64, F32: math.SmallestNonzeroFloat32, F64: math.MaxFloat64,
		}},
		{"Arrays", &sample{
			Bytes:   []byte("payload"),
			Str:     "héllo wörld",
			I32s:    []int32{1, -2, 3},
			I64s:    []int64{math.MaxInt64, 0, -1},
			F64s:    []float64{0.1, -0.0, math.Inf(1)},
			Strs:    []string{"", "a", "bc"},
			BytesAr: [][]byte{nil, {}, {1, 2}},
		}},
		{"Large value", &sample{Bytes: bytes.Repeat([]byte{0xAB}, 3*directAllocLimit+7)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.rec, WithRegistry(reg))
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			got, err := Decode(data, WithRegistry(reg))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !reflect.DeepEqual(got, tt.rec) {
				t.Errorf("round trip mismatch:\n got  %+v\n want %+v", got, tt.rec)
			}
		})
	}
}

func TestNaNRoundTrip(t *testing.T) {
	data, err := Marshal(&sample{F64: math.NaN()})
	if err != nil {
		t.Fatal(err)
	}
	var got sample
	if err := Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if !math.IsNaN(got.F64) {
		t.Errorf("expected NaN, got %v", got.F64)
	}
}

func TestTruncatedInput(t *testing.T) {
	reg := testRegistry()
	data, err := Encode(&sample{Str: "some text", I64s: []int64{1, 2, 3}}, WithRegistry(reg))
	if err != nil {
		t.Fatal(err)
	}
	for _, cut := range []int{1, 2, 5, 20, len(data) - 1} {
		_, err := Decode(data[:cut], WithRegistry(reg))
		var te *errs.TruncatedInputError
		if !errors.As(err, &te) {
			t.Errorf("cut at %d: expected TruncatedInputError, got %v", cut, err)
		}
	}
}

func TestUnknownTypeID(t *testing.T) {
	reg := testRegistry()
	_, err := Decode([]byte{0x00, 0x63}, WithRegistry(reg))
	var de *errs.DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if de.TypeID != 0x63 {
		t.Errorf("DecodeError names type id %d, want %d", de.TypeID, 0x63)
	}
	if !strings.Contains(de.Error(), "99") {
		t.Errorf("error message should name the id: %q", de.Error())
	}
}

func TestIDsIndependentOfRegistrationOrder(t *testing.T) {
	a := NewRegistry()
	a.Register("x.one", func() Record { return &sample{} })
	a.Register("x.two", func() Record { return &other{} })

	b := NewRegistry()
	b.Register("x.two", func() Record { return &other{} })
	b.Register("x.one", func() Record { return &sample{} })

	if a.Fingerprint() != b.Fingerprint() {
		t.Error("fingerprints differ for the same set of names")
	}
	if !reflect.DeepEqual(a.TypeMap(), b.TypeMap()) {
		t.Errorf("type maps differ: %v vs %v", a.TypeMap(), b.TypeMap())
	}
}

func TestTypeMapRemap(t *testing.T) {
	// writer knows an extra type, shifting the ids of the shared ones
	writerReg := NewRegistry()
	writerReg.Register("test.aaa", func() Record { return &other{} })
	writerReg.Register("test.extra", func() Record { return &third{} })
	writerReg.Register("test.sample", func() Record { return &sample{} })

	readerReg := testRegistry()

	rec := &sample{Str: "remapped", I64: 42}
	data, err := Encode(rec, WithRegistry(writerReg))
	if err != nil {
		t.Fatal(err)
	}

	// the type map itself survives its own round trip
	var buf bytes.Buffer
	w := NewWriter(&buf)
	writerReg.TypeMap().MarshalWire(w)
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	tm := ReadTypeMap(NewBytesReader(buf.Bytes()))

	got, err := Decode(data, WithRegistry(readerReg), WithTypeMap(tm))
	if err != nil {
		t.Fatalf("decode with type map: %v", err)
	}
	if !reflect.DeepEqual(got, rec) {
		t.Errorf("got %+v, want %+v", got, rec)
	}

	// without the type map the id resolves to the wrong type or fails
	if got, err := Decode(data, WithRegistry(readerReg)); err == nil && reflect.DeepEqual(got, rec) {
		t.Error("decoding without type map should not yield the original record")
	}
}

func TestStream(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 10_000)
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.PutString("header")
	w.PutStream(int64(len(payload)), bytes.NewReader(payload))
	w.PutU8(7)
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	r := NewBytesReader(buf.Bytes())
	if h := r.Str(); h != "header" {
		t.Fatalf("header = %q", h)
	}
	var out bytes.Buffer
	if n := r.Stream(&out); n != int64(len(payload)) {
		t.Fatalf("stream length = %d", n)
	}
	if !bytes.Equal(out.Bytes(), payload) {
		t.Error("stream payload mismatch")
	}
	if v := r.U8(); v != 7 {
		t.Errorf("trailer = %d", v)
	}
	if !r.Done() {
		t.Error("reader should be exhausted")
	}
}

func TestStreamRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.PutU64(1 << 63)
	w.PutU8(7)
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	r := NewBytesReader(buf.Bytes())
	var out bytes.Buffer
	if n := r.Stream(&out); n != 0 || out.Len() != 0 {
		t.Fatalf("stream copied %d bytes", n)
	}
	var de *errs.DecodeError
	if !errors.As(r.Err(), &de) {
		t.Fatalf("expected a decode error, got %v", r.Err())
	}
}

func TestDoneDoesNotConsume(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for i := int64(0); i < 3; i++ {
		w.PutI64(i)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	r := NewBytesReader(buf.Bytes())
	var got []int64
	for !r.Done() {
		got = append(got, r.I64())
	}
	if err := r.Err(); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []int64{0, 1, 2}) {
		t.Errorf("got %v", got)
	}
}

func TestRegisterAfterFreezePanics(t *testing.T) {
	reg := testRegistry()
	reg.Freeze()
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	reg.Register("late", func() Record { return &third{} })
}
