package fvec

import (
	"encoding/binary"
	"math"
	"sort"
	"strconv"

	"github.com/ValentinKolb/dFrame/lib/codec"
	"github.com/google/uuid"
)

// Chunk is the compressed, immutable content of one row range of one Vec.
// Row indices are relative to the chunk. Every encoding answers every accessor;
// callers check IsNA before using Int or Str.
type Chunk interface {
	codec.Record
	// Len returns the number of rows.
	Len() int
	// Encoding names the compression scheme, e.g. "C1" or "CXS".
	Encoding() string
	// IsNA reports whether row i is missing.
	IsNA(i int) bool
	// Float returns row i as float64 (NaN if missing or not numeric).
	Float(i int) float64
	// Int returns row i as int64 (0 if missing).
	Int(i int) int64
	// Str returns row i as string ("" if missing). Numbers are formatted.
	Str(i int) string
	// MemSize estimates the bytes held by the chunk.
	MemSize() int
}

func init() {
	codec.Register("fvec.chunk.const", func() codec.Record { return &ConstChunk{} })
	codec.Register("fvec.chunk.int", func() codec.Record { return &IntChunk{} })
	codec.Register("fvec.chunk.f32", func() codec.Record { return &F32Chunk{} })
	codec.Register("fvec.chunk.f64", func() codec.Record { return &F64Chunk{} })
	codec.Register("fvec.chunk.sparse", func() codec.Record { return &SparseChunk{} })
	codec.Register("fvec.chunk.cat", func() codec.Record { return &CatChunk{} })
	codec.Register("fvec.chunk.str", func() codec.Record { return &StrChunk{} })
	codec.Register("fvec.chunk.uuid", func() codec.Record { return &UUIDChunk{} })
}

func formatFloat(f float64) string {
	if math.IsNaN(f) {
		return ""
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// --------------------------------------------------------------------------
// Constant
// --------------------------------------------------------------------------

// ConstChunk stores a single value repeated N times. A NaN value makes every row NA.
type ConstChunk struct {
	N    int32
	Val  float64
	IVal int64 // exact value for integral vecs
}

func (c *ConstChunk) Len() int { return int(c.N) }
func (c *ConstChunk) Encoding() string { return "C0" }
func (c *ConstChunk) IsNA(int) bool { return math.IsNaN(c.Val) }
func (c *ConstChunk) Float(int) float64 {
	return c.Val
}
func (c *ConstChunk) Int(int) int64 {
	if math.IsNaN(c.Val) {
		return 0
	}
	return c.IVal
}
func (c *ConstChunk) Str(int) string {
	if math.IsNaN(c.Val) {
		return ""
	}
	if float64(c.IVal) == c.Val {
		return strconv.FormatInt(c.IVal, 10)
	}
	return formatFloat(c.Val)
}
func (c *ConstChunk) MemSize() int { return 24 }

func (c *ConstChunk) MarshalWire(w *codec.Writer) {
	w.PutI32(c.N)
	w.PutF64(c.Val)
	w.PutI64(c.IVal)
}

func (c *ConstChunk) UnmarshalWire(r *codec.Reader) {
	c.N = r.I32()
	c.Val = r.F64()
	c.IVal = r.I64()
}

// --------------------------------------------------------------------------
// Scaled integers
// --------------------------------------------------------------------------

// IntChunk stores values as fixed width signed integers: value = (raw + Bias) * 10^Scale.
// Width is 1, 2, 4 or 8 bytes; the smallest raw value of the width marks NA.
type IntChunk struct {
	Width uint8
	Bias  int64
	Scale int32 // decimal exponent, <= 0
	Data  []byte
}

func naRaw(width uint8) int64 {
	switch width {
	case 1:
		return math.MinInt8
	case 2:
		return math.MinInt16
	case 4:
		return math.MinInt32
	default:
		return math.MinInt64
	}
}

func (c *IntChunk) raw(i int) int64 {
	switch c.Width {
	case 1:
		return int64(int8(c.Data[i]))
	case 2:
		return int64(int16(binary.BigEndian.Uint16(c.Data[2*i:])))
	case 4:
		return int64(int32(binary.BigEndian.Uint32(c.Data[4*i:])))
	default:
		return int64(binary.BigEndian.Uint64(c.Data[8*i:]))
	}
}

func (c *IntChunk) put(i int, raw int64) {
	switch c.Width {
	case 1:
		c.Data[i] = byte(int8(raw))
	case 2:
		binary.BigEndian.PutUint16(c.Data[2*i:], uint16(int16(raw)))
	case 4:
		binary.BigEndian.PutUint32(c.Data[4*i:], uint32(int32(raw)))
	default:
		binary.BigEndian.PutUint64(c.Data[8*i:], uint64(raw))
	}
}

func (c *IntChunk) Len() int { return len(c.Data) / int(c.Width) }
func (c *IntChunk) Encoding() string {
	return "C" + strconv.Itoa(int(c.Width))
}
func (c *IntChunk) IsNA(i int) bool { return c.raw(i) == naRaw(c.Width) }

func (c *IntChunk) Int(i int) int64 {
	raw := c.raw(i)
	if raw == naRaw(c.Width) {
		return 0
	}
	v := raw + c.Bias
	for s := c.Scale; s < 0; s++ {
		v /= 10
	}
	return v
}

func (c *IntChunk) Float(i int) float64 {
	raw := c.raw(i)
	if raw == naRaw(c.Width) {
		return math.NaN()
	}
	return scaled(raw+c.Bias, c.Scale)
}

func (c *IntChunk) Str(i int) string {
	if c.IsNA(i) {
		return ""
	}
	if c.Scale == 0 {
		return strconv.FormatInt(c.raw(i)+c.Bias, 10)
	}
	return formatFloat(c.Float(i))
}

func (c *IntChunk) MemSize() int { return len(c.Data) + 24 }

func (c *IntChunk) MarshalWire(w *codec.Writer) {
	w.PutU8(c.Width)
	w.PutI64(c.Bias)
	w.PutI32(c.Scale)
	w.PutBytes(c.Data)
}

func (c *IntChunk) UnmarshalWire(r *codec.Reader) {
	c.Width = r.U8()
	c.Bias = r.I64()
	c.Scale = r.I32()
	c.Data = r.Bytes()
	if c.Width != 1 && c.Width != 2 && c.Width != 4 && c.Width != 8 {
		c.Width = 8
	}
}

var pow10 = [...]float64{1, 1e1, 1e2, 1e3, 1e4, 1e5, 1e6, 1e7, 1e8, 1e9, 1e10, 1e11, 1e12, 1e13, 1e14, 1e15, 1e16, 1e17, 1e18}

// scaled returns v * 10^scale. Division by an exact power of ten keeps decimals exact.
func scaled(v int64, scale int32) float64 {
	if scale == 0 {
		return float64(v)
	}
	return float64(v) / pow10[-scale]
}

// --------------------------------------------------------------------------
// Floats
// --------------------------------------------------------------------------

// F32Chunk stores values that are exactly representable as float32. NaN marks NA.
type F32Chunk struct {
	Data []float32
}

func (c *F32Chunk) Len() int { return len(c.Data) }
func (c *F32Chunk) Encoding() string { return "C4F" }
func (c *F32Chunk) IsNA(i int) bool { return math.IsNaN(float64(c.Data[i])) }
func (c *F32Chunk) Float(i int) float64 { return float64(c.Data[i]) }
func (c *F32Chunk) Int(i int) int64 { return floatToInt(c.Float(i)) }
func (c *F32Chunk) Str(i int) string { return formatFloat(c.Float(i)) }
func (c *F32Chunk) MemSize() int { return 4*len(c.Data) + 24 }
func (c *F32Chunk) MarshalWire(w *codec.Writer) {
	w.PutU32(uint32(len(c.Data)))
	for _, f := range c.Data {
		w.PutF32(f)
	}
}

func (c *F32Chunk) UnmarshalWire(r *codec.Reader) {
	n := int(r.U32())
	if r.Err() != nil {
		return
	}
	c.Data = make([]float32, 0, min(n, 1<<16))
	for i := 0; i < n && r.Err() == nil; i++ {
		c.Data = append(c.Data, r.F32())
	}
}

// F64Chunk stores raw float64 values. NaN marks NA.
type F64Chunk struct {
	Data []float64
}

func (c *F64Chunk) Len() int { return len(c.Data) }
func (c *F64Chunk) Encoding() string { return "C8D" }
func (c *F64Chunk) IsNA(i int) bool { return math.IsNaN(c.Data[i]) }
func (c *F64Chunk) Float(i int) float64 { return c.Data[i] }
func (c *F64Chunk) Int(i int) int64 { return floatToInt(c.Data[i]) }
func (c *F64Chunk) Str(i int) string { return formatFloat(c.Data[i]) }
func (c *F64Chunk) MemSize() int { return 8*len(c.Data) + 24 }
func (c *F64Chunk) MarshalWire(w *codec.Writer) { w.PutF64s(c.Data) }
func (c *F64Chunk) UnmarshalWire(r *codec.Reader) { c.Data = r.F64s() }

func floatToInt(f float64) int64 {
	if math.IsNaN(f) {
		return 0
	}
	return int64(f)
}

// --------------------------------------------------------------------------
// Sparse
// --------------------------------------------------------------------------

// SparseChunk stores the rows that differ from Default. Rows is sorted ascending.
// Default is 0 or NaN (mostly missing).
type SparseChunk struct {
	N       int32
	Default float64
	Rows    []int32
	Vals    []float64
	IVals   []int64 // exact values for integral vecs, nil otherwise
}

func (c *SparseChunk) find(i int) (int, bool) {
	j := sort.Search(len(c.Rows), func(j int) bool { return c.Rows[j] >= int32(i) })
	return j, j < len(c.Rows) && c.Rows[j] == int32(i)
}

func (c *SparseChunk) Len() int { return int(c.N) }
func (c *SparseChunk) Encoding() string { return "CXS" }
func (c *SparseChunk) IsNA(i int) bool { return math.IsNaN(c.Float(i)) }

func (c *SparseChunk) Float(i int) float64 {
	if j, ok := c.find(i); ok {
		return c.Vals[j]
	}
	return c.Default
}

func (c *SparseChunk) Int(i int) int64 {
	j, ok := c.find(i)
	switch {
	case !ok:
		return floatToInt(c.Default)
	case c.IVals != nil:
		return c.IVals[j]
	default:
		return floatToInt(c.Vals[j])
	}
}

func (c *SparseChunk) Str(i int) string {
	if c.IsNA(i) {
		return ""
	}
	if j, ok := c.find(i); ok && c.IVals != nil {
		return strconv.FormatInt(c.IVals[j], 10)
	}
	return formatFloat(c.Float(i))
}

func (c *SparseChunk) MemSize() int { return 12*len(c.Rows) + 8*len(c.IVals) + 32 }

func (c *SparseChunk) MarshalWire(w *codec.Writer) {
	w.PutI32(c.N)
	w.PutF64(c.Default)
	w.PutI32s(c.Rows)
	w.PutF64s(c.Vals)
	w.PutI64s(c.IVals)
}

func (c *SparseChunk) UnmarshalWire(r *codec.Reader) {
	c.N = r.I32()
	c.Default = r.F64()
	c.Rows = r.I32s()
	c.Vals = r.F64s()
	c.IVals = r.I64s()
}

// --------------------------------------------------------------------------
// Categorical codes
// --------------------------------------------------------------------------

// CatChunk stores codes into a domain as unsigned integers of Width bytes (1, 2 or 4).
// The largest value of the width marks NA. The domain itself lives in the Vec header.
type CatChunk struct {
	Width uint8
	Data  []byte
}

func catNA(width uint8) uint32 {
	switch width {
	case 1:
		return math.MaxUint8
	case 2:
		return math.MaxUint16
	default:
		return math.MaxUint32
	}
}

func (c *CatChunk) code(i int) uint32 {
	switch c.Width {
	case 1:
		return uint32(c.Data[i])
	case 2:
		return uint32(binary.BigEndian.Uint16(c.Data[2*i:]))
	default:
		return binary.BigEndian.Uint32(c.Data[4*i:])
	}
}

func (c *CatChunk) put(i int, code uint32) {
	switch c.Width {
	case 1:
		c.Data[i] = byte(code)
	case 2:
		binary.BigEndian.PutUint16(c.Data[2*i:], uint16(code))
	default:
		binary.BigEndian.PutUint32(c.Data[4*i:], code)
	}
}

func (c *CatChunk) Len() int { return len(c.Data) / int(c.Width) }
func (c *CatChunk) Encoding() string { return "CAT" + strconv.Itoa(int(c.Width)) }
func (c *CatChunk) IsNA(i int) bool { return c.code(i) == catNA(c.Width) }

func (c *CatChunk) Float(i int) float64 {
	if c.IsNA(i) {
		return math.NaN()
	}
	return float64(c.code(i))
}

func (c *CatChunk) Int(i int) int64 {
	if c.IsNA(i) {
		return 0
	}
	return int64(c.code(i))
}

func (c *CatChunk) Str(i int) string {
	if c.IsNA(i) {
		return ""
	}
	return strconv.FormatUint(uint64(c.code(i)), 10)
}

func (c *CatChunk) MemSize() int { return len(c.Data) + 16 }

func (c *CatChunk) MarshalWire(w *codec.Writer) {
	w.PutU8(c.Width)
	w.PutBytes(c.Data)
}

func (c *CatChunk) UnmarshalWire(r *codec.Reader) {
	c.Width = r.U8()
	c.Data = r.Bytes()
	if c.Width != 1 && c.Width != 2 && c.Width != 4 {
		c.Width = 4
	}
}

// --------------------------------------------------------------------------
// Strings
// --------------------------------------------------------------------------

// StrChunk stores strings back to back in Data. Offsets has one entry per row
// (-1 marks NA) plus a final entry holding len(Data).
type StrChunk struct {
	Offsets []int32
	Data    []byte
}

func (c *StrChunk) Len() int {
	if len(c.Offsets) == 0 {
		return 0
	}
	return len(c.Offsets) - 1
}
func (c *StrChunk) Encoding() string { return "CSTR" }
func (c *StrChunk) IsNA(i int) bool { return c.Offsets[i] < 0 }
func (c *StrChunk) Float(i int) float64 { return math.NaN() }
func (c *StrChunk) Int(int) int64 { return 0 }

func (c *StrChunk) Str(i int) string {
	start := c.Offsets[i]
	if start < 0 {
		return ""
	}
	// the next non-NA offset ends this string
	end := int32(len(c.Data))
	for j := i + 1; j < len(c.Offsets); j++ {
		if c.Offsets[j] >= 0 {
			end = c.Offsets[j]
			break
		}
	}
	return string(c.Data[start:end])
}

func (c *StrChunk) MemSize() int { return 4*len(c.Offsets) + len(c.Data) + 24 }

func (c *StrChunk) MarshalWire(w *codec.Writer) {
	w.PutI32s(c.Offsets)
	w.PutBytes(c.Data)
}

func (c *StrChunk) UnmarshalWire(r *codec.Reader) {
	c.Offsets = r.I32s()
	c.Data = r.Bytes()
}

// --------------------------------------------------------------------------
// UUIDs
// --------------------------------------------------------------------------

// UUIDChunk stores each UUID as two int64 halves. A row with both halves set to
// math.MinInt64 is NA.
type UUIDChunk struct {
	Hi []int64
	Lo []int64
}

func uuidHalves(u uuid.UUID) (hi, lo int64) {
	return int64(binary.BigEndian.Uint64(u[:8])), int64(binary.BigEndian.Uint64(u[8:]))
}

func (c *UUIDChunk) Len() int { return len(c.Hi) }
func (c *UUIDChunk) Encoding() string { return "C16" }
func (c *UUIDChunk) IsNA(i int) bool { return c.Hi[i] == math.MinInt64 && c.Lo[i] == math.MinInt64 }
func (c *UUIDChunk) Float(i int) float64 { return math.NaN() }
func (c *UUIDChunk) Int(int) int64 { return 0 }

// UUID returns row i. The bool is false for NA.
func (c *UUIDChunk) UUID(i int) (uuid.UUID, bool) {
	if c.IsNA(i) {
		return uuid.Nil, false
	}
	var u uuid.UUID
	binary.BigEndian.PutUint64(u[:8], uint64(c.Hi[i]))
	binary.BigEndian.PutUint64(u[8:], uint64(c.Lo[i]))
	return u, true
}

func (c *UUIDChunk) Str(i int) string {
	u, ok := c.UUID(i)
	if !ok {
		return ""
	}
	return u.String()
}

func (c *UUIDChunk) MemSize() int { return 16*len(c.Hi) + 48 }

func (c *UUIDChunk) MarshalWire(w *codec.Writer) {
	w.PutI64s(c.Hi)
	w.PutI64s(c.Lo)
}

func (c *UUIDChunk) UnmarshalWire(r *codec.Reader) {
	c.Hi = r.I64s()
	c.Lo = r.I64s()
}
