package fvec

import (
	"fmt"
	"math"

	"github.com/ValentinKolb/dFrame/lib/errs"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
)

const (
	// sparseMinRows is the minimal chunk length for the sparse encoding.
	sparseMinRows = 32
	// sparseRatio: at most 1/sparseRatio of the rows may differ from the default.
	sparseRatio = 8
	// maxScale is the largest number of decimal digits tried for scaled integers.
	maxScale = 9
	// maxExactInt is the largest integer every float64 represents exactly.
	maxExactInt = 1 << 53
)

// NewChunk buffers the values of one chunk while it is written.
// It is write-only and not safe for concurrent use; Compress turns it into a Chunk.
type NewChunk struct {
	typ   VecType
	idx   int
	nums  []float64   // TypeNumeric, NaN = NA
	ints  []int64     // integral types
	strs  []string    // TypeString
	uuids []uuid.UUID // TypeUUID
	na    []bool      // NA markers of integral, string and uuid rows
	n     int
	err   error
}

// NewNewChunk creates a builder for values of type typ.
func NewNewChunk(typ VecType) *NewChunk {
	return &NewChunk{typ: typ}
}

// Type returns the type of the values.
func (nc *NewChunk) Type() VecType { return nc.typ }

// Index returns the index of the chunk within its Vec (set by VecBuilder).
func (nc *NewChunk) Index() int { return nc.idx }

// Len returns the number of rows added so far.
func (nc *NewChunk) Len() int { return nc.n }

func (nc *NewChunk) fail(op string) {
	if nc.err == nil {
		nc.err = &errs.InvalidOperationError{Msg: fmt.Sprintf("%s on a %s chunk", op, nc.typ)}
	}
}

// AddNA appends a missing value.
func (nc *NewChunk) AddNA() {
	nc.n++
	switch {
	case nc.typ == TypeNumeric:
		nc.nums = append(nc.nums, math.NaN())
	case nc.typ.isIntegral():
		nc.ints = append(nc.ints, 0)
		nc.na = append(nc.na, true)
	case nc.typ == TypeString:
		nc.strs = append(nc.strs, "")
		nc.na = append(nc.na, true)
	case nc.typ == TypeUUID:
		nc.uuids = append(nc.uuids, uuid.Nil)
		nc.na = append(nc.na, true)
	}
}

// AddNum appends a number. NaN is NA. Integral chunks only accept whole numbers.
func (nc *NewChunk) AddNum(f float64) {
	if math.IsNaN(f) {
		nc.AddNA()
		return
	}
	switch {
	case nc.typ == TypeNumeric:
		nc.nums = append(nc.nums, f)
		nc.n++
	case nc.typ.isIntegral() && f == math.Trunc(f) && math.Abs(f) < math.MaxInt64:
		nc.AddInt(int64(f))
	default:
		nc.fail(fmt.Sprintf("AddNum(%g)", f))
	}
}

// AddInt appends an integer. On categorical chunks the integer is a domain code.
func (nc *NewChunk) AddInt(v int64) {
	switch {
	case nc.typ == TypeNumeric:
		nc.nums = append(nc.nums, float64(v))
	case nc.typ == TypeCategorical && (v < 0 || v >= math.MaxUint32):
		nc.fail(fmt.Sprintf("AddInt(%d)", v))
		return
	case nc.typ.isIntegral():
		nc.ints = append(nc.ints, v)
		nc.na = append(nc.na, false)
	default:
		nc.fail("AddInt")
		return
	}
	nc.n++
}

// AddStr appends a string.
func (nc *NewChunk) AddStr(s string) {
	if nc.typ != TypeString {
		nc.fail("AddStr")
		return
	}
	nc.strs = append(nc.strs, s)
	nc.na = append(nc.na, false)
	nc.n++
}

// AddLevel appends a categorical level, extending dom when the level is new.
func (nc *NewChunk) AddLevel(dom *Domain, level string) {
	if nc.typ != TypeCategorical {
		nc.fail("AddLevel")
		return
	}
	nc.AddInt(int64(dom.Extend(level)))
}

// AddUUID appends a UUID.
func (nc *NewChunk) AddUUID(u uuid.UUID) {
	if nc.typ != TypeUUID {
		nc.fail("AddUUID")
		return
	}
	nc.uuids = append(nc.uuids, u)
	nc.na = append(nc.na, false)
	nc.n++
}

// --------------------------------------------------------------------------
// Compression
// --------------------------------------------------------------------------

// Compress returns the narrowest encoding that represents every added value exactly.
func (nc *NewChunk) Compress() (Chunk, error) {
	if nc.err != nil {
		return nil, nc.err
	}
	var c Chunk
	switch {
	case nc.typ == TypeNumeric:
		c = compressFloats(nc.nums)
	case nc.typ == TypeCategorical:
		c = compressCodes(nc.ints, nc.na)
	case nc.typ.isIntegral():
		c = compressInts(nc.ints, nc.na)
	case nc.typ == TypeString:
		c = compressStrings(nc.strs, nc.na)
	case nc.typ == TypeUUID:
		c = compressUUIDs(nc.uuids, nc.na)
	default:
		c = &ConstChunk{N: int32(nc.n), Val: math.NaN()}
	}
	metrics.GetOrCreateCounter(fmt.Sprintf(`dframe_fvec_chunks_total{encoding=%q}`, c.Encoding())).Inc()
	return c, nil
}

func constant(n int, f float64, i int64) *ConstChunk {
	return &ConstChunk{N: int32(n), Val: f, IVal: i}
}

func same(a, b float64) bool {
	return a == b && math.Signbit(a) == math.Signbit(b) || math.IsNaN(a) && math.IsNaN(b)
}

func compressFloats(vals []float64) Chunk {
	n := len(vals)
	if n == 0 {
		return constant(0, math.NaN(), 0)
	}
	allSame, zeros, nas := true, 0, 0
	for _, f := range vals {
		if !same(f, vals[0]) {
			allSame = false
		}
		if f == 0 && !math.Signbit(f) {
			zeros++
		}
		if math.IsNaN(f) {
			nas++
		}
	}
	if allSame {
		return constant(n, vals[0], floatToInt(vals[0]))
	}
	if c := sparseFloats(vals, zeros, nas); c != nil {
		return c
	}
	if c := scaledInts(vals); c != nil {
		return c
	}
	exact32 := true
	for _, f := range vals {
		if !math.IsNaN(f) && float64(float32(f)) != f {
			exact32 = false
			break
		}
	}
	if exact32 {
		data := make([]float32, n)
		for i, f := range vals {
			data[i] = float32(f)
		}
		return &F32Chunk{Data: data}
	}
	return &F64Chunk{Data: append([]float64(nil), vals...)}
}

// sparseFloats uses the sparse encoding when at most 1/8 of the rows differ from 0 (or from NA).
func sparseFloats(vals []float64, zeros, nas int) Chunk {
	n := len(vals)
	if n < sparseMinRows {
		return nil
	}
	var def float64
	switch {
	case (n-zeros)*sparseRatio <= n:
		def = 0
	case (n-nas)*sparseRatio <= n:
		def = math.NaN()
	default:
		return nil
	}
	c := &SparseChunk{N: int32(n), Default: def}
	for i, f := range vals {
		if !same(f, def) {
			c.Rows = append(c.Rows, int32(i))
			c.Vals = append(c.Vals, f)
		}
	}
	return c
}

// decimals returns the smallest d such that f*10^d is a whole number that converts back to f.
func decimals(f float64) (int32, int64, bool) {
	for d := 0; d <= maxScale; d++ {
		m := f * pow10[d]
		if math.Abs(m) >= maxExactInt {
			return 0, 0, false
		}
		r := math.Round(m)
		if scaled(int64(r), int32(-d)) == f {
			return int32(d), int64(r), true
		}
	}
	return 0, 0, false
}

// scaledInts represents the values as integers with a common decimal scale, if that is exact
// and narrower than 8 bytes.
func scaledInts(vals []float64) Chunk {
	var scale int32
	for _, f := range vals {
		if math.IsNaN(f) {
			continue
		}
		if f == 0 && math.Signbit(f) {
			return nil // -0 has no integer form
		}
		d, _, ok := decimals(f)
		if !ok {
			return nil
		}
		scale = max(scale, d)
	}
	ints := make([]int64, len(vals))
	na := make([]bool, len(vals))
	for i, f := range vals {
		if math.IsNaN(f) {
			na[i] = true
			continue
		}
		m := math.Round(f * pow10[scale])
		if math.Abs(m) >= maxExactInt {
			return nil
		}
		ints[i] = int64(m)
	}
	c := packInts(ints, na, -scale)
	if c == nil || c.Width == 8 && scale > 0 {
		return nil
	}
	for i, f := range vals {
		if !same(c.Float(i), f) {
			return nil
		}
	}
	return c
}

func compressInts(vals []int64, na []bool) Chunk {
	n := len(vals)
	nas := 0
	for _, isNA := range na {
		if isNA {
			nas++
		}
	}
	if nas == n {
		return constant(n, math.NaN(), 0)
	}
	allSame := nas == 0
	for _, v := range vals {
		if v != vals[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return constant(n, float64(vals[0]), vals[0])
	}
	if c := sparseInts(vals, na, nas); c != nil {
		return c
	}
	if c := packInts(vals, na, 0); c != nil {
		return c
	}
	// a value collides with the 8 byte NA marker; keep floats when they are exact
	fs := make([]float64, n)
	for i, v := range vals {
		if na[i] {
			fs[i] = math.NaN()
		} else {
			fs[i] = float64(v)
		}
	}
	return &F64Chunk{Data: fs}
}

func sparseInts(vals []int64, na []bool, nas int) Chunk {
	n := len(vals)
	if n < sparseMinRows {
		return nil
	}
	zeros := 0
	for i, v := range vals {
		if v == 0 && !na[i] {
			zeros++
		}
	}
	c := &SparseChunk{N: int32(n)}
	switch {
	case (n-zeros)*sparseRatio <= n:
		c.Default = 0
	case (n-nas)*sparseRatio <= n:
		c.Default = math.NaN()
	default:
		return nil
	}
	c.IVals = []int64{}
	for i, v := range vals {
		isDefault := na[i] && math.IsNaN(c.Default) || !na[i] && v == 0 && c.Default == 0
		if isDefault {
			continue
		}
		c.Rows = append(c.Rows, int32(i))
		if na[i] {
			c.Vals = append(c.Vals, math.NaN())
		} else {
			c.Vals = append(c.Vals, float64(v))
		}
		c.IVals = append(c.IVals, v)
	}
	return c
}

// packInts stores vals in the narrowest width. The bias shifts the value range so that it
// starts right above the NA marker of the width. Returns nil if a value equals the 8 byte
// NA marker.
func packInts(vals []int64, na []bool, scale int32) *IntChunk {
	lo, hi := int64(math.MaxInt64), int64(math.MinInt64)
	for i, v := range vals {
		if na[i] {
			continue
		}
		lo, hi = min(lo, v), max(hi, v)
	}
	if lo > hi {
		lo, hi = 0, 0
	}
	width, bias := uint8(8), int64(0)
	for _, w := range []uint8{1, 2, 4} {
		naMark := naRaw(w)
		maxRaw := -naMark - 1
		if lo > naMark && hi <= maxRaw {
			width = w
			break
		}
		// hi - lo overflows for very wide ranges
		if hi-lo >= 0 && hi-lo <= maxRaw-(naMark+1) {
			width, bias = w, lo-(naMark+1)
			break
		}
	}
	if width == 8 && lo == math.MinInt64 {
		return nil
	}
	c := &IntChunk{Width: width, Bias: bias, Scale: scale, Data: make([]byte, len(vals)*int(width))}
	for i, v := range vals {
		if na[i] {
			c.put(i, naRaw(width))
		} else {
			c.put(i, v-bias)
		}
	}
	return c
}

func compressCodes(codes []int64, na []bool) Chunk {
	n := len(codes)
	var hi int64
	allNA, allSame := true, true
	for i, v := range codes {
		if na[i] {
			allSame = false
			continue
		}
		allNA = false
		hi = max(hi, v)
		if v != codes[0] || na[0] {
			allSame = false
		}
	}
	if allNA {
		return constant(n, math.NaN(), 0)
	}
	if allSame {
		return constant(n, float64(codes[0]), codes[0])
	}
	width := uint8(4)
	switch {
	case hi < math.MaxUint8:
		width = 1
	case hi < math.MaxUint16:
		width = 2
	}
	c := &CatChunk{Width: width, Data: make([]byte, n*int(width))}
	for i, v := range codes {
		if na[i] {
			c.put(i, catNA(width))
		} else {
			c.put(i, uint32(v))
		}
	}
	return c
}

func compressStrings(strs []string, na []bool) Chunk {
	c := &StrChunk{Offsets: make([]int32, len(strs)+1)}
	size := 0
	for _, s := range strs {
		size += len(s)
	}
	c.Data = make([]byte, 0, size)
	for i, s := range strs {
		if na[i] {
			c.Offsets[i] = -1
			continue
		}
		c.Offsets[i] = int32(len(c.Data))
		c.Data = append(c.Data, s...)
	}
	c.Offsets[len(strs)] = int32(len(c.Data))
	return c
}

func compressUUIDs(us []uuid.UUID, na []bool) Chunk {
	c := &UUIDChunk{Hi: make([]int64, len(us)), Lo: make([]int64, len(us))}
	for i, u := range us {
		if na[i] {
			c.Hi[i], c.Lo[i] = math.MinInt64, math.MinInt64
			continue
		}
		c.Hi[i], c.Lo[i] = uuidHalves(u)
	}
	return c
}
