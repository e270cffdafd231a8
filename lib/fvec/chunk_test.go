package fvec

import (
	"math"
	"testing"

	"github.com/ValentinKolb/dFrame/lib/errs"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func numChunk(vals ...float64) *NewChunk {
	nc := NewNewChunk(TypeNumeric)
	for _, v := range vals {
		nc.AddNum(v)
	}
	return nc
}

func repeat(n int, f func(i int) float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = f(i)
	}
	return out
}

// compressAndDecode compresses nc and returns the chunk after a trip through its stored form.
func compressAndDecode(t *testing.T, nc *NewChunk) (Chunk, Chunk) {
	t.Helper()
	c, err := nc.Compress()
	require.NoError(t, err)
	data, err := EncodeChunk(c)
	require.NoError(t, err)
	back, err := DecodeChunk(data)
	require.NoError(t, err)
	again, err := EncodeChunk(back)
	require.NoError(t, err)
	require.Equal(t, data, again)
	return c, back
}

func TestCompressNumeric(t *testing.T) {
	tests := []struct {
		name     string
		vals     []float64
		encoding string
	}{
		{"all NA", repeat(10, func(int) float64 { return math.NaN() }), "C0"},
		{"constant", repeat(10, func(int) float64 { return 3.5 }), "C0"},
		{"small ints", repeat(101, func(i int) float64 { return float64(i) }), "C1"},
		{"biased ints", repeat(201, func(i int) float64 { return float64(1000 + i) }), "C1"},
		{"decimals", []float64{1.25, 2.5, 3.75, math.NaN()}, "C1"},
		{"wide ints", []float64{-30000, 30000, 7}, "C2"},
		{"int32 range", []float64{-1e9, 1e9}, "C4"},
		{"sparse zeros", repeat(100, func(i int) float64 {
			if i%25 == 3 {
				return float64(i) * 0.5
			}
			return 0
		}), "CXS"},
		{"sparse NA", repeat(64, func(i int) float64 {
			if i == 10 {
				return 42
			}
			return math.NaN()
		}), "CXS"},
		{"few rows stay dense", repeat(20, func(i int) float64 {
			if i == 4 {
				return 1
			}
			return 0
		}), "C1"},
		{"float32", []float64{float64(float32(0.1)), float64(float32(0.7)), 2}, "C4F"},
		{"float64", []float64{math.Pi, 1, math.NaN()}, "C8D"},
		{"negative zero", []float64{math.Copysign(0, -1), 1}, "C4F"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, back := compressAndDecode(t, numChunk(tt.vals...))
			require.Equal(t, tt.encoding, c.Encoding())
			require.Equal(t, len(tt.vals), back.Len())
			for i, want := range tt.vals {
				got := back.Float(i)
				if math.IsNaN(want) {
					require.True(t, back.IsNA(i), "row %d", i)
					continue
				}
				require.False(t, back.IsNA(i), "row %d", i)
				require.Equal(t, math.Float64bits(want), math.Float64bits(got), "row %d: %g != %g", i, got, want)
			}
		})
	}
}

func TestCompressIntegral(t *testing.T) {
	tests := []struct {
		name     string
		typ      VecType
		vals     []int64
		na       []int // rows added as NA
		encoding string
	}{
		{"constant", TypeInteger, []int64{7, 7, 7}, nil, "C0"},
		{"large constant", TypeInteger, []int64{math.MaxInt64 - 1, math.MaxInt64 - 1}, nil, "C0"},
		{"two bytes", TypeInteger, []int64{0, 1000, 2, 5}, []int{3}, "C2"},
		{"full range", TypeInteger, []int64{math.MinInt64 + 1, math.MaxInt64, 0}, nil, "C8"},
		{"time", TypeTime, []int64{1_700_000_000_000, 1_700_000_000_500}, nil, "C2"},
		{"sparse", TypeInteger, func() []int64 {
			v := make([]int64, 40)
			v[5] = math.MaxInt64
			return v
		}(), nil, "CXS"},
		{"codes", TypeCategorical, []int64{0, 2, 1, 2}, []int{2}, "CAT1"},
		{"wide codes", TypeCategorical, []int64{0, 300}, nil, "CAT2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nc := NewNewChunk(tt.typ)
			isNA := map[int]bool{}
			for _, r := range tt.na {
				isNA[r] = true
			}
			for i, v := range tt.vals {
				if isNA[i] {
					nc.AddNA()
				} else {
					nc.AddInt(v)
				}
			}
			c, back := compressAndDecode(t, nc)
			require.Equal(t, tt.encoding, c.Encoding())
			for i, want := range tt.vals {
				if isNA[i] {
					require.True(t, back.IsNA(i))
					continue
				}
				require.False(t, back.IsNA(i))
				require.Equal(t, want, back.Int(i), "row %d", i)
			}
		})
	}
}

func TestCompressStrings(t *testing.T) {
	nc := NewNewChunk(TypeString)
	nc.AddStr("x")
	nc.AddNA()
	nc.AddStr("")
	nc.AddStr("yz")
	c, back := compressAndDecode(t, nc)
	require.Equal(t, "CSTR", c.Encoding())
	require.Equal(t, 4, back.Len())
	require.Equal(t, "x", back.Str(0))
	require.True(t, back.IsNA(1))
	require.False(t, back.IsNA(2))
	require.Equal(t, "", back.Str(2))
	require.Equal(t, "yz", back.Str(3))
}

func TestCompressUUIDs(t *testing.T) {
	u1, u2 := uuid.New(), uuid.New()
	nc := NewNewChunk(TypeUUID)
	nc.AddUUID(u1)
	nc.AddNA()
	nc.AddUUID(u2)
	c, back := compressAndDecode(t, nc)
	require.Equal(t, "C16", c.Encoding())
	got, ok := back.(*UUIDChunk).UUID(0)
	require.True(t, ok)
	require.Equal(t, u1, got)
	require.True(t, back.IsNA(1))
	require.Equal(t, u2.String(), back.Str(2))
}

func TestNewChunkRejectsWrongType(t *testing.T) {
	nc := NewNewChunk(TypeInteger)
	nc.AddInt(1)
	nc.AddNum(1.5)
	nc.AddStr("no")
	_, err := nc.Compress()
	var inv *errs.InvalidOperationError
	require.ErrorAs(t, err, &inv)
	require.Contains(t, inv.Error(), "AddNum(1.5)")

	cat := NewNewChunk(TypeCategorical)
	cat.AddInt(-1)
	_, err = cat.Compress()
	require.ErrorAs(t, err, &inv)
}

func TestDomain(t *testing.T) {
	d := NewDomain("a", "b", "a")
	require.Equal(t, []string{"a", "b"}, d.Levels())
	require.Equal(t, int32(2), d.Extend("c"))
	require.Equal(t, int32(0), d.Extend("a"))
	code, ok := d.Code("b")
	require.True(t, ok)
	require.Equal(t, int32(1), code)
	_, ok = d.Level(3)
	require.False(t, ok)

	nc := NewNewChunk(TypeCategorical)
	nc.AddLevel(d, "z")
	nc.AddLevel(d, "a")
	require.Equal(t, 4, d.Len())
	c, err := nc.Compress()
	require.NoError(t, err)
	require.Equal(t, int64(3), c.Int(0))
	require.Equal(t, int64(0), c.Int(1))
}
