package fvec

import (
	"fmt"
	"slices"
	"sort"

	"github.com/ValentinKolb/dFrame/lib/codec"
	"github.com/ValentinKolb/dFrame/lib/errs"
)

// RowLayout describes how the rows of a Vec are split into chunks.
// Starts holds nChunks+1 row indices: chunk i covers rows [Starts[i], Starts[i+1]).
// Chunks may be empty. A layout is immutable once a Vec using it was published.
type RowLayout struct {
	Starts []int64
}

// NewRowLayout creates the layout of chunks with the given row counts.
func NewRowLayout(lengths []int) RowLayout {
	starts := make([]int64, len(lengths)+1)
	for i, n := range lengths {
		starts[i+1] = starts[i] + int64(n)
	}
	return RowLayout{Starts: starts}
}

// UniformLayout splits rows into nChunks chunks of (almost) equal size.
// The first rows%nChunks chunks hold one extra row.
func UniformLayout(rows int64, nChunks int) RowLayout {
	if nChunks <= 0 {
		nChunks = 1
	}
	lengths := make([]int, nChunks)
	base, extra := rows/int64(nChunks), rows%int64(nChunks)
	for i := range lengths {
		lengths[i] = int(base)
		if int64(i) < extra {
			lengths[i]++
		}
	}
	return NewRowLayout(lengths)
}

// NChunks returns the number of chunks.
func (l RowLayout) NChunks() int {
	if len(l.Starts) == 0 {
		return 0
	}
	return len(l.Starts) - 1
}

// Len returns the number of rows.
func (l RowLayout) Len() int64 {
	if len(l.Starts) == 0 {
		return 0
	}
	return l.Starts[len(l.Starts)-1]
}

// ChunkStart returns the first row of chunk i.
func (l RowLayout) ChunkStart(i int) int64 { return l.Starts[i] }

// ChunkLen returns the number of rows of chunk i.
func (l RowLayout) ChunkLen(i int) int { return int(l.Starts[i+1] - l.Starts[i]) }

// ChunkForRow returns the index of the chunk holding row. Empty chunks are never returned.
func (l RowLayout) ChunkForRow(row int64) (int, error) {
	if row < 0 || row >= l.Len() {
		return -1, &errs.InvalidOperationError{Msg: fmt.Sprintf("row %d out of range [0, %d)", row, l.Len())}
	}
	// first start greater than row, the chunk before it is non-empty and holds row
	i := sort.Search(len(l.Starts), func(i int) bool { return l.Starts[i] > row })
	return i - 1, nil
}

// Validate checks that the chunks cover [0, Len) without gaps or overlaps.
func (l RowLayout) Validate() error {
	if len(l.Starts) == 0 {
		return &errs.InvalidOperationError{Msg: "row layout has no chunks"}
	}
	if l.Starts[0] != 0 {
		return &errs.InvalidOperationError{Msg: fmt.Sprintf("row layout starts at %d", l.Starts[0])}
	}
	for i := 1; i < len(l.Starts); i++ {
		if l.Starts[i] < l.Starts[i-1] {
			return &errs.InvalidOperationError{Msg: fmt.Sprintf("chunk %d ends before it starts", i-1)}
		}
	}
	return nil
}

// Equal reports whether both layouts have the same chunk boundaries.
func (l RowLayout) Equal(o RowLayout) bool { return slices.Equal(l.Starts, o.Starts) }

func (l RowLayout) String() string {
	return fmt.Sprintf("RowLayout{rows=%d, chunks=%d}", l.Len(), l.NChunks())
}

func (l *RowLayout) MarshalWire(w *codec.Writer)   { w.PutI64s(l.Starts) }
func (l *RowLayout) UnmarshalWire(r *codec.Reader) { l.Starts = r.I64s() }
