package task

import (
	"context"
	"math"

	"github.com/ValentinKolb/dFrame/lib/codec"
	"github.com/ValentinKolb/dFrame/lib/store"
)

func init() {
	codec.Register("task.sums", func() codec.Record { return &ColumnSums{} })
	codec.Register("task.sums.result", func() codec.Record { return &Sums{} })
	codec.Register("task.rowcount", func() codec.Record { return &RowCount{} })
	codec.Register("task.rowcount.result", func() codec.Record { return &Count{} })
	codec.Register("task.rollups", func() codec.Record { return &RollupStats{} })
	codec.Register("task.rollups.result", func() codec.Record { return &Rollups{} })
}

// --------------------------------------------------------------------------
// ColumnSums
// --------------------------------------------------------------------------

// ColumnSums adds up the non-missing values of every input column.
type ColumnSums struct{}

// Sums is the result of ColumnSums, one sum per input column.
type Sums struct {
	Values []float64
}

func (*ColumnSums) MarshalWire(*codec.Writer)   {}
func (*ColumnSums) UnmarshalWire(*codec.Reader) {}

func (*ColumnSums) Map(_ context.Context, cs *Chunks) (Result, error) {
	out := &Sums{Values: make([]float64, len(cs.Cols))}
	for c, col := range cs.Cols {
		var sum float64
		for i := 0; i < cs.Len; i++ {
			if !col.IsNA(i) {
				sum += col.Float(i)
			}
		}
		out.Values[c] = sum
	}
	return out, nil
}

func (*ColumnSums) Reduce(left, right Result) Result {
	l, r := left.(*Sums), right.(*Sums)
	out := &Sums{Values: make([]float64, len(l.Values))}
	for i := range l.Values {
		out.Values[i] = l.Values[i] + r.Values[i]
	}
	return out
}

func (s *Sums) MarshalWire(w *codec.Writer)   { w.PutF64s(s.Values) }
func (s *Sums) UnmarshalWire(r *codec.Reader) { s.Values = r.F64s() }

// --------------------------------------------------------------------------
// RowCount
// --------------------------------------------------------------------------

// RowCount counts rows and the rows missing in any input column.
type RowCount struct{}

// Count is the result of RowCount.
type Count struct {
	Rows       int64
	RowsWithNA int64
}

func (*RowCount) MarshalWire(*codec.Writer)   {}
func (*RowCount) UnmarshalWire(*codec.Reader) {}

func (*RowCount) Map(_ context.Context, cs *Chunks) (Result, error) {
	out := &Count{Rows: int64(cs.Len)}
	for i := 0; i < cs.Len; i++ {
		for _, col := range cs.Cols {
			if col.IsNA(i) {
				out.RowsWithNA++
				break
			}
		}
	}
	return out, nil
}

func (*RowCount) Reduce(left, right Result) Result {
	l, r := left.(*Count), right.(*Count)
	return &Count{Rows: l.Rows + r.Rows, RowsWithNA: l.RowsWithNA + r.RowsWithNA}
}

func (c *Count) MarshalWire(w *codec.Writer) {
	w.PutI64(c.Rows)
	w.PutI64(c.RowsWithNA)
}

func (c *Count) UnmarshalWire(r *codec.Reader) {
	c.Rows = r.I64()
	c.RowsWithNA = r.I64()
}

// --------------------------------------------------------------------------
// RollupStats
// --------------------------------------------------------------------------

// RollupStats computes min, max, mean, standard deviation and the number of missing values
// of every input column. String and UUID columns only count their missing values.
type RollupStats struct{}

// Rollup holds the statistics of one column. Mean and M2 are combined with the parallel
// variance formula, so merging partial rollups keeps full precision.
type Rollup struct {
	Rows  int64 // non-missing rows
	NAs   int64
	Min   float64
	Max   float64
	Mean  float64
	M2    float64 // sum of squared differences from the mean
	Zeros int64
}

// Sigma returns the sample standard deviation.
func (r Rollup) Sigma() float64 {
	if r.Rows < 2 {
		return 0
	}
	return math.Sqrt(r.M2 / float64(r.Rows-1))
}

// Rollups is the result of RollupStats, one rollup per input column.
type Rollups struct {
	Cols []Rollup
}

func (*RollupStats) MarshalWire(*codec.Writer)   {}
func (*RollupStats) UnmarshalWire(*codec.Reader) {}

func emptyRollup() Rollup {
	return Rollup{Min: math.Inf(1), Max: math.Inf(-1)}
}

func (*RollupStats) Map(_ context.Context, cs *Chunks) (Result, error) {
	out := &Rollups{Cols: make([]Rollup, len(cs.Cols))}
	for c, col := range cs.Cols {
		ru := emptyRollup()
		numeric := cs.Vecs[c].Type.IsNumeric()
		for i := 0; i < cs.Len; i++ {
			if col.IsNA(i) {
				ru.NAs++
				continue
			}
			if !numeric {
				continue
			}
			f := col.Float(i)
			ru.Rows++
			ru.Min, ru.Max = math.Min(ru.Min, f), math.Max(ru.Max, f)
			if f == 0 {
				ru.Zeros++
			}
			delta := f - ru.Mean
			ru.Mean += delta / float64(ru.Rows)
			ru.M2 += delta * (f - ru.Mean)
		}
		out.Cols[c] = ru
	}
	return out, nil
}

func mergeRollup(a, b Rollup) Rollup {
	out := Rollup{
		Rows:  a.Rows + b.Rows,
		NAs:   a.NAs + b.NAs,
		Min:   math.Min(a.Min, b.Min),
		Max:   math.Max(a.Max, b.Max),
		Zeros: a.Zeros + b.Zeros,
	}
	switch {
	case a.Rows == 0:
		out.Mean, out.M2 = b.Mean, b.M2
	case b.Rows == 0:
		out.Mean, out.M2 = a.Mean, a.M2
	default:
		n := float64(out.Rows)
		delta := b.Mean - a.Mean
		out.Mean = a.Mean + delta*float64(b.Rows)/n
		out.M2 = a.M2 + b.M2 + delta*delta*float64(a.Rows)*float64(b.Rows)/n
	}
	return out
}

func (*RollupStats) Reduce(left, right Result) Result {
	l, r := left.(*Rollups), right.(*Rollups)
	out := &Rollups{Cols: make([]Rollup, len(l.Cols))}
	for i := range l.Cols {
		out.Cols[i] = mergeRollup(l.Cols[i], r.Cols[i])
	}
	return out
}

func (rs *Rollups) MarshalWire(w *codec.Writer) {
	w.PutU32(uint32(len(rs.Cols)))
	for _, c := range rs.Cols {
		w.PutI64(c.Rows)
		w.PutI64(c.NAs)
		w.PutF64(c.Min)
		w.PutF64(c.Max)
		w.PutF64(c.Mean)
		w.PutF64(c.M2)
		w.PutI64(c.Zeros)
	}
}

func (rs *Rollups) UnmarshalWire(r *codec.Reader) {
	n := int(r.U32())
	for i := 0; i < n && r.Err() == nil; i++ {
		rs.Cols = append(rs.Cols, Rollup{
			Rows:  r.I64(),
			NAs:   r.I64(),
			Min:   r.F64(),
			Max:   r.F64(),
			Mean:  r.F64(),
			M2:    r.F64(),
			Zeros: r.I64(),
		})
	}
}

// VecRollups computes the rollup of a single Vec.
func VecRollups(ctx context.Context, e *Engine, vec store.Key) (Rollup, error) {
	res, err := e.Submit(ctx, &RollupStats{}, vec)
	if err != nil {
		return Rollup{}, err
	}
	return res.(*Rollups).Cols[0], nil
}
