package util

import (
	"math"

	gometrics "github.com/rcrowley/go-metrics"
)

// sampleSize is the reservoir size of a SizeSampler
const sampleSize = 1028

// SizeSampler estimates the size of database entries from a uniform sample of the sizes
// added to it.
//
// Thread-safety: All methods are safe for concurrent use.
type SizeSampler struct {
	h gometrics.Histogram
}

// NewSizeSampler creates an empty sampler.
func NewSizeSampler() *SizeSampler {
	return &SizeSampler{h: gometrics.NewHistogram(gometrics.NewUniformSample(sampleSize))}
}

// Add records the size of one entry.
func (s *SizeSampler) Add(size int) { s.h.Update(int64(size)) }

// Count returns the number of sizes added.
func (s *SizeSampler) Count() int64 { return s.h.Count() }

// Percentile returns the p-th percentile (0 < p < 1) of the sampled sizes.
func (s *SizeSampler) Percentile(p float64) float64 { return s.h.Snapshot().Percentile(p) }

// Estimate returns the size of a typical entry, weighting the median 60% and the mean 40%.
// Few very large chunks would dominate the mean alone.
func (s *SizeSampler) Estimate() int {
	snap := s.h.Snapshot()
	if snap.Count() == 0 {
		return 0
	}
	return int((snap.Percentile(0.5)*60 + snap.Mean()*40) / 100)
}

// ShardBalance describes how evenly entries are spread over the shards of a database.
type ShardBalance struct {
	Min          int64   `json:"min"`
	Max          int64   `json:"max"`
	Mean         float64 `json:"mean"`
	StdDeviation float64 `json:"std_deviation"`
	MinMaxRatio  float64 `json:"min_max_ratio"`
	// Quality is 1 for a perfectly even spread and approaches 0 for a skewed one.
	Quality float64 `json:"quality"`
}

// NewShardBalance computes the balance of the given shard sizes.
func NewShardBalance(sizes []int64) ShardBalance {
	if len(sizes) == 0 {
		return ShardBalance{}
	}
	b := ShardBalance{
		Min:          gometrics.SampleMin(sizes),
		Max:          gometrics.SampleMax(sizes),
		Mean:         gometrics.SampleMean(sizes),
		StdDeviation: gometrics.SampleStdDev(sizes),
		MinMaxRatio:  1,
	}
	if b.Max > 0 {
		b.MinMaxRatio = float64(b.Min) / float64(b.Max)
	}
	var cv float64
	if b.Mean > 0 {
		cv = b.StdDeviation / b.Mean
	}
	b.Quality = (1-math.Min(1, cv))*0.5 + b.MinMaxRatio*0.5
	return b
}
