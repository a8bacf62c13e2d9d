// Package model implements the per-tenant outlier model: an isolation forest
// over standardized feature vectors, its binary codec, and the registry that
// trains, caches and persists one model per tenant.
package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/montanaflynn/stats"
)

const eulerGamma = 0.5772156649015329

// ForestParams configures an IsolationForest.
type ForestParams struct {
	NumTrees      int
	SampleSize    int
	Contamination float64
	Seed          int64
}

// DefaultForestParams returns 100 trees, 256 samples per tree, 10%
// contamination and seed 42.
func DefaultForestParams() ForestParams {
	return ForestParams{NumTrees: 100, SampleSize: 256, Contamination: 0.1, Seed: 42}
}

// IsolationForest isolates points with random axis-aligned splits; points
// with short average path lengths are outliers. A fitted forest is immutable.
type IsolationForest struct {
	params      ForestParams
	dims        int
	sampleSize  int // effective, min(params.SampleSize, n)
	heightLimit int
	offset      float64
	trees       []*node
}

type node struct {
	leaf  bool
	size  int
	dim   int
	split float64
	left  *node
	right *node
}

// FitForest trains a forest on X. Every row must have the same length.
func FitForest(X [][]float64, params ForestParams) (*IsolationForest, error) {
	if len(X) == 0 {
		return nil, fmt.Errorf("cannot fit forest on empty matrix")
	}
	if params.NumTrees <= 0 || params.SampleSize <= 0 {
		return nil, fmt.Errorf("invalid forest params: %d trees, %d samples", params.NumTrees, params.SampleSize)
	}
	if params.Contamination <= 0 || params.Contamination > 0.5 {
		return nil, fmt.Errorf("contamination must be in (0, 0.5], got %v", params.Contamination)
	}
	dims := len(X[0])
	for i, row := range X {
		if len(row) != dims {
			return nil, fmt.Errorf("row %d has %d features, expected %d", i, len(row), dims)
		}
	}

	n := len(X)
	psi := params.SampleSize
	if psi > n {
		psi = n
	}
	f := &IsolationForest{
		params:      params,
		dims:        dims,
		sampleSize:  psi,
		heightLimit: int(math.Ceil(math.Log2(math.Max(float64(psi), 2)))),
		trees:       make([]*node, params.NumTrees),
	}

	rng := rand.New(rand.NewSource(params.Seed))
	for i := range f.trees {
		idxs := rng.Perm(n)[:psi]
		sample := make([][]float64, psi)
		for j, idx := range idxs {
			sample[j] = X[idx]
		}
		f.trees[i] = f.grow(rng, sample, 0)
	}

	scores := f.ScoreSamples(X)
	offset, err := stats.Percentile(stats.Float64Data(scores), 100*params.Contamination)
	if err != nil {
		offset, _ = stats.Min(stats.Float64Data(scores))
	}
	f.offset = offset
	return f, nil
}

func (f *IsolationForest) grow(rng *rand.Rand, X [][]float64, depth int) *node {
	if len(X) <= 1 || depth >= f.heightLimit {
		return &node{leaf: true, size: len(X)}
	}

	// Pick among features that still vary in this partition.
	type span struct {
		dim      int
		min, max float64
	}
	candidates := make([]span, 0, f.dims)
	for d := 0; d < f.dims; d++ {
		lo, hi := X[0][d], X[0][d]
		for _, row := range X[1:] {
			lo = math.Min(lo, row[d])
			hi = math.Max(hi, row[d])
		}
		if hi > lo {
			candidates = append(candidates, span{dim: d, min: lo, max: hi})
		}
	}
	if len(candidates) == 0 {
		return &node{leaf: true, size: len(X)}
	}

	c := candidates[rng.Intn(len(candidates))]
	split := c.min + rng.Float64()*(c.max-c.min)

	left := make([][]float64, 0, len(X))
	right := make([][]float64, 0, len(X))
	for _, row := range X {
		if row[c.dim] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &node{leaf: true, size: len(X)}
	}
	return &node{
		dim:   c.dim,
		split: split,
		left:  f.grow(rng, left, depth+1),
		right: f.grow(rng, right, depth+1),
	}
}

// averagePathLength is c(n), the expected path length of an unsuccessful
// binary search tree lookup among n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

func pathLength(nd *node, x []float64) float64 {
	depth := 0.0
	for !nd.leaf {
		if x[nd.dim] < nd.split {
			nd = nd.left
		} else {
			nd = nd.right
		}
		depth++
	}
	return depth + averagePathLength(nd.size)
}

// Score returns the raw score of x in [-1, 0]; lower is more anomalous.
func (f *IsolationForest) Score(x []float64) float64 {
	var sum float64
	for _, t := range f.trees {
		sum += pathLength(t, x)
	}
	mean := sum / float64(len(f.trees))
	c := averagePathLength(f.sampleSize)
	if c <= 0 {
		c = 1
	}
	return -math.Pow(2, -mean/c)
}

// ScoreSamples scores every row of X.
func (f *IsolationForest) ScoreSamples(X [][]float64) []float64 {
	out := make([]float64, len(X))
	for i, x := range X {
		out[i] = f.Score(x)
	}
	return out
}

// IsOutlier reports whether a raw score falls below the contamination
// threshold learned at fit time.
func (f *IsolationForest) IsOutlier(raw float64) bool {
	return raw < f.offset
}

// Dims is the feature count the forest was fitted on.
func (f *IsolationForest) Dims() int { return f.dims }

// Offset is the raw-score threshold separating outliers from inliers.
func (f *IsolationForest) Offset() float64 { return f.offset }

// Params returns the configuration the forest was fitted with.
func (f *IsolationForest) Params() ForestParams { return f.params }
