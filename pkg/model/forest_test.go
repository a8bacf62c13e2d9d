package model

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	engerrors "github.com/lucid-vigil/healthguard/pkg/errors"
)

// clusteredMatrix returns n points around the origin in dims dimensions.
func clusteredMatrix(n, dims int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	X := make([][]float64, n)
	for i := range X {
		X[i] = make([]float64, dims)
		for d := range X[i] {
			X[i][d] = rng.NormFloat64()
		}
	}
	return X
}

func TestFitForest_ScoresOutliersLower(t *testing.T) {
	X := clusteredMatrix(500, 4, 7)
	f, err := FitForest(X, DefaultForestParams())
	require.NoError(t, err)

	inlier := f.Score([]float64{0, 0, 0, 0})
	outlier := f.Score([]float64{8, -8, 8, -8})

	assert.GreaterOrEqual(t, inlier, -1.0)
	assert.LessOrEqual(t, inlier, 0.0)
	assert.Less(t, outlier, inlier)
	assert.True(t, f.IsOutlier(outlier))
	assert.False(t, f.IsOutlier(inlier))
}

func TestFitForest_ContaminationOffset(t *testing.T) {
	X := clusteredMatrix(1000, 3, 11)
	f, err := FitForest(X, DefaultForestParams())
	require.NoError(t, err)

	outliers := 0
	for _, s := range f.ScoreSamples(X) {
		if f.IsOutlier(s) {
			outliers++
		}
	}
	// The offset sits at the 10th percentile of training scores.
	assert.InDelta(t, 100, outliers, 15)
}

func TestFitForest_Deterministic(t *testing.T) {
	X := clusteredMatrix(300, 5, 3)

	a, err := FitForest(X, DefaultForestParams())
	require.NoError(t, err)
	b, err := FitForest(X, DefaultForestParams())
	require.NoError(t, err)

	sample := []float64{1.5, -0.2, 0.3, 2.2, -1}
	assert.Equal(t, a.Score(sample), b.Score(sample))
	assert.Equal(t, a.Offset(), b.Offset())
}

func TestFitForest_SmallAndConstantInputs(t *testing.T) {
	constant := make([][]float64, 20)
	for i := range constant {
		constant[i] = []float64{1, 1}
	}
	f, err := FitForest(constant, DefaultForestParams())
	require.NoError(t, err)
	assert.Equal(t, 20, f.sampleSize)
	assert.False(t, f.IsOutlier(f.Score([]float64{1, 1})))

	_, err = FitForest(nil, DefaultForestParams())
	assert.Error(t, err)

	_, err = FitForest([][]float64{{1, 2}, {1}}, DefaultForestParams())
	assert.Error(t, err)

	_, err = FitForest(constant, ForestParams{NumTrees: 10, SampleSize: 8, Contamination: 0})
	assert.Error(t, err)
}

func TestAveragePathLength(t *testing.T) {
	assert.Equal(t, 0.0, averagePathLength(1))
	assert.Equal(t, 1.0, averagePathLength(2))
	assert.InDelta(t, 10.2448, averagePathLength(256), 1e-3)
}

func TestFitScaler(t *testing.T) {
	X := [][]float64{{1, 5}, {3, 5}, {5, 5}}
	s, err := FitScaler(X)
	require.NoError(t, err)

	assert.Equal(t, []float64{3, 5}, s.Mean)
	assert.InDelta(t, 1.63299, s.Scale[0], 1e-5)
	assert.Equal(t, 1.0, s.Scale[1], "constant columns keep unit scale")

	out, err := s.Transform([]float64{3, 9})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 4}, out)

	_, err = s.Transform([]float64{1})
	assert.Error(t, err)
}

func TestCheckCapability(t *testing.T) {
	c, err := CheckCapability(true)
	require.NoError(t, err)
	assert.Equal(t, Available, c)
	assert.Equal(t, "available", c.String())

	c, err = CheckCapability(false)
	assert.True(t, engerrors.IsKind(err, engerrors.KindCapability))
	assert.Equal(t, Unavailable, c)
	assert.Equal(t, "unavailable", c.String())
}
