package model

import (
	"fmt"

	"github.com/montanaflynn/stats"
)

// Columns whose deviation is below minScale are treated as constant.
const minScale = 1e-12

// StandardScaler centers each feature on its training mean and divides by the
// population standard deviation. Constant features get a scale of 1.
type StandardScaler struct {
	Mean  []float64
	Scale []float64
}

// FitScaler computes per-column statistics over X.
func FitScaler(X [][]float64) (*StandardScaler, error) {
	if len(X) == 0 {
		return nil, fmt.Errorf("cannot fit scaler on empty matrix")
	}
	dims := len(X[0])
	s := &StandardScaler{Mean: make([]float64, dims), Scale: make([]float64, dims)}

	column := make(stats.Float64Data, len(X))
	for d := 0; d < dims; d++ {
		for i, row := range X {
			if len(row) != dims {
				return nil, fmt.Errorf("row %d has %d features, expected %d", i, len(row), dims)
			}
			column[i] = row[d]
		}
		mean, err := stats.Mean(column)
		if err != nil {
			return nil, fmt.Errorf("mean of feature %d: %w", d, err)
		}
		std, err := stats.StandardDeviationPopulation(column)
		if err != nil {
			return nil, fmt.Errorf("std of feature %d: %w", d, err)
		}
		if std < minScale {
			std = 1
		}
		s.Mean[d] = mean
		s.Scale[d] = std
	}
	return s, nil
}

// Transform returns a scaled copy of x.
func (s *StandardScaler) Transform(x []float64) ([]float64, error) {
	if len(x) != len(s.Mean) {
		return nil, fmt.Errorf("vector has %d features, scaler expects %d", len(x), len(s.Mean))
	}
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = (v - s.Mean[i]) / s.Scale[i]
	}
	return out, nil
}

// TransformAll scales every row of X.
func (s *StandardScaler) TransformAll(X [][]float64) ([][]float64, error) {
	out := make([][]float64, len(X))
	for i, row := range X {
		scaled, err := s.Transform(row)
		if err != nil {
			return nil, err
		}
		out[i] = scaled
	}
	return out, nil
}

// Dims is the feature count the scaler was fitted on.
func (s *StandardScaler) Dims() int { return len(s.Mean) }
