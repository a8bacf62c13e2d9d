package model

import (
	"fmt"

	engerrors "github.com/lucid-vigil/healthguard/pkg/errors"
)

// Capability records whether numeric modeling works on this node. It is
// decided once at startup and threaded through the detector.
type Capability int

const (
	Unavailable Capability = iota
	Available
)

func (c Capability) String() string {
	if c == Available {
		return "available"
	}
	return "unavailable"
}

// CheckCapability fits and scores a tiny synthetic model. Any error or panic
// marks modeling as unavailable. enabled=false skips the check.
func CheckCapability(enabled bool) (c Capability, err error) {
	if !enabled {
		return Unavailable, engerrors.NewCapabilityError(fmt.Errorf("anomaly detection disabled by configuration"))
	}
	defer func() {
		if r := recover(); r != nil {
			c, err = Unavailable, engerrors.NewCapabilityError(fmt.Errorf("modeling check panicked: %v", r))
		}
	}()

	X := make([][]float64, 32)
	for i := range X {
		X[i] = []float64{float64(i % 4), float64(i % 7), float64(i)}
	}
	scaler, err := FitScaler(X)
	if err != nil {
		return Unavailable, err
	}
	scaled, err := scaler.TransformAll(X)
	if err != nil {
		return Unavailable, err
	}
	forest, err := FitForest(scaled, ForestParams{NumTrees: 4, SampleSize: 16, Contamination: 0.1, Seed: 1})
	if err != nil {
		return Unavailable, err
	}
	blob, err := forest.MarshalBinary()
	if err != nil {
		return Unavailable, err
	}
	if _, err := UnmarshalForest(blob); err != nil {
		return Unavailable, err
	}
	if s := forest.Score(scaled[0]); s < -1 || s > 0 {
		return Unavailable, fmt.Errorf("check score %v out of range", s)
	}
	return Available, nil
}
