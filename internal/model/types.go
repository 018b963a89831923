package model

import (
	"errors"
	"math"
)

var (
	// ErrModelNotFound is returned by NewServer when the artifact is missing.
	ErrModelNotFound = errors.New("model not found")

	// ErrInference wraps every failure of a forward pass.
	ErrInference = errors.New("inference failed")
)

// Options describes how to open the model artifact. InputShape is the
// tensor shape the preprocessor produces, batch dimension included.
type Options struct {
	Path        string
	LibraryPath string
	InputName   string
	OutputName  string
	InputShape  []int64
}

// Prediction is the result of a single forward pass.
type Prediction struct {
	Index         int       `json:"prediction"`
	Probabilities []float32 `json:"probabilities"`
}

// NewPrediction pairs a probability vector with its argmax.
func NewPrediction(probs []float32) Prediction {
	return Prediction{Index: Argmax(probs), Probabilities: probs}
}

// Argmax returns the index of the first maximum value, or -1 for an empty slice.
// A NaN compares greater than everything, so the first NaN wins.
func Argmax(values []float32) int {
	if len(values) == 0 {
		return -1
	}
	maxIdx := 0
	maxVal := values[0]
	for i, v := range values {
		if math.IsNaN(float64(v)) {
			return i
		}
		if v > maxVal {
			maxVal = v
			maxIdx = i
		}
	}
	return maxIdx
}
