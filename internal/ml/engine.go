// Package ml runs the attention/fatigue model over feature vectors, either
// locally from a model file or through a remote inference endpoint.
package ml

import (
	"context"
	"errors"
	"fmt"
	"math"

	"attentionspan-backend/internal/models"
)

// ErrInference wraps every failure raised while predicting
var ErrInference = errors.New("model inference failure")

// Engine predicts class probabilities and continuous outputs for one
// feature vector. Implementations must be safe to call from one goroutine
// at a time and must not retain fv.
type Engine interface {
	Predict(ctx context.Context, fv models.FeatureVector) (Prediction, error)
}

// Prediction is the output of both model heads
type Prediction struct {
	ClassLabel         string
	ClassProbabilities []models.ClassProbability
	ContinuousOutputs  []float64
}

// finalize checks the probabilities and fills in the arg-max label
func finalize(probs []models.ClassProbability, outputs []float64) (Prediction, error) {
	var sum float64
	for _, cp := range probs {
		if math.IsNaN(cp.Probability) || math.IsInf(cp.Probability, 0) || cp.Probability < 0 {
			return Prediction{}, fmt.Errorf("%w: invalid probability %v for %q", ErrInference, cp.Probability, cp.Label)
		}
		sum += cp.Probability
	}
	if math.Abs(sum-1) > models.ProbabilityTolerance {
		return Prediction{}, fmt.Errorf("%w: class probabilities sum to %.6f", ErrInference, sum)
	}
	for i, v := range outputs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Prediction{}, fmt.Errorf("%w: continuous output %d is %v", ErrInference, i, v)
		}
	}

	label, err := models.ArgMax(probs)
	if err != nil {
		return Prediction{}, fmt.Errorf("%w: %v", ErrInference, err)
	}
	return Prediction{
		ClassLabel:         label,
		ClassProbabilities: probs,
		ContinuousOutputs:  outputs,
	}, nil
}
