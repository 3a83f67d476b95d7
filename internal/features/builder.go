// Package features lays band powers and motion summaries out in the channel
// order the inference model was trained with.
package features

import (
	"fmt"

	"attentionspan-backend/internal/models"
)

// Builder produces fixed-shape feature tensors
type Builder struct{}

// NewBuilder creates a builder
func NewBuilder() *Builder {
	return &Builder{}
}

// Scalars returns the 11 feature values in models.FeatureChannels order
func Scalars(bp models.BandPowers, motion models.MotionSummary) []float64 {
	out := make([]float64, 0, models.NumFeatureChannels)
	out = append(out, bp[:]...)
	out = append(out, motion.Gyro[:]...)
	out = append(out, motion.Accel[:]...)
	return out
}

// Build broadcasts every scalar across a time axis of samples entries.
// samples must match the accepted EEG buffer's sample count.
func (b *Builder) Build(bp models.BandPowers, motion models.MotionSummary, samples int) (models.FeatureVector, error) {
	if samples <= 0 {
		return models.FeatureVector{}, fmt.Errorf("feature vector needs a positive sample count, got %d", samples)
	}

	scalars := Scalars(bp, motion)
	data := make([][]float64, len(scalars))
	for ch, v := range scalars {
		row := make([]float64, samples)
		for i := range row {
			row[i] = v
		}
		data[ch] = row
	}
	return models.FeatureVector{Data: data}, nil
}
