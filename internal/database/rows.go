package database

import (
	"encoding/json"
	"fmt"
	"time"

	"attentionspan-backend/internal/models"
)

// ResultRow is the flattened column layout of one inference result,
// shared by every result store
type ResultRow struct {
	Timestamp          time.Time
	SessionID          string
	DeviceID           string
	Iteration          uint64
	ClassLabel         string
	Confidence         float64
	ClassProbabilities string // JSON array of {label, probability}
	ContinuousOutputs  []float64
	BandPowers         models.BandPowers
	GyroMean           []float64
	AccelMean          []float64
	Samples            uint32
}

// NewResultRow flattens an inference result
func NewResultRow(r models.InferenceResult) (ResultRow, error) {
	probs, err := json.Marshal(r.ClassProbabilities)
	if err != nil {
		return ResultRow{}, fmt.Errorf("failed to encode class probabilities: %w", err)
	}
	outputs := r.ContinuousOutputs
	if outputs == nil {
		outputs = []float64{}
	}
	return ResultRow{
		Timestamp:          r.Timestamp,
		SessionID:          r.SessionID,
		DeviceID:           r.DeviceID,
		Iteration:          r.Iteration,
		ClassLabel:         r.ClassLabel,
		Confidence:         r.Confidence(),
		ClassProbabilities: string(probs),
		ContinuousOutputs:  outputs,
		BandPowers:         r.Features.BandPowers,
		GyroMean:           r.Features.Motion.Gyro[:],
		AccelMean:          r.Features.Motion.Accel[:],
		Samples:            uint32(r.Features.Samples),
	}, nil
}

// Result rebuilds the inference result a row was flattened from
func (row ResultRow) Result() (models.InferenceResult, error) {
	var probs []models.ClassProbability
	if err := json.Unmarshal([]byte(row.ClassProbabilities), &probs); err != nil {
		return models.InferenceResult{}, fmt.Errorf("failed to decode class probabilities: %w", err)
	}
	r := models.InferenceResult{
		SessionID:          row.SessionID,
		DeviceID:           row.DeviceID,
		Iteration:          row.Iteration,
		Timestamp:          row.Timestamp,
		ClassLabel:         row.ClassLabel,
		ClassProbabilities: probs,
		ContinuousOutputs:  row.ContinuousOutputs,
		Features: models.FeatureSnapshot{
			BandPowers: row.BandPowers,
			Samples:    int(row.Samples),
		},
	}
	copy(r.Features.Motion.Gyro[:], row.GyroMean)
	copy(r.Features.Motion.Accel[:], row.AccelMean)
	return r, nil
}

// EncodeDeviceConfig serialises the free-form device config column
func EncodeDeviceConfig(cfg map[string]string) (string, error) {
	if len(cfg) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to encode device config: %w", err)
	}
	return string(b), nil
}
