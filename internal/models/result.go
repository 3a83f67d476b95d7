package models

import (
	"fmt"
	"time"
)

// ClassProbability is one entry of the ordered label -> probability mapping
type ClassProbability struct {
	Label       string  `json:"label"`
	Probability float64 `json:"probability"`
}

// FeatureSnapshot is the scalar view of the features a result was computed from
type FeatureSnapshot struct {
	BandPowers BandPowers    `json:"band_powers"`
	Motion     MotionSummary `json:"motion"`
	Samples    int           `json:"samples"`
}

// InferenceResult is emitted once per successful cycle and never mutated afterwards.
// Consumers receive it by value; slices are owned by the result.
type InferenceResult struct {
	SessionID          string             `json:"session_id"`
	DeviceID           string             `json:"device_id"`
	Iteration          uint64             `json:"iteration"`
	Timestamp          time.Time          `json:"timestamp"`
	ClassLabel         string             `json:"class_label"`
	ClassProbabilities []ClassProbability `json:"class_probabilities"`
	ContinuousOutputs  []float64          `json:"continuous_outputs"`
	Features           FeatureSnapshot    `json:"features"`
}

// Probability returns the probability of a label and whether it exists
func (r InferenceResult) Probability(label string) (float64, bool) {
	for _, cp := range r.ClassProbabilities {
		if cp.Label == label {
			return cp.Probability, true
		}
	}
	return 0, false
}

// Confidence returns the probability of the predicted label
func (r InferenceResult) Confidence() float64 {
	p, _ := r.Probability(r.ClassLabel)
	return p
}

// ProbabilityTolerance bounds how far class probabilities may sum away from 1
const ProbabilityTolerance = 1e-4

// ArgMax returns the label with the highest probability (first one on ties)
func ArgMax(probs []ClassProbability) (string, error) {
	if len(probs) == 0 {
		return "", fmt.Errorf("no class probabilities")
	}
	best := 0
	for i := 1; i < len(probs); i++ {
		if probs[i].Probability > probs[best].Probability {
			best = i
		}
	}
	return probs[best].Label, nil
}

// RejectionReason tags why a cycle was skipped
type RejectionReason int

const (
	InsufficientSamples RejectionReason = iota + 1
	AmplitudeArtifact
	MotionArtifact
	FilterFailure
	SpectralComputationFailure
	ModelInferenceFailure
	AcquisitionFailure
)

// NumRejectionReasons sizes per-reason counters (index 0 is unused)
const NumRejectionReasons = int(AcquisitionFailure) + 1

var reasonNames = [NumRejectionReasons]string{
	"",
	"insufficient_samples",
	"amplitude_artifact",
	"motion_artifact",
	"filter_error",
	"spectral_computation_failure",
	"model_inference_failure",
	"acquisition_failure",
}

// RejectionReasons lists every reason in declaration order
func RejectionReasons() []RejectionReason {
	out := make([]RejectionReason, 0, NumRejectionReasons-1)
	for r := InsufficientSamples; int(r) < NumRejectionReasons; r++ {
		out = append(out, r)
	}
	return out
}

func (r RejectionReason) String() string {
	if r <= 0 || int(r) >= NumRejectionReasons {
		return "none"
	}
	return reasonNames[r]
}

// Artifact reports whether the reason is an expected data-quality rejection
// rather than a numeric or external failure.
func (r RejectionReason) Artifact() bool {
	return r == InsufficientSamples || r == AmplitudeArtifact || r == MotionArtifact
}

// MarshalText encodes the reason by name
func (r RejectionReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText decodes a reason name
func (r *RejectionReason) UnmarshalText(text []byte) error {
	for i := 1; i < NumRejectionReasons; i++ {
		if reasonNames[i] == string(text) {
			*r = RejectionReason(i)
			return nil
		}
	}
	return fmt.Errorf("unknown rejection reason %q", text)
}

// Rejection records one skipped cycle
type Rejection struct {
	SessionID string          `json:"session_id"`
	DeviceID  string          `json:"device_id"`
	Cycle     uint64          `json:"cycle"`
	Timestamp time.Time       `json:"timestamp"`
	Reason    RejectionReason `json:"reason"`
	Samples   int             `json:"samples"`
	Detail    string          `json:"detail,omitempty"`
}
