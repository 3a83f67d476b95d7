package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"attentionspan-backend/internal/models"
)

// --- Remote inference (/predict) ---
type predictReq struct {
	FeatureChannels []string    `json:"feature_channels"`
	Features        [][]float64 `json:"features"`
}

type predictResp struct {
	ClassProbabilities []models.ClassProbability `json:"class_probabilities"`
	ContinuousOutputs  []float64                 `json:"continuous_outputs"`
}

// RemoteEngine posts feature vectors to an inference server
type RemoteEngine struct {
	baseURL string
	c       *http.Client
}

// NewRemoteEngine creates a client for baseURL with a per-request timeout
func NewRemoteEngine(baseURL string, timeout time.Duration) *RemoteEngine {
	return &RemoteEngine{
		baseURL: strings.TrimRight(baseURL, "/"),
		c:       &http.Client{Timeout: timeout},
	}
}

func (r *RemoteEngine) Predict(ctx context.Context, fv models.FeatureVector) (Prediction, error) {
	b, err := json.Marshal(predictReq{FeatureChannels: models.FeatureChannels, Features: fv.Data})
	if err != nil {
		return Prediction{}, fmt.Errorf("%w: encode: %v", ErrInference, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/predict", bytes.NewReader(b))
	if err != nil {
		return Prediction{}, fmt.Errorf("%w: %v", ErrInference, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.c.Do(req)
	if err != nil {
		return Prediction{}, fmt.Errorf("%w: %v", ErrInference, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return Prediction{}, fmt.Errorf("%w: predict %s: %s", ErrInference, resp.Status, strings.TrimSpace(string(body)))
	}

	var out predictResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Prediction{}, fmt.Errorf("%w: predict decode: %v", ErrInference, err)
	}
	if out.ContinuousOutputs == nil {
		out.ContinuousOutputs = []float64{}
	}
	return finalize(out.ClassProbabilities, out.ContinuousOutputs)
}
