// Package artifact decides whether a conditioned burst is clean enough for
// spectral analysis.
package artifact

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"attentionspan-backend/internal/models"
)

// Config holds the gate thresholds
type Config struct {
	MinSamples         int     // floor after every pass
	AmplitudeThreshold float64 // uV, absolute value on any channel
	MotionThreshold    float64 // sensor native units
	VarianceRejection  bool    // drop the highest-variance samples
	VariancePercentile float64 // samples above this percentile are dropped
}

// DefaultConfig returns the canonical threshold set
func DefaultConfig() Config {
	return Config{
		MinSamples:         32,
		AmplitudeThreshold: 250,
		MotionThreshold:    0.5,
		VarianceRejection:  false,
		VariancePercentile: 95,
	}
}

// Verdict is the gate outcome. Reason is zero when the burst is accepted.
type Verdict struct {
	Buffer      [][]float64
	Reason      models.RejectionReason
	MotionScore float64
	Dropped     int
	Detail      string
}

// Accepted reports whether the burst passed every check
func (v Verdict) Accepted() bool {
	return v.Reason == 0
}

// Samples returns the accepted sample count
func (v Verdict) Samples() int {
	return models.SampleCount(v.Buffer)
}

// Gate applies the ordered artifact checks
type Gate struct {
	cfg Config
}

// NewGate creates a gate
func NewGate(cfg Config) *Gate {
	return &Gate{cfg: cfg}
}

// Config returns the gate thresholds
func (g *Gate) Config() Config {
	return g.cfg
}

// Evaluate runs the checks in order and stops at the first failure:
// minimum samples, amplitude, variance (optional), motion, even length.
// On acceptance the returned buffer has at least MinSamples samples and an
// even sample count. The input buffer is never modified.
func (g *Gate) Evaluate(buf [][]float64, _ models.MotionSummary, accel [][]float64) Verdict {
	n := models.SampleCount(buf)
	if len(buf) == 0 || n < g.cfg.MinSamples {
		return reject(models.InsufficientSamples, fmt.Sprintf("%d samples, need %d", n, g.cfg.MinSamples))
	}

	kept := g.amplitudeMask(buf)
	if len(kept) < g.cfg.MinSamples {
		return reject(models.AmplitudeArtifact,
			fmt.Sprintf("%d of %d samples within %.0f uV", len(kept), n, g.cfg.AmplitudeThreshold))
	}

	if g.cfg.VarianceRejection {
		kept = g.varianceMask(buf, kept)
		if len(kept) < g.cfg.MinSamples {
			return reject(models.AmplitudeArtifact,
				fmt.Sprintf("%d samples left after variance rejection", len(kept)))
		}
	}

	score := MotionScore(accel)
	if score > g.cfg.MotionThreshold {
		v := reject(models.MotionArtifact, fmt.Sprintf("motion score %.3f > %.3f", score, g.cfg.MotionThreshold))
		v.MotionScore = score
		return v
	}

	if len(kept)%2 == 1 {
		kept = kept[:len(kept)-1]
		if len(kept) < g.cfg.MinSamples {
			return reject(models.InsufficientSamples,
				fmt.Sprintf("%d samples after even-length trim, need %d", len(kept), g.cfg.MinSamples))
		}
	}

	return Verdict{
		Buffer:      gather(buf, kept),
		MotionScore: score,
		Dropped:     n - len(kept),
	}
}

func reject(reason models.RejectionReason, detail string) Verdict {
	return Verdict{Reason: reason, Detail: detail}
}

// amplitudeMask returns the sample indices below threshold on every channel
func (g *Gate) amplitudeMask(buf [][]float64) []int {
	n := models.SampleCount(buf)
	kept := make([]int, 0, n)
	for j := 0; j < n; j++ {
		clean := true
		for _, ch := range buf {
			// NaN fails the comparison and is dropped
			if !(math.Abs(ch[j]) < g.cfg.AmplitudeThreshold) {
				clean = false
				break
			}
		}
		if clean {
			kept = append(kept, j)
		}
	}
	return kept
}

// varianceMask drops samples whose cross-channel spread lies above the
// configured percentile. Samples at the percentile are kept, so a flat
// burst loses nothing.
func (g *Gate) varianceMask(buf [][]float64, idx []int) []int {
	spread := make([]float64, len(idx))
	col := make([]float64, len(buf))
	for k, j := range idx {
		for ch := range buf {
			col[ch] = buf[ch][j]
		}
		spread[k] = stat.PopStdDev(col, nil)
	}

	sorted := append([]float64(nil), spread...)
	sort.Float64s(sorted)
	limit := stat.Quantile(g.cfg.VariancePercentile/100, stat.LinInterp, sorted, nil)

	kept := make([]int, 0, len(idx))
	for k, j := range idx {
		if spread[k] <= limit {
			kept = append(kept, j)
		}
	}
	return kept
}

func gather(buf [][]float64, idx []int) [][]float64 {
	out := make([][]float64, len(buf))
	for ch, src := range buf {
		dst := make([]float64, len(idx))
		for k, j := range idx {
			dst[k] = src[j]
		}
		out[ch] = dst
	}
	return out
}
