// Package conditioning removes DC offset, drift, muscle noise and powerline
// interference from raw multi-channel EEG buffers.
package conditioning

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// ErrFilter is matched by every *FilterError
var ErrFilter = errors.New("filter error")

// FilterError reports a channel that could not be filtered
type FilterError struct {
	Channel int
	Samples int
	Reason  string
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("filter error on channel %d (%d samples): %s", e.Channel, e.Samples, e.Reason)
}

// Is makes errors.Is(err, ErrFilter) true for any FilterError
func (e *FilterError) Is(target error) bool {
	return target == ErrFilter
}

// MinSamples is the shortest channel the forward-backward filters accept
const MinSamples = padLen + 1

// Band is a [Low, High] Hz interval
type Band struct {
	Low  float64
	High float64
}

// LineNoise selects which powerline band-stops run
type LineNoise string

const (
	LineNoiseBoth LineNoise = "both"
	LineNoise50   LineNoise = "50"
	LineNoise60   LineNoise = "60"
)

// Notches returns the band-stop intervals for a line-noise mode.
// Unknown modes fall back to both.
func (ln LineNoise) Notches() []Band {
	switch ln {
	case LineNoise50:
		return []Band{{Low: 48, High: 52}}
	case LineNoise60:
		return []Band{{Low: 58, High: 62}}
	default:
		return []Band{{Low: 58, High: 62}, {Low: 48, High: 52}}
	}
}

// Config holds the conditioner filter plan
type Config struct {
	Passband Band
	Notches  []Band
	// ForwardOnly disables the backward pass. The output then carries the
	// filters' phase delay.
	ForwardOnly bool
}

// DefaultConfig keeps 1-50 Hz and removes both 50 Hz and 60 Hz mains
func DefaultConfig() Config {
	return Config{
		Passband: Band{Low: 1, High: 50},
		Notches:  LineNoiseBoth.Notches(),
	}
}

// Conditioner applies detrend, band-pass and band-stop filtering per channel
type Conditioner struct {
	cfg Config
}

// New creates a conditioner
func New(cfg Config) *Conditioner {
	return &Conditioner{cfg: cfg}
}

// Condition returns a filtered copy of buf; buf itself is never modified.
// Each channel is processed independently: constant detrend, 2nd-order
// Butterworth high-pass and low-pass at the passband edges, then a
// second-order band-stop per notch.
func (c *Conditioner) Condition(buf [][]float64, samplingRate float64) ([][]float64, error) {
	sections, err := c.design(samplingRate)
	if err != nil {
		return nil, &FilterError{Channel: -1, Samples: sampleCount(buf), Reason: err.Error()}
	}

	out := make([][]float64, len(buf))
	for ch, raw := range buf {
		if len(raw) < MinSamples {
			return nil, &FilterError{
				Channel: ch,
				Samples: len(raw),
				Reason:  fmt.Sprintf("need at least %d samples", MinSamples),
			}
		}

		x := make([]float64, len(raw))
		mean := stat.Mean(raw, nil)
		for i, v := range raw {
			x[i] = v - mean
		}

		for _, s := range sections {
			if c.cfg.ForwardOnly {
				s.run(x)
			} else {
				s.filtfilt(x)
			}
		}
		out[ch] = x
	}
	return out, nil
}

func (c *Conditioner) design(fs float64) ([]biquad, error) {
	if fs <= 0 {
		return nil, fmt.Errorf("invalid sampling rate %.2f", fs)
	}
	nyquist := fs / 2
	pb := c.cfg.Passband
	if pb.Low <= 0 || pb.High <= pb.Low {
		return nil, fmt.Errorf("invalid passband %.1f-%.1f Hz", pb.Low, pb.High)
	}
	if pb.High >= nyquist {
		return nil, fmt.Errorf("passband edge %.1f Hz at or above Nyquist %.1f Hz", pb.High, nyquist)
	}

	sections := []biquad{highpass(pb.Low, fs), lowpass(pb.High, fs)}
	for _, n := range c.cfg.Notches {
		if n.High >= nyquist || n.High <= n.Low {
			continue
		}
		sections = append(sections, bandstop(n.Low, n.High, fs))
	}
	return sections, nil
}

func sampleCount(buf [][]float64) int {
	if len(buf) == 0 {
		return 0
	}
	return len(buf[0])
}
