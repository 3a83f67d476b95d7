// Package bandpower estimates EEG band powers with Welch's method.
package bandpower

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/integrate"

	"attentionspan-backend/internal/models"
)

// ErrSpectral wraps every spectral computation failure
var ErrSpectral = errors.New("spectral computation failure")

// Extractor integrates a Welch PSD over the canonical bands
type Extractor struct {
	bands [models.NumBands]models.BandRange
}

// New creates an extractor for the canonical bands
func New() *Extractor {
	return &Extractor{bands: models.Bands}
}

// Extract returns the cross-channel average power per band. The buffer must
// have an even, non-zero sample count.
func (e *Extractor) Extract(buf [][]float64, samplingRate float64) (models.BandPowers, error) {
	var out models.BandPowers

	n := models.SampleCount(buf)
	switch {
	case len(buf) == 0 || n < 2:
		return out, fmt.Errorf("%w: %d samples", ErrSpectral, n)
	case n%2 != 0:
		return out, fmt.Errorf("%w: odd sample count %d", ErrSpectral, n)
	case samplingRate <= 0:
		return out, fmt.Errorf("%w: sampling rate %.2f", ErrSpectral, samplingRate)
	}

	for ch, x := range buf {
		if len(x) != n {
			return out, fmt.Errorf("%w: channel %d has %d samples, want %d", ErrSpectral, ch, len(x), n)
		}
		freqs, psd := Welch(x, samplingRate)
		for i, b := range e.bands {
			p := integrateBand(freqs, psd, b.Low, b.High)
			if math.IsNaN(p) || math.IsInf(p, 0) {
				return models.BandPowers{}, fmt.Errorf("%w: %s power on channel %d is %v", ErrSpectral, b.Band, ch, p)
			}
			out[i] += p
		}
	}

	for i := range out {
		out[i] /= float64(len(buf))
	}
	return out, nil
}

// Welch returns the one-sided power spectral density of x in units^2/Hz.
// Segments are Hann-windowed, overlap by half and are zero-padded to the
// next power of two at or above twice the sampling rate.
func Welch(x []float64, fs float64) (freqs, psd []float64) {
	segLen := segmentLength(len(x), fs)
	nfft := nextPow2(max(segLen, int(math.Ceil(2*fs))))
	step := segLen / 2
	if step == 0 {
		step = 1
	}

	win := window.Hann(ones(segLen))
	var winPower float64
	for _, w := range win {
		winPower += w * w
	}

	fft := fourier.NewFFT(nfft)
	seg := make([]float64, nfft)
	coeffs := make([]complex128, nfft/2+1)
	psd = make([]float64, nfft/2+1)

	segments := 0
	for start := 0; start+segLen <= len(x); start += step {
		var mean float64
		for _, v := range x[start : start+segLen] {
			mean += v
		}
		mean /= float64(segLen)

		for i := range seg {
			seg[i] = 0
		}
		for i := 0; i < segLen; i++ {
			seg[i] = (x[start+i] - mean) * win[i]
		}

		coeffs = fft.Coefficients(coeffs, seg)
		for k, c := range coeffs {
			psd[k] += real(c)*real(c) + imag(c)*imag(c)
		}
		segments++
	}

	scale := 1 / (fs * winPower * float64(segments))
	for k := range psd {
		psd[k] *= scale
		if k != 0 && !(nfft%2 == 0 && k == nfft/2) {
			psd[k] *= 2
		}
	}

	freqs = make([]float64, len(psd))
	for k := range freqs {
		freqs[k] = fft.Freq(k) * fs
	}
	return freqs, psd
}

// segmentLength is the largest even length not exceeding n or 2*fs
func segmentLength(n int, fs float64) int {
	l := min(n, int(2*fs))
	if l%2 != 0 {
		l--
	}
	return max(l, 2)
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func ones(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1
	}
	return w
}

// integrateBand applies the trapezoidal rule over the bins inside [low, high]
func integrateBand(freqs, psd []float64, low, high float64) float64 {
	lo, hi := -1, -1
	for k, f := range freqs {
		if f < low {
			continue
		}
		if f > high {
			break
		}
		if lo < 0 {
			lo = k
		}
		hi = k
	}
	if lo < 0 || hi <= lo {
		return 0
	}
	return integrate.Trapezoidal(freqs[lo:hi+1], psd[lo:hi+1])
}
