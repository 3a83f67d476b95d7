package conditioning

import "math"

// butterworthQ is the quality factor of a second-order Butterworth section
const butterworthQ = 1 / math.Sqrt2

// biquad is a normalised second-order IIR section (a0 == 1)
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
}

// padLen is the edge extension used by forward-backward filtering: 3 * (taps - 1)
const padLen = 6

func newBiquad(b0, b1, b2, a0, a1, a2 float64) biquad {
	return biquad{
		b0: b0 / a0, b1: b1 / a0, b2: b2 / a0,
		a1: a1 / a0, a2: a2 / a0,
	}
}

func lowpass(cutoff, fs float64) biquad {
	w0 := 2 * math.Pi * cutoff / fs
	cos, alpha := math.Cos(w0), math.Sin(w0)/(2*butterworthQ)
	return newBiquad((1-cos)/2, 1-cos, (1-cos)/2, 1+alpha, -2*cos, 1-alpha)
}

func highpass(cutoff, fs float64) biquad {
	w0 := 2 * math.Pi * cutoff / fs
	cos, alpha := math.Cos(w0), math.Sin(w0)/(2*butterworthQ)
	return newBiquad((1+cos)/2, -(1 + cos), (1+cos)/2, 1+alpha, -2*cos, 1-alpha)
}

// bandstop is a notch centred between low and high with Q = centre / width
func bandstop(low, high, fs float64) biquad {
	centre := (low + high) / 2
	q := centre / (high - low)
	w0 := 2 * math.Pi * centre / fs
	cos, alpha := math.Cos(w0), math.Sin(w0)/(2*q)
	return newBiquad(1, -2*cos, 1, 1+alpha, -2*cos, 1-alpha)
}

// dcGain is H(z=1)
func (f biquad) dcGain() float64 {
	return (f.b0 + f.b1 + f.b2) / (1 + f.a1 + f.a2)
}

// run filters x in place (transposed direct form II), starting from the
// steady state for a constant input equal to x[0].
func (f biquad) run(x []float64) {
	if len(x) == 0 {
		return
	}
	y0 := x[0] * f.dcGain()
	z1 := y0 - f.b0*x[0]
	z2 := f.b2*x[0] - f.a2*y0
	for i, in := range x {
		out := f.b0*in + z1
		z1 = f.b1*in - f.a1*out + z2
		z2 = f.b2*in - f.a2*out
		x[i] = out
	}
}

// filtfilt applies the section forwards then backwards over an odd extension
// of the signal, cancelling the phase response. len(x) must exceed padLen.
func (f biquad) filtfilt(x []float64) {
	n := len(x)
	ext := make([]float64, n+2*padLen)
	for i := 0; i < padLen; i++ {
		ext[i] = 2*x[0] - x[padLen-i]
		ext[n+padLen+i] = 2*x[n-1] - x[n-2-i]
	}
	copy(ext[padLen:], x)

	f.run(ext)
	reverse(ext)
	f.run(ext)
	reverse(ext)

	copy(x, ext[padLen:padLen+n])
}

func reverse(x []float64) {
	for i, j := 0, len(x)-1; i < j; i, j = i+1, j-1 {
		x[i], x[j] = x[j], x[i]
	}
}
