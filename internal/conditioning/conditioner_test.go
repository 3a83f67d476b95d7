package conditioning_test

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attentionspan-backend/internal/conditioning"
)

const fs = 256.0

func sine(freq, amplitude float64, n int) []float64 {
	x := make([]float64, n)
	for i := range x {
		x[i] = amplitude * math.Sin(2*math.Pi*freq*float64(i)/fs)
	}
	return x
}

// rms over the middle half, away from edge transients
func midRMS(x []float64) float64 {
	lo, hi := len(x)/4, 3*len(x)/4
	var sum float64
	for _, v := range x[lo:hi] {
		sum += v * v
	}
	return math.Sqrt(sum / float64(hi-lo))
}

func TestConditionZeroStaysZero(t *testing.T) {
	buf := make([][]float64, 4)
	for i := range buf {
		buf[i] = make([]float64, 256)
	}

	out, err := conditioning.New(conditioning.DefaultConfig()).Condition(buf, fs)
	require.NoError(t, err)
	require.Len(t, out, 4)
	for _, ch := range out {
		require.Len(t, ch, 256)
		for _, v := range ch {
			assert.Equal(t, 0.0, v)
		}
	}
}

func TestConditionRemovesDCOffset(t *testing.T) {
	buf := [][]float64{make([]float64, 512)}
	for i := range buf[0] {
		buf[0][i] = 850.0
	}

	out, err := conditioning.New(conditioning.DefaultConfig()).Condition(buf, fs)
	require.NoError(t, err)
	for _, v := range out[0] {
		assert.InDelta(t, 0, v, 1e-9)
	}
}

func TestConditionDoesNotMutateInput(t *testing.T) {
	raw := sine(10, 20, 256)
	for i := range raw {
		raw[i] += 40
	}
	orig := append([]float64(nil), raw...)

	_, err := conditioning.New(conditioning.DefaultConfig()).Condition([][]float64{raw}, fs)
	require.NoError(t, err)
	assert.Equal(t, orig, raw)
}

func TestConditionPassesAlphaAndRemovesMains(t *testing.T) {
	tests := []struct {
		name    string
		freq    float64
		wantRMS float64
		delta   float64
	}{
		{name: "10 Hz alpha passes", freq: 10, wantRMS: 1 / math.Sqrt2, delta: 0.05},
		{name: "60 Hz mains removed", freq: 60, wantRMS: 0, delta: 0.05},
		{name: "50 Hz mains removed", freq: 50, wantRMS: 0, delta: 0.1},
	}

	c := conditioning.New(conditioning.DefaultConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := c.Condition([][]float64{sine(tt.freq, 1, 1024)}, fs)
			require.NoError(t, err)
			assert.InDelta(t, tt.wantRMS, midRMS(out[0]), tt.delta)
		})
	}
}

func TestConditionForwardOnly(t *testing.T) {
	cfg := conditioning.DefaultConfig()
	cfg.ForwardOnly = true

	out, err := conditioning.New(cfg).Condition([][]float64{sine(10, 1, 1024)}, fs)
	require.NoError(t, err)
	assert.InDelta(t, 1/math.Sqrt2, midRMS(out[0]), 0.05)
}

func TestConditionRejectsShortChannel(t *testing.T) {
	buf := [][]float64{make([]float64, 64), make([]float64, conditioning.MinSamples-1)}

	_, err := conditioning.New(conditioning.DefaultConfig()).Condition(buf, fs)
	require.Error(t, err)
	assert.True(t, errors.Is(err, conditioning.ErrFilter))

	var fe *conditioning.FilterError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 1, fe.Channel)
	assert.Equal(t, conditioning.MinSamples-1, fe.Samples)
}

func TestConditionRejectsPassbandAboveNyquist(t *testing.T) {
	_, err := conditioning.New(conditioning.DefaultConfig()).Condition([][]float64{make([]float64, 64)}, 80)
	assert.ErrorIs(t, err, conditioning.ErrFilter)

	_, err = conditioning.New(conditioning.DefaultConfig()).Condition([][]float64{make([]float64, 64)}, 0)
	assert.ErrorIs(t, err, conditioning.ErrFilter)
}

func TestLineNoiseNotches(t *testing.T) {
	assert.Len(t, conditioning.LineNoiseBoth.Notches(), 2)
	assert.Equal(t, []conditioning.Band{{Low: 48, High: 52}}, conditioning.LineNoise50.Notches())
	assert.Equal(t, []conditioning.Band{{Low: 58, High: 62}}, conditioning.LineNoise60.Notches())
	assert.Len(t, conditioning.LineNoise("").Notches(), 2)
}
