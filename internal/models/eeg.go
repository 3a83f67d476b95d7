package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Burst is one fixed-duration window of raw samples pulled from a board session.
// Primary is (primary_channels x samples), Aux is (aux_channels x aux_samples).
// The sample counts vary per pull and are never assumed to match duration * rate.
type Burst struct {
	Primary      [][]float64
	Aux          [][]float64
	SamplingRate float64
}

// Samples returns the primary sample count (0 for an empty burst)
func (b Burst) Samples() int {
	return SampleCount(b.Primary)
}

// SampleCount returns the number of samples of a channel-major buffer
func SampleCount(buf [][]float64) int {
	if len(buf) == 0 {
		return 0
	}
	return len(buf[0])
}

// Vec3 is an (X, Y, Z) triple from an inertial sensor
type Vec3 [3]float64

// MotionSummary holds the per-burst means of the auxiliary channels.
// A zero value means the auxiliary group was unavailable.
type MotionSummary struct {
	Gyro  Vec3 `json:"gyro_mean"`  // mean angular velocity
	Accel Vec3 `json:"accel_mean"` // mean linear acceleration
}

// Band identifies one canonical EEG frequency band
type Band int

const (
	Delta Band = iota
	Theta
	Alpha
	Beta
	Gamma
)

// NumBands is the number of canonical bands
const NumBands = 5

// BandRange is the [Low, High] Hz interval integrated for a band
type BandRange struct {
	Band Band
	Low  float64
	High float64
}

// Bands lists the canonical bands in feature order
var Bands = [NumBands]BandRange{
	{Band: Delta, Low: 1, High: 4},
	{Band: Theta, Low: 4, High: 8},
	{Band: Alpha, Low: 8, High: 13},
	{Band: Beta, Low: 13, High: 30},
	{Band: Gamma, Low: 30, High: 50},
}

var bandNames = [NumBands]string{"Delta", "Theta", "Alpha", "Beta", "Gamma"}

func (b Band) String() string {
	if b < 0 || int(b) >= NumBands {
		return "Band(" + strconv.Itoa(int(b)) + ")"
	}
	return bandNames[b]
}

// BandPowers is the cross-channel average power per band, indexed by Band
type BandPowers [NumBands]float64

// Get returns the power of a band
func (bp BandPowers) Get(b Band) float64 {
	return bp[b]
}

// Dominant returns the band carrying the most power
func (bp BandPowers) Dominant() Band {
	best := Delta
	for b := Theta; b <= Gamma; b++ {
		if bp[b] > bp[best] {
			best = b
		}
	}
	return best
}

// MarshalJSON keeps the canonical band order instead of sorting keys
func (bp BandPowers) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, v := range bp {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, "%q:%s", bandNames[i], strconv.FormatFloat(v, 'g', -1, 64))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts the object form written by MarshalJSON
func (bp *BandPowers) UnmarshalJSON(data []byte) error {
	var m map[string]float64
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*bp = BandPowers{}
	for i, name := range bandNames {
		bp[i] = m[name]
	}
	return nil
}

// FeatureChannels is the channel order the inference model was trained with.
// Every component that lays out or interprets features must use this slice.
var FeatureChannels = []string{
	"Delta", "Theta", "Alpha", "Beta", "Gamma",
	"GyroX", "GyroY", "GyroZ",
	"AccelX", "AccelY", "AccelZ",
}

// NumFeatureChannels is len(FeatureChannels)
const NumFeatureChannels = 11

// FeatureVector is a (feature_channels x samples) tensor. Every row is constant.
type FeatureVector struct {
	Data [][]float64 `json:"data"`
}

// Channels returns the number of feature rows
func (fv FeatureVector) Channels() int {
	return len(fv.Data)
}

// Samples returns the length of the time axis
func (fv FeatureVector) Samples() int {
	return SampleCount(fv.Data)
}

// Scalar returns the broadcast value of a feature row
func (fv FeatureVector) Scalar(channel int) float64 {
	if channel < 0 || channel >= len(fv.Data) || len(fv.Data[channel]) == 0 {
		return 0
	}
	return fv.Data[channel][0]
}

// Scalars returns one value per feature row
func (fv FeatureVector) Scalars() []float64 {
	out := make([]float64, len(fv.Data))
	for i := range fv.Data {
		out[i] = fv.Scalar(i)
	}
	return out
}
