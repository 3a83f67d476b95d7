package features_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attentionspan-backend/internal/features"
	"attentionspan-backend/internal/models"
)

func TestBuildShapeAndOrder(t *testing.T) {
	bp := models.BandPowers{1, 2, 3, 4, 5}
	motion := models.MotionSummary{
		Gyro:  models.Vec3{6, 7, 8},
		Accel: models.Vec3{9, 10, 11},
	}

	for _, n := range []int{2, 32, 254, 256} {
		fv, err := features.NewBuilder().Build(bp, motion, n)
		require.NoError(t, err)
		require.Equal(t, models.NumFeatureChannels, fv.Channels())
		require.Equal(t, n, fv.Samples())

		for ch, row := range fv.Data {
			require.Len(t, row, n)
			for _, v := range row {
				assert.Equal(t, float64(ch+1), v, "channel %s", models.FeatureChannels[ch])
			}
		}
	}
}

func TestBuildAllZero(t *testing.T) {
	fv, err := features.NewBuilder().Build(models.BandPowers{}, models.MotionSummary{}, 256)
	require.NoError(t, err)
	assert.Equal(t, models.NumFeatureChannels, fv.Channels())
	assert.Equal(t, make([]float64, models.NumFeatureChannels), fv.Scalars())
	for _, row := range fv.Data {
		assert.Equal(t, make([]float64, 256), row)
	}
}

func TestBuildRejectsEmptyTimeAxis(t *testing.T) {
	_, err := features.NewBuilder().Build(models.BandPowers{}, models.MotionSummary{}, 0)
	assert.Error(t, err)
}

func TestScalarsMatchChannelNames(t *testing.T) {
	assert.Len(t, models.FeatureChannels, models.NumFeatureChannels)
	assert.Len(t, features.Scalars(models.BandPowers{}, models.MotionSummary{}), len(models.FeatureChannels))
}
